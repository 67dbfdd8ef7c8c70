/*
Copyright © 2020 the tempmort authors.
This file is part of tempmort.

tempmort is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

tempmort is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with tempmort.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package overlap calculates the area of intersection between the cells
// of a regular lattice and a set of polygonal regions.
package overlap

import (
	"context"
	"encoding/gob"
	"fmt"
	"runtime"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(geom.Polygon{})
	gob.Register(geom.MultiPolygon{})
}

// Record is the area of intersection between a lattice cell and a region.
type Record struct {
	// Cell is the index of the cell in the lattice.
	Cell int

	// Region is the ID of the region.
	Region string

	Area float64
}

// Weights holds the overlap records for a set of regions. Records[i]
// holds the records of region Regions[i] sorted by cell index. Cells
// that do not overlap a region have no record.
type Weights struct {
	Nx, Ny     int
	Regions    []string
	RegionArea []float64
	Records    [][]Record
}

// Options control the calculation of overlaps.
type Options struct {
	// SubsetBBox limits the cells that are considered to those that
	// overlap the combined bounding box of all regions.
	SubsetBBox bool

	// Policy specifies how invalid geometries are handled.
	Policy Policy

	// Workers is the number of regions that are processed concurrently.
	// Zero means runtime.GOMAXPROCS(0).
	Workers int
}

// Compute returns the overlaps between the cells of l and regions.
// Candidate cells are those whose bounding box intersects the bounding
// box of a region part; their exact intersection area is calculated by
// clipping the part to the cell rectangle, and intersections with zero
// area are dropped. Cells
// that lie outside the bounding boxes of all regions are never
// candidates and so never appear in the result.
func Compute(ctx context.Context, l *Lattice, regions []Region, o Options) (*Weights, error) {
	seen := make(map[string]bool, len(regions))
	for _, r := range regions {
		if seen[r.ID] {
			return nil, fmt.Errorf("overlap: duplicate region id %q", r.ID)
		}
		seen[r.ID] = true
	}

	cells := l.Cells
	if o.SubsetBBox {
		cells = subset(cells, regions)
	}
	index := rtree.NewTree(25, 50)
	for _, c := range cells {
		index.Insert(c)
	}

	w := &Weights{
		Nx:         l.Nx,
		Ny:         l.Ny,
		Regions:    make([]string, len(regions)),
		RegionArea: make([]float64, len(regions)),
		Records:    make([][]Record, len(regions)),
	}
	workers := o.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, r := range regions {
		i, r := i, r
		w.Regions[i] = r.ID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, parts, err := makeValid(r, o.Policy)
			if err != nil {
				return err
			}
			w.RegionArea[i] = partsArea(parts)
			w.Records[i] = regionOverlaps(index, r.ID, parts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return w, nil
}

// subset returns the cells that overlap the combined bounding box of the
// regions.
func subset(cells []*Cell, regions []Region) []*Cell {
	b := geom.NewBounds()
	for _, r := range regions {
		if r.Polygonal != nil {
			b.Extend(r.Bounds())
		}
	}
	var out []*Cell
	for _, c := range cells {
		if c.Bounds().Overlaps(b) {
			out = append(out, c)
		}
	}
	return out
}

// minOverlap is the smallest fraction of a cell's area that counts as an
// overlap. Smaller areas are rounding residue from edges that run along
// cell boundaries.
const minOverlap = 1e-12

// regionOverlaps returns the overlaps between the parts of region id and
// the cells in index. Overlaps with different parts of a multi-part
// region accumulate in the same record.
func regionOverlaps(index *rtree.Rtree, id string, parts []geom.Polygon) []Record {
	areas := make(map[int]float64)
	for _, part := range parts {
		for _, ci := range index.SearchIntersect(part.Bounds()) {
			c := ci.(*Cell)
			b := c.Bounds()
			a := clipArea(part, b)
			if a > minOverlap*(b.Max.X-b.Min.X)*(b.Max.Y-b.Min.Y) {
				areas[c.Index] += a
			}
		}
	}
	recs := make([]Record, 0, len(areas))
	for i, a := range areas {
		recs = append(recs, Record{Cell: i, Region: id, Area: a})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Cell < recs[j].Cell })
	return recs
}

// Len returns the total number of records.
func (w *Weights) Len() int {
	n := 0
	for _, r := range w.Records {
		n += len(r)
	}
	return n
}

// Coverage returns the fraction of the area of region i that is covered
// by lattice cells.
func (w *Weights) Coverage(i int) float64 {
	var a float64
	for _, r := range w.Records[i] {
		a += r.Area
	}
	return a / w.RegionArea[i]
}
