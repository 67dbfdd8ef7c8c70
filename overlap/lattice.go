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

package overlap

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"
)

// Lattice is a regular lon/lat grid. Cells are stored in row-major order,
// so that the cell at Row r and Col c has Index r*Nx + c, which is also
// its position in the spatial dimensions of a gridded variable with shape
// [..., Ny, Nx].
type Lattice struct {
	Nx, Ny int
	Cells  []*Cell
}

// Cell is one rectangle of a Lattice.
type Cell struct {
	geom.Polygon
	Row, Col, Index int
}

// NewLattice creates a lattice of nx by ny cells of size dx by dy whose
// first cell has its lower-left corner at (x0, y0).
func NewLattice(x0, y0, dx, dy float64, nx, ny int) *Lattice {
	xc := make([]float64, nx)
	yc := make([]float64, ny)
	for i := range xc {
		xc[i] = x0 + (float64(i)+0.5)*dx
	}
	for i := range yc {
		yc[i] = y0 + (float64(i)+0.5)*dy
	}
	return newLattice(xc, yc, math.Abs(dx), math.Abs(dy))
}

// NewLatticeFromCenters creates a lattice from vectors of cell center
// coordinates, as stored in the coordinate variables of a gridded
// dataset. The coordinates may be ascending or descending but must be
// evenly spaced. If normalizeLon is true, longitudes greater than 180 are
// shifted by -360 so that 0..360 grids line up with -180..180 polygons.
func NewLatticeFromCenters(lon, lat []float64, normalizeLon bool) (*Lattice, error) {
	dx, err := spacing(lon)
	if err != nil {
		return nil, fmt.Errorf("overlap: longitude: %v", err)
	}
	dy, err := spacing(lat)
	if err != nil {
		return nil, fmt.Errorf("overlap: latitude: %v", err)
	}
	x := make([]float64, len(lon))
	copy(x, lon)
	if normalizeLon {
		for i, v := range x {
			if v > 180 {
				x[i] = v - 360
			}
		}
	}
	return newLattice(x, lat, dx, dy), nil
}

// spacing returns the absolute spacing of evenly spaced values v.
func spacing(v []float64) (float64, error) {
	if len(v) < 2 {
		return 0, fmt.Errorf("need at least 2 coordinates but have %d", len(v))
	}
	d := v[1] - v[0]
	if d == 0 {
		return 0, fmt.Errorf("zero coordinate spacing")
	}
	tol := math.Abs(d) * 1e-4
	for i := 2; i < len(v); i++ {
		if math.Abs(v[i]-v[i-1]-d) > tol {
			return 0, fmt.Errorf("coordinates are not evenly spaced at index %d", i)
		}
	}
	return math.Abs(d), nil
}

func newLattice(xc, yc []float64, dx, dy float64) *Lattice {
	l := &Lattice{Nx: len(xc), Ny: len(yc)}
	l.Cells = make([]*Cell, l.Nx*l.Ny)
	for r, y := range yc {
		for c, x := range xc {
			i := r*l.Nx + c
			w, s := x-dx/2, y-dy/2
			e, n := x+dx/2, y+dy/2
			l.Cells[i] = &Cell{
				Polygon: geom.Polygon{{{X: w, Y: s}, {X: e, Y: s}, {X: e, Y: n}, {X: w, Y: n}, {X: w, Y: s}}},
				Row:     r,
				Col:     c,
				Index:   i,
			}
		}
	}
	return l
}

// Bounds returns the extent of the lattice.
func (l *Lattice) Bounds() *geom.Bounds {
	b := geom.NewBounds()
	for _, c := range l.Cells {
		b.Extend(c.Bounds())
	}
	return b
}

// Aligned reports whether l and o have the same shape and the same cell
// boundaries within a tolerance of tol.
func (l *Lattice) Aligned(o *Lattice, tol float64) bool {
	if l.Nx != o.Nx || l.Ny != o.Ny {
		return false
	}
	for i, c := range l.Cells {
		b1, b2 := c.Bounds(), o.Cells[i].Bounds()
		if math.Abs(b1.Min.X-b2.Min.X) > tol || math.Abs(b1.Min.Y-b2.Min.Y) > tol ||
			math.Abs(b1.Max.X-b2.Max.X) > tol || math.Abs(b1.Max.Y-b2.Max.Y) > tol {
			return false
		}
	}
	return true
}
