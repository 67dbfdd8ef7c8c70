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

// Package aggregate collapses gridded variables onto polygonal regions
// using area and auxiliary (e.g., population) weights.
package aggregate

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/ctessum/sparse"
	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/overlap"
	"golang.org/x/sync/errgroup"
)

// Series holds the aggregated values of each variable, with shape
// [len(Regions), len(Time)].
type Series struct {
	Regions []string
	Time    []float64
	Vars    map[string]*sparse.DenseArray
}

// Get returns the value of variable v for region index r at time index t.
func (s *Series) Get(v string, r, t int) float64 {
	return s.Vars[v].Get(r, t)
}

// Options control aggregation.
type Options struct {
	// Variables are the variables to aggregate. If empty, all variables
	// in the dataset are aggregated.
	Variables []string

	// SkipMissingWeights causes cells with a missing auxiliary weight to
	// be given a weight of zero. Otherwise a missing weight in a cell
	// that overlaps a region is an error.
	SkipMissingWeights bool

	// Workers is the number of (region, variable) pairs that are
	// processed concurrently. Zero means runtime.GOMAXPROCS(0).
	Workers int
}

type cellWeight struct {
	cell int
	w    float64
}

// Aggregate calculates the weighted mean of each variable in ds for each
// region in w at each time. The weight of each cell is its overlap area
// times its value in aux, which must have shape [Ny, Nx]. If aux is nil
// all cells have an auxiliary weight of one.
//
// Cells with a missing value are left out of both the numerator and the
// denominator. If a region has no weight at a time step, its value is
// missing.
func Aggregate(ctx context.Context, ds *Dataset, w *overlap.Weights, aux *sparse.DenseArray, o Options) (*Series, error) {
	l := ds.Lattice
	if w.Nx != l.Nx || w.Ny != l.Ny {
		return nil, fmt.Errorf("aggregate: overlap weights are for a %dx%d lattice but the dataset lattice is %dx%d",
			w.Nx, w.Ny, l.Nx, l.Ny)
	}
	if aux != nil && (len(aux.Shape) != 2 || aux.Shape[0] != l.Ny || aux.Shape[1] != l.Nx) {
		return nil, fmt.Errorf("aggregate: auxiliary weights have shape %v but should have shape [%d %d]",
			aux.Shape, l.Ny, l.Nx)
	}
	vars := o.Variables
	if len(vars) == 0 {
		vars = ds.Names()
	}
	arrays := make([]*sparse.DenseArray, len(vars))
	for i, v := range vars {
		a, ok := ds.Var(v)
		if !ok {
			return nil, &tempmort.MissingDataError{Variable: v, Cell: -1}
		}
		arrays[i] = a
	}

	weights := make([][]cellWeight, len(w.Regions))
	for i, recs := range w.Records {
		weights[i] = make([]cellWeight, 0, len(recs))
		for _, r := range recs {
			a := 1.
			if aux != nil {
				a = aux.Elements[r.Cell]
				if math.IsNaN(a) {
					if !o.SkipMissingWeights {
						return nil, &tempmort.MissingDataError{Variable: "weight", Region: r.Region, Cell: r.Cell}
					}
					a = 0
				}
			}
			weights[i] = append(weights[i], cellWeight{cell: r.Cell, w: r.Area * a})
		}
	}

	nt := len(ds.Time)
	s := &Series{
		Regions: w.Regions,
		Time:    ds.Time,
		Vars:    make(map[string]*sparse.DenseArray, len(vars)),
	}
	out := make([]*sparse.DenseArray, len(vars))
	for i, v := range vars {
		out[i] = sparse.ZerosDense(len(w.Regions), nt)
		s.Vars[v] = out[i]
	}

	workers := o.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	ncell := l.Nx * l.Ny
	for r := range weights {
		for v := range vars {
			r, v := r, v
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				in := arrays[v].Elements
				dst := out[v].Elements[r*nt : (r+1)*nt]
				for t := 0; t < nt; t++ {
					dst[t] = weightedMean(in[t*ncell:(t+1)*ncell], weights[r])
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

func weightedMean(vals []float64, weights []cellWeight) float64 {
	var num, den float64
	for _, cw := range weights {
		v := vals[cw.cell]
		if math.IsNaN(v) || cw.w == 0 {
			continue
		}
		num += v * cw.w
		den += cw.w
	}
	if den == 0 {
		return tempmort.Missing()
	}
	return num / den
}
