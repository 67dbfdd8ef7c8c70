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

package aggregate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"
	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/overlap"
)

const testTolerance = 1.e-10

func different(a, b, tolerance float64) bool {
	if math.IsNaN(a) || math.Abs(a-b)/math.Abs(b) > tolerance {
		return true
	}
	return false
}

func square(x0, y0, x1, y1 float64) geom.Polygon {
	return geom.Polygon{{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}}
}

// setup returns a 4x4 unit lattice, three regions that lie on it and
// their overlap weights.
func setup(t *testing.T) (*overlap.Lattice, *overlap.Weights) {
	l := overlap.NewLattice(0, 0, 1, 1, 4, 4)
	regions := []overlap.Region{
		{ID: "01001", Polygonal: square(0.5, 0.5, 1.5, 1.5)},
		{ID: "01003", Polygonal: square(2, 0, 4, 1)},
		{ID: "02001", Polygonal: geom.Polygon{{{X: 0.2, Y: 2.2}, {X: 3.6, Y: 2.4}, {X: 1.1, Y: 3.9}}}},
	}
	w, err := overlap.Compute(context.Background(), l, regions, overlap.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return l, w
}

// field returns an [nt, 4, 4] array where f gives the value at each
// time step and cell index.
func field(nt int, f func(t, cell int) float64) *sparse.DenseArray {
	a := sparse.ZerosDense(nt, 4, 4)
	for t := 0; t < nt; t++ {
		for c := 0; c < 16; c++ {
			a.Elements[t*16+c] = f(t, c)
		}
	}
	return a
}

func ones() *sparse.DenseArray {
	a := sparse.ZerosDense(4, 4)
	for i := range a.Elements {
		a.Elements[i] = 1
	}
	return a
}

func TestAggregateConstant(t *testing.T) {
	l, w := setup(t)
	ds, err := NewDataset(l, []float64{1990, 1990 + 1./12}, map[string]*sparse.DenseArray{
		"tas": field(2, func(int, int) float64 { return 10 }),
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err := Aggregate(context.Background(), ds, w, ones(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	for r := range s.Regions {
		for ti := range s.Time {
			if v := s.Get("tas", r, ti); different(v, 10, testTolerance) {
				t.Errorf("region %s time %d: %g, want 10", s.Regions[r], ti, v)
			}
		}
	}
}

func TestAggregateWeighted(t *testing.T) {
	l := overlap.NewLattice(0, 0, 1, 1, 2, 1)
	w, err := overlap.Compute(context.Background(), l, []overlap.Region{
		{ID: "a", Polygonal: square(0.5, 0, 1.5, 1)},
	}, overlap.Options{})
	if err != nil {
		t.Fatal(err)
	}
	v := sparse.ZerosDense(1, 1, 2)
	v.Elements[0], v.Elements[1] = 1, 3
	aux := sparse.ZerosDense(1, 2)
	aux.Elements[0], aux.Elements[1] = 1, 3
	ds, err := NewDataset(l, []float64{2000}, map[string]*sparse.DenseArray{"x": v})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		aux  *sparse.DenseArray
		want float64
	}{
		{name: "population", aux: aux, want: (1*0.5*1 + 3*0.5*3) / (0.5*1 + 0.5*3)},
		{name: "unweighted", aux: nil, want: 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, err := Aggregate(context.Background(), ds, w, test.aux, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if got := s.Get("x", 0, 0); different(got, test.want, testTolerance) {
				t.Errorf("got %g, want %g", got, test.want)
			}
		})
	}
}

// Aggregating a·X + b gives a·aggregate(X) + b.
func TestAggregateLinear(t *testing.T) {
	l, w := setup(t)
	const a, b = 2.5, -7.
	ds, err := NewDataset(l, []float64{1990, 1991, 1992}, map[string]*sparse.DenseArray{
		"x": field(3, func(t, c int) float64 { return float64(c*c) - 3*float64(t) + 0.25 }),
	})
	if err != nil {
		t.Fatal(err)
	}
	ds, err = ds.Derive("y", "x", func(v float64) float64 { return a*v + b })
	if err != nil {
		t.Fatal(err)
	}
	pop := field(1, func(_, c int) float64 { return float64(c%5) + 0.5 })
	pop.Shape = []int{4, 4}
	pop.Fix()
	s, err := Aggregate(context.Background(), ds, w, pop, Options{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	for r := range s.Regions {
		for ti := range s.Time {
			x, y := s.Get("x", r, ti), s.Get("y", r, ti)
			if different(y, a*x+b, 1.e-9) {
				t.Errorf("region %d time %d: aggregate(aX+b) = %g but a·aggregate(X)+b = %g", r, ti, y, a*x+b)
			}
		}
	}
}

func TestAggregateMissing(t *testing.T) {
	l, w := setup(t)
	ds, err := NewDataset(l, []float64{1990, 1991}, map[string]*sparse.DenseArray{
		"x": field(2, func(t, c int) float64 {
			if t == 1 && c == 5 {
				return math.NaN()
			}
			return float64(c)
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t.Run("zero weight", func(t *testing.T) {
		s, err := Aggregate(ctx, ds, w, sparse.ZerosDense(4, 4), Options{})
		if err != nil {
			t.Fatal(err)
		}
		for r := range s.Regions {
			if v := s.Get("x", r, 0); !tempmort.IsMissing(v) {
				t.Errorf("region %d: %g, want missing", r, v)
			}
		}
	})
	t.Run("missing value", func(t *testing.T) {
		s, err := Aggregate(ctx, ds, w, nil, Options{})
		if err != nil {
			t.Fatal(err)
		}
		// Region 0 covers a quarter of cells 0, 1, 4 and 5.
		if v := s.Get("x", 0, 0); different(v, 2.5, testTolerance) {
			t.Errorf("time 0: %g, want 2.5", v)
		}
		if v := s.Get("x", 0, 1); different(v, 5./3, testTolerance) {
			t.Errorf("time 1: %g, want %g", v, 5./3)
		}
	})
	t.Run("missing weight", func(t *testing.T) {
		aux := ones()
		aux.Elements[4] = math.NaN()
		_, err := Aggregate(ctx, ds, w, aux, Options{})
		var me *tempmort.MissingDataError
		if !errors.As(err, &me) {
			t.Fatalf("got %v, want a MissingDataError", err)
		}
		if me.Region != "01001" || me.Cell != 4 {
			t.Errorf("error %+v", me)
		}
		s, err := Aggregate(ctx, ds, w, aux, Options{SkipMissingWeights: true})
		if err != nil {
			t.Fatal(err)
		}
		if v := s.Get("x", 0, 0); different(v, 2, testTolerance) {
			t.Errorf("skipping the missing weight: %g, want 2", v)
		}
	})
	t.Run("missing variable", func(t *testing.T) {
		_, err := Aggregate(ctx, ds, w, nil, Options{Variables: []string{"tas"}})
		var me *tempmort.MissingDataError
		if !errors.As(err, &me) || me.Variable != "tas" {
			t.Errorf("got %v, want a MissingDataError for tas", err)
		}
	})
}

func TestDeriveTransforms(t *testing.T) {
	l, _ := setup(t)
	tas := field(1, func(_, c int) float64 { return float64(c) })
	ds, err := NewDataset(l, []float64{1990}, map[string]*sparse.DenseArray{"tas": tas})
	if err != nil {
		t.Fatal(err)
	}
	ds2, err := ds.DeriveTransforms("tas", tempmort.TemperatureTerms("tas", 20)...)
	if err != nil {
		t.Fatal(err)
	}
	if got := ds2.Names(); len(got) != 3 || got[0] != "tas" || got[1] != "tas_adj" || got[2] != "tas_sq" {
		t.Errorf("names %v", got)
	}
	if len(ds.Names()) != 1 {
		t.Error("the original dataset was modified")
	}
	sq, _ := ds2.Var("tas_sq")
	if sq.Elements[3] != 9-400 {
		t.Errorf("tas_sq = %g", sq.Elements[3])
	}
	if _, err := ds2.Derive("tas_sq", "tas", math.Sqrt); err == nil {
		t.Error("expected an error for an existing variable")
	}
}

func TestNewDataset(t *testing.T) {
	l := overlap.NewLattice(0, 0, 1, 1, 4, 4)
	if _, err := NewDataset(l, []float64{1991, 1990}, nil); err == nil {
		t.Error("expected an error for a decreasing time axis")
	}
	if _, err := NewDataset(l, []float64{1990}, map[string]*sparse.DenseArray{"x": sparse.ZerosDense(1, 4, 3)}); err == nil {
		t.Error("expected an error for the wrong shape")
	}
}
