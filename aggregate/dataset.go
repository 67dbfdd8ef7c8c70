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
	"fmt"
	"sort"

	"github.com/ctessum/sparse"
	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/overlap"
)

// Dataset holds gridded variables on a lattice. Each variable has shape
// [len(Time), Lattice.Ny, Lattice.Nx]. A Dataset is not modified after
// it is created; Derive returns a new Dataset.
type Dataset struct {
	Lattice *overlap.Lattice

	// Time holds strictly increasing period-encoded times.
	Time []float64

	vars map[string]*sparse.DenseArray
}

// NewDataset returns a new dataset, checking that the time axis is
// increasing and that every variable has the right shape.
func NewDataset(l *overlap.Lattice, time []float64, vars map[string]*sparse.DenseArray) (*Dataset, error) {
	for i := 1; i < len(time); i++ {
		if !(time[i] > time[i-1]) {
			return nil, fmt.Errorf("aggregate: time axis is not increasing at index %d (%g after %g)", i, time[i], time[i-1])
		}
	}
	d := &Dataset{
		Lattice: l,
		Time:    time,
		vars:    make(map[string]*sparse.DenseArray, len(vars)),
	}
	for name, v := range vars {
		if err := d.checkShape(name, v); err != nil {
			return nil, err
		}
		d.vars[name] = v
	}
	return d, nil
}

func (d *Dataset) checkShape(name string, v *sparse.DenseArray) error {
	want := []int{len(d.Time), d.Lattice.Ny, d.Lattice.Nx}
	if len(v.Shape) != 3 || v.Shape[0] != want[0] || v.Shape[1] != want[1] || v.Shape[2] != want[2] {
		return fmt.Errorf("aggregate: variable %s has shape %v but should have shape %v", name, v.Shape, want)
	}
	return nil
}

// Var returns the named variable.
func (d *Dataset) Var(name string) (*sparse.DenseArray, bool) {
	v, ok := d.vars[name]
	return v, ok
}

// Names returns the sorted variable names.
func (d *Dataset) Names() []string {
	names := make([]string, 0, len(d.vars))
	for n := range d.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Derive returns a copy of d with an additional variable name whose
// values are f applied to each value of variable src.
func (d *Dataset) Derive(name, src string, f func(float64) float64) (*Dataset, error) {
	v, ok := d.vars[src]
	if !ok {
		return nil, &tempmort.MissingDataError{Variable: src, Cell: -1}
	}
	if _, ok := d.vars[name]; ok {
		return nil, fmt.Errorf("aggregate: variable %s already exists", name)
	}
	out := v.Copy()
	for i, e := range out.Elements {
		out.Elements[i] = f(e)
	}
	d2 := &Dataset{
		Lattice: d.Lattice,
		Time:    d.Time,
		vars:    make(map[string]*sparse.DenseArray, len(d.vars)+1),
	}
	for n, vv := range d.vars {
		d2.vars[n] = vv
	}
	d2.vars[name] = out
	return d2, nil
}

// DeriveTransforms derives one variable for each transform of src.
func (d *Dataset) DeriveTransforms(src string, transforms ...tempmort.Transform) (*Dataset, error) {
	out := d
	for _, t := range transforms {
		var err error
		out, err = out.Derive(t.Name, src, t.Apply)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
