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

package fe

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Within holds the result of the within (fixed effects) transform: the
// regressors and outcome with the mean of each entity subtracted.
type Within struct {
	Names    []string
	X        *mat.Dense
	Y        []float64
	Entities []string

	// NEntities is the number of distinct entities.
	NEntities int
}

// Demean subtracts the mean of each entity from each column of x and
// from y, which removes entity-specific intercepts from a linear model.
// The inputs are not modified.
func Demean(names []string, x mat.Matrix, y []float64, entities []string) (*Within, error) {
	n, k := x.Dims()
	if len(y) != n || len(entities) != n {
		return nil, fmt.Errorf("fe: x has %d rows but y has %d and entities has %d", n, len(y), len(entities))
	}
	if len(names) != k {
		return nil, fmt.Errorf("fe: x has %d columns but there are %d names", k, len(names))
	}
	group := make([]int, n)
	ids := make(map[string]int)
	for i, e := range entities {
		g, ok := ids[e]
		if !ok {
			g = len(ids)
			ids[e] = g
		}
		group[i] = g
	}
	count := make([]float64, len(ids))
	for _, g := range group {
		count[g]++
	}

	w := &Within{
		Names:     names,
		X:         mat.NewDense(n, k, nil),
		Y:         make([]float64, n),
		Entities:  entities,
		NEntities: len(ids),
	}
	mean := make([]float64, len(ids))
	demean := func(get func(i int) float64, set func(i int, v float64)) {
		for g := range mean {
			mean[g] = 0
		}
		for i, g := range group {
			mean[g] += get(i)
		}
		for g := range mean {
			mean[g] /= count[g]
		}
		for i, g := range group {
			set(i, get(i)-mean[g])
		}
	}
	for j := 0; j < k; j++ {
		j := j
		demean(func(i int) float64 { return x.At(i, j) }, func(i int, v float64) { w.X.Set(i, j, v) })
	}
	demean(func(i int) float64 { return y[i] }, func(i int, v float64) { w.Y[i] = v })
	return w, nil
}
