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

// Package predict evaluates a fitted dose-response model over a grid of
// the underlying physical quantity.
package predict

import (
	"fmt"
	"math"

	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/fe"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Point is the model prediction at one grid value.
type Point struct {
	Value    float64
	Estimate float64
	StdErr   float64
	Lower    float64
	Upper    float64
}

// Grid returns the values from min to max inclusive in steps of step.
func Grid(min, max, step float64) ([]float64, error) {
	if !(step > 0) || max < min {
		return nil, fmt.Errorf("predict: invalid grid %g to %g by %g", min, max, step)
	}
	n := int(math.Floor((max-min)/step+1e-9)) + 1
	g := make([]float64, n)
	for i := range g {
		g[i] = min + float64(i)*step
	}
	return g, nil
}

// Band returns the point estimate and two-sided confidence interval at
// confidence level (e.g. 0.95) for each value in grid. terms are the
// transforms that produced the model's regressors from the physical
// quantity, and are applied to each grid value to build the prediction
// row. Only the coefficients named by terms contribute to the
// prediction. The critical value comes from a t distribution with the
// model's residual degrees of freedom.
func Band(m *fe.Model, terms []tempmort.Transform, grid []float64, level float64) ([]Point, error) {
	if !(level > 0 && level < 1) {
		return nil, fmt.Errorf("predict: confidence level %g is not between 0 and 1", level)
	}
	if m.DFResid <= 0 {
		return nil, fmt.Errorf("predict: model has %d residual degrees of freedom", m.DFResid)
	}
	names := make([]string, len(terms))
	for i, t := range terms {
		names[i] = t.Name
	}
	coef, cov, err := m.Subset(names...)
	if err != nil {
		return nil, err
	}
	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(m.DFResid)}
	crit := tdist.Quantile(1 - (1-level)/2)

	b := mat.NewVecDense(len(coef), coef)
	row := mat.NewVecDense(len(terms), nil)
	out := make([]Point, len(grid))
	for i, v := range grid {
		for j, t := range terms {
			row.SetVec(j, t.Apply(v))
		}
		est := mat.Dot(row, b)
		se := math.Sqrt(math.Max(mat.Inner(row, cov, row), 0))
		out[i] = Point{
			Value:    v,
			Estimate: est,
			StdErr:   se,
			Lower:    est - crit*se,
			Upper:    est + crit*se,
		}
	}
	return out, nil
}
