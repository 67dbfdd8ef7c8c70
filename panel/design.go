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

// Package panel builds the design matrix of a panel regression from
// mortality outcomes and aggregated climate variables.
package panel

import (
	"fmt"
	"sort"

	"github.com/spatialmodel/tempmort"
	"gonum.org/v1/gonum/mat"
)

// TrendPrefix is the prefix of the names of group trend columns.
const TrendPrefix = "trend_"

// DesignMatrix holds the regressors and outcome of a panel regression.
// Row i of X is the observation of entity Entities[i] in period
// Periods[i].
type DesignMatrix struct {
	// Columns are the names of the columns of X: the regressors in the
	// order they were requested followed by one trend column per group
	// in sorted group order.
	Columns []string

	X        *mat.Dense
	Y        []float64
	Entities []string
	Groups   []string
	Periods  []int

	// Deaths and Population hold the death count and population of each
	// row.
	Deaths, Population []float64

	// Dropped is the number of input rows that were left out because
	// the outcome or a regressor was missing.
	Dropped int
}

// Build creates a design matrix from rows. Rows with a missing outcome
// or regressor are dropped. Each trend column equals the period in rows
// of its group and zero elsewhere.
func Build(rows []Row, regressors []string) (*DesignMatrix, error) {
	keep := make([]Row, 0, len(rows))
	seen := make(map[tempmort.Key]bool, len(rows))
	for _, r := range rows {
		k := tempmort.Key{Entity: r.Entity, Period: r.Period}
		if seen[k] {
			return nil, fmt.Errorf("panel: duplicate row for %s", k)
		}
		seen[k] = true
		if complete(r, regressors) {
			keep = append(keep, r)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("panel: no complete rows out of %d", len(rows))
	}

	groupSet := make(map[string]bool)
	for _, r := range keep {
		groupSet[r.Group] = true
	}
	groups := make([]string, 0, len(groupSet))
	for g := range groupSet {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	groupCol := make(map[string]int, len(groups))

	d := &DesignMatrix{
		Columns:    make([]string, 0, len(regressors)+len(groups)),
		Y:          make([]float64, len(keep)),
		Entities:   make([]string, len(keep)),
		Groups:     make([]string, len(keep)),
		Periods:    make([]int, len(keep)),
		Deaths:     make([]float64, len(keep)),
		Population: make([]float64, len(keep)),
		Dropped:    len(rows) - len(keep),
	}
	d.Columns = append(d.Columns, regressors...)
	for i, g := range groups {
		groupCol[g] = len(regressors) + i
		d.Columns = append(d.Columns, TrendPrefix+g)
	}
	d.X = mat.NewDense(len(keep), len(d.Columns), nil)
	for i, r := range keep {
		for j, v := range regressors {
			d.X.Set(i, j, r.Regressors[v])
		}
		d.X.Set(i, groupCol[r.Group], float64(r.Period))
		d.Y[i] = r.Outcome
		d.Entities[i] = r.Entity
		d.Groups[i] = r.Group
		d.Periods[i] = r.Period
		d.Deaths[i] = r.Deaths
		d.Population[i] = r.Population
	}
	return d, nil
}

func complete(r Row, regressors []string) bool {
	if tempmort.IsMissing(r.Outcome) {
		return false
	}
	for _, v := range regressors {
		x, ok := r.Regressors[v]
		if !ok || tempmort.IsMissing(x) {
			return false
		}
	}
	return true
}
