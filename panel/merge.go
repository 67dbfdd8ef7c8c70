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

package panel

import (
	"fmt"
	"sort"

	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/epi"
	"github.com/spatialmodel/tempmort/rollup"
)

// Outcome holds the deaths and population of one entity in one period.
type Outcome struct {
	Entity     string
	Period     int
	Deaths     float64
	Population float64
}

// Row is one observation of the panel.
type Row struct {
	Entity string
	Group  string
	Period int

	// Outcome is the mortality rate per 100,000 people.
	Outcome    float64
	Deaths     float64
	Population float64
	Regressors map[string]float64
}

// GroupFunc returns the group that an entity belongs to.
type GroupFunc func(entity string) (string, error)

// StateFromFIPS returns the 2 digit state code of a county FIPS key.
func StateFromFIPS(entity string) (string, error) {
	f, err := tempmort.NormalizeFIPS(entity)
	if err != nil {
		return "", err
	}
	return f[:2], nil
}

// Merge joins outcomes to the climate table on (entity, period), keeping
// every outcome. Outcomes with no climate values are kept with missing
// regressors and their keys are returned in a JoinMismatchError, which
// is nil if every outcome matched. vars are the climate variables to use
// as regressors. If group is nil, StateFromFIPS is used.
func Merge(outcomes []Outcome, climate *rollup.Table, vars []string, group GroupFunc) ([]Row, *tempmort.JoinMismatchError, error) {
	if group == nil {
		group = StateFromFIPS
	}
	for _, v := range vars {
		if _, ok := climate.Vars[v]; !ok {
			return nil, nil, &tempmort.MissingDataError{Variable: v, Cell: -1}
		}
	}
	index := climate.Index()
	seen := make(map[tempmort.Key]bool, len(outcomes))
	rows := make([]Row, 0, len(outcomes))
	var unmatched []tempmort.Key
	for _, o := range outcomes {
		k := tempmort.Key{Entity: o.Entity, Period: o.Period}
		if seen[k] {
			return nil, nil, fmt.Errorf("panel: duplicate outcome for %s", k)
		}
		seen[k] = true
		g, err := group(o.Entity)
		if err != nil {
			return nil, nil, fmt.Errorf("panel: grouping entity %q: %v", o.Entity, err)
		}
		row := Row{
			Entity:     o.Entity,
			Group:      g,
			Period:     o.Period,
			Outcome:    epi.Rate(o.Deaths, o.Population),
			Deaths:     o.Deaths,
			Population: o.Population,
			Regressors: make(map[string]float64, len(vars)),
		}
		i, ok := index[k]
		if !ok {
			unmatched = append(unmatched, k)
		}
		for _, v := range vars {
			if ok {
				row.Regressors[v] = climate.Get(v, i[0], i[1])
			} else {
				row.Regressors[v] = tempmort.Missing()
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Entity != rows[j].Entity {
			return rows[i].Entity < rows[j].Entity
		}
		return rows[i].Period < rows[j].Period
	})
	return rows, tempmort.NewJoinMismatchError(unmatched), nil
}
