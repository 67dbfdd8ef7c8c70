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

// Package rollup reduces aggregated time series to one value per region
// per period.
package rollup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ctessum/sparse"
	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/aggregate"
)

// PeriodFunc returns the period that the period-encoded time t falls in.
type PeriodFunc func(t float64) int

// ByYear groups times by calendar year.
func ByYear(t float64) int { return tempmort.Year(t) }

// ByYearMonth groups times by calendar month, returning periods of the
// form yyyymm.
func ByYearMonth(t float64) int { return tempmort.Year(t)*100 + tempmort.Month(t) }

// ParsePeriod returns the PeriodFunc named by s ("year" or "month").
func ParsePeriod(s string) (PeriodFunc, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "year":
		return ByYear, nil
	case "month":
		return ByYearMonth, nil
	default:
		return nil, fmt.Errorf("rollup: invalid period %q; valid options are 'year' and 'month'", s)
	}
}

// Table holds one value per region per period for each variable. Each
// variable has shape [len(Regions), len(Periods)]. Periods are sorted.
type Table struct {
	Regions []string
	Periods []int
	Vars    map[string]*sparse.DenseArray
}

// NewTable returns an empty table where every value is missing.
func NewTable(regions []string, periods []int, vars []string) (*Table, error) {
	if !sort.IntsAreSorted(periods) {
		return nil, fmt.Errorf("rollup: periods are not sorted")
	}
	for i := 1; i < len(periods); i++ {
		if periods[i] == periods[i-1] {
			return nil, fmt.Errorf("rollup: duplicate period %d", periods[i])
		}
	}
	t := &Table{
		Regions: regions,
		Periods: periods,
		Vars:    make(map[string]*sparse.DenseArray, len(vars)),
	}
	for _, v := range vars {
		a := sparse.ZerosDense(len(regions), len(periods))
		for i := range a.Elements {
			a.Elements[i] = tempmort.Missing()
		}
		t.Vars[v] = a
	}
	return t, nil
}

// Get returns the value of variable v for region index r and period
// index p.
func (t *Table) Get(v string, r, p int) float64 { return t.Vars[v].Get(r, p) }

// Names returns the sorted variable names.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.Vars))
	for n := range t.Vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Index returns the row and column indices of each (region, period) key.
func (t *Table) Index() map[tempmort.Key][2]int {
	idx := make(map[tempmort.Key][2]int, len(t.Regions)*len(t.Periods))
	for r, id := range t.Regions {
		for p, period := range t.Periods {
			idx[tempmort.Key{Entity: id, Period: period}] = [2]int{r, p}
		}
	}
	return idx
}

// Sum adds up the values of each variable in s over the time steps in each
// period. Missing values are skipped; a period where every value is
// missing is missing.
func Sum(s *aggregate.Series, period PeriodFunc) *Table {
	pIndex := make([]int, len(s.Time))
	seen := make(map[int]bool)
	var periods []int
	for _, t := range s.Time {
		p := period(t)
		if !seen[p] {
			seen[p] = true
			periods = append(periods, p)
		}
	}
	sort.Ints(periods)
	pos := make(map[int]int, len(periods))
	for i, p := range periods {
		pos[p] = i
	}
	for i, t := range s.Time {
		pIndex[i] = pos[period(t)]
	}

	out := &Table{
		Regions: s.Regions,
		Periods: periods,
		Vars:    make(map[string]*sparse.DenseArray, len(s.Vars)),
	}
	nt, np := len(s.Time), len(periods)
	for name, in := range s.Vars {
		a := sparse.ZerosDense(len(s.Regions), np)
		n := make([]int, len(a.Elements))
		for r := range s.Regions {
			for t := 0; t < nt; t++ {
				v := in.Elements[r*nt+t]
				if tempmort.IsMissing(v) {
					continue
				}
				i := r*np + pIndex[t]
				a.Elements[i] += v
				n[i]++
			}
		}
		for i, c := range n {
			if c == 0 {
				a.Elements[i] = tempmort.Missing()
			}
		}
		out.Vars[name] = a
	}
	return out
}
