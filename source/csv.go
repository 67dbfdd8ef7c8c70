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

package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/epi"
	"github.com/spatialmodel/tempmort/panel"
	"github.com/spatialmodel/tempmort/predict"
	"github.com/spatialmodel/tempmort/rollup"
)

// TableConfig holds the names of the key columns of a table.
type TableConfig struct {
	EntityColumn, PeriodColumn string
}

// OutcomeConfig holds the column names of a mortality table.
type OutcomeConfig struct {
	TableConfig
	DeathsColumn, PopulationColumn string
}

// ReadOutcomes reads a CSV table of deaths and population by entity and
// period. Entity keys are normalized to 5 digit FIPS codes. Empty and
// "NA" values are read as missing.
func ReadOutcomes(r io.Reader, c OutcomeConfig) ([]panel.Outcome, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("source: reading outcome header: %v", err)
	}
	cols, err := columns(header, c.EntityColumn, c.PeriodColumn, c.DeathsColumn, c.PopulationColumn)
	if err != nil {
		return nil, err
	}
	var out []panel.Outcome
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("source: reading outcomes: %v", err)
		}
		o, err := parseOutcome(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("source: outcomes line %d: %v", line, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func parseOutcome(rec []string, cols []int) (panel.Outcome, error) {
	var o panel.Outcome
	var err error
	if o.Entity, err = tempmort.NormalizeFIPS(rec[cols[0]]); err != nil {
		return o, err
	}
	if o.Period, err = parsePeriod(rec[cols[1]]); err != nil {
		return o, err
	}
	if o.Deaths, err = parseValue(rec[cols[2]]); err != nil {
		return o, err
	}
	if o.Population, err = parseValue(rec[cols[3]]); err != nil {
		return o, err
	}
	return o, nil
}

// columns returns the position of each of the named columns in header.
func columns(header []string, names ...string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			return nil, fmt.Errorf("source: table has no column %q", n)
		}
		out[i] = p
	}
	return out, nil
}

func parsePeriod(s string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	return int(f), nil
}

func parseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteTable writes t as CSV with one row per (entity, period) and one
// column per variable. Missing values are written as empty fields.
func WriteTable(w io.Writer, t *rollup.Table, c TableConfig) error {
	cw := csv.NewWriter(w)
	names := t.Names()
	if err := cw.Write(append([]string{c.EntityColumn, c.PeriodColumn}, names...)); err != nil {
		return err
	}
	rec := make([]string, len(names)+2)
	for r, id := range t.Regions {
		for p, period := range t.Periods {
			rec[0] = id
			rec[1] = strconv.Itoa(period)
			for i, n := range names {
				rec[i+2] = formatValue(t.Get(n, r, p))
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTable reads a table written by WriteTable. Every column other than
// the key columns is read as a variable; (entity, period) pairs that are
// not in the file are missing.
func ReadTable(r io.Reader, c TableConfig) (*rollup.Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("source: reading table header: %v", err)
	}
	keys, err := columns(header, c.EntityColumn, c.PeriodColumn)
	if err != nil {
		return nil, err
	}
	var vars []string
	var varCols []int
	for i, h := range header {
		if i != keys[0] && i != keys[1] {
			vars = append(vars, strings.TrimSpace(h))
			varCols = append(varCols, i)
		}
	}
	type row struct {
		key  tempmort.Key
		vals []float64
	}
	var rows []row
	regionSet := make(map[string]bool)
	periodSet := make(map[int]bool)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("source: reading table: %v", err)
		}
		var rw row
		if rw.key.Entity, err = tempmort.NormalizeFIPS(rec[keys[0]]); err != nil {
			return nil, fmt.Errorf("source: table line %d: %v", line, err)
		}
		if rw.key.Period, err = parsePeriod(rec[keys[1]]); err != nil {
			return nil, fmt.Errorf("source: table line %d: %v", line, err)
		}
		rw.vals = make([]float64, len(varCols))
		for i, col := range varCols {
			if rw.vals[i], err = parseValue(rec[col]); err != nil {
				return nil, fmt.Errorf("source: table line %d: %v", line, err)
			}
		}
		regionSet[rw.key.Entity] = true
		periodSet[rw.key.Period] = true
		rows = append(rows, rw)
	}
	regions := make([]string, 0, len(regionSet))
	for id := range regionSet {
		regions = append(regions, id)
	}
	sort.Strings(regions)
	periods := make([]int, 0, len(periodSet))
	for p := range periodSet {
		periods = append(periods, p)
	}
	sort.Ints(periods)
	t, err := rollup.NewTable(regions, periods, vars)
	if err != nil {
		return nil, err
	}
	index := t.Index()
	seen := make(map[tempmort.Key]bool, len(rows))
	for _, rw := range rows {
		if seen[rw.key] {
			return nil, fmt.Errorf("source: table has more than one row for %s", rw.key)
		}
		seen[rw.key] = true
		i := index[rw.key]
		for j, v := range vars {
			// Set skips zero values, which would leave the NaN fill.
			a := t.Vars[v]
			a.Elements[a.Index1d(i[0], i[1])] = rw.vals[j]
		}
	}
	return t, nil
}

// WriteCurve writes a dose-response curve as CSV. If population is
// greater than zero, a column with the number of excess deaths in a
// population of that size is added.
func WriteCurve(w io.Writer, points []predict.Point, population float64) error {
	cw := csv.NewWriter(w)
	header := []string{"value", "estimate", "std_err", "ci_lower", "ci_upper"}
	if population > 0 {
		header = append(header, "excess_deaths")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range points {
		rec := []string{
			formatValue(p.Value),
			formatValue(p.Estimate),
			formatValue(p.StdErr),
			formatValue(p.Lower),
			formatValue(p.Upper),
		}
		if population > 0 {
			rec = append(rec, formatValue(epi.Excess(population, p.Estimate)))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
