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

package tempmort

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Times are encoded as floating point periods, where the integer part is
// the calendar year and the fractional part is the position in the year
// in units of 1/12, so that month m starts at year + (m-1)/12.

// monthEps absorbs rounding error in encoded month boundaries.
const monthEps = 1e-9

// Year returns the calendar year of the period-encoded time t.
func Year(t float64) int { return int(math.Floor(t)) }

// Month returns the calendar month (1-12) of the period-encoded time t.
func Month(t float64) int {
	frac := t - math.Floor(t)
	m := int(frac*12+monthEps) + 1
	if m > 12 {
		m = 12
	}
	return m
}

// EncodePeriod converts a time to the period encoding. Days are spread
// evenly across their month so that Month(EncodePeriod(t)) == t.Month().
func EncodePeriod(t time.Time) float64 {
	daysInMonth := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	dayFrac := (float64(t.Day()-1) + float64(t.Hour())/24) / float64(daysInMonth)
	return float64(t.Year()) + (float64(t.Month()-1)+dayFrac)/12
}

// ParseTimeUnits parses CF time units of the form
// "<unit> since <date>", where unit is days, hours or minutes, and
// returns a function converting offsets to period-encoded times.
func ParseTimeUnits(units string) (func(float64) float64, error) {
	parts := strings.SplitN(strings.TrimSpace(units), " since ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("tempmort: unsupported time units %q", units)
	}
	var step time.Duration
	switch strings.ToLower(parts[0]) {
	case "days", "day", "d":
		step = 24 * time.Hour
	case "hours", "hour", "h":
		step = time.Hour
	case "minutes", "minute", "min":
		step = time.Minute
	default:
		return nil, fmt.Errorf("tempmort: unsupported time unit %q", parts[0])
	}
	ref, err := parseRefTime(parts[1])
	if err != nil {
		return nil, fmt.Errorf("tempmort: parsing time units %q: %v", units, err)
	}
	return func(v float64) float64 {
		return EncodePeriod(ref.Add(time.Duration(v * float64(step))))
	}, nil
}

func parseRefTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-1-2", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	// Some files append a time zone or fractional seconds.
	if i := strings.IndexAny(s, " T"); i > 0 {
		return time.Parse("2006-1-2", s[:i])
	}
	return time.Time{}, fmt.Errorf("invalid reference time %q", s)
}

// FIPS returns the 5 digit county key made of the 2 digit state code
// followed by the 3 digit county code.
func FIPS(state, county string) (string, error) {
	s, err := padCode(state, 2)
	if err != nil {
		return "", fmt.Errorf("tempmort: state code: %v", err)
	}
	c, err := padCode(county, 3)
	if err != nil {
		return "", fmt.Errorf("tempmort: county code: %v", err)
	}
	return s + c, nil
}

// NormalizeFIPS zero-pads a numeric county key to 5 digits, so that keys
// read as integers (e.g. "1001") match keys read as strings ("01001").
func NormalizeFIPS(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f == math.Trunc(f) {
			s = strconv.FormatInt(int64(f), 10)
		}
	}
	return padCode(s, 5)
}

func padCode(s string, width int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty code")
	}
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return "", fmt.Errorf("code %q is not numeric", s)
	}
	if len(s) > width {
		trimmed := strings.TrimLeft(s, "0")
		if len(trimmed) > width {
			return "", fmt.Errorf("code %q is longer than %d digits", s, width)
		}
		s = trimmed
	}
	return strings.Repeat("0", width-len(s)) + s, nil
}
