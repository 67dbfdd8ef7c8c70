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
)

// Transform is a deterministic function of a physical variable that is
// applied to the gridded field before aggregation and again to the
// prediction grid. The result is v^Power - Offset^Power, so that a
// Power of 1 gives an anomaly relative to Offset and a Power of 2 gives
// the squared term centred on Offset².
type Transform struct {
	// Name is the name of the derived variable.
	Name string

	Offset float64
	Power  int
}

// Apply returns the transformed value of v. Missing values stay missing.
func (t Transform) Apply(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	switch t.Power {
	case 1:
		return v - t.Offset
	case 2:
		return v*v - t.Offset*t.Offset
	default:
		p := float64(t.Power)
		return math.Pow(v, p) - math.Pow(t.Offset, p)
	}
}

func (t Transform) String() string {
	if t.Power == 1 {
		return fmt.Sprintf("%s = x - %g", t.Name, t.Offset)
	}
	return fmt.Sprintf("%s = x^%d - %g^%d", t.Name, t.Power, t.Offset, t.Power)
}

// TemperatureTerms returns the linear and quadratic terms of variable
// name relative to offset, named <name>_adj and <name>_sq.
func TemperatureTerms(name string, offset float64) []Transform {
	return []Transform{
		{Name: name + "_adj", Offset: offset, Power: 1},
		{Name: name + "_sq", Offset: offset, Power: 2},
	}
}

// IsMissing reports whether v represents a missing value.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// Missing returns the value used to represent missing data.
func Missing() float64 { return math.NaN() }
