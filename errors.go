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
	"sort"
	"strings"
)

// GeometryError is returned when a region geometry is invalid and can
// not be used to calculate overlaps.
type GeometryError struct {
	RegionID string
	Reason   string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("tempmort: invalid geometry for region %q: %s", e.RegionID, e.Reason)
}

// MissingDataError is returned when a variable or weight that is needed
// for a calculation is absent. Region and Cell are empty or -1 when they
// do not apply.
type MissingDataError struct {
	Variable string
	Region   string
	Cell     int
}

func (e *MissingDataError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tempmort: missing data for variable %q", e.Variable)
	if e.Region != "" {
		fmt.Fprintf(&b, " in region %q", e.Region)
	}
	if e.Cell >= 0 {
		fmt.Fprintf(&b, " at cell %d", e.Cell)
	}
	return b.String()
}

// RankDeficiencyError is returned when a design matrix is not of full
// column rank after the fixed effects have been removed. Columns holds
// the names of the columns that were found to be collinear with the
// columns preceding them.
type RankDeficiencyError struct {
	Columns []string
}

func (e *RankDeficiencyError) Error() string {
	if len(e.Columns) == 0 {
		return "tempmort: design matrix is rank deficient"
	}
	return fmt.Sprintf("tempmort: design matrix is rank deficient; collinear columns: %s",
		strings.Join(e.Columns, ", "))
}

// Key identifies one row of a panel.
type Key struct {
	Entity string
	Period int
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Entity, k.Period) }

// JoinMismatchError records the keys of one table that had no
// counterpart in the table it was joined to.
type JoinMismatchError struct {
	Keys  []Key
	Count int
}

// NewJoinMismatchError returns an error holding the given keys in
// sorted order, or nil if there are no keys.
func NewJoinMismatchError(keys []Key) *JoinMismatchError {
	if len(keys) == 0 {
		return nil
	}
	k := make([]Key, len(keys))
	copy(k, keys)
	sort.Slice(k, func(i, j int) bool {
		if k[i].Entity != k[j].Entity {
			return k[i].Entity < k[j].Entity
		}
		return k[i].Period < k[j].Period
	})
	return &JoinMismatchError{Keys: k, Count: len(k)}
}

func (e *JoinMismatchError) Error() string {
	const show = 5
	s := make([]string, 0, show)
	for i, k := range e.Keys {
		if i == show {
			s = append(s, "...")
			break
		}
		s = append(s, k.String())
	}
	return fmt.Sprintf("tempmort: %d keys without a match: %s", e.Count, strings.Join(s, ", "))
}
