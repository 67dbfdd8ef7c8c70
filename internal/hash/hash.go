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

// Package hash creates keys for caching intermediate results.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash"
	"hash/fnv"
	"reflect"

	"github.com/davecgh/go-spew/spew"
)

var printer = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisableMethods:          true,
	SpewKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Hash returns a hash key for the specified objects. A single object
// that implements fmt.Stringer is keyed by its String method.
func Hash(objects ...interface{}) string {
	if len(objects) == 1 {
		if s, ok := objects[0].(fmt.Stringer); ok {
			return s.String()
		}
	}
	h := fnv.New128a()
	for _, o := range objects {
		write(h, o)
	}
	bKey := h.Sum([]byte{})
	return fmt.Sprintf("%x", bKey[0:h.Size()])
}

func write(h hash.Hash, object interface{}) {
	// gob panics on a nil pointer and fails on some other values, so
	// use spew for those instead.
	if v := reflect.ValueOf(object); v.Kind() != reflect.Ptr || !v.IsNil() {
		if err := gob.NewEncoder(h).Encode(object); err == nil {
			return
		}
	}
	printer.Fprintf(h, "%#v", object)
}
