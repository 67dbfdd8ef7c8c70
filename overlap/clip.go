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

package overlap

import (
	"math"

	"github.com/ctessum/geom"
)

// clipArea returns the area of the part p (a shell followed by its
// holes) that falls within the rectangle b. Rings are clipped to b one
// side at a time, which is exact for a rectangular clip region
// including where an edge passes through a corner of b.
func clipArea(p geom.Polygon, b *geom.Bounds) float64 {
	a := ringArea(clipRing(p[0], b))
	if a == 0 {
		return 0
	}
	for _, h := range p[1:] {
		a -= ringArea(clipRing(h, b))
	}
	return math.Max(a, 0)
}

// clipRing returns the portion of ring within b as an open ring.
func clipRing(ring []geom.Point, b *geom.Bounds) []geom.Point {
	pts := cleanRing(ring)
	pts = clipHalf(pts, 0, b.Min.X, true)
	pts = clipHalf(pts, 0, b.Max.X, false)
	pts = clipHalf(pts, 1, b.Min.Y, true)
	pts = clipHalf(pts, 1, b.Max.Y, false)
	if len(pts) < 3 {
		return nil
	}
	return pts
}

// clipHalf keeps the part of the open ring pts on one side of the line
// where coordinate axis (0 for x, 1 for y) equals v: the side at or
// above v if above is true and at or below it otherwise.
func clipHalf(pts []geom.Point, axis int, v float64, above bool) []geom.Point {
	if len(pts) == 0 {
		return nil
	}
	in := func(p geom.Point) bool {
		c := p.X
		if axis == 1 {
			c = p.Y
		}
		if above {
			return c >= v
		}
		return c <= v
	}
	out := make([]geom.Point, 0, len(pts)+2)
	prev := pts[len(pts)-1]
	for _, p := range pts {
		switch {
		case in(p) && in(prev):
			out = append(out, p)
		case in(p):
			out = append(out, cut(prev, p, axis, v), p)
		case in(prev):
			out = append(out, cut(prev, p, axis, v))
		}
		prev = p
	}
	return out
}

// cut returns the point where segment p-q meets the line where
// coordinate axis equals v.
func cut(p, q geom.Point, axis int, v float64) geom.Point {
	if axis == 0 {
		t := (v - p.X) / (q.X - p.X)
		return geom.Point{X: v, Y: p.Y + t*(q.Y-p.Y)}
	}
	t := (v - p.Y) / (q.Y - p.Y)
	return geom.Point{X: p.X + t*(q.X-p.X), Y: v}
}
