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
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ctessum/geom"
	"github.com/spatialmodel/tempmort"
)

// Region is an immutable polygon with an identifier, for example a county
// with its FIPS code.
type Region struct {
	ID string
	geom.Polygonal
}

// Policy specifies how invalid region geometries are handled.
type Policy int

const (
	// Reject returns a GeometryError for any invalid region.
	Reject Policy = iota

	// Repair attempts to fix invalid regions by removing duplicate
	// vertices and degenerate rings and by splitting self-intersecting
	// rings at their crossing points, which resolves bow-tie and spike
	// shapes. A region that is still invalid after repair causes a
	// GeometryError.
	Repair
)

func (p Policy) String() string {
	switch p {
	case Reject:
		return "reject"
	case Repair:
		return "repair"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy returns the policy named by s.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject":
		return Reject, nil
	case "repair":
		return Repair, nil
	default:
		return 0, fmt.Errorf("overlap: invalid geometry policy %q; valid options are 'reject' and 'repair'", s)
	}
}

// Validate returns a *tempmort.GeometryError if r is not a valid
// polygon: every ring must have at least 3 distinct vertices and a
// nonzero area, no ring may cross itself or another ring, no two parts
// of the region may overlap and the region must have a nonzero area.
//
// Within each polygon of r, a ring that lies inside an odd number of
// the other rings is a hole; every other ring is the shell of a
// separate part. This matches shapefiles, where one record may hold
// several outer rings.
func Validate(r Region) error {
	_, err := parts(r)
	return err
}

// parts validates r and returns its parts, each a shell followed by its
// holes. Rings are open.
func parts(r Region) ([]geom.Polygon, error) {
	if r.Polygonal == nil {
		return nil, &tempmort.GeometryError{RegionID: r.ID, Reason: "no geometry"}
	}
	polys := r.Polygons()
	if len(polys) == 0 {
		return nil, &tempmort.GeometryError{RegionID: r.ID, Reason: "empty geometry"}
	}
	var out []geom.Polygon
	for i, p := range polys {
		rings := make([][]geom.Point, len(p))
		for j, ring := range p {
			rings[j] = cleanRing(ring)
			if reason := ringProblem(rings[j]); reason != "" {
				return nil, &tempmort.GeometryError{
					RegionID: r.ID,
					Reason:   fmt.Sprintf("part %d ring %d: %s", i, j, reason),
				}
			}
		}
		pp, reason := nest(rings)
		if reason != "" {
			return nil, &tempmort.GeometryError{RegionID: r.ID, Reason: fmt.Sprintf("part %d: %s", i, reason)}
		}
		out = append(out, pp...)
	}
	if i, j, ok := overlappingParts(out); ok {
		return nil, &tempmort.GeometryError{
			RegionID: r.ID,
			Reason:   fmt.Sprintf("parts %d and %d overlap", i, j),
		}
	}
	if !(partsArea(out) > 0) {
		return nil, &tempmort.GeometryError{RegionID: r.ID, Reason: "zero area"}
	}
	return out, nil
}

// ringProblem returns a description of what is wrong with the open ring
// pts, or an empty string if nothing is.
func ringProblem(pts []geom.Point) string {
	if len(pts) < 3 {
		return fmt.Sprintf("%d distinct vertices", len(pts))
	}
	if ringArea(pts) == 0 {
		return "zero area"
	}
	if selfIntersects(pts) {
		return "self-intersection"
	}
	return ""
}

// MakeValid applies p to r, returning r unchanged if it is valid.
func MakeValid(r Region, p Policy) (Region, error) {
	r, _, err := makeValid(r, p)
	return r, err
}

// makeValid is MakeValid that also returns the parts of the result.
func makeValid(r Region, p Policy) (Region, []geom.Polygon, error) {
	pp, err := parts(r)
	if err == nil || p == Reject || r.Polygonal == nil {
		return r, pp, err
	}
	var out geom.MultiPolygon
	for i, poly := range r.Polygons() {
		var pieces [][]geom.Point
		for _, ring := range poly {
			split, err := splitRing(cleanRing(ring), 0)
			if err != nil {
				return r, nil, &tempmort.GeometryError{RegionID: r.ID, Reason: "repair: " + err.Error()}
			}
			for _, piece := range split {
				if len(piece) >= 3 && ringArea(piece) > 0 {
					pieces = append(pieces, piece)
				}
			}
		}
		nested, reason := nest(pieces)
		if reason != "" {
			return r, nil, &tempmort.GeometryError{
				RegionID: r.ID,
				Reason:   fmt.Sprintf("after repair: part %d: %s", i, reason),
			}
		}
		for _, n := range nested {
			closed := make(geom.Polygon, len(n))
			for j, ring := range n {
				closed[j] = closeRing(ring)
			}
			out = append(out, closed)
		}
	}
	var repaired Region
	switch len(out) {
	case 0:
		return r, nil, &tempmort.GeometryError{RegionID: r.ID, Reason: "no valid rings remain after repair"}
	case 1:
		repaired = Region{ID: r.ID, Polygonal: out[0]}
	default:
		repaired = Region{ID: r.ID, Polygonal: out}
	}
	pp, err = parts(repaired)
	if err != nil {
		ge := err.(*tempmort.GeometryError)
		ge.Reason = "after repair: " + ge.Reason
		return r, nil, ge
	}
	return repaired, pp, nil
}

// maxSplit limits the depth of recursion when splitting a ring.
const maxSplit = 64

// splitRing splits the open ring pts at its first self-intersection and
// recurses on the two pieces, returning simple rings. Every piece is
// shorter than the ring it was split from.
func splitRing(pts []geom.Point, depth int) ([][]geom.Point, error) {
	if depth > maxSplit {
		return nil, fmt.Errorf("ring still self-intersects after %d splits", maxSplit)
	}
	i, j, x, ok := firstIntersection(pts)
	if !ok {
		return [][]geom.Point{pts}, nil
	}
	a := append([]geom.Point{x}, pts[i+1:j+1]...)
	b := append([]geom.Point{x}, pts[j+1:]...)
	b = append(b, pts[:i+1]...)
	ra, err := splitRing(cleanRing(a), depth+1)
	if err != nil {
		return nil, err
	}
	rb, err := splitRing(cleanRing(b), depth+1)
	if err != nil {
		return nil, err
	}
	return append(ra, rb...), nil
}

// relation is the position of one simple ring relative to another.
type relation int

const (
	apart    relation = iota // the interiors do not overlap
	within                   // the first ring is inside the second
	crossing                 // the boundaries cross
	same                     // the rings have the same boundary
)

// nest arranges simple open rings into parts, each a shell followed by
// its holes. A ring inside an odd number of the other rings is a hole of
// the smallest ring that contains it. It returns a reason if two rings
// cross or are the same.
func nest(rings [][]geom.Point) ([]geom.Polygon, string) {
	n := len(rings)
	depth := make([]int, n)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = -1
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			switch relate(rings[i], rings[j]) {
			case crossing:
				return nil, fmt.Sprintf("rings %d and %d cross", i, j)
			case same:
				return nil, fmt.Sprintf("rings %d and %d are the same", i, j)
			case within:
				depth[i]++
				if parent[i] < 0 || ringArea(rings[j]) < ringArea(rings[parent[i]]) {
					parent[i] = j
				}
			}
		}
	}
	var out []geom.Polygon
	part := make(map[int]int)
	for i, r := range rings {
		if depth[i]%2 == 0 {
			part[i] = len(out)
			out = append(out, geom.Polygon{r})
		}
	}
	for i, r := range rings {
		if depth[i]%2 == 1 {
			k := part[parent[i]]
			out[k] = append(out[k], r)
		}
	}
	return out, ""
}

// relate returns the position of ring a relative to ring b.
func relate(a, b []geom.Point) relation {
	if !boxesTouch(ringBox(a), ringBox(b)) {
		return apart
	}
	if ringsCross(a, b) {
		return crossing
	}
	var in, out int
	for _, p := range samples(a) {
		switch locate(p, b) {
		case inside:
			in++
		case outside:
			out++
		}
		if in > 0 && out > 0 {
			return crossing
		}
	}
	switch {
	case in > 0:
		return within
	case out > 0:
		return apart
	}
	return same
}

// overlappingParts returns the indices of two parts whose interiors
// overlap.
func overlappingParts(pp []geom.Polygon) (int, int, bool) {
	boxes := make([]box, len(pp))
	for i, p := range pp {
		boxes[i] = ringBox(p[0])
	}
	for i := range pp {
		for j := i + 1; j < len(pp); j++ {
			if boxesTouch(boxes[i], boxes[j]) && partsOverlap(pp[i], pp[j]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func partsOverlap(a, b geom.Polygon) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ringsCross(ra, rb) {
				return true
			}
		}
	}
	onEdge := true
	for _, p := range samples(a[0]) {
		switch locatePart(p, b) {
		case inside:
			return true
		case outside:
			onEdge = false
		}
	}
	for _, p := range samples(b[0]) {
		if locatePart(p, a) == inside {
			return true
		}
	}
	// Every point of a's shell is on b's boundary.
	return onEdge && relate(a[0], b[0]) == same
}

// samples returns the vertices and edge midpoints of the open ring pts.
func samples(pts []geom.Point) []geom.Point {
	out := make([]geom.Point, 0, 2*len(pts))
	for i, p := range pts {
		q := pts[(i+1)%len(pts)]
		out = append(out, p, geom.Point{X: (p.X + q.X) / 2, Y: (p.Y + q.Y) / 2})
	}
	return out
}

type location int

const (
	outside location = iota
	boundary
	inside
)

// locate returns the location of p relative to the open ring pts.
func locate(p geom.Point, pts []geom.Point) location {
	in := false
	for i, a := range pts {
		b := pts[(i+1)%len(pts)]
		if orient(a, b, p) == 0 && onSegment(a, b, p) {
			return boundary
		}
		if (a.Y > p.Y) != (b.Y > p.Y) && p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			in = !in
		}
	}
	if in {
		return inside
	}
	return outside
}

// locatePart returns the location of p relative to a part with a shell
// and holes.
func locatePart(p geom.Point, part geom.Polygon) location {
	l := locate(p, part[0])
	if l != inside {
		return l
	}
	for _, h := range part[1:] {
		switch locate(p, h) {
		case inside:
			return outside
		case boundary:
			return boundary
		}
	}
	return inside
}

// partsArea returns the total area of parts: the area of each shell less
// the areas of its holes.
func partsArea(pp []geom.Polygon) float64 {
	var a float64
	for _, p := range pp {
		a += ringArea(p[0])
		for _, h := range p[1:] {
			a -= ringArea(h)
		}
	}
	return a
}

// cleanRing returns the vertices of ring without consecutive duplicates
// and without the closing vertex.
func cleanRing(ring []geom.Point) []geom.Point {
	pts := make([]geom.Point, 0, len(ring))
	for _, p := range ring {
		if len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	for len(pts) > 1 && pts[len(pts)-1] == pts[0] {
		pts = pts[:len(pts)-1]
	}
	return pts
}

func closeRing(pts []geom.Point) []geom.Point {
	r := make([]geom.Point, len(pts)+1)
	copy(r, pts)
	r[len(pts)] = pts[0]
	return r
}

// ringArea returns the unsigned shoelace area of an open ring.
func ringArea(pts []geom.Point) float64 {
	var a float64
	for i, p := range pts {
		q := pts[(i+1)%len(pts)]
		a += p.X*q.Y - q.X*p.Y
	}
	return math.Abs(a / 2)
}

type box struct{ minX, minY, maxX, maxY float64 }

func ringBox(pts []geom.Point) box {
	b := box{minX: math.Inf(1), minY: math.Inf(1), maxX: math.Inf(-1), maxY: math.Inf(-1)}
	for _, p := range pts {
		b.minX, b.maxX = math.Min(b.minX, p.X), math.Max(b.maxX, p.X)
		b.minY, b.maxY = math.Min(b.minY, p.Y), math.Max(b.maxY, p.Y)
	}
	return b
}

// boxesTouch reports whether a and b overlap or share an edge.
func boxesTouch(a, b box) bool {
	return a.minX <= b.maxX && b.minX <= a.maxX && a.minY <= b.maxY && b.minY <= a.maxY
}

type segment struct {
	a, b       geom.Point
	ring, i    int
	minX, maxX float64
}

// segments returns the edges of the open ring pts. Edge k runs from
// pts[k] to pts[k+1].
func segments(pts []geom.Point, ring int) []segment {
	segs := make([]segment, len(pts))
	for k, a := range pts {
		b := pts[(k+1)%len(pts)]
		segs[k] = segment{a: a, b: b, ring: ring, i: k, minX: math.Min(a.X, b.X), maxX: math.Max(a.X, b.X)}
	}
	return segs
}

// sweep calls f for each pair of segments whose x ranges overlap, in
// order of their minimum x coordinate, until f returns true.
func sweep(segs []segment, f func(s, o segment) bool) bool {
	sort.Slice(segs, func(i, j int) bool { return segs[i].minX < segs[j].minX })
	for si := range segs {
		for oi := si + 1; oi < len(segs) && segs[oi].minX <= segs[si].maxX; oi++ {
			if f(segs[si], segs[oi]) {
				return true
			}
		}
	}
	return false
}

// ringsCross reports whether an edge of the open ring a crosses an edge
// of the open ring b at a point interior to both edges.
func ringsCross(a, b []geom.Point) bool {
	if !boxesTouch(ringBox(a), ringBox(b)) {
		return false
	}
	segs := append(segments(a, 0), segments(b, 1)...)
	return sweep(segs, func(s, o segment) bool {
		return s.ring != o.ring && properCross(s.a, s.b, o.a, o.b)
	})
}

// selfIntersects reports whether any two edges of the open ring pts
// touch or cross other than at their shared vertex.
func selfIntersects(pts []geom.Point) bool {
	_, _, _, ok := firstIntersection(pts)
	return ok
}

// firstIntersection returns the indices i < j of two edges of the open
// ring pts that touch or cross, and a point they share. Edges are swept
// in order of their minimum x coordinate, so only edges with
// overlapping x ranges are compared.
func firstIntersection(pts []geom.Point) (i, j int, x geom.Point, ok bool) {
	n := len(pts)
	if n < 3 {
		return 0, 0, x, false
	}
	ok = sweep(segments(pts, 0), func(s, o segment) bool {
		if s.i > o.i {
			s, o = o, s
		}
		var p geom.Point
		var hit bool
		if d := o.i - s.i; d == 1 || d == n-1 {
			p, hit = foldPoint(s, o)
		} else {
			p, hit = intersection(s.a, s.b, o.a, o.b)
		}
		if hit {
			i, j, x = s.i, o.i, p
		}
		return hit
	})
	return i, j, x, ok
}

func orient(a, b, c geom.Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func onSegment(a, b, p geom.Point) bool {
	return math.Min(a.X, b.X) <= p.X && p.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= p.Y && p.Y <= math.Max(a.Y, b.Y)
}

// properCross reports whether segments p1-p2 and q1-q2 cross at a point
// that is not an endpoint of either.
func properCross(p1, p2, q1, q2 geom.Point) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

// intersection returns a point shared by segments p1-p2 and q1-q2.
func intersection(p1, p2, q1, q2 geom.Point) (geom.Point, bool) {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		t := d1 / (d1 - d2)
		return geom.Point{X: p1.X + t*(p2.X-p1.X), Y: p1.Y + t*(p2.Y-p1.Y)}, true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return p1, true
	case d2 == 0 && onSegment(q1, q2, p2):
		return p2, true
	case d3 == 0 && onSegment(p1, p2, q1):
		return q1, true
	case d4 == 0 && onSegment(p1, p2, q2):
		return q2, true
	}
	return geom.Point{}, false
}

// foldPoint checks whether two adjacent edges fold back over each other,
// forming a spike, and if so returns the tip of the shorter edge.
func foldPoint(s, o segment) (geom.Point, bool) {
	var shared, a, b geom.Point
	switch {
	case s.b == o.a:
		shared, a, b = s.b, s.a, o.b
	case o.b == s.a:
		shared, a, b = s.a, s.b, o.a
	default:
		return geom.Point{}, false
	}
	if orient(a, shared, b) != 0 {
		return geom.Point{}, false
	}
	if (a.X-shared.X)*(b.X-shared.X)+(a.Y-shared.Y)*(b.Y-shared.Y) <= 0 {
		return geom.Point{}, false
	}
	da := (a.X-shared.X)*(a.X-shared.X) + (a.Y-shared.Y)*(a.Y-shared.Y)
	db := (b.X-shared.X)*(b.X-shared.X) + (b.Y-shared.Y)*(b.Y-shared.Y)
	if da < db {
		return a, true
	}
	return b, true
}
