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
	"bytes"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/predict"
	"github.com/spatialmodel/tempmort/rollup"
)

func different(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) != math.IsNaN(b)
	}
	return math.Abs(a-b) > tol*math.Max(1, math.Abs(b))
}

// writeTestNetCDF writes a file with 2 time steps on a 3x2 lattice.
func writeTestNetCDF(t *testing.T, fname string) {
	h := cdf.NewHeader([]string{"time", "lat", "lon"}, []int{2, 2, 3})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", "days since 1980-01-01")
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable("tas", []string{"time", "lat", "lon"}, []float32{0})
	h.AddAttribute("tas", "_FillValue", []float32{-999})
	h.AddVariable("pop", []string{"lat", "lon"}, []float32{0})
	h.Define()

	ff, err := os.Create(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		t.Fatal(err)
	}
	write := func(v string, data interface{}) {
		end := f.Header.Lengths(v)
		start := make([]int, len(end))
		if _, err := f.Writer(v, start, end).Write(data); err != nil {
			t.Fatal(err)
		}
	}
	write("time", []float64{0, 366})
	write("lat", []float64{40.5, 41.5})
	write("lon", []float64{260.5, 261.5, 262.5})
	write("tas", []float32{
		1, 2, 3,
		4, 5, -999,
		11, 12, 13,
		14, 15, 16,
	})
	write("pop", []float32{
		10, 20, 30,
		40, 50, 60,
	})
}

func openTestNetCDF(t *testing.T) (*os.File, int64) {
	fname := filepath.Join(t.TempDir(), "climate.nc")
	writeTestNetCDF(t, fname)
	f, err := os.Open(fname)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	return f, info.Size()
}

func TestReadNetCDF(t *testing.T) {
	f, size := openTestNetCDF(t)
	ds, err := ReadNetCDF(f, size, NetCDFConfig{
		LonVar:       "lon",
		LatVar:       "lat",
		TimeVar:      "time",
		Variables:    []string{"tas"},
		NormalizeLon: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ds.Lattice.Nx != 3 || ds.Lattice.Ny != 2 {
		t.Fatalf("lattice %dx%d", ds.Lattice.Nx, ds.Lattice.Ny)
	}
	b := ds.Lattice.Bounds()
	if different(b.Min.X, -100, 1e-9) || different(b.Max.X, -97, 1e-9) ||
		different(b.Min.Y, 40, 1e-9) || different(b.Max.Y, 42, 1e-9) {
		t.Errorf("bounds %+v", b)
	}
	if len(ds.Time) != 2 || tempmort.Year(ds.Time[0]) != 1980 || tempmort.Year(ds.Time[1]) != 1981 {
		t.Errorf("time %v", ds.Time)
	}
	tas, ok := ds.Var("tas")
	if !ok {
		t.Fatal("missing tas")
	}
	if v := tas.Get(0, 1, 2); !math.IsNaN(v) {
		t.Errorf("fill value read as %g", v)
	}
	if v := tas.Get(1, 1, 0); v != 14 {
		t.Errorf("tas[1,1,0] = %g", v)
	}
}

func TestReadNetCDF_badDims(t *testing.T) {
	f, size := openTestNetCDF(t)
	_, err := ReadNetCDF(f, size, NetCDFConfig{
		LonVar: "lon", LatVar: "lat", TimeVar: "time",
		Variables: []string{"pop"},
	})
	if err == nil {
		t.Error("expected a dimension error")
	}
	_, err = ReadNetCDF(f, size, NetCDFConfig{
		LonVar: "lon", LatVar: "lat", TimeVar: "time",
		Variables: []string{"pr"},
	})
	if _, ok := err.(*tempmort.MissingDataError); !ok {
		t.Errorf("expected MissingDataError, got %v", err)
	}
}

func TestReadRaster(t *testing.T) {
	f, size := openTestNetCDF(t)
	l, pop, err := ReadRaster(f, size, RasterConfig{LonVar: "lon", LatVar: "lat", Var: "pop"})
	if err != nil {
		t.Fatal(err)
	}
	if l.Nx != 3 || l.Ny != 2 {
		t.Fatalf("lattice %dx%d", l.Nx, l.Ny)
	}
	if !reflect.DeepEqual(pop.Shape, []int{2, 3}) {
		t.Errorf("shape %v", pop.Shape)
	}
	if pop.Get(1, 2) != 60 {
		t.Errorf("pop[1,2] = %g", pop.Get(1, 2))
	}
}

func TestReadRegions(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "counties.shp")
	type county struct {
		geom.Polygon
		STATE_FIPS, CNTY_FIPS string
	}
	e, err := shp.NewEncoder(fname, county{})
	if err != nil {
		t.Fatal(err)
	}
	recs := []county{
		{Polygon: geom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}, {X: 0, Y: 0}}}, STATE_FIPS: "1", CNTY_FIPS: "1"},
		{Polygon: geom.Polygon{{{X: 1, Y: 0}, {X: 2, Y: 0}, {X: 2, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 0}}}, STATE_FIPS: "6", CNTY_FIPS: "37"},
		{Polygon: geom.Polygon{{{X: 5, Y: 5}, {X: 6, Y: 5}, {X: 6, Y: 6}, {X: 5, Y: 6}, {X: 5, Y: 5}}}, STATE_FIPS: "1", CNTY_FIPS: "001"},
	}
	for _, r := range recs {
		if err := e.Encode(r); err != nil {
			t.Fatal(err)
		}
	}
	e.Close()

	regions, err := ReadRegions(fname, RegionConfig{StateField: "STATE_FIPS", CountyField: "CNTY_FIPS"})
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 2 {
		t.Fatalf("got %d regions", len(regions))
	}
	want := []struct {
		id    string
		area  float64
		parts int
	}{
		{"01001", 2, 2},
		{"06037", 1, 1},
	}
	for i, w := range want {
		r := regions[i]
		if r.ID != w.id {
			t.Errorf("region %d: id %s, want %s", i, r.ID, w.id)
		}
		if different(r.Area(), w.area, 1e-9) {
			t.Errorf("region %s: area %g, want %g", r.ID, r.Area(), w.area)
		}
		if n := len(r.Polygons()); n != w.parts {
			t.Errorf("region %s: %d parts, want %d", r.ID, n, w.parts)
		}
	}

	if _, err := ReadRegions(fname, RegionConfig{IDField: "NAME"}); err == nil {
		t.Error("expected an error for a missing field")
	}
}

func TestReadRegions_idField(t *testing.T) {
	type county struct {
		geom.Polygon
		GEOID string
	}
	write := func(ids ...string) string {
		fname := filepath.Join(t.TempDir(), "counties.shp")
		e, err := shp.NewEncoder(fname, county{})
		if err != nil {
			t.Fatal(err)
		}
		for i, id := range ids {
			x := float64(i)
			p := geom.Polygon{{{X: x, Y: 0}, {X: x + 1, Y: 0}, {X: x + 1, Y: 1}, {X: x, Y: 1}, {X: x, Y: 0}}}
			if err := e.Encode(county{Polygon: p, GEOID: id}); err != nil {
				t.Fatal(err)
			}
		}
		e.Close()
		return fname
	}

	regions, err := ReadRegions(write("1001", "06037", "1001.0"), RegionConfig{IDField: "GEOID"})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range regions {
		ids = append(ids, r.ID)
	}
	if want := []string{"01001", "06037"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids %v, want %v", ids, want)
	}
	if n := len(regions[0].Polygons()); n != 2 {
		t.Errorf("region 01001 has %d parts, want 2", n)
	}

	if _, err := ReadRegions(write("Autauga"), RegionConfig{IDField: "GEOID"}); err == nil {
		t.Error("expected an error for a non-numeric id")
	}
}

const outcomeCSV = `fips,year,deaths,pop
1001,2000,10,1000
1001.0,2001,,1000
6037,2000,NA,500
`

func TestReadOutcomes(t *testing.T) {
	c := OutcomeConfig{
		TableConfig:      TableConfig{EntityColumn: "fips", PeriodColumn: "year"},
		DeathsColumn:     "deaths",
		PopulationColumn: "pop",
	}
	out, err := ReadOutcomes(strings.NewReader(outcomeCSV), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d rows", len(out))
	}
	if out[0].Entity != "01001" || out[0].Period != 2000 || out[0].Deaths != 10 || out[0].Population != 1000 {
		t.Errorf("row 0: %+v", out[0])
	}
	if out[1].Entity != "01001" || !math.IsNaN(out[1].Deaths) {
		t.Errorf("row 1: %+v", out[1])
	}
	if out[2].Entity != "06037" || !math.IsNaN(out[2].Deaths) {
		t.Errorf("row 2: %+v", out[2])
	}

	c.DeathsColumn = "count"
	if _, err := ReadOutcomes(strings.NewReader(outcomeCSV), c); err == nil {
		t.Error("expected an error for a missing column")
	}
	bad := "fips,year,deaths,pop\n1001,2000.5,1,1\n"
	c.DeathsColumn = "deaths"
	if _, err := ReadOutcomes(strings.NewReader(bad), c); err == nil {
		t.Error("expected an error for a fractional period")
	}
}

func TestTableRoundTrip(t *testing.T) {
	tbl, err := rollup.NewTable([]string{"01001", "06037"}, []int{2000, 2001}, []string{"tas_adj", "tas_sq"})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Vars["tas_adj"].Set(1.5, 0, 0)
	tbl.Vars["tas_adj"].Set(-2, 1, 1)
	tbl.Vars["tas_sq"].Set(100, 0, 1)

	c := TableConfig{EntityColumn: "fips", PeriodColumn: "year"}
	var buf bytes.Buffer
	if err := WriteTable(&buf, tbl, c); err != nil {
		t.Fatal(err)
	}
	got, err := ReadTable(&buf, c)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Regions, tbl.Regions) || !reflect.DeepEqual(got.Periods, tbl.Periods) {
		t.Fatalf("keys %v %v", got.Regions, got.Periods)
	}
	for _, v := range tbl.Names() {
		for r := range tbl.Regions {
			for p := range tbl.Periods {
				if different(got.Get(v, r, p), tbl.Get(v, r, p), 0) {
					t.Errorf("%s[%d,%d] = %g, want %g", v, r, p, got.Get(v, r, p), tbl.Get(v, r, p))
				}
			}
		}
	}
}

func TestReadTable_zero(t *testing.T) {
	in := "fips,year,tas_adj\n01001,2000,0\n01001,2001,1.5\n"
	tbl, err := ReadTable(strings.NewReader(in), TableConfig{EntityColumn: "fips", PeriodColumn: "year"})
	if err != nil {
		t.Fatal(err)
	}
	for p, want := range []float64{0, 1.5} {
		if got := tbl.Get("tas_adj", 0, p); different(got, want, 0) {
			t.Errorf("period %d: got %g, want %g", tbl.Periods[p], got, want)
		}
	}
}

func TestReadTable_duplicate(t *testing.T) {
	in := "fips,year,tas\n1001,2000,1\n1001,2000,2\n"
	_, err := ReadTable(strings.NewReader(in), TableConfig{EntityColumn: "fips", PeriodColumn: "year"})
	if err == nil {
		t.Error("expected an error for a duplicate row")
	}
}

func TestWriteCurve(t *testing.T) {
	points := []predict.Point{
		{Value: 30, Estimate: 2, StdErr: 0.5, Lower: 1, Upper: 3},
	}
	var buf bytes.Buffer
	if err := WriteCurve(&buf, points, 200000); err != nil {
		t.Fatal(err)
	}
	want := "value,estimate,std_err,ci_lower,ci_upper,excess_deaths\n30,2,0.5,1,3,4\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
	buf.Reset()
	if err := WriteCurve(&buf, points, 0); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "excess") {
		t.Error("unexpected excess column")
	}
}
