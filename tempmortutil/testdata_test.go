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

package tempmortutil

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
)

// The test panel has 6 regions, each covering exactly one cell of a
// 3x2 grid, and 10 years of data. Regions 0-2 are in state 01 and 3-5 in
// state 02.
const (
	testNx, testNy = 3, 2
	testRegions    = testNx * testNy
	testYears      = 10
	testStartYear  = 2000
)

// Coefficients used to generate the mortality rates.
const (
	testBAdj   = 2.0
	testBSq    = 0.05
	testTrend1 = 0.5
	testTrend2 = -0.3
)

func testTas(r, yi int) float64 {
	return 10 + 2*float64(r) + float64((yi*7+r*3)%11)*1.5
}

func testRegionID(r int) string {
	state := 1
	if r >= 3 {
		state = 2
	}
	return fmt.Sprintf("%02d%03d", state, r+1)
}

// testRate returns the mortality rate per 100,000 of region r in year
// index yi.
func testRate(r, yi int) float64 {
	tas := testTas(r, yi)
	trend := testTrend1
	if r >= 3 {
		trend = testTrend2
	}
	return 500 + 3*float64(r) + testBAdj*(tas-20) + testBSq*(tas*tas-400) + trend*float64(yi)
}

// writeTestInputs writes the climate, population, region and mortality
// files to dir and returns a configuration that uses them.
func writeTestInputs(t *testing.T, dir string) *Config {
	writeTestClimate(t, filepath.Join(dir, "tas.nc"))
	writeTestRegions(t, filepath.Join(dir, "counties.shp"))

	f, err := os.Create(filepath.Join(dir, "mortality.csv"))
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(f, "fips,year,deaths,pop")
	for r := 0; r < testRegions; r++ {
		for yi := 0; yi < testYears; yi++ {
			fmt.Fprintf(f, "%s,%d,%g,100000\n", testRegionID(r), testStartYear+yi, testRate(r, yi))
		}
	}
	// A county that is not in the climate data.
	fmt.Fprintln(f, "3001,2000,10,1000")
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	return &Config{
		ClimateFile:      filepath.Join(dir, "tas.nc"),
		ClimateVar:       "tas",
		LonVar:           "lon",
		LatVar:           "lat",
		TimeVar:          "time",
		NormalizeLon:     true,
		PopulationFile:   filepath.Join(dir, "tas.nc"),
		PopulationVar:    "population",
		RegionsFile:      filepath.Join(dir, "counties.shp"),
		StateField:       "STATE_FIPS",
		CountyField:      "CNTY_FIPS",
		MortalityFile:    filepath.Join(dir, "mortality.csv"),
		EntityColumn:     "fips",
		PeriodColumn:     "year",
		DeathsColumn:     "deaths",
		PopulationColumn: "pop",
		Offset:           20,
		Period:           "year",
		GeometryPolicy:   "reject",
		OutputURL:        "mem://",
		GridMin:          -20,
		GridMax:          40,
		GridStep:         1,
		Confidence:       0.95,
	}
}

func writeTestClimate(t *testing.T, fname string) {
	h := cdf.NewHeader([]string{"time", "lat", "lon"}, []int{testYears, testNy, testNx})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddVariable("lat", []string{"lat"}, []float64{0})
	h.AddVariable("lon", []string{"lon"}, []float64{0})
	h.AddVariable("tas", []string{"time", "lat", "lon"}, []float32{0})
	h.AddAttribute("tas", "units", "degC")
	h.AddVariable("population", []string{"lat", "lon"}, []float32{0})
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
	time := make([]float64, testYears)
	tas := make([]float32, testYears*testRegions)
	for yi := range time {
		time[yi] = float64(testStartYear + yi)
		for r := 0; r < testRegions; r++ {
			tas[yi*testRegions+r] = float32(testTas(r, yi))
		}
	}
	pop := make([]float32, testRegions)
	for i := range pop {
		pop[i] = 1000
	}
	write("time", time)
	write("lat", []float64{0.5, 1.5})
	write("lon", []float64{0.5, 1.5, 2.5})
	write("tas", tas)
	write("population", pop)
}

func writeTestRegions(t *testing.T, fname string) {
	type county struct {
		geom.Polygon
		STATE_FIPS, CNTY_FIPS string
	}
	e, err := shp.NewEncoder(fname, county{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	for r := 0; r < testRegions; r++ {
		x, y := float64(r%testNx), float64(r/testNx)
		id := testRegionID(r)
		err := e.Encode(county{
			Polygon:    geom.Polygon{{{X: x, Y: y}, {X: x + 1, Y: y}, {X: x + 1, Y: y + 1}, {X: x, Y: y + 1}, {X: x, Y: y}}},
			STATE_FIPS: id[:2],
			CNTY_FIPS:  id[2:],
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func different(a, b, tol float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) != math.IsNaN(b)
	}
	return math.Abs(a-b) > tol*math.Max(1, math.Abs(b))
}
