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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/geom"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/tempmort/cloud"
	"github.com/spatialmodel/tempmort/overlap"
	"github.com/spatialmodel/tempmort/source"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

func TestPipeline_Run(t *testing.T) {
	ctx := context.Background()
	c := writeTestInputs(t, t.TempDir())
	p, err := NewPipeline(ctx, c, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	res, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.Mismatch == nil || res.Mismatch.Count != 1 || res.Mismatch.Keys[0].Entity != "03001" {
		t.Errorf("mismatch: %v", res.Mismatch)
	}
	if res.Dropped != 1 {
		t.Errorf("dropped %d rows, want 1", res.Dropped)
	}

	m := res.Model
	if m.NObs != testRegions*testYears {
		t.Errorf("%d observations", m.NObs)
	}
	if m.NEntities != testRegions {
		t.Errorf("%d entities", m.NEntities)
	}
	// 60 observations - 4 coefficients - 6 entities - 1.
	if m.DFResid != 49 {
		t.Errorf("df = %d, want 49", m.DFResid)
	}
	want := map[string]float64{
		"tas_adj":  testBAdj,
		"tas_sq":   testBSq,
		"trend_01": testTrend1,
		"trend_02": testTrend2,
	}
	if len(m.Names) != len(want) {
		t.Fatalf("coefficients %v", m.Names)
	}
	for i, n := range m.Names {
		if different(m.Coef[i], want[n], 1e-6) {
			t.Errorf("%s = %g, want %g", n, m.Coef[i], want[n])
		}
	}

	if len(res.Curve) != 61 {
		t.Fatalf("curve has %d points", len(res.Curve))
	}
	for _, pt := range res.Curve {
		e := testBAdj*(pt.Value-20) + testBSq*(pt.Value*pt.Value-400)
		if different(pt.Estimate, e, 1e-6) {
			t.Errorf("estimate at %g = %g, want %g", pt.Value, pt.Estimate, e)
		}
		if pt.Lower > pt.Estimate || pt.Upper < pt.Estimate {
			t.Errorf("band at %g: [%g, %g] does not contain %g", pt.Value, pt.Lower, pt.Upper, pt.Estimate)
		}
	}

	climate, err := p.ReadClimate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(climate.Regions) != testRegions || len(climate.Periods) != testYears {
		t.Errorf("climate table is %dx%d", len(climate.Regions), len(climate.Periods))
	}
	// Each region is one cell, so its value is the cell value.
	if v, want := climate.Get("tas_adj", 4, 3), testTas(4, 3)-20; different(v, want, 1e-5) {
		t.Errorf("tas_adj = %g, want %g", v, want)
	}

	b, err := cloud.ReadBlob(ctx, p.Bucket, CurveFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "value,estimate,std_err,ci_lower,ci_upper\n-20,") {
		t.Errorf("curve file starts with %.50q", b)
	}
	b, err = cloud.ReadBlob(ctx, p.Bucket, ModelFile)
	if err != nil {
		t.Fatal(err)
	}
	var s ModelSummary
	if _, err := toml.Decode(string(b), &s); err != nil {
		t.Fatal(err)
	}
	if s.RunID != p.RunID || s.DFResid != 49 || len(s.Coefficients) != 4 || !(s.BaselineRate > 0) {
		t.Errorf("model summary %+v", s)
	}

	if v := testutil.ToFloat64(p.Metrics.JoinMismatches); v != 1 {
		t.Errorf("join mismatch metric = %g", v)
	}
	if v := testutil.ToFloat64(p.Metrics.OverlapRecords); v != testRegions {
		t.Errorf("overlap records metric = %g", v)
	}
}

func TestPipeline_partlyCovered(t *testing.T) {
	ctx := context.Background()
	p, err := NewPipeline(ctx, writeTestInputs(t, t.TempDir()), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	l := overlap.NewLattice(0, 0, 1, 1, 2, 2)
	regions := []overlap.Region{
		{ID: "01001", Polygonal: geom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}}},
		{ID: "01003", Polygonal: geom.Polygon{{{X: 1.5, Y: 1.5}, {X: 3, Y: 1.5}, {X: 3, Y: 2}, {X: 1.5, Y: 2}}}},
	}
	w, err := p.overlaps(ctx, l, regions)
	if err != nil {
		t.Fatal(err)
	}
	if different(w.Coverage(1), 0.5/1.5, 1e-9) {
		t.Errorf("coverage = %g", w.Coverage(1))
	}
	if v := testutil.ToFloat64(p.Metrics.PartlyCovered); v != 1 {
		t.Errorf("partly covered metric = %g, want 1", v)
	}
}

func TestPipeline_strictJoin(t *testing.T) {
	ctx := context.Background()
	c := writeTestInputs(t, t.TempDir())
	c.StrictJoin = true
	p, err := NewPipeline(ctx, c, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, err = p.Run(ctx)
	if !IsJoinMismatch(err) {
		t.Fatalf("expected a join mismatch error, got %v", err)
	}
	// The climate table is written before the fit.
	if _, err := cloud.ReadBlob(ctx, p.Bucket, ClimateFile); err != nil {
		t.Errorf("climate table was not kept: %v", err)
	}
	if _, err := cloud.ReadBlob(ctx, p.Bucket, CurveFile); err == nil {
		t.Error("curve was written after a failed fit")
	}
}

func TestPipeline_overlapCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := writeTestInputs(t, dir)
	c.CacheDir = filepath.Join(dir, "cache")

	p, err := NewPipeline(ctx, c, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	first, err := p.Aggregate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Aggregate(ctx); err != nil {
		t.Fatal(err)
	}
	if v := testutil.ToFloat64(p.Metrics.OverlapComputations); v != 1 {
		t.Errorf("overlaps calculated %g times in one pipeline", v)
	}

	// A new pipeline reads the overlaps from disk.
	p2, err := NewPipeline(ctx, c, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	second, err := p2.Aggregate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v := testutil.ToFloat64(p2.Metrics.OverlapComputations); v != 0 {
		t.Errorf("overlaps calculated %g times with a disk cache", v)
	}

	var b1, b2 bytes.Buffer
	tc := p.tableConfig()
	if err := source.WriteTable(&b1, first, tc); err != nil {
		t.Fatal(err)
	}
	if err := source.WriteTable(&b2, second, tc); err != nil {
		t.Fatal(err)
	}
	if b1.String() != b2.String() {
		t.Error("cached overlaps gave a different result")
	}
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	c := writeTestInputs(t, dir)
	out := filepath.Join(dir, "output")

	cfg := InitializeConfig()
	cfg.Log = testLogger()
	cfg.Set("climate_file", c.ClimateFile)
	cfg.Set("population_file", c.PopulationFile)
	cfg.Set("regions_file", c.RegionsFile)
	cfg.Set("mortality_file", c.MortalityFile)
	cfg.Set("grid_proj", "")
	cfg.Set("output_url", "file://"+out)
	cfg.Set("metrics_file", filepath.Join(dir, "tempmort.prom"))

	for _, cmd := range []string{"aggregate", "fit"} {
		cfg.Root.SetArgs([]string{cmd})
		if err := cfg.Root.Execute(); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
		if cmd != "aggregate" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, "tempmort.prom"))
		if err != nil {
			t.Fatalf("aggregate did not write metrics: %v", err)
		}
		if !strings.Contains(string(b), "tempmort_overlap_records_total") ||
			strings.Contains(string(b), "tempmort_overlap_records_total 0\n") {
			t.Errorf("aggregate metrics file:\n%s", b)
		}
	}
	for _, f := range []string{ClimateFile, CurveFile, ModelFile} {
		if _, err := os.Stat(filepath.Join(out, f)); err != nil {
			t.Error(err)
		}
	}
	b, err := os.ReadFile(filepath.Join(dir, "tempmort.prom"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "tempmort_observations_total 60") {
		t.Errorf("metrics file:\n%s", b)
	}

	var version bytes.Buffer
	cfg.Root.SetOut(&version)
	cfg.Root.SetArgs([]string{"version"})
	if err := cfg.Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(version.String(), "tempmort v") {
		t.Errorf("version output %q", version.String())
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := writeTestInputs(t, t.TempDir())
	if err := valid.Validate(true, true); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		change func(*Config)
		fit    bool
		msg    string
	}{
		{
			name:   "missing climate file",
			change: func(c *Config) { c.ClimateFile = "" },
			fit:    true,
			msg:    "climate_file= but should be set",
		},
		{
			name:   "bad period",
			change: func(c *Config) { c.Period = "week" },
			msg:    "period=week but should be one of [year month]",
		},
		{
			name:   "bad policy",
			change: func(c *Config) { c.GeometryPolicy = "buffer" },
			msg:    "geometry_policy=buffer but should be one of [reject repair]",
		},
		{
			name:   "confidence",
			change: func(c *Config) { c.Confidence = 1.5 },
			msg:    "confidence=1.5 but should be less than 1",
		},
		{
			name:   "grid order",
			change: func(c *Config) { c.GridMax = -30 },
			msg:    "grid_max=-30 but should be greater than grid_min",
		},
		{
			name:   "population variable",
			change: func(c *Config) { c.PopulationVar = "" },
			msg:    "population_var= but should be set when population_file is set",
		},
		{
			name:   "mortality for fit",
			change: func(c *Config) { c.MortalityFile = "" },
			fit:    true,
			msg:    "mortality_file= but should be set",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := *valid
			test.change(&c)
			err := c.Validate(true, test.fit)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), test.msg) {
				t.Errorf("error %q does not contain %q", err, test.msg)
			}
		})
	}

	t.Run("mortality not needed to aggregate", func(t *testing.T) {
		c := *valid
		c.MortalityFile = ""
		if err := c.Validate(true, false); err != nil {
			t.Error(err)
		}
	})

	t.Run("climate not needed to fit", func(t *testing.T) {
		c := *valid
		c.ClimateFile = ""
		c.RegionsFile = ""
		if err := c.Validate(false, true); err != nil {
			t.Error(err)
		}
		if err := c.Validate(true, true); err == nil {
			t.Error("expected an error when aggregating")
		}
	})
}

func TestConfigFromViper(t *testing.T) {
	cfg := InitializeConfig()
	os.Setenv("TEMPMORT_TEST_DIR", "/data")
	defer os.Unsetenv("TEMPMORT_TEST_DIR")
	cfg.Set("climate_file", "${TEMPMORT_TEST_DIR}/tas.nc")
	cfg.Set("workers", "4")
	cfg.Set("offset", "18.5")

	c, err := ConfigFromViper(cfg.Viper)
	if err != nil {
		t.Fatal(err)
	}
	if c.ClimateFile != "/data/tas.nc" {
		t.Errorf("climate_file = %s", c.ClimateFile)
	}
	if c.Workers != 4 || c.Offset != 18.5 {
		t.Errorf("workers = %d, offset = %g", c.Workers, c.Offset)
	}
	// Defaults from the option table.
	if c.Period != "year" || c.GeometryPolicy != "reject" || c.Confidence != 0.95 || c.GridMax != 40 {
		t.Errorf("defaults: %+v", c)
	}

	cfg.Set("offset", "warm")
	if _, err := ConfigFromViper(cfg.Viper); err == nil {
		t.Error("expected an error for an invalid offset")
	}
}
