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
	"encoding/gob"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"runtime"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/requestcache"
	"github.com/ctessum/sparse"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"

	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/aggregate"
	"github.com/spatialmodel/tempmort/cloud"
	"github.com/spatialmodel/tempmort/epi"
	"github.com/spatialmodel/tempmort/fe"
	"github.com/spatialmodel/tempmort/internal/hash"
	"github.com/spatialmodel/tempmort/internal/metrics"
	"github.com/spatialmodel/tempmort/overlap"
	"github.com/spatialmodel/tempmort/panel"
	"github.com/spatialmodel/tempmort/predict"
	"github.com/spatialmodel/tempmort/rollup"
	"github.com/spatialmodel/tempmort/source"
)

func init() {
	gob.Register(&overlap.Weights{})
}

// Names of the files written to the output location.
const (
	ClimateFile = "climate.csv"
	CurveFile   = "curve.csv"
	ModelFile   = "model.toml"
)

// Pipeline runs the aggregation and estimation steps for one
// configuration.
type Pipeline struct {
	Config *Config

	// RunID identifies the run in log messages and the model summary.
	RunID string

	Log     logrus.FieldLogger
	Metrics *metrics.Metrics

	// Bucket is where output files are written, under Prefix.
	Bucket *blob.Bucket
	Prefix string

	tempDir string

	loadOverlapOnce sync.Once
	overlapCache    *requestcache.Cache
}

// Result is the outcome of a model fit.
type Result struct {
	Model *fe.Model
	Curve []predict.Point

	// Mismatch holds the mortality records without climate data. It is
	// nil if all records matched.
	Mismatch *tempmort.JoinMismatchError

	// Dropped is the number of merged rows left out of the fit because
	// of missing values.
	Dropped int
}

// NewPipeline opens the output location of c and returns a new
// pipeline. If log is nil, the standard logger is used. Close should be
// called when the pipeline is no longer needed.
func NewPipeline(ctx context.Context, c *Config, log logrus.FieldLogger) (*Pipeline, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pipeline{
		Config:  c,
		RunID:   uuid.New().String(),
		Metrics: metrics.New(),
	}
	p.Log = log.WithField("run_id", p.RunID)

	u, err := url.Parse(c.OutputURL)
	if err != nil {
		return nil, fmt.Errorf("tempmort: output_url: %v", err)
	}
	bucketName := c.OutputURL
	if u.Scheme != "file" && u.Scheme != "mem" {
		bucketName, p.Prefix, err = cloud.SplitURL(c.OutputURL)
		if err != nil {
			return nil, err
		}
		if bucketName == "" {
			// A plain directory path.
			bucketName = "file://" + c.OutputURL
			p.Prefix = ""
		}
	}
	if p.Bucket, err = cloud.OpenBucket(ctx, bucketName); err != nil {
		return nil, fmt.Errorf("tempmort: opening output location: %w", err)
	}
	if p.tempDir, err = os.MkdirTemp("", "tempmort"); err != nil {
		p.Bucket.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the resources held by p.
func (p *Pipeline) Close() error {
	err := p.Bucket.Close()
	if rerr := os.RemoveAll(p.tempDir); err == nil {
		err = rerr
	}
	return err
}

// terms returns the transforms that derive the regressors from the
// climate variable.
func (p *Pipeline) terms() []tempmort.Transform {
	return tempmort.TemperatureTerms(p.Config.ClimateVar, p.Config.Offset)
}

func termNames(terms []tempmort.Transform) []string {
	names := make([]string, len(terms))
	for i, t := range terms {
		names[i] = t.Name
	}
	return names
}

func (p *Pipeline) workers() int {
	if p.Config.Workers > 0 {
		return p.Config.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Run aggregates the climate data, writes the aggregated table, and then
// fits the model. The climate table is written before the fit, so it is
// kept even if the fit fails.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	climate, err := p.Aggregate(ctx)
	if err != nil {
		return nil, err
	}
	return p.Estimate(ctx, climate)
}

// Aggregate computes the weighted average of the temperature terms in
// each region and time step, sums them by period, and writes the result
// to ClimateFile.
func (p *Pipeline) Aggregate(ctx context.Context) (*rollup.Table, error) {
	c := p.Config
	log := p.Log.WithField("stage", "aggregate")

	ds, err := p.readClimate(ctx)
	if err != nil {
		return nil, err
	}
	terms := p.terms()
	if ds, err = ds.DeriveTransforms(c.ClimateVar, terms...); err != nil {
		return nil, fmt.Errorf("tempmort: %w", err)
	}
	pop, err := p.readPopulation(ctx, ds.Lattice)
	if err != nil {
		return nil, err
	}
	regions, err := p.readRegions(ctx)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"nx":      ds.Lattice.Nx,
		"ny":      ds.Lattice.Ny,
		"steps":   len(ds.Time),
		"regions": len(regions),
	}).Info("read inputs")

	w, err := p.overlaps(ctx, ds.Lattice, regions)
	if err != nil {
		return nil, err
	}

	done := p.Metrics.Stage("aggregate")
	series, err := aggregate.Aggregate(ctx, ds, w, pop, aggregate.Options{
		Variables:          termNames(terms),
		SkipMissingWeights: c.SkipMissingWeights,
		Workers:            p.workers(),
	})
	done()
	if err != nil {
		return nil, fmt.Errorf("tempmort: aggregating: %w", err)
	}

	period, err := rollup.ParsePeriod(c.Period)
	if err != nil {
		return nil, fmt.Errorf("tempmort: %w", err)
	}
	done = p.Metrics.Stage("rollup")
	table := rollup.Sum(series, period)
	done()

	var b bytes.Buffer
	if err := source.WriteTable(&b, table, p.tableConfig()); err != nil {
		return nil, fmt.Errorf("tempmort: writing climate table: %v", err)
	}
	if err := p.write(ctx, ClimateFile, b.Bytes()); err != nil {
		return nil, err
	}
	log.WithField("periods", len(table.Periods)).Info("wrote climate table")
	return table, nil
}

func (p *Pipeline) tableConfig() source.TableConfig {
	return source.TableConfig{EntityColumn: p.Config.EntityColumn, PeriodColumn: p.Config.PeriodColumn}
}

// fetch returns a local path for the file at location.
func (p *Pipeline) fetch(ctx context.Context, location string) (string, error) {
	local, err := cloud.Fetch(ctx, location, p.tempDir)
	if err != nil {
		return "", fmt.Errorf("tempmort: fetching %s: %w", location, err)
	}
	return local, nil
}

func (p *Pipeline) readClimate(ctx context.Context) (*aggregate.Dataset, error) {
	c := p.Config
	fname, err := p.fetch(ctx, c.ClimateFile)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("tempmort: opening climate file: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	ds, err := source.ReadNetCDF(f, info.Size(), source.NetCDFConfig{
		LonVar:       c.LonVar,
		LatVar:       c.LatVar,
		TimeVar:      c.TimeVar,
		Variables:    []string{c.ClimateVar},
		NormalizeLon: c.NormalizeLon,
	})
	if err != nil {
		return nil, fmt.Errorf("tempmort: reading climate file: %w", err)
	}
	return ds, nil
}

// readPopulation reads the population raster, which must be on the
// lattice l. It returns nil if no population file is configured.
func (p *Pipeline) readPopulation(ctx context.Context, l *overlap.Lattice) (*sparse.DenseArray, error) {
	c := p.Config
	if c.PopulationFile == "" {
		p.Log.Warn("no population file; regions will be averaged by area only")
		return nil, nil
	}
	fname, err := p.fetch(ctx, c.PopulationFile)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("tempmort: opening population file: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pl, pop, err := source.ReadRaster(f, info.Size(), source.RasterConfig{
		LonVar:       c.LonVar,
		LatVar:       c.LatVar,
		Var:          c.PopulationVar,
		NormalizeLon: c.NormalizeLon,
	})
	if err != nil {
		return nil, fmt.Errorf("tempmort: reading population file: %w", err)
	}
	if !pl.Aligned(l, 1e-6) {
		return nil, fmt.Errorf("tempmort: the population grid (%dx%d) is not the same as the climate grid (%dx%d)",
			pl.Nx, pl.Ny, l.Nx, l.Ny)
	}
	return pop, nil
}

func (p *Pipeline) readRegions(ctx context.Context) ([]overlap.Region, error) {
	c := p.Config
	fname, err := p.fetch(ctx, c.RegionsFile)
	if err != nil {
		return nil, err
	}
	rc := source.RegionConfig{
		StateField:  c.StateField,
		CountyField: c.CountyField,
		IDField:     c.IDField,
	}
	if c.GridProj != "" {
		if rc.SR, err = proj.Parse(c.GridProj); err != nil {
			return nil, fmt.Errorf("tempmort: parsing grid_proj: %v", err)
		}
	}
	regions, err := source.ReadRegions(fname, rc)
	if err != nil {
		return nil, fmt.Errorf("tempmort: reading regions: %w", err)
	}
	return regions, nil
}

// coverageTolerance is the shortfall in the fraction of a region's area
// covered by grid cells that is treated as full coverage.
const coverageTolerance = 1e-6

type overlapRequest struct {
	lattice *overlap.Lattice
	regions []overlap.Region
	opts    overlap.Options
}

// overlaps returns the overlaps between the cells of l and regions,
// reading them from the cache when the same lattice and regions have
// been seen before.
func (p *Pipeline) overlaps(ctx context.Context, l *overlap.Lattice, regions []overlap.Region) (*overlap.Weights, error) {
	c := p.Config
	policy, err := overlap.ParsePolicy(c.GeometryPolicy)
	if err != nil {
		return nil, fmt.Errorf("tempmort: %w", err)
	}
	p.loadOverlapOnce.Do(func() {
		p.overlapCache = loadCacheOnce(p.computeOverlaps, 1, 1, c.CacheDir,
			requestcache.MarshalGob, requestcache.UnmarshalGob)
	})
	opts := overlap.Options{SubsetBBox: c.SubsetBBox, Policy: policy, Workers: p.workers()}
	key := "overlap_" + hash.Hash(l.Bounds(), l.Nx, l.Ny, regions, opts.SubsetBBox, opts.Policy)

	done := p.Metrics.Stage("overlap")
	r := p.overlapCache.NewRequest(ctx, overlapRequest{lattice: l, regions: regions, opts: opts}, key)
	result, err := r.Result()
	done()
	if err != nil {
		return nil, fmt.Errorf("tempmort: calculating overlaps: %w", err)
	}
	var w *overlap.Weights
	switch r := result.(type) {
	case *overlap.Weights:
		w = r
	case overlap.Weights:
		w = &r
	default:
		return nil, fmt.Errorf("tempmort: invalid overlap cache entry type %T", result)
	}
	p.Metrics.Regions.Add(float64(len(w.Regions)))
	p.Metrics.OverlapRecords.Add(float64(w.Len()))
	for i, id := range w.Regions {
		if cov := w.Coverage(i); cov < 1-coverageTolerance {
			p.Metrics.PartlyCovered.Inc()
			p.Log.WithFields(logrus.Fields{
				"stage":    "overlap",
				"region":   id,
				"coverage": cov,
			}).Warn("region extends beyond the grid")
		}
	}
	p.Log.WithFields(logrus.Fields{
		"stage":   "overlap",
		"records": w.Len(),
	}).Info("calculated overlaps")
	return w, nil
}

func (p *Pipeline) computeOverlaps(ctx context.Context, request interface{}) (interface{}, error) {
	r := request.(overlapRequest)
	p.Metrics.OverlapComputations.Inc()
	return overlap.Compute(ctx, r.lattice, r.regions, r.opts)
}

// loadCacheOnce returns a cache of the results of f that is kept in
// memory and, if cacheDir is not empty, on disk.
func loadCacheOnce(f requestcache.ProcessFunc, workers, memCacheSize int, cacheDir string, marshal func(interface{}) ([]byte, error), unmarshal func([]byte) (interface{}, error)) *requestcache.Cache {
	if cacheDir == "" {
		return requestcache.NewCache(f, workers, requestcache.Deduplicate(),
			requestcache.Memory(memCacheSize))
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		logrus.WithError(err).Warnf("tempmort: creating cache directory %s; caching in memory only", cacheDir)
		return requestcache.NewCache(f, workers, requestcache.Deduplicate(),
			requestcache.Memory(memCacheSize))
	}
	return requestcache.NewCache(f, workers, requestcache.Deduplicate(),
		requestcache.Memory(memCacheSize), requestcache.Disk(cacheDir, marshal, unmarshal))
}

// ReadClimate reads the climate table from the climate_table setting,
// or from ClimateFile in the output location if it is not set.
func (p *Pipeline) ReadClimate(ctx context.Context) (*rollup.Table, error) {
	var b []byte
	if loc := p.Config.ClimateTable; loc != "" {
		fname, err := p.fetch(ctx, loc)
		if err != nil {
			return nil, err
		}
		if b, err = os.ReadFile(fname); err != nil {
			return nil, fmt.Errorf("tempmort: reading climate table: %v", err)
		}
	} else {
		var err error
		if b, err = cloud.ReadBlob(ctx, p.Bucket, p.key(ClimateFile)); err != nil {
			return nil, fmt.Errorf("tempmort: reading climate table: %w", err)
		}
	}
	t, err := source.ReadTable(bytes.NewReader(b), p.tableConfig())
	if err != nil {
		return nil, fmt.Errorf("tempmort: reading climate table: %w", err)
	}
	return t, nil
}

// Estimate joins the mortality records to climate, fits the fixed
// effects model, and writes the dose-response curve and model summary.
// Nothing is written if the fit fails.
func (p *Pipeline) Estimate(ctx context.Context, climate *rollup.Table) (*Result, error) {
	c := p.Config
	log := p.Log.WithField("stage", "estimate")
	terms := p.terms()
	names := termNames(terms)

	outcomes, err := p.readOutcomes(ctx)
	if err != nil {
		return nil, err
	}

	done := p.Metrics.Stage("merge")
	rows, mismatch, err := panel.Merge(outcomes, climate, names, panel.StateFromFIPS)
	done()
	if err != nil {
		return nil, fmt.Errorf("tempmort: merging: %w", err)
	}
	res := &Result{Mismatch: mismatch}
	if mismatch != nil {
		p.Metrics.JoinMismatches.Add(float64(mismatch.Count))
		log.WithField("count", mismatch.Count).Warn(mismatch.Error())
		if c.StrictJoin {
			return nil, mismatch
		}
	}

	dm, err := panel.Build(rows, names)
	if err != nil {
		return nil, fmt.Errorf("tempmort: %w", err)
	}
	res.Dropped = dm.Dropped
	if dm.Dropped > 0 {
		p.Metrics.DroppedRows.Add(float64(dm.Dropped))
		log.WithFields(logrus.Fields{
			"dropped": dm.Dropped,
			"rows":    len(rows),
		}).Warn("dropped rows with missing values")
	}

	done = p.Metrics.Stage("estimate")
	within, err := fe.Demean(dm.Columns, dm.X, dm.Y, dm.Entities)
	if err != nil {
		done()
		return nil, fmt.Errorf("tempmort: %w", err)
	}
	res.Model, err = fe.Estimate(within, dm.Entities, fe.Options{SmallSample: c.SmallSample})
	done()
	if err != nil {
		return nil, fmt.Errorf("tempmort: fitting model: %w", err)
	}
	m := res.Model
	p.Metrics.Observations.Add(float64(m.NObs))
	p.Metrics.EstimatedEntities.Set(float64(m.NEntities))
	p.Metrics.ResidualDF.Set(float64(m.DFResid))
	log.WithFields(logrus.Fields{
		"observations": m.NObs,
		"entities":     m.NEntities,
		"df_resid":     m.DFResid,
		"r2_within":    m.R2Within,
	}).Info("fitted model")

	done = p.Metrics.Stage("predict")
	grid, err := predict.Grid(c.GridMin, c.GridMax, c.GridStep)
	if err == nil {
		res.Curve, err = predict.Band(m, terms, grid, c.Confidence)
	}
	done()
	if err != nil {
		return nil, fmt.Errorf("tempmort: %w", err)
	}

	var b bytes.Buffer
	if err := source.WriteCurve(&b, res.Curve, c.ExcessPopulation); err != nil {
		return nil, fmt.Errorf("tempmort: writing curve: %v", err)
	}
	if err := p.write(ctx, CurveFile, b.Bytes()); err != nil {
		return nil, err
	}
	b.Reset()
	if err := toml.NewEncoder(&b).Encode(p.summary(m, dm)); err != nil {
		return nil, fmt.Errorf("tempmort: writing model summary: %v", err)
	}
	if err := p.write(ctx, ModelFile, b.Bytes()); err != nil {
		return nil, err
	}
	log.Info("wrote dose-response curve")
	return res, nil
}

func (p *Pipeline) readOutcomes(ctx context.Context) ([]panel.Outcome, error) {
	c := p.Config
	fname, err := p.fetch(ctx, c.MortalityFile)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("tempmort: opening mortality file: %v", err)
	}
	defer f.Close()
	outcomes, err := source.ReadOutcomes(f, source.OutcomeConfig{
		TableConfig:      p.tableConfig(),
		DeathsColumn:     c.DeathsColumn,
		PopulationColumn: c.PopulationColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("tempmort: reading mortality file: %w", err)
	}
	return outcomes, nil
}

// ModelSummary is the content of ModelFile.
type ModelSummary struct {
	RunID        string
	Version      string
	Observations int
	Entities     int
	Clusters     int
	DFResid      int
	RSS          float64
	R2Within     float64
	SmallSample  bool

	// BaselineRate is the mortality rate per 100,000 people across all
	// of the rows in the fit.
	BaselineRate float64
	Coefficients []Coefficient `toml:"coefficient"`
}

// Coefficient is one fitted coefficient.
type Coefficient struct {
	Name     string
	Estimate float64
	StdErr   float64
}

func (p *Pipeline) summary(m *fe.Model, dm *panel.DesignMatrix) ModelSummary {
	s := ModelSummary{
		RunID:        p.RunID,
		Version:      tempmort.Version,
		Observations: m.NObs,
		Entities:     m.NEntities,
		Clusters:     m.NClusters,
		DFResid:      m.DFResid,
		RSS:          m.RSS,
		R2Within:     m.R2Within,
		SmallSample:  p.Config.SmallSample,
		BaselineRate: epi.RegionalRate(dm.Deaths, dm.Population),
	}
	se := m.StdErr()
	for i, n := range m.Names {
		s.Coefficients = append(s.Coefficients, Coefficient{Name: n, Estimate: m.Coef[i], StdErr: se[i]})
	}
	return s
}

func (p *Pipeline) key(name string) string {
	if p.Prefix == "" {
		return name
	}
	return path.Join(p.Prefix, name)
}

// write writes data to the output file name.
func (p *Pipeline) write(ctx context.Context, name string, data []byte) error {
	if err := cloud.WriteBlob(ctx, p.Bucket, p.key(name), data); err != nil {
		return fmt.Errorf("tempmort: %w", err)
	}
	return nil
}

// IsJoinMismatch reports whether err was caused by mortality records
// without climate data.
func IsJoinMismatch(err error) bool {
	var jm *tempmort.JoinMismatchError
	return errors.As(err, &jm)
}
