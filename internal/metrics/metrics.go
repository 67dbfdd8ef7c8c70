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

// Package metrics holds the Prometheus counters and histograms that
// describe a pipeline run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tempmort"

// Metrics holds the counters and histograms for one pipeline run. Each
// Metrics has its own registry so that runs in the same process do not
// share counts.
type Metrics struct {
	Registry *prometheus.Registry

	Regions             prometheus.Counter
	OverlapRecords      prometheus.Counter
	OverlapComputations prometheus.Counter
	PartlyCovered       prometheus.Counter
	Observations        prometheus.Counter
	DroppedRows         prometheus.Counter
	JoinMismatches      prometheus.Counter
	StageDuration       *prometheus.HistogramVec // labels: stage={overlap,aggregate,rollup,merge,estimate,predict}
	EstimatedEntities   prometheus.Gauge
	ResidualDF          prometheus.Gauge
}

// New creates and registers all pipeline metrics on a new registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Regions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_total",
			Help:      "Total regions intersected with the grid.",
		}),
		OverlapRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlap_records_total",
			Help:      "Total (cell, region) pairs with a positive overlap area.",
		}),
		OverlapComputations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlap_computations_total",
			Help:      "Overlap weight sets calculated rather than read from the cache.",
		}),
		PartlyCovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "regions_partly_covered_total",
			Help:      "Total regions that extend beyond the grid.",
		}),
		Observations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Total complete rows used in the estimate.",
		}),
		DroppedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_rows_total",
			Help:      "Total panel rows dropped because of missing values.",
		}),
		JoinMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_mismatches_total",
			Help:      "Total outcome keys without a matching climate row.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"stage"}),
		EstimatedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "estimated_entities",
			Help:      "Number of entities in the last estimate.",
		}),
		ResidualDF: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "residual_degrees_of_freedom",
			Help:      "Residual degrees of freedom of the last estimate.",
		}),
	}
	m.Registry.MustRegister(
		m.Regions,
		m.OverlapRecords,
		m.OverlapComputations,
		m.PartlyCovered,
		m.Observations,
		m.DroppedRows,
		m.JoinMismatches,
		m.StageDuration,
		m.EstimatedEntities,
		m.ResidualDF,
	)
	return m
}

// Stage starts timing the named stage. Call the returned function when
// the stage is done.
func (m *Metrics) Stage(name string) func() {
	start := time.Now()
	return func() {
		m.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// WriteTextfile writes the current metric values to path in the
// Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
