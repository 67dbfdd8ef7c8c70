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

// Package tempmortutil runs the temperature-mortality pipeline from the
// command line.
package tempmortutil

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/tempmort"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Cfg holds configuration information and the commands that use it.
type Cfg struct {
	*viper.Viper

	Root, versionCmd, aggregateCmd, fitCmd, runCmd *cobra.Command

	// Log receives the log messages of the commands.
	Log logrus.FieldLogger
}

type option struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

// InitializeConfig creates the commands and binds their flags,
// environment variables and configuration file to a new configuration.
func InitializeConfig() *Cfg {
	cfg := &Cfg{
		Viper: viper.New(),
		Log:   logrus.StandardLogger(),
	}

	cfg.Root = &cobra.Command{
		Use:   "tempmort",
		Short: "Temperature-mortality dose-response estimation.",
		Long: `tempmort aggregates gridded climate data onto county polygons and
estimates the effect of temperature on the mortality rate with a panel
fixed effects regression.

Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'TEMPMORT_var' where 'var' is the
name of the variable to be set. File paths and URLs may contain environment
variables. Input files may be local paths or blob storage URLs
(s3://bucket/key or gs://bucket/key).`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return cfg.setConfig() },
	}

	cfg.versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  "version prints the version number of this version of tempmort.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tempmort v%s\n", tempmort.Version)
		},
		DisableAutoGenTag: true,
	}

	cfg.aggregateCmd = &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate climate data onto regions.",
		Long: `aggregate calculates the population-weighted average of the
temperature terms in each region and time step, sums them by period, and
writes the result to climate.csv in the output location.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd.Context(), true, false, func(ctx context.Context, p *Pipeline) error {
				_, err := p.Aggregate(ctx)
				return err
			})
		},
		DisableAutoGenTag: true,
	}

	cfg.fitCmd = &cobra.Command{
		Use:   "fit",
		Short: "Fit the dose-response model.",
		Long: `fit joins the mortality records to a climate table written by the
aggregate command, fits the fixed effects model and writes the
dose-response curve (curve.csv) and model summary (model.toml) to the
output location.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd.Context(), false, true, func(ctx context.Context, p *Pipeline) error {
				climate, err := p.ReadClimate(ctx)
				if err != nil {
					return err
				}
				_, err = p.Estimate(ctx, climate)
				return err
			})
		},
		DisableAutoGenTag: true,
	}

	cfg.runCmd = &cobra.Command{
		Use:   "run",
		Short: "Aggregate and fit.",
		Long:  `run runs the aggregate and fit steps in sequence.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.run(cmd.Context(), true, true, func(ctx context.Context, p *Pipeline) error {
				_, err := p.Run(ctx)
				return err
			})
		},
		DisableAutoGenTag: true,
	}

	cfg.Root.AddCommand(cfg.versionCmd, cfg.aggregateCmd, cfg.fitCmd, cfg.runCmd)

	// Set the prefix for configuration environment variables.
	cfg.SetEnvPrefix("TEMPMORT")
	cfg.AutomaticEnv()

	for _, option := range cfg.options() {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			case float64:
				set.Float64P(option.name, option.shorthand, v, option.usage)
			default:
				panic("invalid argument type")
			}
			cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
	return cfg
}

// options returns the configuration options and the flag sets they
// belong to.
func (cfg *Cfg) options() []option {
	all := []*pflag.FlagSet{cfg.aggregateCmd.Flags(), cfg.fitCmd.Flags(), cfg.runCmd.Flags()}
	agg := []*pflag.FlagSet{cfg.aggregateCmd.Flags(), cfg.runCmd.Flags()}
	fit := []*pflag.FlagSet{cfg.fitCmd.Flags(), cfg.runCmd.Flags()}
	return []option{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.Root.PersistentFlags()},
		},
		{
			name: "climate_file",
			usage: `
              climate_file is the NetCDF file with the gridded climate
              variable.`,
			defaultVal: "",
			flagsets:   agg,
		},
		{
			name: "climate_var",
			usage: `
              climate_var is the name of the gridded temperature variable,
              with dimensions [time, lat, lon].`,
			defaultVal: "tas",
			flagsets:   all,
		},
		{
			name: "lon_var",
			usage: `
              lon_var is the name of the longitude coordinate variable.`,
			defaultVal: "lon",
			flagsets:   agg,
		},
		{
			name: "lat_var",
			usage: `
              lat_var is the name of the latitude coordinate variable.`,
			defaultVal: "lat",
			flagsets:   agg,
		},
		{
			name: "time_var",
			usage: `
              time_var is the name of the time coordinate variable. Its
              values are either CF times ('days since ...') or years with
              the month encoded in the fractional part.`,
			defaultVal: "time",
			flagsets:   agg,
		},
		{
			name: "normalize_lon",
			usage: `
              normalize_lon converts longitudes in the range 0 to 360 to
              the range -180 to 180.`,
			defaultVal: true,
			flagsets:   agg,
		},
		{
			name: "population_file",
			usage: `
              population_file is a NetCDF file with gridded population
              counts on the climate grid, used to weight the averages. If
              empty, averages are weighted by area only.`,
			defaultVal: "",
			flagsets:   agg,
		},
		{
			name: "population_var",
			usage: `
              population_var is the name of the population variable in
              population_file.`,
			defaultVal: "population",
			flagsets:   agg,
		},
		{
			name: "regions_file",
			usage: `
              regions_file is the shapefile with the region (county)
              polygons.`,
			defaultVal: "",
			flagsets:   agg,
		},
		{
			name: "state_field",
			usage: `
              state_field is the shapefile field holding the state FIPS code.`,
			defaultVal: "STATE_FIPS",
			flagsets:   agg,
		},
		{
			name: "county_field",
			usage: `
              county_field is the shapefile field holding the county FIPS code.`,
			defaultVal: "CNTY_FIPS",
			flagsets:   agg,
		},
		{
			name: "id_field",
			usage: `
              id_field, if set, is the shapefile field holding the five-digit
              county FIPS code, used instead of state_field and county_field.`,
			defaultVal: "",
			flagsets:   agg,
		},
		{
			name: "grid_proj",
			usage: `
              grid_proj gives the projection of the climate grid in Proj4
              or WKT format. Regions are projected to it using the .prj
              file of the shapefile. If empty, regions are not projected.`,
			defaultVal: "+proj=longlat +datum=WGS84",
			flagsets:   agg,
		},
		{
			name: "mortality_file",
			usage: `
              mortality_file is a CSV file with deaths and population by
              region and period.`,
			defaultVal: "",
			flagsets:   fit,
		},
		{
			name: "entity_column",
			usage: `
              entity_column is the column holding the region FIPS code in
              mortality_file and the climate table.`,
			defaultVal: "fips",
			flagsets:   all,
		},
		{
			name: "period_column",
			usage: `
              period_column is the column holding the period in
              mortality_file and the climate table.`,
			defaultVal: "year",
			flagsets:   all,
		},
		{
			name: "deaths_column",
			usage: `
              deaths_column is the column holding the number of deaths.`,
			defaultVal: "deaths",
			flagsets:   fit,
		},
		{
			name: "population_column",
			usage: `
              population_column is the column holding the population.`,
			defaultVal: "pop",
			flagsets:   fit,
		},
		{
			name: "climate_table",
			usage: `
              climate_table is the aggregated climate table to fit to. If
              empty, climate.csv in output_url is used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cfg.fitCmd.Flags()},
		},
		{
			name: "offset",
			usage: `
              offset is the reference temperature. The regressors are
              t-offset and t²-offset².`,
			defaultVal: 20.0,
			flagsets:   all,
		},
		{
			name: "period",
			usage: `
              period is the period that time steps are summed over:
              'year' or 'month'.`,
			defaultVal: "year",
			flagsets:   agg,
		},
		{
			name: "geometry_policy",
			usage: `
              geometry_policy specifies what to do with invalid region
              polygons: 'reject' returns an error and 'repair' attempts
              to fix them.`,
			defaultVal: "reject",
			flagsets:   agg,
		},
		{
			name: "subset_bbox",
			usage: `
              subset_bbox limits the grid cells that are considered to
              the bounding box of the regions.`,
			defaultVal: false,
			flagsets:   agg,
		},
		{
			name: "skip_missing_weights",
			usage: `
              skip_missing_weights gives grid cells with missing
              population a weight of zero instead of returning an error.`,
			defaultVal: false,
			flagsets:   agg,
		},
		{
			name: "workers",
			usage: `
              workers is the number of concurrent workers. 0 means the
              number of processors.`,
			defaultVal: 0,
			flagsets:   agg,
		},
		{
			name: "cache_dir",
			usage: `
              cache_dir is a directory where the overlaps between grid
              cells and regions are cached between runs. If empty, they
              are only cached in memory.`,
			defaultVal: "",
			flagsets:   agg,
		},
		{
			name: "output_url",
			usage: `
              output_url is the location where output files are written,
              for example file:///path/to/dir or s3://bucket/prefix.`,
			defaultVal: "file://${PWD}/tempmort_output",
			flagsets:   all,
		},
		{
			name: "grid_min",
			usage: `
              grid_min is the lowest temperature of the dose-response curve.`,
			defaultVal: -20.0,
			flagsets:   fit,
		},
		{
			name: "grid_max",
			usage: `
              grid_max is the highest temperature of the dose-response curve.`,
			defaultVal: 40.0,
			flagsets:   fit,
		},
		{
			name: "grid_step",
			usage: `
              grid_step is the temperature step of the dose-response curve.`,
			defaultVal: 1.0,
			flagsets:   fit,
		},
		{
			name: "confidence",
			usage: `
              confidence is the confidence level of the dose-response
              curve band.`,
			defaultVal: 0.95,
			flagsets:   fit,
		},
		{
			name: "small_sample",
			usage: `
              small_sample applies a finite sample correction to the
              clustered covariance.`,
			defaultVal: false,
			flagsets:   fit,
		},
		{
			name: "strict_join",
			usage: `
              strict_join returns an error if any mortality record has no
              matching climate record.`,
			defaultVal: false,
			flagsets:   fit,
		},
		{
			name: "excess_population",
			usage: `
              excess_population, if greater than zero, adds the number of
              excess deaths in a population of this size to the curve.`,
			defaultVal: 0.0,
			flagsets:   fit,
		},
		{
			name: "metrics_file",
			usage: `
              metrics_file, if set, is a file where run metrics are
              written in the Prometheus text format.`,
			defaultVal: "",
			flagsets:   all,
		},
	}
}

// setConfig finds and reads in the configuration file, if there is one.
func (cfg *Cfg) setConfig() error {
	if cfgpath := cfg.GetString("config"); cfgpath != "" {
		cfg.SetConfigFile(cfgpath)
		if err := cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("tempmort: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// run validates the configuration for the given steps, then runs f with
// a new pipeline. The run metrics are written to metrics_file, if set,
// whether or not f succeeds.
func (cfg *Cfg) run(ctx context.Context, aggregate, fit bool, f func(context.Context, *Pipeline) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := ConfigFromViper(cfg.Viper)
	if err != nil {
		return err
	}
	if err := c.Validate(aggregate, fit); err != nil {
		return err
	}
	p, err := NewPipeline(ctx, c, cfg.Log)
	if err != nil {
		return err
	}
	err = f(ctx, p)
	if c.MetricsFile != "" {
		if merr := p.Metrics.WriteTextfile(c.MetricsFile); merr != nil {
			p.Log.WithError(merr).Error("writing metrics")
			if err == nil {
				err = fmt.Errorf("tempmort: writing metrics: %v", merr)
			}
		}
	}
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	return err
}
