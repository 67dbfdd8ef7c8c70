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
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config holds the settings of a pipeline run. The key tag of each
// field is its configuration key.
type Config struct {
	ClimateFile  string `key:"climate_file" validate:"required"`
	ClimateVar   string `key:"climate_var" validate:"required"`
	LonVar       string `key:"lon_var" validate:"required"`
	LatVar       string `key:"lat_var" validate:"required"`
	TimeVar      string `key:"time_var" validate:"required"`
	NormalizeLon bool   `key:"normalize_lon"`

	// PopulationFile is optional; without it regions are averaged with
	// area weights only.
	PopulationFile string `key:"population_file"`
	PopulationVar  string `key:"population_var" validate:"required_with=PopulationFile"`

	RegionsFile string `key:"regions_file" validate:"required"`
	StateField  string `key:"state_field" validate:"required_without=IDField"`
	CountyField string `key:"county_field" validate:"required_without=IDField"`
	IDField     string `key:"id_field"`
	GridProj    string `key:"grid_proj"`

	MortalityFile    string `key:"mortality_file" validate:"required"`
	EntityColumn     string `key:"entity_column" validate:"required"`
	PeriodColumn     string `key:"period_column" validate:"required"`
	DeathsColumn     string `key:"deaths_column" validate:"required"`
	PopulationColumn string `key:"population_column" validate:"required"`

	// ClimateTable is the aggregated climate table read by the fit
	// command. If empty, the table written to OutputURL is used.
	ClimateTable string `key:"climate_table"`

	Offset             float64 `key:"offset"`
	Period             string  `key:"period" validate:"oneof=year month"`
	GeometryPolicy     string  `key:"geometry_policy" validate:"oneof=reject repair"`
	SubsetBBox         bool    `key:"subset_bbox"`
	SkipMissingWeights bool    `key:"skip_missing_weights"`
	Workers            int     `key:"workers" validate:"min=0"`
	CacheDir           string  `key:"cache_dir"`

	OutputURL string `key:"output_url" validate:"required"`

	GridMin          float64 `key:"grid_min"`
	GridMax          float64 `key:"grid_max" validate:"gtfield=GridMin"`
	GridStep         float64 `key:"grid_step" validate:"gt=0"`
	Confidence       float64 `key:"confidence" validate:"gt=0,lt=1"`
	SmallSample      bool    `key:"small_sample"`
	StrictJoin       bool    `key:"strict_join"`
	ExcessPopulation float64 `key:"excess_population" validate:"min=0"`

	MetricsFile string `key:"metrics_file"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("key")
	})
	return v
}

// Fields that are only needed by one of the two steps.
var (
	aggregateOnly = []string{"ClimateFile", "RegionsFile"}
	fitOnly       = []string{"MortalityFile"}
)

// Validate checks the configuration for running the aggregation step,
// the fitting step or both. Fields that are only needed by a step that
// is not run are not checked.
func (c *Config) Validate(aggregate, fit bool) error {
	var except []string
	if !aggregate {
		except = append(except, aggregateOnly...)
	}
	if !fit {
		except = append(except, fitOnly...)
	}
	var err error
	if len(except) == 0 {
		err = validate.Struct(c)
	} else {
		err = validate.StructExcept(c, except...)
	}
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("tempmort: configuration: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s=%v but should be %s", fe.Field(), fe.Value(), rule(fe))
	}
	return fmt.Errorf("tempmort: configuration: %s", strings.Join(msgs, "; "))
}

// rule describes a failed validation rule.
func rule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "set"
	case "required_with":
		return "set when " + keyOf(fe.Param()) + " is set"
	case "required_without":
		return "set when " + keyOf(fe.Param()) + " is not set"
	case "oneof":
		return "one of [" + fe.Param() + "]"
	case "gtfield":
		return "greater than " + keyOf(fe.Param())
	case "gt":
		return "greater than " + fe.Param()
	case "lt":
		return "less than " + fe.Param()
	case "min":
		return "at least " + fe.Param()
	default:
		return fe.Tag() + " " + fe.Param()
	}
}

// keyOf returns the configuration key of the Config field with the
// given name.
func keyOf(field string) string {
	if f, ok := reflect.TypeOf(Config{}).FieldByName(field); ok {
		return f.Tag.Get("key")
	}
	return field
}

// ConfigFromViper reads a Config from cfg. Environment variables in
// file paths and URLs are expanded.
func ConfigFromViper(cfg *viper.Viper) (*Config, error) {
	c := &Config{
		ClimateFile:  os.ExpandEnv(cfg.GetString("climate_file")),
		ClimateVar:   cfg.GetString("climate_var"),
		LonVar:       cfg.GetString("lon_var"),
		LatVar:       cfg.GetString("lat_var"),
		TimeVar:      cfg.GetString("time_var"),
		NormalizeLon: cfg.GetBool("normalize_lon"),

		PopulationFile: os.ExpandEnv(cfg.GetString("population_file")),
		PopulationVar:  cfg.GetString("population_var"),

		RegionsFile: os.ExpandEnv(cfg.GetString("regions_file")),
		StateField:  cfg.GetString("state_field"),
		CountyField: cfg.GetString("county_field"),
		IDField:     cfg.GetString("id_field"),
		GridProj:    cfg.GetString("grid_proj"),

		MortalityFile:    os.ExpandEnv(cfg.GetString("mortality_file")),
		EntityColumn:     cfg.GetString("entity_column"),
		PeriodColumn:     cfg.GetString("period_column"),
		DeathsColumn:     cfg.GetString("deaths_column"),
		PopulationColumn: cfg.GetString("population_column"),
		ClimateTable:     os.ExpandEnv(cfg.GetString("climate_table")),

		Period:             cfg.GetString("period"),
		GeometryPolicy:     cfg.GetString("geometry_policy"),
		SubsetBBox:         cfg.GetBool("subset_bbox"),
		SkipMissingWeights: cfg.GetBool("skip_missing_weights"),
		CacheDir:           os.ExpandEnv(cfg.GetString("cache_dir")),
		OutputURL:          os.ExpandEnv(cfg.GetString("output_url")),
		SmallSample:        cfg.GetBool("small_sample"),
		StrictJoin:         cfg.GetBool("strict_join"),
		MetricsFile:        os.ExpandEnv(cfg.GetString("metrics_file")),
	}
	var err error
	if c.Workers, err = cast.ToIntE(cfg.Get("workers")); err != nil {
		return nil, fmt.Errorf("tempmort: reading 'workers': %v", err)
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"offset", &c.Offset},
		{"grid_min", &c.GridMin},
		{"grid_max", &c.GridMax},
		{"grid_step", &c.GridStep},
		{"confidence", &c.Confidence},
		{"excess_population", &c.ExcessPopulation},
	}
	for _, f := range floats {
		if *f.dst, err = cast.ToFloat64E(cfg.Get(f.key)); err != nil {
			return nil, fmt.Errorf("tempmort: reading '%s': %v", f.key, err)
		}
	}
	return c, nil
}
