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

// Package source reads the inputs of the pipeline, gridded climate and
// population data, region shapes and mortality tables, and writes its
// outputs.
package source

import (
	"fmt"
	"math"
	"strings"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/aggregate"
	"github.com/spatialmodel/tempmort/overlap"
)

// NetCDFConfig specifies the variables to read from a gridded NetCDF
// file.
type NetCDFConfig struct {
	// LonVar, LatVar and TimeVar are the names of the coordinate
	// variables.
	LonVar, LatVar, TimeVar string

	// Variables are the gridded variables to read. Each must have
	// dimensions [time, lat, lon].
	Variables []string

	// NormalizeLon shifts longitudes greater than 180 by -360.
	NormalizeLon bool
}

// ReadNetCDF reads a gridded dataset from a NetCDF file of the given
// size. The size is used to determine the number of records in files
// with an unlimited time dimension.
//
// If the time variable has CF units ("days since 1980-01-01"), times are
// converted to the period encoding; otherwise they are assumed to be
// period-encoded already. Values equal to the _FillValue or
// missing_value attribute are read as missing, and scale_factor and
// add_offset are applied when present.
func ReadNetCDF(r cdf.ReaderWriterAt, size int64, c NetCDFConfig) (*aggregate.Dataset, error) {
	f, err := cdf.Open(r)
	if err != nil {
		return nil, fmt.Errorf("source: opening netcdf file: %v", err)
	}
	l, err := readLattice(f, size, c.LonVar, c.LatVar, c.NormalizeLon)
	if err != nil {
		return nil, err
	}
	times, _, err := readVar(f, size, c.TimeVar)
	if err != nil {
		return nil, err
	}
	if u, ok := f.Header.GetAttribute(c.TimeVar, "units").(string); ok && strings.Contains(u, " since ") {
		conv, err := tempmort.ParseTimeUnits(u)
		if err != nil {
			return nil, fmt.Errorf("source: %v", err)
		}
		for i, t := range times {
			times[i] = conv(t)
		}
	}
	timeDims := f.Header.Dimensions(c.TimeVar)
	latDims := f.Header.Dimensions(c.LatVar)
	lonDims := f.Header.Dimensions(c.LonVar)

	vars := make(map[string]*sparse.DenseArray, len(c.Variables))
	for _, v := range c.Variables {
		if f.Header.Lengths(v) == nil {
			return nil, &tempmort.MissingDataError{Variable: v, Cell: -1}
		}
		dims := f.Header.Dimensions(v)
		if len(dims) != 3 || dims[0] != timeDims[0] || dims[1] != latDims[0] || dims[2] != lonDims[0] {
			return nil, fmt.Errorf("source: variable %s has dimensions %v but should have dimensions [%s %s %s]",
				v, dims, timeDims[0], latDims[0], lonDims[0])
		}
		vals, shape, err := readVar(f, size, v)
		if err != nil {
			return nil, err
		}
		a := sparse.ZerosDense(shape...)
		copy(a.Elements, vals)
		vars[v] = a
	}
	ds, err := aggregate.NewDataset(l, times, vars)
	if err != nil {
		return nil, fmt.Errorf("source: %v", err)
	}
	return ds, nil
}

// RasterConfig specifies a 2-D gridded variable to read from a NetCDF
// file, for example population counts.
type RasterConfig struct {
	LonVar, LatVar, Var string
	NormalizeLon        bool
}

// ReadRaster reads a variable with dimensions [lat, lon] from a NetCDF
// file, returning its lattice and values.
func ReadRaster(r cdf.ReaderWriterAt, size int64, c RasterConfig) (*overlap.Lattice, *sparse.DenseArray, error) {
	f, err := cdf.Open(r)
	if err != nil {
		return nil, nil, fmt.Errorf("source: opening netcdf file: %v", err)
	}
	l, err := readLattice(f, size, c.LonVar, c.LatVar, c.NormalizeLon)
	if err != nil {
		return nil, nil, err
	}
	vals, shape, err := readVar(f, size, c.Var)
	if err != nil {
		return nil, nil, err
	}
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[0] != l.Ny || shape[1] != l.Nx {
		return nil, nil, fmt.Errorf("source: raster %s has shape %v but should have shape [%d %d]", c.Var, shape, l.Ny, l.Nx)
	}
	a := sparse.ZerosDense(shape...)
	copy(a.Elements, vals)
	return l, a, nil
}

func readLattice(f *cdf.File, size int64, lonVar, latVar string, normalize bool) (*overlap.Lattice, error) {
	lon, _, err := readVar(f, size, lonVar)
	if err != nil {
		return nil, err
	}
	lat, _, err := readVar(f, size, latVar)
	if err != nil {
		return nil, err
	}
	l, err := overlap.NewLatticeFromCenters(lon, lat, normalize)
	if err != nil {
		return nil, fmt.Errorf("source: %v", err)
	}
	return l, nil
}

// readVar reads all the values of variable v, returning them as float64
// along with the variable's shape.
func readVar(f *cdf.File, size int64, v string) ([]float64, []int, error) {
	lengths := f.Header.Lengths(v)
	if lengths == nil {
		return nil, nil, &tempmort.MissingDataError{Variable: v, Cell: -1}
	}
	shape := make([]int, len(lengths))
	copy(shape, lengths)
	if f.Header.IsRecordVariable(v) {
		shape[0] = int(f.Header.NumRecs(size))
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n == 0 {
		return nil, shape, fmt.Errorf("source: variable %s has no values", v)
	}
	// The end index is inclusive.
	end := make([]int, len(shape))
	for i, d := range shape {
		end[i] = d - 1
	}
	r := f.Reader(v, nil, end)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, nil, fmt.Errorf("source: reading variable %s: %v", v, err)
	}
	var vals []float64
	switch b := buf.(type) {
	case []float32:
		vals = make([]float64, len(b))
		for i, x := range b {
			vals[i] = float64(x)
		}
	case []float64:
		vals = b
	case []int16:
		vals = make([]float64, len(b))
		for i, x := range b {
			vals[i] = float64(x)
		}
	case []int32:
		vals = make([]float64, len(b))
		for i, x := range b {
			vals[i] = float64(x)
		}
	case []uint8:
		vals = make([]float64, len(b))
		for i, x := range b {
			vals[i] = float64(x)
		}
	default:
		return nil, nil, fmt.Errorf("source: variable %s has unsupported type %T", v, buf)
	}

	var fills []float64
	for _, a := range []string{"_FillValue", "missing_value"} {
		if x, ok := attrFloat(f.Header, v, a); ok {
			fills = append(fills, x)
		}
	}
	scale, hasScale := attrFloat(f.Header, v, "scale_factor")
	offset, hasOffset := attrFloat(f.Header, v, "add_offset")
	for i, x := range vals {
		for _, fv := range fills {
			if x == fv || (fv != 0 && math.Abs((x-fv)/fv) < 1e-6) {
				x = math.NaN()
				break
			}
		}
		if hasScale {
			x *= scale
		}
		if hasOffset {
			x += offset
		}
		vals[i] = x
	}
	return vals, shape, nil
}

// attrFloat returns the first value of a numeric attribute.
func attrFloat(h *cdf.Header, v, a string) (float64, bool) {
	switch x := h.GetAttribute(v, a).(type) {
	case []float32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []float64:
		if len(x) > 0 {
			return x[0], true
		}
	case []int16:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	case []int32:
		if len(x) > 0 {
			return float64(x[0]), true
		}
	}
	return 0, false
}
