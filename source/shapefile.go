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
	"fmt"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/spatialmodel/tempmort"
	"github.com/spatialmodel/tempmort/overlap"
)

// RegionConfig specifies how regions are read from a shapefile.
type RegionConfig struct {
	// StateField and CountyField are the names of the attribute fields
	// holding the state and county codes that make up the region ID.
	StateField, CountyField string

	// IDField, if set, holds a combined five-digit FIPS code that is
	// used as the region ID instead of StateField and CountyField. Codes
	// are zero-padded in the same way as the entity columns of tables.
	IDField string

	// SR is the spatial reference that the regions are projected to.
	// If nil, the regions are not projected.
	SR *proj.SR
}

// ReadRegions reads the polygons in the shapefile at path. Records that
// share an ID are combined into one multi-part region. Regions are
// returned in the order their IDs first appear.
func ReadRegions(path string, c RegionConfig) ([]overlap.Region, error) {
	f, err := shp.NewDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("source: opening shapefile: %v", err)
	}
	defer f.Close()

	var trans proj.Transformer
	if c.SR != nil {
		sr, err := f.SR()
		if err != nil {
			return nil, fmt.Errorf("source: reading shapefile projection: %v", err)
		}
		trans, err = sr.NewTransform(c.SR)
		if err != nil {
			return nil, fmt.Errorf("source: shapefile projection: %v", err)
		}
	}

	fields := []string{c.StateField, c.CountyField}
	if c.IDField != "" {
		fields = []string{c.IDField}
	}
	index := make(map[string]int)
	var ids []string
	var parts [][]geom.Polygon
	for {
		g, vals, more := f.DecodeRowFields(fields...)
		if !more {
			break
		}
		var id string
		if c.IDField != "" {
			id, err = tempmort.NormalizeFIPS(trim(vals[c.IDField]))
			if err != nil {
				return nil, fmt.Errorf("source: shapefile record %s: %v", c.IDField, err)
			}
		} else {
			id, err = tempmort.FIPS(trim(vals[c.StateField]), trim(vals[c.CountyField]))
			if err != nil {
				return nil, fmt.Errorf("source: shapefile record: %v", err)
			}
		}
		if g == nil {
			continue
		}
		if trans != nil {
			g, err = g.Transform(trans)
			if err != nil {
				return nil, fmt.Errorf("source: projecting region %s: %v", id, err)
			}
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, &tempmort.GeometryError{RegionID: id, Reason: fmt.Sprintf("geometry type %T is not polygonal", g)}
		}
		i, ok := index[id]
		if !ok {
			i = len(ids)
			index[id] = i
			ids = append(ids, id)
			parts = append(parts, nil)
		}
		parts[i] = append(parts[i], p.Polygons()...)
	}
	if err := f.Error(); err != nil {
		return nil, fmt.Errorf("source: reading shapefile: %v", err)
	}

	regions := make([]overlap.Region, len(ids))
	for i, id := range ids {
		regions[i].ID = id
		if len(parts[i]) == 1 {
			regions[i].Polygonal = parts[i][0]
		} else {
			regions[i].Polygonal = geom.MultiPolygon(parts[i])
		}
	}
	return regions, nil
}

func trim(s string) string { return strings.Trim(s, "\x00 ") }
