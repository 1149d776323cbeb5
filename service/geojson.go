package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"
)

// UnmarshalGeometry, merging featureCollections and geometryCollections into a multipolygon
func UnmarshalGeometry(data []byte) (_ geom.Geometry, err error) {
	var g geojson.Geometry
	if err := g.UnmarshalJSON(data); err != nil {
		return g.Geometry, err
	}
	switch geo := g.Geometry.(type) {
	case geojson.FeatureCollection:
		var mp geom.MultiPolygon
		for _, f := range geo.Features {
			if err := mergeMultiPolygons(f.Geometry.Geometry, &mp); err != nil {
				return nil, err
			}
		}
		return mp, nil
	case geojson.Feature:
		return geo.Geometry.Geometry, nil
	default:
		return g.Geometry, nil
	}
}

func mergeMultiPolygons(g geom.Geometry, mp *geom.MultiPolygon) error {
	switch g := g.(type) {
	case geom.MultiPolygon:
		*mp = append(*mp, g.Polygons()...)
	case geom.Polygon:
		*mp = append(*mp, g.LinearRings())
	case geom.Collection:
		for _, g := range g.Geometries() {
			if err := mergeMultiPolygons(g, mp); err != nil {
				return err
			}
		}
	}
	return nil
}

// GeometryToWKT parses a geometry, given either in WKT or in GeoJSON, and returns its WKT.
func GeometryToWKT(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("GeometryToWKT: empty geometry")
	}
	var g geom.Geometry
	var err error
	if strings.HasPrefix(s, "{") {
		g, err = UnmarshalGeometry([]byte(s))
	} else {
		g, err = wkt.DecodeString(s)
	}
	if err != nil {
		return "", fmt.Errorf("GeometryToWKT: %w", err)
	}
	if g == nil {
		return "", fmt.Errorf("GeometryToWKT: no geometry found")
	}
	res, err := wkt.EncodeString(g)
	if err != nil {
		return "", fmt.Errorf("GeometryToWKT.Encode: %w", err)
	}
	return res, nil
}

// ReadGeometry reads a geometry from a file (WKT or GeoJSON) and returns its WKT.
func ReadGeometry(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ReadGeometry: %w", err)
	}
	return GeometryToWKT(string(bytes.TrimSpace(b)))
}

func ToJSON(v interface{}, workingdir, filename string) error {
	if workingdir != "" {
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("toJSON.Marshal: %w", err)
		}
		if err := os.WriteFile(filepath.Join(workingdir, filename), vb, 0644); err != nil {
			return fmt.Errorf("toJSON.WriteFile: %w", err)
		}
	}
	return nil
}
