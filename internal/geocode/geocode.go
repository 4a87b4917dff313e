// Package geocode resolves a lat/lon pair to a coarse country/subdivision
// label, the only enrichment step between correlation and the analytical
// store. Country and first-level subdivision boundaries are loaded once at
// startup from a GeoJSON FeatureCollection and resolved by point-in-polygon
// test, since MaxMind-format databases only index IP ranges, not
// coordinates.
package geocode

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Geocoder resolves coordinates to a country code and subdivision name.
// Implementations must be safe for concurrent use; the correlation engine
// calls it from its single consumer goroutine only, but tests and
// alternative wiring may share one instance across goroutines.
type Geocoder interface {
	Lookup(lat, lon float64) (country, subdivision string, err error)
}

// boundary is one named polygon feature: either a country (subdivision
// empty) or a first-level subdivision within one.
type boundary struct {
	country     string
	subdivision string
	geometry    orb.Geometry
}

// BoundaryGeocoder resolves coordinates against an in-memory set of country
// and subdivision polygons.
type BoundaryGeocoder struct {
	boundaries []boundary
}

// LoadBoundaries reads a GeoJSON FeatureCollection whose features carry
// "iso_country" and optional "subdivision" string properties, and returns a
// Geocoder backed by point-in-polygon tests over them.
func LoadBoundaries(path string) (*BoundaryGeocoder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geocode: reading boundary file %s: %w", path, err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("geocode: parsing boundary geojson %s: %w", path, err)
	}

	g := &BoundaryGeocoder{boundaries: make([]boundary, 0, len(fc.Features))}
	for _, f := range fc.Features {
		country, _ := f.Properties["iso_country"].(string)
		if country == "" {
			continue
		}
		subdivision, _ := f.Properties["subdivision"].(string)
		g.boundaries = append(g.boundaries, boundary{
			country:     country,
			subdivision: subdivision,
			geometry:    f.Geometry,
		})
	}
	return g, nil
}

// Lookup implements Geocoder. Subdivision boundaries are tested before
// their enclosing country so a more specific match wins; the first
// matching country-only boundary otherwise supplies the country with an
// empty subdivision.
func (g *BoundaryGeocoder) Lookup(lat, lon float64) (string, string, error) {
	point := orb.Point{lon, lat}

	country := ""
	subdivision := ""
	for _, b := range g.boundaries {
		if !containsPoint(b.geometry, point) {
			continue
		}
		if b.subdivision != "" {
			return b.country, b.subdivision, nil
		}
		if country == "" {
			country = b.country
		}
	}
	if country == "" {
		return "", "", fmt.Errorf("geocode: no boundary contains %.5f,%.5f", lat, lon)
	}
	return country, subdivision, nil
}

func containsPoint(geom orb.Geometry, point orb.Point) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return polygonContains(g, point)
	case orb.MultiPolygon:
		for _, poly := range g {
			if polygonContains(poly, point) {
				return true
			}
		}
	}
	return false
}

func polygonContains(poly orb.Polygon, point orb.Point) bool {
	if len(poly) == 0 {
		return false
	}
	if !ringContains(poly[0], point) {
		return false
	}
	for _, hole := range poly[1:] {
		if ringContains(hole, point) {
			return false
		}
	}
	return true
}

// ringContains is a standard even-odd ray-casting point-in-polygon test
// over an orb.Ring's vertices.
func ringContains(ring orb.Ring, point orb.Point) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := ring[i], ring[j]
		intersects := (pi[1] > point[1]) != (pj[1] > point[1]) &&
			point[0] < (pj[0]-pi[0])*(point[1]-pi[1])/(pj[1]-pi[1])+pi[0]
		if intersects {
			inside = !inside
		}
	}
	return inside
}

// Unset is a no-op Geocoder returned when no boundary file is configured.
// It always reports "unknown" rather than failing the whole pipeline.
type Unset struct{}

// Lookup implements Geocoder.
func (Unset) Lookup(float64, float64) (string, string, error) {
	return "unknown", "unknown", nil
}
