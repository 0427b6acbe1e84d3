// Package geo decodes and validates block boundary polygons.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	earthRadiusM     = 6371008.8
	squareMetersAcre = 4046.8564224
)

type Point struct {
	Lat float64
	Lng float64
}

// Polygon is a single outer ring. A valid ring is closed (first vertex equals
// last) and has at least three distinct vertices.
type Polygon struct {
	Ring []Point
}

// NewPolygon builds a polygon from vertices, closing the ring if needed.
func NewPolygon(points ...Point) *Polygon {
	ring := append([]Point(nil), points...)
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return &Polygon{Ring: ring}
}

func (p *Polygon) Valid() bool {
	if p == nil || len(p.Ring) < 4 {
		return false
	}
	if p.Ring[0] != p.Ring[len(p.Ring)-1] {
		return false
	}
	distinct := make(map[Point]struct{}, len(p.Ring))
	for _, pt := range p.Ring {
		if math.IsNaN(pt.Lat) || math.IsNaN(pt.Lng) || pt.Lat < -90 || pt.Lat > 90 || pt.Lng < -180 || pt.Lng > 180 {
			return false
		}
		distinct[pt] = struct{}{}
	}
	return len(distinct) >= 3
}

// Centroid returns the vertex average of the ring, ignoring the closing vertex.
func (p *Polygon) Centroid() Point {
	if p == nil || len(p.Ring) == 0 {
		return Point{}
	}
	pts := p.Ring
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	var c Point
	for _, pt := range pts {
		c.Lat += pt.Lat
		c.Lng += pt.Lng
	}
	c.Lat /= float64(len(pts))
	c.Lng /= float64(len(pts))
	return c
}

// AreaAcres approximates the ring area on a sphere.
func (p *Polygon) AreaAcres() float64 {
	if !p.Valid() {
		return 0
	}
	var sum float64
	for i := 0; i < len(p.Ring)-1; i++ {
		a, b := p.Ring[i], p.Ring[i+1]
		sum += toRad(b.Lng-a.Lng) * (2 + math.Sin(toRad(a.Lat)) + math.Sin(toRad(b.Lat)))
	}
	return math.Abs(sum*earthRadiusM*earthRadiusM/2) / squareMetersAcre
}

// Coordinates returns the ring in GeoJSON order: [[[lng, lat], ...]].
func (p *Polygon) Coordinates() [][][]float64 {
	ring := make([][]float64, len(p.Ring))
	for i, pt := range p.Ring {
		ring[i] = []float64{pt.Lng, pt.Lat}
	}
	return [][][]float64{ring}
}

// MarshalJSON encodes the polygon as a GeoJSON Polygon geometry.
func (p *Polygon) MarshalJSON() ([]byte, error) {
	return json.Marshal(geometry{Type: "Polygon", Coordinates: mustRaw(p.Coordinates())})
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometry    *geometry       `json:"geometry,omitempty"`
}

var ErrUnsupportedGeometry = errors.New("unsupported geometry")

// ParseGeoJSON decodes a Polygon, MultiPolygon (first polygon) or a Feature
// wrapping one of those. Only the outer ring is kept.
func ParseGeoJSON(data []byte) (*Polygon, error) {
	var g geometry
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	if g.Type == "Feature" {
		if g.Geometry == nil {
			return nil, fmt.Errorf("feature without geometry: %w", ErrUnsupportedGeometry)
		}
		g = *g.Geometry
	}

	var rings [][][]float64
	switch g.Type {
	case "Polygon":
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return nil, fmt.Errorf("decode polygon coordinates: %w", err)
		}
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err != nil {
			return nil, fmt.Errorf("decode multipolygon coordinates: %w", err)
		}
		if len(polys) > 0 {
			rings = polys[0]
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGeometry, g.Type)
	}
	if len(rings) == 0 {
		return nil, fmt.Errorf("empty polygon: %w", ErrUnsupportedGeometry)
	}

	poly := &Polygon{}
	for _, c := range rings[0] {
		if len(c) < 2 {
			return nil, fmt.Errorf("short coordinate %v: %w", c, ErrUnsupportedGeometry)
		}
		// GeoJSON is [lon, lat]
		poly.Ring = append(poly.Ring, Point{Lat: c[1], Lng: c[0]})
	}
	return poly, nil
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func mustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
