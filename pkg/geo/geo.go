// Package geo normalizes the geometry encodings encountered across source
// databases into go-geom values, and derives the spatial artifacts the sink
// needs from them: WKB payloads, centroids, and hexagonal index cells.
package geo

import (
	"database/sql/driver"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geom/encoding/wkbhex"
	"github.com/twpayne/go-geom/encoding/wkt"
	"github.com/twpayne/go-geom/xy"
	"github.com/uber/h3-go/v4"
)

// Convert attempts to interpret a raw column value as a geometry. It accepts
// the encodings sources actually hand back: WKB/EWKB byte slices, hex-encoded
// WKB/EWKB strings, WKT strings, already-decoded geometries, and opaque
// driver wrappers. Returns false when the value cannot be interpreted.
func Convert(raw interface{}) (geom.T, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, false
	case geom.T:
		return v, true
	case []byte:
		if g, err := wkb.Unmarshal(v); err == nil {
			return g, true
		}
		if g, err := ewkb.Unmarshal(v); err == nil {
			return g, true
		}
		return nil, false
	case string:
		return convertString(v)
	case driver.Valuer:
		inner, err := v.Value()
		if err != nil || inner == nil {
			return nil, false
		}
		return Convert(inner)
	default:
		return nil, false
	}
}

// convertString decides between hex-encoded binary and WKT. PostGIS hex
// output always starts with the byte-order marker 00 or 01, which no WKT
// geometry keyword can produce.
func convertString(s string) (geom.T, bool) {
	if looksLikeHex(s) {
		if g, err := ewkbhex.Decode(s); err == nil {
			return g, true
		}
		if g, err := wkbhex.Decode(s); err == nil {
			return g, true
		}
		return nil, false
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, false
	}
	return g, true
}

func looksLikeHex(s string) bool {
	if len(s) < 2 {
		return false
	}
	if s[0] != '0' && s[0] != '1' {
		return false
	}
	return isHexDigit(s[1])
}

func isHexDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}

// FromLatLng builds a point geometry from separate latitude and longitude
// column values. Longitude is the X ordinate. Returns false when either
// value is absent, not numeric, or not finite.
func FromLatLng(lat, lng interface{}) (geom.T, bool) {
	latF, ok := toFloat(lat)
	if !ok {
		return nil, false
	}
	lngF, ok := toFloat(lng)
	if !ok {
		return nil, false
	}
	if !isFinite(latF) || !isFinite(lngF) {
		return nil, false
	}
	p := geom.NewPoint(geom.XY).MustSetCoords(geom.Coord{lngF, latF})
	return p, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// MarshalWKB serializes a geometry as little-endian WKB, the form the sink
// passes to ST_GeomFromWKB.
func MarshalWKB(g geom.T) ([]byte, error) {
	return wkb.Marshal(g, wkb.NDR)
}

// Centroid returns the representative point of a geometry as (lat, lng).
// Degenerate inputs that defeat the area-weighted computation fall back to
// the center of the bounding box.
func Centroid(g geom.T) (lat, lng float64) {
	if c, err := xy.Centroid(g); err == nil && len(c) >= 2 {
		return c[1], c[0]
	}
	b := g.Bounds()
	return (b.Min(1) + b.Max(1)) / 2, (b.Min(0) + b.Max(0)) / 2
}

// IndexCells computes the hexagonal index cell containing the geometry's
// centroid at each requested resolution.
func IndexCells(g geom.T, resolutions []int) []h3.Cell {
	lat, lng := Centroid(g)
	ll := h3.NewLatLng(lat, lng)
	cells := make([]h3.Cell, 0, len(resolutions))
	for _, res := range resolutions {
		cells = append(cells, h3.LatLngToCell(ll, res))
	}
	return cells
}

// Envelope is an axis-aligned bounding box in lng/lat order.
type Envelope struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// NewEnvelope builds an envelope from explicit bounds.
func NewEnvelope(minX, minY, maxX, maxY float64) *Envelope {
	return &Envelope{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// EnvelopeOf returns the bounding box of a geometry.
func EnvelopeOf(g geom.T) *Envelope {
	b := g.Bounds()
	return &Envelope{MinX: b.Min(0), MinY: b.Min(1), MaxX: b.Max(0), MaxY: b.Max(1)}
}

// Intersects reports whether two envelopes overlap. Touching edges count
// as an intersection.
func (e *Envelope) Intersects(o *Envelope) bool {
	if e == nil || o == nil {
		return false
	}
	return e.MinX <= o.MaxX && e.MaxX >= o.MinX && e.MinY <= o.MaxY && e.MaxY >= o.MinY
}

// IntersectsGeom reports whether the envelope overlaps a geometry's bounds.
func (e *Envelope) IntersectsGeom(g geom.T) bool {
	if e == nil || g == nil {
		return false
	}
	return e.Intersects(EnvelopeOf(g))
}

// Extend grows the envelope to cover another envelope.
func (e *Envelope) Extend(o *Envelope) {
	if o == nil {
		return
	}
	if o.MinX < e.MinX {
		e.MinX = o.MinX
	}
	if o.MinY < e.MinY {
		e.MinY = o.MinY
	}
	if o.MaxX > e.MaxX {
		e.MaxX = o.MaxX
	}
	if o.MaxY > e.MaxY {
		e.MaxY = o.MaxY
	}
}
