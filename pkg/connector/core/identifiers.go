package core

import (
	"regexp"
	"strings"

	"github.com/omnisource/tessera/pkg/errors"
)

// identifierPattern admits conventional unquoted SQL identifiers only. Schema
// and table names arrive from stored metadata and API callers, so anything
// interpolated into SQL text must pass this gate first.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,127}$`)

// ValidateIdentifier rejects names unsafe to interpolate into SQL text.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return errors.Newf(errors.ErrorTypeValidation, "invalid identifier %q", name)
	}
	return nil
}

// QuoteIdentifier validates and double-quotes an identifier.
func QuoteIdentifier(name string) (string, error) {
	if err := ValidateIdentifier(name); err != nil {
		return "", err
	}
	return `"` + name + `"`, nil
}

// Column-name vocabularies for coordinate pair detection. Exact matches are
// preferred over suffix matches so "latitude" beats "deprecated_lat".
var (
	latNames = []string{"lat", "latitude", "y", "lat_y"}
	lngNames = []string{"lng", "lon", "longitude", "x", "lng_x", "lon_x"}

	// Geometry name hints match as substrings: source catalogs name spatial
	// columns "road_geom", "pickup_location", "building_footprint" and so on.
	geometryNameHints = []string{"geom", "location", "coordinate", "shape", "point", "polygon", "linestring"}

	geometryTypeNames = map[string]bool{
		"geometry":  true,
		"geography": true,
		"point":     true,
		"blob":      true,
	}
)

// HasGeometryNameHint reports whether a column name suggests geometry.
func HasGeometryNameHint(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range geometryNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// IsGeometryColumn reports whether a column likely carries geometry, by
// native type or by name hint.
func IsGeometryColumn(c ColumnMetadata) bool {
	return geometryTypeNames[strings.ToLower(c.NativeType)] || HasGeometryNameHint(c.Name)
}

// DetectGeometryColumn picks the most likely geometry column from table
// metadata. A column whose name hints at geometry wins; otherwise the first
// column with a geometry-like type.
func DetectGeometryColumn(cols []ColumnMetadata) string {
	for _, c := range cols {
		if HasGeometryNameHint(c.Name) {
			return c.Name
		}
	}
	for _, c := range cols {
		if geometryTypeNames[strings.ToLower(c.NativeType)] {
			return c.Name
		}
	}
	return ""
}

// DetectLatLngColumns finds a latitude/longitude column pair. Both must
// resolve or neither is returned.
func DetectLatLngColumns(cols []ColumnMetadata) (lat, lng string) {
	lat = matchColumn(cols, latNames)
	lng = matchColumn(cols, lngNames)
	if lat == "" || lng == "" {
		return "", ""
	}
	return lat, lng
}

func matchColumn(cols []ColumnMetadata, vocab []string) string {
	for _, name := range vocab {
		for _, c := range cols {
			if strings.EqualFold(c.Name, name) {
				return c.Name
			}
		}
	}
	for _, name := range vocab {
		for _, c := range cols {
			if strings.HasSuffix(strings.ToLower(c.Name), "_"+name) {
				return c.Name
			}
		}
	}
	return ""
}
