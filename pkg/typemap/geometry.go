package typemap

import (
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/ryanwith/melchi/pkg/errors"
)

// geoJSON is the subset of a GeoJSON geometry the converter reads.
type geoJSON struct {
	Type        string        `json:"type"`
	Coordinates []interface{} `json:"coordinates"`
}

// convertGeoJSONToWKT converts a GeoJSON geometry string, as emitted by
// source geospatial columns, to WKT text. Values already in WKT form pass
// through unchanged.
func convertGeoJSONToWKT(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	var raw string
	switch s := v.(type) {
	case string:
		raw = s
	case []byte:
		raw = string(s)
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "cannot convert %T to geometry", v)
	}

	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] != '{' {
		// already WKT
		return raw, nil
	}

	var geo geoJSON
	if err := gojson.Unmarshal([]byte(raw), &geo); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid GeoJSON value")
	}

	switch geo.Type {
	case "Point":
		if len(geo.Coordinates) != 2 {
			return nil, errors.Newf(errors.ErrorTypeData, "GeoJSON point with %d coordinates", len(geo.Coordinates))
		}
		return fmt.Sprintf("POINT(%v %v)", coord(geo.Coordinates[0]), coord(geo.Coordinates[1])), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "unsupported GeoJSON geometry type %q", geo.Type)
	}
}

// coord renders a coordinate without a trailing ".0" for whole numbers.
func coord(v interface{}) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
