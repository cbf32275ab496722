// Package typemap maps source warehouse column types to target column types
// and value conversion rules.
//
// Mapping is a pure function of the declared source type and the target
// dialect. Unknown source types fail with an unsupported_type error at setup
// time, never silently at apply time. Precision and scale are carried
// through exactly; the mapper never chooses a lossy representation.
//
// Timezone policy: TIMESTAMP_TZ and TIMESTAMP_LTZ instants are normalized
// to UTC at conversion. TIMESTAMP_NTZ wall-clock values are carried through
// verbatim.
package typemap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ryanwith/melchi/pkg/errors"
)

// Class categorizes a mapped type for strategy compatibility checks.
type Class int

const (
	ClassScalar Class = iota
	ClassSemiStructured
	// ClassGeospatial types are representable under full-table-copy
	// strategies but cannot be emitted by standard source change streams;
	// pairing one with standard_stream is a configuration error.
	ClassGeospatial
)

// Converter normalizes a driver value into the form the target adapter
// binds. A nil input always converts to nil.
type Converter func(v interface{}) (interface{}, error)

// Mapping is the result of mapping one source type.
type Mapping struct {
	TargetType string
	Class      Class
	Convert    Converter
}

// Mapper maps source types for one target dialect.
type Mapper struct {
	dialect string
}

// For returns the mapper for a target dialect.
func For(dialect string) (*Mapper, error) {
	switch dialect {
	case "sqlite", "postgres":
		return &Mapper{dialect: dialect}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfiguration, "no type mappings for target dialect %q", dialect)
	}
}

// Dialect returns the target dialect this mapper serves.
func (m *Mapper) Dialect() string {
	return m.dialect
}

// Map maps a declared source type, e.g. "NUMBER(38,2)" or "TIMESTAMP_TZ(9)",
// to a target column type and conversion rule.
func (m *Mapper) Map(sourceType string) (Mapping, error) {
	base, args := splitType(sourceType)

	switch base {
	case "VARCHAR", "CHAR", "CHARACTER", "STRING", "TEXT":
		return Mapping{TargetType: "TEXT", Convert: convertText}, nil

	case "NUMBER", "DECIMAL", "NUMERIC":
		precision, scale := 38, 0
		if len(args) > 0 {
			precision, _ = strconv.Atoi(args[0])
		}
		if len(args) > 1 {
			scale, _ = strconv.Atoi(args[1])
		}
		return m.mapNumber(precision, scale), nil

	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "BYTEINT":
		return m.mapNumber(38, 0), nil

	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "REAL":
		if m.dialect == "postgres" {
			return Mapping{TargetType: "DOUBLE PRECISION", Convert: convertFloat}, nil
		}
		return Mapping{TargetType: "REAL", Convert: convertFloat}, nil

	case "BOOLEAN":
		return Mapping{TargetType: "BOOLEAN", Convert: convertBool}, nil

	case "DATE":
		if m.dialect == "postgres" {
			return Mapping{TargetType: "DATE", Convert: convertDate}, nil
		}
		return Mapping{TargetType: "TEXT", Convert: convertDateText}, nil

	case "TIME":
		if m.dialect == "postgres" {
			return Mapping{TargetType: "TIME", Convert: convertText}, nil
		}
		return Mapping{TargetType: "TEXT", Convert: convertText}, nil

	case "TIMESTAMP_TZ", "TIMESTAMP_LTZ":
		if m.dialect == "postgres" {
			return Mapping{TargetType: "TIMESTAMPTZ", Convert: convertTimestampUTC}, nil
		}
		return Mapping{TargetType: "TEXT", Convert: convertTimestampUTCText}, nil

	case "TIMESTAMP", "TIMESTAMP_NTZ", "DATETIME":
		if m.dialect == "postgres" {
			precision := 9
			if len(args) > 0 {
				precision, _ = strconv.Atoi(args[0])
			}
			if precision > 6 {
				precision = 6
			}
			return Mapping{TargetType: fmt.Sprintf("TIMESTAMP(%d)", precision), Convert: convertTimestampNaive}, nil
		}
		return Mapping{TargetType: "TEXT", Convert: convertTimestampNaiveText}, nil

	case "BINARY", "VARBINARY":
		if m.dialect == "postgres" {
			return Mapping{TargetType: "BYTEA", Convert: convertBinary}, nil
		}
		return Mapping{TargetType: "BLOB", Convert: convertBinary}, nil

	case "VARIANT", "OBJECT", "ARRAY":
		if m.dialect == "postgres" {
			return Mapping{TargetType: "JSONB", Class: ClassSemiStructured, Convert: convertJSON}, nil
		}
		return Mapping{TargetType: "TEXT", Class: ClassSemiStructured, Convert: convertJSON}, nil

	case "VECTOR":
		// stored as a JSON array of the element type
		return Mapping{TargetType: "TEXT", Class: ClassSemiStructured, Convert: convertJSON}, nil

	case "GEOGRAPHY", "GEOMETRY":
		return Mapping{TargetType: "TEXT", Class: ClassGeospatial, Convert: convertGeoJSONToWKT}, nil
	}

	return Mapping{}, errors.Newf(errors.ErrorTypeUnsupportedType,
		"no %s mapping for source type %q", m.dialect, sourceType)
}

// mapNumber picks a target numeric type that preserves precision and scale
// exactly. SQLite numeric affinity coerces to float, so wide or scaled
// decimals land as canonical decimal text there.
func (m *Mapper) mapNumber(precision, scale int) Mapping {
	if m.dialect == "postgres" {
		return Mapping{
			TargetType: fmt.Sprintf("NUMERIC(%d,%d)", precision, scale),
			Convert:    convertDecimal,
		}
	}
	if scale == 0 && precision <= 18 {
		return Mapping{TargetType: "INTEGER", Convert: convertInteger}
	}
	return Mapping{TargetType: "TEXT", Convert: convertDecimal}
}

// splitType breaks "NUMBER(38,2)" into "NUMBER" and ["38", "2"].
func splitType(sourceType string) (string, []string) {
	t := strings.ToUpper(strings.TrimSpace(sourceType))
	open := strings.IndexByte(t, '(')
	if open < 0 {
		return t, nil
	}
	base := strings.TrimSpace(t[:open])
	inner := strings.TrimSuffix(t[open+1:], ")")
	parts := strings.Split(inner, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		args = append(args, strings.TrimSpace(p))
	}
	return base, args
}

const (
	naiveTimestampLayout = "2006-01-02 15:04:05.999999999"
	dateLayout           = "2006-01-02"
)

func convertText(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func convertInteger(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, errors.Newf(errors.ErrorTypeData, "non-integral value %v for integer column", n)
		}
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid integer value")
		}
		return parsed, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "cannot convert %T to integer", v)
	}
}

// convertDecimal produces a canonical decimal string so values round-trip
// without floating point truncation.
func convertDecimal(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.TrimSpace(n), nil
	case []byte:
		return strings.TrimSpace(string(n)), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case int:
		return strconv.Itoa(n), nil
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func convertFloat(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid float value")
		}
		return parsed, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "cannot convert %T to float", v)
	}
}

func convertBool(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return b, nil
	case int64:
		return b != 0, nil
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(b)))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid boolean value")
		}
		return parsed, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "cannot convert %T to boolean", v)
	}
}

func toTime(v interface{}) (time.Time, bool, error) {
	switch t := v.(type) {
	case time.Time:
		return t, true, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, naiveTimestampLayout, dateLayout} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true, nil
			}
		}
		return time.Time{}, false, errors.Newf(errors.ErrorTypeData, "unparseable timestamp %q", s)
	default:
		return time.Time{}, false, errors.Newf(errors.ErrorTypeData, "cannot convert %T to timestamp", v)
	}
}

func convertTimestampUTC(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, _, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t.UTC(), nil
}

func convertTimestampUTCText(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, _, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t.UTC().Format(time.RFC3339Nano), nil
}

// convertTimestampNaive preserves the wall clock exactly; no timezone shift
// is applied to NTZ values.
func convertTimestampNaive(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, _, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func convertTimestampNaiveText(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	t, _, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t.Format(naiveTimestampLayout), nil
}

func convertDate(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	t, _, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func convertDateText(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	t, _, err := toTime(v)
	if err != nil {
		return nil, err
	}
	return t.Format(dateLayout), nil
}

func convertBinary(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "cannot convert %T to binary", v)
	}
}

// convertJSON re-encodes semi-structured values as compact canonical JSON
// text.
func convertJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	var decoded interface{}
	switch s := v.(type) {
	case string:
		if err := gojson.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid JSON value")
		}
	case []byte:
		if err := gojson.Unmarshal(s, &decoded); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid JSON value")
		}
	default:
		decoded = v
	}
	encoded, err := gojson.Marshal(decoded)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "cannot encode JSON value")
	}
	return string(encoded), nil
}
