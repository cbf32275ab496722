package typemap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanwith/melchi/pkg/errors"
)

func mapper(t *testing.T, dialect string) *Mapper {
	t.Helper()
	m, err := For(dialect)
	require.NoError(t, err)
	return m
}

func TestForUnknownDialect(t *testing.T) {
	_, err := For("duckdb")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestMapNumberSQLite(t *testing.T) {
	m := mapper(t, "sqlite")

	cases := []struct {
		sourceType string
		targetType string
	}{
		{"NUMBER(9,0)", "INTEGER"},
		{"NUMBER(18,0)", "INTEGER"},
		// Wider than int64 or scaled: canonical decimal text, because
		// SQLite numeric affinity would coerce to float.
		{"NUMBER(38,0)", "TEXT"},
		{"NUMBER(10,2)", "TEXT"},
		{"DECIMAL(5,2)", "TEXT"},
		{"INTEGER", "TEXT"},
	}
	for _, tc := range cases {
		mapping, err := m.Map(tc.sourceType)
		require.NoError(t, err, tc.sourceType)
		assert.Equal(t, tc.targetType, mapping.TargetType, tc.sourceType)
	}
}

func TestMapNumberPostgres(t *testing.T) {
	m := mapper(t, "postgres")

	mapping, err := m.Map("NUMBER(38,2)")
	require.NoError(t, err)
	assert.Equal(t, "NUMERIC(38,2)", mapping.TargetType)

	mapping, err = m.Map("NUMBER")
	require.NoError(t, err)
	assert.Equal(t, "NUMERIC(38,0)", mapping.TargetType)
}

func TestMapTextAndBasicTypes(t *testing.T) {
	m := mapper(t, "sqlite")

	for _, sourceType := range []string{"VARCHAR(255)", "CHAR(10)", "STRING", "TEXT"} {
		mapping, err := m.Map(sourceType)
		require.NoError(t, err, sourceType)
		assert.Equal(t, "TEXT", mapping.TargetType)
	}

	mapping, err := m.Map("BOOLEAN")
	require.NoError(t, err)
	assert.Equal(t, "BOOLEAN", mapping.TargetType)

	mapping, err = m.Map("FLOAT")
	require.NoError(t, err)
	assert.Equal(t, "REAL", mapping.TargetType)

	mapping, err = m.Map("BINARY(16)")
	require.NoError(t, err)
	assert.Equal(t, "BLOB", mapping.TargetType)
}

func TestMapTimestampsSQLite(t *testing.T) {
	m := mapper(t, "sqlite")

	mapping, err := m.Map("TIMESTAMP_TZ(9)")
	require.NoError(t, err)
	assert.Equal(t, "TEXT", mapping.TargetType)

	// Instants are normalized to UTC.
	in := time.Date(2026, 3, 1, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	out, err := mapping.Convert(in)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T09:30:00Z", out)

	// Wall-clock values are carried through verbatim.
	mapping, err = m.Map("TIMESTAMP_NTZ(9)")
	require.NoError(t, err)
	out, err = mapping.Convert("2026-03-01 10:30:00")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01 10:30:00", out)
}

func TestMapTimestampsPostgres(t *testing.T) {
	m := mapper(t, "postgres")

	mapping, err := m.Map("TIMESTAMP_TZ(9)")
	require.NoError(t, err)
	assert.Equal(t, "TIMESTAMPTZ", mapping.TargetType)

	mapping, err = m.Map("TIMESTAMP_NTZ(9)")
	require.NoError(t, err)
	assert.Equal(t, "TIMESTAMP(6)", mapping.TargetType)

	mapping, err = m.Map("TIMESTAMP_NTZ(3)")
	require.NoError(t, err)
	assert.Equal(t, "TIMESTAMP(3)", mapping.TargetType)
}

func TestMapSemiStructured(t *testing.T) {
	sqlite := mapper(t, "sqlite")
	postgres := mapper(t, "postgres")

	for _, sourceType := range []string{"VARIANT", "OBJECT", "ARRAY"} {
		mapping, err := sqlite.Map(sourceType)
		require.NoError(t, err, sourceType)
		assert.Equal(t, "TEXT", mapping.TargetType)
		assert.Equal(t, ClassSemiStructured, mapping.Class)

		mapping, err = postgres.Map(sourceType)
		require.NoError(t, err, sourceType)
		assert.Equal(t, "JSONB", mapping.TargetType)
	}
}

func TestMapGeospatial(t *testing.T) {
	m := mapper(t, "sqlite")
	for _, sourceType := range []string{"GEOGRAPHY", "GEOMETRY"} {
		mapping, err := m.Map(sourceType)
		require.NoError(t, err, sourceType)
		assert.Equal(t, ClassGeospatial, mapping.Class)
	}
}

func TestMapUnknownType(t *testing.T) {
	m := mapper(t, "sqlite")
	_, err := m.Map("HYPERLOGLOG")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedType))
}

func TestSplitType(t *testing.T) {
	base, args := splitType("NUMBER(38,2)")
	assert.Equal(t, "NUMBER", base)
	assert.Equal(t, []string{"38", "2"}, args)

	base, args = splitType("varchar")
	assert.Equal(t, "VARCHAR", base)
	assert.Nil(t, args)

	base, args = splitType(" timestamp_tz(9) ")
	assert.Equal(t, "TIMESTAMP_TZ", base)
	assert.Equal(t, []string{"9"}, args)
}

func TestConvertInteger(t *testing.T) {
	out, err := convertInteger(int64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	out, err = convertInteger("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	out, err = convertInteger(float64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	_, err = convertInteger(float64(42.5))
	require.Error(t, err)

	out, err = convertInteger(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestConvertDecimalIsCanonicalText(t *testing.T) {
	out, err := convertDecimal(" 12.340 ")
	require.NoError(t, err)
	assert.Equal(t, "12.340", out)

	out, err = convertDecimal(int64(7))
	require.NoError(t, err)
	assert.Equal(t, "7", out)

	out, err = convertDecimal(float64(0.1))
	require.NoError(t, err)
	assert.Equal(t, "0.1", out)
}

func TestConvertJSONCanonicalizes(t *testing.T) {
	out, err := convertJSON(`{"b": 1, "a": 2}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2,"b":1}`, out.(string))

	_, err = convertJSON("{not json")
	require.Error(t, err)

	out, err = convertJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestConvertGeoJSONPointToWKT(t *testing.T) {
	out, err := convertGeoJSONToWKT(`{"type": "Point", "coordinates": [-122.35, 37.55]}`)
	require.NoError(t, err)
	assert.Equal(t, "POINT(-122.35 37.55)", out)

	// Non-GeoJSON text passes through untouched.
	out, err = convertGeoJSONToWKT("POINT(1 2)")
	require.NoError(t, err)
	assert.Equal(t, "POINT(1 2)", out)
}
