package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

func TestParseTables(t *testing.T) {
	csv := `database,schema,table,cdc_type
SALES,PUBLIC,ORDERS,standard_stream
SALES,PUBLIC,EVENTS,append_only_stream
MARKETING,ANALYTICS,CAMPAIGNS,full_refresh
`
	entries, err := ParseTables(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, warehouse.TableRef{Database: "SALES", Schema: "PUBLIC", Table: "ORDERS"}, entries[0].Ref)
	assert.Equal(t, warehouse.StandardStream, entries[0].Strategy)
	assert.Equal(t, warehouse.AppendOnlyStream, entries[1].Strategy)
	assert.Equal(t, warehouse.FullRefresh, entries[2].Strategy)
}

func TestParseTablesBlankStrategyDefaults(t *testing.T) {
	csv := `database,schema,table,cdc_type
SALES,PUBLIC,ORDERS,
`
	entries, err := ParseTables(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, warehouse.StandardStream, entries[0].Strategy)
}

func TestParseTablesStripsBOMAndHeaderCase(t *testing.T) {
	csv := "\uFEFFDatabase,Schema,Table,CDC_Type\nSALES,PUBLIC,ORDERS,standard_stream\n"
	entries, err := ParseTables(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ORDERS", entries[0].Ref.Table)
}

func TestParseTablesMissingColumn(t *testing.T) {
	csv := `database,table,cdc_type
SALES,ORDERS,standard_stream
`
	_, err := ParseTables(strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"schema"`)
}

func TestParseTablesMissingValue(t *testing.T) {
	csv := `database,schema,table,cdc_type
SALES,,ORDERS,standard_stream
`
	_, err := ParseTables(strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 1")
}

func TestParseTablesInvalidStrategy(t *testing.T) {
	csv := `database,schema,table,cdc_type
SALES,PUBLIC,ORDERS,incremental
`
	_, err := ParseTables(strings.NewReader(csv))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestParseTablesEmptyList(t *testing.T) {
	csv := "database,schema,table,cdc_type\n"
	_, err := ParseTables(strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tables to transfer")
}

func TestParseTablesTargetCollision(t *testing.T) {
	// Two source databases with the same schema.table land on one flat
	// target name.
	csv := `database,schema,table,cdc_type
SALES,PUBLIC,ORDERS,standard_stream
ARCHIVE,public,orders,full_refresh
`
	_, err := ParseTables(strings.NewReader(csv))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
	assert.Contains(t, err.Error(), "same target table")
}

func TestParseTablesDuplicateEntry(t *testing.T) {
	csv := `database,schema,table,cdc_type
SALES,PUBLIC,ORDERS,standard_stream
sales,public,orders,standard_stream
`
	_, err := ParseTables(strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured twice")
}
