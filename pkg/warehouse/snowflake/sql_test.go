package snowflake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanwith/melchi/pkg/warehouse"
)

func ordersSpec() *warehouse.TableSpec {
	return &warehouse.TableSpec{
		Source:       warehouse.TableRef{Database: "SALES", Schema: "PUBLIC", Table: "ORDERS"},
		TargetSchema: "sales_public",
		TargetTable:  "orders",
		Strategy:     warehouse.StandardStream,
		Columns: []warehouse.ColumnSpec{
			{Name: "ID", SourceType: "NUMBER(38,0)", PrimaryKey: true, Position: 1},
			{Name: "AMOUNT", SourceType: "NUMBER(10,2)", Position: 2},
		},
		IdentityColumns: []string{"ID"},
	}
}

func keylessSpec() *warehouse.TableSpec {
	return &warehouse.TableSpec{
		Source:   warehouse.TableRef{Database: "SALES", Schema: "PUBLIC", Table: "EVENTS"},
		Strategy: warehouse.StandardStream,
		Columns: []warehouse.ColumnSpec{
			{Name: "PAYLOAD", SourceType: "VARIANT", Position: 1},
			{Name: "melchi_row_id", Synthetic: true, Position: 2},
		},
		IdentityColumns: []string{"melchi_row_id"},
	}
}

func TestBuildStreamDDL(t *testing.T) {
	spec := ordersSpec()
	stream := "MELCHI.STREAMS.SALES$PUBLIC$ORDERS"
	processing := stream + "_processing"

	stmts := buildStreamDDL(stream, processing, spec.Source, spec.Strategy, false)
	require.Len(t, stmts, 6)
	assert.Equal(t,
		"CREATE STREAM IF NOT EXISTS MELCHI.STREAMS.SALES$PUBLIC$ORDERS ON TABLE SALES.PUBLIC.ORDERS SHOW_INITIAL_ROWS = TRUE APPEND_ONLY = FALSE;",
		stmts[0])
	assert.Equal(t,
		"CREATE TABLE IF NOT EXISTS MELCHI.STREAMS.SALES$PUBLIC$ORDERS_processing LIKE SALES.PUBLIC.ORDERS;",
		stmts[1])
	assert.Contains(t, stmts[2], `"METADATA$ACTION"`)
	assert.Contains(t, stmts[5], "etl_id")
}

func TestBuildStreamDDLReplaceAndAppendOnly(t *testing.T) {
	spec := ordersSpec()
	spec.Strategy = warehouse.AppendOnlyStream

	stmts := buildStreamDDL("s", "p", spec.Source, spec.Strategy, true)
	assert.Contains(t, stmts[0], "CREATE OR REPLACE STREAM")
	assert.Contains(t, stmts[0], "APPEND_ONLY = TRUE")
	assert.Contains(t, stmts[1], "CREATE OR REPLACE TABLE")
}

func TestBuildDrainSQL(t *testing.T) {
	sql := buildDrainSQL("db.s.stream", "db.s.proc", "run-1")
	assert.Equal(t, "INSERT INTO db.s.proc SELECT *, 'run-1' FROM db.s.stream;", sql)
}

func TestBuildPurgeCompletedSQL(t *testing.T) {
	sql := buildPurgeCompletedSQL("db.s.proc", []string{"run-1", "run-2"})
	assert.Equal(t, "DELETE FROM db.s.proc WHERE etl_id IN ('run-1', 'run-2');", sql)
}

func TestBuildDeleteQueryNaturalKey(t *testing.T) {
	sql := buildDeleteQuery("proc", ordersSpec())
	assert.Equal(t, `SELECT ID FROM proc WHERE "METADATA$ACTION" = 'DELETE';`, sql)
}

func TestBuildDeleteQuerySyntheticKey(t *testing.T) {
	sql := buildDeleteQuery("proc", keylessSpec())
	assert.Equal(t, `SELECT "METADATA$ROW_ID" AS melchi_row_id FROM proc WHERE "METADATA$ACTION" = 'DELETE';`, sql)
}

func TestBuildInsertQuery(t *testing.T) {
	sql := buildInsertQuery("proc", keylessSpec())
	assert.Equal(t,
		`SELECT PAYLOAD, "METADATA$ROW_ID" AS melchi_row_id, "METADATA$ISUPDATE" FROM proc WHERE "METADATA$ACTION" = 'INSERT';`,
		sql)
}

func TestBuildSnapshotQuerySkipsSyntheticColumns(t *testing.T) {
	sql := buildSnapshotQuery(keylessSpec())
	assert.Equal(t, "SELECT PAYLOAD FROM SALES.PUBLIC.EVENTS;", sql)
}

func TestIdentityIndexes(t *testing.T) {
	idx, err := identityIndexes(ordersSpec())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, idx)

	bad := ordersSpec()
	bad.IdentityColumns = []string{"MISSING"}
	_, err = identityIndexes(bad)
	assert.Error(t, err)
}

func TestIsTrue(t *testing.T) {
	assert.True(t, isTrue("true"))
	assert.True(t, isTrue("TRUE"))
	assert.True(t, isTrue(true))
	assert.True(t, isTrue([]byte("true")))
	assert.False(t, isTrue("false"))
	assert.False(t, isTrue(nil))
}
