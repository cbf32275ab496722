package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ryanwith/melchi/pkg/warehouse"
)

func TestQualify(t *testing.T) {
	assert.Equal(t, `"sales_public"."orders"`, qualify("sales_public.orders"))
	assert.Equal(t, `"orders"`, qualify("orders"))
}

func TestSplitQualified(t *testing.T) {
	schema, table := splitQualified("sales_public.orders")
	assert.Equal(t, "sales_public", schema)
	assert.Equal(t, "orders", table)

	schema, table = splitQualified("orders")
	assert.Equal(t, "public", schema)
	assert.Equal(t, "orders", table)
}

func TestBuildCreateTable(t *testing.T) {
	spec := &warehouse.TableSpec{
		Source:       warehouse.TableRef{Database: "SALES", Schema: "PUBLIC", Table: "ORDERS"},
		TargetSchema: "sales_public",
		TargetTable:  "orders",
		Strategy:     warehouse.StandardStream,
		Columns: []warehouse.ColumnSpec{
			{Name: "id", TargetType: "NUMERIC(38,0)", PrimaryKey: true, Position: 1},
			{Name: "note", TargetType: "TEXT", Nullable: true, Position: 2},
			{Name: "amount", TargetType: "NUMERIC(10,2)", Position: 3},
		},
		IdentityColumns: []string{"id"},
	}

	sql := buildCreateTable(spec, false)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "sales_public"."orders" ("id" NUMERIC(38,0), "note" TEXT, "amount" NUMERIC(10,2) NOT NULL, PRIMARY KEY ("id"))`,
		sql)
}

func TestBuildUpsert(t *testing.T) {
	sql := buildUpsert("s.t", []string{"id", "v"}, []string{"id"}, 2)
	assert.Equal(t,
		`INSERT INTO "s"."t" ("id", "v") VALUES ($1, $2), ($3, $4) ON CONFLICT ("id") DO UPDATE SET "v" = excluded."v"`,
		sql)
}

func TestBuildUpsertAllKeyColumns(t *testing.T) {
	sql := buildUpsert("s.t", []string{"id"}, []string{"id"}, 1)
	assert.Contains(t, sql, "DO NOTHING")
}

func TestBuildDeleteByKeySingleColumn(t *testing.T) {
	sql := buildDeleteByKey("s.t", []string{"id"}, 3)
	assert.Equal(t, `DELETE FROM "s"."t" WHERE "id" IN ($1, $2, $3)`, sql)
}

func TestBuildDeleteByKeyComposite(t *testing.T) {
	sql := buildDeleteByKey("s.t", []string{"a", "b"}, 2)
	assert.Equal(t, `DELETE FROM "s"."t" WHERE ("a", "b") IN (($1, $2), ($3, $4))`, sql)
}

func TestRowChunkSize(t *testing.T) {
	assert.Equal(t, 30000, rowChunkSize(2))
	assert.Equal(t, 1, rowChunkSize(0))
}
