package postgres

import (
	"fmt"
	"strings"

	"github.com/ryanwith/melchi/pkg/warehouse"
)

// quoteIdent quotes one identifier part.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// qualify renders the engine's "schema.table" name as a qualified, quoted
// Postgres name.
func qualify(table string) string {
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

// splitQualified returns the schema and table parts of a qualified name.
func splitQualified(table string) (string, string) {
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		return "public", table
	}
	return schema, name
}

func argPlaceholders(columns, rowCount int) string {
	rows := make([]string, rowCount)
	n := 1
	for i := range rows {
		args := make([]string, columns)
		for j := range args {
			args[j] = fmt.Sprintf("$%d", n)
			n++
		}
		rows[i] = "(" + strings.Join(args, ", ") + ")"
	}
	return strings.Join(rows, ", ")
}

// buildCreateTable renders the target table DDL with identity columns as
// the primary key.
func buildCreateTable(spec *warehouse.TableSpec, replaceExisting bool) string {
	defs := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		def := fmt.Sprintf("%s %s", quoteIdent(c.Name), c.TargetType)
		if !c.Nullable && !c.PrimaryKey && !c.Synthetic {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(spec.IdentityColumns) > 0 {
		keys := make([]string, len(spec.IdentityColumns))
		for i, k := range spec.IdentityColumns {
			keys[i] = quoteIdent(k)
		}
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(keys, ", ")))
	}

	clause := "CREATE TABLE IF NOT EXISTS"
	if replaceExisting {
		clause = "CREATE TABLE"
	}
	return fmt.Sprintf("%s %s (%s)", clause, qualify(spec.TargetName()), strings.Join(defs, ", "))
}

// buildUpsert renders a multi-row upsert keyed on the identity columns.
func buildUpsert(table string, columns, keyColumns []string, rowCount int) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	quotedKeys := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		quotedKeys[i] = quoteIdent(k)
	}

	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		isKey[k] = true
	}
	var sets []string
	for _, c := range columns {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
		}
	}

	conflict := fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", "))
	if len(sets) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(quotedKeys, ", "), strings.Join(sets, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
		qualify(table), strings.Join(quoted, ", "), argPlaceholders(len(columns), rowCount), conflict)
}

// buildDeleteByKey renders a batch delete matching identity tuples.
func buildDeleteByKey(table string, keyColumns []string, rowCount int) string {
	quotedKeys := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		quotedKeys[i] = quoteIdent(k)
	}
	if len(keyColumns) == 1 {
		args := make([]string, rowCount)
		for i := range args {
			args[i] = fmt.Sprintf("$%d", i+1)
		}
		return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			qualify(table), quotedKeys[0], strings.Join(args, ", "))
	}
	return fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (%s)",
		qualify(table), strings.Join(quotedKeys, ", "), argPlaceholders(len(keyColumns), rowCount))
}
