package sqlite

import (
	"fmt"
	"strings"

	"github.com/ryanwith/melchi/pkg/warehouse"
)

// SQLite has no schemas, so the qualified "schema.table" name the engine
// hands us becomes a single quoted identifier. maxBindVars stays well under
// the driver's bound-parameter limit.
const maxBindVars = 900

// quoteIdent quotes a name, dots included, as one SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// buildCreateTable renders the target table DDL. Identity columns become
// the primary key, which is also what makes native upsert work.
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
	return fmt.Sprintf("%s %s (%s)", clause, quoteIdent(spec.TargetName()), strings.Join(defs, ", "))
}

// buildInsert renders a multi-row INSERT for one chunk of rows.
func buildInsert(table string, columns []string, rowCount int) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	row := "(" + placeholders(len(columns)) + ")"
	rows := strings.TrimSuffix(strings.Repeat(row+", ", rowCount), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(table), strings.Join(quoted, ", "), rows)
}

// buildUpsert renders a multi-row INSERT .. ON CONFLICT upsert keyed on the
// identity columns. When every column is part of the key there is nothing
// to overwrite, so conflicts are ignored.
func buildUpsert(table string, columns, keyColumns []string, rowCount int) string {
	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		isKey[k] = true
	}

	quotedKeys := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		quotedKeys[i] = quoteIdent(k)
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
	return buildInsert(table, columns, rowCount) + " " + conflict
}

// buildDeleteByKey renders a delete for one chunk of identity keys. Single
// column keys use IN; composite keys use a disjunction of per-row matches.
func buildDeleteByKey(table string, keyColumns []string, rowCount int) string {
	if len(keyColumns) == 1 {
		return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			quoteIdent(table), quoteIdent(keyColumns[0]), placeholders(rowCount))
	}

	match := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		match[i] = fmt.Sprintf("%s = ?", quoteIdent(k))
	}
	group := "(" + strings.Join(match, " AND ") + ")"
	groups := make([]string, rowCount)
	for i := range groups {
		groups[i] = group
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table), strings.Join(groups, " OR "))
}

// rowChunkSize bounds rows per statement by the bind variable budget.
func rowChunkSize(columns int) int {
	if columns == 0 {
		return 1
	}
	n := maxBindVars / columns
	if n < 1 {
		n = 1
	}
	return n
}
