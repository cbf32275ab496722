package snowflake

import (
	"fmt"
	"strings"

	"github.com/ryanwith/melchi/pkg/warehouse"
)

// Stream metadata columns carried on every processing table row. ACTION is
// INSERT or DELETE; ISUPDATE folds a DELETE+INSERT pair into an update;
// ROW_ID is the stable row identifier used as the synthetic identity for
// keyless tables.
const (
	metaActionColumn   = `"METADATA$ACTION"`
	metaIsUpdateColumn = `"METADATA$ISUPDATE"`
	metaRowIDColumn    = `"METADATA$ROW_ID"`
	runIDColumn        = "etl_id"
)

// streamName returns the qualified stream name for a table, derived from
// database$schema$table so names never collide across databases.
func (s *Warehouse) streamName(table warehouse.TableRef) string {
	return fmt.Sprintf("%s.%s", s.changeTrackingSchema(), table.ChangeTrackingName())
}

// processingTableName returns the qualified processing table name.
func (s *Warehouse) processingTableName(table warehouse.TableRef) string {
	return s.streamName(table) + "_processing"
}

func (s *Warehouse) changeTrackingSchema() string {
	return fmt.Sprintf("%s.%s", s.cfg.ChangeTrackingDatabase, s.cfg.ChangeTrackingSchema)
}

// buildStreamDDL returns the statement sequence that creates a table's
// change tracking objects: the stream, a same-shaped processing table, and
// the action/ordering metadata columns the processing table carries on top
// of the source shape.
func buildStreamDDL(stream, processing string, table warehouse.TableRef, strategy warehouse.Strategy, replaceExisting bool) []string {
	appendOnly := "FALSE"
	if strategy == warehouse.AppendOnlyStream {
		appendOnly = "TRUE"
	}

	var createStream, createTable string
	if replaceExisting {
		createStream = fmt.Sprintf(
			"CREATE OR REPLACE STREAM %s ON TABLE %s SHOW_INITIAL_ROWS = TRUE APPEND_ONLY = %s;",
			stream, table, appendOnly)
		createTable = fmt.Sprintf("CREATE OR REPLACE TABLE %s LIKE %s;", processing, table)
	} else {
		createStream = fmt.Sprintf(
			"CREATE STREAM IF NOT EXISTS %s ON TABLE %s SHOW_INITIAL_ROWS = TRUE APPEND_ONLY = %s;",
			stream, table, appendOnly)
		createTable = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s LIKE %s;", processing, table)
	}

	return []string{
		createStream,
		createTable,
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s VARCHAR;", processing, metaActionColumn),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s VARCHAR;", processing, metaIsUpdateColumn),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s VARCHAR;", processing, metaRowIDColumn),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s VARCHAR;", processing, runIDColumn),
	}
}

// buildDrainSQL moves the stream's pending entries into the processing
// table under runID. Consuming the stream and landing the rows happen in
// one source-side transaction; draining without landing would lose changes.
func buildDrainSQL(stream, processing, runID string) string {
	return fmt.Sprintf("INSERT INTO %s SELECT *, '%s' FROM %s;", processing, runID, stream)
}

// buildPurgeCompletedSQL removes processing table rows left over from runs
// that already committed on the target but whose source-side cleanup never
// happened.
func buildPurgeCompletedSQL(processing string, completedRuns []string) string {
	quoted := make([]string, len(completedRuns))
	for i, id := range completedRuns {
		quoted[i] = "'" + strings.ReplaceAll(id, "'", "''") + "'"
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s);", processing, runIDColumn, strings.Join(quoted, ", "))
}

// buildDeleteQuery selects the identity keys of deleted rows. Synthetic
// identity columns fall back to the stream's stable row ID. Only called
// for tables with a resolved row identity; keyless tables use
// buildDeleteCountQuery instead.
func buildDeleteQuery(processing string, spec *warehouse.TableSpec) string {
	keyExprs := make([]string, len(spec.IdentityColumns))
	for i, k := range spec.IdentityColumns {
		if isSynthetic(spec, k) {
			keyExprs[i] = fmt.Sprintf("%s AS %s", metaRowIDColumn, k)
		} else {
			keyExprs[i] = k
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = 'DELETE';",
		strings.Join(keyExprs, ", "), processing, metaActionColumn)
}

// buildDeleteCountQuery counts deleted rows for tables with no row
// identity. Such a table has no key list to select; a non-zero count still
// has to surface as a delete record so the strategy check can reject it.
func buildDeleteCountQuery(processing string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = 'DELETE';", processing, metaActionColumn)
}

// buildInsertQuery selects inserted rows in column order plus the isupdate
// flag. The synthetic identity column, when present, is projected from the
// stream row ID.
func buildInsertQuery(processing string, spec *warehouse.TableSpec) string {
	exprs := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		if c.Synthetic {
			exprs = append(exprs, fmt.Sprintf("%s AS %s", metaRowIDColumn, c.Name))
		} else {
			exprs = append(exprs, c.Name)
		}
	}
	exprs = append(exprs, metaIsUpdateColumn)
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = 'INSERT';",
		strings.Join(exprs, ", "), processing, metaActionColumn)
}

// buildSnapshotQuery selects the full current source table for a full
// refresh.
func buildSnapshotQuery(spec *warehouse.TableSpec) string {
	cols := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		if !c.Synthetic {
			cols = append(cols, c.Name)
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s;", strings.Join(cols, ", "), spec.Source)
}

func isSynthetic(spec *warehouse.TableSpec, column string) bool {
	for _, c := range spec.Columns {
		if c.Name == column {
			return c.Synthetic
		}
	}
	return false
}
