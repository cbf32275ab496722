package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	sqlite "modernc.org/sqlite"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/metadata"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// SQLITE_BUSY and SQLITE_LOCKED primary result codes. Extended codes carry
// the primary code in the low byte.
const (
	busyCode   = 5
	lockedCode = 6
)

// writeError wraps a write failure, classifying lock contention from a
// concurrent writer as a timeout so the engine's retry loop picks it up.
func writeError(err error, msg string) error {
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		switch se.Code() & 0xff {
		case busyCode, lockedCode:
			return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
		}
	}
	return errors.Wrap(err, errors.ErrorTypeTargetWrite, msg)
}

// sqliteTx is one target transaction. All apply work and the metadata
// writes for a table share one sqliteTx, so the commit below is the
// engine's consistency boundary.
type sqliteTx struct {
	tx        *sql.Tx
	warehouse *Warehouse
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return writeError(err, "failed to commit target transaction")
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to roll back target transaction")
	}
	return nil
}

func (t *sqliteTx) TruncateTable(ctx context.Context, table string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(table)); err != nil {
		return writeError(err, fmt.Sprintf("failed to truncate target table %s", table))
	}
	return nil
}

func (t *sqliteTx) BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) error {
	chunk := rowChunkSize(len(columns))
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]
		args := flatten(part)
		if _, err := t.tx.ExecContext(ctx, buildInsert(table, columns, len(part)), args...); err != nil {
			return writeError(err, fmt.Sprintf("failed to insert %d rows into %s", len(part), table))
		}
	}
	return nil
}

func (t *sqliteTx) Upsert(ctx context.Context, table string, columns, keyColumns []string, rows [][]interface{}) error {
	chunk := rowChunkSize(len(columns))
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]
		args := flatten(part)
		if _, err := t.tx.ExecContext(ctx, buildUpsert(table, columns, keyColumns, len(part)), args...); err != nil {
			return writeError(err, fmt.Sprintf("failed to upsert %d rows into %s", len(part), table))
		}
	}
	return nil
}

func (t *sqliteTx) DeleteByKey(ctx context.Context, table string, keyColumns []string, keys [][]interface{}) error {
	chunk := rowChunkSize(len(keyColumns))
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]
		args := flatten(part)
		if _, err := t.tx.ExecContext(ctx, buildDeleteByKey(table, keyColumns, len(part)), args...); err != nil {
			return writeError(err, fmt.Sprintf("failed to delete %d rows from %s", len(part), table))
		}
	}
	return nil
}

// WriteSyncRecord upserts the captured table row and its schema snapshot.
// created_at survives reruns; everything else reflects the latest sync.
func (t *sqliteTx) WriteSyncRecord(ctx context.Context, rec *warehouse.SyncRecord) error {
	identityJSON, err := gojson.Marshal(rec.IdentityColumns)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot encode identity columns")
	}
	snapshot, err := metadata.EncodeSnapshot(rec.Columns)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var lastSyncAt interface{}
	if !rec.LastSyncAt.IsZero() {
		lastSyncAt = rec.LastSyncAt.UTC().Format(time.RFC3339Nano)
	}

	captured := fmt.Sprintf(`INSERT INTO %s
		(table_database, table_schema, table_name, target_schema, target_table,
		 cdc_type, identity_columns, fingerprint, created_at, last_sync_at, last_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_database, table_schema, table_name) DO UPDATE SET
		 target_schema = excluded.target_schema,
		 target_table = excluded.target_table,
		 cdc_type = excluded.cdc_type,
		 identity_columns = excluded.identity_columns,
		 fingerprint = excluded.fingerprint,
		 last_sync_at = excluded.last_sync_at,
		 last_run_id = excluded.last_run_id`,
		t.warehouse.metaTable(metadata.CapturedTablesTable))
	_, err = t.tx.ExecContext(ctx, captured,
		rec.Table.Database, rec.Table.Schema, rec.Table.Table,
		rec.TargetSchema, rec.TargetTable, string(rec.Strategy),
		string(identityJSON), rec.Fingerprint,
		createdAt.UTC().Format(time.RFC3339Nano), lastSyncAt, nullable(rec.LastRunID))
	if err != nil {
		return writeError(err, fmt.Sprintf("failed to write sync metadata for %s", rec.Table))
	}

	columns := fmt.Sprintf(`INSERT INTO %s (table_database, table_schema, table_name, snapshot)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_database, table_schema, table_name) DO UPDATE SET
		 snapshot = excluded.snapshot`,
		t.warehouse.metaTable(metadata.SourceColumnsTable))
	_, err = t.tx.ExecContext(ctx, columns,
		rec.Table.Database, rec.Table.Schema, rec.Table.Table, snapshot)
	if err != nil {
		return writeError(err, fmt.Sprintf("failed to write schema snapshot for %s", rec.Table))
	}
	return nil
}

// RecordCompletedRun marks runID as applied for the table.
func (t *sqliteTx) RecordCompletedRun(ctx context.Context, table warehouse.TableRef, runID string) error {
	query := fmt.Sprintf(`INSERT INTO %s (table_database, table_schema, table_name, run_id, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_database, table_schema, table_name, run_id) DO NOTHING`,
		t.warehouse.metaTable(metadata.CompletedRunsTable))
	_, err := t.tx.ExecContext(ctx, query,
		table.Database, table.Schema, table.Table, runID,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return writeError(err, fmt.Sprintf("failed to record completed run for %s", table))
	}
	return nil
}

func flatten(rows [][]interface{}) []interface{} {
	if len(rows) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		args = append(args, row...)
	}
	return args
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
