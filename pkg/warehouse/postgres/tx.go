package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	gojson "github.com/goccy/go-json"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/metadata"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// Postgres allows 65535 bound parameters per statement; stay under it.
const maxBindVars = 60000

// SQLSTATE codes for contention the server resolves on retry.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
	lockNotAvailable     = "55P03"
)

// writeError wraps a write failure, classifying lock contention and
// serialization conflicts as timeouts so the engine's retry loop picks
// them up.
func writeError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailure, deadlockDetected, lockNotAvailable:
			return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
		}
	}
	return errors.Wrap(err, errors.ErrorTypeTargetWrite, msg)
}

type pgTx struct {
	tx        pgx.Tx
	warehouse *Warehouse
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return writeError(err, "failed to commit target transaction")
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to roll back target transaction")
	}
	return nil
}

func (t *pgTx) TruncateTable(ctx context.Context, table string) error {
	if _, err := t.tx.Exec(ctx, "TRUNCATE TABLE "+qualify(table)); err != nil {
		return writeError(err, fmt.Sprintf("failed to truncate target table %s", table))
	}
	return nil
}

// BulkInsert uses the COPY protocol, which is the fast path for loading.
func (t *pgTx) BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) error {
	schema, name := splitQualified(table)
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{schema, name}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return writeError(err, fmt.Sprintf("failed to copy %d rows into %s", len(rows), table))
	}
	return nil
}

func (t *pgTx) Upsert(ctx context.Context, table string, columns, keyColumns []string, rows [][]interface{}) error {
	chunk := rowChunkSize(len(columns))
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]
		args := flatten(part)
		if _, err := t.tx.Exec(ctx, buildUpsert(table, columns, keyColumns, len(part)), args...); err != nil {
			return writeError(err, fmt.Sprintf("failed to upsert %d rows into %s", len(part), table))
		}
	}
	return nil
}

func (t *pgTx) DeleteByKey(ctx context.Context, table string, keyColumns []string, keys [][]interface{}) error {
	chunk := rowChunkSize(len(keyColumns))
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]
		args := flatten(part)
		if _, err := t.tx.Exec(ctx, buildDeleteByKey(table, keyColumns, len(part)), args...); err != nil {
			return writeError(err, fmt.Sprintf("failed to delete %d rows from %s", len(part), table))
		}
	}
	return nil
}

// WriteSyncRecord upserts the captured table row and its schema snapshot.
func (t *pgTx) WriteSyncRecord(ctx context.Context, rec *warehouse.SyncRecord) error {
	identityJSON, err := gojson.Marshal(rec.IdentityColumns)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "cannot encode identity columns")
	}
	snapshot, err := metadata.EncodeSnapshot(rec.Columns)
	if err != nil {
		return err
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var lastSyncAt interface{}
	if !rec.LastSyncAt.IsZero() {
		lastSyncAt = rec.LastSyncAt.UTC()
	}

	captured := fmt.Sprintf(`INSERT INTO %s
		(table_database, table_schema, table_name, target_schema, target_table,
		 cdc_type, identity_columns, fingerprint, created_at, last_sync_at, last_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (table_database, table_schema, table_name) DO UPDATE SET
		 target_schema = excluded.target_schema,
		 target_table = excluded.target_table,
		 cdc_type = excluded.cdc_type,
		 identity_columns = excluded.identity_columns,
		 fingerprint = excluded.fingerprint,
		 last_sync_at = excluded.last_sync_at,
		 last_run_id = excluded.last_run_id`,
		t.warehouse.metaTable(metadata.CapturedTablesTable))
	_, err = t.tx.Exec(ctx, captured,
		rec.Table.Database, rec.Table.Schema, rec.Table.Table,
		rec.TargetSchema, rec.TargetTable, string(rec.Strategy),
		string(identityJSON), rec.Fingerprint, createdAt.UTC(), lastSyncAt, nullable(rec.LastRunID))
	if err != nil {
		return writeError(err, fmt.Sprintf("failed to write sync metadata for %s", rec.Table))
	}

	columns := fmt.Sprintf(`INSERT INTO %s (table_database, table_schema, table_name, snapshot)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_database, table_schema, table_name) DO UPDATE SET
		 snapshot = excluded.snapshot`,
		t.warehouse.metaTable(metadata.SourceColumnsTable))
	_, err = t.tx.Exec(ctx, columns,
		rec.Table.Database, rec.Table.Schema, rec.Table.Table, snapshot)
	if err != nil {
		return writeError(err, fmt.Sprintf("failed to write schema snapshot for %s", rec.Table))
	}
	return nil
}

// RecordCompletedRun marks runID as applied for the table.
func (t *pgTx) RecordCompletedRun(ctx context.Context, table warehouse.TableRef, runID string) error {
	query := fmt.Sprintf(`INSERT INTO %s (table_database, table_schema, table_name, run_id, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_database, table_schema, table_name, run_id) DO NOTHING`,
		t.warehouse.metaTable(metadata.CompletedRunsTable))
	_, err := t.tx.Exec(ctx, query,
		table.Database, table.Schema, table.Table, runID, time.Now().UTC())
	if err != nil {
		return writeError(err, fmt.Sprintf("failed to record completed run for %s", table))
	}
	return nil
}

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
