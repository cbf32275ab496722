// Package sqlite implements the target warehouse adapter for SQLite, the
// embedded local analytical store. The driver is pure Go, so a melchi
// binary with a SQLite target needs no cgo and no external server.
//
// SQLite has no schema objects; the engine's qualified schema.table names
// are stored as single dotted identifiers, which keeps the flat target
// namespace visible in the catalog.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/logger"
	"github.com/ryanwith/melchi/pkg/metadata"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// Warehouse is a SQLite target adapter.
type Warehouse struct {
	cfg config.TargetConfig
	db  *sql.DB
}

// New returns an unconnected SQLite adapter.
func New(cfg config.TargetConfig) *Warehouse {
	return &Warehouse{cfg: cfg}
}

func (w *Warehouse) Dialect() string { return "sqlite" }

// Capabilities reports native upsert and transactional DDL, both of which
// SQLite supports.
func (w *Warehouse) Capabilities() warehouse.Capabilities {
	return warehouse.Capabilities{NativeUpsert: true, TransactionalDDL: true}
}

// Connect opens the database file. Connections are capped at one: SQLite
// allows a single writer, and serializing in the pool beats busy-timeout
// churn when several tables sync concurrently.
func (w *Warehouse) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", w.cfg.Database)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open sqlite database")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return errors.Wrap(err, errors.ErrorTypeConnection,
				fmt.Sprintf("failed to configure sqlite database %s", w.cfg.Database))
		}
	}
	w.db = db

	logger.Debug("connected to sqlite", zap.String("database", w.cfg.Database))
	return nil
}

// Close releases the database handle.
func (w *Warehouse) Close() error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}

func (w *Warehouse) metaTable(name string) string {
	return quoteIdent(w.cfg.ChangeTrackingSchema + "." + name)
}

// EnsureChangeTracking creates the sync metadata tables. With
// replaceExisting all sync state is discarded first.
func (w *Warehouse) EnsureChangeTracking(ctx context.Context, replaceExisting bool) error {
	captured := w.metaTable(metadata.CapturedTablesTable)
	columns := w.metaTable(metadata.SourceColumnsTable)
	runs := w.metaTable(metadata.CompletedRunsTable)

	stmts := []string{}
	if replaceExisting {
		stmts = append(stmts,
			"DROP TABLE IF EXISTS "+captured,
			"DROP TABLE IF EXISTS "+columns,
			"DROP TABLE IF EXISTS "+runs,
		)
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_database TEXT NOT NULL,
			table_schema TEXT NOT NULL,
			table_name TEXT NOT NULL,
			target_schema TEXT NOT NULL,
			target_table TEXT NOT NULL,
			cdc_type TEXT NOT NULL,
			identity_columns TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_sync_at TEXT,
			last_run_id TEXT,
			PRIMARY KEY (table_database, table_schema, table_name)
		)`, captured),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_database TEXT NOT NULL,
			table_schema TEXT NOT NULL,
			table_name TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			PRIMARY KEY (table_database, table_schema, table_name)
		)`, columns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_database TEXT NOT NULL,
			table_schema TEXT NOT NULL,
			table_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (table_database, table_schema, table_name, run_id)
		)`, runs),
	)

	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to create sync metadata tables")
		}
	}
	return nil
}

// EnsureSchema is a no-op: SQLite has no schemas, and the schema name
// survives as the prefix of the dotted table identifier.
func (w *Warehouse) EnsureSchema(ctx context.Context, schema string) error {
	return nil
}

// CreateTable creates the target table from the mapped schema.
func (w *Warehouse) CreateTable(ctx context.Context, spec *warehouse.TableSpec, replaceExisting bool) error {
	if replaceExisting {
		if err := w.DropTable(ctx, spec.TargetName()); err != nil {
			return err
		}
	}
	if _, err := w.db.ExecContext(ctx, buildCreateTable(spec, replaceExisting)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to create target table %s", spec.TargetName()))
	}
	return nil
}

// DropTable removes a target table if present.
func (w *Warehouse) DropTable(ctx context.Context, table string) error {
	if _, err := w.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to drop target table %s", table))
	}
	return nil
}

// TableExists reports whether the target table is present in the catalog.
func (w *Warehouse) TableExists(ctx context.Context, schema, table string) (bool, error) {
	name := schema + "." + table
	var found string
	err := w.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to check for table %s", name))
	}
	return true, nil
}

// Begin opens a target transaction.
func (w *Warehouse) Begin(ctx context.Context) (warehouse.Tx, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to begin target transaction")
	}
	return &sqliteTx{tx: tx, warehouse: w}, nil
}

// GetSyncRecord returns a table's sync metadata, or nil when the table has
// never been set up.
func (w *Warehouse) GetSyncRecord(ctx context.Context, table warehouse.TableRef) (*warehouse.SyncRecord, error) {
	query := fmt.Sprintf(`SELECT target_schema, target_table, cdc_type, identity_columns,
		fingerprint, created_at, last_sync_at, last_run_id
		FROM %s WHERE table_database = ? AND table_schema = ? AND table_name = ?`,
		w.metaTable(metadata.CapturedTablesTable))

	rec := warehouse.SyncRecord{Table: table}
	var identityJSON, createdAt string
	var lastSyncAt, lastRunID sql.NullString
	var strategy string
	err := w.db.QueryRowContext(ctx, query, table.Database, table.Schema, table.Table).Scan(
		&rec.TargetSchema, &rec.TargetTable, &strategy, &identityJSON,
		&rec.Fingerprint, &createdAt, &lastSyncAt, &lastRunID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to read sync metadata for %s", table))
	}

	rec.Strategy = warehouse.Strategy(strategy)
	if err := gojson.Unmarshal([]byte(identityJSON), &rec.IdentityColumns); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData,
			fmt.Sprintf("corrupt identity column list for %s", table))
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastSyncAt.Valid {
		rec.LastSyncAt, _ = time.Parse(time.RFC3339Nano, lastSyncAt.String)
	}
	rec.LastRunID = lastRunID.String

	snapshot, err := w.readSnapshot(ctx, table)
	if err != nil {
		return nil, err
	}
	rec.Columns = snapshot
	return &rec, nil
}

func (w *Warehouse) readSnapshot(ctx context.Context, table warehouse.TableRef) ([]warehouse.ColumnSpec, error) {
	query := fmt.Sprintf(
		"SELECT snapshot FROM %s WHERE table_database = ? AND table_schema = ? AND table_name = ?",
		w.metaTable(metadata.SourceColumnsTable))
	var snapshot string
	err := w.db.QueryRowContext(ctx, query, table.Database, table.Schema, table.Table).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to read schema snapshot for %s", table))
	}
	return metadata.DecodeSnapshot(snapshot)
}

// ListSyncRecords returns the metadata for every captured table.
func (w *Warehouse) ListSyncRecords(ctx context.Context) ([]warehouse.SyncRecord, error) {
	query := fmt.Sprintf(
		"SELECT table_database, table_schema, table_name FROM %s ORDER BY table_database, table_schema, table_name",
		w.metaTable(metadata.CapturedTablesTable))
	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to list sync metadata")
	}
	defer rows.Close()

	var refs []warehouse.TableRef
	for rows.Next() {
		var ref warehouse.TableRef
		if err := rows.Scan(&ref.Database, &ref.Schema, &ref.Table); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to scan sync metadata")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to list sync metadata")
	}

	records := make([]warehouse.SyncRecord, 0, len(refs))
	for _, ref := range refs {
		rec, err := w.GetSyncRecord(ctx, ref)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

// DeleteSyncRecord removes all sync metadata for a table.
func (w *Warehouse) DeleteSyncRecord(ctx context.Context, table warehouse.TableRef) error {
	for _, name := range []string{
		metadata.CapturedTablesTable,
		metadata.SourceColumnsTable,
		metadata.CompletedRunsTable,
	} {
		query := fmt.Sprintf(
			"DELETE FROM %s WHERE table_database = ? AND table_schema = ? AND table_name = ?",
			w.metaTable(name))
		if _, err := w.db.ExecContext(ctx, query, table.Database, table.Schema, table.Table); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTargetWrite,
				fmt.Sprintf("failed to delete sync metadata for %s", table))
		}
	}
	return nil
}

// CompletedRunIDs returns the run IDs already applied for a table.
func (w *Warehouse) CompletedRunIDs(ctx context.Context, table warehouse.TableRef) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT run_id FROM %s WHERE table_database = ? AND table_schema = ? AND table_name = ? ORDER BY completed_at",
		w.metaTable(metadata.CompletedRunsTable))
	rows, err := w.db.QueryContext(ctx, query, table.Database, table.Schema, table.Table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to list completed runs for %s", table))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite,
				fmt.Sprintf("failed to scan completed run for %s", table))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to list completed runs for %s", table))
	}
	return ids, nil
}
