// Package postgres implements the target warehouse adapter for PostgreSQL.
//
// Unlike the embedded SQLite target, Postgres has real schemas and a real
// NUMERIC type, so mapped tables land under their own schema and decimals
// keep their declared precision.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	gojson "github.com/goccy/go-json"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/logger"
	"github.com/ryanwith/melchi/pkg/metadata"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// Warehouse is a PostgreSQL target adapter backed by a pgx pool.
type Warehouse struct {
	cfg  config.TargetConfig
	pool *pgxpool.Pool
}

// New returns an unconnected Postgres adapter.
func New(cfg config.TargetConfig) *Warehouse {
	return &Warehouse{cfg: cfg}
}

func (w *Warehouse) Dialect() string { return "postgres" }

// Capabilities reports native upsert and transactional DDL, both of which
// Postgres supports.
func (w *Warehouse) Capabilities() warehouse.Capabilities {
	return warehouse.Capabilities{NativeUpsert: true, TransactionalDDL: true}
}

// Connect parses the DSN, opens the pool, and verifies connectivity.
func (w *Warehouse) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(w.cfg.Database)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfiguration, "invalid postgres DSN")
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}
	w.pool = pool

	logger.Debug("connected to postgres", zap.String("database", poolCfg.ConnConfig.Database))
	return nil
}

// Close releases the pool.
func (w *Warehouse) Close() error {
	if w.pool != nil {
		w.pool.Close()
		w.pool = nil
	}
	return nil
}

func (w *Warehouse) metaTable(name string) string {
	return quoteIdent(w.cfg.ChangeTrackingSchema) + "." + quoteIdent(name)
}

// EnsureChangeTracking creates the metadata schema and tables. With
// replaceExisting all sync state is discarded first.
func (w *Warehouse) EnsureChangeTracking(ctx context.Context, replaceExisting bool) error {
	captured := w.metaTable(metadata.CapturedTablesTable)
	columns := w.metaTable(metadata.SourceColumnsTable)
	runs := w.metaTable(metadata.CompletedRunsTable)

	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + quoteIdent(w.cfg.ChangeTrackingSchema),
	}
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
			identity_columns JSONB NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_sync_at TIMESTAMPTZ,
			last_run_id TEXT,
			PRIMARY KEY (table_database, table_schema, table_name)
		)`, captured),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_database TEXT NOT NULL,
			table_schema TEXT NOT NULL,
			table_name TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			PRIMARY KEY (table_database, table_schema, table_name)
		)`, columns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_database TEXT NOT NULL,
			table_schema TEXT NOT NULL,
			table_name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (table_database, table_schema, table_name, run_id)
		)`, runs),
	)

	for _, stmt := range stmts {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to create sync metadata tables")
		}
	}
	return nil
}

// EnsureSchema creates the named schema if absent.
func (w *Warehouse) EnsureSchema(ctx context.Context, schema string) error {
	if _, err := w.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to create schema %s", schema))
	}
	return nil
}

// CreateTable creates the target table from the mapped schema.
func (w *Warehouse) CreateTable(ctx context.Context, spec *warehouse.TableSpec, replaceExisting bool) error {
	if replaceExisting {
		if err := w.DropTable(ctx, spec.TargetName()); err != nil {
			return err
		}
	}
	if _, err := w.pool.Exec(ctx, buildCreateTable(spec, replaceExisting)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to create target table %s", spec.TargetName()))
	}
	return nil
}

// DropTable removes a target table if present.
func (w *Warehouse) DropTable(ctx context.Context, table string) error {
	if _, err := w.pool.Exec(ctx, "DROP TABLE IF EXISTS "+qualify(table)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to drop target table %s", table))
	}
	return nil
}

// TableExists reports whether the target table is present in the catalog.
func (w *Warehouse) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var exists bool
	err := w.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)",
		schema, table).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to check for table %s.%s", schema, table))
	}
	return exists, nil
}

// Begin opens a target transaction.
func (w *Warehouse) Begin(ctx context.Context) (warehouse.Tx, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite, "failed to begin target transaction")
	}
	return &pgTx{tx: tx, warehouse: w}, nil
}

// GetSyncRecord returns a table's sync metadata, or nil when the table has
// never been set up.
func (w *Warehouse) GetSyncRecord(ctx context.Context, table warehouse.TableRef) (*warehouse.SyncRecord, error) {
	query := fmt.Sprintf(`SELECT target_schema, target_table, cdc_type, identity_columns,
		fingerprint, created_at, COALESCE(last_sync_at, 'epoch'::timestamptz), COALESCE(last_run_id, '')
		FROM %s WHERE table_database = $1 AND table_schema = $2 AND table_name = $3`,
		w.metaTable(metadata.CapturedTablesTable))

	rec := warehouse.SyncRecord{Table: table}
	var identityJSON []byte
	var strategy string
	err := w.pool.QueryRow(ctx, query, table.Database, table.Schema, table.Table).Scan(
		&rec.TargetSchema, &rec.TargetTable, &strategy, &identityJSON,
		&rec.Fingerprint, &rec.CreatedAt, &rec.LastSyncAt, &rec.LastRunID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to read sync metadata for %s", table))
	}

	rec.Strategy = warehouse.Strategy(strategy)
	if err := gojson.Unmarshal(identityJSON, &rec.IdentityColumns); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData,
			fmt.Sprintf("corrupt identity column list for %s", table))
	}

	var snapshot []byte
	err = w.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT snapshot FROM %s WHERE table_database = $1 AND table_schema = $2 AND table_name = $3",
		w.metaTable(metadata.SourceColumnsTable)),
		table.Database, table.Schema, table.Table).Scan(&snapshot)
	if err != nil && err != pgx.ErrNoRows {
		return nil, errors.Wrap(err, errors.ErrorTypeTargetWrite,
			fmt.Sprintf("failed to read schema snapshot for %s", table))
	}
	if len(snapshot) > 0 {
		cols, err := metadata.DecodeSnapshot(string(snapshot))
		if err != nil {
			return nil, err
		}
		rec.Columns = cols
	}
	return &rec, nil
}

// ListSyncRecords returns the metadata for every captured table.
func (w *Warehouse) ListSyncRecords(ctx context.Context) ([]warehouse.SyncRecord, error) {
	query := fmt.Sprintf(
		"SELECT table_database, table_schema, table_name FROM %s ORDER BY table_database, table_schema, table_name",
		w.metaTable(metadata.CapturedTablesTable))
	rows, err := w.pool.Query(ctx, query)
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
			"DELETE FROM %s WHERE table_database = $1 AND table_schema = $2 AND table_name = $3",
			w.metaTable(name))
		if _, err := w.pool.Exec(ctx, query, table.Database, table.Schema, table.Table); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTargetWrite,
				fmt.Sprintf("failed to delete sync metadata for %s", table))
		}
	}
	return nil
}

// CompletedRunIDs returns the run IDs already applied for a table.
func (w *Warehouse) CompletedRunIDs(ctx context.Context, table warehouse.TableRef) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT run_id FROM %s WHERE table_database = $1 AND table_schema = $2 AND table_name = $3 ORDER BY completed_at",
		w.metaTable(metadata.CompletedRunsTable))
	rows, err := w.pool.Query(ctx, query, table.Database, table.Schema, table.Table)
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
