// Package warehouse defines the adapter contract between the Melchi sync
// engine and the warehouses it replicates between.
//
// Each adapter implements the same capability set regardless of underlying
// system. The engine never branches on system identity, only on the
// capability flags an adapter reports: a target without native upsert
// support is served by the applier's delete-then-insert fallback, and a
// target that cannot run DDL transactionally is refreshed by truncate
// rather than drop-and-recreate.
package warehouse

import "context"

// Capabilities reports what a target adapter can do natively. The engine
// consults these instead of inspecting adapter identity.
type Capabilities struct {
	// NativeUpsert is true when the target supports insert-or-overwrite
	// by key in a single statement.
	NativeUpsert bool
	// TransactionalDDL is true when DDL participates in transactions, so
	// a full refresh may drop and recreate the table inside the apply
	// transaction instead of truncating it.
	TransactionalDDL bool
}

// Tx is one target-side transaction. The apply of a table's change batch
// and the update of its sync metadata always happen inside the same Tx;
// that single commit is the engine's consistency boundary.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// TruncateTable removes all rows from the named target table.
	TruncateTable(ctx context.Context, table string) error
	// BulkInsert appends the rows to the named target table.
	BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) error
	// Upsert inserts rows that are absent by key and overwrites rows that
	// are present. Adapters without native upsert return a capability
	// error; the applier falls back to DeleteByKey plus BulkInsert.
	Upsert(ctx context.Context, table string, columns []string, keyColumns []string, rows [][]interface{}) error
	// DeleteByKey deletes the rows whose identity matches any of keys.
	DeleteByKey(ctx context.Context, table string, keyColumns []string, keys [][]interface{}) error

	// WriteSyncRecord upserts the per-table sync metadata record.
	WriteSyncRecord(ctx context.Context, rec *SyncRecord) error
	// RecordCompletedRun marks runID as successfully applied for the
	// table, bounding the re-drain window on crash replay.
	RecordCompletedRun(ctx context.Context, table TableRef, runID string) error
}

// Target is the warehouse being replicated into. It owns the sync metadata
// store alongside the replicated tables.
type Target interface {
	Dialect() string
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Close() error

	// EnsureChangeTracking creates (or with replaceExisting, recreates)
	// the metadata tables in the change tracking schema.
	EnsureChangeTracking(ctx context.Context, replaceExisting bool) error
	// EnsureSchema creates the named target schema if absent.
	EnsureSchema(ctx context.Context, schema string) error
	// CreateTable creates the target table from the mapped schema.
	// Existing tables are left untouched unless replaceExisting is set.
	CreateTable(ctx context.Context, spec *TableSpec, replaceExisting bool) error
	DropTable(ctx context.Context, table string) error
	TableExists(ctx context.Context, schema, table string) (bool, error)

	Begin(ctx context.Context) (Tx, error)

	// GetSyncRecord returns the sync metadata for a table, or nil if the
	// table has never been set up.
	GetSyncRecord(ctx context.Context, table TableRef) (*SyncRecord, error)
	ListSyncRecords(ctx context.Context) ([]SyncRecord, error)
	DeleteSyncRecord(ctx context.Context, table TableRef) error
	// CompletedRunIDs returns run IDs already applied for the table whose
	// source-side cleanup may not have happened.
	CompletedRunIDs(ctx context.Context, table TableRef) ([]string, error)
}

// Source is the warehouse being replicated from. It owns the change
// tracking objects (stream plus processing table) created per stream-backed
// table.
type Source interface {
	Connect(ctx context.Context) error
	Close() error

	// DescribeTable introspects the source table and returns its columns
	// with source types, nullability, ordinal position, and primary key
	// membership. Target types are filled in later by the type mapper.
	DescribeTable(ctx context.Context, table TableRef) ([]ColumnSpec, error)

	// CreateChangeTracking creates the stream and processing table for a
	// stream-backed table. Idempotent; replaceExisting recreates both.
	CreateChangeTracking(ctx context.Context, spec *TableSpec, replaceExisting bool) error
	DropChangeTracking(ctx context.Context, spec *TableSpec) error

	// DrainStream moves the stream's pending entries into the processing
	// table under runID, in one source-side transaction. Entries from
	// completedRuns were already applied to the target and are discarded
	// first.
	DrainStream(ctx context.Context, spec *TableSpec, runID string, completedRuns []string) error
	// Changes reads the processing table back as a normalized, ordered
	// change sequence in chunks of at most chunkRows records.
	Changes(ctx context.Context, spec *TableSpec, chunkRows int) (ChangeIterator, error)
	// Snapshot reads the full current source table in chunks, for the
	// full_refresh strategy.
	Snapshot(ctx context.Context, spec *TableSpec, chunkRows int) (RowIterator, error)
	// CleanupChanges truncates the processing table after the target-side
	// transaction has committed.
	CleanupChanges(ctx context.Context, spec *TableSpec) error
}
