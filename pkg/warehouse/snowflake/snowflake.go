// Package snowflake implements the source warehouse adapter for Snowflake.
//
// Change capture is built on Snowflake streams. Per replicated table the
// adapter owns two objects in the change tracking schema: a stream over the
// source table and a processing table shaped like the source plus stream
// metadata columns. Syncing drains the stream into the processing table in
// one source transaction, reads the processing table back as normalized
// change records, and truncates it only after the target has committed. A
// crash at any point leaves the pending changes in exactly one of the two
// objects, so nothing is lost and reruns converge.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sf "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/logger"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// Warehouse is a Snowflake source adapter. Safe for concurrent use once
// connected; the underlying pool serializes per-connection state.
type Warehouse struct {
	cfg config.SourceConfig
	db  *sql.DB
}

// New returns an unconnected Snowflake adapter.
func New(cfg config.SourceConfig) *Warehouse {
	return &Warehouse{cfg: cfg}
}

// Connect merges any configured connection profile, opens the connection
// pool, and verifies connectivity with a ping.
func (s *Warehouse) Connect(ctx context.Context) error {
	if err := mergeConnectionProfile(&s.cfg); err != nil {
		return err
	}

	sfCfg := &sf.Config{
		Account:   s.cfg.Account,
		User:      s.cfg.User,
		Password:  s.cfg.Password,
		Role:      s.cfg.Role,
		Warehouse: s.cfg.Warehouse,
	}
	switch strings.ToLower(s.cfg.Authenticator) {
	case "", "snowflake":
		sfCfg.Authenticator = sf.AuthTypeSnowflake
	case "externalbrowser":
		sfCfg.Authenticator = sf.AuthTypeExternalBrowser
	default:
		return errors.Newf(errors.ErrorTypeConfiguration,
			"unknown authenticator %q: use snowflake or externalbrowser", s.cfg.Authenticator)
	}

	dsn, err := sf.DSN(sfCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfiguration, "invalid snowflake connection parameters")
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open snowflake connection")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection,
			fmt.Sprintf("failed to connect to snowflake account %s", s.cfg.Account))
	}
	s.db = db

	logger.Debug("connected to snowflake",
		zap.String("account", s.cfg.Account),
		zap.String("warehouse", s.cfg.Warehouse),
		zap.String("role", s.cfg.Role))
	return nil
}

// Close releases the connection pool.
func (s *Warehouse) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DescribeTable introspects the source table via DESC TABLE. Column order
// follows the table's declaration order, which the rest of the engine
// treats as canonical.
func (s *Warehouse) DescribeTable(ctx context.Context, table warehouse.TableRef) ([]warehouse.ColumnSpec, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("DESC TABLE %s;", table))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to describe table %s", table))
	}
	defer rows.Close()

	resultCols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceRead, "failed to read DESC TABLE shape")
	}

	// DESC TABLE field positions: name, type, kind, null?, default,
	// primary key, unique key, ...
	var columns []warehouse.ColumnSpec
	position := 0
	for rows.Next() {
		fields := make([]sql.NullString, len(resultCols))
		scan := make([]interface{}, len(resultCols))
		for i := range fields {
			scan[i] = &fields[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSourceRead,
				fmt.Sprintf("failed to scan DESC TABLE row for %s", table))
		}
		if len(fields) < 6 {
			return nil, errors.Newf(errors.ErrorTypeSourceRead,
				"unexpected DESC TABLE shape for %s: %d fields", table, len(fields))
		}
		// Rows describing non-column attributes carry a kind other than
		// COLUMN.
		if fields[2].String != "COLUMN" {
			continue
		}
		position++
		columns = append(columns, warehouse.ColumnSpec{
			Name:       fields[0].String,
			SourceType: fields[1].String,
			Nullable:   fields[3].String == "Y",
			Default:    fields[4].String,
			PrimaryKey: fields[5].String == "Y",
			Position:   position,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to describe table %s", table))
	}
	if len(columns) == 0 {
		return nil, errors.Newf(errors.ErrorTypeSourceRead, "table %s has no columns", table)
	}
	return columns, nil
}

// CreateChangeTracking creates the stream and processing table for a
// stream-backed table. With replaceExisting the stream offset is reset and
// any pending processing rows are discarded.
func (s *Warehouse) CreateChangeTracking(ctx context.Context, spec *warehouse.TableSpec, replaceExisting bool) error {
	stream := s.streamName(spec.Source)
	processing := s.processingTableName(spec.Source)

	for _, stmt := range buildStreamDDL(stream, processing, spec.Source, spec.Strategy, replaceExisting) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeSourceRead,
				fmt.Sprintf("failed to create change tracking for %s", spec.Source)).
				WithDetail("statement", stmt)
		}
	}

	logger.Info("change tracking objects ready",
		zap.String("table", spec.Source.String()),
		zap.String("stream", stream))
	return nil
}

// DropChangeTracking removes a table's stream and processing table.
func (s *Warehouse) DropChangeTracking(ctx context.Context, spec *warehouse.TableSpec) error {
	stmts := []string{
		fmt.Sprintf("DROP STREAM IF EXISTS %s;", s.streamName(spec.Source)),
		fmt.Sprintf("DROP TABLE IF EXISTS %s;", s.processingTableName(spec.Source)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeSourceRead,
				fmt.Sprintf("failed to drop change tracking for %s", spec.Source))
		}
	}
	return nil
}

// DrainStream consumes the stream into the processing table under runID.
// Rows left over from runs the target already committed are purged first,
// so a crash between target commit and source cleanup cannot double-apply.
// Both steps share one source transaction: the stream offset only advances
// if the rows landed.
func (s *Warehouse) DrainStream(ctx context.Context, spec *warehouse.TableSpec, runID string, completedRuns []string) error {
	processing := s.processingTableName(spec.Source)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to begin drain transaction for %s", spec.Source))
	}
	defer tx.Rollback()

	if len(completedRuns) > 0 {
		if _, err := tx.ExecContext(ctx, buildPurgeCompletedSQL(processing, completedRuns)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeSourceRead,
				fmt.Sprintf("failed to purge completed runs from %s", processing))
		}
	}
	if _, err := tx.ExecContext(ctx, buildDrainSQL(s.streamName(spec.Source), processing, runID)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to drain stream for %s", spec.Source))
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to commit drain transaction for %s", spec.Source))
	}
	return nil
}

// Changes reads the processing table back as a normalized change sequence.
// Deletes are emitted before inserts, matching how a delete+insert pair
// represents an update in the stream; within each phase the processing
// table's order is preserved. Seq is assigned at read.
func (s *Warehouse) Changes(ctx context.Context, spec *warehouse.TableSpec, chunkRows int) (warehouse.ChangeIterator, error) {
	keyIdx, err := identityIndexes(spec)
	if err != nil {
		return nil, err
	}
	return &changeIterator{
		db:         s.db,
		spec:       spec,
		processing: s.processingTableName(spec.Source),
		chunkRows:  chunkRows,
		keyIdx:     keyIdx,
	}, nil
}

// Snapshot streams the full current source table in bounded chunks.
func (s *Warehouse) Snapshot(ctx context.Context, spec *warehouse.TableSpec, chunkRows int) (warehouse.RowIterator, error) {
	rows, err := s.db.QueryContext(ctx, buildSnapshotQuery(spec))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to snapshot %s", spec.Source))
	}
	columns := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		if !c.Synthetic {
			columns = append(columns, c.Name)
		}
	}
	return &snapshotIterator{rows: rows, columns: columns, chunkRows: chunkRows, table: spec.Source}, nil
}

// CleanupChanges truncates the processing table after the target side has
// committed.
func (s *Warehouse) CleanupChanges(ctx context.Context, spec *warehouse.TableSpec) error {
	processing := s.processingTableName(spec.Source)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s;", processing)); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return errors.Wrap(err, errors.ErrorTypeSourceRead,
				fmt.Sprintf("processing table %s does not exist; run setup for %s to recreate change tracking",
					processing, spec.Source))
		}
		return errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to truncate processing table %s", processing))
	}
	return nil
}

// identityIndexes maps each identity column to its ordinal in the column
// list, so insert-phase rows can project their key without a name lookup
// per row.
func identityIndexes(spec *warehouse.TableSpec) ([]int, error) {
	byName := make(map[string]int, len(spec.Columns))
	for i, c := range spec.Columns {
		byName[c.Name] = i
	}
	idx := make([]int, len(spec.IdentityColumns))
	for i, k := range spec.IdentityColumns {
		pos, ok := byName[k]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeInternal,
				"identity column %s not present in column list for %s", k, spec.Source)
		}
		idx[i] = pos
	}
	return idx, nil
}
