// Package engine implements the CDC sync engine: strategy classification,
// schema setup, change capture, and transactional apply across a source and
// target warehouse pair.
//
// One Engine serves one source/target pair. Setup resolves configured
// tables into specs and creates target tables plus source change tracking
// objects; Sync runs each table's capture, apply, commit, cleanup sequence
// as an isolated unit of work across a bounded worker pool.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/logger"
	"github.com/ryanwith/melchi/pkg/metrics"
	"github.com/ryanwith/melchi/pkg/typemap"
	"github.com/ryanwith/melchi/pkg/warehouse"
	"github.com/ryanwith/melchi/pkg/warehouse/postgres"
	"github.com/ryanwith/melchi/pkg/warehouse/snowflake"
	"github.com/ryanwith/melchi/pkg/warehouse/sqlite"
)

// Outcome is the per-table result of one invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// TableResult is one table's outcome within a setup or sync invocation.
type TableResult struct {
	Table    warehouse.TableRef
	Strategy warehouse.Strategy
	Outcome  Outcome
	RunID    string
	Inserted int64
	Updated  int64
	Deleted  int64
	Duration time.Duration
	Err      error
}

// Report collects the per-table results of one invocation. Tables are
// independent: one table's failure never aborts its siblings.
type Report struct {
	Started  time.Time
	Finished time.Time
	Results  []TableResult
}

// Failed returns the number of failed tables.
func (r *Report) Failed() int { return r.count(OutcomeFailed) }

// Succeeded returns the number of successfully processed tables.
func (r *Report) Succeeded() int { return r.count(OutcomeSuccess) }

// Skipped returns the number of skipped tables.
func (r *Report) Skipped() int { return r.count(OutcomeSkipped) }

func (r *Report) count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Engine coordinates one source/target warehouse pair.
type Engine struct {
	cfg    *config.Config
	source warehouse.Source
	target warehouse.Target
	mapper *typemap.Mapper
	locks  *lockRegistry
	tracer trace.Tracer

	connectOnce sync.Once
	connectErr  error
}

// New builds an engine from resolved configuration. Connections are opened
// lazily on the first Setup or Sync call.
func New(cfg *config.Config) (*Engine, error) {
	var target warehouse.Target
	switch cfg.Target.Type {
	case "sqlite":
		target = sqlite.New(cfg.Target)
	case "postgres":
		target = postgres.New(cfg.Target)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfiguration,
			"unsupported target type %q", cfg.Target.Type)
	}
	return newEngine(cfg, snowflake.New(cfg.Source), target)
}

// newEngine wires an engine around explicit adapters.
func newEngine(cfg *config.Config, source warehouse.Source, target warehouse.Target) (*Engine, error) {
	mapper, err := typemap.For(target.Dialect())
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		source: source,
		target: target,
		mapper: mapper,
		locks:  newLockRegistry(),
		tracer: otel.Tracer("melchi/engine"),
	}, nil
}

func (e *Engine) connect(ctx context.Context) error {
	e.connectOnce.Do(func() {
		if err := e.source.Connect(ctx); err != nil {
			e.connectErr = err
			return
		}
		if err := e.target.Connect(ctx); err != nil {
			e.connectErr = err
			return
		}
	})
	return e.connectErr
}

// Close releases both warehouse connections.
func (e *Engine) Close() error {
	srcErr := e.source.Close()
	tgtErr := e.target.Close()
	if srcErr != nil {
		return srcErr
	}
	return tgtErr
}

// Setup brings the target schema, source change tracking objects, and sync
// metadata in line with the configured table set. Per-table atomic; tables
// are processed sequentially because setup is DDL-bound and rare.
func (e *Engine) Setup(ctx context.Context) (*Report, error) {
	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	entries, err := e.cfg.LoadTables()
	if err != nil {
		return nil, err
	}
	if err := e.target.EnsureChangeTracking(ctx, e.cfg.ReplaceExisting); err != nil {
		return nil, err
	}

	report := &Report{Started: time.Now()}
	for _, entry := range entries {
		result := TableResult{Table: entry.Ref, Strategy: entry.Strategy, Outcome: OutcomeSuccess}
		start := time.Now()

		spec, err := e.buildTableSpec(ctx, entry, e.mapper)
		if err == nil {
			err = e.setupTable(ctx, spec)
		}
		if err != nil {
			result.Outcome = OutcomeFailed
			result.Err = err
			logger.Error("table setup failed",
				zap.String("table", entry.Ref.String()), zap.Error(err))
		}
		result.Duration = time.Since(start)
		report.Results = append(report.Results, result)

		if ctx.Err() != nil {
			break
		}
	}
	report.Finished = time.Now()
	return report, nil
}

// Sync captures and applies pending changes for every configured table,
// fanning tables out across a bounded worker pool.
func (e *Engine) Sync(ctx context.Context) (*Report, error) {
	if err := e.connect(ctx); err != nil {
		return nil, err
	}
	entries, err := e.cfg.LoadTables()
	if err != nil {
		return nil, err
	}

	report := &Report{Started: time.Now(), Results: make([]TableResult, len(entries))}

	workers := e.cfg.Performance.TableConcurrency
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry config.TableEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			report.Results[i] = e.syncTable(ctx, entry)
		}(i, entry)
	}
	wg.Wait()

	report.Finished = time.Now()
	return report, nil
}

// syncTable runs one table's capture, apply, commit, cleanup sequence.
func (e *Engine) syncTable(ctx context.Context, entry config.TableEntry) TableResult {
	result := TableResult{Table: entry.Ref, Strategy: entry.Strategy, Outcome: OutcomeSuccess}
	start := time.Now()

	finish := func(res TableResult) TableResult {
		res.Duration = time.Since(start)
		metrics.TablesSynced.WithLabelValues(string(res.Outcome)).Inc()
		metrics.SyncDuration.WithLabelValues(res.Table.String(), string(res.Strategy)).
			Observe(res.Duration.Seconds())
		return res
	}

	if err := e.locks.Acquire(entry.Ref); err != nil {
		result.Outcome = OutcomeSkipped
		result.Err = err
		logger.Warn("table sync skipped",
			zap.String("table", entry.Ref.String()), zap.Error(err))
		return finish(result)
	}
	defer e.locks.Release(entry.Ref)

	metrics.SyncsInFlight.Inc()
	defer metrics.SyncsInFlight.Dec()

	runID := uuid.NewString()
	result.RunID = runID

	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.TableKey, entry.Ref.String())
	ctx, span := e.tracer.Start(ctx, "melchi.sync_table",
		trace.WithAttributes(
			attribute.String("melchi.table", entry.Ref.String()),
			attribute.String("melchi.run_id", runID),
		))
	defer span.End()

	rec, err := e.target.GetSyncRecord(ctx, entry.Ref)
	if err == nil && rec == nil {
		err = errors.Newf(errors.ErrorTypeConfiguration,
			"%s has not been set up; run setup before sync_data", entry.Ref)
	}
	if err == nil && rec.Strategy != entry.Strategy {
		err = errors.Newf(errors.ErrorTypeConfiguration,
			"%s is set up as %s but configured as %s; re-run setup to change strategy",
			entry.Ref, rec.Strategy, entry.Strategy)
	}
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		logger.WithContext(ctx).Error("table sync failed", zap.Error(err))
		return finish(result)
	}

	spec := &warehouse.TableSpec{
		Source:          rec.Table,
		TargetSchema:    rec.TargetSchema,
		TargetTable:     rec.TargetTable,
		Strategy:        rec.Strategy,
		Columns:         rec.Columns,
		IdentityColumns: rec.IdentityColumns,
	}

	var counts applyCounts
	if spec.Strategy == warehouse.FullRefresh {
		counts, err = e.syncFullRefresh(ctx, spec, rec, runID)
	} else {
		counts, err = e.syncStream(ctx, spec, rec, runID)
	}
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		logger.WithContext(ctx).Error("table sync failed", zap.Error(err))
		return finish(result)
	}

	result.Inserted = counts.Inserted
	result.Updated = counts.Updated
	result.Deleted = counts.Deleted
	metrics.RowsApplied.WithLabelValues(spec.Source.String(), "insert").Add(float64(counts.Inserted))
	metrics.RowsApplied.WithLabelValues(spec.Source.String(), "update").Add(float64(counts.Updated))
	metrics.RowsApplied.WithLabelValues(spec.Source.String(), "delete").Add(float64(counts.Deleted))

	logger.WithContext(ctx).Info("table synced",
		zap.String("strategy", string(spec.Strategy)),
		zap.Int64("inserted", counts.Inserted),
		zap.Int64("updated", counts.Updated),
		zap.Int64("deleted", counts.Deleted),
		zap.Duration("duration", time.Since(start)))
	return finish(result)
}

// syncFullRefresh reloads the full source table inside one target
// transaction. Idempotent by construction; no completed-run bookkeeping is
// needed.
func (e *Engine) syncFullRefresh(ctx context.Context, spec *warehouse.TableSpec, rec *warehouse.SyncRecord, runID string) (applyCounts, error) {
	convs, err := columnConverters(spec, e.mapper)
	if err != nil {
		return applyCounts{}, err
	}

	var counts applyCounts
	attempt := func() error {
		iter, err := e.source.Snapshot(ctx, spec, e.cfg.Performance.ChunkRows)
		if err != nil {
			return err
		}
		defer iter.Close()

		tx, err := e.target.Begin(ctx)
		if err != nil {
			return err
		}

		counts = applyCounts{}
		applied, err := applyReplace(ctx, tx, spec, iter, convs)
		if err == nil {
			counts = applied
			err = e.writeWatermark(ctx, tx, rec, runID)
		}
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	}
	if err := withRetry(ctx, e.cfg.Reliability, spec.Source.String(), attempt); err != nil {
		return applyCounts{}, err
	}
	return counts, nil
}

// syncStream drains the table's stream into the processing table, applies
// the normalized batch inside one target transaction, and truncates the
// processing table only after that transaction commits.
func (e *Engine) syncStream(ctx context.Context, spec *warehouse.TableSpec, rec *warehouse.SyncRecord, runID string) (applyCounts, error) {
	convs, err := columnConverters(spec, e.mapper)
	if err != nil {
		return applyCounts{}, err
	}
	keyConvs, err := keyConverters(spec, convs)
	if err != nil {
		return applyCounts{}, err
	}

	completed, err := e.target.CompletedRunIDs(ctx, spec.Source)
	if err != nil {
		return applyCounts{}, err
	}
	if err := e.source.DrainStream(ctx, spec, runID, completed); err != nil {
		return applyCounts{}, err
	}

	caps := e.target.Capabilities()
	var counts applyCounts
	attempt := func() error {
		iter, err := e.source.Changes(ctx, spec, e.cfg.Performance.ChunkRows)
		if err != nil {
			return err
		}
		defer iter.Close()

		tx, err := e.target.Begin(ctx)
		if err != nil {
			return err
		}

		counts = applyCounts{}
		err = func() error {
			for {
				records, err := iter.Next(ctx)
				if err != nil {
					return err
				}
				if records == nil {
					break
				}
				if err := normalizeChunk(spec, convs, keyConvs, records); err != nil {
					return err
				}

				var applied applyCounts
				if spec.Strategy == warehouse.AppendOnlyStream {
					applied, err = applyAppend(ctx, tx, spec, records)
				} else {
					applied, err = applyMerge(ctx, tx, caps, spec, records)
				}
				if err != nil {
					return err
				}
				counts.add(applied)
			}
			if err := e.writeWatermark(ctx, tx, rec, runID); err != nil {
				return err
			}
			return tx.RecordCompletedRun(ctx, spec.Source, runID)
		}()
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	}
	if err := withRetry(ctx, e.cfg.Reliability, spec.Source.String(), attempt); err != nil {
		return applyCounts{}, err
	}

	// Correctness does not depend on cleanup: the committed run ID bounds
	// replay on the next drain. A cleanup failure is therefore a warning.
	if err := e.source.CleanupChanges(ctx, spec); err != nil {
		logger.Warn("processing table cleanup failed; next sync will purge the committed batch",
			zap.String("table", spec.Source.String()), zap.Error(err))
	}
	return counts, nil
}

// writeWatermark updates the table's sync metadata inside the apply
// transaction.
func (e *Engine) writeWatermark(ctx context.Context, tx warehouse.Tx, rec *warehouse.SyncRecord, runID string) error {
	updated := *rec
	updated.LastSyncAt = time.Now().UTC()
	updated.LastRunID = runID
	return tx.WriteSyncRecord(ctx, &updated)
}
