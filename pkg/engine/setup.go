package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/logger"
	"github.com/ryanwith/melchi/pkg/metadata"
	"github.com/ryanwith/melchi/pkg/schema"
	"github.com/ryanwith/melchi/pkg/typemap"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// buildTableSpec introspects one configured table and resolves it into a
// complete TableSpec: described columns, mapped target types, and row
// identity. Unsupported and strategy-incompatible columns fail here, at
// setup time, never at apply time.
func (e *Engine) buildTableSpec(ctx context.Context, entry config.TableEntry, mapper *typemap.Mapper) (*warehouse.TableSpec, error) {
	columns, err := e.source.DescribeTable(ctx, entry.Ref)
	if err != nil {
		return nil, err
	}

	for i := range columns {
		mapping, err := mapper.Map(columns[i].SourceType)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType,
				"column "+columns[i].Name+" of "+entry.Ref.String())
		}
		if mapping.Class == typemap.ClassGeospatial && entry.Strategy == warehouse.StandardStream {
			return nil, errors.Newf(errors.ErrorTypeConfiguration,
				"%s: geospatial column %s cannot be replicated under standard_stream; use full_refresh or append_only_stream",
				entry.Ref, columns[i].Name)
		}
		columns[i].TargetType = mapping.TargetType
	}

	identity, extended, err := schema.ResolveIdentity(columns, entry.Strategy)
	if err != nil {
		return nil, err
	}

	spec := &warehouse.TableSpec{
		Source:          entry.Ref,
		TargetSchema:    strings.ToLower(entry.Ref.Schema),
		TargetTable:     strings.ToLower(entry.Ref.Table),
		Strategy:        entry.Strategy,
		Columns:         extended,
		IdentityColumns: identity,
	}
	if err := schema.ValidateIdentity(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// setupTable brings one table's target schema, source change tracking, and
// sync metadata into a consistent state. Per-table atomic: a failure on one
// table leaves the others untouched.
func (e *Engine) setupTable(ctx context.Context, spec *warehouse.TableSpec) error {
	existing, err := e.target.GetSyncRecord(ctx, spec.Source)
	if err != nil {
		return err
	}

	fingerprint, err := metadata.Fingerprint(spec.Columns)
	if err != nil {
		return err
	}

	if existing != nil && !e.cfg.ReplaceExisting {
		if existing.Fingerprint != fingerprint {
			return errors.Newf(errors.ErrorTypeConfiguration,
				"%s: source schema changed since the last setup; re-run setup with replace_existing to rebuild the table",
				spec.Source)
		}
		if existing.Strategy != spec.Strategy {
			return errors.Newf(errors.ErrorTypeConfiguration,
				"%s: CDC strategy changed from %s to %s; re-run setup with replace_existing to rebuild the table",
				spec.Source, existing.Strategy, spec.Strategy)
		}
	}

	if err := e.target.EnsureSchema(ctx, spec.TargetSchema); err != nil {
		return err
	}
	if err := e.target.CreateTable(ctx, spec, e.cfg.ReplaceExisting); err != nil {
		return err
	}
	if spec.Strategy.UsesStream() {
		if err := e.source.CreateChangeTracking(ctx, spec, e.cfg.ReplaceExisting); err != nil {
			return err
		}
	}

	rec := &warehouse.SyncRecord{
		Table:           spec.Source,
		TargetSchema:    spec.TargetSchema,
		TargetTable:     spec.TargetTable,
		Strategy:        spec.Strategy,
		IdentityColumns: spec.IdentityColumns,
		Columns:         spec.Columns,
		Fingerprint:     fingerprint,
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		rec.LastSyncAt = existing.LastSyncAt
		rec.LastRunID = existing.LastRunID
	}

	tx, err := e.target.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.WriteSyncRecord(ctx, rec); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logger.Info("table set up",
		zap.String("table", spec.Source.String()),
		zap.String("target", spec.TargetName()),
		zap.String("strategy", string(spec.Strategy)))
	return nil
}
