package engine

import (
	"context"

	gojson "github.com/goccy/go-json"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/typemap"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// applyCounts tallies the rows written per action during one apply.
type applyCounts struct {
	Inserted int64
	Updated  int64
	Deleted  int64
}

func (c *applyCounts) add(other applyCounts) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Deleted += other.Deleted
}

// applyReplace loads a full snapshot into an emptied target table,
// converting each batch before it is written.
func applyReplace(ctx context.Context, tx warehouse.Tx, spec *warehouse.TableSpec, iter warehouse.RowIterator, convs []typemap.Converter) (applyCounts, error) {
	var counts applyCounts
	if err := tx.TruncateTable(ctx, spec.TargetName()); err != nil {
		return counts, err
	}
	for {
		batch, err := iter.Next(ctx)
		if err != nil {
			return counts, err
		}
		if batch == nil {
			return counts, nil
		}
		if err := normalizeBatch(spec, convs, batch); err != nil {
			return counts, err
		}
		if err := tx.BulkInsert(ctx, spec.TargetName(), batch.Columns, batch.Rows); err != nil {
			return counts, err
		}
		counts.Inserted += int64(len(batch.Rows))
	}
}

// applyAppend inserts captured rows in capture order. Strategy enforcement
// happened at normalization, so every record here is an insert.
func applyAppend(ctx context.Context, tx warehouse.Tx, spec *warehouse.TableSpec, records []warehouse.ChangeRecord) (applyCounts, error) {
	var counts applyCounts
	if len(records) == 0 {
		return counts, nil
	}
	rows := make([][]interface{}, len(records))
	for i, rec := range records {
		rows[i] = rec.Values
	}
	if err := tx.BulkInsert(ctx, spec.TargetName(), spec.ColumnNames(), rows); err != nil {
		return counts, err
	}
	counts.Inserted += int64(len(records))
	return counts, nil
}

// applyMerge applies one chunk of standard_stream records as its net
// effect: for each row identity only the last action in the chunk
// survives. Deletes run before upserts; a key deleted and re-inserted
// within the chunk nets to an upsert, which overwrites whatever the target
// holds. Chunks are applied in capture order, so last-writer-wins also
// holds across chunk boundaries.
func applyMerge(ctx context.Context, tx warehouse.Tx, caps warehouse.Capabilities, spec *warehouse.TableSpec, records []warehouse.ChangeRecord) (applyCounts, error) {
	var counts applyCounts
	if len(records) == 0 {
		return counts, nil
	}

	type netted struct {
		rec   warehouse.ChangeRecord
		order int
	}
	last := make(map[string]*netted, len(records))
	order := 0
	for _, rec := range records {
		key, err := keyString(rec.Key)
		if err != nil {
			return counts, err
		}
		if existing, ok := last[key]; ok {
			existing.rec = rec
			continue
		}
		last[key] = &netted{rec: rec, order: order}
		order++
	}

	// Net records in first-seen order keeps the apply deterministic.
	net := make([]warehouse.ChangeRecord, len(last))
	for _, n := range last {
		net[n.order] = n.rec
	}

	var deleteKeys [][]interface{}
	var upserts []warehouse.ChangeRecord
	for _, rec := range net {
		if rec.Action == warehouse.ActionDelete {
			deleteKeys = append(deleteKeys, rec.Key)
		} else {
			upserts = append(upserts, rec)
		}
	}

	if len(deleteKeys) > 0 {
		if err := tx.DeleteByKey(ctx, spec.TargetName(), spec.IdentityColumns, deleteKeys); err != nil {
			return counts, err
		}
		counts.Deleted += int64(len(deleteKeys))
	}

	if len(upserts) > 0 {
		rows := make([][]interface{}, len(upserts))
		for i, rec := range upserts {
			rows[i] = rec.Values
			if rec.Action == warehouse.ActionUpdate {
				counts.Updated++
			} else {
				counts.Inserted++
			}
		}
		if err := upsertRows(ctx, tx, caps, spec, upserts, rows); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// upsertRows writes the net upserts, using native upsert when the target
// has it and delete-then-insert when it does not.
func upsertRows(ctx context.Context, tx warehouse.Tx, caps warehouse.Capabilities, spec *warehouse.TableSpec, upserts []warehouse.ChangeRecord, rows [][]interface{}) error {
	if caps.NativeUpsert {
		return tx.Upsert(ctx, spec.TargetName(), spec.ColumnNames(), spec.IdentityColumns, rows)
	}

	keys := make([][]interface{}, len(upserts))
	for i, rec := range upserts {
		keys[i] = rec.Key
	}
	if err := tx.DeleteByKey(ctx, spec.TargetName(), spec.IdentityColumns, keys); err != nil {
		return err
	}
	return tx.BulkInsert(ctx, spec.TargetName(), spec.ColumnNames(), rows)
}

// keyString renders a row identity as a canonical map key.
func keyString(key []interface{}) (string, error) {
	if len(key) == 0 {
		return "", errors.New(errors.ErrorTypeInternal, "change record has no identity key")
	}
	encoded, err := gojson.Marshal(key)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "cannot encode identity key")
	}
	return string(encoded), nil
}
