package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

const (
	phaseDeletes = iota
	phaseInserts
	phaseDone
)

// changeIterator reads the processing table in two passes, deletes then
// inserts, chunked at chunkRows records. Each pass opens its own query
// lazily so no result set is held longer than needed.
type changeIterator struct {
	db         *sql.DB
	spec       *warehouse.TableSpec
	processing string
	chunkRows  int
	keyIdx     []int

	phase  int
	opened bool
	rows   *sql.Rows
	seq    int64
}

func (it *changeIterator) Next(ctx context.Context) ([]warehouse.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "change read cancelled")
	}

	records := make([]warehouse.ChangeRecord, 0, it.chunkRows)
	for it.phase < phaseDone && len(records) < it.chunkRows {
		if it.phase == phaseDeletes && len(it.spec.IdentityColumns) == 0 {
			// No key list to select for a keyless table. Deletes still
			// have to be detected so the strategy check rejects them.
			n, err := it.countDeletes(ctx)
			if err != nil {
				return nil, err
			}
			it.phase = phaseInserts
			if n > 0 {
				it.seq++
				records = append(records, warehouse.ChangeRecord{
					Action: warehouse.ActionDelete,
					Seq:    it.seq,
				})
			}
			continue
		}
		if !it.opened {
			if err := it.open(ctx); err != nil {
				return nil, err
			}
		}
		if !it.rows.Next() {
			if err := it.rows.Err(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeSourceRead,
					fmt.Sprintf("failed to read changes for %s", it.spec.Source))
			}
			it.rows.Close()
			it.rows = nil
			it.opened = false
			it.phase++
			continue
		}

		var rec warehouse.ChangeRecord
		var err error
		if it.phase == phaseDeletes {
			rec, err = it.scanDelete()
		} else {
			rec, err = it.scanInsert()
		}
		if err != nil {
			return nil, err
		}
		it.seq++
		rec.Seq = it.seq
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, nil
	}
	return records, nil
}

func (it *changeIterator) countDeletes(ctx context.Context) (int64, error) {
	var n int64
	err := it.db.QueryRowContext(ctx, buildDeleteCountQuery(it.processing)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to read processing table %s", it.processing))
	}
	return n, nil
}

func (it *changeIterator) open(ctx context.Context) error {
	var query string
	if it.phase == phaseDeletes {
		query = buildDeleteQuery(it.processing, it.spec)
	} else {
		query = buildInsertQuery(it.processing, it.spec)
	}
	rows, err := it.db.QueryContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to read processing table %s", it.processing))
	}
	it.rows = rows
	it.opened = true
	return nil
}

func (it *changeIterator) scanDelete() (warehouse.ChangeRecord, error) {
	key := make([]interface{}, len(it.spec.IdentityColumns))
	scan := make([]interface{}, len(key))
	for i := range key {
		scan[i] = &key[i]
	}
	if err := it.rows.Scan(scan...); err != nil {
		return warehouse.ChangeRecord{}, errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to scan delete record for %s", it.spec.Source))
	}
	return warehouse.ChangeRecord{Action: warehouse.ActionDelete, Key: key}, nil
}

func (it *changeIterator) scanInsert() (warehouse.ChangeRecord, error) {
	values := make([]interface{}, len(it.spec.Columns)+1)
	scan := make([]interface{}, len(values))
	for i := range values {
		scan[i] = &values[i]
	}
	if err := it.rows.Scan(scan...); err != nil {
		return warehouse.ChangeRecord{}, errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to scan insert record for %s", it.spec.Source))
	}

	action := warehouse.ActionInsert
	if isTrue(values[len(values)-1]) {
		action = warehouse.ActionUpdate
	}
	row := values[:len(values)-1]

	key := make([]interface{}, len(it.keyIdx))
	for i, idx := range it.keyIdx {
		key[i] = row[idx]
	}
	return warehouse.ChangeRecord{Action: action, Values: row, Key: key}, nil
}

func (it *changeIterator) Close() error {
	it.phase = phaseDone
	if it.rows != nil {
		err := it.rows.Close()
		it.rows = nil
		return err
	}
	return nil
}

// isTrue interprets the processing table's isupdate flag, which lands as a
// string once copied through the VARCHAR metadata column.
func isTrue(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(x, "true")
	case []byte:
		return strings.EqualFold(string(x), "true")
	default:
		return false
	}
}

// snapshotIterator streams a full table scan in bounded chunks.
type snapshotIterator struct {
	rows      *sql.Rows
	columns   []string
	chunkRows int
	table     warehouse.TableRef
	done      bool
}

func (it *snapshotIterator) Next(ctx context.Context) (*warehouse.Batch, error) {
	if it.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "snapshot read cancelled")
	}

	batch := &warehouse.Batch{Columns: it.columns}
	for len(batch.Rows) < it.chunkRows && it.rows.Next() {
		values := make([]interface{}, len(it.columns))
		scan := make([]interface{}, len(values))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := it.rows.Scan(scan...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSourceRead,
				fmt.Sprintf("failed to scan snapshot row for %s", it.table))
		}
		batch.Rows = append(batch.Rows, values)
	}
	if err := it.rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceRead,
			fmt.Sprintf("failed to snapshot %s", it.table))
	}
	if len(batch.Rows) < it.chunkRows {
		it.done = true
	}
	if len(batch.Rows) == 0 {
		return nil, nil
	}
	return batch, nil
}

func (it *snapshotIterator) Close() error {
	it.done = true
	return it.rows.Close()
}
