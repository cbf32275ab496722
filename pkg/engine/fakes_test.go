package engine

import (
	"context"
	"sync"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// fakeSource emulates a stream-backed source warehouse in memory: a stream
// of pending change records and a processing table of drained, run-tagged
// records.
type fakeSource struct {
	mu sync.Mutex

	columns      []warehouse.ColumnSpec
	stream       []warehouse.ChangeRecord
	processing   []taggedRecord
	snapshotRows [][]interface{}

	cleanupErr      error
	trackingCreated bool
	drainCalls      int
	cleanupCalls    int
}

type taggedRecord struct {
	rec   warehouse.ChangeRecord
	runID string
}

func (s *fakeSource) Connect(ctx context.Context) error { return nil }
func (s *fakeSource) Close() error                      { return nil }

func (s *fakeSource) DescribeTable(ctx context.Context, table warehouse.TableRef) ([]warehouse.ColumnSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]warehouse.ColumnSpec, len(s.columns))
	copy(out, s.columns)
	return out, nil
}

func (s *fakeSource) CreateChangeTracking(ctx context.Context, spec *warehouse.TableSpec, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackingCreated = true
	return nil
}

func (s *fakeSource) DropChangeTracking(ctx context.Context, spec *warehouse.TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackingCreated = false
	return nil
}

func (s *fakeSource) DrainStream(ctx context.Context, spec *warehouse.TableSpec, runID string, completedRuns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainCalls++

	done := make(map[string]bool, len(completedRuns))
	for _, id := range completedRuns {
		done[id] = true
	}
	kept := s.processing[:0]
	for _, t := range s.processing {
		if !done[t.runID] {
			kept = append(kept, t)
		}
	}
	s.processing = kept

	for _, rec := range s.stream {
		s.processing = append(s.processing, taggedRecord{rec: rec, runID: runID})
	}
	s.stream = nil
	return nil
}

func (s *fakeSource) Changes(ctx context.Context, spec *warehouse.TableSpec, chunkRows int) (warehouse.ChangeIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]warehouse.ChangeRecord, len(s.processing))
	for i, t := range s.processing {
		records[i] = copyRecord(t.rec)
		records[i].Seq = int64(i + 1)
	}
	return &sliceChangeIterator{records: records, chunkRows: chunkRows}, nil
}

func (s *fakeSource) Snapshot(ctx context.Context, spec *warehouse.TableSpec, chunkRows int) (warehouse.RowIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	columns := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		if !c.Synthetic {
			columns = append(columns, c.Name)
		}
	}
	rows := make([][]interface{}, len(s.snapshotRows))
	for i, r := range s.snapshotRows {
		rows[i] = append([]interface{}(nil), r...)
	}
	return &sliceRowIterator{columns: columns, rows: rows, chunkRows: chunkRows}, nil
}

func (s *fakeSource) CleanupChanges(ctx context.Context, spec *warehouse.TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCalls++
	if s.cleanupErr != nil {
		err := s.cleanupErr
		s.cleanupErr = nil
		return err
	}
	s.processing = nil
	return nil
}

func copyRecord(rec warehouse.ChangeRecord) warehouse.ChangeRecord {
	out := rec
	if rec.Values != nil {
		out.Values = append([]interface{}(nil), rec.Values...)
	}
	if rec.Key != nil {
		out.Key = append([]interface{}(nil), rec.Key...)
	}
	return out
}

type sliceChangeIterator struct {
	records   []warehouse.ChangeRecord
	chunkRows int
	pos       int
}

func (it *sliceChangeIterator) Next(ctx context.Context) ([]warehouse.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "cancelled")
	}
	if it.pos >= len(it.records) {
		return nil, nil
	}
	end := it.pos + it.chunkRows
	if end > len(it.records) {
		end = len(it.records)
	}
	chunk := it.records[it.pos:end]
	it.pos = end
	return chunk, nil
}

func (it *sliceChangeIterator) Close() error { return nil }

type sliceRowIterator struct {
	columns   []string
	rows      [][]interface{}
	chunkRows int
	pos       int
}

func (it *sliceRowIterator) Next(ctx context.Context) (*warehouse.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "cancelled")
	}
	if it.pos >= len(it.rows) {
		return nil, nil
	}
	end := it.pos + it.chunkRows
	if end > len(it.rows) {
		end = len(it.rows)
	}
	batch := &warehouse.Batch{Columns: it.columns, Rows: it.rows[it.pos:end]}
	it.pos = end
	return batch, nil
}

func (it *sliceRowIterator) Close() error { return nil }

// fakeTarget emulates a target warehouse with copy-on-write transactions:
// a fakeTx stages against a deep copy and swaps it in on commit, so
// rollback semantics are real.
type fakeTarget struct {
	mu sync.Mutex

	caps          warehouse.Capabilities
	tables        map[string]*fakeTable
	syncRecords   map[string]*warehouse.SyncRecord
	completedRuns map[string][]string

	// failWrites injects this many retryable write failures before
	// writes succeed again.
	failWrites int
}

type fakeTable struct {
	columns []string
	rows    [][]interface{}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		caps:          warehouse.Capabilities{NativeUpsert: true, TransactionalDDL: true},
		tables:        make(map[string]*fakeTable),
		syncRecords:   make(map[string]*warehouse.SyncRecord),
		completedRuns: make(map[string][]string),
	}
}

func (t *fakeTarget) Dialect() string                      { return "sqlite" }
func (t *fakeTarget) Capabilities() warehouse.Capabilities { return t.caps }
func (t *fakeTarget) Connect(ctx context.Context) error    { return nil }
func (t *fakeTarget) Close() error                         { return nil }

func (t *fakeTarget) EnsureChangeTracking(ctx context.Context, replaceExisting bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if replaceExisting {
		t.syncRecords = make(map[string]*warehouse.SyncRecord)
		t.completedRuns = make(map[string][]string)
	}
	return nil
}

func (t *fakeTarget) EnsureSchema(ctx context.Context, schema string) error { return nil }

func (t *fakeTarget) CreateTable(ctx context.Context, spec *warehouse.TableSpec, replaceExisting bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := spec.TargetName()
	if _, ok := t.tables[name]; !ok || replaceExisting {
		t.tables[name] = &fakeTable{columns: spec.ColumnNames()}
	}
	return nil
}

func (t *fakeTarget) DropTable(ctx context.Context, table string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tables, table)
	return nil
}

func (t *fakeTarget) TableExists(ctx context.Context, schema, table string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tables[schema+"."+table]
	return ok, nil
}

func (t *fakeTarget) Begin(ctx context.Context) (warehouse.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &fakeTx{
		target:        t,
		tables:        cloneTables(t.tables),
		syncRecords:   cloneSyncRecords(t.syncRecords),
		completedRuns: cloneRuns(t.completedRuns),
	}, nil
}

func (t *fakeTarget) GetSyncRecord(ctx context.Context, table warehouse.TableRef) (*warehouse.SyncRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.syncRecords[table.String()]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (t *fakeTarget) ListSyncRecords(ctx context.Context) ([]warehouse.SyncRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]warehouse.SyncRecord, 0, len(t.syncRecords))
	for _, rec := range t.syncRecords {
		out = append(out, *rec)
	}
	return out, nil
}

func (t *fakeTarget) DeleteSyncRecord(ctx context.Context, table warehouse.TableRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.syncRecords, table.String())
	delete(t.completedRuns, table.String())
	return nil
}

func (t *fakeTarget) CompletedRunIDs(ctx context.Context, table warehouse.TableRef) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.completedRuns[table.String()]...), nil
}

func (t *fakeTarget) rowCount(table string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tbl, ok := t.tables[table]; ok {
		return len(tbl.rows)
	}
	return 0
}

func (t *fakeTarget) tableRows(table string) [][]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, ok := t.tables[table]
	if !ok {
		return nil
	}
	out := make([][]interface{}, len(tbl.rows))
	for i, r := range tbl.rows {
		out[i] = append([]interface{}(nil), r...)
	}
	return out
}

func cloneTables(tables map[string]*fakeTable) map[string]*fakeTable {
	out := make(map[string]*fakeTable, len(tables))
	for name, tbl := range tables {
		rows := make([][]interface{}, len(tbl.rows))
		for i, r := range tbl.rows {
			rows[i] = append([]interface{}(nil), r...)
		}
		out[name] = &fakeTable{columns: append([]string(nil), tbl.columns...), rows: rows}
	}
	return out
}

func cloneSyncRecords(recs map[string]*warehouse.SyncRecord) map[string]*warehouse.SyncRecord {
	out := make(map[string]*warehouse.SyncRecord, len(recs))
	for k, rec := range recs {
		cp := *rec
		out[k] = &cp
	}
	return out
}

func cloneRuns(runs map[string][]string) map[string][]string {
	out := make(map[string][]string, len(runs))
	for k, ids := range runs {
		out[k] = append([]string(nil), ids...)
	}
	return out
}

type fakeTx struct {
	target        *fakeTarget
	tables        map[string]*fakeTable
	syncRecords   map[string]*warehouse.SyncRecord
	completedRuns map[string][]string
	done          bool
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	tx.target.tables = tx.tables
	tx.target.syncRecords = tx.syncRecords
	tx.target.completedRuns = tx.completedRuns
	tx.done = true
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	tx.done = true
	return nil
}

func (tx *fakeTx) maybeFail() error {
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	if tx.target.failWrites > 0 {
		tx.target.failWrites--
		return errors.New(errors.ErrorTypeConnection, "injected transient write failure")
	}
	return nil
}

func (tx *fakeTx) table(name string) (*fakeTable, error) {
	tbl, ok := tx.tables[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeTargetWrite, "no such table %s", name)
	}
	return tbl, nil
}

func (tx *fakeTx) TruncateTable(ctx context.Context, table string) error {
	if err := tx.maybeFail(); err != nil {
		return err
	}
	tbl, err := tx.table(table)
	if err != nil {
		return err
	}
	tbl.rows = nil
	return nil
}

func (tx *fakeTx) BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) error {
	if err := tx.maybeFail(); err != nil {
		return err
	}
	tbl, err := tx.table(table)
	if err != nil {
		return err
	}
	for _, row := range rows {
		tbl.rows = append(tbl.rows, append([]interface{}(nil), row...))
	}
	return nil
}

func (tx *fakeTx) Upsert(ctx context.Context, table string, columns, keyColumns []string, rows [][]interface{}) error {
	if err := tx.maybeFail(); err != nil {
		return err
	}
	tbl, err := tx.table(table)
	if err != nil {
		return err
	}
	keyIdx, err := columnIndexes(tbl.columns, keyColumns)
	if err != nil {
		return err
	}
	for _, row := range rows {
		replaced := false
		for i, existing := range tbl.rows {
			if sameKey(existing, row, keyIdx) {
				tbl.rows[i] = append([]interface{}(nil), row...)
				replaced = true
				break
			}
		}
		if !replaced {
			tbl.rows = append(tbl.rows, append([]interface{}(nil), row...))
		}
	}
	return nil
}

func (tx *fakeTx) DeleteByKey(ctx context.Context, table string, keyColumns []string, keys [][]interface{}) error {
	if err := tx.maybeFail(); err != nil {
		return err
	}
	tbl, err := tx.table(table)
	if err != nil {
		return err
	}
	keyIdx, err := columnIndexes(tbl.columns, keyColumns)
	if err != nil {
		return err
	}
	kept := tbl.rows[:0]
	for _, row := range tbl.rows {
		matched := false
		for _, key := range keys {
			if rowMatchesKey(row, key, keyIdx) {
				matched = true
				break
			}
		}
		if !matched {
			kept = append(kept, row)
		}
	}
	tbl.rows = kept
	return nil
}

func (tx *fakeTx) WriteSyncRecord(ctx context.Context, rec *warehouse.SyncRecord) error {
	if err := tx.maybeFail(); err != nil {
		return err
	}
	cp := *rec
	tx.syncRecords[rec.Table.String()] = &cp
	return nil
}

func (tx *fakeTx) RecordCompletedRun(ctx context.Context, table warehouse.TableRef, runID string) error {
	if err := tx.maybeFail(); err != nil {
		return err
	}
	key := table.String()
	tx.completedRuns[key] = append(tx.completedRuns[key], runID)
	return nil
}

func columnIndexes(columns, wanted []string) ([]int, error) {
	byName := make(map[string]int, len(columns))
	for i, c := range columns {
		byName[c] = i
	}
	idx := make([]int, len(wanted))
	for i, w := range wanted {
		pos, ok := byName[w]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeTargetWrite, "no such column %s", w)
		}
		idx[i] = pos
	}
	return idx, nil
}

func sameKey(a, b []interface{}, keyIdx []int) bool {
	for _, i := range keyIdx {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func rowMatchesKey(row, key []interface{}, keyIdx []int) bool {
	for i, idx := range keyIdx {
		if row[idx] != key[i] {
			return false
		}
	}
	return true
}
