package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ryanwith/melchi/pkg/errors"
)

// Strategy is the CDC strategy in effect for a replicated table. It is a
// closed set: adding a strategy means adding one constant here and one
// algorithm in the applier.
type Strategy string

const (
	// FullRefresh truncates the target and reloads the full source table
	// on every sync. No source-side change tracking objects are created.
	FullRefresh Strategy = "full_refresh"
	// StandardStream applies incremental inserts, updates, and deletes
	// from a source change stream, keyed by row identity.
	StandardStream Strategy = "standard_stream"
	// AppendOnlyStream applies incremental inserts from an append-only
	// source change stream. Updates and deletes are structurally excluded.
	AppendOnlyStream Strategy = "append_only_stream"
)

// ParseStrategy parses a configured cdc_type value. An empty value defaults
// to standard_stream. The short forms "standard" and "append_only" are
// accepted for compatibility with older table config files.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "standard_stream":
		return StandardStream, nil
	case "append_only", "append_only_stream":
		return AppendOnlyStream, nil
	case "full_refresh":
		return FullRefresh, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfiguration,
			"%q is not a valid CDC type: use full_refresh, standard_stream, or append_only_stream", s)
	}
}

// UsesStream reports whether the strategy requires source-side change
// tracking objects (a stream and a processing table).
func (s Strategy) UsesStream() bool {
	return s == StandardStream || s == AppendOnlyStream
}

// TableRef identifies a table in the source warehouse.
type TableRef struct {
	Database string `yaml:"database" json:"database"`
	Schema   string `yaml:"schema" json:"schema"`
	Table    string `yaml:"table" json:"table"`
}

// String returns the fully qualified source table name.
func (r TableRef) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Database, r.Schema, r.Table)
}

// ChangeTrackingName returns the deterministic, collision-free base name
// for this table's change tracking objects. Two tables sharing a
// schema+table name across different databases remain distinguishable;
// the only ambiguity left is the flat target namespace, which is rejected
// at configuration time.
func (r TableRef) ChangeTrackingName() string {
	return fmt.Sprintf("%s$%s$%s", r.Database, r.Schema, r.Table)
}

// ColumnSpec describes one replicated column: its source declaration, the
// mapped target type, and its role in row identity.
type ColumnSpec struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	TargetType string `json:"target_type"`
	Nullable   bool   `json:"nullable"`
	Position   int    `json:"position"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primary_key"`
	// Synthetic marks the generated surrogate identity column added when
	// the source table declares no primary key.
	Synthetic bool `json:"synthetic,omitempty"`
}

// TableSpec identifies one replicated table: where it comes from, where it
// lands, its CDC strategy, and its resolved column list. TableSpecs are
// built from configuration at setup time and are read-only to the engine.
type TableSpec struct {
	Source       TableRef
	TargetSchema string
	TargetTable  string
	Strategy     Strategy
	Columns      []ColumnSpec
	// IdentityColumns is the resolved row identity: either the source
	// primary key columns in declaration order, or exactly one synthetic
	// column. Empty only for tables that never need identity
	// (full_refresh and append_only_stream).
	IdentityColumns []string
}

// TargetName returns the qualified target table name.
func (t *TableSpec) TargetName() string {
	return fmt.Sprintf("%s.%s", t.TargetSchema, t.TargetTable)
}

// ColumnNames returns the column names in ordinal order.
func (t *TableSpec) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// SyntheticIdentity reports whether the table's row identity is a generated
// surrogate column rather than a natural primary key.
func (t *TableSpec) SyntheticIdentity() bool {
	for _, c := range t.Columns {
		if c.Synthetic {
			return true
		}
	}
	return false
}

// Action is the kind of mutation carried by a change record.
type Action uint8

const (
	ActionInsert Action = iota + 1
	ActionUpdate
	ActionDelete
)

// String returns the action name as it appears in logs and reports.
func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "INSERT"
	case ActionUpdate:
		return "UPDATE"
	case ActionDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// ChangeRecord is one captured mutation. Values holds the full row in
// ColumnSpec order for inserts and updates, and is nil for deletes. Key
// holds the row identity values. Seq is a monotonically non-decreasing
// marker assigned at capture, used only for ordering within a batch.
//
// ChangeRecords are ephemeral: they exist between capture and apply within
// one sync attempt and are never persisted beyond the source processing
// table.
type ChangeRecord struct {
	Action Action
	Seq    int64
	Values []interface{}
	Key    []interface{}
}

// Batch is a bounded chunk of rows for bulk loading. Memory use during a
// sync is a function of the configured chunk size, not of table size.
type Batch struct {
	Columns []string
	Rows    [][]interface{}
}

// RowIterator streams snapshot rows in bounded chunks. Next returns
// (nil, nil) when the sequence is exhausted.
type RowIterator interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// ChangeIterator streams normalized change records in bounded, ordered
// chunks. Next returns (nil, nil) when the sequence is exhausted.
type ChangeIterator interface {
	Next(ctx context.Context) ([]ChangeRecord, error)
	Close() error
}

// SyncRecord is the durable per-table sync metadata: the strategy and
// identity in effect, the schema snapshot used at the last successful sync,
// and the watermark. It is mutated only inside the same target transaction
// as the apply, which is what makes reruns idempotent.
type SyncRecord struct {
	Table           TableRef
	TargetSchema    string
	TargetTable     string
	Strategy        Strategy
	IdentityColumns []string
	// Columns is the schema snapshot in effect when the table was set up.
	Columns []ColumnSpec
	// Fingerprint is a digest of the column list used for schema drift
	// detection on subsequent setups.
	Fingerprint string
	CreatedAt   time.Time
	LastSyncAt  time.Time
	LastRunID   string
}
