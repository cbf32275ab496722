// Package metadata provides the durable sync metadata helpers shared by
// target adapters: canonical schema snapshots, fingerprints for drift
// detection, and the table names of the metadata store.
//
// The metadata store itself lives in the target warehouse, inside the
// change tracking schema, and is written only inside the same transaction
// as a table's apply. Target adapters own the SQL; this package owns the
// representation.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"

	gojson "github.com/goccy/go-json"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// Metadata store table names, created inside the target's change tracking
// schema.
const (
	CapturedTablesTable = "melchi_captured_tables"
	SourceColumnsTable  = "melchi_source_columns"
	CompletedRunsTable  = "melchi_completed_runs"
)

// snapshotColumn is the canonical per-column snapshot persisted for drift
// detection. Field order matters: the fingerprint hashes the encoded form.
type snapshotColumn struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	TargetType string `json:"target_type"`
	Nullable   bool   `json:"nullable"`
	Position   int    `json:"position"`
	PrimaryKey bool   `json:"primary_key"`
	Synthetic  bool   `json:"synthetic"`
}

// EncodeSnapshot serializes a column list into its canonical JSON snapshot.
func EncodeSnapshot(columns []warehouse.ColumnSpec) (string, error) {
	cols := make([]snapshotColumn, len(columns))
	for i, c := range columns {
		cols[i] = snapshotColumn{
			Name:       c.Name,
			SourceType: c.SourceType,
			TargetType: c.TargetType,
			Nullable:   c.Nullable,
			Position:   c.Position,
			PrimaryKey: c.PrimaryKey,
			Synthetic:  c.Synthetic,
		}
	}
	encoded, err := gojson.Marshal(cols)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "cannot encode schema snapshot")
	}
	return string(encoded), nil
}

// DecodeSnapshot restores a column list from its canonical JSON snapshot.
func DecodeSnapshot(snapshot string) ([]warehouse.ColumnSpec, error) {
	var cols []snapshotColumn
	if err := gojson.Unmarshal([]byte(snapshot), &cols); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cannot decode schema snapshot")
	}
	specs := make([]warehouse.ColumnSpec, len(cols))
	for i, c := range cols {
		specs[i] = warehouse.ColumnSpec{
			Name:       c.Name,
			SourceType: c.SourceType,
			TargetType: c.TargetType,
			Nullable:   c.Nullable,
			Position:   c.Position,
			PrimaryKey: c.PrimaryKey,
			Synthetic:  c.Synthetic,
		}
	}
	return specs, nil
}

// Fingerprint digests a column list for schema drift detection. Identical
// schemas always produce identical fingerprints.
func Fingerprint(columns []warehouse.ColumnSpec) (string, error) {
	snapshot, err := EncodeSnapshot(columns)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(snapshot))
	return hex.EncodeToString(sum[:]), nil
}
