// Package schema resolves row identity for replicated tables.
//
// Every table replicated under standard_stream needs a stable row identity
// for upserts and deletes: either the source table's declared primary key,
// or a synthetic surrogate column populated from the source stream's row
// ID metadata. Resolution is deterministic, so re-running setup for an
// unchanged table always yields the same identity.
package schema

import (
	"fmt"
	"strings"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// SyntheticColumnName is the base name for the generated surrogate identity
// column. On collision with an existing column the name is suffixed
// _2 through _9 before resolution fails.
const SyntheticColumnName = "melchi_row_id"

const maxSyntheticSuffix = 9

// ResolveIdentity determines a table's row identity from its described
// columns. It returns the identity column names and the column list,
// extended with the synthetic identity column when one was needed.
//
// Primary key columns are returned in declaration order. A synthetic column
// is only synthesized for standard_stream tables without a declared key;
// full_refresh and append_only_stream tables need no identity.
func ResolveIdentity(columns []warehouse.ColumnSpec, strategy warehouse.Strategy) ([]string, []warehouse.ColumnSpec, error) {
	var keys []string
	for _, c := range columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	if len(keys) > 0 {
		return keys, columns, nil
	}

	if strategy != warehouse.StandardStream {
		return nil, columns, nil
	}

	name, err := syntheticName(columns)
	if err != nil {
		return nil, nil, err
	}

	extended := make([]warehouse.ColumnSpec, len(columns), len(columns)+1)
	copy(extended, columns)
	extended = append(extended, warehouse.ColumnSpec{
		Name:       name,
		SourceType: "VARCHAR",
		TargetType: "TEXT",
		Nullable:   false,
		Position:   len(columns) + 1,
		Synthetic:  true,
	})
	return []string{name}, extended, nil
}

// normalize lowercases a column name for collision checks; source systems
// differ on identifier case folding.
func normalize(name string) string {
	return strings.ToLower(name)
}

// syntheticName picks the surrogate column name, suffixing on collision.
func syntheticName(columns []warehouse.ColumnSpec) (string, error) {
	taken := make(map[string]bool, len(columns))
	for _, c := range columns {
		taken[normalize(c.Name)] = true
	}

	if !taken[SyntheticColumnName] {
		return SyntheticColumnName, nil
	}
	for suffix := 2; suffix <= maxSyntheticSuffix; suffix++ {
		candidate := fmt.Sprintf("%s_%d", SyntheticColumnName, suffix)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", errors.Newf(errors.ErrorTypeIdentityCollision,
		"cannot synthesize an identity column: %s and all suffixed variants already exist", SyntheticColumnName)
}

// ValidateIdentity enforces the invariant that a table has exactly one
// identity definition: a non-empty primary key set, or exactly one
// synthetic column, never both and never neither (for strategies that
// require identity).
func ValidateIdentity(spec *warehouse.TableSpec) error {
	var naturalKeys, synthetic int
	for _, c := range spec.Columns {
		if c.PrimaryKey {
			naturalKeys++
		}
		if c.Synthetic {
			synthetic++
		}
	}

	if naturalKeys > 0 && synthetic > 0 {
		return errors.Newf(errors.ErrorTypeInternal,
			"%s has both a primary key and a synthetic identity column", spec.Source)
	}
	if synthetic > 1 {
		return errors.Newf(errors.ErrorTypeInternal,
			"%s has %d synthetic identity columns", spec.Source, synthetic)
	}
	if spec.Strategy == warehouse.StandardStream && naturalKeys == 0 && synthetic == 0 {
		return errors.Newf(errors.ErrorTypeInternal,
			"%s uses standard_stream but has no row identity", spec.Source)
	}
	return nil
}
