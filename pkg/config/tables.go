package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// TableEntry is one row of the replicated table list before schema
// resolution.
type TableEntry struct {
	Ref      warehouse.TableRef
	Strategy warehouse.Strategy
}

// LoadTables reads the CSV table list referenced by tables_config.path.
// Expected header: database,schema,table,cdc_type. A blank cdc_type
// defaults to standard_stream.
func (c *Config) LoadTables() ([]TableEntry, error) {
	f, err := os.Open(c.TablesConfig.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "cannot open tables config file")
	}
	defer f.Close()
	return ParseTables(f)
}

// ParseTables parses the CSV table list.
func ParseTables(r io.Reader) ([]TableEntry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "cannot read tables config header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	fields := make(map[string]int, len(header))
	for i, name := range header {
		fields[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"database", "schema", "table"} {
		if _, ok := fields[required]; !ok {
			return nil, errors.Newf(errors.ErrorTypeConfiguration,
				"tables config is missing the %q column", required)
		}
	}

	var entries []TableEntry
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "cannot read tables config")
		}

		ref := warehouse.TableRef{
			Database: cell(record, fields, "database"),
			Schema:   cell(record, fields, "schema"),
			Table:    cell(record, fields, "table"),
		}
		if ref.Database == "" || ref.Schema == "" || ref.Table == "" {
			return nil, errors.Newf(errors.ErrorTypeConfiguration,
				"missing a database, schema, or table name in row %d", row)
		}

		strategy, err := warehouse.ParseStrategy(cell(record, fields, "cdc_type"))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfiguration,
				fmt.Sprintf("invalid cdc_type in row %d", row))
		}

		entries = append(entries, TableEntry{Ref: ref, Strategy: strategy})
		row++
	}

	if len(entries) == 0 {
		return nil, errors.New(errors.ErrorTypeConfiguration, "no tables to transfer found")
	}
	if err := checkTargetCollisions(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func cell(record []string, fields map[string]int, name string) string {
	i, ok := fields[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// checkTargetCollisions rejects configurations where the same schema+table
// name appears under two source databases: both would land on one flat
// target name, so this is a detected configuration error rather than a
// silent overwrite.
func checkTargetCollisions(entries []TableEntry) error {
	seen := make(map[string]warehouse.TableRef, len(entries))
	for _, e := range entries {
		key := strings.ToLower(e.Ref.Schema + "." + e.Ref.Table)
		if prior, ok := seen[key]; ok {
			if strings.EqualFold(prior.Database, e.Ref.Database) {
				return errors.Newf(errors.ErrorTypeConfiguration,
					"%s is configured twice", e.Ref)
			}
			return errors.Newf(errors.ErrorTypeConfiguration,
				"%s and %s would replicate into the same target table %s.%s",
				prior, e.Ref, e.Ref.Schema, e.Ref.Table)
		}
		seen[key] = e.Ref
	}
	return nil
}
