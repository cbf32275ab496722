package engine

import (
	"fmt"

	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/typemap"
	"github.com/ryanwith/melchi/pkg/warehouse"
)

// columnConverters resolves the per-column value converters for a table
// against the target dialect. Converter order matches column order.
func columnConverters(spec *warehouse.TableSpec, mapper *typemap.Mapper) ([]typemap.Converter, error) {
	convs := make([]typemap.Converter, len(spec.Columns))
	for i, c := range spec.Columns {
		mapping, err := mapper.Map(c.SourceType)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType,
				fmt.Sprintf("column %s of %s", c.Name, spec.Source))
		}
		convs[i] = mapping.Convert
	}
	return convs, nil
}

// keyConverters returns the converters for the identity columns, in
// identity order.
func keyConverters(spec *warehouse.TableSpec, convs []typemap.Converter) ([]typemap.Converter, error) {
	byName := make(map[string]int, len(spec.Columns))
	for i, c := range spec.Columns {
		byName[c.Name] = i
	}
	keyConvs := make([]typemap.Converter, len(spec.IdentityColumns))
	for i, k := range spec.IdentityColumns {
		idx, ok := byName[k]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeInternal,
				"identity column %s missing from column list of %s", k, spec.Source)
		}
		keyConvs[i] = convs[idx]
	}
	return keyConvs, nil
}

// normalizeChunk converts one captured chunk in place and enforces the
// table's strategy. Shape mismatches and conversion failures fail here,
// before any target write, so a bad chunk never poisons a transaction
// midway.
func normalizeChunk(spec *warehouse.TableSpec, convs, keyConvs []typemap.Converter, records []warehouse.ChangeRecord) error {
	for i := range records {
		rec := &records[i]

		if spec.Strategy == warehouse.AppendOnlyStream && rec.Action != warehouse.ActionInsert {
			return errors.Newf(errors.ErrorTypeStrategyViolation,
				"%s is append_only_stream but captured a %s record; re-run setup if the table now receives updates or deletes",
				spec.Source, rec.Action)
		}

		if rec.Values != nil {
			if len(rec.Values) != len(spec.Columns) {
				return errors.Newf(errors.ErrorTypeData,
					"%s: captured row has %d values, expected %d", spec.Source, len(rec.Values), len(spec.Columns))
			}
			for j, conv := range convs {
				converted, err := conv(rec.Values[j])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeData,
						fmt.Sprintf("%s: cannot convert column %s", spec.Source, spec.Columns[j].Name))
				}
				rec.Values[j] = converted
			}
		}

		if rec.Key != nil {
			if len(rec.Key) != len(spec.IdentityColumns) {
				return errors.Newf(errors.ErrorTypeData,
					"%s: captured key has %d values, expected %d", spec.Source, len(rec.Key), len(spec.IdentityColumns))
			}
			for j, conv := range keyConvs {
				converted, err := conv(rec.Key[j])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeData,
						fmt.Sprintf("%s: cannot convert identity column %s", spec.Source, spec.IdentityColumns[j]))
				}
				rec.Key[j] = converted
			}
		}
	}
	return nil
}

// normalizeBatch converts one snapshot batch in place.
func normalizeBatch(spec *warehouse.TableSpec, convs []typemap.Converter, batch *warehouse.Batch) error {
	if len(batch.Columns) > len(convs) {
		return errors.Newf(errors.ErrorTypeData,
			"%s: snapshot has %d columns, expected at most %d", spec.Source, len(batch.Columns), len(convs))
	}
	for _, row := range batch.Rows {
		if len(row) != len(batch.Columns) {
			return errors.Newf(errors.ErrorTypeData,
				"%s: snapshot row has %d values, expected %d", spec.Source, len(row), len(batch.Columns))
		}
		for j := range row {
			converted, err := convs[j](row[j])
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData,
					fmt.Sprintf("%s: cannot convert column %s", spec.Source, batch.Columns[j]))
			}
			row[j] = converted
		}
	}
	return nil
}
