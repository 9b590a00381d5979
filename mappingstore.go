package ragicsync

import (
	"context"
	"fmt"
	"time"
)

// Warehouse tables backing the dynamic mapping layer. field_mappings holds
// operator-maintained overrides; unknown_fields collects what the mapper
// could not resolve so operators know what to add.
const (
	fieldMappingsTable = "field_mappings"
	unknownFieldsTable = "unknown_fields"
)

var unknownFieldsSchema = Schema{
	{"sheet_code", TypeString},
	{"source_name", TypeString},
	{"generated_name", TypeString},
	{"sample_value", TypeString},
	{"seen_count", TypeInteger},
	{"first_seen_at", TypeTimestamp},
	{"last_seen_at", TypeTimestamp},
}

type bqMappingStore struct {
	wh warehouse
}

func newBQMappingStore(wh warehouse) mappingStore {
	return &bqMappingStore{wh: wh}
}

func (s *bqMappingStore) Overrides(ctx context.Context, sheetCode string) (map[string]string, error) {
	query := fmt.Sprintf(
		"SELECT source_name, canonical_name FROM %s WHERE sheet_code IN ('*', @sheet_code)",
		quoteTable(s.wh.TableRef(fieldMappingsTable)))

	rows, err := s.wh.Query(ctx, query, map[string]any{"sheet_code": sheetCode})
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		src, _ := row["source_name"].(string)
		dst, _ := row["canonical_name"].(string)
		if src != "" && dst != "" {
			out[src] = dst
		}
	}
	return out, nil
}

// RecordUnknown upserts one unknown-field observation, bumping the seen count
// when the same name shows up again.
func (s *bqMappingStore) RecordUnknown(ctx context.Context, ev UnknownField) error {
	query := fmt.Sprintf(`MERGE %s T
USING (SELECT @sheet_code AS sheet_code, @source_name AS source_name) S
ON T.sheet_code = S.sheet_code AND T.source_name = S.source_name
WHEN MATCHED THEN UPDATE SET
  seen_count = T.seen_count + 1,
  sample_value = @sample_value,
  last_seen_at = @now
WHEN NOT MATCHED THEN INSERT
  (sheet_code, source_name, generated_name, sample_value, seen_count, first_seen_at, last_seen_at)
  VALUES (@sheet_code, @source_name, @generated_name, @sample_value, 1, @now, @now)`,
		quoteTable(s.wh.TableRef(unknownFieldsTable)))

	if err := s.wh.EnsureTable(ctx, unknownFieldsTable, unknownFieldsSchema); err != nil {
		return err
	}
	_, err := s.wh.Exec(ctx, query, map[string]any{
		"sheet_code":     ev.SheetCode,
		"source_name":    ev.SourceName,
		"generated_name": ev.Generated,
		"sample_value":   ev.SampleValue,
		"now":            time.Now().UTC(),
	})
	return err
}
