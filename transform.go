package ragicsync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Tokens accepted as an affirmative boolean, including the localized forms
// the source uses for "issued".
var trueTokens = map[string]struct{}{
	"true": {},
	"1":    {},
	"yes":  {},
	"y":    {},
	"是":    {},
	"開立":   {},
}

// TransformReport summarizes one transform run: what was dropped, what was
// defaulted, and why. These counts are what lets an operator tell a clean run
// from one that silently shed data.
type TransformReport struct {
	Input         int             `json:"input"`
	Output        int             `json:"output"`
	Invalid       []InvalidRecord `json:"invalid,omitempty"`
	UnknownFields map[string]int  `json:"unknown_fields,omitempty"`
	FieldFailures map[string]int  `json:"field_failures,omitempty"`
}

// Transformer converts raw source records for one sheet into typed records
// constrained by a Schema. A bad field defaults and counts; only a missing
// business key rejects the whole record.
type Transformer struct {
	sheetCode    string
	mapper       *FieldMapper
	types        map[string]FieldType
	rawShadows   map[string]string
	nonNullable  map[string]struct{}
	dropUnmapped bool
}

// NewTransformer builds a transformer for one sheet against schema. When
// dropUnmapped is set, fields no mapping layer knows are counted but not
// emitted; otherwise they pass through under their generated names and the
// upload projection decides their fate.
func NewTransformer(sheetCode string, mapper *FieldMapper, schema Schema, dropUnmapped bool) *Transformer {
	return &Transformer{
		sheetCode:    sheetCode,
		mapper:       mapper,
		types:        schema.Types(),
		rawShadows:   schema.RawShadows(),
		nonNullable:  map[string]struct{}{KeyColumn: {}},
		dropUnmapped: dropUnmapped,
	}
}

// Transform converts a batch. It never fails on a single bad record; the
// report carries everything that went wrong.
func (t *Transformer) Transform(ctx context.Context, raw []RawRecord) ([]Record, *TransformReport) {
	report := &TransformReport{
		Input:         len(raw),
		UnknownFields: map[string]int{},
		FieldFailures: map[string]int{},
	}

	out := make([]Record, 0, len(raw))
	for i, item := range raw {
		rec, errs := t.transformRecord(ctx, item, report)
		if rec == nil {
			report.Invalid = append(report.Invalid, InvalidRecord{Index: i, Errors: errs, Raw: item})
			continue
		}
		out = append(out, rec)
	}

	for name, n := range t.mapper.UnknownCounts() {
		report.UnknownFields[name] = n
	}
	report.Output = len(out)

	log.Ctx(ctx).Info().
		Str("sheet_code", t.sheetCode).
		Int("input", report.Input).
		Int("output", report.Output).
		Int("invalid", len(report.Invalid)).
		Msg("transform finished")
	return out, report
}

// transformRecord returns nil plus the reasons when the record must be
// excluded. Field-level trouble stays inside: the value defaults and the
// failure is counted.
func (t *Transformer) transformRecord(ctx context.Context, item RawRecord, report *TransformReport) (Record, []string) {
	rec := Record{}
	var errs []string
	invalid := false

	type resolved struct {
		canonical string
		value     any
	}
	fields := make([]resolved, 0, len(item))

	// Source names are visited in sorted order so that synonyms mapping to
	// one canonical column resolve the same way on every run.
	names := make([]string, 0, len(item))
	for name := range item {
		names = append(names, name)
	}
	sort.Strings(names)

	// Resolve names first so the order date is known before any sibling
	// inference runs, whatever order the source serialized its fields in.
	siblingDate := ""
	for _, name := range names {
		value := item[name]
		canonical, known := t.mapper.Resolve(ctx, name, stringValue(value))
		if !known && t.dropUnmapped {
			continue
		}
		if canonical == "order_date" && !isEmptyValue(value) {
			if d, err := normalizeDate(strings.TrimSpace(stringValue(value)), ""); err == nil {
				siblingDate = d
			}
		}
		fields = append(fields, resolved{canonical, value})
	}

	for _, f := range fields {
		canonical, value := f.canonical, f.value

		// When synonyms collide on one column, the first non-empty value
		// wins; an empty one only holds the column open.
		if existing, ok := rec[canonical]; ok && existing != nil {
			continue
		}

		if isEmptyValue(value) {
			if _, required := t.nonNullable[canonical]; required {
				errs = append(errs, fmt.Sprintf("field %s must not be empty", canonical))
				invalid = true
			}
			// Keep the column present so batches stay rectangular.
			rec[canonical] = nil
			continue
		}

		coerced, err := t.coerce(canonical, value, siblingDate)
		if err != nil {
			errs = append(errs, fmt.Sprintf("field %s: %v", canonical, err))
			report.FieldFailures[canonical]++
			rec[canonical] = defaultValue(t.types[canonical])
			if shadow, ok := t.rawShadows[canonical]; ok {
				rec[shadow] = stringValue(value)
			}
			continue
		}
		rec[canonical] = coerced
		if shadow, ok := t.rawShadows[canonical]; ok {
			rec[shadow] = stringValue(value)
		}
	}

	if !hasKey(rec) {
		errs = append(errs, fmt.Sprintf("field %s missing", KeyColumn))
		invalid = true
	}
	if invalid {
		return nil, errs
	}

	rec[SourceTableColumn] = t.sheetCode
	return rec, nil
}

func (t *Transformer) coerce(name string, value any, siblingDate string) (any, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(stringValue(value), ",", ""))

	switch t.types[name] {
	case TypeFloat:
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", stringValue(value))
		}
		return f, nil
	case TypeInteger:
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", stringValue(value))
		}
		return int64(f), nil
	case TypeBoolean:
		_, ok := trueTokens[strings.ToLower(cleaned)]
		return ok, nil
	case TypeDate:
		return normalizeDate(cleaned, siblingDate)
	case TypeTimestamp:
		return normalizeTimestamp(cleaned)
	default:
		return stringValue(value), nil
	}
}

func defaultValue(ft FieldType) any {
	switch ft {
	case TypeFloat:
		return 0.0
	case TypeInteger:
		return int64(0)
	case TypeBoolean:
		return false
	case TypeDate, TypeTimestamp:
		// No safe default exists for a time; NULL keeps the type honest.
		return nil
	default:
		return ""
	}
}

func hasKey(rec Record) bool {
	v, ok := rec[KeyColumn]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
