package ragicsync

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"
	"golang.org/x/text/width"
)

// mappingStore is the dynamic mapping layer: operator-maintained overrides
// plus a feedback table of unknown fields observed in the wild. Both live in
// the warehouse; tests swap in a fake.
type mappingStore interface {
	// Overrides returns localized → canonical overrides for one sheet.
	Overrides(ctx context.Context, sheetCode string) (map[string]string, error)
	// RecordUnknown upserts one observed-unknown-field event.
	RecordUnknown(ctx context.Context, ev UnknownField) error
}

// UnknownField describes one localized field name no mapping layer knew,
// reported for later promotion to the static map by an operator.
type UnknownField struct {
	SheetCode   string
	SourceName  string
	Generated   string
	SampleValue string
}

// FieldMapper resolves localized field names to canonical schema names for
// one sheet. Resolution is total: static map, then dynamic overrides, then a
// deterministic fallback name for anything unknown.
type FieldMapper struct {
	sheetCode string
	static    map[string]string
	store     mappingStore

	merged  map[string]string
	unknown map[string]int
}

// NewFieldMapper builds a mapper for one sheet. store may be nil, leaving
// only the static and fallback layers active. The merged table is cached for
// the mapper's lifetime; construct one mapper per run per sheet.
func NewFieldMapper(sheetCode string, store mappingStore) *FieldMapper {
	return &FieldMapper{
		sheetCode: sheetCode,
		static:    StaticFieldMap(sheetCode),
		store:     store,
		unknown:   map[string]int{},
	}
}

// Resolve maps one localized field name to a canonical name. The second
// return value reports whether any mapping layer knew the name; fallback
// names are generated deterministically so repeated unknowns land in the
// same column. sample is only used when reporting an unknown field.
func (m *FieldMapper) Resolve(ctx context.Context, name, sample string) (string, bool) {
	if canonical, ok := m.mapping(ctx)[name]; ok {
		return canonical, true
	}

	generated := fallbackFieldName(name)
	if m.unknown[name] == 0 {
		log.Ctx(ctx).Warn().
			Str("sheet_code", m.sheetCode).
			Str("field", name).
			Str("generated", generated).
			Msg("unmapped source field")
		if m.store != nil {
			ev := UnknownField{
				SheetCode:   m.sheetCode,
				SourceName:  name,
				Generated:   generated,
				SampleValue: truncate(sample, 500),
			}
			if err := m.store.RecordUnknown(ctx, ev); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("field", name).Msg("failed to record unknown field")
			}
		}
	}
	m.unknown[name]++

	return generated, false
}

// UnknownCounts returns how often each unmapped field name was seen.
func (m *FieldMapper) UnknownCounts() map[string]int {
	out := make(map[string]int, len(m.unknown))
	for k, v := range m.unknown {
		out[k] = v
	}
	return out
}

// Invalidate drops the cached merged table so the next Resolve refetches the
// dynamic layer.
func (m *FieldMapper) Invalidate() {
	m.merged = nil
}

func (m *FieldMapper) mapping(ctx context.Context) map[string]string {
	if m.merged != nil {
		return m.merged
	}

	merged := make(map[string]string, len(m.static))
	for k, v := range m.static {
		merged[k] = v
	}
	if m.store != nil {
		overrides, err := m.store.Overrides(ctx, m.sheetCode)
		if err != nil {
			// The static layer must keep working when the store is down.
			log.Ctx(ctx).Warn().Err(err).
				Str("sheet_code", m.sheetCode).
				Msg("dynamic field mapping unavailable, using static map only")
		}
		for k, v := range overrides {
			merged[k] = v
		}
	}
	m.merged = merged
	return merged
}

// fallbackFieldName derives a stable ASCII column name for an unmapped
// localized field: full-width characters are folded to their ASCII
// counterparts, identifier-safe runes kept, and a short hash of the original
// name appended so distinct names never collapse into one column.
func fallbackFieldName(name string) string {
	folded := width.Fold.String(name)

	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	stem := strings.Trim(b.String(), "_")
	if len(stem) > 24 {
		stem = stem[:24]
	}

	h := xxh3.HashString(name)
	if stem == "" {
		return fmt.Sprintf("unknown_%08x", uint32(h))
	}
	return fmt.Sprintf("unknown_%s_%08x", stem, uint32(h))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
