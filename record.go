package ragicsync

// RawRecord is one record as the source returns it: localized field names
// mapped to untyped scalars. Shape varies per sheet and over time.
type RawRecord map[string]any

// Record is one transformed record: canonical field names mapped to values
// already coerced to the destination schema's types.
type Record map[string]any

// InvalidRecord pairs a rejected source record with the reasons it was
// rejected. Invalid records are reported, never retried.
type InvalidRecord struct {
	Index  int       `json:"index"`
	Errors []string  `json:"errors"`
	Raw    RawRecord `json:"raw"`
}
