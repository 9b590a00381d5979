package ragicsync

import (
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// The source reports civil time with no zone. All of its deployments run in
// UTC+8, so naive values are interpreted there and compared as UTC instants.
// Stored values stay in the normalized civil form; only comparisons shift.
var sourceZone = time.FixedZone("UTC+8", 8*60*60)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"2006-01-02",
	"2006/01/02",
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
}

// Placeholder strings the source emits where an operator left a field blank.
var garbageTokens = map[string]struct{}{
	"不指定":     {},
	"N/A":     {},
	"NA":      {},
	"-":       {},
	"—":       {},
	"null":    {},
	"None":    {},
	"ADDLINE": {},
}

func isGarbageToken(s string) bool {
	_, ok := garbageTokens[strings.TrimSpace(s)]
	return ok
}

// parseSourceTime parses one of the source's civil-time forms and returns the
// corresponding UTC instant. This is the comparison path used against the
// watermark; it must interpret naive values in the source zone exactly once.
func parseSourceTime(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" || isGarbageToken(v) {
		return time.Time{}, xerrors.Errorf("unparseable time %q", s)
	}

	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, sourceZone); err == nil {
			return t.UTC(), nil
		}
	}
	if len(v) == 14 && isDigits(v) {
		if t, err := time.ParseInLocation("20060102150405", v, sourceZone); err == nil {
			return t.UTC(), nil
		}
	}
	// ISO-8601 with an explicit zone carries its own offset.
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(timestampLayout, v, sourceZone); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, xerrors.Errorf("unparseable time %q", s)
}

// normalizeTimestamp rewrites a source timestamp into the fixed zoneless
// storage form. Date-only values gain a midnight time part.
func normalizeTimestamp(s string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" || isGarbageToken(v) {
		return "", xerrors.Errorf("unparseable timestamp %q", s)
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(timestampLayout), nil
		}
	}
	if len(v) == 14 && isDigits(v) {
		if t, err := time.Parse("20060102150405", v); err == nil {
			return t.Format(timestampLayout), nil
		}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.Format(timestampLayout), nil
	}
	if t, err := time.Parse(timestampLayout, v); err == nil {
		return t.Format(timestampLayout), nil
	}
	return "", xerrors.Errorf("unparseable timestamp %q", s)
}

// normalizeDate rewrites a source date into YYYY-MM-DD. A month/day-only
// value is completed with the year of siblingDate (a normalized date or
// timestamp already present on the same record); an inferred date that is not
// a real calendar date is an error, never silently accepted.
func normalizeDate(s, siblingDate string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" || isGarbageToken(v) {
		return "", xerrors.Errorf("unparseable date %q", s)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(dateLayout), nil
		}
	}

	if len(siblingDate) >= 4 {
		if md, ok := splitMonthDay(v); ok {
			candidate := siblingDate[:4] + "-" + md
			if t, err := time.Parse(dateLayout, candidate); err == nil {
				return t.Format(dateLayout), nil
			}
		}
	}
	return "", xerrors.Errorf("unparseable date %q", s)
}

// splitMonthDay detects M/D, MM/DD and dash variants, returning "MM-DD".
func splitMonthDay(v string) (string, bool) {
	sep := "/"
	if !strings.Contains(v, "/") {
		sep = "-"
	}
	parts := strings.Split(v, sep)
	if len(parts) != 2 || !isDigits(parts[0]) || !isDigits(parts[1]) {
		return "", false
	}
	if len(parts[0]) > 2 || len(parts[1]) > 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	m := parts[0]
	d := parts[1]
	if len(m) == 1 {
		m = "0" + m
	}
	if len(d) == 1 {
		d = "0" + d
	}
	return m + "-" + d, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
