package ragicsync

import (
	"time"
)

// Status of one sheet's sync, or of the run as a whole.
type Status string

// Statuses. A run is Partial when at least one sheet failed and at least one
// succeeded; Failed when everything failed.
const (
	StatusOK      Status = "ok"
	StatusNoData  Status = "no_data"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// TableResult records what happened to one sheet in one run.
type TableResult struct {
	SheetCode     string        `json:"sheet_code"`
	SheetID       string        `json:"sheet_id"`
	Status        Status        `json:"status"`
	Fetched       int           `json:"fetched"`
	Transformed   int           `json:"transformed"`
	Uploaded      int           `json:"uploaded"`
	Invalid       int           `json:"invalid"`
	UnknownFields int           `json:"unknown_fields"`
	Method        UploadMode    `json:"method,omitempty"`
	Watermark     time.Time     `json:"watermark,omitempty"`
	Duration      time.Duration `json:"duration_ms"`
	Error         string        `json:"error,omitempty"`
}

// RunSummary aggregates one run across all requested sheets.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     Status        `json:"status"`
	Tables     []TableResult `json:"tables"`
}

// Failed returns the results of sheets that did not complete.
func (s *RunSummary) Failed() []TableResult {
	var out []TableResult
	for _, t := range s.Tables {
		if t.Status == StatusFailed {
			out = append(out, t)
		}
	}
	return out
}

// finish stamps the end time and rolls the per-sheet statuses up into the run
// status.
func (s *RunSummary) finish(now time.Time) {
	s.FinishedAt = now

	failed, completed := 0, 0
	for _, t := range s.Tables {
		switch t.Status {
		case StatusFailed:
			failed++
		case StatusOK, StatusNoData:
			completed++
		}
	}

	switch {
	case failed == 0:
		s.Status = StatusOK
	case completed == 0:
		s.Status = StatusFailed
	default:
		s.Status = StatusPartial
	}
}
