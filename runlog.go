package ragicsync

import (
	"context"
)

var runResultsSchema = Schema{
	{"run_id", TypeString},
	{"started_at", TypeTimestamp},
	{"finished_at", TypeTimestamp},
	{"run_status", TypeString},
	{"sheet_code", TypeString},
	{"sheet_id", TypeString},
	{"status", TypeString},
	{"fetched", TypeInteger},
	{"transformed", TypeInteger},
	{"uploaded", TypeInteger},
	{"invalid", TypeInteger},
	{"unknown_fields", TypeInteger},
	{"method", TypeString},
	{"duration_ms", TypeInteger},
	{"error", TypeString},
}

// bqRunRecorder persists one row per sheet per run into a warehouse table, the
// durable counterpart to the notification message.
type bqRunRecorder struct {
	wh    warehouse
	table string
}

func newBQRunRecorder(wh warehouse, table string) runRecorder {
	return &bqRunRecorder{wh: wh, table: table}
}

func (r *bqRunRecorder) RecordRun(ctx context.Context, summary *RunSummary) error {
	if err := r.wh.EnsureTable(ctx, r.table, runResultsSchema); err != nil {
		return err
	}

	rows := make([]Record, len(summary.Tables))
	for i, t := range summary.Tables {
		rows[i] = Record{
			"run_id":         summary.RunID,
			"started_at":     summary.StartedAt.Format(timestampLayout),
			"finished_at":    summary.FinishedAt.Format(timestampLayout),
			"run_status":     string(summary.Status),
			"sheet_code":     t.SheetCode,
			"sheet_id":       t.SheetID,
			"status":         string(t.Status),
			"fetched":        t.Fetched,
			"transformed":    t.Transformed,
			"uploaded":       t.Uploaded,
			"invalid":        t.Invalid,
			"unknown_fields": t.UnknownFields,
			"method":         string(t.Method),
			"duration_ms":    t.Duration.Milliseconds(),
			"error":          t.Error,
		}
	}
	return r.wh.LoadRows(ctx, r.table, rows, runResultsSchema)
}
