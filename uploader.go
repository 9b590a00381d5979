package ragicsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// UploadMode selects how a batch is reconciled into the destination table.
type UploadMode string

// Upload modes. Auto picks merge below the batch threshold and the stored
// procedure path at or above it when one is configured.
const (
	ModeAuto    UploadMode = "auto"
	ModeAppend  UploadMode = "append"
	ModeMerge   UploadMode = "merge"
	ModeStaging UploadMode = "staging"
)

// ParseUploadMode validates a mode string; empty means auto.
func ParseUploadMode(s string) (UploadMode, error) {
	switch UploadMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeAppend:
		return ModeAppend, nil
	case ModeMerge:
		return ModeMerge, nil
	case ModeStaging:
		return ModeStaging, nil
	}
	return "", xerrors.Errorf("unknown upload mode %q", s)
}

// UploadResult reports what one upload actually did.
type UploadResult struct {
	Method   UploadMode `json:"method"`
	Records  int        `json:"records"`
	Affected int64      `json:"affected"`
	// Fallback is set when a merge failed and the batch was appended instead.
	Fallback bool `json:"fallback,omitempty"`
}

// Staging tables are ephemeral; the expiration is a backstop for crashed runs
// that never reach the deferred delete.
const stagingExpiration = time.Hour

// Uploader reconciles transformed batches into one destination table. The
// default append path is a plain load job; merge goes through a throwaway
// staging table and a keyed MERGE; the staging mode hands a batch-stamped
// staging table to a warehouse-side stored procedure.
type Uploader struct {
	wh     warehouse
	table  string
	schema Schema

	stagingTable   string
	mergeProc      string
	batchThreshold int
}

// UploaderConfig configures NewUploader. StagingTable and MergeProc enable
// the stored-procedure path; BatchThreshold defaults to 5000.
type UploaderConfig struct {
	Table          string
	Schema         Schema
	StagingTable   string
	MergeProc      string
	BatchThreshold int
}

// NewUploader builds an uploader over wh for one destination table.
func NewUploader(wh warehouse, cfg UploaderConfig) (*Uploader, error) {
	if cfg.Table == "" {
		return nil, xerrors.New("destination table is required")
	}
	if len(cfg.Schema) == 0 {
		cfg.Schema = DefaultSchema
	}
	if cfg.BatchThreshold == 0 {
		cfg.BatchThreshold = 5000
	}
	return &Uploader{
		wh:             wh,
		table:          cfg.Table,
		schema:         cfg.Schema,
		stagingTable:   cfg.StagingTable,
		mergeProc:      cfg.MergeProc,
		batchThreshold: cfg.BatchThreshold,
	}, nil
}

// Upload reconciles rows into the destination table using mode. The batch is
// projected to the live table's columns first, so a destination that has not
// caught up with the canonical schema drops the new columns instead of
// failing the load.
func (u *Uploader) Upload(ctx context.Context, rows []Record, mode UploadMode) (*UploadResult, error) {
	if len(rows) == 0 {
		return &UploadResult{Method: mode}, nil
	}

	if err := u.wh.EnsureTable(ctx, u.table, u.schema); err != nil {
		return nil, err
	}
	cols, err := u.wh.TableColumns(ctx, u.table)
	if err != nil {
		return nil, err
	}
	schema := u.schema.Project(cols)
	rows = projectRows(rows, schema)

	resolved := u.resolveMode(mode, len(rows))
	l := log.Ctx(ctx).With().
		Str("table", u.table).
		Str("mode", string(resolved)).
		Int("records", len(rows)).
		Logger()

	var result *UploadResult
	switch resolved {
	case ModeAppend:
		result, err = u.append(ctx, rows, schema)
	case ModeMerge:
		result, err = u.merge(ctx, rows, schema)
	case ModeStaging:
		result, err = u.stagingProc(ctx, rows, schema)
	default:
		return nil, xerrors.Errorf("unknown upload mode %q", resolved)
	}
	if err != nil {
		return nil, err
	}

	l.Info().
		Int64("affected", result.Affected).
		Bool("fallback", result.Fallback).
		Msg("upload finished")
	return result, nil
}

// resolveMode turns auto into a concrete strategy. Explicit modes win as
// given; auto prefers the stored procedure for large batches when one is
// configured and merges otherwise.
func (u *Uploader) resolveMode(mode UploadMode, n int) UploadMode {
	if mode != ModeAuto && mode != "" {
		return mode
	}
	if u.mergeProc != "" && u.stagingTable != "" && n >= u.batchThreshold {
		return ModeStaging
	}
	return ModeMerge
}

func (u *Uploader) append(ctx context.Context, rows []Record, schema Schema) (*UploadResult, error) {
	if err := u.wh.LoadRows(ctx, u.table, rows, schema); err != nil {
		return nil, err
	}
	return &UploadResult{Method: ModeAppend, Records: len(rows), Affected: int64(len(rows))}, nil
}

// merge loads the batch into a throwaway staging table and reconciles it into
// the destination with a keyed MERGE. A failed MERGE degrades to a single
// append attempt so the data at least lands; the result says so.
func (u *Uploader) merge(ctx context.Context, rows []Record, schema Schema) (*UploadResult, error) {
	staging := fmt.Sprintf("%s_stage_%s", u.table, xid.New().String())
	if err := u.wh.CreateTable(ctx, staging, schema, stagingExpiration); err != nil {
		return nil, err
	}
	defer func() {
		if err := u.wh.DeleteTable(context.WithoutCancel(ctx), staging); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("table", staging).Msg("failed to drop staging table")
		}
	}()

	if err := u.wh.LoadRows(ctx, staging, rows, schema); err != nil {
		return nil, err
	}

	affected, err := u.wh.Exec(ctx, u.mergeSQL(staging, schema), nil)
	if err == nil {
		return &UploadResult{Method: ModeMerge, Records: len(rows), Affected: affected}, nil
	}

	log.Ctx(ctx).Error().Err(err).
		Str("table", u.table).
		Msg("merge failed, falling back to append")
	if err := u.wh.LoadRows(ctx, u.table, rows, schema); err != nil {
		return nil, xerrors.Errorf("append fallback failed: %w", err)
	}
	return &UploadResult{Method: ModeMerge, Records: len(rows), Affected: int64(len(rows)), Fallback: true}, nil
}

// mergeSQL builds the keyed upsert. The staging side is de-duplicated first,
// newest modification wins, because one batch may carry a key twice when the
// boundary re-fetch overlaps an in-run edit.
func (u *Uploader) mergeSQL(staging string, schema Schema) string {
	cols := schema.Names()

	var sets, names, values []string
	for _, c := range cols {
		names = append(names, quoteIdent(c))
		values = append(values, "S."+quoteIdent(c))
		if c == KeyColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("T.%s = S.%s", quoteIdent(c), quoteIdent(c)))
	}

	return fmt.Sprintf(`MERGE %s T
USING (
  SELECT * EXCEPT (rn) FROM (
    SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS rn
    FROM %s
  )
  WHERE rn = 1
) S
ON T.%s = S.%s
WHEN MATCHED THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
		quoteTable(u.wh.TableRef(u.table)),
		quoteIdent(KeyColumn), quoteIdent(OrderColumn),
		quoteTable(u.wh.TableRef(staging)),
		quoteIdent(KeyColumn), quoteIdent(KeyColumn),
		strings.Join(sets, ", "),
		strings.Join(names, ", "),
		strings.Join(values, ", "))
}

// Columns the stored-procedure staging table carries beyond the canonical
// schema, so the procedure can select exactly one run's rows.
const (
	batchColumn    = "batch_id"
	stagedAtColumn = "staged_at"
)

// stagingProc loads the batch into the long-lived staging table stamped with
// a batch id, then calls the warehouse-side procedure to reconcile that batch.
func (u *Uploader) stagingProc(ctx context.Context, rows []Record, schema Schema) (*UploadResult, error) {
	if u.stagingTable == "" || u.mergeProc == "" {
		return nil, xerrors.New("staging mode requires a staging table and merge procedure")
	}

	batchID := xid.New().String()
	stagedAt := time.Now().UTC().Format(timestampLayout)

	stamped := make([]Record, len(rows))
	for i, row := range rows {
		r := make(Record, len(row)+2)
		for k, v := range row {
			r[k] = v
		}
		r[batchColumn] = batchID
		r[stagedAtColumn] = stagedAt
		stamped[i] = r
	}

	stagingSchema := append(Schema{}, schema...)
	stagingSchema = append(stagingSchema,
		Field{batchColumn, TypeString},
		Field{stagedAtColumn, TypeTimestamp},
	)

	if err := u.wh.EnsureTable(ctx, u.stagingTable, stagingSchema); err != nil {
		return nil, err
	}
	if err := u.wh.LoadRows(ctx, u.stagingTable, stamped, stagingSchema); err != nil {
		return nil, err
	}

	call := fmt.Sprintf("CALL %s(@batch_id)", quoteTable(u.wh.TableRef(u.mergeProc)))
	affected, err := u.wh.Exec(ctx, call, map[string]any{"batch_id": batchID})
	if err != nil {
		return nil, xerrors.Errorf("merge procedure failed for batch %s: %w", batchID, err)
	}
	return &UploadResult{Method: ModeStaging, Records: len(rows), Affected: affected}, nil
}

// projectRows drops row keys the projected schema does not carry.
func projectRows(rows []Record, schema Schema) []Record {
	keep := make(map[string]struct{}, len(schema))
	for _, f := range schema {
		keep[f.Name] = struct{}{}
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		r := make(Record, len(row))
		for k, v := range row {
			if _, ok := keep[k]; ok {
				r[k] = v
			}
		}
		out[i] = r
	}
	return out
}

func quoteIdent(name string) string {
	return "`" + name + "`"
}

func quoteTable(ref string) string {
	return "`" + ref + "`"
}
