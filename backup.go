package ragicsync

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// source is the record retrieval side of a run; *SourceClient is the default
// implementation and tests fake it.
type source interface {
	FetchModifiedSince(ctx context.Context, sheetID string, since time.Time, opts FetchOptions) ([]RawRecord, error)
	FetchFiltered(ctx context.Context, sheetID string, since time.Time, opts FetchOptions) ([]RawRecord, error)
	Ping(ctx context.Context) error
}

// reportSink receives the records a run rejected, for offline inspection.
type reportSink interface {
	WriteInvalid(ctx context.Context, runID, sheetCode string, recs []InvalidRecord) error
}

// runRecorder persists per-sheet run outcomes.
type runRecorder interface {
	RecordRun(ctx context.Context, summary *RunSummary) error
}

// Syncer runs incremental backups from the source account into the
// destination table, one sheet at a time.
type Syncer struct {
	cfg Config

	source   source
	wh       warehouse
	uploader *Uploader
	store    mappingStore
	sink     reportSink
	recorder runRecorder
	notifier Notifier

	prettyLogging bool
	logLevel      zerolog.Level

	now func() time.Time
}

// New builds a Syncer from cfg, wiring default collaborators for anything an
// option did not supply.
func New(ctx context.Context, cfg Config, opts ...Option) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}

	s := &Syncer{
		cfg:      cfg,
		logLevel: zerolog.InfoLevel,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt.apply(s); err != nil {
			return nil, err
		}
	}

	if s.source == nil {
		client, err := NewSourceClient(SourceClientConfig{
			BaseURL:    cfg.RagicBaseURL,
			Account:    cfg.RagicAccount,
			APIKey:     cfg.RagicAPIKey,
			Timeout:    cfg.Timeout,
			PageSize:   cfg.PageSize,
			MaxPages:   cfg.MaxPages,
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		s.source = client
	}

	if s.wh == nil {
		wh, err := newBQWarehouse(ctx, cfg.ProjectID, cfg.Dataset, cfg.Location)
		if err != nil {
			return nil, err
		}
		s.wh = wh
	}

	if s.uploader == nil {
		up, err := NewUploader(s.wh, UploaderConfig{
			Table:          cfg.Table,
			StagingTable:   cfg.StagingTable,
			MergeProc:      cfg.MergeProc,
			BatchThreshold: cfg.BatchThreshold,
		})
		if err != nil {
			return nil, err
		}
		s.uploader = up
	}

	if s.store == nil && !cfg.DisableDynamicMapping {
		s.store = newBQMappingStore(s.wh)
	}

	if s.sink == nil && cfg.ReportBucket != "" {
		sink, err := newGCSReportSink(ctx, cfg.ReportBucket)
		if err != nil {
			return nil, err
		}
		s.sink = sink
	}

	if s.recorder == nil && cfg.RunResultsTable != "" {
		s.recorder = newBQRunRecorder(s.wh, cfg.RunResultsTable)
	}

	if s.notifier == nil && cfg.SlackToken != "" {
		s.notifier = &SlackNotifier{
			Token:   cfg.SlackToken,
			Channel: cfg.SlackChannel,
		}
	}

	return s, nil
}

// RunRequest scopes one run. Zero values mean "everything, incrementally,
// with configured defaults".
type RunRequest struct {
	// Sheets limits the run to these sheet codes. Empty runs every non-static
	// sheet in the configured map.
	Sheets []string

	// Since overrides the derived watermark for every sheet in the run.
	Since time.Time
	// SinceDays is a convenience lower bound, ignored when Since is set.
	SinceDays int

	PageSize int
	MaxPages int

	// Mode overrides the configured upload mode for this run.
	Mode UploadMode

	// DryRun fetches and transforms but uploads nothing.
	DryRun bool
}

// Run executes one backup across the requested sheets. Sheets are isolated:
// one sheet failing never stops the others, and the summary reports each
// outcome. The returned error is reserved for run-level failures such as an
// invalid request.
func (s *Syncer) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	mode := req.Mode
	if mode == "" || mode == ModeAuto {
		if s.cfg.UploadMode != "" {
			mode = s.cfg.UploadMode
		} else {
			mode = ModeAuto
		}
	}
	if mode == ModeAppend && !s.cfg.TrustServerFilter {
		return nil, xerrors.New("append mode requires the server-side filter, local scan would duplicate boundary rows")
	}

	summary := &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: s.now().UTC(),
	}

	ctx = s.loggerContext(ctx, summary.RunID)
	ctx = withStartedTime(ctx, s.now())
	l := log.Ctx(ctx)

	sheets, explicit := s.selectSheets(req.Sheets)
	if len(sheets) == 0 {
		return nil, xerrors.New("no sheets selected")
	}

	l.Info().
		Strs("sheets", sheets).
		Str("mode", string(mode)).
		Bool("dry_run", req.DryRun).
		Msg("backup run started")

	for _, code := range sheets {
		if IsStaticSheet(code) && !explicit {
			summary.Tables = append(summary.Tables, TableResult{
				SheetCode: code,
				SheetID:   s.cfg.Sheets()[code],
				Status:    StatusSkipped,
			})
			continue
		}
		summary.Tables = append(summary.Tables, s.runSheet(ctx, summary.RunID, code, req, mode))
	}

	summary.finish(s.now().UTC())

	if s.recorder != nil && !req.DryRun {
		if err := s.recorder.RecordRun(ctx, summary); err != nil {
			l.Warn().Err(err).Msg("failed to persist run results")
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, summary); err != nil {
			l.Warn().Err(err).Msg("failed to send notification")
		}
	}

	if started, ok := startedTimeFrom(ctx); ok {
		l.Info().
			Str("status", string(summary.Status)).
			Dur("elapsed", s.now().Sub(started)).
			Msg("backup run finished")
	}
	return summary, nil
}

// Ping verifies both ends are reachable with the configured credentials.
func (s *Syncer) Ping(ctx context.Context) error {
	if err := s.source.Ping(ctx); err != nil {
		return xerrors.Errorf("source check failed: %w", err)
	}
	if err := s.wh.Ping(ctx); err != nil {
		return xerrors.Errorf("warehouse check failed: %w", err)
	}
	return nil
}

// selectSheets resolves the requested codes against the configured map. The
// second return reports whether the caller named sheets explicitly, which is
// what lets a static sheet be synced on purpose.
func (s *Syncer) selectSheets(requested []string) ([]string, bool) {
	all := s.cfg.Sheets()
	if len(requested) == 0 {
		codes := make([]string, 0, len(all))
		for code := range all {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		return codes, false
	}

	codes := make([]string, 0, len(requested))
	for _, code := range requested {
		if _, ok := all[code]; ok {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, true
}

// runSheet performs the full fetch, transform, upload cycle for one sheet.
// Every failure is folded into the returned result.
func (s *Syncer) runSheet(ctx context.Context, runID, code string, req RunRequest, mode UploadMode) TableResult {
	started := s.now()
	sheetID := s.cfg.Sheets()[code]
	res := TableResult{SheetCode: code, SheetID: sheetID}

	l := log.Ctx(ctx).With().Str("sheet_code", code).Str("sheet_id", sheetID).Logger()
	ctx = l.WithContext(ctx)

	defer func() {
		res.Duration = s.now().Sub(started)
	}()

	since := s.resolveSince(ctx, code, req)
	res.Watermark = since

	opts := FetchOptions{
		PageSize:   PageSizeForSheet(code, req.PageSize),
		MaxPages:   req.MaxPages,
		TimeFields: TimeFieldsForSheet(code),
	}

	var raw []RawRecord
	var err error
	if s.cfg.TrustServerFilter && !since.IsZero() {
		raw, err = s.source.FetchFiltered(ctx, sheetID, since, opts)
	} else {
		raw, err = s.source.FetchModifiedSince(ctx, sheetID, since, opts)
	}
	if err != nil {
		l.Error().Err(err).Msg("fetch failed")
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Fetched = len(raw)
	if len(raw) == 0 {
		res.Status = StatusNoData
		return res
	}

	mapper := NewFieldMapper(code, s.store)
	transformer := NewTransformer(code, mapper, DefaultSchema, false)
	rows, report := transformer.Transform(ctx, raw)
	res.Transformed = len(rows)
	res.Invalid = len(report.Invalid)
	res.UnknownFields = len(report.UnknownFields)

	if len(report.Invalid) > 0 && s.sink != nil {
		if err := s.sink.WriteInvalid(ctx, runID, code, report.Invalid); err != nil {
			l.Warn().Err(err).Msg("failed to write rejected records")
		}
	}

	if len(rows) == 0 {
		// Everything fetched was rejected. That is a data problem, not a
		// quiet no-op.
		res.Status = StatusFailed
		res.Error = "all fetched records were rejected"
		return res
	}

	if req.DryRun {
		l.Info().Int("records", len(rows)).Msg("dry run, skipping upload")
		res.Status = StatusOK
		return res
	}

	result, err := s.uploader.Upload(ctx, rows, mode)
	if err != nil {
		l.Error().Err(err).Msg("upload failed")
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Uploaded = result.Records
	res.Method = result.Method
	res.Status = StatusOK
	return res
}

// resolveSince picks the incremental lower bound for one sheet. Static sheets
// always sync in full; an explicit bound wins over the derived watermark.
func (s *Syncer) resolveSince(ctx context.Context, code string, req RunRequest) time.Time {
	if IsStaticSheet(code) {
		return time.Time{}
	}
	if !req.Since.IsZero() {
		return req.Since.UTC()
	}
	if req.SinceDays > 0 {
		return s.now().UTC().Add(-time.Duration(req.SinceDays) * 24 * time.Hour)
	}
	return deriveWatermark(ctx, s.wh, s.cfg.Table, code, s.now().UTC())
}

// loggerContext derives the run logger from the caller's context logger when
// one is attached, so fields like a function trigger's event id survive into
// the run's log lines.
func (s *Syncer) loggerContext(ctx context.Context, runID string) context.Context {
	logger := *log.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = newLogger(s.prettyLogging)
	}
	logger = logger.Level(s.logLevel).With().
		Str("run_id", runID).
		Logger()
	return logger.WithContext(ctx)
}
