package ragicsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

type fakeSource struct {
	records map[string][]RawRecord
	errs    map[string]error

	since    map[string]time.Time
	filtered map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:  map[string][]RawRecord{},
		errs:     map[string]error{},
		since:    map[string]time.Time{},
		filtered: map[string]bool{},
	}
}

func (s *fakeSource) FetchModifiedSince(_ context.Context, sheetID string, since time.Time, _ FetchOptions) ([]RawRecord, error) {
	s.since[sheetID] = since
	return s.records[sheetID], s.errs[sheetID]
}

func (s *fakeSource) FetchFiltered(_ context.Context, sheetID string, since time.Time, _ FetchOptions) ([]RawRecord, error) {
	s.since[sheetID] = since
	s.filtered[sheetID] = true
	return s.records[sheetID], s.errs[sheetID]
}

func (s *fakeSource) Ping(_ context.Context) error { return nil }

func testConfig() Config {
	return Config{
		RagicAccount: "acme",
		RagicAPIKey:  "key",
		ProjectID:    "p",
		Dataset:      "d",
		Table:        "orders",
		SheetMap: map[string]string{
			"40": "forms8/1",
			"41": "forms8/6",
			"99": "forms8/3",
		},
		DisableDynamicMapping: true,
	}
}

func testRawRecords(n int) []RawRecord {
	out := make([]RawRecord, n)
	for i := range out {
		out[i] = RawRecord{
			"_ragicId": "100",
			"最後修改日期":   "2024-03-18 09:00:00",
		}
	}
	return out
}

func newTestSyncer(t *testing.T, cfg Config, src source, wh warehouse, now time.Time) *Syncer {
	t.Helper()
	s, err := New(context.Background(), cfg,
		withSource(src),
		withWarehouse(wh),
		withClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRun_skipsStaticSheets(t *testing.T) {
	src := newFakeSource()
	src.records["forms8/1"] = testRawRecords(2)
	src.records["forms8/3"] = testRawRecords(1)
	wh := newFakeWarehouse(nil)
	wh.queryErr = xerrors.New("no watermark")

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	summary, err := s.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatal(err)
	}

	if summary.Status != StatusOK {
		t.Errorf("status = %s, want ok", summary.Status)
	}
	byCode := map[string]TableResult{}
	for _, tr := range summary.Tables {
		byCode[tr.SheetCode] = tr
	}
	if byCode["41"].Status != StatusSkipped {
		t.Errorf("static sheet status = %s, want skipped", byCode["41"].Status)
	}
	if byCode["40"].Status != StatusOK || byCode["40"].Uploaded != 2 {
		t.Errorf("sheet 40 = %+v, want 2 uploaded", byCode["40"])
	}
	if _, fetched := src.since["forms8/6"]; fetched {
		t.Error("static sheet must not be fetched on a full run")
	}
}

func TestRun_staticSheetExplicit(t *testing.T) {
	src := newFakeSource()
	src.records["forms8/6"] = testRawRecords(1)
	wh := newFakeWarehouse(nil)

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	summary, err := s.Run(context.Background(), RunRequest{Sheets: []string{"41"}})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != StatusOK {
		t.Fatalf("status = %s, want ok", summary.Status)
	}
	since, fetched := src.since["forms8/6"]
	if !fetched {
		t.Fatal("explicitly selected static sheet was not fetched")
	}
	if !since.IsZero() {
		t.Errorf("static sheet must sync in full, got since %v", since)
	}
}

func TestRun_staticSheetNoTimeFields(t *testing.T) {
	// A static lookup sheet has no modification field at all. Selecting it
	// explicitly must still export every record, end to end through the
	// real client.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		page := map[string]RawRecord{}
		if offset == 0 {
			page["1"] = RawRecord{"_ragicId": "1", "通路名稱": "momo"}
			page["2"] = RawRecord{"_ragicId": "2", "通路名稱": "shopee"}
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	client, err := NewSourceClient(SourceClientConfig{
		BaseURL: srv.URL,
		Account: "acme",
		APIKey:  "key",
	})
	if err != nil {
		t.Fatal(err)
	}
	wh := newFakeWarehouse(nil)

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), client, wh, now)

	summary, err := s.Run(context.Background(), RunRequest{Sheets: []string{"41"}})
	if err != nil {
		t.Fatal(err)
	}
	res := summary.Tables[0]
	if res.Status != StatusOK {
		t.Fatalf("status = %s (%s), want ok", res.Status, res.Error)
	}
	if res.Fetched != 2 || res.Uploaded != 2 {
		t.Errorf("fetched %d, uploaded %d, want 2 and 2", res.Fetched, res.Uploaded)
	}
}

func TestRun_keepsCallerLogFields(t *testing.T) {
	src := newFakeSource()
	src.records["forms8/1"] = testRawRecords(1)
	wh := newFakeWarehouse(nil)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("event_id", "evt-1").Logger()
	ctx := logger.WithContext(context.Background())

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	if _, err := s.Run(ctx, RunRequest{Sheets: []string{"40"}, SinceDays: 1}); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, `"event_id":"evt-1"`) {
		t.Error("caller-attached log field lost by the run logger")
	}
	if !strings.Contains(out, `"run_id":`) {
		t.Error("run id missing from run logs")
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Count(line, `"sheet_id":`) > 1 {
			t.Errorf("duplicated sheet_id key in log line: %s", line)
		}
	}
	if strings.Contains(out, `"elapsed":-`) {
		t.Errorf("negative elapsed in run logs: %s", out)
	}
}

func TestRun_sheetIsolation(t *testing.T) {
	src := newFakeSource()
	src.records["forms8/1"] = testRawRecords(2)
	src.errs["forms8/3"] = xerrors.New("boom")
	wh := newFakeWarehouse(nil)
	wh.queryErr = xerrors.New("no watermark")

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	summary, err := s.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatal(err)
	}

	if summary.Status != StatusPartial {
		t.Errorf("status = %s, want partial", summary.Status)
	}
	failed := summary.Failed()
	if len(failed) != 1 || failed[0].SheetCode != "99" {
		t.Fatalf("failed = %+v, want sheet 99 only", failed)
	}
	if failed[0].Error == "" {
		t.Error("failed sheet carries no error text")
	}
	// The failing sheet must not have stopped the healthy one.
	if len(wh.loads["orders"]) == 0 && len(wh.created) == 0 {
		t.Error("healthy sheet was not uploaded")
	}
}

func TestRun_dryRun(t *testing.T) {
	src := newFakeSource()
	src.records["forms8/1"] = testRawRecords(1)
	src.records["forms8/3"] = testRawRecords(1)
	wh := newFakeWarehouse(nil)
	wh.queryErr = xerrors.New("no watermark")

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	summary, err := s.Run(context.Background(), RunRequest{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != StatusOK {
		t.Errorf("status = %s, want ok", summary.Status)
	}
	if len(wh.loads) != 0 || len(wh.created) != 0 || len(wh.execs) != 0 {
		t.Error("dry run must not touch the warehouse")
	}
}

func TestRun_watermarkFallback(t *testing.T) {
	src := newFakeSource()
	wh := newFakeWarehouse(nil)
	wh.queryErr = xerrors.New("no watermark")

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	if _, err := s.Run(context.Background(), RunRequest{Sheets: []string{"40"}}); err != nil {
		t.Fatal(err)
	}

	want := now.Add(-7 * 24 * time.Hour)
	if got := src.since["forms8/1"]; !got.Equal(want) {
		t.Errorf("since = %v, want default lookback %v", got, want)
	}
}

func TestRun_derivedWatermark(t *testing.T) {
	src := newFakeSource()
	wh := newFakeWarehouse(nil)
	// The warehouse stored the civil value 2024-03-15 02:00:00 and reads it
	// back as if it were UTC.
	wh.queryRows = []map[string]any{{"high": time.Date(2024, 3, 15, 2, 0, 0, 0, time.UTC)}}

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	if _, err := s.Run(context.Background(), RunRequest{Sheets: []string{"40"}}); err != nil {
		t.Fatal(err)
	}

	// Civil 02:00 in the source zone is 18:00 UTC the previous day.
	want := time.Date(2024, 3, 14, 18, 0, 0, 0, time.UTC)
	if got := src.since["forms8/1"]; !got.Equal(want) {
		t.Errorf("since = %v, want %v", got, want)
	}
}

func TestRun_sinceDays(t *testing.T) {
	src := newFakeSource()
	wh := newFakeWarehouse(nil)

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	if _, err := s.Run(context.Background(), RunRequest{Sheets: []string{"40"}, SinceDays: 3}); err != nil {
		t.Fatal(err)
	}

	want := now.Add(-3 * 24 * time.Hour)
	if got := src.since["forms8/1"]; !got.Equal(want) {
		t.Errorf("since = %v, want %v", got, want)
	}
}

func TestRun_refusesAppendWithLocalScan(t *testing.T) {
	src := newFakeSource()
	wh := newFakeWarehouse(nil)

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	if _, err := s.Run(context.Background(), RunRequest{Mode: ModeAppend}); err == nil {
		t.Fatal("append with the local scan must be refused")
	}
}

func TestRun_serverFilter(t *testing.T) {
	src := newFakeSource()
	src.records["forms8/1"] = testRawRecords(1)
	wh := newFakeWarehouse(nil)
	wh.queryErr = xerrors.New("no watermark")

	cfg := testConfig()
	cfg.TrustServerFilter = true

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, cfg, src, wh, now)

	if _, err := s.Run(context.Background(), RunRequest{Sheets: []string{"40"}}); err != nil {
		t.Fatal(err)
	}
	if !src.filtered["forms8/1"] {
		t.Error("expected the server-side filter to be used")
	}
}

func TestRun_recordsUnknownFields(t *testing.T) {
	src := newFakeSource()
	src.records["forms8/1"] = []RawRecord{{
		"_ragicId": "1",
		"最後修改日期":   "2024-03-18 09:00:00",
		"神秘欄位":     "x",
	}}
	wh := newFakeWarehouse(nil)
	store := &testMappingStore{}

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s, err := New(context.Background(), testConfig(),
		withSource(src),
		withWarehouse(wh),
		withMappingStore(store),
		withClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatal(err)
	}

	summary, err := s.Run(context.Background(), RunRequest{Sheets: []string{"40"}})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Tables[0].UnknownFields != 1 {
		t.Errorf("unknown fields = %d, want 1", summary.Tables[0].UnknownFields)
	}
	if len(store.unknowns) != 1 || store.unknowns[0].SourceName != "神秘欄位" {
		t.Errorf("unknown field not recorded: %+v", store.unknowns)
	}
}

func TestRun_allRecordsRejected(t *testing.T) {
	src := newFakeSource()
	// No _ragicId anywhere; every record must be rejected and the sheet
	// reported as failed, not quietly empty.
	src.records["forms8/1"] = []RawRecord{{"訂單編號": "A-1", "最後修改日期": "2024-03-18 09:00:00"}}
	wh := newFakeWarehouse(nil)

	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	s := newTestSyncer(t, testConfig(), src, wh, now)

	summary, err := s.Run(context.Background(), RunRequest{Sheets: []string{"40"}})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Tables[0].Status != StatusFailed {
		t.Errorf("status = %s, want failed", summary.Tables[0].Status)
	}
	if summary.Tables[0].Invalid != 1 {
		t.Errorf("invalid = %d, want 1", summary.Tables[0].Invalid)
	}
}
