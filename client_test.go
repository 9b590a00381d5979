package ragicsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/xerrors"
)

type pageRecord struct {
	id       int
	modified string
}

// newPagedServer serves records as the source does: an object keyed by
// surrogate id, sliced by limit and offset.
func newPagedServer(t *testing.T, records []pageRecord, requests *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			*requests++
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		page := map[string]RawRecord{}
		for i := offset; i < offset+limit && i < len(records); i++ {
			rec := records[i]
			page[strconv.Itoa(rec.id)] = RawRecord{
				"_ragicId": strconv.Itoa(rec.id),
				"最後修改日期":   rec.modified,
			}
		}
		json.NewEncoder(w).Encode(page)
	}))
}

func newTestSourceClient(t *testing.T, baseURL string) *SourceClient {
	t.Helper()
	c, err := NewSourceClient(SourceClientConfig{
		BaseURL: baseURL,
		Account: "acme",
		APIKey:  "key",
		Backoff: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchModifiedSince_boundaryInclusive(t *testing.T) {
	records := []pageRecord{
		{1, "2024-03-01 10:00:00"},
		{2, "2024-03-05 10:00:00"},
		{3, "2024-03-10 10:00:00"},
		{4, "2024-03-15 10:00:00"},
		{5, "2024-03-20 10:00:00"},
	}
	srv := newPagedServer(t, records, nil)
	defer srv.Close()

	c := newTestSourceClient(t, srv.URL)

	// The watermark equals record 3's modification instant exactly; it must
	// be re-fetched along with everything newer.
	since, err := parseSourceTime("2024-03-10 10:00:00")
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.FetchModifiedSince(context.Background(), "forms8/3", since, FetchOptions{PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected records 3..5, got %d records", len(got))
	}
	if got[0]["_ragicId"] != "3" {
		t.Errorf("first kept record = %v, want 3", got[0]["_ragicId"])
	}
}

func TestFetchModifiedSince_stalePageLimit(t *testing.T) {
	// Six full pages of stale records. The scan must stop after two stale
	// pages in a row instead of walking the whole sheet.
	var records []pageRecord
	for i := 1; i <= 12; i++ {
		records = append(records, pageRecord{i, "2020-01-01 00:00:00"})
	}
	requests := 0
	srv := newPagedServer(t, records, &requests)
	defer srv.Close()

	c := newTestSourceClient(t, srv.URL)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := c.FetchModifiedSince(context.Background(), "forms8/3", since, FetchOptions{PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no qualifying records, got %d", len(got))
	}
	if requests != 2 {
		t.Errorf("expected scan to stop after 2 stale pages, made %d requests", requests)
	}
}

func TestFetchModifiedSince_unparseablePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := map[string]RawRecord{
			"1": {"_ragicId": "1"},
			"2": {"_ragicId": "2"},
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := newTestSourceClient(t, srv.URL)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := c.FetchModifiedSince(context.Background(), "forms8/3", since, FetchOptions{PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("records without any modification field must not qualify, got %d", len(got))
	}
}

func TestFetchModifiedSince_zeroSinceFetchesAll(t *testing.T) {
	// A full export must keep records even when no field parses as a
	// modification time, the shape of a static lookup sheet.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		page := map[string]RawRecord{}
		if offset == 0 {
			page["1"] = RawRecord{"_ragicId": "1"}
			page["2"] = RawRecord{"_ragicId": "2"}
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := newTestSourceClient(t, srv.URL)

	got, err := c.FetchModifiedSince(context.Background(), "forms8/6", time.Time{}, FetchOptions{PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("full fetch kept %d records, want 2", len(got))
	}
}

func TestFetchFiltered_serverPredicate(t *testing.T) {
	var gotWhere string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWhere = r.URL.Query().Get("where")
		fmt.Fprint(w, `{"7":{"_ragicId":"7"}}`)
	}))
	defer srv.Close()

	c := newTestSourceClient(t, srv.URL)
	since := time.UnixMilli(1700000000000).UTC()

	got, err := c.FetchFiltered(context.Background(), "forms8/3", since, FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if want := "_ragicModified>1700000000000"; gotWhere != want {
		t.Errorf("where = %q, want %q", gotWhere, want)
	}
}

func TestFetchPage_authErrorNotRetried(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestSourceClient(t, srv.URL)

	_, err := c.FetchModifiedSince(context.Background(), "forms8/3", time.Time{}, FetchOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *AuthError
	if !xerrors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", authErr.StatusCode)
	}
	if requests != 1 {
		t.Errorf("auth failures must not retry, made %d requests", requests)
	}
}

func TestFetchPage_retriesServerError(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newTestSourceClient(t, srv.URL)

	_, err := c.FetchModifiedSince(context.Background(), "forms8/3", time.Time{}, FetchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if requests != 3 {
		t.Errorf("expected 2 retries before success, made %d requests", requests)
	}
}

func TestDecodePage_ordering(t *testing.T) {
	body := []byte(`{"10":{"_ragicId":"10"},"2":{"_ragicId":"2"},"1":{"_ragicId":"1"}}`)

	records, err := decodePage(body)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range records {
		ids = append(ids, r["_ragicId"].(string))
	}
	if got := strings.Join(ids, ","); got != "1,2,10" {
		t.Errorf("ids = %s, want numeric ascending 1,2,10", got)
	}
}

func TestDecodePage_emptyArray(t *testing.T) {
	records, err := decodePage([]byte(`[]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}
