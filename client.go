package ragicsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// AuthError marks a source response that retrying cannot fix: bad
// credentials, missing permission, or a sheet that does not exist.
type AuthError struct {
	StatusCode int
	SheetID    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("source rejected request for %s with status %d", e.SheetID, e.StatusCode)
}

// SourceClient fetches records from the hosted form source, page by page,
// over authenticated HTTP.
type SourceClient struct {
	baseURL    string
	account    string
	apiKey     string
	httpClient *http.Client

	pageSize   int
	maxPages   int
	maxRetries int
	backoff    time.Duration

	// Pages with no qualifying record tolerated in a row before a
	// local-filtered scan gives up. Surrogate ids ascend but do not track
	// modification time, so one stale page proves nothing; two in a row
	// bound the scan.
	stalePageLimit int
}

// SourceClientConfig carries the knobs for NewSourceClient; zero values get
// the documented defaults.
type SourceClientConfig struct {
	BaseURL    string
	Account    string
	APIKey     string
	Timeout    time.Duration
	PageSize   int
	MaxPages   int
	MaxRetries int
	Backoff    time.Duration
}

// NewSourceClient builds a client for one source account.
func NewSourceClient(cfg SourceClientConfig) (*SourceClient, error) {
	if cfg.APIKey == "" || cfg.Account == "" {
		return nil, xerrors.New("source account and API key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.ragic.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 1000
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 50
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}

	return &SourceClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		account:        cfg.Account,
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		pageSize:       cfg.PageSize,
		maxPages:       cfg.MaxPages,
		maxRetries:     cfg.MaxRetries,
		backoff:        cfg.Backoff,
		stalePageLimit: 2,
	}, nil
}

// FetchOptions tunes one fetch call. Zero values fall back to the client's
// defaults.
type FetchOptions struct {
	PageSize int
	MaxPages int
	// TimeFields are the localized last-modified field names tried in order
	// on each record during a local-filtered fetch.
	TimeFields []string
}

// FetchModifiedSince is the default retrieval mode: pages are requested in
// ascending surrogate-id order with no server-side predicate, and records are
// kept when their parsed modification time is at or after since. The boundary
// is inclusive on purpose; the merge step de-duplicates boundary re-fetches.
//
// A zero since means a full export: every record is kept with no time
// filtering at all, so sheets without any modification field still sync.
func (c *SourceClient) FetchModifiedSince(ctx context.Context, sheetID string, since time.Time, opts FetchOptions) ([]RawRecord, error) {
	limit := c.pageSize
	if opts.PageSize > 0 {
		limit = opts.PageSize
	}
	maxPages := c.maxPages
	if opts.MaxPages > 0 {
		maxPages = opts.MaxPages
	}
	if since.IsZero() {
		return c.fetchAll(ctx, sheetID, limit, maxPages)
	}
	timeFields := opts.TimeFields
	if len(timeFields) == 0 {
		timeFields = defaultTimeFields
	}

	l := log.Ctx(ctx)
	var kept []RawRecord
	stalePages := 0

	for page := 0; page < maxPages; page++ {
		records, err := c.fetchPage(ctx, sheetID, limit, page*limit, nil)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}

		qualifying := 0
		parseable := 0
		for _, rec := range records {
			ts, ok := recordModifiedTime(rec, timeFields)
			if !ok {
				continue
			}
			parseable++
			if !ts.Before(since) {
				kept = append(kept, rec)
				qualifying++
			}
		}

		l.Debug().
			Int("page", page).
			Int("records", len(records)).
			Int("qualifying", qualifying).
			Msg("scanned page")

		if parseable == 0 {
			// A whole page with no usable modification field means the
			// field list is wrong for this sheet; scanning further would
			// never terminate early.
			l.Warn().
				Int("page", page).
				Msg("no parseable modification time on page, stopping scan")
			break
		}

		if len(records) < limit {
			break
		}

		if qualifying == 0 {
			stalePages++
			if stalePages >= c.stalePageLimit {
				break
			}
		} else {
			stalePages = 0
		}
	}

	l.Info().
		Int("records", len(kept)).
		Time("since", since).
		Msg("incremental fetch finished")
	return kept, nil
}

// fetchAll pages through the whole sheet, keeping everything.
func (c *SourceClient) fetchAll(ctx context.Context, sheetID string, limit, maxPages int) ([]RawRecord, error) {
	var all []RawRecord
	for page := 0; page < maxPages; page++ {
		records, err := c.fetchPage(ctx, sheetID, limit, page*limit, nil)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(records) < limit {
			break
		}
	}

	log.Ctx(ctx).Info().
		Int("records", len(all)).
		Msg("full fetch finished")
	return all, nil
}

// FetchFiltered asks the server to filter on its modification timestamp.
// Opt-in only: the server-side predicate has been seen to miss records on
// some sheet schemas, which is why FetchModifiedSince exists.
func (c *SourceClient) FetchFiltered(ctx context.Context, sheetID string, since time.Time, opts FetchOptions) ([]RawRecord, error) {
	limit := c.pageSize
	if opts.PageSize > 0 {
		limit = opts.PageSize
	}
	maxPages := c.maxPages
	if opts.MaxPages > 0 {
		maxPages = opts.MaxPages
	}

	where := url.Values{}
	where.Set("where", fmt.Sprintf("_ragicModified>%d", since.UnixMilli()))

	var all []RawRecord
	for page := 0; page < maxPages; page++ {
		records, err := c.fetchPage(ctx, sheetID, limit, page*limit, where)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(records) < limit {
			break
		}
	}

	log.Ctx(ctx).Info().
		Int("records", len(all)).
		Msg("server-filtered fetch finished")
	return all, nil
}

// Ping issues a minimal authenticated request to verify credentials and
// reachability.
func (c *SourceClient) Ping(ctx context.Context) error {
	u := fmt.Sprintf("%s/%s?api&limit=1", c.baseURL, c.account)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return xerrors.Errorf("failed to build ping request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Errorf("source unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return xerrors.Errorf("source ping returned status %d", resp.StatusCode)
	}
	return nil
}

// fetchPage retrieves one page and converts the object-of-objects payload
// into records sorted by ascending surrogate id. Transient failures retry
// with exponential backoff; 401/403/404 fail immediately.
func (c *SourceClient) fetchPage(ctx context.Context, sheetID string, limit, offset int, extra url.Values) ([]RawRecord, error) {
	params := url.Values{}
	params.Set("api", "")
	params.Set("v", "3")
	params.Set("naming", "default")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	u := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, c.account, sheetID, params.Encode())

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			log.Ctx(ctx).Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying page fetch")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		records, retryable, err := c.doFetchPage(ctx, sheetID, u)
		if err == nil {
			return records, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, xerrors.Errorf("page fetch for %s failed after %d retries: %w", sheetID, c.maxRetries, lastErr)
}

func (c *SourceClient) doFetchPage(ctx context.Context, sheetID, u string) (records []RawRecord, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, xerrors.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, xerrors.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, false, &AuthError{StatusCode: resp.StatusCode, SheetID: sheetID}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, true, xerrors.Errorf("source returned status %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, xerrors.Errorf("failed to read response: %w", err)
	}

	records, err = decodePage(body)
	if err != nil {
		return nil, false, err
	}
	return records, false, nil
}

// decodePage parses the source's object-of-objects page shape, where each
// key is the record's surrogate id. Records come back sorted by that id so
// callers see the server's ascending-identity order deterministically.
func decodePage(body []byte) ([]RawRecord, error) {
	var page map[string]RawRecord
	if err := json.Unmarshal(body, &page); err != nil {
		// An empty sheet comes back as an empty array instead.
		var empty []any
		if arrErr := json.Unmarshal(body, &empty); arrErr == nil && len(empty) == 0 {
			return nil, nil
		}
		return nil, xerrors.Errorf("failed to decode page: %w", err)
	}

	ids := make([]string, 0, len(page))
	for id := range page {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aErr := strconv.ParseInt(ids[i], 10, 64)
		b, bErr := strconv.ParseInt(ids[j], 10, 64)
		if aErr != nil || bErr != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})

	records := make([]RawRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, page[id])
	}
	return records, nil
}

// recordModifiedTime finds the record's modification time by trying the
// candidate field names in order; the first non-empty parseable value wins.
func recordModifiedTime(rec RawRecord, timeFields []string) (time.Time, bool) {
	for _, name := range timeFields {
		v, ok := rec[name]
		if !ok {
			continue
		}
		s := strings.TrimSpace(stringValue(v))
		if s == "" {
			continue
		}
		if ts, err := parseSourceTime(s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
