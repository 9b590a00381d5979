package ragicsync

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Config carries everything a sync run needs. Populated from the environment
// in deployments; tests build it directly.
type Config struct {
	// Source account and credentials.
	RagicBaseURL string
	RagicAccount string
	RagicAPIKey  string

	// SheetMap maps sheet codes to source sheet paths. Empty means the
	// built-in deployment layout.
	SheetMap map[string]string

	// Destination.
	ProjectID string
	Dataset   string
	Location  string
	Table     string

	// StagingTable and MergeProc enable the stored-procedure upload path.
	StagingTable   string
	MergeProc      string
	BatchThreshold int

	// Fetch tuning.
	PageSize   int
	MaxPages   int
	MaxRetries int
	Timeout    time.Duration

	// TrustServerFilter switches incremental fetches to the server-side
	// modification predicate instead of the local scan.
	TrustServerFilter bool

	// DisableDynamicMapping turns off the warehouse-backed mapping layer,
	// leaving the static maps and generated fallback names.
	DisableDynamicMapping bool

	UploadMode UploadMode

	// RunResultsTable, when set, receives one row per sheet per run.
	RunResultsTable string

	// ReportBucket, when set, receives rejected records as JSON lines.
	ReportBucket string

	// Slack notification target. Both empty disables notification.
	SlackToken   string
	SlackChannel string
}

// ConfigFromEnv reads Config from the environment. Call Validate before use.
func ConfigFromEnv() (Config, error) {
	mode, err := ParseUploadMode(os.Getenv("UPLOAD_MODE"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RagicBaseURL: os.Getenv("RAGIC_BASE_URL"),
		RagicAccount: os.Getenv("RAGIC_ACCOUNT"),
		RagicAPIKey:  os.Getenv("RAGIC_API_KEY"),

		ProjectID: os.Getenv("BQ_PROJECT"),
		Dataset:   os.Getenv("BQ_DATASET"),
		Location:  os.Getenv("BQ_LOCATION"),
		Table:     os.Getenv("BQ_TABLE"),

		StagingTable: os.Getenv("BQ_STAGING_TABLE"),
		MergeProc:    os.Getenv("BQ_MERGE_PROC"),

		TrustServerFilter:     envBool("TRUST_SERVER_FILTER"),
		DisableDynamicMapping: envBool("DISABLE_DYNAMIC_MAPPING"),

		UploadMode: mode,

		RunResultsTable: os.Getenv("RUN_RESULTS_TABLE"),
		ReportBucket:    os.Getenv("REPORT_BUCKET"),
		SlackToken:      os.Getenv("SLACK_TOKEN"),
		SlackChannel:    os.Getenv("SLACK_CHANNEL"),
	}

	if cfg.BatchThreshold, err = envInt("BATCH_THRESHOLD"); err != nil {
		return Config{}, err
	}
	if cfg.PageSize, err = envInt("PAGE_SIZE"); err != nil {
		return Config{}, err
	}
	if cfg.MaxPages, err = envInt("MAX_PAGES"); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES"); err != nil {
		return Config{}, err
	}
	if s := os.Getenv("HTTP_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, xerrors.Errorf("invalid HTTP_TIMEOUT %q: %w", s, err)
		}
		cfg.Timeout = d
	}

	if s := os.Getenv("SHEET_MAP"); s != "" {
		m, err := ParseSheetMap(s)
		if err != nil {
			return Config{}, err
		}
		cfg.SheetMap = m
	}

	return cfg, nil
}

// Validate checks the settings no run can proceed without. Called once at
// startup; failures are fatal rather than degraded.
func (c *Config) Validate() error {
	if c.RagicAccount == "" {
		return xerrors.New("RAGIC_ACCOUNT is required")
	}
	if c.RagicAPIKey == "" {
		return xerrors.New("RAGIC_API_KEY is required")
	}
	if c.ProjectID == "" {
		return xerrors.New("BQ_PROJECT is required")
	}
	if c.Dataset == "" {
		return xerrors.New("BQ_DATASET is required")
	}
	if c.Table == "" {
		return xerrors.New("BQ_TABLE is required")
	}
	if c.UploadMode == ModeStaging && (c.StagingTable == "" || c.MergeProc == "") {
		return xerrors.New("staging upload mode requires BQ_STAGING_TABLE and BQ_MERGE_PROC")
	}
	// Append never reconciles, and the local scan re-fetches the boundary
	// record on every run. Combining them duplicates rows by construction.
	if c.UploadMode == ModeAppend && !c.TrustServerFilter {
		return xerrors.New("append mode requires TRUST_SERVER_FILTER, local-filtered fetch would duplicate boundary rows")
	}
	if (c.SlackToken == "") != (c.SlackChannel == "") {
		return xerrors.New("SLACK_TOKEN and SLACK_CHANNEL must be set together")
	}
	return nil
}

// Sheets returns the sheet map, falling back to the built-in layout.
func (c *Config) Sheets() map[string]string {
	if len(c.SheetMap) > 0 {
		return c.SheetMap
	}
	return DefaultSheetMap
}

// ParseSheetMap parses "code=path,code=path" into a sheet map.
func ParseSheetMap(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, path, ok := strings.Cut(pair, "=")
		if !ok || code == "" || path == "" {
			return nil, xerrors.Errorf("invalid sheet map entry %q", pair)
		}
		out[strings.TrimSpace(code)] = strings.TrimSpace(path)
	}
	if len(out) == 0 {
		return nil, xerrors.New("sheet map is empty")
	}
	return out, nil
}

func envInt(key string) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, xerrors.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
