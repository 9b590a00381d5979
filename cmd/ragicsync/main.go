package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/datasync-tw/ragicsync"
)

// Exit codes: 0 on success, 1 when some sheets failed, 2 when the run could
// not start or nothing succeeded.
const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

var (
	flagEnvFile   string
	flagPretty    bool
	flagLogLevel  string
	flagSheets    []string
	flagSheetMap  string
	flagSince     string
	flagSinceDays int
	flagPageSize  int
	flagMaxPages  int
	flagMode      string
	flagDryRun    bool
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "ragicsync",
		Short:         "Incremental Ragic to BigQuery backup",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "load environment from this file before reading configuration")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human friendly log output")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backup across the configured sheets",
		RunE:  runBackup,
	}
	runCmd.Flags().StringSliceVar(&flagSheets, "sheet", nil, "sheet codes to sync (default: all non-static sheets)")
	runCmd.Flags().StringVar(&flagSheetMap, "sheet-map", "", "override sheet map as code=path,code=path")
	runCmd.Flags().StringVar(&flagSince, "since", "", "fetch records modified at or after this time (RFC 3339)")
	runCmd.Flags().IntVar(&flagSinceDays, "since-days", 0, "fetch records modified within this many days")
	runCmd.Flags().IntVar(&flagPageSize, "page-size", 0, "records per page")
	runCmd.Flags().IntVar(&flagMaxPages, "max-pages", 0, "page ceiling per sheet")
	runCmd.Flags().StringVar(&flagMode, "upload-mode", "", "upload mode: auto, append, merge or staging")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "fetch and transform but upload nothing")

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Verify source and warehouse connectivity",
		RunE:  runPing,
	}

	root.AddCommand(runCmd, pingCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFatal
	}
	if partial {
		return exitPartial
	}
	return exitOK
}

// partial is set by runBackup when some sheets failed but the run completed.
var partial bool

func setup(cmd *cobra.Command) (*ragicsync.Syncer, error) {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil {
			return nil, xerrors.Errorf("failed to load %s: %w", flagEnvFile, err)
		}
	} else {
		// A missing default .env is fine.
		_ = godotenv.Load()
	}

	cfg, err := ragicsync.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if flagSheetMap != "" {
		m, err := ragicsync.ParseSheetMap(flagSheetMap)
		if err != nil {
			return nil, err
		}
		cfg.SheetMap = m
	}
	if flagMode != "" {
		mode, err := ragicsync.ParseUploadMode(flagMode)
		if err != nil {
			return nil, err
		}
		cfg.UploadMode = mode
	}

	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return nil, xerrors.Errorf("invalid log level %q: %w", flagLogLevel, err)
	}

	opts := []ragicsync.Option{ragicsync.WithLogLevel(level)}
	if flagPretty {
		opts = append(opts, ragicsync.WithPrettyLogging())
	}
	return ragicsync.New(cmd.Context(), cfg, opts...)
}

func runBackup(cmd *cobra.Command, _ []string) error {
	syncer, err := setup(cmd)
	if err != nil {
		return err
	}

	req := ragicsync.RunRequest{
		Sheets:    flagSheets,
		SinceDays: flagSinceDays,
		PageSize:  flagPageSize,
		MaxPages:  flagMaxPages,
		DryRun:    flagDryRun,
	}
	if flagSince != "" {
		t, err := time.Parse(time.RFC3339, flagSince)
		if err != nil {
			return xerrors.Errorf("invalid --since %q: %w", flagSince, err)
		}
		req.Since = t
	}
	if flagMode != "" {
		mode, err := ragicsync.ParseUploadMode(flagMode)
		if err != nil {
			return err
		}
		req.Mode = mode
	}

	summary, err := syncer.Run(cmd.Context(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}

	switch summary.Status {
	case ragicsync.StatusFailed:
		return xerrors.Errorf("run %s failed on every sheet", summary.RunID)
	case ragicsync.StatusPartial:
		partial = true
	}
	return nil
}

func runPing(cmd *cobra.Command, _ []string) error {
	syncer, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := syncer.Ping(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
