package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagProfile    string
	flagSyncDir    string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
	flagDryRun     bool
)

// skipConfigAnnotation marks commands that handle config loading themselves
// (login, before a profile exists; pause/resume/status, which must still
// produce useful output when no daemon or profile is configured yet).
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved profile, raw config, and logger. Created
// once in PersistentPreRunE; eliminates redundant config.Resolve calls in
// RunE handlers.
type CLIContext struct {
	Resolved *config.ResolvedProfile
	Cfg      *config.Config
	CfgPath  string
	Logger   *slog.Logger
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// cliContextFrom extracts the CLIContext from the command's context.
// Returns nil if no config was loaded (e.g., commands with skipConfigAnnotation).
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics with an actionable message.
// Use in RunE handlers for commands that require config (no skipConfigAnnotation).
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation) or " +
			"explicitly loads config in its RunE")
	}

	return cc
}

// httpClientTimeout is the default timeout for metadata HTTP requests.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// transferHTTPClient returns an HTTP client with no timeout, for
// upload/download operations bounded by context cancellation instead.
func transferHTTPClient() *http.Client {
	return &http.Client{Timeout: 0}
}

// newDropboxClient creates a dropbox.Client with the standard metadata
// HTTP client.
func newDropboxClient(ts dropbox.TokenSource, logger *slog.Logger) *dropbox.Client {
	return dropbox.NewClient(defaultHTTPClient(), ts, logger)
}

// newTransferDropboxClient creates a dropbox.Client without a request
// timeout, for upload/download operations.
func newTransferDropboxClient(ts dropbox.TokenSource, logger *slog.Logger) *dropbox.Client {
	return dropbox.NewClient(transferHTTPClient(), ts, logger)
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dropbox-go",
		Short:   "Dropbox CLI and sync client",
		Long:    "A fast, safe Dropbox CLI and bidirectional sync client for Linux and macOS.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE loads configuration before every command. Commands
		// annotated with skipConfigAnnotation handle config access themselves.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "profile name (default: the sole or \"default\" profile)")
	cmd.PersistentFlags().StringVar(&flagSyncDir, "sync-dir", "", "override the profile's sync directory")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging (HTTP requests, config resolution)")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "preview actions without executing them")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	// Register subcommands.
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newExcludeCmd())
	cmd.AddCommand(newIncludeCmd())
	cmd.AddCommand(newRebuildIndexCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in the command's context for use
// by subcommands.
func loadConfig(cmd *cobra.Command) error {
	// Bootstrap logger derived from CLI flags only (config doesn't exist yet).
	logger := buildLogger(nil)

	env := config.ReadEnvOverrides()
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		Profile:    flagProfile,
	}

	if cmd.Flags().Changed("sync-dir") {
		cli.SyncDir = flagSyncDir
	}

	if cmd.Flags().Changed("dry-run") {
		v := flagDryRun
		cli.DryRun = &v
	}

	logger.Debug("resolving config",
		slog.String("config_path", cli.ConfigPath),
		slog.String("cli_profile", cli.Profile),
		slog.String("env_config", env.ConfigPath),
		slog.String("env_profile", env.Profile),
	)

	resolved, cfg, err := config.Resolve(env, cli, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Debug("config resolved",
		slog.String("profile", resolved.Name),
		slog.String("sync_dir", resolved.SyncDir),
		slog.String("remote_path", resolved.RemotePath),
	)

	// Build the final logger incorporating config-file log level.
	finalLogger := buildLogger(resolved)
	cc := &CLIContext{
		Resolved: resolved,
		Cfg:      cfg,
		CfgPath:  config.ResolveConfigPath(env, cli, logger),
		Logger:   finalLogger,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved profile and
// CLI flags. Pass nil for pre-config bootstrap (no config-file log level).
// Config-file log level provides the baseline; --verbose, --debug, and
// --quiet override it because CLI flags always win. The flags are
// mutually exclusive (enforced by Cobra).
func buildLogger(rp *config.ResolvedProfile) *slog.Logger {
	level := slog.LevelWarn

	var w io.Writer = os.Stderr

	if rp != nil {
		switch rp.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		if rp.Logging.LogFile != "" {
			if f, openErr := os.OpenFile(rp.Logging.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); openErr == nil { //nolint:mnd
				w = f
			}
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if rp != nil {
		format = rp.Logging.LogFormat
	}

	if format == "json" || (format == "auto" && !writerIsTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// writerIsTerminal reports whether w is an interactive terminal. With
// log_format = "auto", a terminal gets human-readable text and anything
// else (a pipe, a log file) gets JSON for machine consumption.
func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
