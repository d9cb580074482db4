package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
	"github.com/tonimelisma/dropbox-go/internal/sync"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "missing"
	tokenStateExpired = "expired"
	tokenStateValid   = "valid"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show profile, token, daemon, and index status",
		Long: `Display the status of one profile (or every configured profile, without
--profile): token validity, sync/remote paths, whether a 'sync' daemon is
running, indexed item count, and counts of unresolved sync errors and
conflicts (read from the index database rather than a live IPC query).`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runStatus,
	}
}

// profileStatus summarizes one profile for the status command.
type profileStatus struct {
	Profile      string `json:"profile"`
	SyncDir      string `json:"sync_dir"`
	RemotePath   string `json:"remote_path"`
	TokenState   string `json:"token_state"`
	DaemonState  string `json:"daemon_state"`
	DaemonPID    int    `json:"daemon_pid,omitempty"`
	IndexedItems int64  `json:"indexed_items"`
	SyncErrors   int    `json:"sync_errors"`
	Conflicts    int    `json:"conflicts"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(nil)
	cfgPath := loginConfigPath(logger)

	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	names, err := profileNamesToReport(cfg)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		fmt.Println("No profiles configured. Run 'dropbox-go login' to get started.")
		return nil
	}

	ctx := cmd.Context()

	statuses := make([]profileStatus, 0, len(names))

	for _, name := range names {
		st, buildErr := buildProfileStatus(ctx, logger, name)
		if buildErr != nil {
			return buildErr
		}

		statuses = append(statuses, st)
	}

	if flagJSON {
		return printStatusJSON(statuses)
	}

	printStatusText(statuses)

	return nil
}

// profileNamesToReport returns [flagProfile] if set, else every configured
// profile name, sorted.
func profileNamesToReport(cfg *config.Config) ([]string, error) {
	if flagProfile != "" {
		if _, ok := cfg.Profiles[flagProfile]; !ok {
			return nil, fmt.Errorf("profile %q not found in config", flagProfile)
		}

		return []string{flagProfile}, nil
	}

	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

func buildProfileStatus(ctx context.Context, logger *slog.Logger, name string) (profileStatus, error) {
	cfgPath := loginConfigPath(logger)

	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return profileStatus{}, fmt.Errorf("loading config: %w", err)
	}

	resolved, err := config.ResolveProfile(cfg, name)
	if err != nil {
		return profileStatus{}, fmt.Errorf("resolving profile %q: %w", name, err)
	}

	st := profileStatus{
		Profile:    name,
		SyncDir:    resolved.SyncDir,
		RemotePath: resolved.RemotePath,
		TokenState: checkTokenState(ctx, resolved.AppKey, name, logger),
	}

	if pid, alive := daemonAlive(config.ProfilePIDPath(name)); alive {
		st.DaemonState = "running"
		st.DaemonPID = pid
	} else {
		st.DaemonState = "stopped"
	}

	populateIndexCounts(ctx, &st, name, logger)

	return st, nil
}

// checkTokenState determines whether a valid, missing, or expired token
// exists for the given profile.
func checkTokenState(ctx context.Context, appKey, profileName string, logger *slog.Logger) string {
	_, err := dropbox.TokenSourceFromPath(ctx, appKey, config.ProfileTokenPath(profileName), logger)
	if err != nil {
		if errors.Is(err, dropbox.ErrNotLoggedIn) {
			return tokenStateMissing
		}

		return tokenStateExpired
	}

	return tokenStateValid
}

// populateIndexCounts reads best-effort counts from the profile's index
// database. A missing database (never synced) leaves the counts at zero
// rather than erroring.
func populateIndexCounts(ctx context.Context, st *profileStatus, name string, logger *slog.Logger) {
	dbPath := config.ProfileDBPath(name)
	if dbPath == "" {
		return
	}

	if _, err := os.Stat(dbPath); err != nil {
		return
	}

	store, err := sync.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return
	}
	defer store.Close()

	if count, err := store.Count(ctx); err == nil {
		st.IndexedItems = count
	}

	if errs, err := store.ListSyncErrors(ctx); err == nil {
		st.SyncErrors = len(errs)
	}

	if conflicts, err := store.ListConflicts(ctx); err == nil {
		st.Conflicts = len(conflicts)
	}
}

func printStatusJSON(statuses []profileStatus) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(statuses); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(statuses []profileStatus) {
	for i := range statuses {
		st := &statuses[i]

		if i > 0 {
			fmt.Println()
		}

		fmt.Printf("Profile:  %s\n", st.Profile)
		fmt.Printf("Sync dir: %s\n", st.SyncDir)
		fmt.Printf("Remote:   %s\n", st.RemotePath)
		fmt.Printf("Token:    %s\n", st.TokenState)

		if st.DaemonPID > 0 {
			fmt.Printf("Daemon:   %s (PID %d)\n", st.DaemonState, st.DaemonPID)
		} else {
			fmt.Printf("Daemon:   %s\n", st.DaemonState)
		}

		fmt.Printf("Indexed:  %s items\n", humanize.Comma(st.IndexedItems))
		fmt.Printf("Errors:   %d sync errors, %d conflicts\n", st.SyncErrors, st.Conflicts)
	}
}
