package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/pathmap"
	"github.com/tonimelisma/dropbox-go/internal/sync"
)

// errVerifyMismatch signals a non-zero exit without an error message (the
// table/JSON output already reported the mismatches).
var errVerifyMismatch = errors.New("verify: mismatches found")

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify local files against the index",
		Long: `Perform a full-tree hash verification of local files against the persisted
index: every indexed file with a recorded content_hash is re-read and
re-hashed, bypassing the hash cache, and compared against it; a file
with no recorded hash is only checked for existence.

Exit code 0 if every file verifies; exit code 1 if any file is missing or
has a hash mismatch.`,
		RunE: runVerify,
	}
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Resolved.SyncDir == "" {
		return fmt.Errorf("sync_dir not configured for profile %q", cc.Resolved.Name)
	}

	report, err := loadAndVerify(cmd.Context(), cc.Resolved.Name, cc.Resolved.SyncDir, cc.Logger)
	if err != nil {
		return err
	}

	if flagJSON {
		if err := printVerifyJSON(report); err != nil {
			return err
		}
	} else {
		printVerifyTable(report)
	}

	if len(report.Mismatches) > 0 {
		return errVerifyMismatch
	}

	return nil
}

// loadAndVerify opens the index database and runs VerifyIndex. Separated so
// the deferred Close runs before runVerify returns.
func loadAndVerify(ctx context.Context, profileName, syncDir string, logger *slog.Logger) (*sync.VerifyReport, error) {
	store, err := sync.NewSQLiteStore(config.ProfileDBPath(profileName), logger)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	defer store.Close()

	mapper := pathmap.New(syncDir)

	return sync.VerifyIndex(ctx, store, mapper, logger)
}

func printVerifyJSON(report *sync.VerifyReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printVerifyTable(report *sync.VerifyReport) {
	fmt.Printf("Verified: %d files\n", report.Verified)

	if len(report.Mismatches) == 0 {
		fmt.Println("All files verified successfully.")
		return
	}

	fmt.Printf("Mismatches: %d\n\n", len(report.Mismatches))

	headers := []string{"PATH", "STATUS", "EXPECTED", "ACTUAL"}
	rows := make([][]string, len(report.Mismatches))

	for i := range report.Mismatches {
		m := &report.Mismatches[i]
		rows[i] = []string{m.DbxPathLower, string(m.Status), m.Expected, m.Actual}
	}

	printTable(os.Stdout, headers, rows)
}
