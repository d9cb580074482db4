package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/sync"
)

// conflictIDPrefixLen is the number of characters shown for the conflict ID
// in table output; enough for practical uniqueness.
const conflictIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display every unresolved conflict recorded for the profile:
conflicting copies, selective-sync conflicts, and case conflicts awaiting
'resolve'.`,
		RunE: runConflicts,
	}
}

// conflictJSON is the JSON-serializable view of a conflict record.
type conflictJSON struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	ConflictPath string `json:"conflict_path"`
	Reason       string `json:"reason"`
	DetectedAt   string `json:"detected_at"`
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := sync.NewSQLiteStore(config.ProfileDBPath(cc.Resolved.Name), cc.Logger)
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}
	defer store.Close()

	conflicts, err := store.ListConflicts(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	if flagJSON {
		return printConflictsJSON(conflicts)
	}

	printConflictsTable(conflicts)

	return nil
}

func printConflictsJSON(conflicts []*sync.ConflictRecord) error {
	items := make([]conflictJSON, len(conflicts))
	for i, c := range conflicts {
		items[i] = conflictJSON{
			ID:           c.ID,
			Path:         c.DbxPath,
			ConflictPath: c.ConflictPath,
			Reason:       string(c.Reason),
			DetectedAt:   time.Unix(0, c.DetectedAt).UTC().Format(time.RFC3339),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printConflictsTable(conflicts []*sync.ConflictRecord) {
	headers := []string{"ID", "PATH", "CONFLICT COPY", "REASON", "DETECTED"}
	rows := make([][]string, len(conflicts))

	for i, c := range conflicts {
		detected := humanize.Time(time.Unix(0, c.DetectedAt))

		rows[i] = []string{truncateID(c.ID), c.DbxPath, c.ConflictPath, string(c.Reason), detected}
	}

	printTable(os.Stdout, headers, rows)
}

// truncateID shortens a conflict ID for display.
func truncateID(id string) string {
	if len(id) > conflictIDPrefixLen {
		return id[:conflictIDPrefixLen]
	}

	return id
}
