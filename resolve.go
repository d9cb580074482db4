package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/sync"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [path-or-id]",
		Short: "Resolve sync conflicts",
		Long: `Resolve conflicts recorded by 'conflicts' with a chosen strategy:

  --keep-local   re-upload the local conflict copy over the remote version
  --keep-remote  re-download the remote version over the local conflict copy
  --keep-both    leave both copies as-is (the conflict copy already exists)

Use --all to resolve every unresolved conflict with the chosen strategy.
Without --all, a path or conflict ID (or unambiguous prefix) is required.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runResolve,
	}

	cmd.Flags().Bool("keep-local", false, "re-upload the local conflict copy, overwriting remote")
	cmd.Flags().Bool("keep-remote", false, "re-download the remote version, overwriting the local conflict copy")
	cmd.Flags().Bool("keep-both", false, "leave both versions as they are")
	cmd.Flags().Bool("all", false, "resolve all unresolved conflicts")

	cmd.MarkFlagsMutuallyExclusive("keep-local", "keep-remote", "keep-both")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolution, err := resolveStrategy(cmd)
	if err != nil {
		return err
	}

	resolveAll := cmd.Flags().Changed("all")

	if !resolveAll && len(args) == 0 {
		return fmt.Errorf("specify a conflict path or ID, or use --all to resolve all conflicts")
	}

	if resolveAll && len(args) > 0 {
		return fmt.Errorf("--all and a specific conflict argument are mutually exclusive")
	}

	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	// keep_both only touches the index; no client needed.
	if resolution == sync.ConflictKeepBoth {
		return resolveKeepBothOnly(ctx, cc, args, resolveAll)
	}

	return resolveWithTransfers(ctx, cc, args, resolution, resolveAll)
}

// resolveStrategy returns the chosen resolution from flags.
func resolveStrategy(cmd *cobra.Command) (sync.ConflictResolution, error) {
	switch {
	case cmd.Flags().Changed("keep-local"):
		return sync.ConflictKeepLocal, nil
	case cmd.Flags().Changed("keep-remote"):
		return sync.ConflictKeepRemote, nil
	case cmd.Flags().Changed("keep-both"):
		return sync.ConflictKeepBoth, nil
	default:
		return "", fmt.Errorf("specify a resolution strategy: --keep-local, --keep-remote, or --keep-both")
	}
}

func resolveKeepBothOnly(ctx context.Context, cc *CLIContext, args []string, all bool) error {
	store, err := sync.NewSQLiteStore(config.ProfileDBPath(cc.Resolved.Name), cc.Logger)
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}
	defer store.Close()

	conflicts, err := store.ListConflicts(ctx)
	if err != nil {
		return err
	}

	resolveFn := func(c *sync.ConflictRecord) error {
		return store.ResolveConflict(ctx, c.ID, sync.ConflictKeepBoth)
	}

	if all {
		return resolveEachConflict(conflicts, sync.ConflictKeepBoth, resolveFn)
	}

	target, err := findConflict(conflicts, args[0])
	if err != nil {
		return err
	}

	return resolveOneConflict(target, args[0], sync.ConflictKeepBoth, resolveFn)
}

func resolveWithTransfers(ctx context.Context, cc *CLIContext, args []string, resolution sync.ConflictResolution, all bool) error {
	engine, err := newSyncEngine(ctx, cc, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	conflicts, err := engine.ListConflicts(ctx)
	if err != nil {
		return err
	}

	resolveFn := func(c *sync.ConflictRecord) error {
		return engine.ResolveConflict(ctx, c.ID, c.DbxPath, c.ConflictPath, resolution)
	}

	if all {
		return resolveEachConflict(conflicts, resolution, resolveFn)
	}

	target, err := findConflict(conflicts, args[0])
	if err != nil {
		return err
	}

	return resolveOneConflict(target, args[0], resolution, resolveFn)
}

// resolveEachConflict resolves every conflict in the list, reporting progress.
func resolveEachConflict(conflicts []*sync.ConflictRecord, resolution sync.ConflictResolution, resolveFn func(*sync.ConflictRecord) error) error {
	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	for _, c := range conflicts {
		if err := resolveFn(c); err != nil {
			return fmt.Errorf("resolving %s: %w", c.DbxPath, err)
		}

		statusf(flagQuiet, "Resolved %s as %s\n", c.DbxPath, resolution)
	}

	return nil
}

// resolveOneConflict resolves a single conflict found by path, ID, or prefix.
func resolveOneConflict(target *sync.ConflictRecord, idOrPath string, resolution sync.ConflictResolution, resolveFn func(*sync.ConflictRecord) error) error {
	if target == nil {
		return fmt.Errorf("conflict not found: %s", idOrPath)
	}

	if err := resolveFn(target); err != nil {
		return fmt.Errorf("resolving %s: %w", target.DbxPath, err)
	}

	statusf(flagQuiet, "Resolved %s as %s\n", target.DbxPath, resolution)

	return nil
}

// errAmbiguousPrefix is the sentinel wrapped into the dynamic, value-
// reporting error returned by findConflict on an ambiguous ID prefix.
var errAmbiguousPrefix = errors.New("ambiguous conflict ID prefix")

// findConflict searches conflicts by exact ID, exact path, or unambiguous ID
// prefix.
func findConflict(conflicts []*sync.ConflictRecord, idOrPath string) (*sync.ConflictRecord, error) {
	if idOrPath == "" {
		return nil, nil
	}

	for _, c := range conflicts {
		if c.ID == idOrPath || c.DbxPath == idOrPath {
			return c, nil
		}
	}

	var match *sync.ConflictRecord

	for _, c := range conflicts {
		if len(c.ID) >= len(idOrPath) && c.ID[:len(idOrPath)] == idOrPath {
			if match != nil {
				return nil, fmt.Errorf("%w %q — provide more characters", errAmbiguousPrefix, idOrPath)
			}

			match = c
		}
	}

	return match, nil
}
