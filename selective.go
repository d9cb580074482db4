package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExcludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exclude <path>",
		Short: "Exclude a remote subtree from selective sync",
		Long: `Add path to the profile's selective-sync deny-list: the local
subtree is removed (after telling the watcher to ignore the resulting
events) and its index rows are dropped. The remote copy is untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: runExclude,
	}
}

func runExclude(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	engine, err := newSyncEngine(ctx, cc, false)
	if err != nil {
		return err
	}
	defer engine.Close()

	path := resolveDbxPath(cc, args[0])

	if err := engine.ExcludeItem(ctx, path); err != nil {
		return fmt.Errorf("excluding %s: %w", path, err)
	}

	statusf(flagQuiet, "Excluded %s\n", path)

	return nil
}

func newIncludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "include <path>",
		Short: "Re-include a previously excluded remote subtree",
		Long: `Remove path from the profile's selective-sync deny-list and
download the subtree from the remote to repopulate it locally.`,
		Args: cobra.ExactArgs(1),
		RunE: runInclude,
	}
}

func runInclude(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	engine, err := newSyncEngine(ctx, cc, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	path := resolveDbxPath(cc, args[0])

	if err := engine.IncludeItem(ctx, path); err != nil {
		return fmt.Errorf("including %s: %w", path, err)
	}

	statusf(flagQuiet, "Included %s\n", path)

	return nil
}

func newRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Clear and rebuild the index from a full remote listing",
		Long: `Clear the index database and re-run initial indexing:
recursively list the remote namespace and recreate every local item from
scratch. Use after a CursorReset error or if the index is suspected corrupt.`,
		RunE: runRebuildIndex,
	}
}

func runRebuildIndex(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	engine, err := newSyncEngine(ctx, cc, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	cc.Statusf("Rebuilding index for profile %q...\n", cc.Resolved.Name)

	if err := engine.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}

	statusf(flagQuiet, "Index rebuilt\n")

	return nil
}
