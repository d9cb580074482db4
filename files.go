package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// printJSONMetadata writes entries as a JSON array to stdout.
func printJSONMetadata(entries []dropbox.Metadata) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(entries)
}

// cliClient builds a dropbox.Client authorized for cc's profile.
// transfer selects the no-timeout HTTP client used for upload/download.
func cliClient(ctx context.Context, cc *CLIContext, transfer bool) (*dropbox.Client, error) {
	ts, err := dropbox.TokenSourceFromPath(ctx, cc.Resolved.AppKey, config.ProfileTokenPath(cc.Resolved.Name), cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("profile %q is not logged in: %w", cc.Resolved.Name, err)
	}

	if transfer {
		return newTransferDropboxClient(ts, cc.Logger), nil
	}

	return newDropboxClient(ts, cc.Logger), nil
}

// resolveDbxPath joins a user-supplied path argument against the profile's
// remote_path prefix. An empty argument resolves to the remote_path itself.
func resolveDbxPath(cc *CLIContext, arg string) string {
	if arg == "" || arg == "/" {
		return cc.Resolved.RemotePath
	}

	if strings.HasPrefix(arg, "/") {
		return arg
	}

	return strings.TrimSuffix(cc.Resolved.RemotePath, "/") + "/" + arg
}

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}

	cmd.Flags().Bool("recursive", false, "list subfolders recursively")

	return cmd
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := cliClient(ctx, cc, false)
	if err != nil {
		return err
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	var target string
	if len(args) > 0 {
		target = args[0]
	}

	path := resolveDbxPath(cc, target)

	entries, err := listAll(ctx, client, path, recursive)
	if err != nil {
		return fmt.Errorf("listing %s: %w", path, err)
	}

	if flagJSON {
		return printJSONMetadata(entries)
	}

	printLsTable(entries)

	return nil
}

// listAll drains every page of a (possibly recursive) list_folder call.
func listAll(ctx context.Context, client *dropbox.Client, path string, recursive bool) ([]dropbox.Metadata, error) {
	result, err := client.ListFolder(ctx, path, recursive)
	if err != nil {
		return nil, err
	}

	entries := result.Entries
	cursor := result.Cursor

	for result.HasMore {
		result, err = client.ListFolderContinue(ctx, cursor)
		if err != nil {
			return nil, err
		}

		entries = append(entries, result.Entries...)
		cursor = result.Cursor
	}

	return entries, nil
}

func printLsTable(entries []dropbox.Metadata) {
	rows := make([][]string, 0, len(entries))

	for _, md := range entries {
		rows = append(rows, lsRow(md))
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i][3] < rows[j][3] })

	printTable(os.Stdout, []string{"TYPE", "SIZE", "MODIFIED", "PATH"}, rows)
}

func lsRow(md dropbox.Metadata) []string {
	switch m := md.(type) {
	case *dropbox.FileMetadata:
		return []string{"file", formatSize(m.Size), formatTime(m.ServerModified), m.PathDisplay}
	case *dropbox.FolderMetadata:
		return []string{"dir", "-", "-", m.PathDisplay}
	case *dropbox.DeletedMetadata:
		return []string{"deleted", "-", "-", m.PathDisplay}
	default:
		return []string{"?", "-", "-", ""}
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show metadata for a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func runStat(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := cliClient(ctx, cc, false)
	if err != nil {
		return err
	}

	path := resolveDbxPath(cc, args[0])

	dir := filepath.Dir(path)

	entries, err := listAll(ctx, client, dir, false)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", path, err)
	}

	for _, md := range entries {
		if pathLower(md) == strings.ToLower(path) {
			if flagJSON {
				return printJSONMetadata([]dropbox.Metadata{md})
			}

			printStat(md)

			return nil
		}
	}

	return fmt.Errorf("not found: %s", path)
}

func pathLower(md dropbox.Metadata) string {
	switch m := md.(type) {
	case *dropbox.FileMetadata:
		return m.PathLower
	case *dropbox.FolderMetadata:
		return m.PathLower
	case *dropbox.DeletedMetadata:
		return m.PathLower
	default:
		return ""
	}
}

func printStat(md dropbox.Metadata) {
	row := lsRow(md)
	fmt.Printf("Type:     %s\n", row[0])
	fmt.Printf("Path:     %s\n", row[3])

	if fm, ok := md.(*dropbox.FileMetadata); ok {
		fmt.Printf("Size:     %s\n", formatSize(fm.Size))
		fmt.Printf("Modified: %s\n", fm.ServerModified.Format(time.RFC3339))
		fmt.Printf("Rev:      %s\n", fm.Rev)
		fmt.Printf("Hash:     %s\n", fm.ContentHash)
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := cliClient(ctx, cc, true)
	if err != nil {
		return err
	}

	dbxPath := resolveDbxPath(cc, args[0])

	localPath := filepath.Base(dbxPath)
	if len(args) > 1 {
		localPath = args[1]
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", localPath, err)
	}
	defer f.Close()

	md, err := client.Download(ctx, dbxPath, f)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", dbxPath, err)
	}

	statusf(flagQuiet, "Downloaded %s (%s) to %s\n", md.PathDisplay, formatSize(md.Size), localPath)

	return nil
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> <remote-path>",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}

	cmd.Flags().Bool("overwrite", false, "overwrite the remote file if it exists")

	return cmd
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := cliClient(ctx, cc, true)
	if err != nil {
		return err
	}

	overwrite, err := cmd.Flags().GetBool("overwrite")
	if err != nil {
		return err
	}

	localPath := args[0]
	dbxPath := resolveDbxPath(cc, args[1])

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	mode := dropbox.WriteAdd
	if overwrite {
		mode = dropbox.WriteOverwrite
	}

	md, err := client.Upload(ctx, f, info.Size(), dbxPath, mode, "", info.ModTime())
	if err != nil {
		return fmt.Errorf("uploading %s: %w", localPath, err)
	}

	statusf(flagQuiet, "Uploaded %s to %s (%s)\n", localPath, md.PathDisplay, formatSize(md.Size))

	return nil
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a remote folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func runMkdir(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := cliClient(ctx, cc, false)
	if err != nil {
		return err
	}

	path := resolveDbxPath(cc, args[0])

	md, err := client.CreateFolder(ctx, path)
	if err != nil {
		return fmt.Errorf("creating folder %s: %w", path, err)
	}

	statusf(flagQuiet, "Created folder %s\n", md.PathDisplay)

	return nil
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	client, err := cliClient(ctx, cc, false)
	if err != nil {
		return err
	}

	path := resolveDbxPath(cc, args[0])

	md, err := client.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	statusf(flagQuiet, "Deleted %s\n", pathDisplay(md))

	return nil
}

func pathDisplay(md dropbox.Metadata) string {
	switch m := md.(type) {
	case *dropbox.FileMetadata:
		return m.PathDisplay
	case *dropbox.FolderMetadata:
		return m.PathDisplay
	case *dropbox.DeletedMetadata:
		return m.PathDisplay
	default:
		return ""
	}
}
