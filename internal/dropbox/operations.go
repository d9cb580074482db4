package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// longPollMinTimeout and longPollMaxTimeout bound the timeout accepted by
// WaitForRemoteChanges, matching Dropbox's longpoll/list_folder contract.
const (
	longPollMinTimeout = 30 * time.Second
	longPollMaxTimeout = 480 * time.Second
)

// AccountInfo fetches the authenticated user's account summary.
func (c *Client) AccountInfo(ctx context.Context) (*Account, error) {
	var resp struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email"`
		Name      struct {
			DisplayName string `json:"display_name"`
		} `json:"name"`
		Country string `json:"country"`
	}

	if err := c.rpcCall(ctx, "/users/get_current_account", struct{}{}, &resp); err != nil {
		return nil, err
	}

	return &Account{
		AccountID:   resp.AccountID,
		Email:       resp.Email,
		DisplayName: resp.Name.DisplayName,
		Country:     resp.Country,
	}, nil
}

// listFolderEntry is the wire shape of one entry in a list_folder response.
type listFolderEntry struct {
	Tag            string `json:".tag"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	PathDisplay    string `json:"path_display"`
	PathLower      string `json:"path_lower"`
	Rev            string `json:"rev"`
	Size           int64  `json:"size"`
	ContentHash    string `json:"content_hash"`
	ClientModified string `json:"client_modified"`
	ServerModified string `json:"server_modified"`
	SharingInfo    *struct {
		ReadOnly bool `json:"read_only"`
	} `json:"sharing_info"`
	PropertyGroups []struct {
		Fields []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"fields"`
	} `json:"property_groups"`
}

func (e *listFolderEntry) toMetadata() Metadata {
	switch e.Tag {
	case "folder":
		return &FolderMetadata{
			ID:          e.ID,
			Name:        e.Name,
			PathDisplay: e.PathDisplay,
			PathLower:   e.PathLower,
		}
	case "deleted":
		return &DeletedMetadata{
			Name:        e.Name,
			PathDisplay: e.PathDisplay,
			PathLower:   e.PathLower,
		}
	default:
		clientMod, _ := time.Parse(time.RFC3339, e.ClientModified)
		serverMod, _ := time.Parse(time.RFC3339, e.ServerModified)

		return &FileMetadata{
			ID:             e.ID,
			Name:           e.Name,
			PathDisplay:    e.PathDisplay,
			PathLower:      e.PathLower,
			Rev:            e.Rev,
			Size:           e.Size,
			ContentHash:    e.ContentHash,
			ClientModified: clientMod,
			ServerModified: serverMod,
			SymlinkTarget:  e.symlinkTarget(),
			Shared:         e.SharingInfo != nil,
		}
	}
}

// symlinkTarget returns the value of the dropbox_go_symlink_target field
// from the entry's custom property groups, or "" if no group carries it.
// Dropbox has no native symlink concept; the upload calls in this package
// attach no property groups, so the field is only present when another
// client set it.
func (e *listFolderEntry) symlinkTarget() string {
	const symlinkFieldName = "dropbox_go_symlink_target"

	for _, group := range e.PropertyGroups {
		for _, field := range group.Fields {
			if field.Name == symlinkFieldName {
				return field.Value
			}
		}
	}

	return ""
}

type listFolderResponse struct {
	Entries []listFolderEntry `json:"entries"`
	Cursor  string            `json:"cursor"`
	HasMore bool              `json:"has_more"`
}

func (r *listFolderResponse) toResult() *ListFolderResult {
	entries := make([]Metadata, len(r.Entries))
	for i := range r.Entries {
		entries[i] = r.Entries[i].toMetadata()
	}

	return &ListFolderResult{Entries: entries, Cursor: r.Cursor, HasMore: r.HasMore}
}

// ListFolder lists the contents of path (or the whole account if path is
// ""), optionally recursively. include_deleted is always requested so
// tombstones surface as DeletedMetadata for the down pipeline to process.
func (c *Client) ListFolder(ctx context.Context, path string, recursive bool) (*ListFolderResult, error) {
	arg := struct {
		Path           string `json:"path"`
		Recursive      bool   `json:"recursive"`
		IncludeDeleted bool   `json:"include_deleted"`
	}{
		Path:           path,
		Recursive:      recursive,
		IncludeDeleted: true,
	}

	var resp listFolderResponse
	if err := c.rpcCall(ctx, "/files/list_folder", arg, &resp); err != nil {
		return nil, err
	}

	return resp.toResult(), nil
}

// ListFolderContinue fetches the next page of a list_folder operation
// using a cursor from a prior call or from GetLatestCursor.
func (c *Client) ListFolderContinue(ctx context.Context, cursor string) (*ListFolderResult, error) {
	arg := struct {
		Cursor string `json:"cursor"`
	}{Cursor: cursor}

	var resp listFolderResponse
	if err := c.rpcCall(ctx, "/files/list_folder/continue", arg, &resp); err != nil {
		return nil, err
	}

	return resp.toResult(), nil
}

// GetLatestCursor returns a cursor reflecting the current state of path
// without returning any entries. Used after a CursorReset error to
// re-anchor the remote change stream before a full reindex.
func (c *Client) GetLatestCursor(ctx context.Context, path string, recursive bool) (string, error) {
	arg := struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}{Path: path, Recursive: recursive}

	var resp struct {
		Cursor string `json:"cursor"`
	}

	if err := c.rpcCall(ctx, "/files/list_folder/get_latest_cursor", arg, &resp); err != nil {
		return "", err
	}

	return resp.Cursor, nil
}

// WaitForRemoteChanges long-polls the notify endpoint for up to timeout,
// clamped to Dropbox's accepted [30s, 480s] range. It reports whether a
// change is pending (the caller should then call ListFolderContinue) and,
// if the server asked for backoff, how long to wait before polling again.
func (c *Client) WaitForRemoteChanges(ctx context.Context, cursor string, timeout time.Duration) (bool, time.Duration, error) {
	clamped := timeout
	if clamped < longPollMinTimeout {
		clamped = longPollMinTimeout
	}

	if clamped > longPollMaxTimeout {
		clamped = longPollMaxTimeout
	}

	arg := struct {
		Cursor  string `json:"cursor"`
		Timeout int    `json:"timeout"`
	}{Cursor: cursor, Timeout: int(clamped.Seconds())}

	body, err := json.Marshal(arg)
	if err != nil {
		return false, 0, fmt.Errorf("dropbox: encoding longpoll request: %w", err)
	}

	resp, err := c.doRetry(ctx, longpollBaseURL+"/files/list_folder/longpoll", "application/json", bytes.NewReader(body), nil)
	if err != nil {
		return false, 0, err
	}

	defer resp.Body.Close()

	var decoded struct {
		Changes bool `json:"changes"`
		Backoff int  `json:"backoff"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, 0, fmt.Errorf("dropbox: decoding longpoll response: %w", err)
	}

	return decoded.Changes, time.Duration(decoded.Backoff) * time.Second, nil
}

// Download streams the contents of dbxPath to w and returns its metadata.
func (c *Client) Download(ctx context.Context, dbxPath string, w io.Writer) (*FileMetadata, error) {
	arg := struct {
		Path string `json:"path"`
	}{Path: dbxPath}

	resp, err := c.contentDownload(ctx, "/files/download", arg)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	var entry listFolderEntry
	if metaHeader := resp.Header.Get("Dropbox-API-Result"); metaHeader != "" {
		if err := json.Unmarshal([]byte(metaHeader), &entry); err != nil {
			return nil, fmt.Errorf("dropbox: decoding Dropbox-API-Result header: %w", err)
		}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, fmt.Errorf("dropbox: copying download body: %w", err)
	}

	meta, _ := entry.toMetadata().(*FileMetadata)
	if meta == nil {
		meta = &FileMetadata{PathLower: dbxPath}
	}

	return meta, nil
}

// Upload writes size bytes read from r to dbxPath using the given write
// mode. mode=update requires rev to still be current (Dropbox rejects the
// call with a conflict tag otherwise, surfaced via ErrConflict). Files
// larger than the client's configured chunk size (default DefaultChunkSize)
// go through an upload session instead of a single request.
func (c *Client) Upload(
	ctx context.Context, r io.Reader, size int64, dbxPath string, mode WriteMode, rev string, clientModified time.Time,
) (*FileMetadata, error) {
	if size <= c.chunkSize {
		return c.uploadSingleShot(ctx, r, dbxPath, mode, rev, clientModified)
	}

	return c.uploadSession(ctx, r, size, dbxPath, mode, rev, clientModified)
}

func (c *Client) uploadSingleShot(
	ctx context.Context, r io.Reader, dbxPath string, mode WriteMode, rev string, clientModified time.Time,
) (*FileMetadata, error) {
	arg := struct {
		Path           string `json:"path"`
		Mode           any    `json:"mode"`
		Autorename     bool   `json:"autorename"`
		ClientModified string `json:"client_modified"`
		Mute           bool   `json:"mute"`
	}{
		Path: dbxPath,
		Mode: writeModeArg(mode, rev),
		// add must not clobber an item that appeared at the path since the
		// caller last looked: the server picks a fresh name instead, and
		// the caller treats the renamed result as a conflict copy.
		Autorename:     mode == WriteAdd,
		ClientModified: clientModified.UTC().Format(time.RFC3339),
	}

	resp, err := c.contentUpload(ctx, "/files/upload", arg, r)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	var entry listFolderEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("dropbox: decoding upload response: %w", err)
	}

	meta, _ := entry.toMetadata().(*FileMetadata)
	if meta == nil {
		return nil, fmt.Errorf("dropbox: upload response for %s was not file metadata", dbxPath)
	}

	return meta, nil
}

// uploadSession pushes size bytes to dbxPath as a sequence of
// upload_session/start, append_v2, and finish calls, each request carrying
// at most c.chunkSize bytes. Progress is logged after every chunk
// commits.
func (c *Client) uploadSession(
	ctx context.Context, r io.Reader, size int64, dbxPath string, mode WriteMode, rev string, clientModified time.Time,
) (*FileMetadata, error) {
	sessionID, err := c.uploadSessionStart(ctx)
	if err != nil {
		return nil, fmt.Errorf("dropbox: starting upload session for %s: %w", dbxPath, err)
	}

	buf := make([]byte, c.chunkSize)

	var sent int64

	for sent < size {
		want := c.chunkSize
		if remaining := size - sent; remaining < want {
			want = remaining
		}

		n, readErr := io.ReadFull(r, buf[:want])
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("dropbox: reading chunk at offset %d for %s: %w", sent, dbxPath, readErr)
		}

		if n == 0 {
			return nil, fmt.Errorf("dropbox: upload session for %s ended %d bytes short", dbxPath, size-sent)
		}

		last := sent+int64(n) >= size

		if !last {
			if err := c.uploadSessionAppend(ctx, sessionID, sent, bytes.NewReader(buf[:n])); err != nil {
				return nil, fmt.Errorf("dropbox: appending chunk at offset %d for %s: %w", sent, dbxPath, err)
			}

			sent += int64(n)

			c.logger.Debug("uploaded chunk",
				slog.String("path", dbxPath), slog.Int64("completed", sent), slog.Int64("total", size))

			continue
		}

		meta, err := c.uploadSessionFinish(ctx, sessionID, sent, bytes.NewReader(buf[:n]), dbxPath, mode, rev, clientModified)
		if err != nil {
			return nil, fmt.Errorf("dropbox: finishing upload session for %s: %w", dbxPath, err)
		}

		sent += int64(n)

		c.logger.Debug("uploaded chunk",
			slog.String("path", dbxPath), slog.Int64("completed", sent), slog.Int64("total", size))

		return meta, nil
	}

	return nil, fmt.Errorf("dropbox: upload session for %s produced no data", dbxPath)
}

func (c *Client) uploadSessionStart(ctx context.Context) (string, error) {
	resp, err := c.contentUpload(ctx, "/files/upload_session/start", struct{}{}, nil)
	if err != nil {
		return "", err
	}

	defer resp.Body.Close()

	var out struct {
		SessionID string `json:"session_id"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("dropbox: decoding upload_session/start response: %w", err)
	}

	return out.SessionID, nil
}

func (c *Client) uploadSessionAppend(ctx context.Context, sessionID string, offset int64, r io.Reader) error {
	var arg struct {
		Cursor struct {
			SessionID string `json:"session_id"`
			Offset    int64  `json:"offset"`
		} `json:"cursor"`
		Close bool `json:"close"`
	}

	arg.Cursor.SessionID = sessionID
	arg.Cursor.Offset = offset

	resp, err := c.contentUpload(ctx, "/files/upload_session/append_v2", arg, r)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

func (c *Client) uploadSessionFinish(
	ctx context.Context, sessionID string, offset int64, r io.Reader,
	dbxPath string, mode WriteMode, rev string, clientModified time.Time,
) (*FileMetadata, error) {
	var arg struct {
		Cursor struct {
			SessionID string `json:"session_id"`
			Offset    int64  `json:"offset"`
		} `json:"cursor"`
		Commit struct {
			Path           string `json:"path"`
			Mode           any    `json:"mode"`
			Autorename     bool   `json:"autorename"`
			ClientModified string `json:"client_modified"`
			Mute           bool   `json:"mute"`
		} `json:"commit"`
	}

	arg.Cursor.SessionID = sessionID
	arg.Cursor.Offset = offset
	arg.Commit.Path = dbxPath
	arg.Commit.Mode = writeModeArg(mode, rev)
	// Same collision rule as the single-shot path: add-mode commits let
	// the server autorename on conflict.
	arg.Commit.Autorename = mode == WriteAdd
	arg.Commit.ClientModified = clientModified.UTC().Format(time.RFC3339)

	resp, err := c.contentUpload(ctx, "/files/upload_session/finish", arg, r)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	var entry listFolderEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("dropbox: decoding upload_session/finish response: %w", err)
	}

	meta, _ := entry.toMetadata().(*FileMetadata)
	if meta == nil {
		return nil, fmt.Errorf("dropbox: upload_session/finish response for %s was not file metadata", dbxPath)
	}

	return meta, nil
}

// writeModeArg builds the tagged union the API expects for the upload
// mode argument.
func writeModeArg(mode WriteMode, rev string) any {
	switch mode {
	case WriteUpdate:
		return struct {
			Tag string `json:".tag"`
			Rev string `json:"update"`
		}{Tag: "update", Rev: rev}
	case WriteOverwrite:
		return struct {
			Tag string `json:".tag"`
		}{Tag: "overwrite"}
	default:
		return struct {
			Tag string `json:".tag"`
		}{Tag: "add"}
	}
}

// CreateFolder creates a folder at dbxPath, including any missing parents.
func (c *Client) CreateFolder(ctx context.Context, dbxPath string) (*FolderMetadata, error) {
	arg := struct {
		Path       string `json:"path"`
		Autorename bool   `json:"autorename"`
	}{Path: dbxPath}

	var resp struct {
		Metadata listFolderEntry `json:"metadata"`
	}

	if err := c.rpcCall(ctx, "/files/create_folder_v2", arg, &resp); err != nil {
		return nil, err
	}

	folder, ok := resp.Metadata.toMetadata().(*FolderMetadata)
	if !ok {
		return nil, fmt.Errorf("dropbox: create_folder response for %s was not folder metadata", dbxPath)
	}

	return folder, nil
}

// Move renames or relocates src to dst. autorename lets the server pick a
// conflict-free name on collision instead of failing, used by the up
// pipeline's conflict-copy fallback.
func (c *Client) Move(ctx context.Context, src, dst string, autorename bool) (Metadata, error) {
	arg := struct {
		FromPath   string `json:"from_path"`
		ToPath     string `json:"to_path"`
		Autorename bool   `json:"autorename"`
	}{FromPath: src, ToPath: dst, Autorename: autorename}

	var resp struct {
		Metadata listFolderEntry `json:"metadata"`
	}

	if err := c.rpcCall(ctx, "/files/move_v2", arg, &resp); err != nil {
		return nil, err
	}

	return resp.Metadata.toMetadata(), nil
}

// Delete removes the file or folder at dbxPath (recursively, for
// folders) and returns its metadata as it existed just before deletion.
func (c *Client) Delete(ctx context.Context, dbxPath string) (Metadata, error) {
	arg := struct {
		Path string `json:"path"`
	}{Path: dbxPath}

	var resp struct {
		Metadata listFolderEntry `json:"metadata"`
	}

	if err := c.rpcCall(ctx, "/files/delete_v2", arg, &resp); err != nil {
		return nil, err
	}

	return resp.Metadata.toMetadata(), nil
}
