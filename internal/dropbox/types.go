// Package dropbox provides an HTTP client for the Dropbox API v2.
// It handles request construction, authentication, retry with exponential
// backoff, and error classification for the operations the sync engine
// consumes (account info, list_folder/continue, long-poll, upload/download,
// create_folder, move, delete).
package dropbox

import "time"

// Account is the authenticated user's account summary.
type Account struct {
	AccountID   string
	Email       string
	DisplayName string
	Country     string
}

// Metadata is implemented by FileMetadata, FolderMetadata, and
// DeletedMetadata. move() and delete() return whichever of these the
// affected path turns out to be.
type Metadata interface {
	metadataPathLower() string
	isMetadata()
}

// FileMetadata describes a file entry returned by list_folder, upload, or
// download.
type FileMetadata struct {
	ID             string
	Name           string
	PathDisplay    string
	PathLower      string
	Rev            string
	Size           int64
	ContentHash    string
	ClientModified time.Time
	ServerModified time.Time
	SymlinkTarget  string // value of the dropbox_go_symlink_target custom property field, empty otherwise
	Shared         bool
	ModifiedBy     string
}

func (m *FileMetadata) metadataPathLower() string { return m.PathLower }
func (m *FileMetadata) isMetadata()                {}

// FolderMetadata describes a folder entry returned by list_folder or
// create_folder.
type FolderMetadata struct {
	ID          string
	Name        string
	PathDisplay string
	PathLower   string
}

func (m *FolderMetadata) metadataPathLower() string { return m.PathLower }
func (m *FolderMetadata) isMetadata()                {}

// DeletedMetadata describes a tombstone entry returned by list_folder when
// include_deleted is set, or by delete().
type DeletedMetadata struct {
	Name        string
	PathDisplay string
	PathLower   string
}

func (m *DeletedMetadata) metadataPathLower() string { return m.PathLower }
func (m *DeletedMetadata) isMetadata()                {}

// WriteMode is the remote write mode used for an upload call.
type WriteMode string

// Write modes accepted by Upload.
const (
	WriteAdd       WriteMode = "add"
	WriteUpdate    WriteMode = "update"
	WriteOverwrite WriteMode = "overwrite"
)

// ListFolderResult is the response from list_folder and
// list_folder/continue: a page of entries plus the cursor to fetch the
// next page.
type ListFolderResult struct {
	Entries []Metadata
	Cursor  string
	HasMore bool
}
