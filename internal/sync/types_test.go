package sync

import (
	"testing"
	"time"

	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

func TestIndexEntry_IsFolder(t *testing.T) {
	t.Parallel()

	file := &IndexEntry{ItemType: ItemTypeFile}
	if file.IsFolder() {
		t.Error("file entry reported as folder")
	}

	folder := &IndexEntry{ItemType: ItemTypeFolder}
	if !folder.IsFolder() {
		t.Error("folder entry not reported as folder")
	}
}

func TestActionPlan_TotalActions(t *testing.T) {
	t.Parallel()

	plan := &ActionPlan{
		Deletes:       []Action{{}},
		FolderCreates: []Action{{}, {}},
		Moves:         []Action{{}},
		Uploads:       []Action{{}, {}, {}},
		Downloads:     []Action{{}},
		IndexOnly:     []Action{{}},
		Cleanups:      []Action{{}},
	}

	if got, want := plan.TotalActions(), 10; got != want {
		t.Errorf("TotalActions() = %d, want %d", got, want)
	}
}

func TestActionPlan_TotalActions_Empty(t *testing.T) {
	t.Parallel()

	plan := &ActionPlan{}
	if got := plan.TotalActions(); got != 0 {
		t.Errorf("TotalActions() = %d, want 0", got)
	}
}

func TestNowNano_Monotonic(t *testing.T) {
	t.Parallel()

	a := NowNano()
	b := NowNano()

	if b < a {
		t.Errorf("NowNano() went backwards: %d then %d", a, b)
	}
}

func TestToUnixNano(t *testing.T) {
	t.Parallel()

	if got := ToUnixNano(time.Time{}); got != 0 {
		t.Errorf("ToUnixNano(zero) = %d, want 0", got)
	}

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got, want := ToUnixNano(ts), ts.UnixNano(); got != want {
		t.Errorf("ToUnixNano() = %d, want %d", got, want)
	}
}

func TestTruncateToSeconds(t *testing.T) {
	t.Parallel()

	ns := int64(1_700_000_123_456_789_000)
	want := int64(1_700_000_123_000_000_000)

	if got := TruncateToSeconds(ns); got != want {
		t.Errorf("TruncateToSeconds(%d) = %d, want %d", ns, got, want)
	}
}

// Interface satisfaction checks — compile-time verification that
// *dropbox.Client implements the consumer-defined RemoteClient interface.
var _ RemoteClient = (*dropbox.Client)(nil)
