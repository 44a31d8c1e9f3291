package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/ignore"
	"github.com/steveyegge/drivesync/internal/localfs"
	"github.com/steveyegge/drivesync/internal/state"
	"github.com/steveyegge/drivesync/internal/xattr"
)

func newLocalFixture(t *testing.T) (*Local, *dao.EngineDAO, string) {
	t.Helper()
	root := t.TempDir()
	d, err := dao.OpenEngine(filepath.Join(t.TempDir(), "engine.db"), nil)
	if err != nil {
		t.Fatalf("OpenEngine() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	fs := localfs.NewClient(root)
	refs := xattr.NewStore(root)
	w, err := NewLocal(DefaultLocalConfig(), d, fs, refs, ignore.NewMatcher(), nil)
	if err != nil {
		t.Fatalf("NewLocal() failed: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, d, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestScan_InsertsTree(t *testing.T) {
	w, d, root := newLocalFixture(t)
	writeFile(t, root, "docs/readme.md", "hello")
	writeFile(t, root, "top.txt", "top")

	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	folder, err := d.GetStateFromLocal("/docs")
	if err != nil {
		t.Fatalf("folder pair missing: %v", err)
	}
	if !folder.Folderish || folder.PairState != state.PairLocallyCreated {
		t.Errorf("folder pair = %+v", folder)
	}

	file, err := d.GetStateFromLocal("/docs/readme.md")
	if err != nil {
		t.Fatalf("file pair missing: %v", err)
	}
	// md5("hello")
	if file.LocalDigest != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("digest = %q", file.LocalDigest)
	}
}

func TestScan_SkipsIgnoredNames(t *testing.T) {
	w, d, root := newLocalFixture(t)
	writeFile(t, root, ".hidden", "x")
	writeFile(t, root, "draft.tmp", "x")
	writeFile(t, root, "kept.txt", "x")

	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	for _, path := range []string{"/.hidden", "/draft.tmp"} {
		if _, err := d.GetStateFromLocal(path); !errors.Is(err, dao.ErrNotFound) {
			t.Errorf("ignored entry %s got a pair", path)
		}
	}
	if _, err := d.GetStateFromLocal("/kept.txt"); err != nil {
		t.Errorf("regular entry missing: %v", err)
	}
}

func TestScan_MarksVanishedDeleted(t *testing.T) {
	w, d, root := newLocalFixture(t)
	writeFile(t, root, "a.txt", "a")
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("first Scan() failed: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("second Scan() failed: %v", err)
	}

	p, err := d.GetStateFromLocal("/a.txt")
	if err != nil {
		t.Fatalf("pair lost: %v", err)
	}
	if p.PairState != state.PairLocallyDeleted {
		t.Errorf("pair_state = %q, want locally_deleted", p.PairState)
	}
}

func TestScan_DetectsMoveByRef(t *testing.T) {
	w, d, root := newLocalFixture(t)
	writeFile(t, root, "old.txt", "content")
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("first Scan() failed: %v", err)
	}

	// Simulate a fully synchronized pair carrying a remote ref.
	p, _ := d.GetStateFromLocal("/old.txt")
	if err := w.refs.SetRef(filepath.Join(root, "old.txt"), "remote-1"); err != nil {
		t.Fatalf("SetRef failed: %v", err)
	}
	info := remoteInfoFor("remote-1", "parent-1", "old.txt", false)
	if _, err := d.UpdateRemoteState(p, info, "/parent", true, false, true); err != nil {
		t.Fatalf("UpdateRemoteState failed: %v", err)
	}

	if err := os.Rename(filepath.Join(root, "old.txt"), filepath.Join(root, "new.txt")); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	// The ref side channel moves with the file on rename for xattr, but the
	// sidecar fallback tracks paths; mirror the move explicitly.
	if err := w.refs.MoveRef(filepath.Join(root, "old.txt"), filepath.Join(root, "new.txt")); err != nil {
		t.Fatalf("MoveRef failed: %v", err)
	}

	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("second Scan() failed: %v", err)
	}

	moved, err := d.GetStateFromLocal("/new.txt")
	if err != nil {
		t.Fatalf("moved pair missing: %v", err)
	}
	if moved.ID != p.ID {
		t.Errorf("move created a new pair: %d -> %d", p.ID, moved.ID)
	}
	if moved.LocalState != state.StateMoved {
		t.Errorf("local_state = %q, want moved", moved.LocalState)
	}
	if w.Metrics.Moves.Load() != 1 {
		t.Errorf("moves metric = %d, want 1", w.Metrics.Moves.Load())
	}
}

func TestRefresh_MarksModifiedOnDigestChange(t *testing.T) {
	w, d, root := newLocalFixture(t)
	writeFile(t, root, "a.txt", "one")
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("first Scan() failed: %v", err)
	}
	before, _ := d.GetStateFromLocal("/a.txt")

	writeFile(t, root, "a.txt", "two")
	// Ensure the mtime moves even on coarse-grained filesystems.
	future := before.LastLocalUpdated.Add(2 * time.Second)
	os.Chtimes(filepath.Join(root, "a.txt"), future, future)

	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("second Scan() failed: %v", err)
	}
	after, _ := d.GetStateFromLocal("/a.txt")
	if after.LocalState != state.StateModified {
		t.Errorf("local_state = %q, want modified", after.LocalState)
	}
	if after.LocalDigest == before.LocalDigest {
		t.Error("digest not refreshed")
	}
}

func TestPendingDeletes_FlushAfterWindow(t *testing.T) {
	w, d, root := newLocalFixture(t)
	w.cfg.MoveResolution = 0 // flush immediately
	writeFile(t, root, "a.txt", "a")
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	os.Remove(filepath.Join(root, "a.txt"))
	w.scheduleDelete("/a.txt")
	w.flushPendingDeletes()

	p, _ := d.GetStateFromLocal("/a.txt")
	if p.PairState != state.PairLocallyDeleted {
		t.Errorf("pair_state = %q, want locally_deleted", p.PairState)
	}
}

func TestPendingDeletes_CreateCancelsIntoMove(t *testing.T) {
	w, d, root := newLocalFixture(t)
	writeFile(t, root, "a.txt", "same content")
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	p, _ := d.GetStateFromLocal("/a.txt")

	if err := os.Rename(filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	w.scheduleDelete("/a.txt")
	info, err := w.fs.Info("/b.txt")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if !w.matchPendingDelete("/b.txt", info) {
		t.Fatal("create after delete not recognized as a move")
	}

	moved, err := d.GetStateFromLocal("/b.txt")
	if err != nil {
		t.Fatalf("moved pair missing: %v", err)
	}
	if moved.ID != p.ID {
		t.Errorf("move created a new pair")
	}
	w.deleteMu.Lock()
	pending := len(w.pendingDeletes)
	w.deleteMu.Unlock()
	if pending != 0 {
		t.Error("pending delete survived the matched create")
	}
}
