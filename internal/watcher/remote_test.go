package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/remote"
	"github.com/steveyegge/drivesync/internal/state"
)

func remoteInfoFor(uid, parentUID, name string, folderish bool) remote.FileInfo {
	return remote.FileInfo{
		UID: uid, ParentUID: parentUID, Name: name, Folderish: folderish,
		CanRename: true, CanDelete: true, CanUpdate: true, CanCreateChild: true,
		LastModified: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

// fakeSource serves a static document tree plus a scripted change feed.
type fakeSource struct {
	roots    []remote.FileInfo
	docs     map[string]remote.FileInfo
	children map[string][]remote.FileInfo
	// failChildren makes GetChildren fail once for the given uid.
	failChildren map[string]bool
	summaries    []remote.ChangeSummary
	infoErr      map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		docs:         make(map[string]remote.FileInfo),
		children:     make(map[string][]remote.FileInfo),
		failChildren: make(map[string]bool),
		infoErr:      make(map[string]error),
	}
}

func (f *fakeSource) add(parentUID string, info remote.FileInfo) {
	f.docs[info.UID] = info
	if parentUID == "" {
		f.roots = append(f.roots, info)
		return
	}
	f.children[parentUID] = append(f.children[parentUID], info)
}

func (f *fakeSource) GetInfo(_ context.Context, uid string) (remote.FileInfo, error) {
	if err := f.infoErr[uid]; err != nil {
		return remote.FileInfo{}, err
	}
	info, ok := f.docs[uid]
	if !ok {
		return remote.FileInfo{}, remote.ErrNotFound
	}
	return info, nil
}

func (f *fakeSource) GetChildren(_ context.Context, uid string) ([]remote.FileInfo, error) {
	if f.failChildren[uid] {
		f.failChildren[uid] = false
		return nil, errors.New("transient network error")
	}
	return f.children[uid], nil
}

func (f *fakeSource) GetChanges(_ context.Context, _ int64) (remote.ChangeSummary, error) {
	if len(f.summaries) == 0 {
		return remote.ChangeSummary{}, nil
	}
	s := f.summaries[0]
	f.summaries = f.summaries[1:]
	return s, nil
}

func (f *fakeSource) GetRoots(_ context.Context) ([]remote.FileInfo, error) {
	return f.roots, nil
}

func newRemoteFixture(t *testing.T) (*Remote, *dao.EngineDAO, *fakeSource) {
	t.Helper()
	d, err := dao.OpenEngine(filepath.Join(t.TempDir(), "engine.db"), nil)
	if err != nil {
		t.Fatalf("OpenEngine() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	src := newFakeSource()
	w := NewRemote(DefaultRemoteConfig(), d, src, RemoteCallbacks{}, nil)
	return w, d, src
}

func TestFullScan_BuildsTree(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	src.add("", remoteInfoFor("root-1", "", "Workspace", true))
	src.add("root-1", remoteInfoFor("f1", "root-1", "Projects", true))
	src.add("f1", remoteInfoFor("d1", "f1", "plan.md", false))
	src.summaries = []remote.ChangeSummary{{UpperBound: 42}}

	if err := w.FullScan(context.Background()); err != nil {
		t.Fatalf("FullScan() failed: %v", err)
	}

	top, err := d.GetStateFromRemoteRef("root-1")
	if err != nil {
		t.Fatalf("root pair missing: %v", err)
	}
	if top.LocalPath != "/Workspace" || top.PairState != state.PairRemotelyCreated {
		t.Errorf("root pair = %+v", top)
	}
	doc, err := d.GetStateFromRemoteRef("d1")
	if err != nil {
		t.Fatalf("leaf pair missing: %v", err)
	}
	if doc.LocalPath != "/Workspace/Projects/plan.md" {
		t.Errorf("leaf local path = %q", doc.LocalPath)
	}
	if doc.RemoteParentPath != "/root-1/f1" {
		t.Errorf("leaf remote parent path = %q", doc.RemoteParentPath)
	}
	if got := d.GetConfigInt(dao.ConfigRemoteLastEventLogID, -1); got != 42 {
		t.Errorf("watermark = %d, want 42", got)
	}
	if d.GetConfig(dao.ConfigRemoteLastFullScan, "") == "" {
		t.Error("full scan timestamp not recorded")
	}
}

func TestFullScan_ParksFailedSubtree(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	src.add("", remoteInfoFor("root-1", "", "Workspace", true))
	src.add("root-1", remoteInfoFor("bad", "root-1", "Flaky", true))
	src.add("root-1", remoteInfoFor("ok", "root-1", "Fine", false))
	src.failChildren["bad"] = true
	src.summaries = []remote.ChangeSummary{{UpperBound: 1}}

	if err := w.FullScan(context.Background()); err != nil {
		t.Fatalf("FullScan() failed: %v", err)
	}

	// The healthy sibling was still scanned.
	if _, err := d.GetStateFromRemoteRef("ok"); err != nil {
		t.Errorf("sibling pair missing: %v", err)
	}
	paths, err := d.GetPathsToScan()
	if err != nil || len(paths) != 1 || paths[0] != "/root-1/bad" {
		t.Fatalf("paths to scan = %v, %v", paths, err)
	}

	// Retry completes the parked subtree.
	src.add("bad", remoteInfoFor("late", "bad", "late.txt", false))
	if err := w.ScanPending(context.Background()); err != nil {
		t.Fatalf("ScanPending() failed: %v", err)
	}
	if _, err := d.GetStateFromRemoteRef("late"); err != nil {
		t.Errorf("late pair missing: %v", err)
	}
	paths, _ = d.GetPathsToScan()
	if len(paths) != 0 {
		t.Errorf("paths to scan after retry = %v", paths)
	}
}

func TestFullScan_SkipsFilteredSubtree(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	src.add("", remoteInfoFor("root-1", "", "Workspace", true))
	src.add("root-1", remoteInfoFor("priv", "root-1", "Private", true))
	src.summaries = []remote.ChangeSummary{{UpperBound: 1}}

	if err := d.AddFilter("/root-1/priv"); err != nil {
		t.Fatalf("AddFilter failed: %v", err)
	}
	if err := w.FullScan(context.Background()); err != nil {
		t.Fatalf("FullScan() failed: %v", err)
	}
	if _, err := d.GetStateFromRemoteRef("priv"); !errors.Is(err, dao.ErrNotFound) {
		t.Errorf("filtered subtree was scanned: %v", err)
	}
}

func seedScannedTree(t *testing.T, w *Remote, d *dao.EngineDAO, src *fakeSource) {
	t.Helper()
	src.add("", remoteInfoFor("root-1", "", "Workspace", true))
	src.add("root-1", remoteInfoFor("f1", "root-1", "Projects", true))
	src.summaries = append([]remote.ChangeSummary{{UpperBound: 10}}, src.summaries...)
	if err := w.FullScan(context.Background()); err != nil {
		t.Fatalf("seed FullScan() failed: %v", err)
	}
}

func TestPollChanges_AppliesAndAdvances(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	seedScannedTree(t, w, d, src)

	created := remoteInfoFor("d9", "f1", "notes.txt", false)
	src.summaries = []remote.ChangeSummary{{
		UpperBound: 20,
		Events: []remote.ChangeEvent{
			{EventID: 11, EventType: remote.EventDocumentCreated, DocUID: "d9", Doc: &created},
		},
	}}

	if err := w.PollChanges(context.Background()); err != nil {
		t.Fatalf("PollChanges() failed: %v", err)
	}
	p, err := d.GetStateFromRemoteRef("d9")
	if err != nil {
		t.Fatalf("created pair missing: %v", err)
	}
	if p.LocalPath != "/Workspace/Projects/notes.txt" || p.RemoteParentPath != "/root-1/f1" {
		t.Errorf("created pair paths = %q %q", p.LocalPath, p.RemoteParentPath)
	}
	if got := d.GetConfigInt(dao.ConfigRemoteLastEventLogID, -1); got != 20 {
		t.Errorf("watermark = %d, want 20", got)
	}
}

func TestPollChanges_DeleteMarksSubtree(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	seedScannedTree(t, w, d, src)

	src.summaries = []remote.ChangeSummary{{
		UpperBound: 21,
		Events: []remote.ChangeEvent{
			{EventID: 12, EventType: remote.EventDocumentDeleted, DocUID: "f1"},
		},
	}}
	if err := w.PollChanges(context.Background()); err != nil {
		t.Fatalf("PollChanges() failed: %v", err)
	}
	p, _ := d.GetStateFromRemoteRef("f1")
	if p.PairState != state.PairRemotelyDeleted {
		t.Errorf("pair_state = %q, want remotely_deleted", p.PairState)
	}
}

func TestPollChanges_TooManyFallsBackToFullScan(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	seedScannedTree(t, w, d, src)
	src.add("f1", remoteInfoFor("d2", "f1", "fresh.txt", false))

	src.summaries = []remote.ChangeSummary{
		{TooManyChanges: true},
		{UpperBound: 30}, // watermark capture inside the rescan
	}
	if err := w.PollChanges(context.Background()); err != nil {
		t.Fatalf("PollChanges() failed: %v", err)
	}
	if _, err := d.GetStateFromRemoteRef("d2"); err != nil {
		t.Errorf("rescan did not pick up new document: %v", err)
	}
	if got := d.GetConfigInt(dao.ConfigRemoteLastEventLogID, -1); got != 30 {
		t.Errorf("watermark = %d, want 30", got)
	}
}

func TestSecurityUpdated_AccessLossInstallsFilter(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	seedScannedTree(t, w, d, src)
	src.infoErr["f1"] = remote.ErrForbidden

	src.summaries = []remote.ChangeSummary{{
		UpperBound: 25,
		Events: []remote.ChangeEvent{
			{EventID: 13, EventType: remote.EventSecurityUpdated, DocUID: "f1"},
		},
	}}
	if err := w.PollChanges(context.Background()); err != nil {
		t.Fatalf("PollChanges() failed: %v", err)
	}

	p, _ := d.GetStateFromRemoteRef("f1")
	if p.PairState != state.PairRemotelyDeleted {
		t.Errorf("pair_state = %q, want remotely_deleted", p.PairState)
	}
	if !d.IsFilter("/root-1/f1") {
		t.Error("filter not installed for lost subtree")
	}
}

func TestPollChanges_MoveRewritesSubtree(t *testing.T) {
	w, d, src := newRemoteFixture(t)
	src.add("", remoteInfoFor("root-1", "", "Workspace", true))
	src.add("root-1", remoteInfoFor("a", "root-1", "A", true))
	src.add("root-1", remoteInfoFor("b", "root-1", "B", true))
	src.add("a", remoteInfoFor("d1", "a", "doc.txt", false))
	src.summaries = []remote.ChangeSummary{{UpperBound: 5}}
	if err := w.FullScan(context.Background()); err != nil {
		t.Fatalf("FullScan() failed: %v", err)
	}

	moved := remoteInfoFor("a", "b", "A", true)
	src.summaries = []remote.ChangeSummary{{
		UpperBound: 6,
		Events: []remote.ChangeEvent{
			{EventID: 6, EventType: remote.EventDocumentMoved, DocUID: "a", Doc: &moved},
		},
	}}
	if err := w.PollChanges(context.Background()); err != nil {
		t.Fatalf("PollChanges() failed: %v", err)
	}

	folder, _ := d.GetStateFromRemoteRef("a")
	if folder.RemoteParentPath != "/root-1/b" {
		t.Errorf("moved folder remote parent path = %q", folder.RemoteParentPath)
	}
	child, _ := d.GetStateFromRemoteRef("d1")
	if child.RemoteParentPath != "/root-1/b/a" {
		t.Errorf("descendant remote parent path = %q", child.RemoteParentPath)
	}
}

func TestLockEvents_NotifyCallback(t *testing.T) {
	var locked, unlocked []string
	d, err := dao.OpenEngine(filepath.Join(t.TempDir(), "engine.db"), nil)
	if err != nil {
		t.Fatalf("OpenEngine() failed: %v", err)
	}
	defer d.Close()
	src := newFakeSource()
	w := NewRemote(DefaultRemoteConfig(), d, src, RemoteCallbacks{
		DocumentLocked:   func(p string) { locked = append(locked, p) },
		DocumentUnlocked: func(p string) { unlocked = append(unlocked, p) },
	}, nil)

	src.add("", remoteInfoFor("root-1", "", "Workspace", true))
	src.add("root-1", remoteInfoFor("d1", "root-1", "doc.txt", false))
	src.summaries = []remote.ChangeSummary{{UpperBound: 1}}
	if err := w.FullScan(context.Background()); err != nil {
		t.Fatalf("FullScan() failed: %v", err)
	}

	src.summaries = []remote.ChangeSummary{{
		UpperBound: 2,
		Events: []remote.ChangeEvent{
			{EventID: 2, EventType: remote.EventDocumentLocked, DocUID: "d1"},
			{EventID: 3, EventType: remote.EventDocumentUnlocked, DocUID: "d1"},
		},
	}}
	if err := w.PollChanges(context.Background()); err != nil {
		t.Fatalf("PollChanges() failed: %v", err)
	}
	if len(locked) != 1 || locked[0] != "/Workspace/doc.txt" {
		t.Errorf("locked = %v", locked)
	}
	if len(unlocked) != 1 {
		t.Errorf("unlocked = %v", unlocked)
	}
}
