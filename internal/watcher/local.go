// Package watcher feeds the pair database from both ends: the local
// filesystem (fsnotify + initial scan) and the remote change log (full scan +
// polling). Watchers only record state; processors act on it.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/drivesync/internal/blacklist"
	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/ignore"
	"github.com/steveyegge/drivesync/internal/localfs"
	"github.com/steveyegge/drivesync/internal/state"
	"github.com/steveyegge/drivesync/internal/xattr"
)

// LocalConfig tunes the local watcher.
type LocalConfig struct {
	// MoveResolution is how long a deletion is held back waiting for the
	// matching create that would turn it into a move.
	MoveResolution time.Duration
	// DigestRetryDelay is the base backoff for files whose digest could
	// not be computed (typically held open with an exclusive lock).
	DigestRetryDelay time.Duration
}

// DefaultLocalConfig returns the stock local watcher tuning.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		MoveResolution:   2 * time.Second,
		DigestRetryDelay: 5 * time.Second,
	}
}

// LocalMetrics counts watcher activity; all fields are atomic.
type LocalMetrics struct {
	Events         atomic.Int64
	Moves          atomic.Int64
	Deletes        atomic.Int64
	DigestFailures atomic.Int64
}

// Local mirrors filesystem activity under the watched root into the DAO.
type Local struct {
	cfg    LocalConfig
	log    *slog.Logger
	dao    *dao.EngineDAO
	fs     *localfs.Client
	refs   *xattr.Store
	ignore *ignore.Matcher

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	// pendingDeletes holds paths whose fs entry vanished, keyed by local
	// path, until the move-resolution window expires.
	deleteMu       sync.Mutex
	pendingDeletes map[string]time.Time

	// digestRetries re-admits files whose digest computation failed.
	digestRetries *blacklist.Queue

	Metrics LocalMetrics
}

// NewLocal builds a local watcher over the engine's root.
func NewLocal(cfg LocalConfig, d *dao.EngineDAO, fs *localfs.Client, refs *xattr.Store, matcher *ignore.Matcher, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultLocalConfig()
	if cfg.MoveResolution <= 0 {
		cfg.MoveResolution = def.MoveResolution
	}
	if cfg.DigestRetryDelay <= 0 {
		cfg.DigestRetryDelay = def.DigestRetryDelay
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Local{
		cfg:            cfg,
		log:            logger,
		dao:            d,
		fs:             fs,
		refs:           refs,
		ignore:         matcher,
		watcher:        fsw,
		pendingDeletes: make(map[string]time.Time),
		digestRetries:  blacklist.New(cfg.DigestRetryDelay),
	}, nil
}

// Start runs the initial scan, then consumes filesystem events until ctx
// ends. The scan runs with queueing suspended; pending pairs are replayed in
// one batch afterwards.
func (w *Local) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	if err := w.fs.CleanPartials("/"); err != nil {
		w.log.Warn("partial file cleanup failed", "error", err)
	}

	w.dao.SuspendQueueing()
	err := w.Scan(ctx)
	w.dao.ResumeQueueing()
	if err != nil {
		return err
	}
	if err := w.dao.RequeuePending(); err != nil {
		return err
	}

	if err := w.watchTree("/"); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop terminates the event loop and closes the fsnotify watcher.
func (w *Local) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	w.wg.Wait()
}

// Scan reconciles the database with the filesystem: new entries are
// inserted, changed files marked modified, moved entries re-pointed by
// remote ref or digest, and rows whose entry vanished are marked deleted.
func (w *Local) Scan(ctx context.Context) error {
	seen := map[string]bool{"/": true}
	if err := w.scanDir(ctx, "/", seen); err != nil {
		return err
	}

	// Sweep: every known pair whose path was not encountered is gone.
	pairs, err := w.dao.GetStates("/")
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if seen[p.LocalPath] || p.LocalPath == "" {
			continue
		}
		if state.IsDeletion(p.PairState) {
			continue
		}
		w.Metrics.Deletes.Add(1)
		if err := w.dao.DeleteLocalState(p); err != nil {
			w.log.Error("failed to mark vanished pair deleted", "path", p.LocalPath, "error", err)
		}
	}
	return nil
}

func (w *Local) scanDir(ctx context.Context, rel string, seen map[string]bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	children, err := w.fs.Children(rel)
	if err != nil {
		return err
	}
	for _, info := range children {
		if w.ignore.IgnoredName(info.Name) {
			continue
		}
		seen[info.Path] = true
		if err := w.scanEntry(ctx, info); err != nil {
			w.log.Error("scan entry failed", "path", info.Path, "error", err)
		}
		if info.Folderish {
			if err := w.scanDir(ctx, info.Path, seen); err != nil {
				w.log.Error("scan subtree failed", "path", info.Path, "error", err)
			}
		}
	}
	return nil
}

func (w *Local) scanEntry(ctx context.Context, info localfs.Info) error {
	p, err := w.dao.GetStateFromLocal(info.Path)
	if err == nil {
		return w.refreshPair(p, info)
	}
	if !errors.Is(err, dao.ErrNotFound) {
		return err
	}

	// Unknown path: a preserved remote ref identifies a move.
	if ref, rerr := w.refs.GetRef(w.fs.Abs(info.Path)); rerr == nil {
		if moved, merr := w.dao.GetStateFromRemoteRef(ref); merr == nil && moved.LocalPath != info.Path {
			return w.applyMove(moved, info)
		}
	}

	// For files, the content digest can still identify a move done by a
	// program that strips attributes (many editors replace on save).
	if !info.Folderish {
		digest, derr := w.fs.Digest(info.Path, "md5")
		if derr != nil {
			w.Metrics.DigestFailures.Add(1)
			w.digestRetries.Push(info.Path, info)
			return nil
		}
		if dup, merr := w.dao.GetValidDuplicateFile(digest); merr == nil && !w.fs.Exists(dup.LocalPath) {
			return w.applyMove(dup, info)
		}
		_, err := w.dao.InsertLocalState(info, digest)
		return err
	}
	_, err = w.dao.InsertLocalState(info, "")
	return err
}

// refreshPair compares a known pair with the live entry and marks it
// modified when the content changed.
func (w *Local) refreshPair(p *state.DocPair, info localfs.Info) error {
	if p.Folderish || state.IsDeletion(p.PairState) {
		return nil
	}
	if !info.LastModified.After(p.LastLocalUpdated) {
		return nil
	}
	algorithm := localfs.AlgorithmForDigest(p.LocalDigest)
	if algorithm == "" {
		algorithm = "md5"
	}
	digest, err := w.fs.Digest(info.Path, algorithm)
	if err != nil {
		w.Metrics.DigestFailures.Add(1)
		w.digestRetries.Push(info.Path, info)
		return nil
	}
	if digest == p.LocalDigest {
		return w.dao.UpdateLocalModificationTime(p, info.LastModified)
	}
	p.LocalState = state.StateModified
	p.LocalDigest = digest
	return w.dao.UpdateLocalState(p, info, true, true)
}

// applyMove re-points an existing pair at a new local path. Folderish moves
// rewrite the whole subtree in one statement.
func (w *Local) applyMove(p *state.DocPair, info localfs.Info) error {
	w.Metrics.Moves.Add(1)
	newParent := path.Dir(info.Path)
	if p.Folderish {
		if err := w.dao.UpdateLocalParentPath(p, info.Name, newParent); err != nil {
			return err
		}
	}
	p.LocalState = state.StateMoved
	return w.dao.UpdateLocalState(p, info, true, true)
}

func (w *Local) watchTree(rel string) error {
	if err := w.watcher.Add(w.fs.Abs(rel)); err != nil {
		return err
	}
	children, err := w.fs.Children(rel)
	if err != nil {
		return err
	}
	for _, info := range children {
		if info.Folderish && !w.ignore.IgnoredName(info.Name) {
			if err := w.watchTree(info.Path); err != nil {
				w.log.Warn("failed to watch subtree", "path", info.Path, "error", err)
			}
		}
	}
	return nil
}

func (w *Local) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.MoveResolution / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", "error", err)
		case <-ticker.C:
			w.flushPendingDeletes()
			w.retryDigests()
		}
	}
}

func (w *Local) handleEvent(event fsnotify.Event) {
	rel, err := w.fs.Rel(event.Name)
	if err != nil {
		return
	}
	name := path.Base(rel)
	if w.ignore.IgnoredName(name) {
		return
	}
	w.Metrics.Events.Add(1)

	switch {
	case event.Has(fsnotify.Create):
		w.onCreate(rel)
	case event.Has(fsnotify.Write):
		w.onWrite(rel)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.scheduleDelete(rel)
	case event.Has(fsnotify.Chmod):
		w.onChmod(rel)
	}
}

func (w *Local) onCreate(rel string) {
	info, err := w.fs.Info(rel)
	if err != nil {
		return
	}

	// A create closely following a delete is a move; the pending delete is
	// dropped and the pair re-pointed.
	if matched := w.matchPendingDelete(rel, info); matched {
		return
	}

	if err := w.scanEntry(context.Background(), info); err != nil {
		w.log.Error("failed to record created entry", "path", rel, "error", err)
	}
	if info.Folderish {
		if err := w.watchTree(rel); err != nil {
			w.log.Warn("failed to watch new folder", "path", rel, "error", err)
		}
		// Entries may have landed before the watch was installed.
		seen := map[string]bool{}
		if err := w.scanDir(context.Background(), rel, seen); err != nil {
			w.log.Error("failed to scan new folder", "path", rel, "error", err)
		}
	}
}

// matchPendingDelete checks whether the created entry is the reappearance of
// a recently deleted pair (same remote ref, or same digest for files).
func (w *Local) matchPendingDelete(rel string, info localfs.Info) bool {
	w.deleteMu.Lock()
	candidates := make([]string, 0, len(w.pendingDeletes))
	for p := range w.pendingDeletes {
		candidates = append(candidates, p)
	}
	w.deleteMu.Unlock()
	if len(candidates) == 0 {
		return false
	}

	ref, _ := w.refs.GetRef(w.fs.Abs(rel))
	var digest string
	if !info.Folderish {
		digest, _ = w.fs.Digest(rel, "md5")
	}

	for _, old := range candidates {
		p, err := w.dao.GetStateFromLocal(old)
		if err != nil {
			continue
		}
		match := (ref != "" && p.RemoteRef == ref) ||
			(digest != "" && p.LocalDigest == digest && p.Folderish == info.Folderish)
		if !match {
			continue
		}
		w.deleteMu.Lock()
		delete(w.pendingDeletes, old)
		w.deleteMu.Unlock()
		if err := w.applyMove(p, info); err != nil {
			w.log.Error("failed to apply move", "from", old, "to", rel, "error", err)
		}
		return true
	}
	return false
}

func (w *Local) onWrite(rel string) {
	info, err := w.fs.Info(rel)
	if err != nil || info.Folderish {
		return
	}
	p, err := w.dao.GetStateFromLocal(rel)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			w.onCreate(rel)
		}
		return
	}
	if err := w.refreshPair(p, info); err != nil {
		w.log.Error("failed to refresh modified pair", "path", rel, "error", err)
	}
}

func (w *Local) scheduleDelete(rel string) {
	if w.fs.Exists(rel) {
		return
	}
	w.deleteMu.Lock()
	w.pendingDeletes[rel] = time.Now()
	w.deleteMu.Unlock()
}

// onChmod treats loss of read access as a deletion, matching how the rest
// of the pipeline sees an unreadable entry.
func (w *Local) onChmod(rel string) {
	f, err := os.Open(w.fs.Abs(rel))
	if err == nil {
		f.Close()
		return
	}
	if os.IsPermission(err) {
		w.scheduleDelete(rel)
	}
}

// flushPendingDeletes confirms deletions whose move-resolution window
// expired and whose entry is still absent.
func (w *Local) flushPendingDeletes() {
	now := time.Now()
	var due []string
	w.deleteMu.Lock()
	for rel, at := range w.pendingDeletes {
		if now.Sub(at) >= w.cfg.MoveResolution {
			due = append(due, rel)
			delete(w.pendingDeletes, rel)
		}
	}
	w.deleteMu.Unlock()

	for _, rel := range due {
		if w.fs.Exists(rel) {
			continue
		}
		p, err := w.dao.GetStateFromLocal(rel)
		if err != nil {
			continue
		}
		if state.IsDeletion(p.PairState) {
			continue
		}
		w.Metrics.Deletes.Add(1)
		if err := w.dao.DeleteLocalState(p); err != nil {
			w.log.Error("failed to mark pair deleted", "path", rel, "error", err)
		}

		// The subtree of a deleted folder does not emit its own events;
		// drop any pending deletes it shadowed.
		w.deleteMu.Lock()
		for sub := range w.pendingDeletes {
			if strings.HasPrefix(sub, rel+"/") {
				delete(w.pendingDeletes, sub)
			}
		}
		w.deleteMu.Unlock()
	}
}

// retryDigests re-attempts digest computation for files that were locked.
func (w *Local) retryDigests() {
	for _, item := range w.digestRetries.Get() {
		info, ok := item.Payload.(localfs.Info)
		if !ok || !w.fs.Exists(info.Path) {
			continue
		}
		if err := w.scanEntry(context.Background(), info); err != nil {
			w.digestRetries.Repush(item, true)
		}
	}
}
