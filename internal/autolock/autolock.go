// Package autolock watches which documents under the sync root are held
// open by local applications and mirrors that as server-side locks, so
// other users see the document as being edited.
package autolock

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/ignore"
)

// Locker is the slice of the remote client the worker needs.
type Locker interface {
	Lock(ctx context.Context, uid string) error
	Unlock(ctx context.Context, uid string) error
}

// Resolver maps a workspace-relative path to its remote document ref.
// ok is false for paths not (yet) known to the sync database.
type Resolver func(localPath string) (ref string, ok bool)

// Callbacks notify the consumer about lock lifecycle events.
type Callbacks struct {
	// OrphanLocks fires once, on the first tick, with the locks persisted
	// by a previous run so the consumer can adopt or release them.
	OrphanLocks func([]dao.LockedPath)

	DocumentLocked   func(localPath string)
	DocumentUnlocked func(localPath string)
}

// Config tunes the worker.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the standard polling cadence.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Worker periodically reconciles locally open files with server locks.
type Worker struct {
	cfg     Config
	log     *slog.Logger
	mgr     *dao.ManagerDAO
	locker  Locker
	resolve Resolver
	ignore  *ignore.Matcher
	root    string
	cb      Callbacks

	// openFiles is swappable for tests and non-Linux platforms.
	openFiles func() (map[string]int64, error)

	mu      sync.Mutex
	tracked map[string]int64 // workspace-relative path -> pid
	seeded  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a worker for the given absolute sync root.
func New(cfg Config, mgr *dao.ManagerDAO, locker Locker, resolve Resolver, matcher *ignore.Matcher, root string, cb Callbacks, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Worker{
		cfg:       cfg,
		log:       logger.With("component", "autolock"),
		mgr:       mgr,
		locker:    locker,
		resolve:   resolve,
		ignore:    matcher,
		root:      filepath.Clean(root),
		cb:        cb,
		openFiles: listOpenFiles,
		tracked:   make(map[string]int64),
	}
}

// Start launches the polling loop.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		w.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop. Persisted locks survive for the next run.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Tick runs one reconciliation pass.
func (w *Worker) Tick(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seeded {
		w.seed()
	}

	open, err := w.openFiles()
	if err != nil {
		w.log.Debug("open-file enumeration unavailable", "error", err)
		return
	}

	current := make(map[string]int64)
	for abs, pid := range open {
		rel, ok := w.relUnderRoot(abs)
		if !ok {
			continue
		}
		if w.ignore != nil && w.ignore.IgnoredName(filepath.Base(abs)) {
			continue
		}
		current[rel] = pid
	}

	for rel, pid := range current {
		if _, held := w.tracked[rel]; held {
			continue
		}
		w.lock(ctx, rel, pid)
	}
	for rel := range w.tracked {
		if _, still := current[rel]; still {
			continue
		}
		w.unlock(ctx, rel)
	}
}

// seed replays locks persisted by a previous run and hands them to the
// consumer as orphans.
func (w *Worker) seed() {
	w.seeded = true
	locks, err := w.mgr.GetLockedPaths()
	if err != nil {
		w.log.Error("failed to load persisted locks", "error", err)
		return
	}
	for _, l := range locks {
		w.tracked[l.Path] = l.ProcessID
	}
	if len(locks) > 0 && w.cb.OrphanLocks != nil {
		w.cb.OrphanLocks(locks)
	}
}

func (w *Worker) lock(ctx context.Context, rel string, pid int64) {
	ref, ok := w.resolve(rel)
	if !ok {
		return
	}
	if err := w.locker.Lock(ctx, ref); err != nil {
		w.log.Warn("failed to lock document", "path", rel, "error", err)
		return
	}
	if err := w.mgr.LockPath(rel, pid, ref); err != nil {
		w.log.Error("failed to persist lock", "path", rel, "error", err)
	}
	w.tracked[rel] = pid
	w.log.Info("document locked", "path", rel, "pid", pid)
	if w.cb.DocumentLocked != nil {
		w.cb.DocumentLocked(rel)
	}
}

func (w *Worker) unlock(ctx context.Context, rel string) {
	if ref, ok := w.resolve(rel); ok {
		if err := w.locker.Unlock(ctx, ref); err != nil {
			w.log.Warn("failed to unlock document", "path", rel, "error", err)
			return
		}
	}
	if err := w.mgr.UnlockPath(rel); err != nil {
		w.log.Error("failed to forget lock", "path", rel, "error", err)
	}
	delete(w.tracked, rel)
	w.log.Info("document unlocked", "path", rel)
	if w.cb.DocumentUnlocked != nil {
		w.cb.DocumentUnlocked(rel)
	}
}

// relUnderRoot converts an absolute path to the workspace-relative form
// used everywhere else (leading slash, forward slashes).
func (w *Worker) relUnderRoot(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}
