// Package engine wires the sync machinery together: the pair database, the
// remote client, the queue manager, both watchers and the autolock worker.
// It owns every component; the others hold narrow handles on each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/drivesync/internal/autolock"
	"github.com/steveyegge/drivesync/internal/config"
	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/ignore"
	"github.com/steveyegge/drivesync/internal/localfs"
	"github.com/steveyegge/drivesync/internal/processor"
	"github.com/steveyegge/drivesync/internal/queue"
	"github.com/steveyegge/drivesync/internal/remote"
	"github.com/steveyegge/drivesync/internal/state"
	"github.com/steveyegge/drivesync/internal/watcher"
	"github.com/steveyegge/drivesync/internal/xattr"
)

// ErrNotRegistered means no bind has been performed yet.
var ErrNotRegistered = errors.New("client is not bound to a server")

// configSuspended is the engine-database key persisting the suspend state.
const configSuspended = "engine_suspended"

// Signals is the engine's outward surface: one consumer, set before Start.
// All callbacks fire on internal goroutines and must not block.
type Signals struct {
	NewConflict      func(pairID int64)
	NewError         func(pairID int64)
	NewErrorGiveUp   func(pairID int64)
	SyncStarted      func()
	SyncEnded        func()
	QueueEmpty       func()
	DocumentLocked   func(localPath string)
	DocumentUnlocked func(localPath string)

	// OrphanLocks reports locks left over from a previous run.
	OrphanLocks func([]dao.LockedPath)
}

// Engine is one server binding driving one local folder.
type Engine struct {
	cfg     config.Config
	log     *slog.Logger
	signals Signals

	dao     *dao.EngineDAO
	mgr     *dao.ManagerDAO
	client  *remote.Client
	fs      *localfs.Client
	refs    *xattr.Store
	matcher *ignore.Matcher

	proc       *processor.Processor
	queue      *queue.Manager
	localW     *watcher.Local
	remoteW    *watcher.Remote
	autolocker *autolock.Worker

	cancel  context.CancelFunc
	started bool
}

// Bind exchanges credentials for a token, stamps the local root with the
// account's top-level container and returns the updated configuration. The
// caller persists it.
func Bind(ctx context.Context, cfg config.Config, password string) (config.Config, error) {
	token, err := remote.FetchToken(ctx, cfg.ServerURL, cfg.Account, password, cfg.HTTPTimeout)
	if err != nil {
		return cfg, fmt.Errorf("failed to bind to %s: %w", cfg.ServerURL, err)
	}
	cfg.Token = token
	cfg.EngineUID = uuid.NewString()

	client := remote.NewClient(cfg.ServerURL, cfg.Token, cfg.HTTPTimeout)
	top, err := client.GetTopFolder(ctx)
	if err != nil {
		return cfg, fmt.Errorf("failed to fetch top-level container: %w", err)
	}
	if err := os.MkdirAll(cfg.LocalRoot, 0o755); err != nil {
		return cfg, fmt.Errorf("failed to create local root: %w", err)
	}
	refs := xattr.NewStore(cfg.LocalRoot)
	if err := refs.SetRef(cfg.LocalRoot, top.UID); err != nil {
		return cfg, fmt.Errorf("failed to stamp local root: %w", err)
	}
	return cfg, nil
}

// Unbind removes the engine database and its backups and clears the binding
// from the configuration. Local content is left in place.
func Unbind(cfg config.Config) (config.Config, error) {
	if cfg.EngineUID == "" {
		return cfg, ErrNotRegistered
	}
	dbPath := cfg.EngineDBPath(cfg.EngineUID)
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	os.RemoveAll(filepath.Join(cfg.DataDir, "backups"))
	xattr.NewStore(cfg.LocalRoot).RemoveRef(cfg.LocalRoot)
	cfg.Token = ""
	cfg.EngineUID = ""
	return cfg, nil
}

// New assembles an engine from a bound configuration. Start launches it.
func New(cfg config.Config, signals Signals, logger *slog.Logger) (*Engine, error) {
	if cfg.EngineUID == "" {
		return nil, ErrNotRegistered
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "engine", "engine", cfg.EngineUID)

	engineDAO, err := dao.OpenEngine(cfg.EngineDBPath(cfg.EngineUID), logger)
	if err != nil {
		return nil, err
	}
	mgrDAO, err := dao.OpenManager(filepath.Join(cfg.DataDir, "manager.db"), logger)
	if err != nil {
		engineDAO.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		signals: signals,
		dao:     engineDAO,
		mgr:     mgrDAO,
		client:  remote.NewClient(cfg.ServerURL, cfg.Token, cfg.HTTPTimeout),
		fs:      localfs.NewClient(cfg.LocalRoot),
		refs:    xattr.NewStore(cfg.LocalRoot),
		matcher: buildMatcher(cfg),
	}

	e.proc = processor.New(engineDAO, e.fs, e.refs, e.client, logger)
	e.queue = queue.New(
		queue.Config{
			MaxFileProcessors: cfg.MaxFileProcessors,
			ErrorThreshold:    cfg.ErrorThreshold,
			ErrorInterval:     cfg.ErrorInterval,
		},
		e.proc.Process,
		engineDAO.GetStateFromID,
		queue.Callbacks{
			QueueFinishedProcessing: func() { e.emitSyncEnded() },
			QueueEmpty:              func() { e.emit(e.signals.QueueEmpty) },
			NewError:                func(id int64) { e.emitPair(e.signals.NewError, id) },
			NewErrorGiveUp:          e.onGiveUp,
		},
		logger,
	)
	e.proc.SetSink(e.queue)

	engineDAO.SetCallbacks(dao.Callbacks{
		NewConflict: e.onConflict,
		PairQueued:  e.queue.Push,
	})

	e.localW, err = watcher.NewLocal(
		watcher.LocalConfig{MoveResolution: cfg.MoveResolution},
		engineDAO, e.fs, e.refs, e.matcher, logger)
	if err != nil {
		engineDAO.Close()
		mgrDAO.Close()
		return nil, err
	}
	e.remoteW = watcher.NewRemote(
		watcher.RemoteConfig{PollInterval: cfg.RemotePollInterval},
		engineDAO, e.client,
		watcher.RemoteCallbacks{
			DocumentLocked:   func(p string) { e.emitPath(e.signals.DocumentLocked, p) },
			DocumentUnlocked: func(p string) { e.emitPath(e.signals.DocumentUnlocked, p) },
		},
		logger)
	e.autolocker = autolock.New(
		autolock.Config{Interval: cfg.AutolockInterval},
		mgrDAO, e.client, e.resolveRef, e.matcher, cfg.LocalRoot,
		autolock.Callbacks{OrphanLocks: signals.OrphanLocks},
		logger)
	return e, nil
}

func buildMatcher(cfg config.Config) *ignore.Matcher {
	if len(cfg.IgnoredPrefixes) == 0 && len(cfg.IgnoredSuffixes) == 0 {
		return ignore.NewMatcher(cfg.IgnoredPatterns...)
	}
	return ignore.NewMatcherWith(cfg.IgnoredPrefixes, cfg.IgnoredSuffixes, cfg.IgnoredPatterns)
}

// DAO exposes the pair database for status queries and the CLI.
func (e *Engine) DAO() *dao.EngineDAO { return e.dao }

// Manager exposes the cross-engine database.
func (e *Engine) Manager() *dao.ManagerDAO { return e.mgr }

// Start launches every worker. Safe to call once.
func (e *Engine) Start() error {
	if e.started {
		return errors.New("engine already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true

	if err := e.dao.ReinitProcessors(); err != nil {
		cancel()
		return err
	}
	e.queue.Start(ctx)
	if err := e.localW.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start local watcher: %w", err)
	}
	if err := e.remoteW.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start remote watcher: %w", err)
	}
	e.autolocker.Start()

	if e.IsSuspended() {
		e.queue.Suspend()
	}
	e.emit(e.signals.SyncStarted)
	e.log.Info("engine started", "root", e.cfg.LocalRoot)
	return nil
}

// Stop joins every worker and closes the databases.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.started {
		e.autolocker.Stop()
		e.remoteW.Stop()
		e.localW.Stop()
		e.queue.Stop()
		e.started = false
	}
	e.dao.Close()
	e.mgr.Close()
	e.log.Info("engine stopped")
}

// Suspend pauses dispatch. The state survives restarts.
func (e *Engine) Suspend() {
	e.queue.Suspend()
	if err := e.dao.UpdateConfigInt(configSuspended, 1); err != nil {
		e.log.Error("failed to persist suspend state", "error", err)
	}
	e.log.Info("sync suspended")
}

// Resume restarts dispatch after a Suspend.
func (e *Engine) Resume() {
	if err := e.dao.UpdateConfigInt(configSuspended, 0); err != nil {
		e.log.Error("failed to persist suspend state", "error", err)
	}
	e.queue.Resume()
	e.log.Info("sync resumed")
}

// IsSuspended reports the persisted suspend state.
func (e *Engine) IsSuspended() bool {
	return e.dao.GetConfigInt(configSuspended, 0) != 0
}

// Status is a point-in-time summary for the CLI.
type Status struct {
	Suspended bool
	Syncing   int64
	Conflicts int64
	Errors    int64
	Files     int64
	Folders   int64
	QueueSize int
	Done      bool
}

// Status summarizes the engine state.
func (e *Engine) Status() Status {
	return Status{
		Suspended: e.IsSuspended(),
		Syncing:   e.dao.SyncingCount(e.cfg.ErrorThreshold),
		Conflicts: e.dao.ConflictCount(),
		Errors:    e.dao.ErrorCount(e.cfg.ErrorThreshold),
		Files:     e.dao.FileCount(),
		Folders:   e.dao.FolderCount(),
		QueueSize: e.queue.GetOverallSize(),
		Done:      e.dao.IsSyncDone(e.cfg.ErrorThreshold) && !e.queue.IsActive(),
	}
}

// AddFilter excludes a remote subtree from sync. The matching pairs are
// marked remotely deleted so the processor removes the local copies.
func (e *Engine) AddFilter(remotePath string) error {
	if err := e.dao.AddFilter(remotePath); err != nil {
		return err
	}
	ref := path.Base(remotePath)
	parent := path.Dir(remotePath)
	p, err := e.dao.GetStateFromRemoteWithPath(ref, parent)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return nil
		}
		return err
	}
	return e.dao.DeleteRemoteState(p)
}

// RemoveFilter re-includes a subtree; the remote watcher rescans it on its
// next pass.
func (e *Engine) RemoveFilter(remotePath string) error {
	if err := e.dao.RemoveFilter(remotePath); err != nil {
		return err
	}
	return e.dao.AddPathToScan(remotePath)
}

// Filters lists the installed filter prefixes.
func (e *Engine) Filters() ([]string, error) { return e.dao.GetFilters() }

// Conflicts lists the pairs awaiting user resolution.
func (e *Engine) Conflicts() ([]*state.DocPair, error) { return e.dao.GetConflicts() }

// ResolveWithLocal elects the local side of a conflicted pair; the content
// is pushed to the server bypassing the remote state check.
func (e *Engine) ResolveWithLocal(pairID int64) error {
	p, err := e.dao.GetStateFromID(pairID)
	if err != nil {
		return err
	}
	ok, err := e.dao.ForceLocal(p)
	if err != nil {
		return err
	}
	if !ok {
		return dao.ErrVersionMismatch
	}
	return nil
}

// ResolveWithRemote elects the remote side; the server content replaces the
// local file. For a folder the whole local subtree is thrown away and
// re-downloaded, since any descendant may have diverged along with it.
func (e *Engine) ResolveWithRemote(pairID int64) error {
	p, err := e.dao.GetStateFromID(pairID)
	if err != nil {
		return err
	}
	ok, err := e.dao.ForceRemote(p)
	if err != nil {
		return err
	}
	if !ok {
		return dao.ErrVersionMismatch
	}
	if p.Folderish {
		return e.dao.MarkDescendantsRemotelyCreated(p)
	}
	return nil
}

// ResolveWithDuplicate keeps both sides: the local file is renamed out of
// the way (the watcher adopts it as a new document) and the remote content
// is re-downloaded under the original name.
func (e *Engine) ResolveWithDuplicate(pairID int64) error {
	p, err := e.dao.GetStateFromID(pairID)
	if err != nil {
		return err
	}
	if p.Folderish {
		return fmt.Errorf("cannot duplicate folder pair %d", pairID)
	}
	parentRel := path.Dir(p.LocalPath)
	name := e.fs.DedupedName(parentRel, p.LocalName)
	newRel, err := e.fs.Rename(p.LocalPath, name)
	if err != nil {
		return fmt.Errorf("failed to set conflict copy aside: %w", err)
	}
	e.refs.RemoveRef(e.fs.Abs(newRel))
	ok, err := e.dao.ForceRemoteCreation(p)
	if err != nil {
		return err
	}
	if !ok {
		return dao.ErrVersionMismatch
	}
	return nil
}

// Resync drops all pair state and forces a full rescan on next start.
func (e *Engine) Resync() error {
	return e.dao.ReinitStates()
}

// onConflict auto-resolves trivial conflicts where both sides already hold
// the same content; real conflicts are surfaced to the consumer.
func (e *Engine) onConflict(pairID int64) {
	p, err := e.dao.GetStateFromID(pairID)
	if err != nil {
		return
	}
	if !p.Folderish && p.LocalDigest != "" && p.LocalDigest == p.RemoteDigest &&
		p.LocalName == p.RemoteName {
		if _, err := e.dao.ForceLocal(p); err == nil {
			e.log.Debug("conflict auto-resolved, contents identical", "pair", pairID)
			return
		}
	}
	e.emitPair(e.signals.NewConflict, pairID)
}

// onGiveUp records a persistent notification for a pair that exhausted its
// retries, then surfaces the signal.
func (e *Engine) onGiveUp(pairID int64) {
	title := "Synchronization failed"
	desc := fmt.Sprintf("pair %d gave up after repeated errors", pairID)
	if p, err := e.dao.GetStateFromID(pairID); err == nil {
		desc = fmt.Sprintf("%s: %s", p.LocalPath, p.LastError)
	}
	n := dao.Notification{
		UID:         fmt.Sprintf("giveup-%d", pairID),
		EngineUID:   e.cfg.EngineUID,
		Level:       "error",
		Title:       title,
		Description: desc,
		Created:     time.Now(),
	}
	if err := e.mgr.InsertNotification(n); err != nil {
		e.log.Error("failed to record notification", "pair", pairID, "error", err)
	}
	e.emitPair(e.signals.NewErrorGiveUp, pairID)
}

// resolveRef maps a local path to its remote ref for the autolocker.
func (e *Engine) resolveRef(localPath string) (string, bool) {
	p, err := e.dao.GetStateFromLocal(localPath)
	if err != nil || p.RemoteRef == "" {
		return "", false
	}
	return p.RemoteRef, true
}

func (e *Engine) emit(fn func()) {
	if fn != nil {
		fn()
	}
}

func (e *Engine) emitPair(fn func(int64), id int64) {
	if fn != nil {
		fn(id)
	}
}

func (e *Engine) emitPath(fn func(string), p string) {
	if fn != nil {
		fn(p)
	}
}

func (e *Engine) emitSyncEnded() {
	if e.dao.IsSyncDone(e.cfg.ErrorThreshold) {
		e.emit(e.signals.SyncEnded)
	}
}

// WaitIdle blocks until the queues drain or the timeout passes. Intended
// for one-shot CLI runs and tests.
func (e *Engine) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.queue.GetOverallSize() == 0 && !e.queue.IsActive() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
