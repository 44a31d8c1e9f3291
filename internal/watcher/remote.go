package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/remote"
	"github.com/steveyegge/drivesync/internal/state"
)

// RemoteSource is the slice of the HTTP client the remote watcher needs.
type RemoteSource interface {
	GetInfo(ctx context.Context, uid string) (remote.FileInfo, error)
	GetChildren(ctx context.Context, uid string) ([]remote.FileInfo, error)
	GetChanges(ctx context.Context, lowerBound int64) (remote.ChangeSummary, error)
	GetRoots(ctx context.Context) ([]remote.FileInfo, error)
}

// RemoteConfig tunes the remote watcher.
type RemoteConfig struct {
	// PollInterval is the period between change-log polls.
	PollInterval time.Duration
}

// DefaultRemoteConfig returns the stock remote watcher tuning.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{PollInterval: 30 * time.Second}
}

// RemoteCallbacks surface lock events to the engine. Optional.
type RemoteCallbacks struct {
	DocumentLocked   func(localPath string)
	DocumentUnlocked func(localPath string)
}

// Remote mirrors the server change log into the DAO.
type Remote struct {
	cfg    RemoteConfig
	log    *slog.Logger
	dao    *dao.EngineDAO
	client RemoteSource
	cb     RemoteCallbacks

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRemote builds a remote watcher.
func NewRemote(cfg RemoteConfig, d *dao.EngineDAO, client RemoteSource, cb RemoteCallbacks, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRemoteConfig().PollInterval
	}
	return &Remote{cfg: cfg, log: logger, dao: d, client: client, cb: cb}
}

// Start runs the initial full scan when none is recorded yet, then polls the
// change log until ctx ends.
func (w *Remote) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	if w.dao.GetConfig(dao.ConfigRemoteLastFullScan, "") == "" {
		if err := w.FullScan(ctx); err != nil {
			return err
		}
	} else if err := w.ScanPending(ctx); err != nil {
		w.log.Warn("pending subtree rescan failed", "error", err)
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop terminates the polling loop.
func (w *Remote) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Remote) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.PollChanges(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("change poll failed", "error", err)
			}
		}
	}
}

// FullScan enumerates every registered root depth-first. The change-log
// watermark is captured before the scan so events raced during it are
// replayed on the next poll rather than lost.
func (w *Remote) FullScan(ctx context.Context) error {
	summary, err := w.client.GetChanges(ctx, w.watermark())
	if err != nil {
		return fmt.Errorf("failed to capture change watermark: %w", err)
	}

	roots, err := w.client.GetRoots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list roots: %w", err)
	}

	w.dao.SuspendQueueing()
	for _, root := range roots {
		if err := w.scanDoc(ctx, root, "/", "/"); err != nil {
			w.dao.ResumeQueueing()
			return err
		}
	}
	w.dao.ResumeQueueing()
	if err := w.dao.RequeuePending(); err != nil {
		return err
	}

	if err := w.dao.CleanScanned(); err != nil {
		return err
	}
	if err := w.dao.UpdateConfigInt(dao.ConfigRemoteLastEventLogID, summary.UpperBound); err != nil {
		return err
	}
	return w.dao.UpdateConfig(dao.ConfigRemoteLastFullScan,
		strconv.FormatInt(time.Now().Unix(), 10))
}

// ScanPending retries the subtrees whose enumeration failed during an
// earlier scan.
func (w *Remote) ScanPending(ctx context.Context) error {
	paths, err := w.dao.GetPathsToScan()
	if err != nil {
		return err
	}
	for _, remotePath := range paths {
		uid := path.Base(remotePath)
		parentPath := path.Dir(remotePath)
		info, err := w.client.GetInfo(ctx, uid)
		if err != nil {
			if errors.Is(err, remote.ErrNotFound) || errors.Is(err, remote.ErrForbidden) {
				w.dao.DeletePathToScan(remotePath)
				continue
			}
			return err
		}
		localParent := "/"
		if p, perr := w.dao.GetStateFromRemoteRef(info.ParentUID); perr == nil {
			localParent = p.LocalPath
		}
		if err := w.scanDoc(ctx, info, parentPath, localParent); err != nil {
			return err
		}
		if err := w.dao.DeletePathToScan(remotePath); err != nil {
			return err
		}
	}
	return nil
}

// remoteChildPath is the ref-qualified path under which children of the
// pair live, matching the DAO's recursive conditions.
func remoteChildPath(remoteParentPath, uid string) string {
	return path.Join(remoteParentPath, uid)
}

// scanDoc records one document and, depth-first, its subtree. A failed
// children listing parks the subtree in the to-scan set instead of failing
// the whole traversal.
func (w *Remote) scanDoc(ctx context.Context, info remote.FileInfo, remoteParentPath, localParentPath string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	selfPath := remoteChildPath(remoteParentPath, info.UID)
	if w.dao.IsFilter(selfPath) {
		return nil
	}

	localPath := path.Join(localParentPath, info.Name)
	p, err := w.dao.GetStateFromRemoteWithPath(info.UID, remoteParentPath)
	switch {
	case err == nil:
		if _, uerr := w.dao.UpdateRemoteState(p, info, remoteParentPath, true, true, false); uerr != nil {
			return uerr
		}
		localPath = p.LocalPath
	case errors.Is(err, dao.ErrNotFound):
		if _, ierr := w.dao.InsertRemoteState(info, remoteParentPath, localPath, localParentPath); ierr != nil {
			return ierr
		}
	default:
		return err
	}

	if !info.Folderish || w.dao.IsPathScanned(selfPath) {
		return nil
	}
	children, err := w.client.GetChildren(ctx, info.UID)
	if err != nil {
		w.log.Warn("children listing failed, subtree parked for rescan",
			"uid", info.UID, "error", err)
		return w.dao.AddPathToScan(selfPath)
	}
	for _, child := range children {
		if err := w.scanDoc(ctx, child, selfPath, localPath); err != nil {
			return err
		}
	}
	return w.dao.AddPathScanned(selfPath)
}

func (w *Remote) watermark() int64 {
	return w.dao.GetConfigInt(dao.ConfigRemoteLastEventLogID, 0)
}

// PollChanges fetches and applies the change log since the stored
// watermark. The watermark only advances after every event applied; a
// truncated log falls back to a full rescan.
func (w *Remote) PollChanges(ctx context.Context) error {
	summary, err := w.client.GetChanges(ctx, w.watermark())
	if err != nil {
		return err
	}
	if summary.TooManyChanges {
		w.log.Info("change log truncated, falling back to full scan")
		if err := w.dao.CleanScanned(); err != nil {
			return err
		}
		return w.FullScan(ctx)
	}

	for _, event := range summary.Events {
		if err := w.applyEvent(ctx, event); err != nil {
			return fmt.Errorf("failed to apply event %d (%s): %w",
				event.EventID, event.EventType, err)
		}
	}
	if summary.UpperBound > w.watermark() {
		return w.dao.UpdateConfigInt(dao.ConfigRemoteLastEventLogID, summary.UpperBound)
	}
	return nil
}

func (w *Remote) applyEvent(ctx context.Context, event remote.ChangeEvent) error {
	switch event.EventType {
	case remote.EventDocumentCreated, remote.EventDocumentUndeleted:
		return w.onRemoteCreated(event)
	case remote.EventDocumentModified:
		return w.onRemoteModified(event)
	case remote.EventDocumentDeleted:
		return w.onRemoteDeleted(event)
	case remote.EventDocumentMoved, remote.EventDocumentRenamed:
		return w.onRemoteMoved(event)
	case remote.EventSecurityUpdated:
		return w.onSecurityUpdated(ctx, event)
	case remote.EventRootRegistered:
		return w.onRootRegistered(ctx, event)
	case remote.EventRootUnregistered:
		return w.onRemoteDeleted(event)
	case remote.EventDocumentLocked:
		return w.onLockEvent(event, w.cb.DocumentLocked)
	case remote.EventDocumentUnlocked:
		return w.onLockEvent(event, w.cb.DocumentUnlocked)
	default:
		w.log.Debug("unhandled event type", "type", event.EventType)
		return nil
	}
}

func (w *Remote) onRemoteCreated(event remote.ChangeEvent) error {
	if event.Doc == nil {
		return nil
	}
	doc := *event.Doc

	if p, err := w.dao.GetStateFromRemoteRef(doc.UID); err == nil {
		_, uerr := w.dao.UpdateRemoteState(p, doc, "", true, true, false)
		return uerr
	}

	parent, err := w.dao.GetStateFromRemoteRef(doc.ParentUID)
	if err != nil {
		// Document outside any synchronized subtree.
		return nil
	}
	remoteParentPath := remoteChildPath(parent.RemoteParentPath, parent.RemoteRef)
	if w.dao.IsFilter(remoteChildPath(remoteParentPath, doc.UID)) {
		return nil
	}
	localPath := path.Join(parent.LocalPath, doc.Name)
	_, err = w.dao.InsertRemoteState(doc, remoteParentPath, localPath, parent.LocalPath)
	return err
}

func (w *Remote) onRemoteModified(event remote.ChangeEvent) error {
	if event.Doc == nil {
		return nil
	}
	p, err := w.dao.GetStateFromRemoteRef(event.DocUID)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return w.onRemoteCreated(event)
		}
		return err
	}
	p.RemoteState = state.StateModified
	_, err = w.dao.UpdateRemoteState(p, *event.Doc, "", true, true, false)
	return err
}

func (w *Remote) onRemoteDeleted(event remote.ChangeEvent) error {
	p, err := w.dao.GetStateFromRemoteRef(event.DocUID)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return nil
		}
		return err
	}
	if state.IsDeletion(p.PairState) {
		return nil
	}
	return w.dao.DeleteRemoteState(p)
}

func (w *Remote) onRemoteMoved(event remote.ChangeEvent) error {
	if event.Doc == nil {
		return nil
	}
	doc := *event.Doc
	p, err := w.dao.GetStateFromRemoteRef(doc.UID)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return w.onRemoteCreated(event)
		}
		return err
	}

	remoteParentPath := ""
	if doc.ParentUID != p.RemoteParentRef {
		parent, perr := w.dao.GetStateFromRemoteRef(doc.ParentUID)
		if perr != nil {
			// Moved outside the synchronized tree: gone from our view.
			return w.dao.DeleteRemoteState(p)
		}
		remoteParentPath = remoteChildPath(parent.RemoteParentPath, parent.RemoteRef)
		if p.Folderish {
			if err := w.dao.UpdateRemoteParentPath(p, remoteParentPath); err != nil {
				return err
			}
		}
	}
	p.RemoteState = state.StateModified
	_, err = w.dao.UpdateRemoteState(p, doc, remoteParentPath, true, true, false)
	return err
}

// onSecurityUpdated re-reads the document: losing access is a remote
// deletion plus a filter so the subtree is not re-adopted by later scans.
func (w *Remote) onSecurityUpdated(ctx context.Context, event remote.ChangeEvent) error {
	p, err := w.dao.GetStateFromRemoteRef(event.DocUID)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return w.onRemoteCreated(event)
		}
		return err
	}

	info, err := w.client.GetInfo(ctx, event.DocUID)
	if errors.Is(err, remote.ErrForbidden) || errors.Is(err, remote.ErrNotFound) {
		w.log.Info("access lost, removing local copy", "path", p.LocalPath)
		if err := w.dao.AddFilter(remoteChildPath(p.RemoteParentPath, p.RemoteRef)); err != nil {
			return err
		}
		return w.dao.DeleteRemoteState(p)
	}
	if err != nil {
		return err
	}
	_, err = w.dao.UpdateRemoteState(p, info, "", true, true, true)
	return err
}

func (w *Remote) onRootRegistered(ctx context.Context, event remote.ChangeEvent) error {
	info, err := w.client.GetInfo(ctx, event.DocUID)
	if err != nil {
		return err
	}
	return w.scanDoc(ctx, info, "/", "/")
}

func (w *Remote) onLockEvent(event remote.ChangeEvent, notify func(string)) error {
	p, err := w.dao.GetStateFromRemoteRef(event.DocUID)
	if err != nil {
		return nil
	}
	if notify != nil {
		notify(p.LocalPath)
	}
	return nil
}
