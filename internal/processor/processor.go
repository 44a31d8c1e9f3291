// Package processor executes the action a pair state calls for: uploads,
// downloads, renames, deletions. One processor invocation handles exactly
// one pair, claimed through the DAO's processor column so concurrent
// workers never act on the same row.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync/atomic"

	"github.com/steveyegge/drivesync/internal/dao"
	"github.com/steveyegge/drivesync/internal/localfs"
	"github.com/steveyegge/drivesync/internal/remote"
	"github.com/steveyegge/drivesync/internal/state"
	"github.com/steveyegge/drivesync/internal/xattr"
)

// RemoteClient is the slice of the HTTP client the processor needs.
type RemoteClient interface {
	GetInfo(ctx context.Context, uid string) (remote.FileInfo, error)
	StreamContent(ctx context.Context, uid string, w io.Writer) (int64, error)
	Upload(ctx context.Context, parentUID, uid, name string, r io.Reader, size int64) (remote.FileInfo, error)
	CreateFolder(ctx context.Context, parentUID, name string) (remote.FileInfo, error)
	Rename(ctx context.Context, uid, name string) (remote.FileInfo, error)
	Move(ctx context.Context, uid, newParentUID string) (remote.FileInfo, error)
	Delete(ctx context.Context, uid string) error
}

// Sink receives pairs the processor cannot finish: transient failures go to
// PushError, pairs that merely need another pass later go to Postpone.
type Sink interface {
	Push(p *state.DocPair)
	Postpone(p *state.DocPair)
	PushError(p *state.DocPair, err error)
}

// Processor turns pair states into filesystem and remote operations.
type Processor struct {
	log    *slog.Logger
	dao    *dao.EngineDAO
	fs     *localfs.Client
	refs   *xattr.Store
	remote RemoteClient
	sink   Sink

	workerSeq atomic.Int64
}

// New builds a processor. SetSink must be called before Process runs.
func New(d *dao.EngineDAO, fs *localfs.Client, refs *xattr.Store, client RemoteClient, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{log: logger, dao: d, fs: fs, refs: refs, remote: client}
}

// SetSink wires the retry/error destination, breaking the construction
// cycle with the queue manager.
func (p *Processor) SetSink(s Sink) { p.sink = s }

// Process claims and handles one pair. Safe for concurrent use.
func (p *Processor) Process(ctx context.Context, stale *state.DocPair) {
	workerID := p.workerSeq.Add(1)
	ok, err := p.dao.AcquireProcessor(workerID, stale.ID)
	if err != nil || !ok {
		return
	}
	defer p.dao.ReleaseProcessor(workerID)

	pair, err := p.dao.GetStateFromID(stale.ID)
	if err != nil {
		return
	}

	err = p.dispatch(ctx, pair)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Interrupted; the preempting pair carries the follow-up.
	case errors.Is(err, dao.ErrVersionMismatch):
		// The pair changed under us; run it again with fresh state.
		p.postpone(pair)
	default:
		p.log.Warn("pair processing failed", "pair", pair.ID,
			"path", pair.LocalPath, "state", pair.PairState, "error", err)
		if ierr := p.dao.IncreaseError(pair, errorName(err), err.Error(), 1); ierr != nil {
			p.log.Error("failed to record pair error", "pair", pair.ID, "error", ierr)
		}
		if p.sink != nil {
			p.sink.PushError(pair, err)
		}
	}
}

// postpone hands the pair back for a delayed retry. The delay matters: an
// immediate re-push would spin the worker pool on a pair that cannot make
// progress until something else changes.
func (p *Processor) postpone(pair *state.DocPair) {
	if p.sink != nil {
		p.sink.Postpone(pair)
	}
}

// errParentNotSynced marks a pair whose parent has not been synchronized
// yet; the pair is postponed, not error-counted.
var errParentNotSynced = errors.New("parent not yet synchronized")

func (p *Processor) dispatch(ctx context.Context, pair *state.DocPair) error {
	var err error
	switch pair.PairState {
	case state.PairLocallyCreated:
		err = p.createRemote(ctx, pair)
	case state.PairLocallyModified, state.PairLocallyResolved:
		err = p.uploadContent(ctx, pair)
	case state.PairLocallyMoved, state.PairLocallyMovedCreated:
		err = p.moveRemote(ctx, pair)
	case state.PairLocallyMovedRemotelyModified:
		err = p.keepBoth(ctx, pair)
	case state.PairLocallyDeleted:
		err = p.deleteRemote(ctx, pair)
	case state.PairRemotelyCreated:
		err = p.createLocal(ctx, pair)
	case state.PairRemotelyModified:
		err = p.downloadContent(ctx, pair)
	case state.PairRemotelyDeleted, state.PairUnknownDeleted:
		err = p.deleteLocal(pair)
	case state.PairDeleted, state.PairDeletedUnknown:
		err = p.dao.RemoveState(pair, pair.Folderish)
	case state.PairConflicted, state.PairUnsynchronized:
		// Waiting on the user (or forever).
	default:
		p.log.Debug("no action for pair state", "pair", pair.ID, "state", pair.PairState)
	}

	if errors.Is(err, errParentNotSynced) {
		p.postpone(pair)
		return nil
	}
	return err
}

// parentRemoteRef resolves the remote folder a pair's operations target. The
// engine stamps the sync root's ref on the local root at bind time, so
// top-level pairs resolve through the side channel like everything else.
func (p *Processor) parentRemoteRef(pair *state.DocPair) (ref, remoteParentPath string, err error) {
	if pair.LocalParentPath == "/" || pair.LocalParentPath == "" {
		ref, rerr := p.refs.GetRef(p.fs.Abs("/"))
		if rerr != nil {
			return "", "", fmt.Errorf("local root carries no remote reference: %w", rerr)
		}
		return ref, "/", nil
	}
	parent, perr := p.dao.GetStateFromLocal(pair.LocalParentPath)
	if perr != nil {
		return "", "", errParentNotSynced
	}
	if parent.RemoteRef == "" || parent.PairState != state.PairSynchronized {
		return "", "", errParentNotSynced
	}
	return parent.RemoteRef, remoteChildPath(parent.RemoteParentPath, parent.RemoteRef), nil
}

func remoteChildPath(parentPath, ref string) string {
	return path.Join(parentPath, ref)
}

// createRemote uploads a locally created entry.
func (p *Processor) createRemote(ctx context.Context, pair *state.DocPair) error {
	parentRef, remoteParentPath, err := p.parentRemoteRef(pair)
	if err != nil {
		return err
	}
	if readonly, rerr := p.parentRefusesChildren(pair); rerr != nil {
		return rerr
	} else if readonly {
		return p.refuseReadonly(pair, "remote parent folder is read-only")
	}

	name := pair.LocalName
	if deduped, derr := p.dedupeName(pair, parentRef, name); derr != nil {
		return derr
	} else if deduped != "" {
		name = deduped
	}

	var info remote.FileInfo
	if pair.Folderish {
		info, err = p.remote.CreateFolder(ctx, parentRef, name)
	} else {
		info, err = p.uploadFile(ctx, pair, parentRef, "", name)
	}
	if err != nil {
		return err
	}

	if serr := p.refs.SetRef(p.fs.Abs(pair.LocalPath), info.UID); serr != nil {
		p.log.Warn("failed to stamp remote ref", "path", pair.LocalPath, "error", serr)
	}
	version := pair.Version
	if _, err := p.dao.UpdateRemoteState(pair, info, remoteParentPath, false, false, true); err != nil {
		return err
	}
	pair.LastTransfer = "upload"
	return p.dao.SynchronizeState(pair, version)
}

// uploadContent pushes new local content to the existing remote document.
func (p *Processor) uploadContent(ctx context.Context, pair *state.DocPair) error {
	if pair.Folderish {
		// Nothing to transfer for a folder.
		return p.dao.SynchronizeState(pair, pair.Version)
	}
	if !pair.RemoteCanUpdate && pair.PairState != state.PairLocallyResolved {
		return p.refuseReadonly(pair, "remote document is read-only")
	}

	info, err := p.uploadFile(ctx, pair, "", pair.RemoteRef, pair.RemoteName)
	if err != nil {
		return err
	}
	version := pair.Version
	if _, err := p.dao.UpdateRemoteState(pair, info, "", false, false, true); err != nil {
		return err
	}
	pair.LastTransfer = "upload"
	return p.dao.SynchronizeState(pair, version)
}

func (p *Processor) uploadFile(ctx context.Context, pair *state.DocPair, parentRef, uid, name string) (remote.FileInfo, error) {
	abs := p.fs.Abs(pair.LocalPath)
	f, err := os.Open(abs)
	if err != nil {
		return remote.FileInfo{}, fmt.Errorf("failed to open %s for upload: %w", pair.LocalPath, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return remote.FileInfo{}, err
	}
	return p.remote.Upload(ctx, parentRef, uid, name, f, fi.Size())
}

// moveRemote propagates a local rename or move.
func (p *Processor) moveRemote(ctx context.Context, pair *state.DocPair) error {
	if pair.RemoteRef == "" {
		// Moved before it ever reached the server: plain creation.
		return p.createRemote(ctx, pair)
	}

	if pair.LocalName != pair.RemoteName {
		if !pair.RemoteCanRename {
			return p.refuseReadonly(pair, "remote document cannot be renamed")
		}
		info, err := p.remote.Rename(ctx, pair.RemoteRef, pair.LocalName)
		if err != nil {
			return p.rollbackLocalRename(pair, err)
		}
		pair.RemoteName = info.Name
	}

	parentRef, remoteParentPath, err := p.parentRemoteRef(pair)
	if err != nil {
		return err
	}
	if parentRef != pair.RemoteParentRef {
		info, merr := p.remote.Move(ctx, pair.RemoteRef, parentRef)
		if merr != nil {
			return merr
		}
		if pair.Folderish {
			if err := p.dao.UpdateRemoteParentPath(pair, remoteParentPath); err != nil {
				return err
			}
		}
		pair.RemoteParentRef = info.ParentUID
	}

	version := pair.Version
	info, err := p.remote.GetInfo(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}
	if _, err := p.dao.UpdateRemoteState(pair, info, remoteParentPath, false, false, true); err != nil {
		return err
	}
	return p.dao.SynchronizeState(pair, version)
}

// rollbackLocalRename undoes the local rename a failed remote rename would
// otherwise leave half-applied.
func (p *Processor) rollbackLocalRename(pair *state.DocPair, cause error) error {
	if pair.RemoteName == "" || !p.fs.Exists(pair.LocalPath) {
		return cause
	}
	newRel, err := p.fs.Rename(pair.LocalPath, pair.RemoteName)
	if err != nil {
		p.log.Error("failed to roll back local rename", "path", pair.LocalPath, "error", err)
		return cause
	}
	info, err := p.fs.Info(newRel)
	if err != nil {
		return cause
	}
	pair.LocalState = state.StateSynchronized
	if uerr := p.dao.UpdateLocalState(pair, info, true, false); uerr != nil {
		p.log.Error("failed to record rename rollback", "path", newRel, "error", uerr)
	}
	return cause
}

// keepBoth resolves a move/modify cross by downloading the remote content
// under a fresh deduplicated name, then treating the pair as a plain local
// move. The local watcher adopts the downloaded copy as a new pair.
func (p *Processor) keepBoth(ctx context.Context, pair *state.DocPair) error {
	if !pair.Folderish {
		parentRel := path.Dir(pair.LocalPath)
		name := p.fs.DedupedName(parentRel, pair.RemoteName)
		rel := path.Join(parentRel, name)
		if err := p.streamTo(ctx, pair.RemoteRef, rel); err != nil {
			return err
		}
		p.log.Info("conflicting remote content kept as copy", "pair", pair.ID, "copy", rel)
	}
	return p.moveRemote(ctx, pair)
}

// deleteRemote propagates a local deletion. A denied deletion turns into a
// filter so the document stops syncing instead of erroring forever.
func (p *Processor) deleteRemote(ctx context.Context, pair *state.DocPair) error {
	if pair.RemoteRef == "" {
		return p.dao.RemoveState(pair, false)
	}
	if !pair.RemoteCanDelete {
		if err := p.dao.AddFilter(remoteChildPath(pair.RemoteParentPath, pair.RemoteRef)); err != nil {
			return err
		}
		return p.dao.RemoveState(pair, pair.Folderish)
	}
	if err := p.remote.Delete(ctx, pair.RemoteRef); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return p.dao.RemoveState(pair, pair.Folderish)
}

// createLocal materializes a remotely created document.
func (p *Processor) createLocal(ctx context.Context, pair *state.DocPair) error {
	if pair.LocalParentPath != "/" && pair.LocalParentPath != "" {
		parent, err := p.dao.GetStateFromLocal(pair.LocalParentPath)
		if err != nil || parent.PairState != state.PairSynchronized {
			return errParentNotSynced
		}
	}

	localPath := pair.LocalPath
	if occupied, err := p.pathOccupied(pair); err != nil {
		return err
	} else if occupied {
		parentRel := path.Dir(pair.LocalPath)
		localPath = path.Join(parentRel, p.fs.DedupedName(parentRel, pair.RemoteName))
	}

	if pair.Folderish {
		if err := p.fs.MkDir(localPath); err != nil {
			return err
		}
	} else if err := p.streamTo(ctx, pair.RemoteRef, localPath); err != nil {
		return err
	}

	if err := p.refs.SetRef(p.fs.Abs(localPath), pair.RemoteRef); err != nil {
		p.log.Warn("failed to stamp remote ref", "path", localPath, "error", err)
	}

	info, err := p.fs.Info(localPath)
	if err != nil {
		return err
	}
	version := pair.Version
	pair.LocalState = state.StateUnknown
	pair.LocalDigest = pair.RemoteDigest
	if err := p.dao.UpdateLocalState(pair, info, false, false); err != nil {
		return err
	}
	pair.LastTransfer = "download"
	return p.dao.SynchronizeState(pair, version)
}

// downloadContent replaces local content with the remote version.
func (p *Processor) downloadContent(ctx context.Context, pair *state.DocPair) error {
	if pair.Folderish {
		// A folder modification is a rename already reflected in the
		// remote facet; apply it locally when names diverge.
		if pair.RemoteName != pair.LocalName && p.fs.Exists(pair.LocalPath) {
			newRel, err := p.fs.Rename(pair.LocalPath, pair.RemoteName)
			if err != nil {
				return err
			}
			if err := p.dao.UpdateLocalParentPath(pair, pair.RemoteName, path.Dir(newRel)); err != nil {
				return err
			}
			info, ierr := p.fs.Info(newRel)
			if ierr != nil {
				return ierr
			}
			if err := p.dao.UpdateLocalState(pair, info, false, false); err != nil {
				return err
			}
		}
		return p.dao.SynchronizeState(pair, pair.Version)
	}

	// Content already matches: nothing to transfer.
	if pair.LocalDigest != "" && pair.LocalDigest == pair.RemoteDigest {
		return p.dao.SynchronizeState(pair, pair.Version)
	}

	if err := p.streamTo(ctx, pair.RemoteRef, pair.LocalPath); err != nil {
		return err
	}
	info, err := p.fs.Info(pair.LocalPath)
	if err != nil {
		return err
	}
	version := pair.Version
	pair.LocalDigest = pair.RemoteDigest
	if err := p.dao.UpdateLocalState(pair, info, false, false); err != nil {
		return err
	}
	pair.LastTransfer = "download"
	return p.dao.SynchronizeState(pair, version)
}

// streamTo downloads a document into a sibling .nxpart file and atomically
// renames it over the final path, so readers never observe partial content.
func (p *Processor) streamTo(ctx context.Context, uid, rel string) error {
	tempRel := p.fs.TempPath(rel)
	f, err := os.Create(p.fs.Abs(tempRel))
	if err != nil {
		return fmt.Errorf("failed to create partial file for %s: %w", rel, err)
	}
	if _, err := p.remote.StreamContent(ctx, uid, f); err != nil {
		f.Close()
		os.Remove(p.fs.Abs(tempRel))
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return p.fs.CommitTemp(tempRel, rel)
}

// deleteLocal removes the local entry of a remotely deleted pair and drops
// the row (descendants included for folders).
func (p *Processor) deleteLocal(pair *state.DocPair) error {
	if p.fs.Exists(pair.LocalPath) {
		p.refs.RemoveRef(p.fs.Abs(pair.LocalPath))
		if err := p.fs.Delete(pair.LocalPath); err != nil {
			return err
		}
	}
	return p.dao.RemoveState(pair, pair.Folderish)
}

// pathOccupied reports whether the pair's local path already holds an entry
// belonging to a different document.
func (p *Processor) pathOccupied(pair *state.DocPair) (bool, error) {
	if !p.fs.Exists(pair.LocalPath) {
		return false, nil
	}
	ref, err := p.refs.GetRef(p.fs.Abs(pair.LocalPath))
	if err == nil && ref == pair.RemoteRef {
		return false, nil
	}
	return true, nil
}

// refuseReadonly parks the pair as unsynchronized; folders additionally get
// a filter so their subtree stops being scanned.
func (p *Processor) refuseReadonly(pair *state.DocPair, reason string) error {
	p.log.Info("pair refused by permissions", "pair", pair.ID,
		"path", pair.LocalPath, "reason", reason)
	if pair.Folderish && pair.RemoteRef != "" {
		if err := p.dao.AddFilter(remoteChildPath(pair.RemoteParentPath, pair.RemoteRef)); err != nil {
			return err
		}
	}
	return p.dao.UnsynchronizeState(pair, reason, true)
}

// parentRefusesChildren reports whether the parent pair forbids creating
// children remotely.
func (p *Processor) parentRefusesChildren(pair *state.DocPair) (bool, error) {
	if pair.LocalParentPath == "/" || pair.LocalParentPath == "" {
		return false, nil
	}
	parent, err := p.dao.GetStateFromLocal(pair.LocalParentPath)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return parent.RemoteRef != "" && !parent.RemoteCanCreateChild, nil
}

// dedupeName returns a fresh local name when the upload would collide with
// a different synchronized document under the same remote parent. The local
// entry is renamed first so both sides agree on the deduplicated name.
func (p *Processor) dedupeName(pair *state.DocPair, parentRef, name string) (string, error) {
	existing, err := p.dao.GetDedupePair(name, parentRef)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if existing.ID == pair.ID {
		return "", nil
	}

	parentRel := path.Dir(pair.LocalPath)
	deduped := p.fs.DedupedName(parentRel, name)
	newRel, err := p.fs.Rename(pair.LocalPath, deduped)
	if err != nil {
		return "", fmt.Errorf("failed to deduplicate %s: %w", pair.LocalPath, err)
	}
	info, err := p.fs.Info(newRel)
	if err != nil {
		return "", err
	}
	if err := p.dao.UpdateLocalState(pair, info, true, false); err != nil {
		return "", err
	}
	pair.LocalPath = newRel
	pair.LocalName = deduped
	p.log.Info("name collision deduplicated", "pair", pair.ID, "from", name, "to", deduped)
	return deduped, nil
}

// errorName maps an error to the short code stored in last_error.
func errorName(err error) string {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return "REMOTE_NOT_FOUND"
	case errors.Is(err, remote.ErrForbidden):
		return "REMOTE_FORBIDDEN"
	case errors.Is(err, remote.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, remote.ErrLocked):
		return "REMOTE_LOCKED"
	case errors.Is(err, errParentNotSynced):
		return "PARENT_NOT_SYNCED"
	default:
		return "SYNC_ERROR"
	}
}
