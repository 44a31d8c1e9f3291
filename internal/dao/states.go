package dao

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/steveyegge/drivesync/internal/localfs"
	"github.com/steveyegge/drivesync/internal/remote"
	"github.com/steveyegge/drivesync/internal/state"
)

// ErrVersionMismatch is returned when an optimistic update lost the race.
var ErrVersionMismatch = errors.New("pair version changed concurrently")

// recursive conditions select every descendant of a folderish pair, on the
// local side by parent path and on the remote side by the parent chain
// encoded in remote_parent_path.

func localRecursiveArgs(p *state.DocPair) (string, []any) {
	return " WHERE local_parent_path LIKE ? OR local_parent_path = ?",
		[]any{p.LocalPath + "/%", p.LocalPath}
}

// remotePathPrefix is the ref-qualified path under which the pair's
// children live.
func remotePathPrefix(parentPath, ref string) string {
	if parentPath == "" || parentPath == "/" {
		return "/" + ref
	}
	return parentPath + "/" + ref
}

func remoteRecursiveArgs(p *state.DocPair) (string, []any) {
	prefix := remotePathPrefix(p.RemoteParentPath, p.RemoteRef)
	return " WHERE remote_parent_path LIKE ? OR remote_parent_path = ?",
		[]any{prefix + "/%", prefix}
}

// InsertLocalState creates a pair in (created, unknown) from a local scan or
// watcher event. The pair is queued unless its parent itself still awaits
// upload, preserving parent-before-child ordering.
func (d *EngineDAO) InsertLocalState(info localfs.Info, digest string) (int64, error) {
	d.writeMu.Lock()
	pairState := state.PairStateFor(state.StateCreated, state.StateUnknown)
	parentPath := path.Dir(info.Path)
	res, err := d.db.Exec(
		`INSERT INTO States (last_local_updated, local_digest, local_path,
            local_parent_path, local_name, folderish, size,
            local_state, remote_state, pair_state, creation_date)
         VALUES (?, ?, ?, ?, ?, ?, ?, 'created', 'unknown', ?, ?)`,
		timeToNullString(info.LastModified), digest, info.Path,
		parentPath, info.Name, info.Folderish, info.Size,
		pairState, timeToNullString(time.Now()),
	)
	if err != nil {
		d.writeMu.Unlock()
		return 0, fmt.Errorf("failed to insert local state for %s: %w", info.Path, err)
	}
	id, _ := res.LastInsertId()
	d.writeMu.Unlock()

	if d.parentReadyLocal(parentPath) {
		d.queuePairByID(id)
	}
	return id, nil
}

func (d *EngineDAO) parentReadyLocal(parentPath string) bool {
	if parentPath == "/" || parentPath == "." || parentPath == "" {
		return true
	}
	parent, err := d.GetStateFromLocal(parentPath)
	if err != nil {
		return false
	}
	return parent.PairState != state.PairLocallyCreated
}

// InsertRemoteState creates a pair in (unknown, created) from the remote
// scanner or change tracker.
func (d *EngineDAO) InsertRemoteState(info remote.FileInfo, remoteParentPath, localPath, localParentPath string) (int64, error) {
	d.writeMu.Lock()
	pairState := state.PairStateFor(state.StateUnknown, state.StateCreated)
	res, err := d.db.Exec(
		`INSERT INTO States (remote_ref, remote_parent_ref, remote_parent_path,
            remote_name, last_remote_updated, remote_can_rename, remote_can_delete,
            remote_can_update, remote_can_create_child, last_remote_modifier,
            remote_digest, folderish, size, local_path, local_parent_path, local_name,
            remote_state, local_state, pair_state, creation_date)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'created', 'unknown', ?, ?)`,
		info.UID, info.ParentUID, remoteParentPath,
		info.Name, timeToNullString(info.LastModified), info.CanRename, info.CanDelete,
		info.CanUpdate, info.CanCreateChild, info.LastContributor,
		info.Digest, info.Folderish, info.Size, localPath, localParentPath, info.Name,
		pairState, timeToNullString(time.Now()),
	)
	if err != nil {
		d.writeMu.Unlock()
		return 0, fmt.Errorf("failed to insert remote state for %s: %w", info.UID, err)
	}
	id, _ := res.LastInsertId()
	d.writeMu.Unlock()

	if d.parentReadyRemote(info.ParentUID, localParentPath) {
		d.queuePairByID(id)
	}
	return id, nil
}

func (d *EngineDAO) parentReadyRemote(parentUID, localParentPath string) bool {
	parent, err := d.GetStateFromRemoteRef(parentUID)
	if err != nil {
		// The parent may be the sync root itself, which has no pair.
		return localParentPath == "/" || localParentPath == ""
	}
	return parent.PairState != state.PairRemotelyCreated
}

// UpdateLocalState persists the local facet of the pair along with the side
// states the caller set on it. The version is bumped unless versioned is
// false (pure bookkeeping refreshes).
func (d *EngineDAO) UpdateLocalState(p *state.DocPair, info localfs.Info, versioned, queue bool) error {
	p.PairState = state.PairStateFor(p.LocalState, p.RemoteState)
	version := ""
	if versioned {
		version = ", version = version + 1"
	}
	parentPath := path.Dir(info.Path)
	_, err := d.exec(
		`UPDATE States SET last_local_updated = ?, local_digest = ?, local_path = ?,
            local_parent_path = ?, local_name = ?, local_state = ?, size = ?,
            remote_state = ?, pair_state = ?`+version+` WHERE id = ?`,
		timeToNullString(info.LastModified), p.LocalDigest, info.Path,
		parentPath, info.Name, p.LocalState, info.Size,
		p.RemoteState, p.PairState, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update local state of pair %d: %w", p.ID, err)
	}
	if versioned {
		p.Version++
	}
	if queue && d.parentReadyLocal(parentPath) {
		d.queuePair(p)
	}
	return nil
}

// UpdateLocalModificationTime refreshes only the local timestamp, without
// touching the version.
func (d *EngineDAO) UpdateLocalModificationTime(p *state.DocPair, mtime time.Time) error {
	_, err := d.exec("UPDATE States SET last_local_updated = ? WHERE id = ?",
		timeToNullString(mtime), p.ID)
	return err
}

// UpdateRemoteState persists the remote facet. It dirty-checks first: when
// nothing material changed and force is false the row is left alone, so the
// version does not churn under a processor's optimistic lock. Returns true
// when the row was written.
func (d *EngineDAO) UpdateRemoteState(p *state.DocPair, info remote.FileInfo, remoteParentPath string, versioned, queue, force bool) (bool, error) {
	p.PairState = state.PairStateFor(p.LocalState, p.RemoteState)
	if remoteParentPath == "" {
		remoteParentPath = p.RemoteParentPath
	}

	if p.RemoteRef == info.UID &&
		p.RemoteParentRef == info.ParentUID &&
		p.RemoteParentPath == remoteParentPath &&
		p.RemoteName == info.Name &&
		p.RemoteCanRename == info.CanRename &&
		p.RemoteCanDelete == info.CanDelete &&
		p.RemoteCanUpdate == info.CanUpdate &&
		p.RemoteCanCreateChild == info.CanCreateChild {
		if p.LocalName == info.Name {
			// A remote event the local side already reflects: collapse to
			// synchronized instead of reintroducing a modification.
			if info.Digest == p.LocalDigest || info.Digest == p.RemoteDigest {
				p.RemoteState = state.StateSynchronized
				p.PairState = state.PairStateFor(p.LocalState, p.RemoteState)
			}
			if info.Digest == p.RemoteDigest && !force {
				return false, nil
			}
		}
	}

	// A folderish pair whose local name differs from the incoming remote
	// name is a remote rename to propagate, unless the pair is conflicted,
	// freshly created remotely, or resolved.
	if p.Folderish && p.LocalName != "" && p.LocalName != info.Name &&
		p.PairState != state.PairConflicted &&
		p.PairState != state.PairRemotelyCreated &&
		p.LocalState != state.StateResolved {
		p.RemoteState = state.StateModified
		p.PairState = state.PairStateFor(p.LocalState, p.RemoteState)
	}

	query := `UPDATE States SET remote_ref = ?, remote_parent_ref = ?,
        remote_parent_path = ?, remote_name = ?, last_remote_updated = ?,
        remote_can_rename = ?, remote_can_delete = ?, remote_can_update = ?,
        remote_can_create_child = ?, last_remote_modifier = ?,
        local_state = ?, remote_state = ?, pair_state = ?`
	args := []any{
		info.UID, info.ParentUID,
		remoteParentPath, info.Name, timeToNullString(info.LastModified),
		info.CanRename, info.CanDelete, info.CanUpdate,
		info.CanCreateChild, info.LastContributor,
		p.LocalState, p.RemoteState, p.PairState,
	}
	if info.Digest != "" {
		query += ", remote_digest = ?"
		args = append(args, info.Digest)
	}
	if versioned {
		query += ", version = version + 1"
	}
	query += " WHERE id = ?"
	args = append(args, p.ID)

	if _, err := d.exec(query, args...); err != nil {
		return false, fmt.Errorf("failed to update remote state of pair %d: %w", p.ID, err)
	}
	if versioned {
		p.Version++
	}
	if queue && d.parentReadyRemote(info.ParentUID, p.LocalParentPath) {
		d.queuePair(p)
	}
	return true, nil
}

// SynchronizeState transitions the pair to synchronized iff its stored
// version still equals version. Folderish pairs get a fallback match on the
// identity tuple to tolerate version drift caused by intermediate renames.
// Children of a successfully synchronized folder are re-queued.
func (d *EngineDAO) SynchronizeState(p *state.DocPair, version int64) error {
	p.LocalState = state.StateSynchronized
	p.RemoteState = state.StateSynchronized
	p.PairState = state.PairStateFor(p.LocalState, p.RemoteState)
	now := timeToNullString(time.Now())

	res, err := d.exec(
		`UPDATE States SET local_state = ?, remote_state = ?, pair_state = ?,
            local_digest = ?, last_sync_date = ?, last_transfer = ?, processor = 0,
            last_error = NULL, last_error_details = NULL, error_count = 0,
            last_sync_error_date = NULL
         WHERE id = ? AND version = ?`,
		p.LocalState, p.RemoteState, p.PairState,
		p.LocalDigest, now, nullIfEmpty(p.LastTransfer),
		p.ID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to synchronize pair %d: %w", p.ID, err)
	}
	rows, _ := res.RowsAffected()

	if rows != 1 && p.Folderish {
		res, err = d.exec(
			`UPDATE States SET local_state = ?, remote_state = ?, pair_state = ?,
                last_sync_date = ?, processor = 0, last_error = NULL,
                error_count = 0, last_sync_error_date = NULL
             WHERE id = ? AND local_path = ? AND remote_name = ?
               AND remote_ref = ? AND remote_parent_ref = ?`,
			p.LocalState, p.RemoteState, p.PairState,
			now, p.ID, p.LocalPath, p.RemoteName,
			p.RemoteRef, p.RemoteParentRef,
		)
		if err != nil {
			return fmt.Errorf("failed to synchronize folder pair %d: %w", p.ID, err)
		}
		rows, _ = res.RowsAffected()
	}
	if rows != 1 {
		return ErrVersionMismatch
	}

	d.syncingCount.Add(-1)
	if d.cb.TransferDone != nil {
		d.cb.TransferDone(p.ID)
	}
	if p.Folderish {
		d.QueueChildren(p)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UnsynchronizeState parks the pair as unsynchronized, recording a human
// readable reason. With ignore the local side is marked too so the pair no
// longer reacts to local events.
func (d *EngineDAO) UnsynchronizeState(p *state.DocPair, lastError string, ignore bool) error {
	localState := ""
	if ignore {
		localState = "local_state = 'unsynchronized',"
	}
	_, err := d.exec(
		`UPDATE States SET pair_state = 'unsynchronized', `+localState+`
            last_sync_date = ?, processor = 0, last_error = ?,
            error_count = 0, last_sync_error_date = NULL
         WHERE id = ?`,
		timeToNullString(time.Now()), lastError, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to unsynchronize pair %d: %w", p.ID, err)
	}
	d.syncingCount.Add(-1)
	p.PairState = state.PairUnsynchronized
	return nil
}

// DeleteLocalState marks the pair (and all descendants of a folder) as
// locally deleted and queues only the top pair. In-flight processors on the
// subtree are interrupted by the queue manager via the PairQueued path.
func (d *EngineDAO) DeleteLocalState(p *state.DocPair) error {
	if _, err := d.exec(
		"UPDATE States SET local_state = 'deleted', pair_state = ? WHERE id = ?",
		state.PairLocallyDeleted, p.ID,
	); err != nil {
		return fmt.Errorf("failed to delete local state of pair %d: %w", p.ID, err)
	}
	if p.Folderish {
		cond, args := localRecursiveArgs(p)
		query := "UPDATE States SET local_state = 'deleted', pair_state = ?" + cond
		if _, err := d.exec(query, append([]any{state.PairLocallyDeleted}, args...)...); err != nil {
			return fmt.Errorf("failed to delete local descendants of pair %d: %w", p.ID, err)
		}
	}
	d.queuePairByID(p.ID)
	return nil
}

// DeleteRemoteState marks the pair as remotely deleted; descendants of a
// folder are stamped with a parent marker so they are swept with the parent
// and never dispatched on their own.
func (d *EngineDAO) DeleteRemoteState(p *state.DocPair) error {
	if _, err := d.exec(
		"UPDATE States SET remote_state = 'deleted', pair_state = ? WHERE id = ?",
		state.PairRemotelyDeleted, p.ID,
	); err != nil {
		return fmt.Errorf("failed to delete remote state of pair %d: %w", p.ID, err)
	}
	if p.Folderish {
		cond, args := remoteRecursiveArgs(p)
		query := "UPDATE States SET remote_state = 'deleted', pair_state = ?" + cond
		if _, err := d.exec(query, append([]any{"parent_remotely_deleted"}, args...)...); err != nil {
			return fmt.Errorf("failed to delete remote descendants of pair %d: %w", p.ID, err)
		}
	}
	d.queuePairByID(p.ID)
	return nil
}

// MarkDescendantsRemotelyCreated resets the local facet of a subtree so it
// is downloaded again, typically after a forced remote resolution.
func (d *EngineDAO) MarkDescendantsRemotelyCreated(p *state.DocPair) error {
	const update = `UPDATE States SET local_digest = NULL, last_local_updated = NULL,
        local_name = NULL, remote_state = 'created', pair_state = 'remotely_created'`
	if _, err := d.exec(update+" WHERE id = ?", p.ID); err != nil {
		return fmt.Errorf("failed to reset pair %d: %w", p.ID, err)
	}
	if p.Folderish {
		cond, args := localRecursiveArgs(p)
		if _, err := d.exec(update+cond, args...); err != nil {
			return fmt.Errorf("failed to reset descendants of pair %d: %w", p.ID, err)
		}
	}
	d.queuePairByID(p.ID)
	return nil
}

// RemoveState deletes the pair row; folderish pairs also drop descendants,
// matched on the remote hierarchy when remoteRecursion is set.
func (d *EngineDAO) RemoveState(p *state.DocPair, remoteRecursion bool) error {
	if _, err := d.exec("DELETE FROM States WHERE id = ?", p.ID); err != nil {
		return fmt.Errorf("failed to remove pair %d: %w", p.ID, err)
	}
	if p.Folderish {
		var cond string
		var args []any
		if remoteRecursion {
			cond, args = remoteRecursiveArgs(p)
		} else {
			cond, args = localRecursiveArgs(p)
		}
		if _, err := d.exec("DELETE FROM States"+cond, args...); err != nil {
			return fmt.Errorf("failed to remove descendants of pair %d: %w", p.ID, err)
		}
	}
	return nil
}

// ReplaceLocalPaths rewrites every stored local path below oldPath to live
// below newPath, in one statement.
func (d *EngineDAO) ReplaceLocalPaths(oldPath, newPath string) error {
	oldPrefix := oldPath + "/"
	newPrefix := newPath + "/"
	_, err := d.exec(
		`UPDATE States SET local_parent_path = replace(local_parent_path, ?, ?),
            local_path = replace(local_path, ?, ?)
         WHERE local_parent_path LIKE ? OR local_path LIKE ?`,
		oldPrefix, newPrefix, oldPrefix, newPrefix, oldPrefix+"%", oldPrefix+"%",
	)
	if err != nil {
		return fmt.Errorf("failed to replace local paths under %s: %w", oldPath, err)
	}
	return nil
}

// UpdateLocalParentPath relocates a moved pair: descendant paths are
// rewritten by prefix substitution in one statement, then the pair's own
// parent path is set (its local_path is refreshed by the next local update).
func (d *EngineDAO) UpdateLocalParentPath(p *state.DocPair, newName, newParentPath string) error {
	if p.Folderish {
		newPath := path.Join(newParentPath, newName)
		cond, args := localRecursiveArgs(p)
		// substr is 1-based; skip the old prefix plus its trailing slash.
		query := fmt.Sprintf(
			"UPDATE States SET local_parent_path = ? || substr(local_parent_path, %d), local_path = ? || substr(local_path, %d)",
			len(p.LocalPath)+1, len(p.LocalPath)+1) + cond
		if _, err := d.exec(query, append([]any{newPath, newPath}, args...)...); err != nil {
			return fmt.Errorf("failed to move descendants of pair %d: %w", p.ID, err)
		}
	}
	_, err := d.exec("UPDATE States SET local_parent_path = ? WHERE id = ?", newParentPath, p.ID)
	if err != nil {
		return fmt.Errorf("failed to move pair %d: %w", p.ID, err)
	}
	return nil
}

// UpdateRemoteParentPath reparents a pair on the remote side, rewriting
// descendant remote parent paths by prefix substitution. The descendant
// condition includes the pair's own remote_ref to avoid aliasing between
// folders with equal paths.
func (d *EngineDAO) UpdateRemoteParentPath(p *state.DocPair, newPath string) error {
	if p.Folderish {
		oldPrefix := remotePathPrefix(p.RemoteParentPath, p.RemoteRef)
		newPrefix := remotePathPrefix(newPath, p.RemoteRef)
		cond, args := remoteRecursiveArgs(p)
		query := fmt.Sprintf(
			"UPDATE States SET remote_parent_path = ? || substr(remote_parent_path, %d)",
			len(oldPrefix)+1) + cond
		if _, err := d.exec(query, append([]any{newPrefix}, args...)...); err != nil {
			return fmt.Errorf("failed to reparent descendants of pair %d: %w", p.ID, err)
		}
	}
	_, err := d.exec("UPDATE States SET remote_parent_path = ? WHERE id = ?", newPath, p.ID)
	if err != nil {
		return fmt.Errorf("failed to reparent pair %d: %w", p.ID, err)
	}
	return nil
}

// QueueChildren re-queues every pending child of a just-synchronized folder.
func (d *EngineDAO) QueueChildren(p *state.DocPair) {
	children, err := d.queryPairs(
		"SELECT "+stateColumns+` FROM States
         WHERE (remote_parent_ref = ? OR local_parent_path = ?)
           AND pair_state NOT IN ('synchronized', 'conflicted', 'unsynchronized')`,
		p.RemoteRef, p.LocalPath,
	)
	if err != nil {
		d.log.Error("failed to load children to queue", "pair", p.ID, "error", err)
		return
	}
	for _, child := range children {
		// Counted when first queued; avoid double counting on replay.
		if d.queueing.Load() && d.cb.PairQueued != nil {
			d.cb.PairQueued(child)
		}
	}
}

// AcquireProcessor atomically claims the pair for a worker. Idempotent for
// the same worker.
func (d *EngineDAO) AcquireProcessor(workerID, pairID int64) (bool, error) {
	res, err := d.exec(
		"UPDATE States SET processor = ? WHERE id = ? AND processor IN (0, ?)",
		workerID, pairID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire pair %d: %w", pairID, err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// ReleaseProcessor frees every pair held by the worker.
func (d *EngineDAO) ReleaseProcessor(workerID int64) (bool, error) {
	res, err := d.exec("UPDATE States SET processor = 0 WHERE processor = ?", workerID)
	if err != nil {
		return false, fmt.Errorf("failed to release processor %d: %w", workerID, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ReinitProcessors clears processor ownership and transient error fields of
// settled pairs; run once at open, before any worker starts.
func (d *EngineDAO) ReinitProcessors() error {
	if _, err := d.exec("UPDATE States SET processor = 0"); err != nil {
		return fmt.Errorf("failed to reset processors: %w", err)
	}
	_, err := d.exec(
		`UPDATE States SET error_count = 0, last_sync_error_date = NULL, last_error = NULL
         WHERE pair_state = 'synchronized'`)
	if err != nil {
		return fmt.Errorf("failed to reset settled errors: %w", err)
	}
	return nil
}

// ReinitStates drops every pair and the remote watermarks, forcing a full
// rescan on next start.
func (d *EngineDAO) ReinitStates() error {
	if _, err := d.exec("DELETE FROM States"); err != nil {
		return fmt.Errorf("failed to clear states: %w", err)
	}
	for _, name := range []string{ConfigRemoteLastEventLogID, ConfigRemoteLastFullScan} {
		if err := d.UpdateConfig(name, ""); err != nil {
			return err
		}
	}
	d.syncingCount.Store(0)
	_, err := d.exec("VACUUM")
	return err
}

// IncreaseError records a failed attempt on the pair and frees it for the
// retry path.
func (d *EngineDAO) IncreaseError(p *state.DocPair, errName, details string, incr int) error {
	_, err := d.exec(
		`UPDATE States SET last_error = ?, last_sync_error_date = ?,
            error_count = error_count + ?, last_error_details = ?, processor = 0
         WHERE id = ?`,
		errName, timeToNullString(time.Now()), incr, details, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record error on pair %d: %w", p.ID, err)
	}
	p.LastError = errName
	p.ErrorCount += incr
	return nil
}

// ResetError clears the error fields and re-queues the pair.
func (d *EngineDAO) ResetError(p *state.DocPair) error {
	_, err := d.exec(
		`UPDATE States SET last_error = NULL, last_error_details = NULL,
            last_sync_error_date = NULL, error_count = 0
         WHERE id = ?`, p.ID)
	if err != nil {
		return fmt.Errorf("failed to reset error on pair %d: %w", p.ID, err)
	}
	p.LastError = ""
	p.ErrorCount = 0
	d.queuePair(p)
	return nil
}

// forceSync installs explicit side states under the optimistic version
// guard, clearing errors, and queues the pair.
func (d *EngineDAO) forceSync(p *state.DocPair, localState, remoteState, pairState string) (bool, error) {
	res, err := d.exec(
		`UPDATE States SET local_state = ?, remote_state = ?, pair_state = ?,
            last_error = NULL, last_sync_error_date = NULL, error_count = 0
         WHERE id = ? AND version = ?`,
		localState, remoteState, pairState, p.ID, p.Version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to force pair %d to %s: %w", p.ID, pairState, err)
	}
	d.queuePairByID(p.ID)
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// ForceLocal resolves a conflict by electing the local side.
func (d *EngineDAO) ForceLocal(p *state.DocPair) (bool, error) {
	return d.forceSync(p, state.StateResolved, state.StateUnknown, state.PairLocallyResolved)
}

// ForceRemote resolves a conflict by electing the remote side.
func (d *EngineDAO) ForceRemote(p *state.DocPair) (bool, error) {
	return d.forceSync(p, state.StateSynchronized, state.StateModified, state.PairRemotelyModified)
}

// ForceRemoteCreation re-downloads the remote document as if newly created.
func (d *EngineDAO) ForceRemoteCreation(p *state.DocPair) (bool, error) {
	return d.forceSync(p, state.StateUnknown, state.StateCreated, state.PairRemotelyCreated)
}

// SetConflictState marks the pair conflicted and emits NewConflict.
func (d *EngineDAO) SetConflictState(p *state.DocPair) error {
	if _, err := d.exec("UPDATE States SET pair_state = 'conflicted' WHERE id = ?", p.ID); err != nil {
		return fmt.Errorf("failed to mark pair %d conflicted: %w", p.ID, err)
	}
	p.PairState = state.PairConflicted
	d.syncingCount.Add(-1)
	if d.cb.NewConflict != nil {
		d.cb.NewConflict(p.ID)
	}
	return nil
}
