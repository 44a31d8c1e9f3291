package dao

import (
	"fmt"

	"github.com/steveyegge/drivesync/internal/state"
)

// toSyncCondition selects pairs that still need processor attention.
const toSyncCondition = "pair_state NOT IN ('synchronized', 'conflicted', 'unsynchronized')"

// GetStateFromID loads one pair by row id.
func (d *EngineDAO) GetStateFromID(id int64) (*state.DocPair, error) {
	return d.queryPair("SELECT "+stateColumns+" FROM States WHERE id = ?", id)
}

// GetStateFromLocal loads the pair at a workspace-relative local path.
func (d *EngineDAO) GetStateFromLocal(localPath string) (*state.DocPair, error) {
	return d.queryPair("SELECT "+stateColumns+" FROM States WHERE local_path = ?", localPath)
}

// GetStateFromRemoteRef loads a pair by its remote document id. When several
// pairs share the ref (multi-parented documents), the first is returned.
func (d *EngineDAO) GetStateFromRemoteRef(ref string) (*state.DocPair, error) {
	return d.queryPair("SELECT "+stateColumns+" FROM States WHERE remote_ref = ? LIMIT 1", ref)
}

// GetStateFromRemoteWithPath disambiguates a remote ref by its parent path.
func (d *EngineDAO) GetStateFromRemoteWithPath(ref, remoteParentPath string) (*state.DocPair, error) {
	return d.queryPair(
		"SELECT "+stateColumns+" FROM States WHERE remote_ref = ? AND remote_parent_path = ?",
		ref, remoteParentPath)
}

// GetLocalChildren lists pairs whose local parent is the given path.
func (d *EngineDAO) GetLocalChildren(localPath string) ([]*state.DocPair, error) {
	return d.queryPairs("SELECT "+stateColumns+" FROM States WHERE local_parent_path = ?", localPath)
}

// GetRemoteChildren lists pairs whose remote parent is the given ref.
func (d *EngineDAO) GetRemoteChildren(ref string) ([]*state.DocPair, error) {
	return d.queryPairs("SELECT "+stateColumns+" FROM States WHERE remote_parent_ref = ?", ref)
}

// GetNewRemoteChildren lists children of ref still awaiting their first
// download. Used to check hierarchy completeness before dispatching a
// child: its parent pair must exist and be settled first.
func (d *EngineDAO) GetNewRemoteChildren(ref string) ([]*state.DocPair, error) {
	return d.queryPairs(
		"SELECT "+stateColumns+` FROM States
         WHERE remote_parent_ref = ? AND remote_state = 'created' AND local_state = 'unknown'`,
		ref)
}

// GetStates lists every pair under a local path prefix, the pair at the
// prefix included.
func (d *EngineDAO) GetStates(localPathPrefix string) ([]*state.DocPair, error) {
	return d.queryPairs(
		"SELECT "+stateColumns+" FROM States WHERE local_path LIKE ? OR local_path = ?",
		localPathPrefix+"/%", localPathPrefix)
}

// GetConflicts lists pairs awaiting user resolution.
func (d *EngineDAO) GetConflicts() ([]*state.DocPair, error) {
	return d.queryPairs("SELECT " + stateColumns + " FROM States WHERE pair_state = 'conflicted'")
}

// GetErrors lists pairs whose error count crossed the threshold.
func (d *EngineDAO) GetErrors(threshold int) ([]*state.DocPair, error) {
	return d.queryPairs("SELECT "+stateColumns+" FROM States WHERE error_count > ?", threshold)
}

// GetUnsynchronizeds lists pairs parked out of the sync flow.
func (d *EngineDAO) GetUnsynchronizeds() ([]*state.DocPair, error) {
	return d.queryPairs("SELECT " + stateColumns + " FROM States WHERE pair_state = 'unsynchronized'")
}

// GetDedupePair finds the synchronized pair a deduplicated newcomer
// collided with: same remote name under the same remote parent.
func (d *EngineDAO) GetDedupePair(name, parentRef string) (*state.DocPair, error) {
	return d.queryPair(
		"SELECT "+stateColumns+" FROM States WHERE remote_name = ? AND remote_parent_ref = ?",
		name, parentRef)
}

// GetValidDuplicateFile finds an already-synchronized file with the given
// content digest on both sides.
func (d *EngineDAO) GetValidDuplicateFile(digest string) (*state.DocPair, error) {
	return d.queryPair(
		"SELECT "+stateColumns+` FROM States
         WHERE local_digest = ? AND remote_digest = ? AND pair_state = 'synchronized'`,
		digest, digest)
}

func (d *EngineDAO) count(condition string, args ...any) (int64, error) {
	var n int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM States WHERE "+condition, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return n, nil
}

// SyncingCount returns the number of pairs the processors still owe work
// for. The incremental cache is checked against the table and fixed when it
// drifted.
func (d *EngineDAO) SyncingCount(errorThreshold int) int64 {
	n, err := d.count(toSyncCondition+" AND error_count < ?", errorThreshold)
	if err != nil {
		return d.syncingCount.Load()
	}
	if cached := d.syncingCount.Load(); cached != n {
		d.log.Debug("syncing count cache drifted", "cached", cached, "actual", n)
		d.syncingCount.Store(n)
	}
	return n
}

// ConflictCount returns the number of conflicted pairs.
func (d *EngineDAO) ConflictCount() int64 {
	n, _ := d.count("pair_state = 'conflicted'")
	return n
}

// ErrorCount returns the number of pairs past the error threshold.
func (d *EngineDAO) ErrorCount(threshold int) int64 {
	n, _ := d.count("error_count > ?", threshold)
	return n
}

// FileCount returns the number of synchronized files.
func (d *EngineDAO) FileCount() int64 {
	n, _ := d.count("folderish = 0 AND pair_state = 'synchronized'")
	return n
}

// FolderCount returns the number of synchronized folders.
func (d *EngineDAO) FolderCount() int64 {
	n, _ := d.count("folderish = 1 AND pair_state = 'synchronized'")
	return n
}

// IsSyncDone reports whether nothing remains to dispatch.
func (d *EngineDAO) IsSyncDone(errorThreshold int) bool {
	return d.SyncingCount(errorThreshold) == 0
}

// RequeuePending replays every pair still needing work into the queue
// manager, typically right after the callbacks are wired at startup.
func (d *EngineDAO) RequeuePending() error {
	pairs, err := d.queryPairs("SELECT " + stateColumns + " FROM States WHERE " + toSyncCondition)
	if err != nil {
		return fmt.Errorf("failed to load pending pairs: %w", err)
	}
	d.syncingCount.Store(int64(len(pairs)))
	if d.cb.PairQueued == nil {
		return nil
	}
	for _, p := range pairs {
		if p.PairState == "parent_remotely_deleted" {
			continue
		}
		d.cb.PairQueued(p)
	}
	return nil
}
