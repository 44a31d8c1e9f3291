package dao

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/steveyegge/drivesync/internal/state"
)

// engineSchemaVersion is the current engine database schema. Version 1
// predates the last_transfer and creation_date columns.
const engineSchemaVersion = 2

// Configuration keys used by the engine.
const (
	ConfigRemoteLastEventLogID = "remote_last_event_log_id"
	ConfigRemoteLastFullScan   = "remote_last_full_scan"
)

const engineSchema = `
CREATE TABLE IF NOT EXISTS Configuration (
    name    VARCHAR NOT NULL PRIMARY KEY,
    value   VARCHAR
);
CREATE TABLE IF NOT EXISTS States (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    last_local_updated      VARCHAR,
    last_remote_updated     VARCHAR,
    local_digest            VARCHAR,
    remote_digest           VARCHAR,
    local_path              VARCHAR,
    local_parent_path       VARCHAR,
    local_name              VARCHAR,
    remote_ref              VARCHAR,
    remote_parent_ref       VARCHAR,
    remote_parent_path      VARCHAR,
    remote_name             VARCHAR,
    size                    INTEGER DEFAULT 0,
    folderish               INTEGER DEFAULT 0,
    local_state             VARCHAR DEFAULT 'unknown',
    remote_state            VARCHAR DEFAULT 'unknown',
    pair_state              VARCHAR DEFAULT 'unknown',
    remote_can_rename       INTEGER DEFAULT 1,
    remote_can_delete       INTEGER DEFAULT 1,
    remote_can_update       INTEGER DEFAULT 1,
    remote_can_create_child INTEGER DEFAULT 1,
    last_remote_modifier    VARCHAR,
    last_sync_date          VARCHAR,
    error_count             INTEGER DEFAULT 0,
    last_sync_error_date    VARCHAR,
    last_error              VARCHAR,
    last_error_details      TEXT,
    version                 INTEGER DEFAULT 0,
    processor               INTEGER DEFAULT 0,
    last_transfer           VARCHAR,
    creation_date           VARCHAR,
    UNIQUE(remote_ref, remote_parent_ref),
    UNIQUE(remote_ref, local_path)
);
CREATE INDEX IF NOT EXISTS idx_states_local_path ON States(local_path);
CREATE INDEX IF NOT EXISTS idx_states_pair_state ON States(pair_state);
CREATE TABLE IF NOT EXISTS Filters (
    path    VARCHAR NOT NULL PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS RemoteScan (
    path    VARCHAR NOT NULL PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS ToRemoteScan (
    path    VARCHAR NOT NULL PRIMARY KEY
);
`

const stateColumns = `id, last_local_updated, last_remote_updated, local_digest, remote_digest,
    local_path, local_parent_path, local_name, remote_ref, remote_parent_ref, remote_parent_path,
    remote_name, size, folderish, local_state, remote_state, pair_state,
    remote_can_rename, remote_can_delete, remote_can_update, remote_can_create_child,
    last_remote_modifier, last_sync_date, error_count, last_sync_error_date, last_error,
    last_error_details, version, processor, last_transfer, creation_date`

// Callbacks are the DAO-to-engine notifications. All fields are optional;
// they fire synchronously from the mutating call, after the row is durable.
type Callbacks struct {
	// NewConflict fires when a pair enters the conflicted state.
	NewConflict func(pairID int64)
	// PairQueued hands a pending pair to the queue manager.
	PairQueued func(pair *state.DocPair)
	// TransferDone fires after a synchronize commits.
	TransferDone func(pairID int64)
}

// EngineDAO is the per-engine store holding the States table, filters and
// scan markers.
type EngineDAO struct {
	*store
	cb Callbacks

	// queueing gates PairQueued emission during bulk scans.
	queueing atomic.Bool
	// syncingCount caches the number of pairs waiting for the processor;
	// SyncingCount recomputes from the table when the cache drifts.
	syncingCount atomic.Int64
}

// OpenEngine opens (or creates) the engine database at path.
func OpenEngine(path string, logger *slog.Logger) (*EngineDAO, error) {
	s, err := openStore(path, logger, engineSchemaVersion, migrateEngine)
	if err != nil {
		return nil, err
	}
	dao := &EngineDAO{store: s}
	dao.queueing.Store(true)
	if err := dao.ReinitProcessors(); err != nil {
		s.Close()
		return nil, err
	}
	return dao, nil
}

// SetCallbacks wires the engine-side observers. Call before any watcher or
// processor starts.
func (d *EngineDAO) SetCallbacks(cb Callbacks) { d.cb = cb }

// SuspendQueueing stops PairQueued notifications, typically for the span of
// a bulk scan; pending states are replayed by RequeuePending.
func (d *EngineDAO) SuspendQueueing() { d.queueing.Store(false) }

// ResumeQueueing re-enables PairQueued notifications.
func (d *EngineDAO) ResumeQueueing() { d.queueing.Store(true) }

func migrateEngine(db *sql.DB, from int) error {
	if from == 0 {
		_, err := db.Exec(engineSchema)
		return err
	}
	if from == 1 {
		return rebuildStates(db)
	}
	return nil
}

// rebuildStates upgrades a version-1 States table by renaming it aside,
// recreating the current schema and copying the intersection of columns.
// The last_transfer column is backfilled from the update timestamps.
func rebuildStates(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("ALTER TABLE States RENAME TO States_old"); err != nil {
		return fmt.Errorf("failed to rename States: %w", err)
	}
	if _, err := tx.Exec(engineSchema); err != nil {
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	oldCols, err := tableColumns(tx, "States_old")
	if err != nil {
		return err
	}
	newCols, err := tableColumns(tx, "States")
	if err != nil {
		return err
	}
	var common []string
	for _, col := range newCols {
		for _, old := range oldCols {
			if col == old {
				common = append(common, col)
				break
			}
		}
	}
	cols := strings.Join(common, ", ")
	if _, err := tx.Exec(fmt.Sprintf("INSERT INTO States (%s) SELECT %s FROM States_old", cols, cols)); err != nil {
		return fmt.Errorf("failed to copy states: %w", err)
	}
	if _, err := tx.Exec(`UPDATE States SET last_transfer = CASE
            WHEN last_local_updated > last_remote_updated THEN 'upload'
            ELSE 'download' END
        WHERE last_transfer IS NULL AND pair_state = 'synchronized'`); err != nil {
		return fmt.Errorf("failed to backfill last_transfer: %w", err)
	}
	if _, err := tx.Exec("DROP TABLE States_old"); err != nil {
		return fmt.Errorf("failed to drop scratch table: %w", err)
	}
	// The table rename dragged the old indexes along; recreate them now
	// that the scratch table is gone.
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_states_local_path ON States(local_path);
        CREATE INDEX IF NOT EXISTS idx_states_pair_state ON States(pair_state)`); err != nil {
		return fmt.Errorf("failed to recreate indexes: %w", err)
	}
	return tx.Commit()
}

func tableColumns(tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(r rowScanner) (*state.DocPair, error) {
	var p state.DocPair
	var lastLocal, lastRemote, localDigest, remoteDigest sql.NullString
	var localPath, localParentPath, localName sql.NullString
	var remoteRef, remoteParentRef, remoteParentPath, remoteName sql.NullString
	var lastModifier, lastSync, lastErrDate, lastErr, lastErrDetails, lastTransfer, created sql.NullString

	err := r.Scan(
		&p.ID, &lastLocal, &lastRemote, &localDigest, &remoteDigest,
		&localPath, &localParentPath, &localName,
		&remoteRef, &remoteParentRef, &remoteParentPath, &remoteName,
		&p.Size, &p.Folderish, &p.LocalState, &p.RemoteState, &p.PairState,
		&p.RemoteCanRename, &p.RemoteCanDelete, &p.RemoteCanUpdate, &p.RemoteCanCreateChild,
		&lastModifier, &lastSync, &p.ErrorCount, &lastErrDate, &lastErr,
		&lastErrDetails, &p.Version, &p.Processor, &lastTransfer, &created,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan pair: %w", err)
	}

	p.LastLocalUpdated = nullStringToTime(lastLocal)
	p.LastRemoteUpdated = nullStringToTime(lastRemote)
	p.LocalDigest = localDigest.String
	p.RemoteDigest = remoteDigest.String
	p.LocalPath = localPath.String
	p.LocalParentPath = localParentPath.String
	p.LocalName = localName.String
	p.RemoteRef = remoteRef.String
	p.RemoteParentRef = remoteParentRef.String
	p.RemoteParentPath = remoteParentPath.String
	p.RemoteName = remoteName.String
	p.LastRemoteModifier = lastModifier.String
	p.LastSyncDate = nullStringToTime(lastSync)
	p.LastSyncErrorDate = nullStringToTime(lastErrDate)
	p.LastError = lastErr.String
	p.LastErrorDetails = lastErrDetails.String
	p.LastTransfer = lastTransfer.String
	p.CreationDate = nullStringToTime(created)
	return &p, nil
}

func (d *EngineDAO) queryPairs(query string, args ...any) ([]*state.DocPair, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	var pairs []*state.DocPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (d *EngineDAO) queryPair(query string, args ...any) (*state.DocPair, error) {
	return scanPair(d.db.QueryRow(query, args...))
}

// queuePair decides what to do with a freshly mutated pair: conflicts raise
// NewConflict, terminal states are dropped, everything else goes to the
// queue manager.
func (d *EngineDAO) queuePair(p *state.DocPair) {
	switch p.PairState {
	case "", state.PairSynchronized, state.PairUnsynchronized:
		return
	case state.PairConflicted:
		if d.cb.NewConflict != nil {
			d.cb.NewConflict(p.ID)
		}
		return
	}
	d.syncingCount.Add(1)
	if d.queueing.Load() && d.cb.PairQueued != nil {
		d.cb.PairQueued(p)
	}
}

// queuePairByID reloads the row and queues it.
func (d *EngineDAO) queuePairByID(id int64) {
	p, err := d.GetStateFromID(id)
	if err != nil {
		return
	}
	d.queuePair(p)
}
