package dao

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const managerSchemaVersion = 1

const managerSchema = `
CREATE TABLE IF NOT EXISTS Configuration (
    name    VARCHAR NOT NULL PRIMARY KEY,
    value   VARCHAR
);
CREATE TABLE IF NOT EXISTS AutoLock (
    path        VARCHAR NOT NULL PRIMARY KEY,
    process     INTEGER,
    remote_id   VARCHAR
);
CREATE TABLE IF NOT EXISTS Notifications (
    uid         VARCHAR NOT NULL PRIMARY KEY,
    engine_uid  VARCHAR,
    level       VARCHAR,
    title       VARCHAR,
    description VARCHAR,
    created     VARCHAR
);
`

// ManagerDAO is the global store shared by all bound engines: client
// configuration, autolock entries and notifications.
type ManagerDAO struct {
	*store
}

// OpenManager opens (or creates) the manager database at path.
func OpenManager(path string, logger *slog.Logger) (*ManagerDAO, error) {
	s, err := openStore(path, logger, managerSchemaVersion, func(db *sql.DB, from int) error {
		if from == 0 {
			_, err := db.Exec(managerSchema)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ManagerDAO{store: s}, nil
}

// LockedPath is one persisted autolock entry.
type LockedPath struct {
	Path      string
	ProcessID int64
	RemoteRef string
}

// LockPath records a document as locked on behalf of the given process.
// Re-locking an already-locked path updates the process and remote ref.
func (m *ManagerDAO) LockPath(path string, pid int64, remoteRef string) error {
	_, err := m.exec(
		"INSERT OR REPLACE INTO AutoLock (path, process, remote_id) VALUES (?, ?, ?)",
		path, pid, remoteRef)
	if err != nil {
		return fmt.Errorf("failed to lock path %s: %w", path, err)
	}
	return nil
}

// UnlockPath forgets the autolock entry for path.
func (m *ManagerDAO) UnlockPath(path string) error {
	_, err := m.exec("DELETE FROM AutoLock WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("failed to unlock path %s: %w", path, err)
	}
	return nil
}

// GetLockedPaths lists every persisted autolock entry.
func (m *ManagerDAO) GetLockedPaths() ([]LockedPath, error) {
	rows, err := m.db.Query("SELECT path, process, remote_id FROM AutoLock")
	if err != nil {
		return nil, fmt.Errorf("failed to list locked paths: %w", err)
	}
	defer rows.Close()
	var locks []LockedPath
	for rows.Next() {
		var l LockedPath
		if err := rows.Scan(&l.Path, &l.ProcessID, &l.RemoteRef); err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// Notification is a user-facing message surfaced by the GUI layer.
type Notification struct {
	UID         string
	EngineUID   string
	Level       string
	Title       string
	Description string
	Created     time.Time
}

// InsertNotification stores (or refreshes) a notification.
func (m *ManagerDAO) InsertNotification(n Notification) error {
	_, err := m.exec(
		`INSERT OR REPLACE INTO Notifications (uid, engine_uid, level, title, description, created)
         VALUES (?, ?, ?, ?, ?, ?)`,
		n.UID, n.EngineUID, n.Level, n.Title, n.Description,
		timeToNullString(n.Created))
	if err != nil {
		return fmt.Errorf("failed to insert notification %s: %w", n.UID, err)
	}
	return nil
}

// DiscardNotification removes a notification by uid.
func (m *ManagerDAO) DiscardNotification(uid string) error {
	_, err := m.exec("DELETE FROM Notifications WHERE uid = ?", uid)
	return err
}

// GetNotifications lists stored notifications, newest first.
func (m *ManagerDAO) GetNotifications() ([]Notification, error) {
	rows, err := m.db.Query(
		"SELECT uid, engine_uid, level, title, description, created FROM Notifications ORDER BY created DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		var created string
		if err := rows.Scan(&n.UID, &n.EngineUID, &n.Level, &n.Title, &n.Description, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			n.Created = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
