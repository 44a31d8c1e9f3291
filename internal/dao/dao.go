// Package dao is the persistent state store: pair states, filters, scan
// markers, configuration, autolock entries and notifications, kept in SQLite
// files under the client data directory.
//
// Concurrency model: one *sql.DB per database; every mutating statement runs
// under the store's write mutex while reads go straight to the pool. WAL
// journaling keeps readers unblocked during writes.
package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("no such row")

// backupRetention is how long timestamped database backups are kept.
const backupRetention = 30 * 24 * time.Hour

// store is the part shared by the engine and manager DAOs: connection
// handling, pragmas, integrity checking, schema versioning and the
// Configuration table.
type store struct {
	db      *sql.DB
	path    string
	log     *slog.Logger
	writeMu sync.Mutex
}

// openStore opens (creating if needed) the database at path, recovering from
// corruption when possible, and brings the schema to targetVersion using
// migrate.
func openStore(path string, logger *slog.Logger, targetVersion int, migrate func(db *sql.DB, from int) error) (*store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := openChecked(path, logger)
	if err != nil {
		return nil, err
	}

	s := &store{db: db, path: path, log: logger}
	if err := s.applyMigrations(targetVersion, migrate); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openChecked(path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := openRaw(path)
	if err == nil {
		if ok, ierr := integrityOK(db); ierr == nil && ok {
			return db, nil
		}
		db.Close()
	}

	// Corrupted or unreadable: keep a backup of the damaged file, try to
	// salvage its content, else start from an empty database. The engine
	// notices the empty store and triggers a full rescan.
	logger.Warn("database damaged, attempting recovery", "path", path)
	if err := saveBackup(path); err != nil {
		logger.Error("failed to back up damaged database", "error", err)
	}
	if salvaged, err := salvage(path); err == nil && salvaged {
		if db, err := openRaw(path); err == nil {
			if ok, _ := integrityOK(db); ok {
				logger.Info("database salvaged", "path", path)
				return db, nil
			}
			db.Close()
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to discard damaged database: %w", err)
	}
	db, err = openRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate database: %w", err)
	}
	return db, nil
}

func openRaw(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	return db, nil
}

func integrityOK(db *sql.DB) (bool, error) {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check(1)").Scan(&result); err != nil {
		return false, err
	}
	return result == "ok", nil
}

// salvage copies every intact page into a fresh file via VACUUM INTO and
// swaps it in place. Returns false when nothing could be recovered.
func salvage(path string) (bool, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return false, err
	}
	defer db.Close()

	fresh := path + ".salvage"
	os.Remove(fresh)
	if _, err := db.Exec("VACUUM INTO ?", fresh); err != nil {
		os.Remove(fresh)
		return false, err
	}
	db.Close()
	if err := os.Rename(fresh, path); err != nil {
		return false, err
	}
	return true, nil
}

// saveBackup copies the database file into a sibling backups/ directory with
// a unix-timestamp suffix and prunes backups older than the retention.
func saveBackup(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	dir := filepath.Join(filepath.Dir(path), "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	name := fmt.Sprintf("%s_%d", filepath.Base(path), time.Now().Unix())

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy backup: %w", err)
	}

	pruneBackups(dir, filepath.Base(path))
	return nil
}

func pruneBackups(dir, base string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-backupRetention).Unix()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, base+"_") {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimPrefix(name, base+"_"), 10, 64)
		if err != nil {
			continue
		}
		if ts < cutoff {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

func (s *store) applyMigrations(target int, migrate func(db *sql.DB, from int) error) error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current >= target {
		return nil
	}
	if err := migrate(s.db, current); err != nil {
		return fmt.Errorf("failed to migrate schema from version %d: %w", current, err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	s.log.Debug("schema migrated", "from", current, "to", target)
	return nil
}

// Close checkpoints the WAL and releases the connection pool.
func (s *store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Debug("wal checkpoint failed", "error", err)
	}
	return s.db.Close()
}

// exec runs one mutating statement under the write lock.
func (s *store) exec(query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Exec(query, args...)
}

// GetConfig returns a configuration value, or def when unset.
func (s *store) GetConfig(name, def string) string {
	var value string
	err := s.db.QueryRow("SELECT value FROM Configuration WHERE name = ?", name).Scan(&value)
	if err != nil {
		return def
	}
	return value
}

// UpdateConfig sets a configuration value, deleting the row for an empty
// value.
func (s *store) UpdateConfig(name, value string) error {
	if value == "" {
		_, err := s.exec("DELETE FROM Configuration WHERE name = ?", name)
		return err
	}
	_, err := s.exec(
		"INSERT INTO Configuration (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value",
		name, value)
	return err
}

// GetConfigInt returns an integer configuration value, or def.
func (s *store) GetConfigInt(name string, def int64) int64 {
	raw := s.GetConfig(name, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// UpdateConfigInt sets an integer configuration value.
func (s *store) UpdateConfigInt(name string, value int64) error {
	return s.UpdateConfig(name, strconv.FormatInt(value, 10))
}

func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
