package dao

import (
	"fmt"
	"strings"
)

// Filters are remote path prefixes excluded from sync. They are stored with
// a trailing slash so prefix matching never confuses "/a" with "/ab".

func normalizeFilter(path string) string {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

// AddFilter installs a filter prefix. Idempotent: a prefix already covered
// by an existing filter is a no-op; descendant filters collapse into the new
// one, and pending remote scans under the prefix are cancelled.
func (d *EngineDAO) AddFilter(path string) error {
	path = normalizeFilter(path)
	if d.IsFilter(path) {
		return nil
	}
	if _, err := d.exec("DELETE FROM Filters WHERE path LIKE ?", path+"%"); err != nil {
		return fmt.Errorf("failed to drop descendant filters of %s: %w", path, err)
	}
	if _, err := d.exec("INSERT INTO Filters (path) VALUES (?)", path); err != nil {
		return fmt.Errorf("failed to add filter %s: %w", path, err)
	}
	if _, err := d.exec("DELETE FROM ToRemoteScan WHERE path LIKE ?", path+"%"); err != nil {
		return fmt.Errorf("failed to cancel scans under %s: %w", path, err)
	}
	return nil
}

// RemoveFilter uninstalls the filter and any filter below it.
func (d *EngineDAO) RemoveFilter(path string) error {
	path = normalizeFilter(path)
	if _, err := d.exec("DELETE FROM Filters WHERE path LIKE ?", path+"%"); err != nil {
		return fmt.Errorf("failed to remove filter %s: %w", path, err)
	}
	return nil
}

// GetFilters lists the installed filter prefixes.
func (d *EngineDAO) GetFilters() ([]string, error) {
	rows, err := d.db.Query("SELECT path FROM Filters ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("failed to list filters: %w", err)
	}
	defer rows.Close()
	var filters []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		filters = append(filters, path)
	}
	return filters, rows.Err()
}

// IsFilter reports whether the path falls under an installed filter.
func (d *EngineDAO) IsFilter(path string) bool {
	path = normalizeFilter(path)
	filters, err := d.GetFilters()
	if err != nil {
		return false
	}
	for _, f := range filters {
		if strings.HasPrefix(path, f) {
			return true
		}
	}
	return false
}

// Scan markers track remote subtree enumeration: RemoteScan holds prefixes
// already walked since the last bind, ToRemoteScan holds prefixes queued for
// a (re)walk after a failure or truncated change log.

// AddPathToScan queues a remote path prefix for enumeration.
func (d *EngineDAO) AddPathToScan(path string) error {
	_, err := d.exec("INSERT OR REPLACE INTO ToRemoteScan (path) VALUES (?)", path)
	if err != nil {
		return fmt.Errorf("failed to queue scan of %s: %w", path, err)
	}
	return nil
}

// DeletePathToScan removes a queued scan prefix.
func (d *EngineDAO) DeletePathToScan(path string) error {
	_, err := d.exec("DELETE FROM ToRemoteScan WHERE path = ?", path)
	return err
}

// GetPathsToScan lists the queued scan prefixes.
func (d *EngineDAO) GetPathsToScan() ([]string, error) {
	return d.listPaths("SELECT path FROM ToRemoteScan")
}

// AddPathScanned records a remote prefix as fully enumerated.
func (d *EngineDAO) AddPathScanned(path string) error {
	_, err := d.exec("INSERT OR REPLACE INTO RemoteScan (path) VALUES (?)", path)
	if err != nil {
		return fmt.Errorf("failed to mark %s scanned: %w", path, err)
	}
	return nil
}

// IsPathScanned reports whether the exact prefix was already enumerated.
func (d *EngineDAO) IsPathScanned(path string) bool {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM RemoteScan WHERE path = ?", path).Scan(&n)
	return err == nil && n > 0
}

// CleanScanned forgets all scanned prefixes; the next full scan starts
// fresh.
func (d *EngineDAO) CleanScanned() error {
	_, err := d.exec("DELETE FROM RemoteScan")
	return err
}

func (d *EngineDAO) listPaths(query string) ([]string, error) {
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list paths: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
