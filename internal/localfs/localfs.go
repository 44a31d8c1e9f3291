// Package localfs is the engine's view of the synchronized folder: entry
// metadata, content digests, dedup naming and the atomic file operations the
// processor relies on.
package localfs

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PartSuffix marks in-progress downloads; the scanner and the ignore rules
// both skip it.
const PartSuffix = ".nxpart"

// Info describes one entry under the root, with workspace-relative paths
// (leading slash, forward slashes).
type Info struct {
	Path         string
	Name         string
	Folderish    bool
	Size         int64
	LastModified time.Time
}

// Client wraps all filesystem access below a single root.
type Client struct {
	root string
}

// NewClient returns a client rooted at the given absolute directory.
func NewClient(root string) *Client {
	return &Client{root: filepath.Clean(root)}
}

// Root returns the absolute root directory.
func (c *Client) Root() string { return c.root }

// Abs converts a workspace-relative path to an absolute one.
func (c *Client) Abs(rel string) string {
	return filepath.Join(c.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}

// Rel converts an absolute path under the root to its workspace-relative
// form.
func (c *Client) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", abs, err)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// Exists reports whether the workspace-relative path exists.
func (c *Client) Exists(rel string) bool {
	_, err := os.Lstat(c.Abs(rel))
	return err == nil
}

// Info stats one entry.
func (c *Client) Info(rel string) (Info, error) {
	fi, err := os.Stat(c.Abs(rel))
	if err != nil {
		return Info{}, err
	}
	return c.infoFrom(rel, fi), nil
}

func (c *Client) infoFrom(rel string, fi os.FileInfo) Info {
	return Info{
		Path:         rel,
		Name:         fi.Name(),
		Folderish:    fi.IsDir(),
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}
}

// Children lists the direct children of a workspace-relative directory,
// sorted by name for deterministic scans.
func (c *Client) Children(rel string) ([]Info, error) {
	entries, err := os.ReadDir(c.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", rel, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		child := path.Join(rel, entry.Name())
		if rel == "/" {
			child = "/" + entry.Name()
		}
		infos = append(infos, c.infoFrom(child, fi))
	}
	return infos, nil
}

// Digest computes the content hash of a file using the given algorithm
// ("md5" when empty).
func (c *Client) Digest(rel, algorithm string) (string, error) {
	h, err := hasherFor(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(c.Abs(rel))
	if err != nil {
		return "", fmt.Errorf("failed to open %s for digest: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to digest %s: %w", rel, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hasherFor(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "", "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unknown digest algorithm %q", algorithm)
}

// AlgorithmForDigest guesses the hash algorithm from a hex digest length.
// Servers may use different algorithms per storage backend, so equality
// checks recompute under the remote algorithm when lengths differ.
func AlgorithmForDigest(digest string) string {
	switch len(digest) {
	case 32:
		return "md5"
	case 40:
		return "sha1"
	case 64:
		return "sha256"
	}
	return ""
}

// MkDir creates a directory and its parents.
func (c *Client) MkDir(rel string) error {
	if err := os.MkdirAll(c.Abs(rel), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", rel, err)
	}
	return nil
}

// Rename renames an entry within its parent and returns the new relative
// path.
func (c *Client) Rename(rel, newName string) (string, error) {
	parent := path.Dir(rel)
	target := path.Join(parent, newName)
	if err := os.Rename(c.Abs(rel), c.Abs(target)); err != nil {
		return "", fmt.Errorf("failed to rename %s: %w", rel, err)
	}
	return target, nil
}

// Move relocates an entry under a new parent directory and returns the new
// relative path.
func (c *Client) Move(rel, newParent string) (string, error) {
	target := path.Join(newParent, path.Base(rel))
	if err := os.Rename(c.Abs(rel), c.Abs(target)); err != nil {
		return "", fmt.Errorf("failed to move %s to %s: %w", rel, newParent, err)
	}
	return target, nil
}

// Delete removes an entry, recursively for directories.
func (c *Client) Delete(rel string) error {
	if err := os.RemoveAll(c.Abs(rel)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// TempPath returns the in-progress download path next to the final target.
func (c *Client) TempPath(rel string) string {
	return rel + PartSuffix
}

// CommitTemp atomically moves a finished download into place.
func (c *Client) CommitTemp(tempRel, finalRel string) error {
	if err := os.Rename(c.Abs(tempRel), c.Abs(finalRel)); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", finalRel, err)
	}
	return nil
}

// DedupedName returns a free name for rel's basename by appending "__<n>"
// before the extension until no sibling collides.
func (c *Client) DedupedName(parentRel, name string) string {
	if !c.Exists(path.Join(parentRel, name)) {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s__%d%s", base, n, ext)
		if !c.Exists(path.Join(parentRel, candidate)) {
			return candidate
		}
	}
}

// IsCaseSensitive probes whether the root filesystem distinguishes names
// differing only by case.
func (c *Client) IsCaseSensitive() bool {
	f, err := os.CreateTemp(c.root, "case-*.abc")
	if err != nil {
		return true
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)
	_, err = os.Stat(strings.ToUpper(name))
	return os.IsNotExist(err)
}

// CleanPartials removes leftover in-progress downloads below rel, typically
// after a crash.
func (c *Client) CleanPartials(rel string) error {
	return filepath.WalkDir(c.Abs(rel), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), PartSuffix) {
			os.Remove(p)
		}
		return nil
	})
}
