// Package xattr persists the remote document reference on local files and
// folders, so identity survives moves and renames done outside the client.
//
// On filesystems with extended-attribute support the reference lives in the
// "user.drivesync.ref" attribute. When the filesystem rejects xattrs the
// store falls back to a sidecar index file kept at the root of the
// synchronized folder.
package xattr

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	attrName    = "user.drivesync.ref"
	sidecarName = ".drivesync-refs"
)

// ErrNoRef is returned when an entry carries no remote reference.
var ErrNoRef = errors.New("no remote reference attribute")

// Store reads and writes remote references for entries under root.
type Store struct {
	root string

	mu      sync.Mutex
	sidecar map[string]string // rel path -> ref, loaded lazily
	loaded  bool
}

// NewStore returns a store for the given synchronized root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// SetRef attaches the remote reference to the entry at abs.
func (s *Store) SetRef(abs, ref string) error {
	err := setxattr(abs, attrName, []byte(ref))
	if err == nil {
		return nil
	}
	if !fallbackError(err) {
		return fmt.Errorf("failed to set ref on %s: %w", abs, err)
	}
	return s.sidecarSet(abs, ref)
}

// GetRef returns the remote reference of the entry at abs, or ErrNoRef.
func (s *Store) GetRef(abs string) (string, error) {
	val, err := getxattr(abs, attrName)
	if err == nil {
		return string(val), nil
	}
	if !fallbackError(err) {
		return "", ErrNoRef
	}
	return s.sidecarGet(abs)
}

// RemoveRef detaches the remote reference from the entry at abs. Removing a
// missing reference is not an error.
func (s *Store) RemoveRef(abs string) error {
	err := removexattr(abs, attrName)
	if err == nil || !fallbackError(err) {
		return nil
	}
	return s.sidecarRemove(abs)
}

// MoveRef transfers the sidecar entry when a file moved; xattrs travel with
// the inode so only the fallback index needs fixing.
func (s *Store) MoveRef(oldAbs, newAbs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadSidecarLocked(); err != nil {
		return err
	}
	oldRel, err := s.rel(oldAbs)
	if err != nil {
		return err
	}
	ref, ok := s.sidecar[oldRel]
	if !ok {
		return nil
	}
	newRel, err := s.rel(newAbs)
	if err != nil {
		return err
	}
	delete(s.sidecar, oldRel)
	s.sidecar[newRel] = ref
	return s.saveSidecarLocked()
}

func (s *Store) rel(abs string) (string, error) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", abs, err)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Store) sidecarSet(abs, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadSidecarLocked(); err != nil {
		return err
	}
	rel, err := s.rel(abs)
	if err != nil {
		return err
	}
	s.sidecar[rel] = ref
	return s.saveSidecarLocked()
}

func (s *Store) sidecarGet(abs string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadSidecarLocked(); err != nil {
		return "", err
	}
	rel, err := s.rel(abs)
	if err != nil {
		return "", err
	}
	ref, ok := s.sidecar[rel]
	if !ok {
		return "", ErrNoRef
	}
	return ref, nil
}

func (s *Store) sidecarRemove(abs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadSidecarLocked(); err != nil {
		return err
	}
	rel, err := s.rel(abs)
	if err != nil {
		return err
	}
	if _, ok := s.sidecar[rel]; !ok {
		return nil
	}
	delete(s.sidecar, rel)
	return s.saveSidecarLocked()
}

func (s *Store) loadSidecarLocked() error {
	if s.loaded {
		return nil
	}
	s.sidecar = make(map[string]string)
	f, err := os.Open(filepath.Join(s.root, sidecarName))
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("failed to open ref index: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		path, ref, ok := strings.Cut(line, "\t")
		if ok && path != "" {
			s.sidecar[path] = ref
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read ref index: %w", err)
	}
	s.loaded = true
	return nil
}

func (s *Store) saveSidecarLocked() error {
	target := filepath.Join(s.root, sidecarName)
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to write ref index: %w", err)
	}
	w := bufio.NewWriter(f)
	for path, ref := range s.sidecar {
		fmt.Fprintf(w, "%s\t%s\n", path, ref)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush ref index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close ref index: %w", err)
	}
	return os.Rename(tmp, target)
}
