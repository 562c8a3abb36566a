package storage

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// ListStore manages one line-oriented membership file (a ban list or a
// whitelist): one identity per line, deduplicated and sorted on every
// write. Add and Remove run the whole load-mutate-save cycle under the
// file's cross-process lock, so concurrent mutators serialize and
// re-applying a mutation is a no-op.
type ListStore struct {
	path string
}

// NewListStore returns a store for the membership file at path.
func NewListStore(path string) *ListStore {
	return &ListStore{path: path}
}

// Path returns the backing file path.
func (s *ListStore) Path() string { return s.path }

// Load returns the current membership set. A missing file is an empty set.
func (s *ListStore) Load() (map[string]bool, error) {
	var set map[string]bool
	err := WithLock(s.path, func() error {
		var err error
		set, err = s.loadLocked()
		return err
	})
	return set, err
}

func (s *ListStore) loadLocked() (map[string]bool, error) {
	set := make(map[string]bool)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			set[line] = true
		}
	}
	return set, nil
}

func (s *ListStore) saveLocked(set map[string]bool) error {
	entries := make([]string, 0, len(set))
	for entry := range set {
		entries = append(entries, entry)
	}
	sort.Strings(entries)
	content := ""
	if len(entries) > 0 {
		content = strings.Join(entries, "\n") + "\n"
	}
	return WriteFileAtomic(s.path, []byte(content), 0o644)
}

// Save atomically replaces the file with the given set.
func (s *ListStore) Save(set map[string]bool) error {
	return WithLock(s.path, func() error {
		return s.saveLocked(set)
	})
}

// Add inserts entry into the set. Adding a present entry is a no-op.
func (s *ListStore) Add(entry string) error {
	return WithLock(s.path, func() error {
		set, err := s.loadLocked()
		if err != nil {
			return err
		}
		set[entry] = true
		return s.saveLocked(set)
	})
}

// Remove deletes entry from the set. Removing an absent entry is a no-op.
func (s *ListStore) Remove(entry string) error {
	return WithLock(s.path, func() error {
		set, err := s.loadLocked()
		if err != nil {
			return err
		}
		delete(set, entry)
		return s.saveLocked(set)
	})
}

// Contains reports whether entry is in the set.
func (s *ListStore) Contains(entry string) (bool, error) {
	set, err := s.Load()
	if err != nil {
		return false, err
	}
	return set[entry], nil
}

// ServerLists bundles the two membership files of one destination.
type ServerLists struct {
	Bans      *ListStore
	Whitelist *ListStore
}

// NewServerLists returns the list stores for one destination.
func NewServerLists(banPath, whitelistPath string) *ServerLists {
	return &ServerLists{
		Bans:      NewListStore(banPath),
		Whitelist: NewListStore(whitelistPath),
	}
}
