package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ernie/deathwatch/internal/domain"
)

// JSONStore is crash-safe persistence for one small JSON document.
// Load and Save each take the cross-process lock for the target path,
// and Save replaces the file atomically.
type JSONStore struct {
	path string
}

// NewJSONStore returns a store backed by the given file path.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Path returns the backing file path.
func (s *JSONStore) Path() string { return s.path }

// Load unmarshals the document into out. A missing file leaves out
// untouched so the caller's zero value serves as the default.
func (s *JSONStore) Load(out any) error {
	return WithLock(s.path, func() error {
		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.path, err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parsing %s: %w", s.path, err)
		}
		return nil
	})
}

// Save marshals doc and atomically replaces the file.
func (s *JSONStore) Save(doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.path, err)
	}
	return WithLock(s.path, func() error {
		return WriteFileAtomic(s.path, append(data, '\n'), 0o644)
	})
}

// UsersRepository persists the subject store.
type UsersRepository struct {
	store *JSONStore
}

// NewUsersRepository returns a repository backed by path.
func NewUsersRepository(path string) *UsersRepository {
	return &UsersRepository{store: NewJSONStore(path)}
}

// Load returns the users database, empty when the file is absent.
func (r *UsersRepository) Load() (*domain.UsersDatabase, error) {
	db := domain.NewUsersDatabase()
	if err := r.store.Load(db); err != nil {
		return nil, err
	}
	if db.Users == nil {
		db.Users = make(map[string]*domain.UserRecord)
	}
	return db, nil
}

// Save persists the users database.
func (r *UsersRepository) Save(db *domain.UsersDatabase) error {
	return r.store.Save(db)
}

// CursorRepository persists the per-source byte offsets into the
// currently active log files. A cursor is rewritten only after the
// events it covers are fully reconciled, so a crash replays rather
// than skips.
type CursorRepository struct {
	store *JSONStore
}

// NewCursorRepository returns a repository backed by path.
func NewCursorRepository(path string) *CursorRepository {
	return &CursorRepository{store: NewJSONStore(path)}
}

// Load returns the cursor map, empty when the file is absent.
func (r *CursorRepository) Load() (map[string]int64, error) {
	cursors := make(map[string]int64)
	if err := r.store.Load(&cursors); err != nil {
		return nil, err
	}
	return cursors, nil
}

// Save persists the cursor map.
func (r *CursorRepository) Save(cursors map[string]int64) error {
	return r.store.Save(cursors)
}
