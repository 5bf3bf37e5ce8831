package account

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

// Store loads and persists the account pool. Implementations must be
// crash-safe: a failed Save never corrupts the previous state.
type Store interface {
	Load(ctx context.Context) (*Pool, error)
	Save(ctx context.Context, pool *Pool) error
}

// FileStore keeps the pool as pretty-printed JSON on disk, written
// atomically via a temp file and rename.
type FileStore struct {
	path string
	log  *utils.Logger
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string, log *utils.Logger) *FileStore {
	if log == nil {
		log = utils.Default()
	}
	return &FileStore{path: path, log: log}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the pool from disk. A missing or unreadable file yields
// an empty pool rather than an error, so a fresh install boots cleanly.
func (s *FileStore) Load(_ context.Context) (*Pool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("[AccountStore] Failed to read %s: %v", s.path, err)
		}
		return NewPool(), nil
	}

	pool := NewPool()
	if err := json.Unmarshal(data, pool); err != nil {
		s.log.Error("[AccountStore] Failed to parse %s: %v", s.path, err)
		return NewPool(), nil
	}

	pool.Normalize()
	s.log.Info("[AccountStore] Loaded %d account(s) from %s", len(pool.Accounts), s.path)
	return pool, nil
}

// Save writes the pool atomically with 0600 permissions.
func (s *FileStore) Save(_ context.Context, pool *Pool) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	ok = true
	return nil
}
