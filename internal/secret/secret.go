// Package secret stores credentials by key. FileStore keeps all secrets in a
// single owner-only JSON file replaced atomically on every write, which is the
// portable stand-in for a platform keychain.
package secret

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// FilePerms restricts the secrets file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the secrets directory.
const DirPerms = 0o700

// TokenKey is the slot holding the ingestion service OAuth token.
const TokenKey = "ingest.token"

// ErrNotFound is returned by Get when no secret exists for the key.
var ErrNotFound = errors.New("secret: not found")

// Store is a get/set/delete-by-key secret store.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// FileStore is a Store backed by one JSON file. Safe for concurrent use
// within a process.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore at path. The file is created on first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the secret for key or ErrNotFound.
func (s *FileStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}

	v, ok := all[key]
	if !ok {
		return nil, ErrNotFound
	}

	return v, nil
}

// Set stores value under key, replacing any previous value.
func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}

	all[key] = value

	return s.save(all)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}

	if _, ok := all[key]; !ok {
		return nil
	}

	delete(all, key)

	return s.save(all)
}

func (s *FileStore) load() (map[string][]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string][]byte), nil
	}

	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", s.path, err)
	}

	all := make(map[string][]byte)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("secret: decoding %s: %w", s.path, err)
	}

	return all, nil
}

// save writes the secrets file atomically (write-to-temp + rename) with
// 0600 permissions. Never logs secret values.
func (s *FileStore) save(all map[string][]byte) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("secret: encoding: %w", err)
	}

	dir := filepath.Dir(s.path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("secret: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("secret: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("secret: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secret: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("secret: renaming: %w", err)
	}

	success = true

	return nil
}

// LoadToken reads the OAuth token stored under TokenKey. Returns (nil, nil)
// when no token has been stored.
func LoadToken(s Store) (*oauth2.Token, error) {
	data, err := s.Get(TokenKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, err
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("secret: decoding token: %w", err)
	}

	return &tok, nil
}

// SaveToken stores tok under TokenKey.
func SaveToken(s Store, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("secret: encoding token: %w", err)
	}

	return s.Set(TokenKey, data)
}
