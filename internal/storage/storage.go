// Package storage persists the provider session token between runs.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONStorage keeps a single token in a JSON file.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
}

// NewJSONStorage creates a file-backed store. The file is not touched until
// the first Load or Save.
func NewJSONStorage(path string) *JSONStorage {
	return &JSONStorage{filepath: path}
}

// Path returns the backing file path.
func (s *JSONStorage) Path() string {
	return s.filepath
}

// Load reads the persisted token.
func (s *JSONStorage) Load() (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token file: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("decoding token file: empty access_token")
	}
	return &tok, nil
}

// Save writes the token atomically via a temp file and rename.
func (s *JSONStorage) Save(token *Token) error {
	if token == nil {
		return fmt.Errorf("saving token: nil token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filepath), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

// Delete removes the persisted token. A missing file is not an error.
func (s *JSONStorage) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filepath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting token file: %w", err)
	}
	return nil
}
