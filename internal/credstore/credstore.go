// Package credstore persists one credentials JSON file per account,
// exclusively owned by that account's kiroauth.Manager. Follows an
// atomic-write idiom narrowed from a directory-of-many-providers store to a
// single JSON file per Kiro account, with an fsync before rename.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/kiro-gateway/kirogate/internal/kiroauth"
)

// Store persists kiroauth.Credentials under one file per account id.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(accountID string) string {
	return filepath.Join(s.dir, accountID+".json")
}

// Load reads an account's credentials file.
func (s *Store) Load(accountID string) (kiroauth.Credentials, error) {
	data, err := os.ReadFile(s.pathFor(accountID))
	if err != nil {
		return kiroauth.Credentials{}, fmt.Errorf("credstore: read %s: %w", accountID, err)
	}
	var creds kiroauth.Credentials
	if err = json.Unmarshal(data, &creds); err != nil {
		return kiroauth.Credentials{}, fmt.Errorf("credstore: unmarshal %s: %w", accountID, err)
	}
	return creds, nil
}

// SaveCredentials implements kiroauth.Persister. It skips the write
// entirely when the new value is semantically identical to what's on
// disk, avoiding needless fsyncs on a no-op refresh.
func (s *Store) SaveCredentials(accountID string, creds kiroauth.Credentials) error {
	path := s.pathFor(accountID)
	newData, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal %s: %w", accountID, err)
	}

	if existing, readErr := os.ReadFile(path); readErr == nil {
		var existingCreds kiroauth.Credentials
		if json.Unmarshal(existing, &existingCreds) == nil && reflect.DeepEqual(existingCreds, creds) {
			return nil
		}
	}

	return atomicWriteFile(path, newData, 0o600)
}

// Delete removes an account's credentials file.
func (s *Store) Delete(accountID string) error {
	if err := os.Remove(s.pathFor(accountID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credstore: delete %s: %w", accountID, err)
	}
	return nil
}

// atomicWriteFile writes data to a sibling temp file, fsyncs it, then
// renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("credstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: fsync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: rename temp file: %w", err)
	}
	return nil
}
