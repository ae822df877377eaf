// Package secrets stores small credentials in the OS keychain, falling
// back to a 0600 JSON file when no keychain is available (headless
// Linux, CI).
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

// Store reads and writes named secrets. Keychain first, file second.
type Store struct {
	mu           sync.Mutex
	service      string
	fallbackPath string
	// disableKeyring skips the OS keychain entirely; used by tests.
	disableKeyring bool
}

// NewStore returns a store for the given keychain service name with a
// file fallback under dataDir.
func NewStore(service, dataDir string) *Store {
	return &Store{
		service:      service,
		fallbackPath: filepath.Join(dataDir, "secrets.json"),
	}
}

// NewFileStore returns a store that never touches the OS keychain and
// keeps everything in the file fallback. Useful for tests and headless
// deployments.
func NewFileStore(service, dataDir string) *Store {
	s := NewStore(service, dataDir)
	s.disableKeyring = true
	return s
}

// Get returns the secret for key, or "" when absent.
func (s *Store) Get(key string) string {
	if !s.disableKeyring {
		if v, err := keyring.Get(s.service, key); err == nil && v != "" {
			return v
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadFallback()[key]
}

// Set stores the secret, preferring the keychain.
func (s *Store) Set(key, value string) error {
	if !s.disableKeyring {
		if err := keyring.Set(s.service, key, value); err == nil {
			return nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.loadFallback()
	data[key] = value
	return s.saveFallback(data)
}

// Delete removes the secret from both backends.
func (s *Store) Delete(key string) {
	if !s.disableKeyring {
		_ = keyring.Delete(s.service, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.loadFallback()
	if _, ok := data[key]; ok {
		delete(data, key)
		_ = s.saveFallback(data)
	}
}

func (s *Store) loadFallback() map[string]string {
	raw, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		return map[string]string{}
	}
	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		return map[string]string{}
	}
	return data
}

func (s *Store) saveFallback(data map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.fallbackPath), 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	if err := os.WriteFile(s.fallbackPath, raw, 0o600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}
