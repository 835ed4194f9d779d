package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/crypto"
)

// Package secrets owns the encrypted keychain blob and the non-secret
// connector settings file. It is the only writer of either file.
//
// Layout under the data directory:
//   keychain.key     32-byte master key, 0600
//   keychain.enc     AES-GCM-sealed JSON (devices, user account, API keys)
//   connectors.json  plain JSON connector settings

// Device is the identity of a client that completed pairing. Tokens are
// never regenerated; expiry is evaluated at check time by the pairing
// manager.
type Device struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Token    string     `json:"token"`
	PairedAt time.Time  `json:"pairedAt"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	UserID   string     `json:"userId,omitempty"`
}

// UserAccount is the optional linked backend account record.
type UserAccount struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Token string `json:"token,omitempty"`
}

// Keychain is the decrypted content of keychain.enc.
type Keychain struct {
	Devices []Device          `json:"devices"`
	User    *UserAccount      `json:"user,omitempty"`
	APIKeys map[string]string `json:"apiKeys,omitempty"`
}

// Store reads and writes the keychain and connector settings. Loads are
// lazy on first access and cached for the process lifetime; writes are
// atomic (write-to-temp then rename).
type Store struct {
	dataDir string
	box     *crypto.Box
	logger  *zap.Logger

	mu         sync.Mutex
	keychain   *Keychain
	connectors map[string]any

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewStore opens (or initializes) the store under dataDir.
func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	key, err := crypto.LoadOrCreateKey(filepath.Join(dataDir, "keychain.key"))
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		return nil, err
	}
	return &Store{
		dataDir: dataDir,
		box:     box,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

func (s *Store) keychainPath() string   { return filepath.Join(s.dataDir, "keychain.enc") }
func (s *Store) connectorsPath() string { return filepath.Join(s.dataDir, "connectors.json") }

// Keychain returns the cached keychain, loading it on first access.
// Unparseable persisted state logs a warning and falls back to an empty
// keychain; the gateway never crashes on bad state.
func (s *Store) Keychain() (*Keychain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keychainLocked()
}

func (s *Store) keychainLocked() (*Keychain, error) {
	if s.keychain != nil {
		return s.keychain, nil
	}
	kc := &Keychain{APIKeys: map[string]string{}}
	blob, err := os.ReadFile(s.keychainPath())
	switch {
	case os.IsNotExist(err):
		// first run
	case err != nil:
		return nil, fmt.Errorf("read keychain: %w", err)
	default:
		plaintext, err := s.box.Open(blob)
		if err != nil {
			s.logger.Warn("keychain blob unreadable, starting empty", zap.Error(err))
			break
		}
		if err := json.Unmarshal(plaintext, kc); err != nil {
			s.logger.Warn("keychain JSON unparseable, starting empty", zap.Error(err))
			kc = &Keychain{APIKeys: map[string]string{}}
		}
		if kc.APIKeys == nil {
			kc.APIKeys = map[string]string{}
		}
	}
	s.keychain = kc
	return kc, nil
}

// UpdateKeychain applies fn to the keychain under the store lock and
// persists the result.
func (s *Store) UpdateKeychain(fn func(*Keychain) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kc, err := s.keychainLocked()
	if err != nil {
		return err
	}
	if err := fn(kc); err != nil {
		return err
	}
	return s.saveKeychainLocked(kc)
}

func (s *Store) saveKeychainLocked(kc *Keychain) error {
	plaintext, err := json.Marshal(kc)
	if err != nil {
		return fmt.Errorf("marshal keychain: %w", err)
	}
	blob, err := s.box.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal keychain: %w", err)
	}
	return atomicWrite(s.keychainPath(), blob, 0o600)
}

// APIKey returns the stored key for a provider, empty when unset.
func (s *Store) APIKey(provider string) string {
	kc, err := s.Keychain()
	if err != nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return kc.APIKeys[provider]
}

// SetAPIKeys writes provider keys through the keychain. Empty values delete.
func (s *Store) SetAPIKeys(keys map[string]string) error {
	return s.UpdateKeychain(func(kc *Keychain) error {
		for provider, value := range keys {
			if value == "" {
				delete(kc.APIKeys, provider)
				continue
			}
			kc.APIKeys[provider] = value
		}
		return nil
	})
}

// Connectors returns the non-secret connector settings.
func (s *Store) Connectors() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectorsLocked()
}

func (s *Store) connectorsLocked() (map[string]any, error) {
	if s.connectors != nil {
		return s.connectors, nil
	}
	settings := map[string]any{}
	data, err := os.ReadFile(s.connectorsPath())
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read connectors: %w", err)
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			s.logger.Warn("connectors.json unparseable, starting empty", zap.Error(err))
			settings = map[string]any{}
		}
	}
	s.connectors = settings
	return settings, nil
}

// SetConnector writes one connector setting.
func (s *Store) SetConnector(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.connectorsLocked()
	if err != nil {
		return err
	}
	settings[name] = value
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connectors: %w", err)
	}
	return atomicWrite(s.connectorsPath(), data, 0o644)
}

// WatchConnectors reloads connectors.json when it is edited out-of-band
// (e.g. by the operator in a text editor). Server configuration itself is
// never hot-reloaded.
func (s *Store) WatchConnectors() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dataDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch data directory: %w", err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != "connectors.json" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				s.mu.Lock()
				s.connectors = nil // next access reloads
				s.mu.Unlock()
				s.logger.Info("connectors.json changed on disk, cache invalidated")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("connector watch error", zap.Error(err))
			case <-s.stopCh:
				return
			}
		}
	}()
	return nil
}

// Close stops the connector watcher.
func (s *Store) Close() error {
	close(s.stopCh)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// atomicWrite writes data to a temp file in the target directory and
// renames it into place.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
