package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/secrets"
)

// Package pairing issues and validates paired-device bearer tokens.
//
// Two pairing modes: single-use 6-character codes advertised by the
// operator, and auto-pair on operator-designated trusted networks.
// Devices idle past the expiry window are treated as unauthorized at check
// time; they are never swept from the list.

// codeAlphabet excludes ambiguous characters (I, O, 0, 1).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 6
	codeTTL    = 300 * time.Second

	// DefaultExpiryWindow is the idle window after which a paired device is
	// treated as unauthorized.
	DefaultExpiryWindow = 30 * 24 * time.Hour

	// touchDebounce bounds how often an authorized request updates
	// lastSeen on disk.
	touchDebounce = time.Minute
)

// Manager holds the device list and drives both pairing modes. It is the
// single writer of the device list; the Registry publishes read snapshots.
type Manager struct {
	store        *secrets.Store
	registry     *Registry
	logger       *zap.Logger
	expiryWindow time.Duration
	now          func() time.Time

	mu          sync.Mutex
	activeCode  string
	codeExpires time.Time
	codeTimer   *time.Timer
	lastTouch   map[string]time.Time
}

// NewManager creates a pairing manager over the secret store. A zero
// expiryWindow selects the default.
func NewManager(store *secrets.Store, logger *zap.Logger, expiryWindow time.Duration) (*Manager, error) {
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}
	m := &Manager{
		store:        store,
		registry:     NewRegistry(expiryWindow),
		logger:       logger,
		expiryWindow: expiryWindow,
		now:          time.Now,
		lastTouch:    map[string]time.Time{},
	}
	kc, err := store.Keychain()
	if err != nil {
		return nil, fmt.Errorf("load keychain: %w", err)
	}
	m.registry.publish(kc.Devices)
	return m, nil
}

// Registry returns the read-only token registry view.
func (m *Manager) Registry() *Registry { return m.registry }

// BeginPairing generates a fresh single-use code valid for five minutes.
// Generating a new code invalidates any outstanding one.
func (m *Manager) BeginPairing() (string, time.Time, error) {
	code, err := generateCode()
	if err != nil {
		return "", time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codeTimer != nil {
		m.codeTimer.Stop()
	}
	m.activeCode = code
	m.codeExpires = m.now().Add(codeTTL)
	m.codeTimer = time.AfterFunc(codeTTL, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.activeCode == code {
			m.activeCode = ""
		}
	})
	m.logger.Info("pairing code issued", zap.Time("expires", m.codeExpires))
	return code, m.codeExpires, nil
}

// PairingActive reports whether a code is currently advertised.
func (m *Manager) PairingActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCode != "" && m.now().Before(m.codeExpires)
}

// Pair exchanges a code for a device token. The match is case-insensitive
// and the code is consumed on success.
func (m *Manager) Pair(code, deviceName string) (*secrets.Device, error) {
	m.mu.Lock()
	active := m.activeCode
	expired := !m.now().Before(m.codeExpires)
	if active != "" && !expired && strings.EqualFold(code, active) {
		m.activeCode = "" // single-use
		if m.codeTimer != nil {
			m.codeTimer.Stop()
		}
		m.mu.Unlock()
		return m.issue(deviceName, "")
	}
	m.mu.Unlock()
	return nil, fmt.Errorf("pairing code invalid or expired")
}

// AutoPair issues a token without a code. The caller is responsible for
// verifying the request arrived from a trusted network.
func (m *Manager) AutoPair(deviceName string) (*secrets.Device, error) {
	return m.issue(deviceName, "")
}

// PairWithAccount issues a token tied to a validated backend account.
func (m *Manager) PairWithAccount(deviceName, userID string) (*secrets.Device, error) {
	return m.issue(deviceName, userID)
}

// issue creates a device with a fresh CSPRNG token and persists the list.
func (m *Manager) issue(deviceName, userID string) (*secrets.Device, error) {
	if strings.TrimSpace(deviceName) == "" {
		deviceName = "unnamed device"
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	device := secrets.Device{
		ID:       uuid.NewString(),
		Name:     deviceName,
		Token:    token,
		PairedAt: m.now().UTC(),
		UserID:   userID,
	}

	var devices []secrets.Device
	err = m.store.UpdateKeychain(func(kc *secrets.Keychain) error {
		for _, d := range kc.Devices {
			if d.Token == token {
				return fmt.Errorf("token collision") // 256-bit random, effectively unreachable
			}
		}
		kc.Devices = append(kc.Devices, device)
		devices = append([]secrets.Device(nil), kc.Devices...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist device: %w", err)
	}
	m.registry.publish(devices)
	m.logger.Info("device paired", zap.String("device_id", device.ID), zap.String("name", device.Name))
	return &device, nil
}

// Devices returns a copy of the device list.
func (m *Manager) Devices() ([]secrets.Device, error) {
	kc, err := m.store.Keychain()
	if err != nil {
		return nil, err
	}
	return append([]secrets.Device(nil), kc.Devices...), nil
}

// Revoke removes a paired device by ID.
func (m *Manager) Revoke(deviceID string) error {
	var devices []secrets.Device
	found := false
	err := m.store.UpdateKeychain(func(kc *secrets.Keychain) error {
		kept := kc.Devices[:0]
		for _, d := range kc.Devices {
			if d.ID == deviceID {
				found = true
				continue
			}
			kept = append(kept, d)
		}
		kc.Devices = kept
		devices = append([]secrets.Device(nil), kc.Devices...)
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("device %s not found", deviceID)
	}
	m.registry.publish(devices)
	m.logger.Info("device revoked", zap.String("device_id", deviceID))
	return nil
}

// Touch updates lastSeen for the device holding the token. Calls are
// debounced so the keychain is not rewritten on every request.
func (m *Manager) Touch(token string) {
	m.mu.Lock()
	last, ok := m.lastTouch[token]
	now := m.now()
	if ok && now.Sub(last) < touchDebounce {
		m.mu.Unlock()
		return
	}
	m.lastTouch[token] = now
	m.mu.Unlock()

	var devices []secrets.Device
	err := m.store.UpdateKeychain(func(kc *secrets.Keychain) error {
		for i := range kc.Devices {
			if kc.Devices[i].Token == token {
				seen := now.UTC()
				kc.Devices[i].LastSeen = &seen
				break
			}
		}
		devices = append([]secrets.Device(nil), kc.Devices...)
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to persist lastSeen", zap.Error(err))
		return
	}
	m.registry.publish(devices)
}

// generateToken produces 32 random bytes, base64url-encoded, no padding.
func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// generateCode draws codeLength characters from the unambiguous alphabet.
func generateCode() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
