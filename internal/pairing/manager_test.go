package pairing

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/secrets"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := secrets.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m, err := NewManager(store, zap.NewNop(), 0)
	require.NoError(t, err)
	return m
}

func TestCodePairingHappyPath(t *testing.T) {
	m := newTestManager(t)

	code, expires, err := m.BeginPairing()
	require.NoError(t, err)
	assert.Len(t, code, codeLength)
	assert.True(t, expires.After(time.Now()))
	assert.True(t, m.PairingActive())
	for _, ch := range code {
		assert.Contains(t, codeAlphabet, string(ch))
	}

	device, err := m.Pair(strings.ToLower(code), "phone")
	require.NoError(t, err, "match is case-insensitive")
	assert.NotEmpty(t, device.Token)
	assert.NotEmpty(t, device.ID)
	assert.True(t, m.Registry().IsAuthorized(device.Token))

	// Single-use: the same code must not pair twice.
	_, err = m.Pair(code, "tablet")
	assert.Error(t, err)
	assert.False(t, m.PairingActive())
}

func TestPairRejectsWrongCode(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.BeginPairing()
	require.NoError(t, err)

	_, err = m.Pair("WRONG1", "phone")
	assert.Error(t, err)
	assert.True(t, m.PairingActive(), "a failed attempt does not consume the code")
}

func TestPairRejectsExpiredCode(t *testing.T) {
	m := newTestManager(t)
	code, _, err := m.BeginPairing()
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(codeTTL + time.Second) }
	_, err = m.Pair(code, "phone")
	assert.Error(t, err)
}

func TestAutoPair(t *testing.T) {
	m := newTestManager(t)
	device, err := m.AutoPair("laptop")
	require.NoError(t, err)
	assert.True(t, m.Registry().IsAuthorized(device.Token))
}

func TestTokenFormat(t *testing.T) {
	token, err := generateToken()
	require.NoError(t, err)
	// 32 bytes base64url without padding is 43 characters.
	assert.Len(t, token, 43)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
}

func TestRevoke(t *testing.T) {
	m := newTestManager(t)
	device, err := m.AutoPair("phone")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(device.ID))
	assert.False(t, m.Registry().IsAuthorized(device.Token))
	assert.Error(t, m.Revoke(device.ID), "already gone")
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	m := newTestManager(t)
	device, err := m.AutoPair("phone")
	require.NoError(t, err)

	m.Touch(device.Token)
	got, ok := m.Registry().Lookup(device.Token)
	require.True(t, ok)
	require.NotNil(t, got.LastSeen)

	// Debounced: a second touch within the window does not rewrite.
	first := *got.LastSeen
	m.Touch(device.Token)
	got, _ = m.Registry().Lookup(device.Token)
	assert.Equal(t, first, *got.LastSeen)
}

// Invariant: isAuthorized(t) is true iff now − max(lastSeen, pairedAt) is
// within the expiry window.
func TestExpiryProperty(t *testing.T) {
	store, err := secrets.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m, err := NewManager(store, zap.NewNop(), DefaultExpiryWindow)
	require.NoError(t, err)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.registry.now = func() time.Time { return base }

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("authorized iff within expiry window", prop.ForAll(
		func(pairedAgeHours int, seenAgeHours int, hasSeen bool) bool {
			paired := base.Add(-time.Duration(pairedAgeHours) * time.Hour)
			d := secrets.Device{ID: "d", Token: "tok", PairedAt: paired}
			latest := paired
			if hasSeen {
				seen := base.Add(-time.Duration(seenAgeHours) * time.Hour)
				d.LastSeen = &seen
				if seen.After(latest) {
					latest = seen
				}
			}
			m.registry.publish([]secrets.Device{d})

			want := base.Sub(latest) <= DefaultExpiryWindow
			return m.registry.IsAuthorized("tok") == want
		},
		gen.IntRange(0, 24*90),
		gen.IntRange(0, 24*90),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
