package pairing

import (
	"sync/atomic"
	"time"

	"github.com/torbobase/torbo/internal/secrets"
)

// Registry is the authoritative answer to "is this bearer token a live
// paired device?". It is a read-only view over an immutable device-set
// snapshot published by the Manager, so the HTTP dispatcher can consult it
// without calling into the manager.
type Registry struct {
	expiryWindow time.Duration
	snapshot     atomic.Pointer[map[string]secrets.Device]
	now          func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(expiryWindow time.Duration) *Registry {
	r := &Registry{expiryWindow: expiryWindow, now: time.Now}
	empty := map[string]secrets.Device{}
	r.snapshot.Store(&empty)
	return r
}

// publish replaces the snapshot with a fresh immutable map.
func (r *Registry) publish(devices []secrets.Device) {
	byToken := make(map[string]secrets.Device, len(devices))
	for _, d := range devices {
		byToken[d.Token] = d
	}
	r.snapshot.Store(&byToken)
}

// Lookup returns the device for a token when it is live. Expiry is
// evaluated here, at check time: a device whose max(lastSeen, pairedAt) is
// older than the expiry window is unauthorized even while still listed.
func (r *Registry) Lookup(token string) (secrets.Device, bool) {
	if token == "" {
		return secrets.Device{}, false
	}
	devices := *r.snapshot.Load()
	d, ok := devices[token]
	if !ok {
		return secrets.Device{}, false
	}
	latest := d.PairedAt
	if d.LastSeen != nil && d.LastSeen.After(latest) {
		latest = *d.LastSeen
	}
	if r.now().Sub(latest) > r.expiryWindow {
		return secrets.Device{}, false
	}
	return d, true
}

// IsAuthorized reports whether the token belongs to an unexpired device.
func (r *Registry) IsAuthorized(token string) bool {
	_, ok := r.Lookup(token)
	return ok
}
