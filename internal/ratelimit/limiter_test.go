package ratelimit

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstConsumesCapacity(t *testing.T) {
	rl := NewLimiter(60)
	defer rl.Stop()
	clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	accepted := 0
	for i := 0; i < 120; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); ok {
			accepted++
		}
	}
	assert.Equal(t, 60, accepted)

	ok, retryAfter := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 1, retryAfter, "refill is 1 token/s at 60 req/min")
}

func TestRefill(t *testing.T) {
	rl := NewLimiter(60)
	defer rl.Stop()
	clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	for i := 0; i < 60; i++ {
		rl.Allow("ip")
	}
	ok, _ := rl.Allow("ip")
	require.False(t, ok)

	clock = clock.Add(2 * time.Second)
	ok, _ = rl.Allow("ip")
	assert.True(t, ok, "two seconds refill two tokens")
	ok, _ = rl.Allow("ip")
	assert.True(t, ok)
	ok, _ = rl.Allow("ip")
	assert.False(t, ok)
}

func TestPerIPIsolation(t *testing.T) {
	rl := NewLimiter(1)
	defer rl.Stop()
	clock := time.Now()
	rl.now = func() time.Time { return clock }

	ok, _ := rl.Allow("a")
	require.True(t, ok)
	ok, _ = rl.Allow("a")
	require.False(t, ok)
	ok, _ = rl.Allow("b")
	assert.True(t, ok, "a depleted bucket must not affect other IPs")
}

func TestMiddleware(t *testing.T) {
	rl := NewLimiter(1)
	defer rl.Stop()
	clock := time.Now()
	rl.now = func() time.Time { return clock }

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.1:4242"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

// Invariant: for any burst of N requests over T seconds from one IP, the
// number accepted is at most ceil(C*T/60) + C.
func TestAcceptanceBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted <= ceil(C*T/60)+C", prop.ForAll(
		func(capacity int, n int, seconds int) bool {
			rl := NewLimiter(capacity)
			defer rl.Stop()
			clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
			rl.now = func() time.Time { return clock }

			accepted := 0
			for i := 0; i < n; i++ {
				if ok, _ := rl.Allow("ip"); ok {
					accepted++
				}
				// spread requests evenly across the window
				clock = clock.Add(time.Duration(seconds) * time.Second / time.Duration(n))
			}
			bound := int(math.Ceil(float64(capacity)*float64(seconds)/60.0)) + capacity
			return accepted <= bound
		},
		gen.IntRange(1, 120),
		gen.IntRange(1, 500),
		gen.IntRange(1, 120),
	))

	properties.TestingRun(t)
}
