package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/audit"
	"github.com/torbobase/torbo/internal/collab"
	"github.com/torbobase/torbo/internal/config"
	"github.com/torbobase/torbo/internal/db"
	"github.com/torbobase/torbo/internal/llm/loop"
	"github.com/torbobase/torbo/internal/llm/types"
	"github.com/torbobase/torbo/internal/pairing"
	"github.com/torbobase/torbo/internal/ratelimit"
	"github.com/torbobase/torbo/internal/secrets"
	"github.com/torbobase/torbo/internal/tools"
)

// scriptedChatter feeds canned provider turns to the loop and records what
// each round saw.
type scriptedChatter struct {
	mu    sync.Mutex
	turns []*types.ChatResponse
	seen  [][]types.Message
	tools [][]types.Tool
	ctxs  []context.Context
}

func (c *scriptedChatter) take(req *types.ChatRequest) *types.ChatResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, req.Messages)
	c.tools = append(c.tools, req.Tools)
	if len(c.seen) > len(c.turns) {
		return &types.ChatResponse{Content: "script exhausted", FinishReason: "stop"}
	}
	return c.turns[len(c.seen)-1]
}

func (c *scriptedChatter) rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *scriptedChatter) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, string, error) {
	return c.take(req), "local", nil
}

func (c *scriptedChatter) ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error, string, error) {
	resp := c.take(req)
	c.mu.Lock()
	c.ctxs = append(c.ctxs, ctx)
	c.mu.Unlock()
	chunks := make(chan types.StreamChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			if word == "" {
				continue
			}
			select {
			case chunks <- types.StreamChunk{Content: word}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		usage := resp.Usage
		select {
		case chunks <- types.StreamChunk{Final: true, ToolCalls: resp.ToolCalls, Usage: &usage}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs, "local", nil
}

type harness struct {
	srv      *Server
	ts       *httptest.Server
	token    string
	manager  *pairing.Manager
	auditLog *audit.Log
	settings *config.Runtime
	chatter  *scriptedChatter
}

func newHarness(t *testing.T, configure func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Settings.RateLimitPerMin = 10_000
	if configure != nil {
		configure(cfg)
	}

	log := zap.NewNop()
	secretStore, err := secrets.NewStore(dir, log)
	require.NoError(t, err)
	store, err := db.NewSQLiteStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	manager, err := pairing.NewManager(secretStore, log, 0)
	require.NoError(t, err)
	auditLog := audit.NewLog(filepath.Join(dir, "audit.log"))
	limiter := ratelimit.NewLimiter(cfg.Settings.RateLimitPerMin)
	settings := config.NewRuntime(cfg.Settings)

	chatter := &scriptedChatter{}
	executor := tools.NewExecutor(cfg, settings, &collab.Registry{}, nil, log)
	runner := loop.NewRunner(chatter, executor, log)

	srv := New(Options{
		Config:   cfg,
		Settings: settings,
		Log:      log,
		Manager:  manager,
		Limiter:  limiter,
		Audit:    auditLog,
		Store:    store,
		Secrets:  secretStore,
		Runner:   runner,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		auditLog.Close()
		limiter.Stop()
		store.Close()
		secretStore.Close()
	})

	code, _, err := manager.BeginPairing()
	require.NoError(t, err)
	device, err := manager.Pair(code, "test-device")
	require.NoError(t, err)

	return &harness{
		srv: srv, ts: ts, token: device.Token,
		manager: manager, auditLog: auditLog, settings: settings, chatter: chatter,
	}
}

func (h *harness) request(t *testing.T, method, path, body string, authed bool) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPairingHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	code, _, err := h.manager.BeginPairing()
	require.NoError(t, err)

	resp := h.request(t, http.MethodPost, "/pair",
		`{"code":"`+strings.ToLower(code)+`","deviceName":"phone"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, "codes match case-insensitively")
	body := decodeBody(t, resp)
	token, _ := body["token"].(string)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, body["deviceId"])

	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/v1/dashboard/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	statusResp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	statusResp.Body.Close()
	assert.Equal(t, http.StatusOK, statusResp.StatusCode)

	// The code is single-use.
	resp = h.request(t, http.MethodPost, "/pair",
		`{"code":"`+code+`","deviceName":"tablet"}`, false)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.request(t, http.MethodGet, "/v1/agents", "", false)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	entry, ok := h.auditLog.Last()
	require.True(t, ok)
	assert.False(t, entry.Granted)
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.request(t, http.MethodGet, "/health", "", false)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.request(t, http.MethodGet, "/nope", "", true)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAccessLevelOffBlocksChat(t *testing.T) {
	h := newHarness(t, nil)
	h.settings.Update(func(s *config.Settings) { s.AccessLevel = access.LevelOff })

	resp := h.request(t, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	entry, ok := h.auditLog.Last()
	require.True(t, ok)
	assert.False(t, entry.Granted)
	assert.Equal(t, "/v1/chat/completions", entry.Path)

	// Pairing routes keep working at OFF.
	infoResp := h.request(t, http.MethodGet, "/pair/info", "", false)
	infoResp.Body.Close()
	assert.Equal(t, http.StatusOK, infoResp.StatusCode)
}

func TestAuditCoversGrantedRequests(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.request(t, http.MethodGet, "/v1/config/settings", "", true)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entry, ok := h.auditLog.Last()
	require.True(t, ok)
	assert.True(t, entry.Granted)
	assert.Equal(t, "/v1/config/settings", entry.Path)
	assert.NotEmpty(t, entry.DeviceID)
}

func TestRateLimitBurst(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Settings.RateLimitPerMin = 60
	})

	var ok200, ok429 int
	var retryAfter string
	for i := 0; i < 120; i++ {
		resp := h.request(t, http.MethodGet, "/health", "", false)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			ok200++
		case http.StatusTooManyRequests:
			ok429++
			retryAfter = resp.Header.Get("Retry-After")
		}
	}

	assert.LessOrEqual(t, ok200, 65, "burst acceptance bounded near capacity")
	assert.Greater(t, ok429, 0)
	assert.Equal(t, "1", retryAfter)
}

func TestAutoPairTrustGate(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Pairing.AutoPair = true })

	// httptest serves on loopback, which is always trusted.
	resp := h.request(t, http.MethodPost, "/pair/auto", `{"deviceName":"laptop"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["token"])

	disabled := newHarness(t, nil) // AutoPair defaults to false
	resp = disabled.request(t, http.MethodPost, "/pair/auto", `{"deviceName":"laptop"}`, false)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeviceListAndRevoke(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.request(t, http.MethodGet, "/v1/pair/devices", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	devices := body["devices"].([]any)
	require.Len(t, devices, 1)
	first := devices[0].(map[string]any)
	assert.NotContains(t, first, "token", "tokens never leave the keychain")

	id := first["id"].(string)
	resp = h.request(t, http.MethodDelete, "/v1/pair/devices/"+id, "", true)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The revoked token is dead immediately.
	resp = h.request(t, http.MethodGet, "/v1/agents", "", true)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSettingsRoundTripAndPersistence(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.request(t, http.MethodPut, "/v1/config/settings",
		`{"accessLevel":3,"rateLimit":30}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(3), body["accessLevel"])
	assert.Equal(t, float64(30), body["rateLimit"])

	assert.Equal(t, access.LevelWrite, h.settings.Current().AccessLevel)

	resp = h.request(t, http.MethodPut, "/v1/config/settings", `{"accessLevel":9}`, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIKeysMasked(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.request(t, http.MethodPut, "/v1/config/apikeys",
		`{"keys":{"openai":"sk-test-abcd1234"}}`, true)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/v1/config/apikeys", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	keys := body["keys"].(map[string]any)
	assert.Equal(t, "****1234", keys["openai"])
}

func TestAgentCRUD(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.request(t, http.MethodPost, "/v1/agents",
		`{"id":"researcher","role":"researcher","accessLevel":2,"directoryScopes":["/tmp/research"]}`, true)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.request(t, http.MethodPut, "/v1/agents/researcher", `{"accessLevel":4}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(4), body["accessLevel"])
	scopes := body["directoryScopes"].([]any)
	assert.Equal(t, "/tmp/research", scopes[0], "partial update keeps unmentioned fields")

	resp = h.request(t, http.MethodDelete, "/v1/agents/"+access.PrimaryAgentID, "", true)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "built-ins are undeletable")

	resp = h.request(t, http.MethodDelete, "/v1/agents/researcher", "", true)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuditLogEndpointPages(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		resp := h.request(t, http.MethodGet, "/v1/config/settings", "", true)
		resp.Body.Close()
	}

	resp := h.request(t, http.MethodGet, "/v1/audit/log?limit=3&pathFilter=/v1/config", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(3), body["count"])
}

func TestExpiredDeviceUnauthorized(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()
	secretStore, err := secrets.NewStore(dir, log)
	require.NoError(t, err)
	defer secretStore.Close()

	manager, err := pairing.NewManager(secretStore, log, time.Millisecond)
	require.NoError(t, err)
	device, err := manager.AutoPair("short-lived")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.False(t, manager.Registry().IsAuthorized(device.Token),
		"idle devices expire at check time")
}
