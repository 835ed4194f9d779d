package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/audit"
	"github.com/torbobase/torbo/internal/config"
	"github.com/torbobase/torbo/internal/db"
	"github.com/torbobase/torbo/internal/ratelimit"
)

// pathTail returns the path segment after prefix, empty when absent.
func pathTail(path, prefix string) string {
	tail := strings.TrimPrefix(path, prefix)
	if tail == path || tail == "" || strings.Contains(tail, "/") {
		return ""
	}
	return tail
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot list agents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent access.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent body")
		return
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if !agent.AccessLevel.Valid() {
		writeError(w, http.StatusBadRequest, "access level out of range")
		return
	}
	agent.BuiltIn = false
	if err := s.store.SaveAgent(r.Context(), &agent); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot save agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleUpdateAgent applies a partial update: only fields present in the
// body change.
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/v1/agents/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "agent id required")
		return
	}
	existing, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cannot load agent")
		return
	}

	var patch struct {
		Role                *string          `json:"role"`
		Personality         *string          `json:"personality"`
		AccessLevel         *access.Level    `json:"accessLevel"`
		DirectoryScopes     *[]string        `json:"directoryScopes"`
		EnabledCapabilities *map[string]bool `json:"enabledCapabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent body")
		return
	}

	updated := existing.Clone()
	if patch.Role != nil {
		updated.Role = *patch.Role
	}
	if patch.Personality != nil {
		updated.Personality = *patch.Personality
	}
	if patch.AccessLevel != nil {
		if !patch.AccessLevel.Valid() {
			writeError(w, http.StatusBadRequest, "access level out of range")
			return
		}
		updated.AccessLevel = *patch.AccessLevel
	}
	if patch.DirectoryScopes != nil {
		updated.DirectoryScopes = *patch.DirectoryScopes
	}
	if patch.EnabledCapabilities != nil {
		updated.EnabledCapabilities = *patch.EnabledCapabilities
	}

	if err := s.store.SaveAgent(r.Context(), &updated); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot save agent")
		return
	}
	s.events.publish(event{Type: "agent_updated", Payload: updated})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/v1/agents/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "agent id required")
		return
	}
	existing, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cannot load agent")
		return
	}
	if existing.BuiltIn {
		writeError(w, http.StatusForbidden, "built-in agents cannot be deleted")
		return
	}
	if err := s.store.DeleteAgent(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot delete agent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Current())
}

// handlePutSettings applies a partial settings update atomically and
// persists the result so it survives restarts.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		AccessLevel        *access.Level    `json:"accessLevel"`
		RateLimitPerMin    *int             `json:"rateLimit"`
		DisabledCategories *map[string]bool `json:"disabledCategories"`
		ProviderOverride   *string          `json:"providerOverride"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	if patch.AccessLevel != nil && !patch.AccessLevel.Valid() {
		writeError(w, http.StatusBadRequest, "access level out of range")
		return
	}
	if patch.RateLimitPerMin != nil && *patch.RateLimitPerMin <= 0 {
		writeError(w, http.StatusBadRequest, "rate limit must be positive")
		return
	}

	updated := s.settings.Update(func(cur *config.Settings) {
		if patch.AccessLevel != nil {
			cur.AccessLevel = *patch.AccessLevel
		}
		if patch.RateLimitPerMin != nil {
			cur.RateLimitPerMin = *patch.RateLimitPerMin
		}
		if patch.DisabledCategories != nil {
			cur.DisabledCategories = *patch.DisabledCategories
		}
		if patch.ProviderOverride != nil {
			cur.ProviderOverride = *patch.ProviderOverride
		}
	})

	s.limiter.SetRate(updated.RateLimitPerMin)

	if err := s.store.SaveSettings(r.Context(), updated); err != nil {
		writeError(w, http.StatusInternalServerError, "settings applied but not persisted")
		return
	}
	s.events.publish(event{Type: "settings_updated", Payload: updated})
	writeJSON(w, http.StatusOK, updated)
}

// handleGetAPIKeys lists configured provider keys, masked to their tail.
func (s *Server) handleGetAPIKeys(w http.ResponseWriter, r *http.Request) {
	kc, err := s.secrets.Keychain()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read keychain")
		return
	}
	masked := make(map[string]string, len(kc.APIKeys))
	for provider, key := range kc.APIKeys {
		masked[provider] = maskKey(key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": masked})
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func (s *Server) handlePutAPIKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys map[string]string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.secrets.SetAPIKeys(body.Keys); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot write keychain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			q.Offset = n
		}
	}
	q.PathFilter = r.URL.Query().Get("pathFilter")
	q.GrantedOnly = r.URL.Query().Get("grantedOnly") == "true"

	entries := s.auditLog.Select(q)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleDashboardStatus(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		Name      string `json:"name"`
		Available bool   `json:"available"`
	}
	statuses := make([]providerStatus, 0, len(s.providers))
	for _, p := range s.providers {
		statuses = append(statuses, providerStatus{Name: p.Name(), Available: p.Available()})
	}
	settings := s.settings.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"accessLevel": settings.AccessLevel,
		"rateLimit":   settings.RateLimitPerMin,
		"providers":   statuses,
	})
}

// handleMetrics serves Prometheus metrics, loopback only regardless of the
// LAN flag.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ip := net.ParseIP(ratelimit.ClientIP(r))
	if ip == nil || !ip.IsLoopback() {
		writeError(w, http.StatusForbidden, "metrics are loopback only")
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}
