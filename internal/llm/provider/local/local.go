// Package local drives the local inference daemon. The daemon speaks an
// OpenAI-compatible chat API, so the wire conversion is delegated to the
// openai package; what this package adds is the supervisor that detects,
// launches and health-checks the daemon.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/llm/provider"
	"github.com/torbobase/torbo/internal/llm/types"
)

const (
	healthPollInterval = 500 * time.Millisecond
	launchWait         = 10 * time.Second
)

// wellKnownBinaries are probed when no binary path is configured.
var wellKnownBinaries = []string{
	"/usr/local/bin/ollama",
	"/opt/homebrew/bin/ollama",
	"/usr/bin/ollama",
}

// Supervisor detects and launches the local inference daemon.
type Supervisor struct {
	baseURL    string
	binary     string
	httpClient *http.Client
	log        *zap.Logger
}

// NewSupervisor builds a supervisor for the daemon at baseURL. binary may be
// empty, in which case well-known install paths are probed.
func NewSupervisor(baseURL, binary string, log *zap.Logger) *Supervisor {
	return &Supervisor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		binary:     binary,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		log:        log,
	}
}

// BinaryPath returns the daemon binary path, or empty when not installed.
func (s *Supervisor) BinaryPath() string {
	if s.binary != "" {
		if _, err := os.Stat(s.binary); err == nil {
			return s.binary
		}
		return ""
	}
	for _, p := range wellKnownBinaries {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Healthy reports whether the daemon answers its tags endpoint.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EnsureRunning confirms health or launches the daemon and waits for it to
// come up. The child's stdout and stderr are discarded.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	if s.Healthy(ctx) {
		return nil
	}

	binary := s.BinaryPath()
	if binary == "" {
		return fmt.Errorf("local inference daemon is not installed")
	}

	cmd := exec.Command(binary, "serve")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", binary, err)
	}
	go func() { _ = cmd.Wait() }()
	s.log.Info("launched local inference daemon", zap.String("binary", binary))

	deadline := time.Now().Add(launchWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
		if s.Healthy(ctx) {
			return nil
		}
	}
	return fmt.Errorf("local inference daemon did not become healthy within %s", launchWait)
}

// ModelNames lists the locally available models from the tags endpoint.
func (s *Supervisor) ModelNames(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags endpoint returned status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// compatClient is the OpenAI-compatible chat surface of the daemon.
type compatClient interface {
	Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error)
}

// Client is the local provider: the daemon's OpenAI-compatible endpoint plus
// availability derived from the supervisor's health check.
type Client struct {
	compat     compatClient
	supervisor *Supervisor
}

// NewClient wires the local provider from an OpenAI-compatible client and a
// supervisor. The compat client should point at baseURL + "/v1".
func NewClient(compat compatClient, supervisor *Supervisor) *Client {
	return &Client{compat: compat, supervisor: supervisor}
}

func (c *Client) Name() string { return "local" }

// Available is a live health probe; the multiplexer treats an unhealthy
// daemon as a silent skip, not a failover.
func (c *Client) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.supervisor.Healthy(ctx)
}

func (c *Client) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return c.compat.Chat(ctx, req)
}

func (c *Client) ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error) {
	return c.compat.ChatStream(ctx, req)
}

var _ provider.Provider = (*Client)(nil)
