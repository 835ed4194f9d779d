// Package mux selects an upstream provider for each request and fails over
// when the selected one is misconfigured or errors retryably.
//
// Selection is by model-name prefix, overridable per request; failover walks
// the configured order (local first, then cloud providers in user-pinned
// order). Provider calls share a concurrency cap: callers over the cap queue
// briefly and then give up.
package mux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/config"
	"github.com/torbobase/torbo/internal/llm/provider"
	"github.com/torbobase/torbo/internal/llm/types"
	"github.com/torbobase/torbo/internal/metrics"
)

// queueWait is how long a call may wait for a provider slot before 503.
const queueWait = 5 * time.Second

// ErrBusy is returned when the concurrency cap holds for the full queue wait.
var ErrBusy = errors.New("all provider slots busy")

// ErrNoProvider is returned when no provider is available at all.
var ErrNoProvider = errors.New("no provider available")

// modelPrefixes routes model names to providers.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"claude", "anthropic"},
	{"gemini", "gemini"},
}

// Mux is the provider multiplexer.
type Mux struct {
	providers []provider.Provider // failover order
	settings  *config.Runtime
	slots     chan struct{}
	log       *zap.Logger
}

// New builds the multiplexer. providers must already be in failover order.
func New(providers []provider.Provider, settings *config.Runtime, maxConcurrent int, log *zap.Logger) *Mux {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Mux{
		providers: providers,
		settings:  settings,
		slots:     make(chan struct{}, maxConcurrent),
		log:       log,
	}
}

// acquire takes a provider slot, queueing up to queueWait.
func (m *Mux) acquire(ctx context.Context) error {
	timer := time.NewTimer(queueWait)
	defer timer.Stop()
	select {
	case m.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mux) release() { <-m.slots }

// candidates returns the providers to try, selected first.
func (m *Mux) candidates(model string) []provider.Provider {
	selected := m.selectName(model)

	var out []provider.Provider
	if selected != "" {
		for _, p := range m.providers {
			if p.Name() == selected {
				out = append(out, p)
			}
		}
	}
	for _, p := range m.providers {
		if selected != "" && p.Name() == selected {
			continue
		}
		out = append(out, p)
	}
	return out
}

// selectName maps the request model and the runtime override to a provider
// name. Empty means no preference (failover order from the top).
func (m *Mux) selectName(model string) string {
	if m.settings != nil {
		if override := m.settings.Current().ProviderOverride; override != "" {
			return override
		}
	}
	lower := strings.ToLower(model)
	for _, mp := range modelPrefixes {
		if strings.HasPrefix(lower, mp.prefix) {
			return mp.provider
		}
	}
	return ""
}

// Chat runs one buffered completion with failover. The returned provider
// name identifies which backend answered.
func (m *Mux) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, string, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, "", err
	}
	defer m.release()

	var lastErr error
	var lastName string
	for _, p := range m.candidates(req.Model) {
		if !p.Available() {
			continue
		}
		if lastName != "" {
			metrics.ProviderFailovers.WithLabelValues(lastName, p.Name()).Inc()
			m.log.Warn("provider failover",
				zap.String("from", lastName), zap.String("to", p.Name()),
				zap.Error(lastErr))
		}

		cctx, cancel := context.WithTimeout(ctx, provider.CallTimeout)
		start := time.Now()
		resp, err := p.Chat(cctx, req)
		cancel()

		metrics.ProviderRequestDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ProviderRequestsTotal.WithLabelValues(p.Name(), resp.Model, "ok").Inc()
			return resp, p.Name(), nil
		}
		metrics.ProviderRequestsTotal.WithLabelValues(p.Name(), req.Model, "error").Inc()

		if ctx.Err() != nil {
			return nil, p.Name(), ctx.Err()
		}
		if !provider.IsRetryable(err) {
			return nil, p.Name(), err
		}
		lastErr, lastName = err, p.Name()
	}

	if lastErr == nil {
		return nil, "", ErrNoProvider
	}
	return nil, lastName, fmt.Errorf("all providers failed: %w", lastErr)
}

// ChatStream starts a streaming completion with failover. Failover applies
// only until the first chunk arrives; once a provider starts streaming, its
// errors end the stream.
func (m *Mux) ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error, string, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, nil, "", err
	}

	var lastErr error
	var lastName string
	for _, p := range m.candidates(req.Model) {
		if !p.Available() {
			continue
		}
		if lastName != "" {
			metrics.ProviderFailovers.WithLabelValues(lastName, p.Name()).Inc()
		}

		chunks, errs := p.ChatStream(ctx, req)

		// Peek: an error before the first chunk is a failed start and is
		// eligible for failover.
		select {
		case first, ok := <-chunks:
			out := make(chan types.StreamChunk, 16)
			go func() {
				defer close(out)
				defer m.release()
				if ok {
					select {
					case out <- first:
					case <-ctx.Done():
						return
					}
				}
				// A consumer that stops reading would wedge the send and pin
				// the slot; cancellation frees both.
				for c := range chunks {
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
			}()
			return out, errs, p.Name(), nil
		case err := <-errs:
			drain(chunks)
			if err == nil {
				// Stream closed without content; treat as empty success.
				out := make(chan types.StreamChunk)
				close(out)
				done := make(chan error)
				close(done)
				m.release()
				return out, done, p.Name(), nil
			}
			metrics.ProviderRequestsTotal.WithLabelValues(p.Name(), req.Model, "error").Inc()
			if ctx.Err() != nil {
				m.release()
				return nil, nil, p.Name(), ctx.Err()
			}
			if !provider.IsRetryable(err) {
				m.release()
				return nil, nil, p.Name(), err
			}
			lastErr, lastName = err, p.Name()
		case <-ctx.Done():
			m.release()
			return nil, nil, p.Name(), ctx.Err()
		}
	}

	m.release()
	if lastErr == nil {
		return nil, nil, "", ErrNoProvider
	}
	return nil, nil, lastName, fmt.Errorf("all providers failed: %w", lastErr)
}

func drain(chunks <-chan types.StreamChunk) {
	go func() {
		for range chunks {
		}
	}()
}
