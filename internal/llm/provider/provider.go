// Package provider defines the interface every upstream model provider
// implements and the error shape the multiplexer uses for failover decisions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/torbobase/torbo/internal/llm/types"
)

// CallTimeout bounds a single upstream provider call.
const CallTimeout = 60 * time.Second

// Provider is one upstream model backend. Implementations translate the
// internal chat-completion shape to their wire dialect and back; streaming
// calls emit canonical chunks ending with one synthesized final chunk that
// carries any completed tool calls.
type Provider interface {
	Name() string

	// Available reports whether the provider can be tried at all (key
	// configured, daemon reachable). The multiplexer skips unavailable
	// providers without counting a failover.
	Available() bool

	Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// ChatStream returns a chunk channel and an error channel. Both are
	// closed when the stream ends; at most one error is sent.
	ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error)
}

// CallError is a failed upstream call. Status 0 means a transport failure.
type CallError struct {
	Provider string
	Status   int
	Message  string
}

func (e *CallError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
}

// Retryable reports whether the failure justifies failover to the next
// provider: network errors, rate limits and upstream 5xx do; everything else
// (bad request, bad key) does not.
func (e *CallError) Retryable() bool {
	return e.Status == 0 ||
		e.Status == http.StatusTooManyRequests ||
		e.Status >= http.StatusInternalServerError
}

// IsRetryable reports whether err is a retryable CallError. Unknown error
// types are treated as retryable transport failures.
func IsRetryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}
