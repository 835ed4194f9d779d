// Package db provides the SQLite-backed state store.
//
// Responsibilities:
//   - Persist agent profiles (built-in and user-created) across restarts
//   - Persist the runtime-mutable settings so dashboard changes survive restarts
//   - Run schema migrations on startup
//
// Secrets never live here. Device tokens, API keys, and the user account are
// held in the encrypted keychain; the state store holds only non-sensitive
// configuration.
package db

import (
	"context"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/config"
)

// Store is the persistence interface for gateway state.
type Store interface {
	// Agents
	SaveAgent(ctx context.Context, a *access.Agent) error
	GetAgent(ctx context.Context, id string) (*access.Agent, error)
	ListAgents(ctx context.Context) ([]*access.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Runtime settings
	SaveSettings(ctx context.Context, s config.Settings) error
	LoadSettings(ctx context.Context) (*config.Settings, error)

	Ping(ctx context.Context) error
	Close() error
}
