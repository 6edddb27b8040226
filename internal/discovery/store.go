package discovery

import (
	"context"

	"github.com/praxis/a2a-router/internal/a2a"
)

// Store persists registered profiles across restarts. The in-memory registry
// stays authoritative while the process runs.
type Store interface {
	LoadAll(ctx context.Context) ([]*a2a.AgentProfile, error)
	Upsert(ctx context.Context, profile *a2a.AgentProfile) error
	Delete(ctx context.Context, id string) error
	Close()
}

// PerformanceSource supplies fresh performance figures for an agent.
type PerformanceSource interface {
	Performance(ctx context.Context, agentID string) (*a2a.Performance, bool)
}
