package tracker

import (
	"context"
	"sync"
)

// Registry holds at most one agent per site id, replacing the global
// "already loaded" check a script tag would do.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Init returns the running agent for cfg.SiteID, or builds and starts one.
func (r *Registry) Init(ctx context.Context, cfg Config, page Page, opts ...Option) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[cfg.SiteID]; ok {
		return existing, nil
	}
	return r.startLocked(ctx, cfg, page, opts)
}

// Replace closes the agent registered for cfg.SiteID, if any, so its flush
// timer does not outlive it, then builds and starts a new one.
func (r *Registry) Replace(ctx context.Context, cfg Config, page Page, opts ...Option) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[cfg.SiteID]; ok {
		delete(r.agents, cfg.SiteID)
		_ = existing.Close(ctx)
	}
	return r.startLocked(ctx, cfg, page, opts)
}

// Get looks up the agent for siteID.
func (r *Registry) Get(siteID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[siteID]
	return a, ok
}

// Remove closes and forgets the agent for siteID.
func (r *Registry) Remove(ctx context.Context, siteID string) error {
	r.mu.Lock()
	a, ok := r.agents[siteID]
	delete(r.agents, siteID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close(ctx)
}

// CloseAll closes every registered agent.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*Agent)
	r.mu.Unlock()

	var firstErr error
	for _, a := range agents {
		if err := a.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) startLocked(ctx context.Context, cfg Config, page Page, opts []Option) (*Agent, error) {
	a, err := New(cfg, page, opts...)
	if err != nil {
		return nil, err
	}
	a.Start(ctx)
	r.agents[cfg.SiteID] = a
	return a, nil
}
