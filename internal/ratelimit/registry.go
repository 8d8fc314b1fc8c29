package ratelimit

import (
	"fmt"
	"sort"
	"sync"
)

// PollSuffix names the status-check limiter of a service in stats.
const PollSuffix = ":poll"

// Registry holds one shared Limiter per external service, plus an optional
// poll limiter per service for status checks. It is built once at process
// start and passed to everything that calls out.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	polls    map[string]*Limiter
}

func NewRegistry(configs ...Config) (*Registry, error) {
	registry := &Registry{
		limiters: make(map[string]*Limiter),
		polls:    make(map[string]*Limiter),
	}
	for _, cfg := range configs {
		if err := registry.Add(cfg); err != nil {
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

func (r *Registry) Add(cfg Config) error {
	if cfg.Service == "" {
		return fmt.Errorf("rate limiter service name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.limiters[cfg.Service]; exists {
		return fmt.Errorf("rate limiter for service %q already registered", cfg.Service)
	}
	r.limiters[cfg.Service] = New(cfg)
	if cfg.PollMaxPerWindow > 0 {
		r.polls[cfg.Service] = New(Config{
			Service:       cfg.Service + PollSuffix,
			MaxPerWindow:  cfg.PollMaxPerWindow,
			Window:        cfg.Window,
			QueueCapacity: cfg.QueueCapacity,
		})
	}
	return nil
}

func (r *Registry) Get(service string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limiter, ok := r.limiters[service]
	return limiter, ok
}

// Poll returns the status-check limiter of service, if one is configured.
func (r *Registry) Poll(service string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limiter, ok := r.polls[service]
	return limiter, ok
}

// Stats returns one snapshot per limiter ordered by service name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	limiters := make([]*Limiter, 0, len(r.limiters)+len(r.polls))
	for _, limiter := range r.limiters {
		limiters = append(limiters, limiter)
	}
	for _, limiter := range r.polls {
		limiters = append(limiters, limiter)
	}
	r.mu.RUnlock()

	items := make([]Stats, 0, len(limiters))
	for _, limiter := range limiters {
		items = append(items, limiter.Stats())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Service < items[j].Service })
	return items
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, limiter := range r.limiters {
		limiter.Close()
	}
	for _, limiter := range r.polls {
		limiter.Close()
	}
}
