package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured channel adapters, keyed by ID.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds ch, replacing any previous adapter with the same ID.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	r.channels[ch.ID()] = ch
	r.mu.Unlock()
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// All returns the registered adapters ordered by ID.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len reports the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// StartAll starts every adapter. On failure it stops the adapters
// already started and returns the error.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Channel, 0, r.Len())
	for _, ch := range r.All() {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", ch.ID(), err)
		}
		started = append(started, ch)
	}
	return nil
}

// StopAll stops every adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, ch := range r.All() {
		if err := ch.Stop(ctx); err != nil {
			lastErr = fmt.Errorf("stop channel %s: %w", ch.ID(), err)
		}
	}
	return lastErr
}

// Health reports each adapter's health by ID.
func (r *Registry) Health() map[string]bool {
	out := make(map[string]bool, r.Len())
	for _, ch := range r.All() {
		out[ch.ID()] = ch.IsHealthy()
	}
	return out
}
