// Package registry tracks outbound telemetry that is still waiting for a
// status from the hub.
package registry

import (
	"sync"
	"time"
)

// Registry maps a correlation id to the time its telemetry was sent.
type Registry struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func New() *Registry {
	return &Registry{entries: make(map[string]time.Time)}
}

// Put records a send. It must be called before the message is handed to the
// transport so a fast status still finds the entry.
func (r *Registry) Put(id string, sentAt time.Time) {
	r.mu.Lock()
	r.entries[id] = sentAt
	r.mu.Unlock()
}

// Lookup reports the send time of id without consuming it.
func (r *Registry) Lookup(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sentAt, ok := r.entries[id]
	return sentAt, ok
}

// Take removes id and returns its send time. Only the first caller for a
// given id gets ok == true.
func (r *Registry) Take(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sentAt, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return sentAt, ok
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictOlderThan drops every entry sent before cutoff and returns how many
// were removed.
func (r *Registry) EvictOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, sentAt := range r.entries {
		if sentAt.Before(cutoff) {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}
