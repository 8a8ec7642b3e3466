// Package notify delivers pipeline events to the sockets of a tenant
package notify

import (
	"context"
	"sync"

	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/storage"
)

// Notifier delivers an event to everyone connected in a tenant's room.
// Delivery is best effort; implementations must not block the caller on
// slow subscribers.
type Notifier interface {
	Emit(ctx context.Context, tenantID string, event models.Event) error
}

// TenantEvent pairs an event with the tenant it was emitted for
type TenantEvent = storage.TenantEvent

// Recorder keeps every emitted event in order
type Recorder struct {
	mu     sync.Mutex
	events []TenantEvent
}

func (r *Recorder) Emit(ctx context.Context, tenantID string, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, TenantEvent{TenantID: tenantID, Event: event})
	return nil
}

// Events returns a copy of what has been emitted so far
func (r *Recorder) Events() []TenantEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TenantEvent(nil), r.events...)
}

// Names returns the emitted event names for one video
func (r *Recorder) Names(videoID string) []string {
	var names []string
	for _, e := range r.Events() {
		if e.Event.VideoID == videoID {
			names = append(names, e.Event.Name)
		}
	}
	return names
}
