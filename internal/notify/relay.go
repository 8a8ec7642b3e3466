package notify

import (
	"context"
	"log"
	"time"

	"github.com/maneesh/vidstream/internal/models"
)

// Bus is a cross-process event channel
type Bus interface {
	PublishEvent(ctx context.Context, tenantID string, event models.Event) error
	SubscribeEvents(ctx context.Context) (<-chan TenantEvent, error)
}

// RedisRelay publishes events to Redis so every replica's hub receives them.
// Run must be started for events to reach local sockets.
type RedisRelay struct {
	bus   Bus
	local Notifier
}

// NewRedisRelay creates a relay delivering bus traffic into local
func NewRedisRelay(bus Bus, local Notifier) *RedisRelay {
	return &RedisRelay{bus: bus, local: local}
}

// Emit publishes the event. Local sockets get it back through Run.
func (r *RedisRelay) Emit(ctx context.Context, tenantID string, event models.Event) error {
	return r.bus.PublishEvent(ctx, tenantID, event)
}

// Run subscribes and forwards events to the local notifier until ctx is
// done, resubscribing after a dropped connection.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		events, err := r.bus.SubscribeEvents(ctx)
		if err != nil {
			log.Printf("Warning: event subscription failed: %v", err)
		} else {
			for te := range events {
				if err := r.local.Emit(ctx, te.TenantID, te.Event); err != nil {
					log.Printf("Warning: failed to deliver event to tenant %s: %v", te.TenantID, err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
