package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/metrics"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/notify"
)

// StaleReason is recorded on records the reconciler gives up on
const StaleReason = "processing timed out"

// StaleRecords lists and fails stuck records
type StaleRecords interface {
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Video, error)
	Fail(ctx context.Context, tenantID, videoID, reason string) error
}

// Reconciler fails records left in processing by a run that died with its
// process
type Reconciler struct {
	records    StaleRecords
	notifier   notify.Notifier
	staleAfter time.Duration
	interval   time.Duration
	batch      int
	// running skips videos this process is still working on
	running func(videoID string) bool
	now     func() time.Time
}

// NewReconciler creates a reconciler. running may be nil.
func NewReconciler(records StaleRecords, notifier notify.Notifier, staleAfter, interval time.Duration, running func(string) bool) *Reconciler {
	if running == nil {
		running = func(string) bool { return false }
	}
	return &Reconciler{
		records:    records,
		notifier:   notifier,
		staleAfter: staleAfter,
		interval:   interval,
		batch:      100,
		running:    running,
		now:        time.Now,
	}
}

// RunOnce fails every stale record and returns how many it changed
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	stale, err := r.records.ListStale(ctx, r.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, v := range stale {
		if r.running(v.ID) {
			continue
		}
		if err := r.records.Fail(ctx, v.TenantID, v.ID, StaleReason); err != nil {
			// finished between the listing and now
			if apperr.Is(err, apperr.InvalidState) || apperr.Is(err, apperr.NotFound) {
				continue
			}
			log.Printf("Error failing stale video %s: %v", v.ID, err)
			continue
		}
		failed++
		metrics.StaleReconciled.Inc()
		log.Printf("Marked stale video %s (tenant %s) failed", v.ID, v.TenantID)

		if r.notifier != nil {
			event := models.Event{Name: models.EventProcessingFailed, VideoID: v.ID, Error: StaleReason}
			if err := r.notifier.Emit(ctx, v.TenantID, event); err != nil {
				log.Printf("Warning: failed to emit %s for video %s: %v", event.Name, v.ID, err)
			}
		}
	}
	return failed, nil
}

// Run reconciles every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Printf("Error reconciling stale videos: %v", err)
			}
		}
	}
}
