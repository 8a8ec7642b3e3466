package storage

import (
	"context"
	"io"
	"time"

	"github.com/maneesh/vidstream/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("vidstream-storage")

// Progress values persisted at each pipeline step
const (
	ProgressStarted    = 10
	ProgressExtracted  = 50
	ProgressClassified = 75
	ProgressCompleted  = 100
)

// VideoStore persists video records and the tenant usage counter. Every
// method that touches a record takes the tenant id and filters on it in the
// query itself, so a caller can't reach another tenant's rows.
type VideoStore interface {
	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error)
	ListVideos(ctx context.Context, tenantID string, filter models.VideoFilter) ([]*models.Video, error)

	// StartProcessing moves a pending record to processing. A record that is
	// already processing yields apperr.AlreadyProcessing; a terminal one
	// yields apperr.InvalidState.
	StartProcessing(ctx context.Context, tenantID, videoID string, at time.Time) (*models.Video, error)
	UpdateProgress(ctx context.Context, tenantID, videoID string, progress int) error
	UpdateMediaInfo(ctx context.Context, tenantID, videoID string, info models.MediaInfo) error
	UpdateSensitivity(ctx context.Context, tenantID, videoID string, status models.SensitivityStatus, details *models.SensitivityDetails) error
	// CompleteProcessing marks the record completed and adds its size to the
	// tenant's usage in one transaction.
	CompleteProcessing(ctx context.Context, tenantID, videoID string) (*models.Video, error)
	FailProcessing(ctx context.Context, tenantID, videoID, reason string) error

	UpdateMetadata(ctx context.Context, tenantID, videoID string, edit models.MetadataEdit) (*models.Video, error)
	IncrementViews(ctx context.Context, tenantID, videoID string) error
	// DeleteVideo removes the record and, for completed videos, subtracts its
	// size from the tenant's usage in the same transaction.
	DeleteVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error)

	// ListStaleProcessing returns processing records started before the
	// cutoff, across tenants. Only the reconciler uses it.
	ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Video, error)
	TenantUsage(ctx context.Context, tenantID string) (float64, error)
}

// BlobStore holds the uploaded bytes
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Open returns a reader over [offset, offset+length). The reader fetches
	// lazily; nothing is buffered up front.
	Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	// Stat returns the stored size, or apperr.FileMissing
	Stat(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// clampUsage keeps tenant usage from going negative
func clampUsage(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
