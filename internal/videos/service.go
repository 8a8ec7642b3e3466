// Package videos is the authorization layer over the record and blob stores.
// Lookups are scoped to the requester's tenant; records in another tenant are
// reported as not found.
package videos

import (
	"context"
	"log"
	"time"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vidstream-videos")

// Cache holds records that reached a terminal processing state
type Cache interface {
	GetVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error)
	SetVideo(ctx context.Context, v *models.Video) error
	InvalidateVideo(ctx context.Context, tenantID, videoID string) error
}

// Service wraps the stores with tenant and ownership checks
type Service struct {
	store storage.VideoStore
	blobs storage.BlobStore
	cache Cache
}

// NewService creates a service. cache may be nil.
func NewService(store storage.VideoStore, blobs storage.BlobStore, cache Cache) *Service {
	return &Service{store: store, blobs: blobs, cache: cache}
}

// Blobs exposes the blob store backing the records
func (s *Service) Blobs() storage.BlobStore {
	return s.blobs
}

// Create persists a new pending record
func (s *Service) Create(ctx context.Context, v *models.Video) error {
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	v.ProcessingStatus = models.ProcessingPending
	v.ProcessingProgress = 0
	v.SensitivityStatus = models.SensitivityPending
	if v.Tags == nil {
		v.Tags = []string{}
	}
	return s.store.CreateVideo(ctx, v)
}

// load reads a record through the cache without any ownership check
func (s *Service) load(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	if s.cache != nil {
		cached, err := s.cache.GetVideo(ctx, tenantID, videoID)
		if err != nil {
			log.Printf("Warning: cache read failed for %s: %v", videoID, err)
		} else if cached != nil {
			return cached, nil
		}
	}

	v, err := s.store.GetVideo(ctx, tenantID, videoID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetVideo(ctx, v); err != nil {
			log.Printf("Warning: failed to cache video %s: %v", videoID, err)
		}
	}
	return v, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID, videoID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateVideo(ctx, tenantID, videoID); err != nil {
		log.Printf("Warning: failed to invalidate cache for %s: %v", videoID, err)
	}
}

func canView(v *models.Video, req models.Requester) bool {
	return v.OwnerID == req.UserID || v.IsPublic
}

// Get returns a record the requester owns or that is public
func (s *Service) Get(ctx context.Context, videoID string, req models.Requester) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "videos.get",
		trace.WithAttributes(
			attribute.String("video_id", videoID),
			attribute.String("tenant_id", req.TenantID),
		),
	)
	defer span.End()

	v, err := s.load(ctx, req.TenantID, videoID)
	if err != nil {
		return nil, err
	}
	if !canView(v, req) {
		return nil, apperr.New(apperr.Unauthorized, "not authorized to access this video")
	}
	return v, nil
}

// List returns the tenant's videos visible to the requester. Admins see all
// of them; everyone else sees their own plus public ones.
func (s *Service) List(ctx context.Context, req models.Requester, filter models.VideoFilter) ([]*models.Video, error) {
	filter.OwnerID = ""
	if !req.Role.AtLeast(models.RoleAdmin) {
		filter.OwnerID = req.UserID
	}
	videos, err := s.store.ListVideos(ctx, req.TenantID, filter)
	if err != nil {
		return nil, err
	}
	if videos == nil {
		videos = []*models.Video{}
	}
	return videos, nil
}

// Status returns the processing view of a record
func (s *Service) Status(ctx context.Context, videoID string, req models.Requester) (*models.VideoStatus, error) {
	v, err := s.Get(ctx, videoID, req)
	if err != nil {
		return nil, err
	}
	return models.StatusOf(v), nil
}

func (s *Service) owned(ctx context.Context, videoID string, req models.Requester) (*models.Video, error) {
	v, err := s.store.GetVideo(ctx, req.TenantID, videoID)
	if err != nil {
		return nil, err
	}
	if v.OwnerID != req.UserID {
		return nil, apperr.New(apperr.Unauthorized, "only the owner can modify this video")
	}
	return v, nil
}

// UpdateMetadata applies an owner's edit to description, tags or visibility
func (s *Service) UpdateMetadata(ctx context.Context, videoID string, req models.Requester, edit models.MetadataEdit) (*models.Video, error) {
	if _, err := s.owned(ctx, videoID, req); err != nil {
		return nil, err
	}
	v, err := s.store.UpdateMetadata(ctx, req.TenantID, videoID, edit)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, req.TenantID, videoID)
	return v, nil
}

// Delete removes an owner's video: the record first, then its bytes
func (s *Service) Delete(ctx context.Context, videoID string, req models.Requester) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "videos.delete",
		trace.WithAttributes(attribute.String("video_id", videoID)),
	)
	defer span.End()

	if _, err := s.owned(ctx, videoID, req); err != nil {
		return nil, err
	}

	v, err := s.store.DeleteVideo(ctx, req.TenantID, videoID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.invalidate(ctx, req.TenantID, videoID)

	if s.blobs != nil {
		// the record is gone; an orphaned blob is logged rather than surfaced
		if err := s.blobs.Delete(ctx, v.StoragePath); err != nil {
			log.Printf("Warning: failed to delete blob %s for video %s: %v", v.StoragePath, videoID, err)
		}
	}
	return v, nil
}

// TenantUsage returns the tenant's used storage in GiB
func (s *Service) TenantUsage(ctx context.Context, tenantID string) (float64, error) {
	return s.store.TenantUsage(ctx, tenantID)
}

// The methods below are used by the processing pipeline, which runs on
// behalf of the system and skips ownership checks.

func (s *Service) StartProcessing(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	return s.store.StartProcessing(ctx, tenantID, videoID, time.Now())
}

func (s *Service) UpdateProgress(ctx context.Context, tenantID, videoID string, progress int) error {
	return s.store.UpdateProgress(ctx, tenantID, videoID, progress)
}

func (s *Service) UpdateMediaInfo(ctx context.Context, tenantID, videoID string, info models.MediaInfo) error {
	return s.store.UpdateMediaInfo(ctx, tenantID, videoID, info)
}

func (s *Service) UpdateSensitivity(ctx context.Context, tenantID, videoID string, status models.SensitivityStatus, details *models.SensitivityDetails) error {
	return s.store.UpdateSensitivity(ctx, tenantID, videoID, status, details)
}

func (s *Service) Complete(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	v, err := s.store.CompleteProcessing(ctx, tenantID, videoID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, tenantID, videoID)
	return v, nil
}

func (s *Service) Fail(ctx context.Context, tenantID, videoID, reason string) error {
	if err := s.store.FailProcessing(ctx, tenantID, videoID, reason); err != nil {
		return err
	}
	s.invalidate(ctx, tenantID, videoID)
	return nil
}

// IncrementViews bumps the view counter. The cached copy is left alone, so
// cached views may lag by up to the cache TTL.
func (s *Service) IncrementViews(ctx context.Context, tenantID, videoID string) error {
	return s.store.IncrementViews(ctx, tenantID, videoID)
}

// ListStale returns processing records started before the cutoff
func (s *Service) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Video, error) {
	return s.store.ListStaleProcessing(ctx, startedBefore, limit)
}
