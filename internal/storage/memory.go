package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/models"
)

// MemoryStore is an in-process VideoStore for tests and single-node dev runs
type MemoryStore struct {
	mu      sync.RWMutex
	videos  map[string]*models.Video
	tenants map[string]float64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos:  make(map[string]*models.Video),
		tenants: make(map[string]float64),
	}
}

// lookup must be called with mu held
func (m *MemoryStore) lookup(tenantID, videoID string) (*models.Video, error) {
	v, ok := m.videos[videoID]
	if !ok || v.TenantID != tenantID {
		return nil, apperr.New(apperr.NotFound, "video not found")
	}
	return v, nil
}

func (m *MemoryStore) CreateVideo(ctx context.Context, v *models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.videos[v.ID]; exists {
		return apperr.New(apperr.ValidationFailed, "video %s already exists", v.ID)
	}
	m.videos[v.ID] = v.Clone()
	return nil
}

func (m *MemoryStore) GetVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.lookup(tenantID, videoID)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

func (m *MemoryStore) ListVideos(ctx context.Context, tenantID string, filter models.VideoFilter) ([]*models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Video
	for _, v := range m.videos {
		if v.TenantID != tenantID {
			continue
		}
		if filter.OwnerID != "" && v.OwnerID != filter.OwnerID && !v.IsPublic {
			continue
		}
		if filter.ProcessingStatus != "" && v.ProcessingStatus != filter.ProcessingStatus {
			continue
		}
		if filter.SensitivityStatus != "" && v.SensitivityStatus != filter.SensitivityStatus {
			continue
		}
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) StartProcessing(ctx context.Context, tenantID, videoID string, at time.Time) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.lookup(tenantID, videoID)
	if err != nil {
		return nil, err
	}
	if v.ProcessingStatus != models.ProcessingPending {
		return nil, stateError("start", v.ProcessingStatus)
	}
	v.ProcessingStatus = models.ProcessingProcessing
	v.ProcessingProgress = ProgressStarted
	started := at
	v.ProcessingStartedAt = &started
	v.UpdatedAt = at
	return v.Clone(), nil
}

// processing returns the record only while it is processing. mu must be held.
func (m *MemoryStore) processing(tenantID, videoID, op string) (*models.Video, error) {
	v, err := m.lookup(tenantID, videoID)
	if err != nil {
		return nil, err
	}
	if v.ProcessingStatus != models.ProcessingProcessing {
		return nil, stateError(op, v.ProcessingStatus)
	}
	return v, nil
}

func (m *MemoryStore) UpdateProgress(ctx context.Context, tenantID, videoID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.processing(tenantID, videoID, "update progress of")
	if err != nil {
		return err
	}
	v.ProcessingProgress = progress
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateMediaInfo(ctx context.Context, tenantID, videoID string, info models.MediaInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.processing(tenantID, videoID, "update media info of")
	if err != nil {
		return err
	}
	d, w, h, f := info.Duration, info.Width, info.Height, info.FrameRate
	v.Duration, v.Width, v.Height, v.FrameRate = &d, &w, &h, &f
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateSensitivity(ctx context.Context, tenantID, videoID string, status models.SensitivityStatus, details *models.SensitivityDetails) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.processing(tenantID, videoID, "classify")
	if err != nil {
		return err
	}
	if v.SensitivityStatus != models.SensitivityPending {
		return apperr.New(apperr.InvalidState, "video already classified as %s", v.SensitivityStatus)
	}
	v.SensitivityStatus = status
	sd := *details
	sd.Flags = append([]string(nil), details.Flags...)
	v.SensitivityDetails = &sd
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CompleteProcessing(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.processing(tenantID, videoID, "complete")
	if err != nil {
		return nil, err
	}
	v.ProcessingStatus = models.ProcessingCompleted
	v.ProcessingProgress = ProgressCompleted
	v.UpdatedAt = time.Now()
	m.tenants[tenantID] = clampUsage(m.tenants[tenantID] + v.SizeGB())
	return v.Clone(), nil
}

func (m *MemoryStore) FailProcessing(ctx context.Context, tenantID, videoID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.processing(tenantID, videoID, "fail")
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "processing failed"
	}
	v.ProcessingStatus = models.ProcessingFailed
	v.ProcessingError = reason
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateMetadata(ctx context.Context, tenantID, videoID string, edit models.MetadataEdit) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.lookup(tenantID, videoID)
	if err != nil {
		return nil, err
	}
	if edit.Description != nil {
		v.Description = *edit.Description
	}
	if edit.Tags != nil {
		v.Tags = append([]string(nil), (*edit.Tags)...)
	}
	if edit.IsPublic != nil {
		v.IsPublic = *edit.IsPublic
	}
	v.UpdatedAt = time.Now()
	return v.Clone(), nil
}

func (m *MemoryStore) IncrementViews(ctx context.Context, tenantID, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.lookup(tenantID, videoID)
	if err != nil {
		return err
	}
	v.Views++
	return nil
}

func (m *MemoryStore) DeleteVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.lookup(tenantID, videoID)
	if err != nil {
		return nil, err
	}
	delete(m.videos, videoID)
	if v.ProcessingStatus == models.ProcessingCompleted {
		m.tenants[tenantID] = clampUsage(m.tenants[tenantID] - v.SizeGB())
	}
	return v, nil
}

func (m *MemoryStore) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Video
	for _, v := range m.videos {
		if v.ProcessingStatus != models.ProcessingProcessing || v.ProcessingStartedAt == nil {
			continue
		}
		if v.ProcessingStartedAt.Before(startedBefore) {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessingStartedAt.Before(*out[j].ProcessingStartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TenantUsage(ctx context.Context, tenantID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tenants[tenantID], nil
}

// SetTenantUsage seeds a tenant's usage counter
func (m *MemoryStore) SetTenantUsage(tenantID string, gb float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = clampUsage(gb)
}
