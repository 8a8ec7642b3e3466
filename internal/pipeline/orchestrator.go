// Package pipeline drives an uploaded video from pending to a terminal
// state: metadata extraction, sensitivity classification, completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/chunker"
	"github.com/maneesh/vidstream/internal/metadata"
	"github.com/maneesh/vidstream/internal/metrics"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/notify"
	"github.com/maneesh/vidstream/internal/sensitivity"
	"github.com/maneesh/vidstream/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vidstream-pipeline")

// DefaultStageTimeout bounds each pipeline stage when none is configured
const DefaultStageTimeout = 2 * time.Minute

// ProgressMessage accompanies the progress event sent after classification
const ProgressMessage = "Sensitivity analysis completed"

// Job identifies one pipeline run. FilePath is a local copy of the upload;
// when it is empty or gone the bytes are fetched from the blob store.
type Job struct {
	VideoID  string `json:"videoId"`
	TenantID string `json:"tenantId"`
	FilePath string `json:"filePath,omitempty"`
	// Cleanup removes FilePath once the run ends
	Cleanup bool `json:"cleanup,omitempty"`
}

// Runner executes a job to completion
type Runner interface {
	RunPipeline(ctx context.Context, job Job) error
}

// Records is the part of the record store the pipeline writes through
type Records interface {
	StartProcessing(ctx context.Context, tenantID, videoID string) (*models.Video, error)
	UpdateProgress(ctx context.Context, tenantID, videoID string, progress int) error
	UpdateMediaInfo(ctx context.Context, tenantID, videoID string, info models.MediaInfo) error
	UpdateSensitivity(ctx context.Context, tenantID, videoID string, status models.SensitivityStatus, details *models.SensitivityDetails) error
	Complete(ctx context.Context, tenantID, videoID string) (*models.Video, error)
	Fail(ctx context.Context, tenantID, videoID, reason string) error
}

// Classifier scores a video's signal
type Classifier interface {
	Classify(s sensitivity.Signal) sensitivity.Result
}

// Options tunes an Orchestrator
type Options struct {
	StageTimeout time.Duration
	// Blobs is used to fetch bytes when a job has no local file
	Blobs      storage.BlobStore
	StagingDir string
}

// Orchestrator runs the processing pipeline
type Orchestrator struct {
	records      Records
	extractor    metadata.Extractor
	classifier   Classifier
	notifier     notify.Notifier
	stageTimeout time.Duration
	blobs        storage.BlobStore
	stagingDir   string
	chunker      *chunker.Chunker

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(records Records, extractor metadata.Extractor, classifier Classifier, notifier notify.Notifier, opts Options) *Orchestrator {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir()
	}
	return &Orchestrator{
		records:      records,
		extractor:    extractor,
		classifier:   classifier,
		notifier:     notifier,
		stageTimeout: opts.StageTimeout,
		blobs:        opts.Blobs,
		stagingDir:   opts.StagingDir,
		chunker:      chunker.NewChunker(0),
		inFlight:     make(map[string]struct{}),
	}
}

func (o *Orchestrator) acquire(videoID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[videoID]; busy {
		return false
	}
	o.inFlight[videoID] = struct{}{}
	return true
}

func (o *Orchestrator) release(videoID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, videoID)
}

// InFlight reports whether this process is currently running the video
func (o *Orchestrator) InFlight(videoID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inFlight[videoID]
	return busy
}

// RunPipeline processes one video. A run that gets past the pending to
// processing transition always leaves the record completed or failed.
func (o *Orchestrator) RunPipeline(ctx context.Context, job Job) (err error) {
	if !o.acquire(job.VideoID) {
		return apperr.New(apperr.AlreadyProcessing, "video %s is already being processed", job.VideoID)
	}
	defer o.release(job.VideoID)

	defer func() {
		if job.Cleanup && job.FilePath != "" && !apperr.Is(err, apperr.AlreadyProcessing) {
			if rmErr := os.Remove(job.FilePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Printf("Warning: failed to remove staged file %s: %v", job.FilePath, rmErr)
			}
		}
	}()

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("video_id", job.VideoID),
			attribute.String("tenant_id", job.TenantID),
		),
	)
	defer span.End()

	video, err := o.records.StartProcessing(ctx, job.TenantID, job.VideoID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	started := time.Now()
	metrics.PipelinesActive.Inc()
	defer metrics.PipelinesActive.Dec()

	log.Printf("Processing video %s (tenant %s)", job.VideoID, job.TenantID)
	o.emit(ctx, job.TenantID, models.Event{Name: models.EventProcessingStarted, VideoID: job.VideoID})

	final, err := o.process(ctx, job, video)
	metrics.PipelineDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		o.fail(ctx, job, err)
		metrics.PipelineRuns.WithLabelValues(string(models.ProcessingFailed)).Inc()
		return err
	}

	metrics.PipelineRuns.WithLabelValues(string(models.ProcessingCompleted)).Inc()
	log.Printf("Video %s completed in %s (sensitivity: %s)", job.VideoID, time.Since(started), final.SensitivityStatus)
	o.emit(ctx, job.TenantID, models.Event{
		Name:              models.EventProcessingCompleted,
		VideoID:           job.VideoID,
		Video:             final,
		SensitivityStatus: final.SensitivityStatus,
	})
	return nil
}

func (o *Orchestrator) process(ctx context.Context, job Job, video *models.Video) (_ *models.Video, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	path, cleanup, err := o.localFile(ctx, job, video)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	extracted := make(chan metadata.Metadata, 1)
	err = o.runStage(ctx, "extract_metadata", func(ctx context.Context) error {
		extracted <- o.extractor.Extract(ctx, path)
		return nil
	})
	var md metadata.Metadata
	switch {
	case err == nil:
		md = <-extracted
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// a slow probe is treated like a failed one
		log.Printf("Warning: %v; using default metadata for video %s", err, job.VideoID)
		metrics.MetadataDefaulted.Inc()
		md = metadata.Defaults()
	default:
		return nil, err
	}

	info := models.MediaInfo{Duration: md.Duration, Width: md.Width, Height: md.Height, FrameRate: md.FrameRate}
	err = o.runStage(ctx, "persist_metadata", func(ctx context.Context) error {
		if err := o.records.UpdateMediaInfo(ctx, job.TenantID, job.VideoID, info); err != nil {
			return err
		}
		return o.records.UpdateProgress(ctx, job.TenantID, job.VideoID, storage.ProgressExtracted)
	})
	if err != nil {
		return nil, err
	}

	var result sensitivity.Result
	err = o.runStage(ctx, "classify", func(ctx context.Context) error {
		result = o.classifier.Classify(sensitivity.Signal{
			Duration:  md.Duration,
			Width:     md.Width,
			Height:    md.Height,
			FrameRate: md.FrameRate,
		})
		if err := o.records.UpdateSensitivity(ctx, job.TenantID, job.VideoID, result.Status, result.Details()); err != nil {
			return err
		}
		return o.records.UpdateProgress(ctx, job.TenantID, job.VideoID, storage.ProgressClassified)
	})
	if err != nil {
		return nil, err
	}
	metrics.SensitivityResults.WithLabelValues(string(result.Status)).Inc()

	o.emit(ctx, job.TenantID, models.Event{
		Name:     models.EventProcessingProgress,
		VideoID:  job.VideoID,
		Progress: storage.ProgressClassified,
		Message:  ProgressMessage,
	})

	var completed *models.Video
	err = o.runStage(ctx, "complete", func(ctx context.Context) error {
		var cerr error
		completed, cerr = o.records.Complete(ctx, job.TenantID, job.VideoID)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// runStage runs fn under the stage timeout in its own span. A stage that
// doesn't return in time is abandoned and reported as failed.
func (o *Orchestrator) runStage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in %s: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
		}
		return err
	case <-ctx.Done():
		err := fmt.Errorf("%s cancelled: %w", name, ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out after %s: %w", name, o.stageTimeout, ctx.Err())
		}
		span.RecordError(err)
		return err
	}
}

// fail marks the record failed using a context that outlives a cancelled run
func (o *Orchestrator) fail(ctx context.Context, job Job, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	reason := cause.Error()
	log.Printf("Video %s failed: %s", job.VideoID, reason)
	if err := o.records.Fail(ctx, job.TenantID, job.VideoID, reason); err != nil {
		log.Printf("Error marking video %s failed: %v", job.VideoID, err)
	}
	o.emit(ctx, job.TenantID, models.Event{Name: models.EventProcessingFailed, VideoID: job.VideoID, Error: reason})
}

func (o *Orchestrator) emit(ctx context.Context, tenantID string, event models.Event) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Emit(ctx, tenantID, event); err != nil {
		log.Printf("Warning: failed to emit %s for video %s: %v", event.Name, event.VideoID, err)
	}
}

// localFile returns a path ffprobe can read. The staged upload is used when it
// still exists; otherwise the blob is copied into the staging dir.
func (o *Orchestrator) localFile(ctx context.Context, job Job, video *models.Video) (string, func(), error) {
	noop := func() {}
	if job.FilePath != "" {
		if _, err := os.Stat(job.FilePath); err == nil {
			return job.FilePath, noop, nil
		}
	}
	if o.blobs == nil {
		// the extractor falls back to defaults for a missing path
		return job.FilePath, noop, nil
	}

	src, err := o.blobs.Open(ctx, video.StoragePath, 0, 0)
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(o.stagingDir, "probe-*"+video.Extension)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create probe file: %w", err)
	}
	if _, err := o.chunker.Copy(ctx, tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to fetch video for probing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to write probe file: %w", err)
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}
