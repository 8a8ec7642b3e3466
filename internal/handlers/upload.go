package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/auth"
	"github.com/maneesh/vidstream/internal/chunker"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/pipeline"
	"github.com/maneesh/vidstream/internal/videos"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxFieldBytes bounds each non-file form field
const maxFieldBytes = 64 * 1024

// UploadHandler accepts multipart video uploads
type UploadHandler struct {
	videos     *videos.Service
	dispatcher pipeline.Dispatcher
	chunker    *chunker.Chunker
	stagingDir string
	maxBytes   int64
	// keepStaged hands the staged copy to the pipeline instead of removing it.
	// Only safe when jobs run in this process.
	keepStaged bool
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(
	svc *videos.Service,
	dispatcher pipeline.Dispatcher,
	chunker *chunker.Chunker,
	stagingDir string,
	maxBytes int64,
	keepStaged bool,
) *UploadHandler {
	return &UploadHandler{
		videos:     svc,
		dispatcher: dispatcher,
		chunker:    chunker,
		stagingDir: stagingDir,
		maxBytes:   maxBytes,
		keepStaged: keepStaged,
	}
}

// uploadForm is what was read from the multipart body
type uploadForm struct {
	stagedPath   string
	originalName string
	mimeType     string
	size         int64
	checksum     string

	description string
	tags        []string
	isPublic    bool
}

// ServeHTTP handles POST /videos/upload
func (uh *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_video",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	req, ok := auth.FromContext(ctx)
	if !ok {
		WriteError(w, r, apperr.New(apperr.Unauthenticated, "authentication token required"))
		return
	}

	// field overhead on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, uh.maxBytes+1<<20)

	form, err := uh.readForm(ctx, r)
	if form != nil && form.stagedPath != "" {
		defer func() {
			if form.stagedPath != "" {
				os.Remove(form.stagedPath)
			}
		}()
	}
	if err != nil {
		span.RecordError(err)
		WriteError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("file_name", form.originalName),
		attribute.Int64("file_size", form.size),
	)

	v, err := uh.store(ctx, req, form)
	if err != nil {
		span.RecordError(err)
		WriteError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("video_id", v.ID))

	job := pipeline.Job{VideoID: v.ID, TenantID: v.TenantID}
	if uh.keepStaged {
		job.FilePath, job.Cleanup = form.stagedPath, true
	}
	if err := uh.dispatcher.Dispatch(ctx, job); err != nil {
		span.RecordError(err)
		log.Printf("ERROR: failed to dispatch pipeline for video %s: %v", v.ID, err)
		// a record nobody will process is worse than no record
		if _, derr := uh.videos.Delete(context.WithoutCancel(ctx), v.ID, req); derr != nil {
			log.Printf("Warning: failed to roll back video %s: %v", v.ID, derr)
		}
		WriteError(w, r, fmt.Errorf("failed to start processing: %w", err))
		return
	}
	if uh.keepStaged {
		// the pipeline owns the file now
		form.stagedPath = ""
	}

	writeJSON(w, http.StatusCreated, v)
	log.Printf("Video upload accepted: %s (ID: %s, %d bytes)", form.originalName, v.ID, form.size)
}

// readForm streams the multipart body. The video part is staged to disk
// chunk by chunk; text fields may appear before or after it.
func (uh *UploadHandler) readForm(ctx context.Context, r *http.Request) (*uploadForm, error) {
	ctx, span := tracer.Start(ctx, "read_form")
	defer span.End()

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.Wrap(apperr.ValidationFailed, err, "expected a multipart/form-data body")
	}

	form := &uploadForm{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return form, uploadReadError(err)
		}

		switch part.FormName() {
		case "video":
			if form.stagedPath != "" {
				part.Close()
				return form, apperr.New(apperr.ValidationFailed, "only one video file per upload")
			}
			err = uh.stage(ctx, part, form)
		case "description":
			form.description, err = readField(part)
		case "tags":
			var raw string
			raw, err = readField(part)
			form.tags = splitTags(raw)
		case "isPublic":
			var raw string
			raw, err = readField(part)
			if err == nil && raw != "" {
				form.isPublic, err = strconv.ParseBool(raw)
				if err != nil {
					err = apperr.New(apperr.ValidationFailed, "isPublic must be a boolean")
				}
			}
		}
		part.Close()
		if err != nil {
			return form, err
		}
	}

	if form.stagedPath == "" {
		return form, apperr.New(apperr.ValidationFailed, "no video file provided")
	}
	return form, nil
}

func (uh *UploadHandler) stage(ctx context.Context, part *multipart.Part, form *uploadForm) error {
	name := filepath.Base(part.FileName())
	if name == "" || name == "." || name == string(filepath.Separator) {
		return apperr.New(apperr.ValidationFailed, "video part has no filename")
	}

	mimeType := part.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	}
	if media, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = media
	}
	if !strings.HasPrefix(mimeType, "video/") {
		return apperr.New(apperr.ValidationFailed, "only video files are allowed").
			WithDetail("mimeType", mimeType)
	}

	f, err := os.CreateTemp(uh.stagingDir, "upload-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	form.stagedPath = f.Name()
	form.originalName = name
	form.mimeType = mimeType

	n, sum, err := uh.chunker.CopyWithHash(ctx, f, part)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return uploadReadError(err)
	}
	if n == 0 {
		return apperr.New(apperr.ValidationFailed, "video file is empty")
	}
	if n > uh.maxBytes {
		return tooLarge(uh.maxBytes)
	}
	form.size, form.checksum = n, sum
	return nil
}

// store uploads the staged bytes and creates the pending record
func (uh *UploadHandler) store(ctx context.Context, req models.Requester, form *uploadForm) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "store_video")
	defer span.End()

	id := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(form.originalName))
	key := fmt.Sprintf("%s/%s%s", req.TenantID, id, ext)

	f, err := os.Open(form.stagedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen staged upload: %w", err)
	}
	defer f.Close()

	blobs := uh.videos.Blobs()
	if err := blobs.Put(ctx, key, f, form.size, form.mimeType); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store video: %w", err)
	}

	v := &models.Video{
		ID:               id,
		OwnerID:          req.UserID,
		TenantID:         req.TenantID,
		Filename:         id + ext,
		OriginalFilename: form.originalName,
		Size:             form.size,
		MimeType:         form.mimeType,
		Extension:        strings.TrimPrefix(ext, "."),
		StoragePath:      key,
		Checksum:         form.checksum,
		IsPublic:         form.isPublic,
		Tags:             form.tags,
		Description:      form.description,
	}
	if err := uh.videos.Create(ctx, v); err != nil {
		span.RecordError(err)
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if derr := blobs.Delete(cleanupCtx, key); derr != nil {
			log.Printf("Warning: failed to remove orphaned blob %s: %v", key, derr)
		}
		return nil, err
	}
	return v, nil
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", uploadReadError(err)
	}
	if len(b) > maxFieldBytes {
		return "", apperr.New(apperr.ValidationFailed, "form field %s is too long", part.FormName())
	}
	return strings.TrimSpace(string(b)), nil
}

func splitTags(raw string) []string {
	tags := []string{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func tooLarge(limit int64) error {
	return apperr.New(apperr.ValidationFailed, "video exceeds the upload limit").
		WithDetail("maxBytes", limit)
}

func uploadReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperr.New(apperr.ValidationFailed, "video exceeds the upload limit")
	}
	if apperr.KindOf(err) != apperr.Internal {
		return err
	}
	return apperr.Wrap(apperr.ValidationFailed, err, "failed to read upload")
}
