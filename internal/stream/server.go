// Package stream serves the bytes of completed videos with HTTP Range support
package stream

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/metrics"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vidstream-stream")

// viewTimeout bounds the detached view-count update
const viewTimeout = 5 * time.Second

// Videos is the authorized record lookup the server streams from
type Videos interface {
	Get(ctx context.Context, videoID string, req models.Requester) (*models.Video, error)
	IncrementViews(ctx context.Context, tenantID, videoID string) error
}

// Request is one stream call. HeadOnly resolves headers without opening the
// blob or counting a view.
type Request struct {
	VideoID     string
	Requester   models.Requester
	RangeHeader string
	HeadOnly    bool
}

// Response describes what to send. Body yields exactly ContentLength bytes
// and must be closed by the caller.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// Server prepares streaming responses
type Server struct {
	videos Videos
	blobs  storage.BlobStore
}

// NewServer creates a streaming server
func NewServer(videos Videos, blobs storage.BlobStore) *Server {
	return &Server{videos: videos, blobs: blobs}
}

// Stream authorizes the request, resolves the range and opens the body. On
// success a non-HEAD request counts one view in the background.
func (s *Server) Stream(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "stream.setup",
		trace.WithAttributes(
			attribute.String("video_id", req.VideoID),
			attribute.String("range", req.RangeHeader),
		),
	)
	defer span.End()

	v, err := s.videos.Get(ctx, req.VideoID, req.Requester)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	switch v.ProcessingStatus {
	case models.ProcessingCompleted:
	case models.ProcessingFailed:
		return nil, apperr.New(apperr.InvalidState, "video processing failed").
			WithDetail("status", string(v.ProcessingStatus))
	default:
		return nil, apperr.New(apperr.InvalidState, "video is still processing").
			WithDetail("status", string(v.ProcessingStatus))
	}

	size, err := s.blobs.Stat(ctx, v.StoragePath)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	window, partial, err := ParseRange(req.RangeHeader, size)
	if err != nil {
		return nil, err
	}
	if !partial {
		window = ByteRange{Start: 0, End: size - 1}
	}

	length := window.Length()
	var body io.ReadCloser
	if length > 0 && !req.HeadOnly {
		body, err = s.blobs.Open(ctx, v.StoragePath, window.Start, length)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	} else {
		body = io.NopCloser(http.NoBody)
	}

	header := http.Header{}
	contentType := v.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	header.Set("Content-Disposition", disposition(v.OriginalFilename))

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", window.Start, window.End, size))
	}

	span.SetAttributes(
		attribute.Int("status_code", status),
		attribute.Int64("content_length", length),
	)

	if !req.HeadOnly {
		s.countView(v.TenantID, v.ID)
	}

	return &Response{StatusCode: status, Header: header, Body: body, ContentLength: length}, nil
}

// disposition suggests saving under the uploaded name. Names outside the
// token charset get the RFC 2231 filename* form.
func disposition(filename string) string {
	if filename == "" {
		return "attachment"
	}
	if d := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); d != "" {
		return d
	}
	return "attachment"
}

// countView increments views off the request path. Failures are logged only.
func (s *Server) countView(tenantID, videoID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), viewTimeout)
		defer cancel()
		if err := s.videos.IncrementViews(ctx, tenantID, videoID); err != nil {
			metrics.ViewIncrementFailures.Inc()
			log.Printf("Warning: failed to count view for video %s: %v", videoID, err)
		}
	}()
}
