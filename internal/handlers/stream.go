package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/auth"
	"github.com/maneesh/vidstream/internal/chunker"
	"github.com/maneesh/vidstream/internal/metrics"
	"github.com/maneesh/vidstream/internal/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StreamHandler serves video bytes with Range support
type StreamHandler struct {
	server  *stream.Server
	chunker *chunker.Chunker
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(server *stream.Server, chunker *chunker.Chunker) *StreamHandler {
	return &StreamHandler{server: server, chunker: chunker}
}

// ServeHTTP handles GET and HEAD /videos/{id}/stream
func (sh *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "stream_video",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	videoID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("video_id", videoID))

	req, ok := auth.FromContext(ctx)
	if !ok {
		sh.fail(w, r, apperr.New(apperr.Unauthenticated, "authentication token required"))
		return
	}

	resp, err := sh.server.Stream(ctx, stream.Request{
		VideoID:     videoID,
		Requester:   req,
		RangeHeader: r.Header.Get("Range"),
		HeadOnly:    r.Method == http.MethodHead,
	})
	if err != nil {
		span.RecordError(err)
		sh.fail(w, r, err)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	metrics.StreamRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if r.Method == http.MethodHead {
		return
	}

	// headers are out; errors from here on can only be logged
	n, err := sh.chunker.Copy(ctx, w, resp.Body)
	metrics.StreamBytes.Add(float64(n))
	span.SetAttributes(attribute.Int64("bytes_written", n))
	if err != nil {
		span.RecordError(err)
		log.Printf("Stream of video %s ended after %d/%d bytes: %v", videoID, n, resp.ContentLength, err)
	}
}

func (sh *StreamHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	metrics.StreamRequests.WithLabelValues(strconv.Itoa(apperr.HTTPStatus(apperr.KindOf(err)))).Inc()
	WriteError(w, r, err)
}
