package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/maneesh/vidstream/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vidstream-metadata")

// Fallback values used whenever probing fails
const (
	DefaultDuration  = 60.0
	DefaultWidth     = 1920
	DefaultHeight    = 1080
	DefaultFrameRate = 30.0
)

// DefaultProbeTimeout bounds a single ffprobe invocation
const DefaultProbeTimeout = 30 * time.Second

// Metadata is what the extractor learned about a media file
type Metadata struct {
	Duration    float64
	Width       int
	Height      int
	FrameRate   float64
	TotalFrames int64
	// Defaulted is set when the values are the fixed fallback
	Defaulted bool
}

// Defaults returns the fallback metadata
func Defaults() Metadata {
	return Metadata{
		Duration:    DefaultDuration,
		Width:       DefaultWidth,
		Height:      DefaultHeight,
		FrameRate:   DefaultFrameRate,
		TotalFrames: int64(DefaultDuration * DefaultFrameRate),
		Defaulted:   true,
	}
}

// Extractor probes a stored media file. Implementations never fail: on any
// problem they return Defaults().
type Extractor interface {
	Extract(ctx context.Context, path string) Metadata
}

// Runner executes a command and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// FFProbeExtractor reads metadata with the ffprobe binary
type FFProbeExtractor struct {
	binary  string
	timeout time.Duration
	run     Runner
}

// NewFFProbeExtractor creates an extractor using the given ffprobe binary
func NewFFProbeExtractor(binary string, timeout time.Duration, run Runner) *FFProbeExtractor {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if run == nil {
		run = ExecRunner
	}
	return &FFProbeExtractor{binary: binary, timeout: timeout, run: run}
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Extract probes path, falling back to defaults on any failure
func (e *FFProbeExtractor) Extract(ctx context.Context, path string) Metadata {
	ctx, span := tracer.Start(ctx, "metadata.extract",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	md, err := e.probe(ctx, path)
	if err != nil {
		log.Printf("Warning: metadata extraction failed for %s, using defaults: %v", path, err)
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("defaulted", true))
		metrics.MetadataDefaulted.Inc()
		return Defaults()
	}

	span.SetAttributes(
		attribute.Float64("duration", md.Duration),
		attribute.Int("width", md.Width),
		attribute.Int("height", md.Height),
	)
	return md
}

func (e *FFProbeExtractor) probe(ctx context.Context, path string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.run(ctx, e.binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames:format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (Metadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return Metadata{}, fmt.Errorf("no video stream found")
	}

	stream := probe.Streams[0]
	if stream.Width <= 0 || stream.Height <= 0 {
		return Metadata{}, fmt.Errorf("invalid dimensions %dx%d", stream.Width, stream.Height)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
	if err != nil || duration < 0 || math.IsNaN(duration) {
		return Metadata{}, fmt.Errorf("invalid duration %q", probe.Format.Duration)
	}

	frameRate := parseRate(stream.RFrameRate)
	if frameRate <= 0 {
		frameRate = parseRate(stream.AvgFrameRate)
	}
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}

	totalFrames, err := strconv.ParseInt(stream.NbFrames, 10, 64)
	if err != nil || totalFrames <= 0 {
		totalFrames = int64(math.Round(duration * frameRate))
	}

	return Metadata{
		Duration:    duration,
		Width:       stream.Width,
		Height:      stream.Height,
		FrameRate:   frameRate,
		TotalFrames: totalFrames,
	}, nil
}

// parseRate reads ffprobe's "num/den" rational form
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
