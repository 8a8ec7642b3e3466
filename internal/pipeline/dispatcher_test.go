package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/maneesh/vidstream/internal/metadata"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncDispatcher_RunsJobsInBackground(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.addVideo(t, fmt.Sprintf("v%d", i), 10)
	}
	d := NewAsyncDispatcher(f.orchestrator(nil, fixedMetadata(10, 1920, 1080, 30), nil, time.Second))

	// a cancelled request context must not abort the run
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch(ctx, Job{VideoID: fmt.Sprintf("v%d", i), TenantID: "t1"}))
	}
	cancel()
	d.Wait()

	for i := 0; i < 5; i++ {
		assert.Equal(t, models.ProcessingCompleted, f.get(t, fmt.Sprintf("v%d", i)).ProcessingStatus)
	}
}

func TestAsyncDispatcher_CloseRejectsNewJobs(t *testing.T) {
	f := newFixture(t)
	d := NewAsyncDispatcher(f.orchestrator(nil, fixedMetadata(10, 1920, 1080, 30), nil, time.Second))

	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Dispatch(context.Background(), Job{VideoID: "v1", TenantID: "t1"}), ErrDispatcherClosed)
}

func TestAsyncDispatcher_CloseHonoursDeadline(t *testing.T) {
	f := newFixture(t)
	f.addVideo(t, "v1", 10)
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := extractorFunc(func(ctx context.Context, path string) metadata.Metadata {
		close(entered)
		<-release
		return metadata.Defaults()
	})
	d := NewAsyncDispatcher(f.orchestrator(nil, blocking, nil, 5*time.Second))
	require.NoError(t, d.Dispatch(context.Background(), Job{VideoID: "v1", TenantID: "t1"}))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	close(release)
	d.Wait()
	assert.Equal(t, models.ProcessingCompleted, f.get(t, "v1").ProcessingStatus)
}
