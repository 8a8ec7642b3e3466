package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRelay_FansOutThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := storage.NewRedisClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer rc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := &Recorder{}
	relay := NewRedisRelay(rc, local)
	go relay.Run(ctx)

	// wait for the subscription to be active before publishing
	require.Eventually(t, func() bool {
		return mr.PubSubNumPat() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, relay.Emit(ctx, "acme", models.Event{Name: models.EventProcessingStarted, VideoID: "v1"}))

	require.Eventually(t, func() bool { return len(local.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := local.Events()[0]
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, models.EventProcessingStarted, got.Event.Name)
}
