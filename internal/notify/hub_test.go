package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHubServer joins each socket to the tenant named in ?tenant=
func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("tenant"), "user")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, tenant string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=" + tenant
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, tenant string, n int) {
	require.Eventually(t, func() bool { return hub.ClientCount(tenant) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_DeliversOnlyToTenantRoom(t *testing.T) {
	hub := NewHub(nil)
	srv := newHubServer(t, hub)

	acme := dial(t, srv, "acme")
	other := dial(t, srv, "other")
	waitForClients(t, hub, "acme", 1)
	waitForClients(t, hub, "other", 1)

	require.NoError(t, hub.Emit(context.Background(), "acme", models.Event{
		Name: models.EventProcessingProgress, VideoID: "v1", Progress: 75, Message: "Sensitivity analysis completed",
	}))

	acme.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Event
	require.NoError(t, acme.ReadJSON(&got))
	assert.Equal(t, models.EventProcessingProgress, got.Name)
	assert.Equal(t, 75, got.Progress)

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "other tenant must not receive the event")
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	srv := newHubServer(t, hub)

	conn := dial(t, srv, "acme")
	waitForClients(t, hub, "acme", 1)

	conn.Close()
	waitForClients(t, hub, "acme", 0)
}

func TestHub_EmitToEmptyRoom(t *testing.T) {
	hub := NewHub(nil)
	assert.NoError(t, hub.Emit(context.Background(), "nobody", models.Event{Name: "x"}))
}

func TestRecorder_Names(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	r.Emit(ctx, "t1", models.Event{Name: models.EventProcessingStarted, VideoID: "v1"})
	r.Emit(ctx, "t1", models.Event{Name: models.EventProcessingStarted, VideoID: "v2"})
	r.Emit(ctx, "t1", models.Event{Name: models.EventProcessingCompleted, VideoID: "v1"})

	assert.Equal(t, []string{models.EventProcessingStarted, models.EventProcessingCompleted}, r.Names("v1"))
	assert.Len(t, r.Events(), 3)
}
