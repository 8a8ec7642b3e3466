package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/vidstream/internal/auth"
	"github.com/maneesh/vidstream/internal/chunker"
	"github.com/maneesh/vidstream/internal/metadata"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/notify"
	"github.com/maneesh/vidstream/internal/pipeline"
	"github.com/maneesh/vidstream/internal/sensitivity"
	"github.com/maneesh/vidstream/internal/storage"
	"github.com/maneesh/vidstream/internal/stream"
	"github.com/maneesh/vidstream/internal/videos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	editor  = models.Requester{UserID: "u1", TenantID: "t1", Role: models.RoleEditor}
	viewer  = models.Requester{UserID: "u2", TenantID: "t1", Role: models.RoleViewer}
	other   = models.Requester{UserID: "u3", TenantID: "t1", Role: models.RoleEditor}
	foreign = models.Requester{UserID: "u1", TenantID: "t2", Role: models.RoleAdmin}
)

type extractorFunc func(ctx context.Context, path string) metadata.Metadata

func (f extractorFunc) Extract(ctx context.Context, path string) metadata.Metadata { return f(ctx, path) }

// failingDispatcher refuses every job
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, pipeline.Job) error {
	return pipeline.ErrDispatcherClosed
}

type env struct {
	t          *testing.T
	server     *httptest.Server
	tokens     *auth.Tokens
	svc        *videos.Service
	mem        *storage.MemoryStore
	blobs      *storage.LocalStore
	dispatcher *pipeline.AsyncDispatcher
	recorder   *notify.Recorder
	staging    string
}

func newEnv(t *testing.T, dispatcher pipeline.Dispatcher) *env {
	mem := storage.NewMemoryStore()
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	svc := videos.NewService(mem, blobs, nil)

	tokens, err := auth.NewTokens("test-secret", "vidstream", time.Hour)
	require.NoError(t, err)

	e := &env{t: t, tokens: tokens, svc: svc, mem: mem, blobs: blobs, recorder: &notify.Recorder{}, staging: t.TempDir()}

	if dispatcher == nil {
		extract := extractorFunc(func(context.Context, string) metadata.Metadata {
			return metadata.Metadata{Duration: 12, Width: 1920, Height: 1080, FrameRate: 30, TotalFrames: 360}
		})
		orch := pipeline.NewOrchestrator(svc, extract, sensitivity.NewClassifier(sensitivity.DeterministicRules()...), e.recorder,
			pipeline.Options{StageTimeout: time.Second, Blobs: blobs, StagingDir: e.staging})
		e.dispatcher = pipeline.NewAsyncDispatcher(orch)
		dispatcher = e.dispatcher
	}

	chunks := chunker.NewChunker(64)
	router := NewRouter(Routes{
		Tokens: tokens,
		Upload: NewUploadHandler(svc, dispatcher, chunks, e.staging, 1<<20, true),
		Stream: NewStreamHandler(stream.NewServer(svc, blobs), chunks),
		Videos: NewVideoHandler(svc),
		Events: NewEventsHandler(notify.NewHub(nil)),
	})
	e.server = httptest.NewServer(router)
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) token(req models.Requester) string {
	signed, err := e.tokens.Issue(req)
	require.NoError(e.t, err)
	return signed
}

func (e *env) do(method, path string, as models.Requester, body io.Reader, header http.Header) *http.Response {
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(e.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+e.token(as))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type part struct {
	field, filename, contentType string
	data                         []byte
}

func multipartBody(t *testing.T, parts ...part) (io.Reader, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		if p.filename != "" {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		} else {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, p.field))
		}
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func videoBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 253)
	}
	return b
}

func (e *env) upload(as models.Requester, parts ...part) *http.Response {
	body, contentType := multipartBody(e.t, parts...)
	return e.do(http.MethodPost, "/videos/upload", as, body, http.Header{"Content-Type": {contentType}})
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestUpload_ProcessesAndStreams(t *testing.T) {
	e := newEnv(t, nil)
	data := videoBytes(5000)

	resp := e.upload(editor,
		part{field: "description", data: []byte("beach day")},
		part{field: "tags", data: []byte("summer, beach ,")},
		part{field: "video", filename: "Holiday.MP4", contentType: "video/mp4", data: data},
	)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Video
	decode(t, resp, &created)
	assert.Equal(t, models.ProcessingPending, created.ProcessingStatus)
	assert.Equal(t, models.SensitivityPending, created.SensitivityStatus)
	assert.Equal(t, int64(5000), created.Size)
	assert.Equal(t, "Holiday.MP4", created.OriginalFilename)
	assert.Equal(t, "mp4", created.Extension)
	assert.Equal(t, "beach day", created.Description)
	assert.Equal(t, []string{"summer", "beach"}, created.Tags)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), created.Checksum)

	e.dispatcher.Wait()

	resp = e.do(http.MethodGet, "/videos/"+created.ID+"/status", editor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st models.VideoStatus
	decode(t, resp, &st)
	assert.Equal(t, models.ProcessingCompleted, st.ProcessingStatus)
	assert.Equal(t, 100, st.ProcessingProgress)
	assert.Equal(t, models.SensitivitySafe, st.SensitivityStatus)
	require.NotNil(t, st.SensitivityScore)
	assert.Equal(t, 0, *st.SensitivityScore)

	assert.Equal(t, []string{
		models.EventProcessingStarted,
		models.EventProcessingProgress,
		models.EventProcessingCompleted,
	}, e.recorder.Names(created.ID))

	// the staged copy is gone once the pipeline ends
	entries, err := os.ReadDir(e.staging)
	require.NoError(t, err)
	assert.Empty(t, entries)

	resp = e.do(http.MethodGet, "/videos/"+created.ID+"/stream", editor, nil, http.Header{"Range": {"bytes=1000-1999"}})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 1000-1999/5000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "1000", resp.Header.Get("Content-Length"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[1000:2000], got)

	resp = e.do(http.MethodGet, "/videos/"+created.ID+"/stream", editor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUpload_Validation(t *testing.T) {
	e := newEnv(t, nil)

	cases := map[string][]part{
		"no file":   {{field: "description", data: []byte("x")}},
		"not video": {{field: "video", filename: "notes.txt", contentType: "text/plain", data: []byte("hello")}},
		"empty":     {{field: "video", filename: "a.mp4", contentType: "video/mp4"}},
		"bad flag":  {{field: "isPublic", data: []byte("maybe")}, {field: "video", filename: "a.mp4", contentType: "video/mp4", data: []byte("x")}},
		"too large": {{field: "video", filename: "a.mp4", contentType: "video/mp4", data: videoBytes(1<<20 + 1)}},
	}
	for name, parts := range cases {
		t.Run(name, func(t *testing.T) {
			resp := e.upload(editor, parts...)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body map[string]interface{}
			decode(t, resp, &body)
			assert.Equal(t, "validation_failed", body["kind"])
		})
	}

	list, err := e.mem.ListVideos(context.Background(), "t1", models.VideoFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	entries, err := os.ReadDir(e.staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpload_RequiresEditor(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.upload(viewer, part{field: "video", filename: "a.mp4", contentType: "video/mp4", data: []byte("x")})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUpload_RequiresToken(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := http.Get(e.server.URL + "/videos")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "unauthenticated", body["kind"])
}

func TestAuth_BadTokenIsUnauthorizedNotForbidden(t *testing.T) {
	e := newEnv(t, nil)
	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/videos", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a valid identity without the role stays 403
	up := e.upload(viewer, part{field: "video", filename: "a.mp4", contentType: "video/mp4", data: []byte("x")})
	assert.Equal(t, http.StatusForbidden, up.StatusCode)
}

func TestAuth_QueryTokenOnlyOnStreamAndEvents(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("v1", editor, videoBytes(10), false, true)
	token := e.token(editor)

	for _, path := range []string{"/videos", "/videos/v1", "/videos/v1/status"} {
		resp, err := http.Get(e.server.URL + path + "?token=" + token)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp, err := http.Get(e.server.URL + "/videos/v1/stream?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// reaches the upgrade step instead of being turned away by auth
	resp, err = http.Get(e.server.URL + "/ws?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpload_DispatchFailureRollsBack(t *testing.T) {
	e := newEnv(t, failingDispatcher{})
	resp := e.upload(editor, part{field: "video", filename: "a.mp4", contentType: "video/mp4", data: videoBytes(100)})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	list, err := e.mem.ListVideos(context.Background(), "t1", models.VideoFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// seed creates a record with stored bytes without running the pipeline
func (e *env) seed(id string, owner models.Requester, data []byte, public, complete bool) {
	ctx := context.Background()
	key := owner.TenantID + "/" + id + ".mp4"
	require.NoError(e.t, e.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "video/mp4"))
	require.NoError(e.t, e.svc.Create(ctx, &models.Video{
		ID: id, TenantID: owner.TenantID, OwnerID: owner.UserID, Filename: id + ".mp4",
		OriginalFilename: id + ".mp4", Size: int64(len(data)), MimeType: "video/mp4",
		StoragePath: key, IsPublic: public,
	}))
	if complete {
		_, err := e.svc.StartProcessing(ctx, owner.TenantID, id)
		require.NoError(e.t, err)
		_, err = e.svc.Complete(ctx, owner.TenantID, id)
		require.NoError(e.t, err)
	}
}

func TestStream_UnsatisfiableRange(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("v1", editor, videoBytes(1000), false, true)

	resp := e.do(http.MethodGet, "/videos/v1/stream", editor, nil, http.Header{"Range": {"bytes=1000-"}})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */1000", resp.Header.Get("Content-Range"))

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "range_not_satisfiable", body["kind"])
	assert.EqualValues(t, 1000, body["requestedStart"])
	assert.EqualValues(t, 1000, body["fileSize"])
}

func TestStream_ErrorStatuses(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("done", editor, videoBytes(100), false, true)
	e.seed("pending", editor, videoBytes(100), false, false)

	cases := []struct {
		name   string
		path   string
		as     models.Requester
		rng    string
		status int
		kind   string
	}{
		{"still processing", "/videos/pending/stream", editor, "", http.StatusBadRequest, "invalid_state"},
		{"private", "/videos/done/stream", other, "", http.StatusForbidden, "unauthorized"},
		{"other tenant", "/videos/done/stream", foreign, "", http.StatusNotFound, "not_found"},
		{"unknown", "/videos/nope/stream", editor, "", http.StatusNotFound, "not_found"},
		{"malformed range", "/videos/done/stream", editor, "bytes=a-b", http.StatusBadRequest, "validation_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			if tc.rng != "" {
				header.Set("Range", tc.rng)
			}
			resp := e.do(http.MethodGet, tc.path, tc.as, nil, header)
			assert.Equal(t, tc.status, resp.StatusCode)
			var body map[string]interface{}
			decode(t, resp, &body)
			assert.Equal(t, tc.kind, body["kind"])
		})
	}

	resp := e.do(http.MethodGet, "/videos/pending/stream", editor, nil, nil)
	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "video is still processing", body["error"])
	assert.Equal(t, "pending", body["status"])
}

func TestStream_HeadSendsHeadersOnly(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("v1", editor, videoBytes(300), false, true)

	resp := e.do(http.MethodHead, "/videos/v1/stream", editor, nil, http.Header{"Range": {"bytes=0-99"}})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-99/300", resp.Header.Get("Content-Range"))
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, got)

	resp = e.do(http.MethodHead, "/videos/v1/stream", editor, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "attachment; filename=v1.mp4", resp.Header.Get("Content-Disposition"))

	assert.Never(t, func() bool {
		v, err := e.mem.GetVideo(context.Background(), "t1", "v1")
		return err != nil || v.Views != 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestStream_QueryToken(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("v1", editor, videoBytes(300), false, true)

	resp, err := http.Get(e.server.URL + "/videos/v1/stream?token=" + e.token(editor))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, got, 300)
}

func TestVideos_ListAndGet(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("mine", editor, videoBytes(10), false, true)
	e.seed("public", other, videoBytes(10), true, true)
	e.seed("hidden", other, videoBytes(10), false, false)

	resp := e.do(http.MethodGet, "/videos", editor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Videos []models.Video `json:"videos"`
		Count  int            `json:"count"`
	}
	decode(t, resp, &list)
	assert.Equal(t, 2, list.Count)

	resp = e.do(http.MethodGet, "/videos?status=pending", models.Requester{UserID: "boss", TenantID: "t1", Role: models.RoleAdmin}, nil, nil)
	decode(t, resp, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "hidden", list.Videos[0].ID)

	resp = e.do(http.MethodGet, "/videos?status=bogus", editor, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(http.MethodGet, "/videos/public", editor, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(http.MethodGet, "/videos/hidden", editor, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestVideos_UpdateAndDelete(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("v1", editor, videoBytes(10), false, true)

	resp := e.do(http.MethodPatch, "/videos/v1", other, strings.NewReader(`{"isPublic": true}`), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(http.MethodPatch, "/videos/v1", editor, strings.NewReader(`{"storagePath": "x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(http.MethodPatch, "/videos/v1", editor, strings.NewReader(`{"description": "new", "tags": ["a"], "isPublic": true}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated models.Video
	decode(t, resp, &updated)
	assert.Equal(t, "new", updated.Description)
	assert.Equal(t, []string{"a"}, updated.Tags)
	assert.True(t, updated.IsPublic)

	resp = e.do(http.MethodDelete, "/videos/v1", other, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(http.MethodDelete, "/videos/v1", editor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := e.blobs.Stat(context.Background(), "t1/v1.mp4")
	assert.Error(t, err)
	resp = e.do(http.MethodGet, "/videos/v1", editor, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
