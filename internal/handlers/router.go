package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/vidstream/internal/auth"
	"github.com/maneesh/vidstream/internal/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Routes collects the handlers mounted by NewRouter
type Routes struct {
	Tokens  *auth.Tokens
	Upload  *UploadHandler
	Stream  *StreamHandler
	Videos  *VideoHandler
	Events  *EventsHandler
	Metrics http.Handler
}

// NewRouter mounts every route. Everything except /health and /metrics
// requires a token and is traced. Only the stream and /ws routes take the
// token from the query string.
func NewRouter(rt Routes) *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	if rt.Metrics != nil {
		router.Handle("/metrics", rt.Metrics).Methods("GET")
	}

	authed := rt.Tokens.Middleware(WriteError)
	queryAuthed := rt.Tokens.QueryMiddleware(WriteError)
	traced := func(name string, h http.Handler) http.Handler {
		return otelhttp.NewHandler(authed(h), name)
	}

	router.Handle("/videos/upload",
		traced("POST /videos/upload", auth.RequireRole(models.RoleEditor, WriteError, rt.Upload)),
	).Methods("POST")
	router.Handle("/videos", traced("GET /videos", http.HandlerFunc(rt.Videos.List))).Methods("GET")
	router.Handle("/videos/{id}", traced("GET /videos/{id}", http.HandlerFunc(rt.Videos.Get))).Methods("GET")
	router.Handle("/videos/{id}", traced("PATCH /videos/{id}", http.HandlerFunc(rt.Videos.Update))).Methods("PATCH")
	router.Handle("/videos/{id}", traced("DELETE /videos/{id}", http.HandlerFunc(rt.Videos.Delete))).Methods("DELETE")
	router.Handle("/videos/{id}/status", traced("GET /videos/{id}/status", http.HandlerFunc(rt.Videos.Status))).Methods("GET")
	router.Handle("/videos/{id}/stream",
		otelhttp.NewHandler(queryAuthed(rt.Stream), "GET /videos/{id}/stream"),
	).Methods("GET", "HEAD")

	// the socket outlives the request, so it isn't wrapped in a span
	router.Handle("/ws", queryAuthed(rt.Events)).Methods("GET")

	return router
}
