package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/auth"
	"github.com/maneesh/vidstream/internal/models"
	"github.com/maneesh/vidstream/internal/videos"
)

const maxListLimit = 100

// VideoHandler serves the record endpoints
type VideoHandler struct {
	videos *videos.Service
}

// NewVideoHandler creates a new video handler
func NewVideoHandler(svc *videos.Service) *VideoHandler {
	return &VideoHandler{videos: svc}
}

func requester(w http.ResponseWriter, r *http.Request) (models.Requester, bool) {
	req, ok := auth.FromContext(r.Context())
	if !ok {
		WriteError(w, r, apperr.New(apperr.Unauthenticated, "authentication token required"))
	}
	return req, ok
}

// List handles GET /videos
func (vh *VideoHandler) List(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	list, err := vh.videos.List(r.Context(), req, filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"videos": list,
		"count":  len(list),
	})
}

func parseFilter(r *http.Request) (models.VideoFilter, error) {
	q := r.URL.Query()
	filter := models.VideoFilter{Limit: maxListLimit}

	switch s := models.ProcessingStatus(q.Get("status")); s {
	case "":
	case models.ProcessingPending, models.ProcessingProcessing, models.ProcessingCompleted, models.ProcessingFailed:
		filter.ProcessingStatus = s
	default:
		return filter, apperr.New(apperr.ValidationFailed, "unknown status %q", s)
	}

	switch s := models.SensitivityStatus(q.Get("sensitivity")); s {
	case "":
	case models.SensitivityPending, models.SensitivitySafe, models.SensitivityFlagged:
		filter.SensitivityStatus = s
	default:
		return filter, apperr.New(apperr.ValidationFailed, "unknown sensitivity %q", s)
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, apperr.New(apperr.ValidationFailed, "limit must be a positive integer")
		}
		if n < maxListLimit {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, apperr.New(apperr.ValidationFailed, "offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// Get handles GET /videos/{id}
func (vh *VideoHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}
	v, err := vh.videos.Get(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Status handles GET /videos/{id}/status
func (vh *VideoHandler) Status(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}
	st, err := vh.videos.Status(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Update handles PATCH /videos/{id}
func (vh *VideoHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}

	var edit models.MetadataEdit
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&edit); err != nil {
		WriteError(w, r, apperr.Wrap(apperr.ValidationFailed, err, "invalid request body"))
		return
	}

	v, err := vh.videos.UpdateMetadata(r.Context(), mux.Vars(r)["id"], req, edit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Delete handles DELETE /videos/{id}
func (vh *VideoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}
	v, err := vh.videos.Delete(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Video deleted successfully",
		"videoId": v.ID,
	})
}
