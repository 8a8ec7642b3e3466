package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/maneesh/vidstream/internal/apperr"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("vidstream-handlers")

// WriteError renders err as {"error", "kind", ...details} with the status
// for its kind
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  kind.String(),
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body["error"] = appErr.Message
		for k, v := range appErr.Details {
			body[k] = v
		}
		if kind == apperr.RangeNotSatisfiable {
			if size, ok := appErr.Details["fileSize"]; ok {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%v", size))
			}
		}
	}

	if kind == apperr.Unauthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer realm="vidstream"`)
	}

	if status >= http.StatusInternalServerError {
		log.Printf("ERROR: %s %s: %v", r.Method, r.URL.Path, err)
		// don't leak driver errors
		body["error"] = "internal server error"
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}
