package handlers

import (
	"net/http"

	"github.com/maneesh/vidstream/internal/notify"
)

// EventsHandler upgrades to a websocket in the requester's tenant room
type EventsHandler struct {
	hub *notify.Hub
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(hub *notify.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// ServeHTTP handles GET /ws
func (eh *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, ok := requester(w, r)
	if !ok {
		return
	}
	// the upgrader has already replied and logged on failure
	_ = eh.hub.Serve(w, r, req.TenantID, req.UserID)
}
