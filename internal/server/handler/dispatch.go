package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/livewager/internal/dispatch"
	"github.com/alanyoungcy/livewager/internal/domain"
)

// Dispatcher delivers an event on this node.
type Dispatcher interface {
	Dispatch(ctx context.Context, room string, event domain.EventName, payload any) (dispatch.Result, error)
}

// BusPublisher fans an event out to every node through the bus.
type BusPublisher interface {
	Publish(ctx context.Context, room string, event domain.EventName, payload any) error
}

// DispatchHandler lets trusted producers push events. It expects the
// internal-key middleware in front of it.
type DispatchHandler struct {
	router    Dispatcher
	publisher BusPublisher
	logger    *slog.Logger
}

// NewDispatchHandler creates a DispatchHandler. When publisher is non-nil
// events go through the bus so every node delivers them; otherwise they are
// dispatched locally.
func NewDispatchHandler(router Dispatcher, publisher BusPublisher, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{router: router, publisher: publisher, logger: logHandler(logger, "dispatch")}
}

// dispatchRequest is the body of POST /internal/dispatch.
type dispatchRequest struct {
	Room    string           `json:"room"`
	Event   domain.EventName `json:"event"`
	Payload json.RawMessage  `json:"payload"`
}

// Dispatch delivers one event to a room.
// POST /internal/dispatch
func (h *DispatchHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context(), req.Room, req.Event, req.Payload); err != nil {
			h.fail(w, r, req, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}

	res, err := h.router.Dispatch(r.Context(), req.Room, req.Event, req.Payload)
	if err != nil {
		h.fail(w, r, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DispatchHandler) fail(w http.ResponseWriter, r *http.Request, req dispatchRequest, err error) {
	if errors.Is(err, domain.ErrInvalidRoom) || errors.Is(err, domain.ErrUnknownEvent) || errors.Is(err, domain.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), "dispatch failed",
		slog.String("room", req.Room),
		slog.String("event", string(req.Event)),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "dispatch failed")
}
