package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/livewager/internal/auth"
	"github.com/alanyoungcy/livewager/internal/domain"
)

// WagerService defines the methods that the wager handler requires from the
// service layer.
type WagerService interface {
	Place(ctx context.Context, p domain.Principal, sub domain.Submission) (domain.SubmissionResult, error)
	History(ctx context.Context, principalID string, opts domain.ListOpts) ([]domain.WagerRecord, error)
}

// WagerHandler serves the submission endpoint and the caller's history.
// Both routes expect auth.RequireBearer in front of them.
type WagerHandler struct {
	wagers WagerService
	logger *slog.Logger
}

// NewWagerHandler creates a WagerHandler with the given service and logger.
func NewWagerHandler(wagers WagerService, logger *slog.Logger) *WagerHandler {
	return &WagerHandler{wagers: wagers, logger: logHandler(logger, "wager")}
}

// PlaceWager submits one wager for the authenticated principal. The body is
// the submission; the response is always a SubmissionResult.
// POST /api/wagers
func (h *WagerHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.UserMessage(domain.ErrAuthentication))
		return
	}

	var sub domain.Submission
	if err := decodeJSON(w, r, &sub); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.Rejected(domain.ErrValidation))
		return
	}

	res, err := h.wagers.Place(r.Context(), p, sub)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "place wager failed",
			slog.String("principal_id", p.ID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, domain.Rejected(domain.ErrTransport))
		return
	}
	writeJSON(w, ResultStatus(res), res)
}

// ResultStatus maps a submission result to its HTTP status code.
func ResultStatus(res domain.SubmissionResult) int {
	switch res.Outcome {
	case domain.OutcomeAccepted:
		return http.StatusCreated
	case domain.OutcomeUnknown:
		return http.StatusAccepted
	}
	switch res.Reason {
	case domain.ReasonValidation:
		return http.StatusBadRequest
	case domain.ReasonDuplicate:
		return http.StatusConflict
	case domain.ReasonRateLimited:
		return http.StatusTooManyRequests
	case domain.ReasonUnauthenticated:
		return http.StatusUnauthorized
	case domain.ReasonTransport:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

type listWagersResponse struct {
	Wagers []domain.WagerRecord `json:"wagers"`
}

// ListWagers returns the authenticated principal's own submissions.
// GET /api/wagers?limit=50&offset=0&since=...&until=...
func (h *WagerHandler) ListWagers(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.UserMessage(domain.ErrAuthentication))
		return
	}

	recs, err := h.wagers.History(r.Context(), p.ID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list wagers failed",
			slog.String("principal_id", p.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list wagers")
		return
	}
	if recs == nil {
		recs = []domain.WagerRecord{}
	}
	writeJSON(w, http.StatusOK, listWagersResponse{Wagers: recs})
}
