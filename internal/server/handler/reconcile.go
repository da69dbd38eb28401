package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/predictcore/internal/reconcile"
)

// ReconcileService defines the methods that the reconcile handler requires.
type ReconcileService interface {
	Reconcile(ctx context.Context, orderIDs []string, clientLastSeq uint64) (reconcile.Report, error)
	ConfirmCancellation(ctx context.Context, cancelRecordID string) (reconcile.Confirmation, error)
}

// ReconcileHandler serves client state reconciliation endpoints.
type ReconcileHandler struct {
	service ReconcileService
	logger  *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler with the given service.
func NewReconcileHandler(service ReconcileService, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		service: service,
		logger:  logger,
	}
}

// reconcileRequest is the JSON body for a reconciliation request. The client
// reports the orders it believes are live and the highest event sequence it
// has observed.
type reconcileRequest struct {
	OrderIDs     []string `json:"order_ids"`
	LastSequence uint64   `json:"last_sequence"`
}

// Reconcile compares the client's view against the authoritative order state
// and returns the changes the client has missed.
// POST /api/reconcile
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var body reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.OrderIDs) == 0 {
		writeError(w, http.StatusBadRequest, "order_ids is required")
		return
	}

	report, err := h.service.Reconcile(r.Context(), body.OrderIDs, body.LastSequence)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: reconcile failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ConfirmCancellation returns a signed confirmation for a committed
// cancellation, identified by its cancel record id.
// GET /api/cancellations/{id}/confirmation
func (h *ReconcileHandler) ConfirmCancellation(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing cancel record id")
		return
	}

	conf, err := h.service.ConfirmCancellation(r.Context(), id)
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: confirm cancellation failed",
				slog.String("cancel_record_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conf)
}
