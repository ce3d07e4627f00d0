package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/partypush/internal/dispatch"
	"github.com/dukerupert/partypush/internal/metrics"
	"github.com/dukerupert/partypush/internal/model"
	"github.com/dukerupert/partypush/internal/store"
)

// Queue is the part of the notification queue the HTTP API needs.
type Queue interface {
	Enqueue(ctx context.Context, req *model.NotificationRequest) (string, error)
	EnqueueClaimed(ctx context.Context, req *model.NotificationRequest) (*model.NotificationRequest, error)
	Get(ctx context.Context, id string) (*model.NotificationRequest, error)
	ListByStatus(ctx context.Context, status model.NotificationStatus, limit int) ([]model.NotificationRequest, error)
	Cancel(ctx context.Context, id string) error
}

// Dispatcher delivers claimed requests.
type Dispatcher interface {
	Deliver(ctx context.Context, req *model.NotificationRequest) (model.DeliveryOutcome, error)
	Halted() bool
	Notify()
}

// Publisher receives queue state changes.
type Publisher interface {
	Publish(ev model.QueueEvent)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 64 << 10
)

type NotificationHandler struct {
	queue      Queue
	dispatcher Dispatcher
	events     Publisher
	// configErr is non-nil when no provider has credentials.
	configErr error
	logger    *slog.Logger
}

func NewNotificationHandler(q Queue, d Dispatcher, events Publisher, configErr error, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{queue: q, dispatcher: d, events: events, configErr: configErr, logger: logger}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type enqueueResponse struct {
	Success bool                     `json:"success"`
	ID      string                   `json:"id"`
	Status  model.NotificationStatus `json:"status"`
	RetryOf string                   `json:"retryOf,omitempty"`
}

type sendResponse struct {
	Success           bool   `json:"success"`
	ID                string `json:"id"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	RecipientCount    int    `json:"recipientCount"`
}

// decodeRequest reads and validates a producer body. It writes the error
// response and returns nil when the request cannot be accepted.
func (h *NotificationHandler) decodeRequest(w http.ResponseWriter, r *http.Request) *model.NotificationRequest {
	var body model.SendBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return nil
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		body.IdempotencyKey = key
	}

	req := body.Request()
	if req.Target.IsZero() {
		req.Target.Broadcast = true
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return nil
	}
	if h.configErr != nil {
		h.logger.Error("notification rejected: provider not configured", "error", h.configErr)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "configuration error", Details: h.configErr.Error()})
		return nil
	}
	return req
}

// Create handles POST /api/notifications
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	req := h.decodeRequest(w, r)
	if req == nil {
		return
	}

	id, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		h.enqueueFailed(w, err)
		return
	}

	metrics.Enqueued.WithLabelValues("http").Inc()
	h.publish(model.EventEnqueued, req)
	h.dispatcher.Notify()
	writeJSON(w, http.StatusAccepted, enqueueResponse{Success: true, ID: id, Status: req.Status})
}

// Send handles POST /api/notifications/send. The request is persisted
// before delivery, so a retryable failure leaves it queued for the
// background dispatcher.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	req := h.decodeRequest(w, r)
	if req == nil {
		return
	}

	if h.dispatcher.Halted() {
		if _, err := h.queue.Enqueue(r.Context(), req); err != nil {
			h.enqueueFailed(w, err)
			return
		}
		metrics.Enqueued.WithLabelValues("http").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   dispatch.ErrHalted.Error(),
			Details: map[string]any{"id": req.ID, "status": req.Status},
		})
		return
	}

	claimed, err := h.queue.EnqueueClaimed(r.Context(), req)
	if err != nil {
		h.enqueueFailed(w, err)
		return
	}
	metrics.Enqueued.WithLabelValues("http").Inc()
	h.publish(model.EventEnqueued, claimed)

	if claimed.Status != model.StatusInFlight {
		// An earlier request with the same idempotency key.
		if claimed.Status == model.StatusDelivered {
			writeJSON(w, http.StatusOK, sendResponse{
				Success:           true,
				ID:                claimed.ID,
				ProviderMessageID: claimed.ProviderMessageID,
				RecipientCount:    claimed.RecipientCount,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{Success: true, ID: claimed.ID, Status: claimed.Status})
		return
	}

	outcome, err := h.dispatcher.Deliver(r.Context(), claimed)
	if err != nil {
		details := map[string]any{"id": claimed.ID}
		if current, gerr := h.queue.Get(context.WithoutCancel(r.Context()), claimed.ID); gerr == nil {
			details["status"] = current.Status
			details["attempts"] = current.Attempts
		}
		if outcome.HTTPStatus != 0 {
			details["providerStatus"] = outcome.HTTPStatus
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Details: details})
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Success:           true,
		ID:                claimed.ID,
		ProviderMessageID: outcome.ProviderMessageID,
		RecipientCount:    outcome.RecipientCount,
	})
}

// Get handles GET /api/notifications/{id}
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification not found"})
		return
	}
	if err != nil {
		h.logger.Error("get notification", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load notification"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// List handles GET /api/notifications?status=dead&limit=50
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.StatusPending
	if s := r.URL.Query().Get("status"); s != "" {
		status = model.NotificationStatus(s)
	}
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status " + string(status)})
		return
	}

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}

	reqs, err := h.queue.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("list notifications", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list notifications"})
		return
	}
	if reqs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// Cancel handles DELETE /api/notifications/{id}
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	err := h.queue.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification not found"})
	case errors.Is(err, store.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("cancel notification", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to cancel notification"})
	}
}

// Retry handles POST /api/notifications/{id}/retry. It enqueues a fresh
// copy of a dead or failed request; the original is kept for the record.
func (h *NotificationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	orig, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification not found"})
		return
	}
	if err != nil {
		h.logger.Error("get notification for retry", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load notification"})
		return
	}
	if orig.Status != model.StatusDead && orig.Status != model.StatusFailed {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "only dead or failed notifications can be retried", Details: map[string]any{"status": orig.Status}})
		return
	}

	cp := &model.NotificationRequest{Payload: orig.Payload, Target: orig.Target}
	id, err := h.queue.Enqueue(r.Context(), cp)
	if err != nil {
		h.enqueueFailed(w, err)
		return
	}

	h.logger.Info("notification re-enqueued", "id", id, "retry_of", orig.ID)
	metrics.Enqueued.WithLabelValues("retry").Inc()
	h.publish(model.EventEnqueued, cp)
	h.dispatcher.Notify()
	writeJSON(w, http.StatusAccepted, enqueueResponse{Success: true, ID: id, Status: cp.Status, RetryOf: orig.ID})
}

func (h *NotificationHandler) enqueueFailed(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		writeValidationError(w, err)
		return
	}
	h.logger.Error("enqueue notification", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to enqueue notification"})
}

func (h *NotificationHandler) publish(eventType string, req *model.NotificationRequest) {
	if h.events != nil {
		h.events.Publish(model.NewQueueEvent(eventType, req, req.Status))
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Details: map[string]string{"field": ve.Field}})
		return
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
