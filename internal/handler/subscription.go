package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/partypush/internal/model"
)

var validate = validator.New()

// SubscriptionStore is the part of the subscription store the API needs.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub model.Subscription) (*model.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]model.Subscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

type SubscriptionHandler struct {
	store    SubscriptionStore
	vapidKey string
	logger   *slog.Logger
}

// NewSubscriptionHandler creates the registration API. vapidKey is empty
// when the Web Push provider is not in use.
func NewSubscriptionHandler(s SubscriptionStore, vapidKey string, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, vapidKey: vapidKey, logger: logger}
}

type subscribeRequest struct {
	UserID   string            `json:"userId" validate:"required"`
	Endpoint string            `json:"endpoint" validate:"required"`
	P256dh   string            `json:"p256dh" validate:"required_with=Auth"`
	Auth     string            `json:"auth" validate:"required_with=P256dh"`
	Tags     map[string]string `json:"tags"`
}

// Subscribe handles POST /api/subscriptions
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "userId and endpoint are required; p256dh and auth go together"})
		return
	}

	sub, err := h.store.CreateSubscription(r.Context(), model.Subscription{
		UserID:    req.UserID,
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dh,
		AuthKey:   req.Auth,
		Tags:      req.Tags,
	})
	if err != nil {
		h.logger.Error("create push subscription", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to save subscription"})
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// List handles GET /api/subscriptions?user_id=
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}

	subs, err := h.store.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list push subscriptions", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list subscriptions"})
		return
	}
	if subs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// Unsubscribe handles DELETE /api/subscriptions?endpoint=
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "endpoint is required"})
		return
	}

	if err := h.store.DeleteByEndpoint(r.Context(), endpoint); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to delete subscription"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *SubscriptionHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidKey == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "web push is not enabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidKey})
}
