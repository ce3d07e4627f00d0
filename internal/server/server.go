package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/partypush/internal/handler"
	"github.com/dukerupert/partypush/internal/middleware"
	"github.com/dukerupert/partypush/internal/model"
	ws "github.com/dukerupert/partypush/internal/websocket"
)

// Queue is what the HTTP surface needs from the notification queue.
type Queue interface {
	handler.Queue
	CountByStatus(ctx context.Context) (map[model.NotificationStatus]int, error)
}

// Options carries the HTTP settings from config.
type Options struct {
	APIKey         string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	VAPIDPublicKey string
	// ConfigErr is reported by the producer endpoints when no provider is usable.
	ConfigErr error
}

type Server struct {
	queue         Queue
	dispatcher    handler.Dispatcher
	hub           *ws.Hub
	notificationH *handler.NotificationHandler
	subscriptionH *handler.SubscriptionHandler
	rateLimiter   *middleware.RateLimiter
	opts          Options
	logger        *slog.Logger
}

func New(queue Queue, subs handler.SubscriptionStore, dispatcher handler.Dispatcher, hub *ws.Hub, opts Options, logger *slog.Logger) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	return &Server{
		queue:         queue,
		dispatcher:    dispatcher,
		hub:           hub,
		notificationH: handler.NewNotificationHandler(queue, dispatcher, hub, opts.ConfigErr, logger.With("component", "notification")),
		subscriptionH: handler.NewSubscriptionHandler(subs, opts.VAPIDPublicKey, logger.With("component", "subscription")),
		rateLimiter:   middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst),
		opts:          opts,
		logger:        logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Producer routes
	mux.Handle("POST /api/notifications", s.api(s.notificationH.Create))
	mux.Handle("POST /api/notifications/send", s.api(s.notificationH.Send))

	// Operator routes
	mux.Handle("GET /api/notifications", s.api(s.notificationH.List))
	mux.Handle("GET /api/notifications/{id}", s.api(s.notificationH.Get))
	mux.Handle("DELETE /api/notifications/{id}", s.api(s.notificationH.Cancel))
	mux.Handle("POST /api/notifications/{id}/retry", s.api(s.notificationH.Retry))

	// Subscription registration
	mux.Handle("POST /api/subscriptions", s.api(s.subscriptionH.Subscribe))
	mux.Handle("GET /api/subscriptions", s.api(s.subscriptionH.List))
	mux.Handle("DELETE /api/subscriptions", s.api(s.subscriptionH.Unsubscribe))
	mux.HandleFunc("GET /api/push/vapid-key", s.subscriptionH.GetVAPIDKey)

	// WebSocket
	mux.Handle("GET /ws", middleware.RequireAPIKey(s.opts.APIKey)(
		ws.HandleWebSocket(s.hub, s.opts.AllowedOrigins, s.logger.With("component", "websocket")),
	))

	var h http.Handler = mux
	h = middleware.CORS(s.opts.AllowedOrigins)(h)
	h = middleware.Metrics(h)
	return middleware.RequestLogger(s.logger.With("component", "http"))(h)
}

// api guards a JSON endpoint with the API key and the per-IP rate limit.
func (s *Server) api(h http.HandlerFunc) http.Handler {
	limited := middleware.RateLimit(s.rateLimiter, middleware.RealIP)(h)
	return middleware.RequireAPIKey(s.opts.APIKey)(limited)
}

type healthResponse struct {
	Status  string                           `json:"status"`
	Halted  bool                             `json:"halted"`
	Clients int                              `json:"clients"`
	Queue   map[model.NotificationStatus]int `json:"queue"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Halted: s.dispatcher.Halted(), Clients: s.hub.ClientCount()}
	code := http.StatusOK

	counts, err := s.queue.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("health: count queue", "error", err)
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	resp.Queue = counts
	if resp.Halted {
		resp.Status = "halted"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
