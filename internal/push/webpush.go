package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/partypush/internal/model"
)

// WebPushConfig holds VAPID configuration.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	DefaultIcon     string
	DefaultBadge    string
	Timeout         time.Duration
}

// WebPush sends directly to browser push services using VAPID. It has no
// server-side audience, so plans must list their subscriptions.
type WebPush struct {
	cfg        WebPushConfig
	httpClient *http.Client
	disabler   Disabler
	logger     *slog.Logger
}

func NewWebPush(cfg WebPushConfig, disabler Disabler, logger *slog.Logger, opts ...Option) *WebPush {
	if cfg.Subscriber == "" {
		cfg.Subscriber = "mailto:noreply@partypush.app"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 86400
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	o := applyOptions(cfg.Timeout, opts)
	return &WebPush{
		cfg:        cfg,
		httpClient: o.httpClient,
		disabler:   disabler,
		logger:     logger.With("component", "webpush"),
	}
}

func (p *WebPush) Name() string { return "webpush" }

func (p *WebPush) SupportsFilters() bool { return false }

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (p *WebPush) VAPIDPublicKey() string {
	return p.cfg.VAPIDPublicKey
}

// wirePayload is the JSON the client agent receives.
type wirePayload struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Icon  string          `json:"icon,omitempty"`
	Badge string          `json:"badge,omitempty"`
	URL   string          `json:"url,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Send pushes the payload to every subscription in the plan. Endpoints the
// push service reports as gone are disabled. Per-endpoint failures, auth
// rejections included, only fail the send when nothing was delivered; an
// auth rejection then takes precedence so dispatch halts.
func (p *WebPush) Send(ctx context.Context, plan model.DeliveryPlan, payload model.Payload) (model.DeliveryOutcome, error) {
	var outcome model.DeliveryOutcome
	if len(plan.Subscriptions) == 0 {
		return outcome, nil
	}

	wire := wirePayload{
		Title: payload.Title,
		Body:  payload.Body,
		Icon:  p.cfg.DefaultIcon,
		Badge: p.cfg.DefaultBadge,
		URL:   payload.URL,
		Data:  payload.Data,
	}
	if payload.Icon != "" {
		wire.Icon = payload.Icon
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return outcome, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr, authErr error
	for _, sub := range plan.Subscriptions {
		status, err := p.sendOne(ctx, data, sub)
		outcome.HTTPStatus = status
		switch {
		case err == nil:
			outcome.RecipientCount++
		case errors.Is(err, ErrAuth):
			// Fatal only if no endpoint in the batch accepts the send.
			p.logger.Warn("push service rejected credentials for endpoint", "endpoint", sub.Endpoint, "error", err)
			authErr = err
		case errors.Is(err, errGone):
			p.disable(ctx, sub.Endpoint)
		default:
			p.logger.Warn("push to endpoint failed", "endpoint", sub.Endpoint, "error", err)
			lastErr = err
		}
	}

	if outcome.RecipientCount > 0 {
		return outcome, nil
	}
	if authErr != nil {
		return outcome, authErr
	}
	return outcome, lastErr
}

var errGone = errors.New("push subscription gone")

func (p *WebPush) sendOne(ctx context.Context, data []byte, sub model.Subscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		HTTPClient:      p.httpClient,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		Subscriber:      p.cfg.Subscriber,
		TTL:             p.cfg.TTL,
	})
	if err != nil {
		return 0, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return resp.StatusCode, errGone
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return resp.StatusCode, classifyResponse(p.Name(), resp, string(body))
	}
	return resp.StatusCode, nil
}

func (p *WebPush) disable(ctx context.Context, endpoint string) {
	if p.disabler == nil {
		return
	}
	if err := p.disabler.Disable(ctx, endpoint); err != nil {
		p.logger.Error("disable expired endpoint", "endpoint", endpoint, "error", err)
		return
	}
	p.logger.Info("disabled expired endpoint", "endpoint", endpoint)
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.FillBytes(make([]byte, 32)))

	return publicKey, privateKey, nil
}
