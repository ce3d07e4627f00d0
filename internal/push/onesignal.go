package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/partypush/internal/model"
)

// DefaultOneSignalURL is the gateway's create-notification endpoint.
const DefaultOneSignalURL = "https://onesignal.com/api/v1/notifications"

const broadcastSegment = "Subscribed Users"

// OneSignalConfig holds gateway credentials and payload defaults.
type OneSignalConfig struct {
	AppID        string
	APIKey       string
	BaseURL      string
	DefaultIcon  string
	DefaultBadge string
	Timeout      time.Duration
}

// OneSignal sends through a OneSignal-style REST gateway. Tag filters and
// whole-audience sends are evaluated by the gateway.
type OneSignal struct {
	cfg        OneSignalConfig
	httpClient *http.Client
	disabler   Disabler
	logger     *slog.Logger
}

func NewOneSignal(cfg OneSignalConfig, disabler Disabler, logger *slog.Logger, opts ...Option) *OneSignal {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOneSignalURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	o := applyOptions(cfg.Timeout, opts)
	return &OneSignal{
		cfg:        cfg,
		httpClient: o.httpClient,
		disabler:   disabler,
		logger:     logger.With("component", "onesignal"),
	}
}

func (p *OneSignal) Name() string { return "onesignal" }

func (p *OneSignal) SupportsFilters() bool { return true }

type oneSignalFilter struct {
	Field    string `json:"field"`
	Key      string `json:"key,omitempty"`
	Relation string `json:"relation"`
	Value    string `json:"value,omitempty"`
}

type oneSignalRequest struct {
	AppID            string            `json:"app_id"`
	Headings         map[string]string `json:"headings"`
	Contents         map[string]string `json:"contents"`
	Filters          []oneSignalFilter `json:"filters,omitempty"`
	IncludedSegments []string          `json:"included_segments,omitempty"`
	IncludePlayerIDs []string          `json:"include_player_ids,omitempty"`
	URL              string            `json:"url,omitempty"`
	ChromeWebIcon    string            `json:"chrome_web_icon,omitempty"`
	ChromeWebBadge   string            `json:"chrome_web_badge,omitempty"`
	Data             json.RawMessage   `json:"data,omitempty"`
}

type oneSignalResponse struct {
	ID         string          `json:"id"`
	Recipients int             `json:"recipients"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

// buildRequest maps a plan and payload into the gateway's request shape.
// It returns false when the plan addresses nobody.
func (p *OneSignal) buildRequest(plan model.DeliveryPlan, payload model.Payload) (oneSignalRequest, bool) {
	req := oneSignalRequest{
		AppID:          p.cfg.AppID,
		Headings:       map[string]string{"en": payload.Title},
		Contents:       map[string]string{"en": payload.Body},
		URL:            payload.URL,
		ChromeWebIcon:  p.cfg.DefaultIcon,
		ChromeWebBadge: p.cfg.DefaultBadge,
		Data:           payload.Data,
	}
	if payload.Icon != "" {
		req.ChromeWebIcon = payload.Icon
	}

	switch {
	case len(plan.Subscriptions) > 0:
		for _, sub := range plan.Subscriptions {
			req.IncludePlayerIDs = append(req.IncludePlayerIDs, sub.Endpoint)
		}
	case len(plan.Filters) > 0:
		for _, f := range plan.Filters {
			req.Filters = append(req.Filters, oneSignalFilter{Field: f.Field, Key: f.Key, Relation: f.Relation, Value: f.Value})
		}
	case plan.Audience:
		req.IncludedSegments = []string{broadcastSegment}
	default:
		return req, false
	}
	return req, true
}

// Send posts one create-notification call. Player ids the gateway reports
// as invalid are disabled and do not fail the send.
func (p *OneSignal) Send(ctx context.Context, plan model.DeliveryPlan, payload model.Payload) (model.DeliveryOutcome, error) {
	body, ok := p.buildRequest(plan, payload)
	if !ok {
		return model.DeliveryOutcome{}, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return model.DeliveryOutcome{}, fmt.Errorf("marshal onesignal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(data))
	if err != nil {
		return model.DeliveryOutcome{}, fmt.Errorf("create onesignal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return model.DeliveryOutcome{}, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	outcome := model.DeliveryOutcome{HTTPStatus: resp.StatusCode}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		outcome.ErrorBody = string(errBody)
		return outcome, classifyResponse(p.Name(), resp, outcome.ErrorBody)
	}

	var result oneSignalResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return outcome, &ProviderError{Kind: ErrTransient, Provider: p.Name(), StatusCode: resp.StatusCode, Cause: fmt.Errorf("decode response: %w", err)}
	}
	outcome.ProviderMessageID = result.ID
	outcome.RecipientCount = result.Recipients

	if len(result.Errors) > 0 {
		outcome.ErrorBody = string(result.Errors)
		p.disableInvalid(ctx, result.Errors)
	}
	return outcome, nil
}

// disableInvalid handles the {"invalid_player_ids": [...]} error form. The
// plain list form (e.g. "All included players are not subscribed") carries no
// ids and is only logged.
func (p *OneSignal) disableInvalid(ctx context.Context, raw json.RawMessage) {
	var errs struct {
		InvalidPlayerIDs []string `json:"invalid_player_ids"`
	}
	if err := json.Unmarshal(raw, &errs); err != nil {
		p.logger.Warn("gateway reported errors", "errors", string(raw))
		return
	}
	for _, id := range errs.InvalidPlayerIDs {
		if p.disabler == nil {
			break
		}
		if err := p.disabler.Disable(ctx, id); err != nil {
			p.logger.Error("disable invalid recipient", "endpoint", id, "error", err)
			continue
		}
		p.logger.Info("disabled invalid recipient", "endpoint", id)
	}
}
