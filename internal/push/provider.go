package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/partypush/internal/model"
)

// Provider delivers a resolved plan through one push backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	// SupportsFilters reports whether the backend evaluates tag filters and
	// whole-audience sends itself. When false, the resolver materializes the
	// recipient list from the subscription store.
	SupportsFilters() bool
	Send(ctx context.Context, plan model.DeliveryPlan, payload model.Payload) (model.DeliveryOutcome, error)
}

// Disabler marks an endpoint the provider reported as gone.
type Disabler interface {
	Disable(ctx context.Context, endpoint string) error
}

var (
	// ErrAuth means the provider rejected our credentials. Retrying will not help
	// until configuration is fixed.
	ErrAuth = errors.New("push provider rejected credentials")
	// ErrTransient covers network failures, timeouts and 5xx responses.
	ErrTransient = errors.New("push provider temporarily unavailable")
	// ErrRejected means the provider refused the request itself (non-retryable 4xx).
	ErrRejected = errors.New("push provider rejected request")
)

// maxErrorBodySize limits how much of an error response is kept.
const maxErrorBodySize = 1024

// ProviderError carries the HTTP detail of a failed send. It unwraps to one of
// ErrAuth, ErrTransient or ErrRejected.
type ProviderError struct {
	Kind       error
	Provider   string
	StatusCode int
	Body       string
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// RateLimitedError is returned on HTTP 429. RetryAfter is zero when the
// provider did not say how long to wait.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// Is lets errors.Is(err, ErrTransient) treat rate limiting as retryable.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrTransient
}

// classifyResponse maps a non-2xx response onto the error taxonomy.
func classifyResponse(provider string, resp *http.Response, body string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ProviderError{Kind: ErrAuth, Provider: provider, StatusCode: resp.StatusCode, Body: body}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Provider: provider, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode >= 500:
		return &ProviderError{Kind: ErrTransient, Provider: provider, StatusCode: resp.StatusCode, Body: body}
	default:
		return &ProviderError{Kind: ErrRejected, Provider: provider, StatusCode: resp.StatusCode, Body: body}
	}
}

// transportError wraps a failure to get any response at all.
func transportError(provider string, err error) error {
	return &ProviderError{Kind: ErrTransient, Provider: provider, Cause: err}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Option configures an HTTP-backed provider.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
}

// WithHTTPClient replaces the HTTP client used to reach the provider.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

func applyOptions(timeout time.Duration, opts []Option) clientOptions {
	o := clientOptions{httpClient: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
