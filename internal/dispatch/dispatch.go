// Package dispatch drains the notification queue: claim, resolve, send,
// then record the outcome.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dukerupert/partypush/internal/alert"
	"github.com/dukerupert/partypush/internal/metrics"
	"github.com/dukerupert/partypush/internal/model"
	"github.com/dukerupert/partypush/internal/push"
)

// Queue is the durable request queue the dispatcher drains.
type Queue interface {
	ClaimNext(ctx context.Context) (*model.NotificationRequest, error)
	Ack(ctx context.Context, id string, outcome model.DeliveryOutcome) error
	Nack(ctx context.Context, id string, cause error, retryAfter time.Duration) (model.NotificationStatus, error)
	Fail(ctx context.Context, id string, cause error) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[model.NotificationStatus]int, error)
}

// Resolver expands a target into a delivery plan.
type Resolver interface {
	Resolve(ctx context.Context, target model.Target) (model.DeliveryPlan, error)
}

// Publisher receives queue state changes.
type Publisher interface {
	Publish(ev model.QueueEvent)
}

type Config struct {
	Workers         int
	PollInterval    time.Duration
	SendTimeout     time.Duration
	ReclaimInterval time.Duration
	// StaleAfter is how long a request may stay in_flight before it is
	// considered abandoned by a crashed worker.
	StaleAfter time.Duration
	// SendRate limits provider calls per second across all workers. Zero disables it.
	SendRate  float64
	SendBurst int
}

func DefaultConfig() Config {
	return Config{
		Workers:         2,
		PollInterval:    time.Second,
		SendTimeout:     15 * time.Second,
		ReclaimInterval: 30 * time.Second,
		StaleAfter:      5 * time.Minute,
		SendBurst:       1,
	}
}

// ErrHalted is returned by Deliver once a provider has rejected our credentials.
var ErrHalted = errors.New("dispatch halted: provider rejected credentials")

// Dispatcher drives claimed requests to a terminal state or back to the
// queue. Several dispatchers may share one queue; the queue's claim is the
// only coordination between them.
type Dispatcher struct {
	mu       sync.RWMutex
	queue    Queue
	resolver Resolver
	provider push.Provider
	events   Publisher
	alerts   alert.Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
	cfg      Config

	halted atomic.Bool
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, queue Queue, resolver Resolver, provider push.Provider, events Publisher, alerts alert.Notifier, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = def.ReclaimInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if alerts == nil {
		alerts = alert.Log{Logger: logger}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	return &Dispatcher{
		queue:    queue,
		resolver: resolver,
		provider: provider,
		events:   events,
		alerts:   alerts,
		limiter:  limiter,
		logger:   logger.With("component", "dispatcher", "provider", provider.Name()),
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the workers and the reclaim loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.maintain(ctx)
	}()

	go func() {
		wg.Wait()
		close(d.done)
	}()

	d.logger.Info("dispatcher started", "workers", d.cfg.Workers)
}

// Stop cancels the workers and waits for in-progress requests to be recorded.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Notify wakes an idle worker, e.g. right after an enqueue.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Halted reports whether dispatch stopped after an authentication failure.
func (d *Dispatcher) Halted() bool {
	return d.halted.Load()
}

// Provider returns the provider requests are sent through.
func (d *Dispatcher) Provider() push.Provider {
	return d.provider
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	logger := d.logger.With("worker", worker)
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if d.halted.Load() {
			<-ctx.Done()
			return
		}

		processed, err := d.RunOnce(ctx)
		if err != nil {
			logger.Error("dispatch", "error", err)
		}
		if processed {
			continue
		}

		timer.Reset(d.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// RunOnce claims and processes at most one request. It reports whether a
// request was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	if d.halted.Load() {
		return false, ErrHalted
	}
	req, err := d.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}
	// Delivery failures are recorded on the request; only store errors bubble up.
	_, err = d.Deliver(ctx, req)
	var se *storeError
	if errors.As(err, &se) {
		return true, se.err
	}
	return true, nil
}

type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// Deliver sends one already-claimed request and records the outcome on the
// queue. The returned error is the delivery failure, if any; the request's
// new status is already persisted when Deliver returns.
func (d *Dispatcher) Deliver(ctx context.Context, req *model.NotificationRequest) (model.DeliveryOutcome, error) {
	logger := d.logger.With("request_id", req.ID, "attempt", req.Attempts)
	// Outcomes are recorded even when the caller is shutting down.
	recordCtx := context.WithoutCancel(ctx)

	outcome, err := d.attempt(ctx, req)
	outcome.RequestID = req.ID

	if err == nil {
		if aerr := d.queue.Ack(recordCtx, req.ID, outcome); aerr != nil {
			return outcome, &storeError{aerr}
		}
		req.Status = model.StatusDelivered
		req.ProviderMessageID = outcome.ProviderMessageID
		req.RecipientCount = outcome.RecipientCount
		metrics.Outcomes.WithLabelValues(d.provider.Name(), string(model.StatusDelivered)).Inc()
		metrics.Recipients.WithLabelValues(d.provider.Name()).Add(float64(outcome.RecipientCount))
		logger.Info("notification delivered",
			"provider_message_id", outcome.ProviderMessageID,
			"recipients", outcome.RecipientCount,
			"http_status", outcome.HTTPStatus,
		)
		d.publish(model.EventDelivered, req, model.StatusDelivered, nil)
		return outcome, nil
	}

	status, serr := d.settle(recordCtx, req, err)
	if serr != nil {
		logger.Error("record failed attempt", "error", serr, "cause", err)
		return outcome, &storeError{serr}
	}
	req.Status = status
	req.LastError = err.Error()
	metrics.Outcomes.WithLabelValues(d.provider.Name(), string(status)).Inc()
	logger.Warn("notification attempt failed",
		"status", status,
		"error", err,
		"http_status", outcome.HTTPStatus,
		"error_body", outcome.ErrorBody,
	)

	if errors.Is(err, push.ErrAuth) {
		d.halt(ctx, err)
		return outcome, errors.Join(ErrHalted, err)
	}
	if status == model.StatusDead {
		d.alerts.Notify(ctx, alert.Alert{
			Subject:  "notification request exhausted its retries",
			Err:      err,
			Severity: alert.SeverityWarning,
			Fields:   map[string]string{"request_id": req.ID, "provider": d.provider.Name()},
		})
	}
	return outcome, err
}

func (d *Dispatcher) attempt(ctx context.Context, req *model.NotificationRequest) (model.DeliveryOutcome, error) {
	plan, err := d.resolver.Resolve(ctx, req.Target)
	if err != nil {
		return model.DeliveryOutcome{}, err
	}
	if plan.Empty() {
		// Nobody to reach is a successful no-op, not a failure.
		return model.DeliveryOutcome{}, nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return model.DeliveryOutcome{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := d.provider.Send(sendCtx, plan, req.Payload)
	metrics.SendDuration.WithLabelValues(d.provider.Name()).Observe(time.Since(start).Seconds())
	return outcome, err
}

// settle records a failed attempt according to the error taxonomy.
func (d *Dispatcher) settle(ctx context.Context, req *model.NotificationRequest, cause error) (model.NotificationStatus, error) {
	var verr *model.ValidationError
	switch {
	case errors.Is(cause, push.ErrRejected), errors.As(cause, &verr):
		if err := d.queue.Fail(ctx, req.ID, cause); err != nil {
			return "", err
		}
		d.publish(model.EventFailed, req, model.StatusFailed, cause)
		return model.StatusFailed, nil
	}

	var retryAfter time.Duration
	var rl *push.RateLimitedError
	if errors.As(cause, &rl) {
		retryAfter = rl.RetryAfter
	}

	status, err := d.queue.Nack(ctx, req.ID, cause, retryAfter)
	if err != nil {
		return "", err
	}
	if status == model.StatusDead {
		d.publish(model.EventDead, req, status, cause)
	} else {
		d.publish(model.EventRetrying, req, status, cause)
	}
	return status, nil
}

func (d *Dispatcher) halt(ctx context.Context, cause error) {
	if !d.halted.CompareAndSwap(false, true) {
		return
	}
	metrics.Halted.Set(1)
	d.logger.Error("provider rejected credentials, dispatch halted until restart", "error", cause)
	d.publish(model.EventHalted, nil, "", cause)
	d.alerts.Notify(ctx, alert.Alert{
		Subject:  "push dispatch halted: provider rejected credentials",
		Err:      cause,
		Severity: alert.SeverityCritical,
		Fields:   map[string]string{"provider": d.provider.Name()},
	})
}

func (d *Dispatcher) publish(eventType string, req *model.NotificationRequest, status model.NotificationStatus, cause error) {
	if d.events == nil {
		return
	}
	ev := model.NewQueueEvent(eventType, req, status)
	if cause != nil {
		ev.Error = cause.Error()
	}
	d.events.Publish(ev)
}

// maintain reclaims abandoned requests and refreshes the queue gauges.
func (d *Dispatcher) maintain(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reclaim(ctx)
		}
	}
}

// Reclaim returns requests stuck in_flight past StaleAfter to the queue.
func (d *Dispatcher) Reclaim(ctx context.Context) {
	n, err := d.queue.ReclaimStale(ctx, time.Now().Add(-d.cfg.StaleAfter))
	if err != nil {
		d.logger.Error("reclaim stale requests", "error", err)
	} else if n > 0 {
		metrics.Reclaimed.Add(float64(n))
		d.logger.Warn("reclaimed abandoned requests", "count", n)
		d.publish(model.EventReclaimed, nil, "", nil)
		d.Notify()
	}

	counts, err := d.queue.CountByStatus(ctx)
	if err != nil {
		d.logger.Error("count requests", "error", err)
		return
	}
	for _, s := range []model.NotificationStatus{model.StatusPending, model.StatusInFlight, model.StatusDelivered, model.StatusFailed, model.StatusDead} {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
