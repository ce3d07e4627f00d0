// Package agent models the client-side notification worker: installation
// and activation hand-off, push rendering, and click routing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
)

// WorkerState is the lifecycle of one worker installation.
type WorkerState int

const (
	Idle WorkerState = iota
	AwaitingActivation
	Active
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingActivation:
		return "awaiting_activation"
	case Active:
		return "active"
	}
	return "unknown"
}

// MessageSkipWaiting is sent by the foreground app to activate a waiting worker.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a foreground-to-worker message.
type Message struct {
	Type string `json:"type"`
}

var ErrInvalidTransition = errors.New("invalid worker state transition")

// Window is an open client window.
type Window struct {
	ID  string
	URL string
}

// Clients is the host runtime's window registry.
type Clients interface {
	MatchAll(ctx context.Context) ([]Window, error)
	Focus(ctx context.Context, id string) error
	Open(ctx context.Context, url string) (Window, error)
	// Claim makes this worker the controller of every open window.
	Claim(ctx context.Context) error
}

// Agent is one installed worker version.
type Agent struct {
	mu       sync.Mutex
	state    WorkerState
	origin   *url.URL
	tray     *Tray
	clients  Clients
	defaults Defaults
	logger   *slog.Logger

	// clickMu serializes click routing so two clicks cannot both miss an
	// open window and open duplicates.
	clickMu sync.Mutex
}

// New creates an agent for the app served at origin.
func New(origin string, tray *Tray, clients Clients, defaults Defaults, logger *slog.Logger) (*Agent, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse origin %q: must be an absolute URL", origin)
	}
	return &Agent{
		state:    Idle,
		origin:   u,
		tray:     tray,
		clients:  clients,
		defaults: defaults,
		logger:   logger.With("component", "agent"),
	}, nil
}

func (a *Agent) State() WorkerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Install moves a fresh worker to AwaitingActivation. It never activates
// itself; the foreground app decides when to hand over.
func (a *Agent) Install() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Idle {
		return fmt.Errorf("%w: install from %s", ErrInvalidTransition, a.state)
	}
	a.state = AwaitingActivation
	a.logger.Info("worker installed, waiting for activation")
	return nil
}

// HandleMessage processes a message from the foreground app. SKIP_WAITING
// activates a waiting worker and claims the open windows. Other messages
// are ignored.
func (a *Agent) HandleMessage(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		a.logger.Debug("ignoring message", "type", msg.Type)
		return nil
	}

	a.mu.Lock()
	switch a.state {
	case Active:
		a.mu.Unlock()
		return nil
	case Idle:
		a.mu.Unlock()
		return fmt.Errorf("%w: activate before install", ErrInvalidTransition)
	}
	a.state = Active
	a.mu.Unlock()

	if err := a.clients.Claim(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	a.logger.Info("worker activated")
	return nil
}

// HandlePush renders a push payload. The returned event settles once the
// notification is in the tray.
func (a *Agent) HandlePush(ctx context.Context, data []byte) *ExtendableEvent {
	ev := newExtendableEvent(ctx)
	ev.WaitUntil(func(context.Context) error {
		n := ParsePush(data, a.defaults)
		entry := a.tray.Show(n)
		a.logger.Debug("notification shown", "id", entry.ID, "tag", n.Tag)
		return nil
	})
	return ev.seal()
}

// HandleClose records that the user dismissed a notification.
func (a *Agent) HandleClose(id int) {
	a.tray.Dismiss(id, Closed)
}

// HandleClick closes the notification and brings its target into view:
// an open window on the target URL is focused, otherwise one is opened.
func (a *Agent) HandleClick(ctx context.Context, id int) *ExtendableEvent {
	ev := newExtendableEvent(ctx)
	ev.WaitUntil(func(ctx context.Context) error {
		entry, ok := a.tray.Dismiss(id, Clicked)
		if !ok {
			return fmt.Errorf("notification %d is not in the tray", id)
		}
		return a.route(ctx, a.target(entry.Notification))
	})
	return ev.seal()
}

func (a *Agent) route(ctx context.Context, target string) error {
	a.clickMu.Lock()
	defer a.clickMu.Unlock()

	windows, err := a.clients.MatchAll(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	for _, w := range windows {
		if sameURL(w.URL, target) {
			if err := a.clients.Focus(ctx, w.ID); err != nil {
				return fmt.Errorf("focus window %s: %w", w.ID, err)
			}
			return nil
		}
	}
	if _, err := a.clients.Open(ctx, target); err != nil {
		return fmt.Errorf("open window %s: %w", target, err)
	}
	return nil
}

// target resolves the notification's URL against the app origin.
func (a *Agent) target(n ClientNotification) string {
	ref := n.URL
	if ref == "" {
		ref = "/"
	}
	u, err := url.Parse(ref)
	if err != nil {
		return a.origin.String()
	}
	return a.origin.ResolveReference(u).String()
}

func sameURL(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	ua.Fragment, ub.Fragment = "", ""
	pa := strings.TrimSuffix(ua.Path, "/")
	pb := strings.TrimSuffix(ub.Path, "/")
	return strings.EqualFold(ua.Host, ub.Host) && ua.Scheme == ub.Scheme && pa == pb && ua.RawQuery == ub.RawQuery
}
