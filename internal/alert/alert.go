// Package alert surfaces conditions an operator must act on: a provider
// rejecting our credentials, and requests exhausting their retries.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dukerupert/partypush/internal/email"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Subject  string
	Err      error
	Severity Severity
	Fields   map[string]string
}

func (a Alert) text() string {
	var b strings.Builder
	b.WriteString(a.Subject)
	if a.Err != nil {
		fmt.Fprintf(&b, "\n\nerror: %v", a.Err)
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Fields[k])
	}
	return b.String()
}

// Notifier delivers an alert somewhere a human will see it.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) {
	for _, n := range m {
		n.Notify(ctx, a)
	}
}

// Log writes alerts to the structured log. It is always part of the chain.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, a Alert) {
	level := slog.LevelWarn
	if a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	attrs := []any{"severity", string(a.Severity)}
	if a.Err != nil {
		attrs = append(attrs, "error", a.Err)
	}
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}
	l.Logger.Log(ctx, level, "ALERT: "+a.Subject, attrs...)
}

// Sentry reports alerts as Sentry events on a dedicated hub.
type Sentry struct {
	hub *sentry.Hub
}

func NewSentry(opts sentry.ClientOptions) (*Sentry, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *Sentry) Notify(_ context.Context, a Alert) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "dispatch")
		scope.SetTag("severity", string(a.Severity))
		for k, v := range a.Fields {
			scope.SetTag(k, v)
		}
		if a.Severity == SeverityCritical {
			scope.SetLevel(sentry.LevelFatal)
		} else {
			scope.SetLevel(sentry.LevelWarning)
		}
		scope.SetFingerprint([]string{a.Subject})

		if a.Err != nil {
			scope.SetContext("alert", map[string]any{"subject": a.Subject})
			s.hub.CaptureException(a.Err)
			return
		}
		s.hub.CaptureMessage(a.Subject)
	})
}

// Flush waits for queued events to be sent.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

// Email mails critical alerts to the operator. Warnings are left to the
// other notifiers to keep the inbox quiet.
type Email struct {
	client *email.Client
	to     string
	logger *slog.Logger
}

func NewEmail(client *email.Client, to string, logger *slog.Logger) *Email {
	return &Email{client: client, to: to, logger: logger}
}

func (e *Email) Notify(ctx context.Context, a Alert) {
	if a.Severity != SeverityCritical {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.client.Send(ctx, e.to, "[partypush] "+a.Subject, a.text()); err != nil {
		e.logger.Error("send alert email", "error", err)
	}
}
