// Package ingest accepts notification requests published on a NATS subject
// and enqueues them with the same validation as the HTTP endpoint.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/dukerupert/partypush/internal/metrics"
	"github.com/dukerupert/partypush/internal/model"
)

// Enqueuer persists validated requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *model.NotificationRequest) (string, error)
}

// Reply is sent back when the publisher used request/reply.
type Reply struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Subscriber turns bus messages into queued notification requests.
type Subscriber struct {
	queue  Enqueuer
	notify func()
	logger *slog.Logger

	sub *nats.Subscription
}

// New creates a subscriber. notify, if set, is called after each enqueue
// so a local dispatcher can pick the request up without waiting to poll.
func New(queue Enqueuer, notify func(), logger *slog.Logger) *Subscriber {
	return &Subscriber{
		queue:  queue,
		notify: notify,
		logger: logger.With("component", "ingest"),
	}
}

// Connect dials the NATS server with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("partypush"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Start joins queueGroup on subject. Members of one group share the
// messages, so running several processes does not enqueue duplicates.
func (s *Subscriber) Start(ctx context.Context, nc *nats.Conn, subject, queueGroup string) error {
	sub, err := nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		id, err := s.Handle(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		reply := Reply{Success: err == nil, ID: id}
		if err != nil {
			reply.Error = err.Error()
		}
		data, _ := json.Marshal(reply)
		if rerr := msg.Respond(data); rerr != nil {
			s.logger.Warn("reply to publisher", "error", rerr)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info("listening for notification requests", "subject", subject, "queue", queueGroup)
	return nil
}

// Stop drains the subscription so in-progress messages finish.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// ErrMalformed is returned for messages that are not a JSON send body.
var ErrMalformed = errors.New("malformed notification message")

// Handle decodes and enqueues one message, returning the request id.
func (s *Subscriber) Handle(ctx context.Context, data []byte) (string, error) {
	var body model.SendBody
	if err := json.Unmarshal(data, &body); err != nil {
		s.logger.Warn("dropping malformed message", "error", err)
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req := body.Request()
	id, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			s.logger.Warn("rejected notification message", "field", ve.Field, "reason", ve.Reason)
		} else {
			s.logger.Error("enqueue notification message", "error", err)
		}
		return "", err
	}

	metrics.Enqueued.WithLabelValues("nats").Inc()
	s.logger.Debug("enqueued from bus", "id", id, "target", req.Target.Kind())
	if s.notify != nil {
		s.notify()
	}
	return id, nil
}
