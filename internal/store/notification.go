package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/partypush/internal/model"
)

var (
	// ErrNotFound is returned when no request has the given id.
	ErrNotFound = errors.New("notification request not found")
	// ErrNotCancellable is returned when cancelling a request that was already claimed.
	ErrNotCancellable = errors.New("notification request is no longer pending")
)

// QueueConfig controls retry backoff and dead-lettering.
type QueueConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultQueueConfig returns the backoff used when none is configured.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BaseDelay:   5 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxAttempts: 8,
	}
}

// Backoff returns the delay before the next attempt after attempts
// attempts have been made: base × 2^(attempts-1), capped at MaxDelay.
// attempts already counts the failed attempt, so this is base × 2^n for
// the n attempts made before it and the first retry waits exactly base.
// A provider-supplied retryAfter wins when it is longer.
func (c QueueConfig) Backoff(attempts int, retryAfter time.Duration) time.Duration {
	delay := c.BaseDelay
	for i := 1; i < attempts && (c.MaxDelay <= 0 || delay < c.MaxDelay); i++ {
		delay *= 2
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}

// NotificationStore is the durable notification queue backed by SQLite.
type NotificationStore struct {
	db  *sql.DB
	cfg QueueConfig
	now func() time.Time
}

func NewNotificationStore(db *sql.DB, cfg QueueConfig) *NotificationStore {
	return &NotificationStore{db: db, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (s *NotificationStore) SetClock(now func() time.Time) {
	s.now = now
}

const requestCols = `id, payload, target, status, attempts, last_error, COALESCE(idempotency_key, ''),
	provider_message_id, recipient_count, next_attempt_at, claimed_at, created_at, updated_at`

// Enqueue validates and persists a new pending request. A request with no
// target is treated as a broadcast. When the idempotency key matches an
// existing request, that request's id is returned instead.
func (s *NotificationStore) Enqueue(ctx context.Context, req *model.NotificationRequest) (string, error) {
	if req.Target.IsZero() {
		req.Target.Broadcast = true
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.getBy(ctx, "idempotency_key", req.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		if existing != nil {
			*req = *existing
			return existing.ID, nil
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	target, err := json.Marshal(req.Target)
	if err != nil {
		return "", fmt.Errorf("marshal target: %w", err)
	}

	now := s.now().UTC()
	req.ID = uuid.NewString()
	req.Status = model.StatusPending
	req.Attempts = 0
	req.NextAttemptAt = now
	req.CreatedAt = now
	req.UpdatedAt = now

	var idemKey any
	if req.IdempotencyKey != "" {
		idemKey = req.IdempotencyKey
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_requests (id, payload, target, status, attempts, idempotency_key, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		req.ID, string(payload), string(target), model.StatusPending, idemKey,
		now.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if idemKey != nil && strings.Contains(err.Error(), "UNIQUE") {
			// Lost a race with a concurrent producer using the same key.
			existing, gerr := s.getBy(ctx, "idempotency_key", req.IdempotencyKey)
			if gerr == nil {
				*req = *existing
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("insert notification request: %w", err)
	}
	return req.ID, nil
}

// EnqueueClaimed persists a new request directly in the in_flight state so
// that the caller can deliver it synchronously without racing background
// dispatchers. The returned request has attempts = 1.
func (s *NotificationStore) EnqueueClaimed(ctx context.Context, req *model.NotificationRequest) (*model.NotificationRequest, error) {
	id, err := s.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	claimed, err := s.claimByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		// Same idempotency key as an earlier request that is already underway.
		return s.Get(ctx, id)
	}
	return claimed, nil
}

// ClaimNext atomically moves the oldest eligible pending request to
// in_flight and returns it. It returns nil, nil when nothing is eligible.
// The claim is a single conditional UPDATE, so concurrent claimants never
// receive the same request.
func (s *NotificationStore) ClaimNext(ctx context.Context) (*model.NotificationRequest, error) {
	now := s.now().UTC().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE notification_requests
		 SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		 WHERE seq = (
		     SELECT seq FROM notification_requests
		     WHERE status = ? AND next_attempt_at <= ?
		     ORDER BY next_attempt_at, seq
		     LIMIT 1
		 ) AND status = ?
		 RETURNING `+requestCols,
		model.StatusInFlight, now, now,
		model.StatusPending, now,
		model.StatusPending,
	)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification request: %w", err)
	}
	return req, nil
}

func (s *NotificationStore) claimByID(ctx context.Context, id string) (*model.NotificationRequest, error) {
	now := s.now().UTC().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE notification_requests
		 SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+requestCols,
		model.StatusInFlight, now, now, id, model.StatusPending,
	)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification request %s: %w", id, err)
	}
	return req, nil
}

// Ack marks an in_flight request delivered and records the outcome summary.
// Acking a request that is not in_flight has no effect.
func (s *NotificationStore) Ack(ctx context.Context, id string, outcome model.DeliveryOutcome) error {
	now := s.now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_requests
		 SET status = ?, provider_message_id = ?, recipient_count = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.StatusDelivered, outcome.ProviderMessageID, outcome.RecipientCount, now,
		id, model.StatusInFlight,
	)
	if err != nil {
		return fmt.Errorf("ack notification request %s: %w", id, err)
	}
	return nil
}

// Nack records a failed attempt. The request returns to pending with an
// exponential backoff, or becomes dead once MaxAttempts is reached. Nacking a
// request that is not in_flight has no effect, so repeated calls are safe.
func (s *NotificationStore) Nack(ctx context.Context, id string, cause error, retryAfter time.Duration) (model.NotificationStatus, error) {
	var status model.NotificationStatus
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT status, attempts FROM notification_requests WHERE id = ?`, id,
	).Scan(&status, &attempts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load notification request %s: %w", id, err)
	}
	if status != model.StatusInFlight {
		return status, nil
	}

	now := s.now().UTC()
	next := model.StatusPending
	nextAt := now.Add(s.cfg.Backoff(attempts, retryAfter))
	if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
		next = model.StatusDead
		nextAt = now
	}

	// The attempts guard makes this a no-op if the row moved on since it was read.
	result, err := s.db.ExecContext(ctx,
		`UPDATE notification_requests
		 SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		next, errString(cause), nextAt.UnixMilli(), now.UnixMilli(),
		id, model.StatusInFlight, attempts,
	)
	if err != nil {
		return "", fmt.Errorf("nack notification request %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}
	return next, nil
}

// Fail moves an in_flight request to the terminal failed state. It is used
// for provider rejections that no retry can fix.
func (s *NotificationStore) Fail(ctx context.Context, id string, cause error) error {
	now := s.now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_requests SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.StatusFailed, errString(cause), now, id, model.StatusInFlight,
	)
	if err != nil {
		return fmt.Errorf("fail notification request %s: %w", id, err)
	}
	return nil
}

// ReclaimStale returns requests stuck in_flight since before cutoff to
// pending, or to dead when their attempts are exhausted. It returns the
// number of rows changed.
func (s *NotificationStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := s.now().UTC().UnixMilli()
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint(0) >> 1)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE notification_requests
		 SET status = CASE WHEN attempts >= ? THEN ? ELSE ? END,
		     last_error = 'abandoned in flight',
		     next_attempt_at = ?, updated_at = ?
		 WHERE status = ? AND claimed_at < ?`,
		maxAttempts, model.StatusDead, model.StatusPending,
		now, now,
		model.StatusInFlight, cutoff.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale notification requests: %w", err)
	}
	return result.RowsAffected()
}

// Cancel deletes a request that has not been claimed yet.
func (s *NotificationStore) Cancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_requests WHERE id = ? AND status = ?`, id, model.StatusPending)
	if err != nil {
		return fmt.Errorf("cancel notification request %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

// Get returns the request with the given id or ErrNotFound.
func (s *NotificationStore) Get(ctx context.Context, id string) (*model.NotificationRequest, error) {
	return s.getBy(ctx, "id", id)
}

func (s *NotificationStore) getBy(ctx context.Context, col, value string) (*model.NotificationRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM notification_requests WHERE `+col+` = ?`, value)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification request: %w", err)
	}
	return req, nil
}

// ListByStatus returns up to limit requests in the given status, oldest first.
func (s *NotificationStore) ListByStatus(ctx context.Context, status model.NotificationStatus, limit int) ([]model.NotificationRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestCols+` FROM notification_requests WHERE status = ? ORDER BY seq LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notification requests: %w", err)
	}
	defer rows.Close()

	var reqs []model.NotificationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification request: %w", err)
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// CountByStatus returns the number of requests in each status.
func (s *NotificationStore) CountByStatus(ctx context.Context) (map[model.NotificationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count notification requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.NotificationStatus]int)
	for rows.Next() {
		var status model.NotificationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanRequest(scanner interface{ Scan(...any) error }) (*model.NotificationRequest, error) {
	var (
		req                 model.NotificationRequest
		payload, target     string
		nextAt, created, up int64
		claimed             sql.NullInt64
	)
	err := scanner.Scan(&req.ID, &payload, &target, &req.Status, &req.Attempts, &req.LastError,
		&req.IdempotencyKey, &req.ProviderMessageID, &req.RecipientCount,
		&nextAt, &claimed, &created, &up)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(target), &req.Target); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	req.NextAttemptAt = time.UnixMilli(nextAt).UTC()
	req.CreatedAt = time.UnixMilli(created).UTC()
	req.UpdatedAt = time.UnixMilli(up).UTC()
	if claimed.Valid {
		t := time.UnixMilli(claimed.Int64).UTC()
		req.ClaimedAt = &t
	}
	return &req, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
