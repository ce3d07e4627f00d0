package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/partypush/internal/model"
	"github.com/dukerupert/partypush/internal/store"
)

const uniqueViolation = "23505"

// Queue is the notification queue on Postgres. Claims use
// FOR UPDATE SKIP LOCKED so competing dispatchers never block each other.
type Queue struct {
	pool *pgxpool.Pool
	cfg  store.QueueConfig
	now  func() time.Time
}

func NewQueue(pool *pgxpool.Pool, cfg store.QueueConfig) *Queue {
	return &Queue{pool: pool, cfg: cfg, now: time.Now}
}

const requestCols = `id::text, payload, target, status, attempts, last_error, COALESCE(idempotency_key, ''),
	provider_message_id, recipient_count, next_attempt_at, claimed_at, created_at, updated_at`

// Enqueue validates and persists a new pending request. See
// store.NotificationStore.Enqueue for the idempotency key contract.
func (q *Queue) Enqueue(ctx context.Context, req *model.NotificationRequest) (string, error) {
	if req.Target.IsZero() {
		req.Target.Broadcast = true
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	if req.IdempotencyKey != "" {
		existing, err := q.getBy(ctx, "idempotency_key", req.IdempotencyKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
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

	now := q.now().UTC()
	req.ID = uuid.NewString()
	req.Status = model.StatusPending
	req.Attempts = 0
	req.NextAttemptAt = now
	req.CreatedAt = now
	req.UpdatedAt = now

	var idemKey *string
	if req.IdempotencyKey != "" {
		idemKey = &req.IdempotencyKey
	}

	_, err = q.pool.Exec(ctx,
		`INSERT INTO notification_requests (id, payload, target, status, idempotency_key, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $6)`,
		req.ID, payload, target, string(model.StatusPending), idemKey, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if idemKey != nil && errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, gerr := q.getBy(ctx, "idempotency_key", req.IdempotencyKey)
			if gerr == nil {
				*req = *existing
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("insert notification request: %w", err)
	}
	return req.ID, nil
}

// EnqueueClaimed persists a new request already in_flight for synchronous delivery.
func (q *Queue) EnqueueClaimed(ctx context.Context, req *model.NotificationRequest) (*model.NotificationRequest, error) {
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	row := q.pool.QueryRow(ctx,
		`UPDATE notification_requests
		 SET status = 'in_flight', attempts = attempts + 1, claimed_at = $1, updated_at = $1
		 WHERE id = $2 AND status = 'pending'
		 RETURNING `+requestCols,
		q.now().UTC(), id,
	)
	claimed, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return q.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification request %s: %w", id, err)
	}
	return claimed, nil
}

// ClaimNext moves the oldest eligible pending request to in_flight.
// It returns nil, nil when nothing is eligible.
func (q *Queue) ClaimNext(ctx context.Context) (*model.NotificationRequest, error) {
	row := q.pool.QueryRow(ctx,
		`UPDATE notification_requests
		 SET status = 'in_flight', attempts = attempts + 1, claimed_at = $1, updated_at = $1
		 WHERE seq = (
		     SELECT seq FROM notification_requests
		     WHERE status = 'pending' AND next_attempt_at <= $1
		     ORDER BY next_attempt_at, seq
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+requestCols,
		q.now().UTC(),
	)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification request: %w", err)
	}
	return req, nil
}

// Ack marks an in_flight request delivered.
func (q *Queue) Ack(ctx context.Context, id string, outcome model.DeliveryOutcome) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE notification_requests
		 SET status = 'delivered', provider_message_id = $1, recipient_count = $2, last_error = '', updated_at = $3
		 WHERE id = $4 AND status = 'in_flight'`,
		outcome.ProviderMessageID, outcome.RecipientCount, q.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("ack notification request %s: %w", id, err)
	}
	return nil
}

// Nack records a failed attempt and schedules a retry or dead-letters the request.
func (q *Queue) Nack(ctx context.Context, id string, cause error, retryAfter time.Duration) (model.NotificationStatus, error) {
	var result model.NotificationStatus
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		var status string
		var attempts int
		err := tx.QueryRow(ctx,
			`SELECT status, attempts FROM notification_requests WHERE id = $1 FOR UPDATE`, id,
		).Scan(&status, &attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load notification request %s: %w", id, err)
		}
		result = model.NotificationStatus(status)
		if result != model.StatusInFlight {
			return nil
		}

		now := q.now().UTC()
		next := model.StatusPending
		nextAt := now.Add(q.cfg.Backoff(attempts, retryAfter))
		if q.cfg.MaxAttempts > 0 && attempts >= q.cfg.MaxAttempts {
			next = model.StatusDead
			nextAt = now
		}
		_, err = tx.Exec(ctx,
			`UPDATE notification_requests
			 SET status = $1, last_error = $2, next_attempt_at = $3, updated_at = $4
			 WHERE id = $5`,
			string(next), errString(cause), nextAt, now, id,
		)
		if err != nil {
			return fmt.Errorf("nack notification request %s: %w", id, err)
		}
		result = next
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// Fail moves an in_flight request to the terminal failed state.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE notification_requests SET status = 'failed', last_error = $1, updated_at = $2
		 WHERE id = $3 AND status = 'in_flight'`,
		errString(cause), q.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail notification request %s: %w", id, err)
	}
	return nil
}

// ReclaimStale returns requests claimed before cutoff to pending, or dead
// when their attempts are exhausted.
func (q *Queue) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	maxAttempts := q.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1 << 30
	}
	now := q.now().UTC()
	tag, err := q.pool.Exec(ctx,
		`UPDATE notification_requests
		 SET status = CASE WHEN attempts >= $1 THEN 'dead' ELSE 'pending' END,
		     last_error = 'abandoned in flight',
		     next_attempt_at = $2, updated_at = $2
		 WHERE status = 'in_flight' AND claimed_at < $3`,
		maxAttempts, now, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale notification requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cancel deletes a request that has not been claimed yet.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrNotFound
	}
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM notification_requests WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("cancel notification request %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return store.ErrNotCancellable
}

// Get returns the request with the given id or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*model.NotificationRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	return q.getBy(ctx, "id", id)
}

func (q *Queue) getBy(ctx context.Context, col, value string) (*model.NotificationRequest, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM notification_requests WHERE `+col+` = $1`, value)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification request: %w", err)
	}
	return req, nil
}

// ListByStatus returns up to limit requests in the given status, oldest first.
func (q *Queue) ListByStatus(ctx context.Context, status model.NotificationStatus, limit int) ([]model.NotificationRequest, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+requestCols+` FROM notification_requests WHERE status = $1 ORDER BY seq LIMIT $2`,
		string(status), limit,
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
func (q *Queue) CountByStatus(ctx context.Context) (map[model.NotificationStatus]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM notification_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count notification requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.NotificationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[model.NotificationStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanRequest(row pgx.Row) (*model.NotificationRequest, error) {
	var (
		req             model.NotificationRequest
		status          string
		payload, target []byte
	)
	err := row.Scan(&req.ID, &payload, &target, &status, &req.Attempts, &req.LastError,
		&req.IdempotencyKey, &req.ProviderMessageID, &req.RecipientCount,
		&req.NextAttemptAt, &req.ClaimedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.Status = model.NotificationStatus(status)
	if err := json.Unmarshal(payload, &req.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(target, &req.Target); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	return &req, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
