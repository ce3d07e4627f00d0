package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/partypush/internal/model"
)

// SubscriptionStore maps users to their push endpoints and tags.
type SubscriptionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db, now: time.Now}
}

const subscriptionCols = `id, user_id, endpoint, p256dh_key, auth_key, tags, enabled, created_at, updated_at`

// CreateSubscription registers an endpoint for a user. Registering an
// endpoint again updates its keys and tags and re-enables it.
func (s *SubscriptionStore) CreateSubscription(ctx context.Context, sub model.Subscription) (*model.Subscription, error) {
	if sub.Tags == nil {
		sub.Tags = map[string]string{}
	}
	tags, err := json.Marshal(sub.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	now := s.now().UTC().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, tags, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		     user_id = excluded.user_id, p256dh_key = excluded.p256dh_key, auth_key = excluded.auth_key,
		     tags = excluded.tags, enabled = 1, updated_at = excluded.updated_at`,
		sub.UserID, sub.Endpoint, sub.P256dhKey, sub.AuthKey, string(tags), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create push subscription: %w", err)
	}
	return s.GetByEndpoint(ctx, sub.Endpoint)
}

// GetByEndpoint returns the subscription for endpoint, or nil if none exists.
func (s *SubscriptionStore) GetByEndpoint(ctx context.Context, endpoint string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription by endpoint: %w", err)
	}
	return sub, nil
}

// ListByUser returns all subscriptions for a user, enabled or not.
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListEnabledByUser returns the subscriptions a user can currently be reached on.
func (s *SubscriptionStore) ListEnabledByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE user_id = ? AND enabled = 1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list enabled push subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListEnabled returns every enabled subscription.
func (s *SubscriptionStore) ListEnabled(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled push subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// Disable marks the endpoint unreachable. It sets enabled to false rather
// than toggling, so concurrent callers converge on the same state.
func (s *SubscriptionStore) Disable(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET enabled = 0, updated_at = ? WHERE endpoint = ? AND enabled = 1`,
		s.now().UTC().UnixMilli(), endpoint)
	if err != nil {
		return fmt.Errorf("disable push subscription: %w", err)
	}
	return nil
}

// DeleteByEndpoint removes a subscription when the client unregisters.
func (s *SubscriptionStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("delete push subscription by endpoint: %w", err)
	}
	return nil
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var tags string
	var enabled int
	var created, updated int64
	err := scanner.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey,
		&tags, &enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &sub.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	sub.Enabled = enabled != 0
	sub.CreatedAt = time.UnixMilli(created).UTC()
	sub.UpdatedAt = time.UnixMilli(updated).UTC()
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
