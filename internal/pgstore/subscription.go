package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/partypush/internal/model"
)

// SubscriptionStore maps users to their push endpoints on Postgres.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionCols = `id, user_id, endpoint, p256dh_key, auth_key, tags, enabled, created_at, updated_at`

// CreateSubscription registers an endpoint, re-enabling it if it was known.
func (s *SubscriptionStore) CreateSubscription(ctx context.Context, sub model.Subscription) (*model.Subscription, error) {
	if sub.Tags == nil {
		sub.Tags = map[string]string{}
	}
	tags, err := json.Marshal(sub.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, tags)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (endpoint) DO UPDATE SET
		     user_id = EXCLUDED.user_id, p256dh_key = EXCLUDED.p256dh_key, auth_key = EXCLUDED.auth_key,
		     tags = EXCLUDED.tags, enabled = TRUE, updated_at = now()
		 RETURNING `+subscriptionCols,
		sub.UserID, sub.Endpoint, sub.P256dhKey, sub.AuthKey, tags,
	)
	created, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("create push subscription: %w", err)
	}
	return created, nil
}

// GetByEndpoint returns the subscription for endpoint, or nil if none exists.
func (s *SubscriptionStore) GetByEndpoint(ctx context.Context, endpoint string) (*model.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionCols+` FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription by endpoint: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	return s.list(ctx, `WHERE user_id = $1`, userID)
}

func (s *SubscriptionStore) ListEnabledByUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	return s.list(ctx, `WHERE user_id = $1 AND enabled`, userID)
}

func (s *SubscriptionStore) ListEnabled(ctx context.Context) ([]model.Subscription, error) {
	return s.list(ctx, `WHERE enabled`)
}

func (s *SubscriptionStore) list(ctx context.Context, where string, args ...any) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionCols+` FROM push_subscriptions `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

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

// Disable sets enabled to false. Repeated calls are harmless.
func (s *SubscriptionStore) Disable(ctx context.Context, endpoint string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE push_subscriptions SET enabled = FALSE, updated_at = now() WHERE endpoint = $1 AND enabled`, endpoint)
	if err != nil {
		return fmt.Errorf("disable push subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("delete push subscription by endpoint: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var sub model.Subscription
	var tags []byte
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey,
		&tags, &sub.Enabled, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &sub.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &sub, nil
}
