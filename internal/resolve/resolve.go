// Package resolve expands a notification target into a delivery plan.
package resolve

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dukerupert/partypush/internal/model"
)

// SubscriptionSource is the read side of the subscription store.
type SubscriptionSource interface {
	ListEnabledByUser(ctx context.Context, userID string) ([]model.Subscription, error)
	ListEnabled(ctx context.Context) ([]model.Subscription, error)
}

// Resolver turns targets into plans for one provider. When the provider
// evaluates filters itself, tag and broadcast targets are passed through
// untouched; otherwise the audience is materialized from enabled subscriptions.
type Resolver struct {
	subs          SubscriptionSource
	nativeFilters bool
}

func New(subs SubscriptionSource, nativeFilters bool) *Resolver {
	return &Resolver{subs: subs, nativeFilters: nativeFilters}
}

// Resolve builds the delivery plan for target. A user with no enabled
// subscriptions yields an empty plan, not an error.
func (r *Resolver) Resolve(ctx context.Context, target model.Target) (model.DeliveryPlan, error) {
	kind := target.Kind()
	plan := model.DeliveryPlan{Kind: kind}

	switch kind {
	case model.TargetUser:
		subs, err := r.subs.ListEnabledByUser(ctx, target.UserID)
		if err != nil {
			return plan, fmt.Errorf("resolve user %s: %w", target.UserID, err)
		}
		plan.Subscriptions = subs

	case model.TargetTags:
		if r.nativeFilters {
			plan.Filters = target.TagFilter
			return plan, nil
		}
		subs, err := r.subs.ListEnabled(ctx)
		if err != nil {
			return plan, fmt.Errorf("resolve tag filter: %w", err)
		}
		for _, sub := range subs {
			if Matches(sub.Tags, target.TagFilter) {
				plan.Subscriptions = append(plan.Subscriptions, sub)
			}
		}

	case model.TargetBroadcast:
		if r.nativeFilters {
			plan.Audience = true
			return plan, nil
		}
		subs, err := r.subs.ListEnabled(ctx)
		if err != nil {
			return plan, fmt.Errorf("resolve broadcast: %w", err)
		}
		plan.Subscriptions = subs

	default:
		return plan, &model.ValidationError{Field: "target", Reason: "exactly one of userId, tagFilter or broadcast must be set"}
	}

	return plan, nil
}

// Matches reports whether tags satisfy every filter. Only "tag" filters
// are evaluated locally; any other field never matches.
func Matches(tags map[string]string, filters []model.TagFilter) bool {
	for _, f := range filters {
		if !matchOne(tags, f) {
			return false
		}
	}
	return true
}

func matchOne(tags map[string]string, f model.TagFilter) bool {
	if f.Field != "tag" {
		return false
	}
	v, ok := tags[f.Key]

	switch f.Relation {
	case model.RelationExists:
		return ok
	case model.RelationNotExists:
		return !ok
	case model.RelationEqual:
		return ok && v == f.Value
	case model.RelationNotEqual:
		return !ok || v != f.Value
	case model.RelationGreater, model.RelationLess:
		if !ok {
			return false
		}
		have, err1 := strconv.ParseFloat(v, 64)
		want, err2 := strconv.ParseFloat(f.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if f.Relation == model.RelationGreater {
			return have > want
		}
		return have < want
	}
	return false
}
