package model

import (
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusInFlight  NotificationStatus = "in_flight"
	StatusDelivered NotificationStatus = "delivered"
	StatusFailed    NotificationStatus = "failed"
	StatusDead      NotificationStatus = "dead"
)

// Terminal reports whether no further transitions are possible from s.
func (s NotificationStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusDead
}

// Valid reports whether s is one of the known statuses.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Payload is the user-visible content of a notification.
type Payload struct {
	Title string          `json:"title" validate:"required"`
	Body  string          `json:"body" validate:"required"`
	URL   string          `json:"url,omitempty"`
	Icon  string          `json:"icon,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TagFilter selects recipients by a previously-set key/value attribute.
type TagFilter struct {
	Field    string `json:"field" validate:"required"`
	Key      string `json:"key"`
	Relation string `json:"relation" validate:"required"`
	Value    string `json:"value,omitempty"`
}

// Target names the recipients of a request. Exactly one variant is set.
type Target struct {
	UserID    string      `json:"userId,omitempty"`
	TagFilter []TagFilter `json:"tagFilter,omitempty"`
	Broadcast bool        `json:"broadcast,omitempty"`
}

// TargetKind identifies which variant of a Target is set.
type TargetKind string

const (
	TargetUser      TargetKind = "user"
	TargetTags      TargetKind = "tags"
	TargetBroadcast TargetKind = "broadcast"
)

// Kind returns the set variant, or "" when zero or several are set.
func (t Target) Kind() TargetKind {
	var kind TargetKind
	n := 0
	if t.UserID != "" {
		kind = TargetUser
		n++
	}
	if len(t.TagFilter) > 0 {
		kind = TargetTags
		n++
	}
	if t.Broadcast {
		kind = TargetBroadcast
		n++
	}
	if n != 1 {
		return ""
	}
	return kind
}

type NotificationRequest struct {
	ID                string             `json:"id"`
	Payload           Payload            `json:"payload"`
	Target            Target             `json:"target"`
	Status            NotificationStatus `json:"status"`
	Attempts          int                `json:"attempts"`
	LastError         string             `json:"lastError,omitempty"`
	IdempotencyKey    string             `json:"idempotencyKey,omitempty"`
	ProviderMessageID string             `json:"providerMessageId,omitempty"`
	RecipientCount    int                `json:"recipientCount"`
	NextAttemptAt     time.Time          `json:"nextAttemptAt"`
	ClaimedAt         *time.Time         `json:"claimedAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// DeliveryOutcome is the result of one provider call for a request.
type DeliveryOutcome struct {
	RequestID         string `json:"requestId"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	RecipientCount    int    `json:"recipientCount"`
	HTTPStatus        int    `json:"httpStatus"`
	ErrorBody         string `json:"errorBody,omitempty"`
}

// DeliveryPlan is a resolved target ready for a provider.
//
// Subscriptions is set for user targets and for locally materialized
// audiences. Filters is set when tag filtering is left to the provider.
// A plan with Audience set and no subscriptions or filters means "everyone".
type DeliveryPlan struct {
	Kind          TargetKind     `json:"kind"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	Filters       []TagFilter    `json:"filters,omitempty"`
	Audience      bool           `json:"audience"`
}

// Empty reports whether the plan addresses nobody.
func (p DeliveryPlan) Empty() bool {
	return !p.Audience && len(p.Filters) == 0 && len(p.Subscriptions) == 0
}
