package model

import "time"

// Subscription is one push endpoint registered by a client.
//
// Endpoint is either a push-service URL (Web Push) or a provider-assigned
// player id (REST gateway).
type Subscription struct {
	ID        int64             `json:"id"`
	UserID    string            `json:"userId"`
	Endpoint  string            `json:"endpoint"`
	P256dhKey string            `json:"p256dh,omitempty"`
	AuthKey   string            `json:"auth,omitempty"`
	Tags      map[string]string `json:"tags"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
