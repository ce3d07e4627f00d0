package model

// SendBody is what producers submit, over HTTP or the event bus. Leaving
// out filters, userId and broadcast addresses everyone; setting more than
// one of them is a validation error.
type SendBody struct {
	Payload        Payload     `json:"payload"`
	Filters        []TagFilter `json:"filters,omitempty"`
	UserID         string      `json:"userId,omitempty"`
	Broadcast      bool        `json:"broadcast,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// Request converts the body into an unsaved notification request.
func (b SendBody) Request() *NotificationRequest {
	return &NotificationRequest{
		Payload: b.Payload,
		Target: Target{
			UserID:    b.UserID,
			TagFilter: b.Filters,
			Broadcast: b.Broadcast,
		},
		IdempotencyKey: b.IdempotencyKey,
	}
}
