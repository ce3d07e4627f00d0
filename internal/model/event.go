package model

import "time"

// Queue event types published to live operator feeds.
const (
	EventEnqueued  = "notification_enqueued"
	EventDelivered = "notification_delivered"
	EventRetrying  = "notification_retrying"
	EventFailed    = "notification_failed"
	EventDead      = "notification_dead"
	EventReclaimed = "notification_reclaimed"
	EventHalted    = "dispatch_halted"
)

// QueueEvent describes a state change of a notification request.
type QueueEvent struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"requestId,omitempty"`
	Status         NotificationStatus `json:"status,omitempty"`
	Attempts       int                `json:"attempts,omitempty"`
	RecipientCount int                `json:"recipientCount,omitempty"`
	Error          string             `json:"error,omitempty"`
	At             time.Time          `json:"at"`
}

// NewQueueEvent builds an event for req in the given status.
func NewQueueEvent(eventType string, req *NotificationRequest, status NotificationStatus) QueueEvent {
	ev := QueueEvent{Type: eventType, Status: status, At: time.Now().UTC()}
	if req != nil {
		ev.RequestID = req.ID
		ev.Attempts = req.Attempts
		ev.RecipientCount = req.RecipientCount
	}
	return ev
}
