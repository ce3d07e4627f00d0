package agent

import (
	"sync"
	"time"
)

// NotificationState is the lifecycle of one shown notification.
type NotificationState int

const (
	Delivered NotificationState = iota
	Clicked
	Closed
	Superseded
)

func (s NotificationState) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Clicked:
		return "clicked"
	case Closed:
		return "closed"
	case Superseded:
		return "superseded"
	}
	return "unknown"
}

// Entry is a notification the tray has shown.
type Entry struct {
	ID           int
	Notification ClientNotification
	State        NotificationState
	ShownAt      time.Time
}

// Tray models the OS notification tray. A notification whose tag matches a
// visible one replaces it instead of stacking.
type Tray struct {
	mu      sync.Mutex
	nextID  int
	visible []*Entry
	history []*Entry
}

func NewTray() *Tray {
	return &Tray{}
}

// Show renders n and returns its entry.
func (t *Tray) Show(n ClientNotification) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.Tag != "" {
		for i, e := range t.visible {
			if e.Notification.Tag == n.Tag {
				e.State = Superseded
				t.visible = append(t.visible[:i], t.visible[i+1:]...)
				break
			}
		}
	}

	t.nextID++
	e := &Entry{ID: t.nextID, Notification: n, State: Delivered, ShownAt: time.Now()}
	t.visible = append(t.visible, e)
	t.history = append(t.history, e)
	return *e
}

// Visible returns the notifications currently in the tray, oldest first.
func (t *Tray) Visible() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.visible))
	for i, e := range t.visible {
		out[i] = *e
	}
	return out
}

// Get returns the entry with id, visible or not.
func (t *Tray) Get(id int) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.history {
		if e.ID == id {
			return *e, true
		}
	}
	return Entry{}, false
}

// Dismiss removes a visible entry, recording how it left the tray. It
// reports false when the entry is no longer visible.
func (t *Tray) Dismiss(id int, state NotificationState) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.visible {
		if e.ID == id {
			e.State = state
			t.visible = append(t.visible[:i], t.visible[i+1:]...)
			return *e, true
		}
	}
	return Entry{}, false
}
