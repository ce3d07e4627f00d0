package agent

import (
	"context"
	"fmt"
	"sync"
)

// WindowSet is an in-process Clients implementation. It backs the agent
// when it is driven outside a browser, e.g. by the simulator command.
type WindowSet struct {
	mu         sync.Mutex
	nextID     int
	windows    []Window
	focused    string
	controlled bool
}

func NewWindowSet(urls ...string) *WindowSet {
	ws := &WindowSet{}
	for _, u := range urls {
		ws.add(u)
	}
	return ws
}

func (ws *WindowSet) add(u string) Window {
	ws.nextID++
	w := Window{ID: fmt.Sprintf("w%d", ws.nextID), URL: u}
	ws.windows = append(ws.windows, w)
	return w
}

func (ws *WindowSet) MatchAll(context.Context) ([]Window, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]Window(nil), ws.windows...), nil
}

func (ws *WindowSet) Focus(_ context.Context, id string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.windows {
		if w.ID == id {
			ws.focused = id
			return nil
		}
	}
	return fmt.Errorf("no window %s", id)
}

func (ws *WindowSet) Open(_ context.Context, u string) (Window, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := ws.add(u)
	ws.focused = w.ID
	return w, nil
}

func (ws *WindowSet) Claim(context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.controlled = true
	return nil
}

// Focused returns the id of the focused window.
func (ws *WindowSet) Focused() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.focused
}

// Controlled reports whether a worker has claimed the windows.
func (ws *WindowSet) Controlled() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.controlled
}

// Len returns the number of open windows.
func (ws *WindowSet) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.windows)
}
