package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Action is a button shown on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// ClientNotification is what gets rendered in the tray.
type ClientNotification struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Icon               string          `json:"icon,omitempty"`
	Badge              string          `json:"badge,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	URL                string          `json:"url,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	RequireInteraction bool            `json:"requireInteraction,omitempty"`
	Actions            []Action        `json:"actions,omitempty"`
}

// Defaults fill in whatever a push payload leaves out.
type Defaults struct {
	Title string
	Body  string
	Icon  string
	Badge string
}

func DefaultDefaults() Defaults {
	return Defaults{
		Title: "Party update",
		Body:  "Something happened at the party. Tap to take a look.",
		Icon:  "/icons/icon-192.png",
		Badge: "/icons/badge-72.png",
	}
}

type wirePush struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Message            string          `json:"message"`
	Icon               string          `json:"icon"`
	Badge              string          `json:"badge"`
	Tag                string          `json:"tag"`
	ID                 json.RawMessage `json:"id"`
	URL                string          `json:"url"`
	Data               json.RawMessage `json:"data"`
	RequireInteraction bool            `json:"requireInteraction"`
	Actions            []Action        `json:"actions"`
}

// ParsePush turns a push payload into a notification. It never fails:
// text that does not look like JSON becomes the body, and anything that
// looks like JSON but does not parse falls back to the defaults.
func ParsePush(data []byte, d Defaults) ClientNotification {
	n := ClientNotification{Icon: d.Icon, Badge: d.Badge}

	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '{':
		var w wirePush
		if err := json.Unmarshal(trimmed, &w); err == nil {
			n = fromWire(w, d)
		}
	case trimmed[0] == '[' || trimmed[0] == '"':
		// JSON, but not an object we understand.
	default:
		if utf8.Valid(trimmed) {
			n.Body = string(trimmed)
		}
	}

	if strings.TrimSpace(n.Title) == "" {
		n.Title = d.Title
	}
	if strings.TrimSpace(n.Body) == "" {
		n.Body = d.Body
	}
	if n.Tag == "" {
		n.Tag = contentTag(n)
	}
	return n
}

// contentTag derives a tag from what the notification shows, so an
// untagged push delivered twice replaces itself instead of stacking.
func contentTag(n ClientNotification) string {
	sum := sha256.Sum256([]byte(n.Title + "\x00" + n.Body + "\x00" + n.URL))
	return "auto-" + hex.EncodeToString(sum[:8])
}

func fromWire(w wirePush, d Defaults) ClientNotification {
	n := ClientNotification{
		Title:              w.Title,
		Body:               w.Body,
		Icon:               w.Icon,
		Badge:              w.Badge,
		Tag:                w.Tag,
		URL:                w.URL,
		Data:               w.Data,
		RequireInteraction: w.RequireInteraction,
		Actions:            w.Actions,
	}
	if n.Body == "" {
		n.Body = w.Message
	}
	if n.Tag == "" {
		n.Tag = rawID(w.ID)
	}
	if n.Icon == "" {
		n.Icon = d.Icon
	}
	if n.Badge == "" {
		n.Badge = d.Badge
	}
	if n.URL == "" && len(w.Data) > 0 {
		var inner struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(w.Data, &inner) == nil {
			n.URL = inner.URL
		}
	}
	return n
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
