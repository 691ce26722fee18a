package stream

import (
	"image"
	"time"
)

// EventType identifies a loop event.
type EventType string

const (
	EventFrame         EventType = "frame"
	EventFailed        EventType = "failed"
	EventCreated       EventType = "capturer_created"
	EventSessionLost   EventType = "session_lost"
	EventCursorEnter   EventType = "cursor_enter"
	EventCursorLeave   EventType = "cursor_leave"
	EventCursorHotspot EventType = "cursor_hotspot"
)

// Event is published to subscribers for every capture outcome and
// cursor change.
type Event struct {
	Type     EventType    `json:"type"`
	Capturer string       `json:"capturer,omitempty"`
	Kind     string       `json:"kind,omitempty"`
	Seq      uint64       `json:"seq,omitempty"`
	Width    int          `json:"width,omitempty"`
	Height   int          `json:"height,omitempty"`
	Damage   int          `json:"damage_rects,omitempty"`
	Hotspot  *image.Point `json:"hotspot,omitempty"`
	Time     time.Time    `json:"time"`
}

// Subscribe adds a listener for loop events. Slow listeners miss events.
func (l *Loop) Subscribe() chan Event {
	ch := make(chan Event, 32)
	l.subMu.Lock()
	l.listeners = append(l.listeners, ch)
	l.subMu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (l *Loop) Unsubscribe(ch chan Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for i, listener := range l.listeners {
		if listener == ch {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (l *Loop) notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	l.subMu.RLock()
	defer l.subMu.RUnlock()

	for _, listener := range l.listeners {
		select {
		case listener <- ev:
		default:
			// Skip if channel is full
		}
	}
}
