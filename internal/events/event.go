// Package events defines the immutable records every observable action
// produces, and the sinks that consume them.
package events

import (
	"errors"
	"time"
)

// Type identifies one kind of event.
type Type string

const (
	TypeSessionStart Type = "session_start"
	TypeNavigate     Type = "navigate"
	TypeSearch       Type = "search"
	TypeScroll       Type = "scroll"
	TypeDwell        Type = "dwell"
	TypeClick        Type = "click"
	TypeHardBlock    Type = "hard_block"
	TypeError        Type = "error"
	TypeAborted      Type = "aborted"
	TypeSessionEnd   Type = "session_end"
)

// Payload is the typed body of an event, keyed by its Kind. Payload structs
// are plain data; the Meta map on Event carries anything forward-compatible
// that has no dedicated field yet.
type Payload interface {
	Kind() Type
}

// Event is an immutable record of one executed action or session milestone.
// Once emitted it is never mutated; retention is the sink's concern.
type Event struct {
	SessionID string            `json:"sessionId"`
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   Payload           `json:"payload,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// New stamps an event for the given session.
func New(sessionID string, p Payload) Event {
	return Event{
		SessionID: sessionID,
		Type:      p.Kind(),
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

type SessionStartPayload struct {
	Device    string `json:"device"`
	Query     string `json:"query"`
	TargetURL string `json:"targetUrl"`
	Egress    string `json:"egress,omitempty"`
}

func (SessionStartPayload) Kind() Type { return TypeSessionStart }

type NavigatePayload struct {
	URL string `json:"url"`
}

func (NavigatePayload) Kind() Type { return TypeNavigate }

type SearchPayload struct {
	Query string `json:"query"`
	URL   string `json:"url"`
}

func (SearchPayload) Kind() Type { return TypeSearch }

type ScrollPayload struct {
	DeltaPx int `json:"deltaPx"`
}

func (ScrollPayload) Kind() Type { return TypeScroll }

type DwellPayload struct {
	DurationMs int64 `json:"durationMs"`
}

func (DwellPayload) Kind() Type { return TypeDwell }

type ClickPayload struct {
	Rank int    `json:"rank"`
	URL  string `json:"url,omitempty"`
}

func (ClickPayload) Kind() Type { return TypeClick }

type HardBlockPayload struct {
	Signal string `json:"signal"`
}

func (HardBlockPayload) Kind() Type { return TypeHardBlock }

type ErrorPayload struct {
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

func (ErrorPayload) Kind() Type { return TypeError }

type AbortedPayload struct {
	Action string `json:"action,omitempty"`
	Reason string `json:"reason"`
}

func (AbortedPayload) Kind() Type { return TypeAborted }

type SessionEndPayload struct {
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Actions    int    `json:"actions"`
}

func (SessionEndPayload) Kind() Type { return TypeSessionEnd }

// Sink consumes events append-only. The core writes and never reads back.
type Sink interface {
	Write(e Event) error
}

// MultiSink fans one write out to several sinks, collecting errors without
// short-circuiting: a failing store must not starve the live stream.
type MultiSink []Sink

// Write delivers the event to every sink.
func (m MultiSink) Write(e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
