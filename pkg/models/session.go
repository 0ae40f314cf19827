package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState represents the current state of a simulated session.
type SessionState string

const (
	StateCreated      SessionState = "CREATED"
	StateProvisioning SessionState = "PROVISIONING"
	StateRunning      SessionState = "RUNNING"
	StateCompleted    SessionState = "COMPLETED"
	StateFailed       SessionState = "FAILED"
	StateAborted      SessionState = "ABORTED"
)

// Terminal reports whether the state is a final one.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// DeviceProfile is the fake client identity a session presents.
// Created once at session start and never mutated afterwards.
type DeviceProfile struct {
	Name           string `json:"name"`
	UserAgent      string `json:"userAgent"`
	ViewportWidth  int    `json:"viewportWidth"`
	ViewportHeight int    `json:"viewportHeight"`
	Platform       string `json:"platform"`
	Locale         string `json:"locale"`
	Timezone       string `json:"timezone"`
	DeviceType     string `json:"deviceType"` // "desktop", "mobile", "tablet"
	IsMobile       bool   `json:"isMobile"`
	HasTouch       bool   `json:"hasTouch"`
}

// Session represents one simulated visit. It is created by the orchestrator,
// mutated only by the simulator instance executing it, and immutable once the
// state is terminal.
type Session struct {
	ID          string        `json:"id"`
	State       SessionState  `json:"state"`
	Device      DeviceProfile `json:"device"`
	EgressAddr  string        `json:"egressAddr,omitempty"`
	TargetQuery string        `json:"targetQuery"`
	TargetURL   string        `json:"targetUrl"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     time.Time     `json:"endedAt,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	ActionLog   []LoggedEvent `json:"actionLog,omitempty"`
}

// NewSession creates a session in the Created state.
func NewSession(query string) *Session {
	return &Session{
		ID:          uuid.New().String(),
		State:       StateCreated,
		TargetQuery: query,
		StartedAt:   time.Now().UTC(),
	}
}

// Duration returns the session wall-clock duration, or zero if still running.
func (s *Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// OutcomeStatus classifies how a session terminated.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeAborted OutcomeStatus = "aborted"
)

// Outcome is the terminal result of a session.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// LoggedEvent is one entry of a session's ordered action log. Full event
// payloads go to the event sink; the log keeps the type, timestamp and a
// compact detail string so a finalized session is self-describing.
type LoggedEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}
