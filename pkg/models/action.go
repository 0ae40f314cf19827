package models

import "time"

// ActionType identifies one kind of abstract browsing action.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionSearch   ActionType = "search"
	ActionScroll   ActionType = "scroll"
	ActionDwell    ActionType = "dwell"
	ActionClick    ActionType = "click"
	ActionExit     ActionType = "exit"
)

// Action is a single abstract instruction produced by the behavior model.
// Actions are pure data; the simulator decides how each one is executed.
type Action struct {
	Type ActionType `json:"type"`

	// URL is set for navigate actions.
	URL string `json:"url,omitempty"`

	// Query is set for search actions.
	Query string `json:"query,omitempty"`

	// ScrollDelta is the vertical scroll distance in pixels for scroll actions.
	ScrollDelta int `json:"scrollDelta,omitempty"`

	// Dwell is how long to linger on the page for dwell actions.
	Dwell time.Duration `json:"dwell,omitempty"`

	// ClickTarget is the zero-based search-result index for click actions.
	ClickTarget int `json:"clickTarget,omitempty"`
}
