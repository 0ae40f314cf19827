package models

import "time"

// RunSpec is the payload for triggering a batch of sessions.
type RunSpec struct {
	Count       int    `json:"count"`
	Query       string `json:"query,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
}

// RunSummary aggregates the results of one batch invocation.
type RunSummary struct {
	RunID                string        `json:"runId"`
	Requested            int           `json:"requested"`
	Completed            int           `json:"completed"`
	Failed               int           `json:"failed"`
	Aborted              int           `json:"aborted"`
	ProvisioningFailures int           `json:"provisioningFailures"`
	Clicks               int           `json:"clicks"`
	AverageDuration      time.Duration `json:"averageDuration"`
	StartedAt            time.Time     `json:"startedAt"`
	EndedAt              time.Time     `json:"endedAt"`
	Sessions             []*Session    `json:"-"`
}
