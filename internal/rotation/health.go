package rotation

import "time"

// HealthState classifies an egress point by its recent outcome history.
type HealthState string

const (
	// Healthy entries are freely selectable.
	Healthy HealthState = "healthy"
	// Flagged entries have crossed the failure threshold and are resting.
	Flagged HealthState = "flagged"
	// Blacklisted entries stay out of rotation until an operator
	// re-enables them.
	Blacklisted HealthState = "blacklisted"
)

// Outcome is what a session reports back about one egress use.
type Outcome int

const (
	// OutcomeSuccess: the session completed normally.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure: the session failed for a recoverable-looking reason.
	OutcomeFailure
	// OutcomeHardBlock: a ban or CAPTCHA was detected; the entry is
	// downgraded immediately instead of waiting for the rolling window.
	OutcomeHardBlock
	// OutcomeNeutral: cancelled or aborted; counts as a use but neither
	// success nor failure, so health scoring is not skewed.
	OutcomeNeutral
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeHardBlock:
		return "hard_block"
	case OutcomeNeutral:
		return "neutral"
	}
	return "unknown"
}

// HealthConfig tunes the per-entry state machine.
type HealthConfig struct {
	// Window is W: how many recent scored uses the rolling failure rate
	// looks at. Neutral outcomes do not enter the window.
	Window int `mapstructure:"window"`

	// FlagThreshold moves Healthy -> Flagged once the rolling failure
	// rate over a full window exceeds it.
	FlagThreshold float64 `mapstructure:"flag_threshold"`

	// BlacklistThreshold moves Flagged -> Blacklisted once the rolling
	// failure rate exceeds this stricter bound.
	BlacklistThreshold float64 `mapstructure:"blacklist_threshold"`

	// MaxConsecutiveFailures moves Flagged -> Blacklisted regardless of
	// the window.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`

	// RecoveryCooldown moves Flagged -> Healthy after this long with no
	// further failures.
	RecoveryCooldown time.Duration `mapstructure:"recovery_cooldown"`

	// RecoverySuccesses moves Flagged -> Healthy after this many
	// consecutive successes.
	RecoverySuccesses int `mapstructure:"recovery_successes"`
}

// DefaultHealthConfig mirrors the stock pool tuning.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Window:                 10,
		FlagThreshold:          0.5,
		BlacklistThreshold:     0.8,
		MaxConsecutiveFailures: 5,
		RecoveryCooldown:       5 * time.Minute,
		RecoverySuccesses:      3,
	}
}

// outcomeWindow is a fixed-size ring over the most recent scored uses.
type outcomeWindow struct {
	failed []bool
	next   int
	filled int
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{failed: make([]bool, size)}
}

func (w *outcomeWindow) push(failure bool) {
	w.failed[w.next] = failure
	w.next = (w.next + 1) % len(w.failed)
	if w.filled < len(w.failed) {
		w.filled++
	}
}

// full reports whether W samples have been observed.
func (w *outcomeWindow) full() bool { return w.filled == len(w.failed) }

// failureRate over the observed samples; zero when empty.
func (w *outcomeWindow) failureRate() float64 {
	if w.filled == 0 {
		return 0
	}
	n := 0
	for i := 0; i < w.filled; i++ {
		if w.failed[i] {
			n++
		}
	}
	return float64(n) / float64(w.filled)
}

func (w *outcomeWindow) reset() {
	w.next = 0
	w.filled = 0
}
