package rotation

import "fmt"

// Strategy names a selection policy over the eligible set.
type Strategy string

const (
	// StrategyRoundRobin selects least-recently-used first, ties broken
	// by insertion order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyWeightedSuccess selects with probability proportional to
	// the entry's success rate, with a floor weight for fresh entries.
	StrategyWeightedSuccess Strategy = "weighted_success"
	// StrategyStickyTarget reuses the same entry for a logical target
	// until it leaves Healthy, then falls back to round-robin.
	StrategyStickyTarget Strategy = "sticky_target"
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyWeightedSuccess, StrategyStickyTarget:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	}
	return "", fmt.Errorf("rotation: unknown strategy %q", s)
}

// pickRoundRobin returns the least-recently-used eligible entry. lastTick is
// a monotonic use counter, so never-used entries (tick zero) come first in
// insertion order.
func pickRoundRobin(eligible []*entry) *entry {
	best := eligible[0]
	for _, e := range eligible[1:] {
		if e.lastTick < best.lastTick ||
			(e.lastTick == best.lastTick && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// pickWeightedLocked samples proportionally to successes/max(uses,1) plus
// the configured floor. Caller holds m.mu.
func (m *Manager) pickWeightedLocked(eligible []*entry) *entry {
	floor := m.cfg.FloorWeight
	if floor <= 0 {
		floor = 0.01
	}

	var total float64
	weights := make([]float64, len(eligible))
	for i, e := range eligible {
		uses := e.uses
		if uses == 0 {
			uses = 1
		}
		weights[i] = float64(e.successes)/float64(uses) + floor
		total += weights[i]
	}

	target := m.rng.Float64() * total
	var acc float64
	for i, e := range eligible {
		acc += weights[i]
		if target < acc {
			return e
		}
	}
	return eligible[len(eligible)-1]
}

// pickStickyLocked reuses the entry bound to the target while it remains
// Healthy and eligible. Caller holds m.mu.
func (m *Manager) pickStickyLocked(eligible []*entry, target string) *entry {
	if target != "" {
		if addr, ok := m.sticky[target]; ok {
			for _, e := range eligible {
				if e.addr == addr && e.state == Healthy {
					return e
				}
			}
			// Bound entry left the Healthy set; rebind below.
			delete(m.sticky, target)
		}
	}

	chosen := pickRoundRobin(eligible)
	if target != "" {
		m.sticky[target] = chosen.addr
	}
	return chosen
}
