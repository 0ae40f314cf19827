// Package rotation owns the egress-point pool: selection, health scoring
// and retirement. The manager is the sole synchronization boundary for pool
// state; callers never take a lock themselves.
package rotation

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrPoolExhausted means no eligible egress point is available.
	ErrPoolExhausted = errors.New("rotation: pool exhausted")
	// ErrUnknownEntry means the address is not in the pool.
	ErrUnknownEntry = errors.New("rotation: unknown egress point")
	// ErrAlreadyReported guards the one-terminal-report-per-lease
	// invariant.
	ErrAlreadyReported = errors.New("rotation: lease already reported")
)

// Config tunes the pool as a whole.
type Config struct {
	Health HealthConfig `mapstructure:"health"`

	// Exclusive grants each entry to at most one in-flight session.
	Exclusive bool `mapstructure:"exclusive"`

	// AllowFlagged lets Acquire fall back to flagged entries when no
	// healthy one is available.
	AllowFlagged bool `mapstructure:"allow_flagged"`

	// FloorWeight keeps fresh zero-use entries selectable under the
	// weighted strategy.
	FloorWeight float64 `mapstructure:"floor_weight"`
}

// DefaultConfig mirrors the stock pool tuning.
func DefaultConfig() Config {
	return Config{
		Health:       DefaultHealthConfig(),
		Exclusive:    false,
		AllowFlagged: false,
		FloorWeight:  0.1,
	}
}

// entry is one rotation candidate. All fields are guarded by Manager.mu.
type entry struct {
	addr    string
	seq     int // insertion order, breaks selection ties
	enabled bool
	state   HealthState

	uses      int
	successes int
	failures  int

	lastUsed time.Time
	lastTick int64 // monotonic use counter backing LRU order

	consecFailures  int
	consecSuccesses int
	lastFailureAt   time.Time
	window          *outcomeWindow

	leases int
}

// Lease is a usage record handed to one session. It is not ownership of the
// entry; the session reports exactly one terminal outcome through it.
type Lease struct {
	Addr   string
	target string

	reported bool // guarded by Manager.mu
}

// Manager owns the pool. Acquire and Report are safe to call from many
// concurrently running sessions.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	order   []*entry
	sticky  map[string]string // logical target -> address
	tick    int64
	rng     *rand.Rand
	now     func() time.Time
}

// NewManager builds an empty pool. A nil rng gets a time-seeded source.
func NewManager(cfg Config, rng *rand.Rand) *Manager {
	if cfg.Health.Window <= 0 {
		cfg.Health = DefaultHealthConfig()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		cfg:     cfg,
		entries: make(map[string]*entry),
		sticky:  make(map[string]string),
		rng:     rng,
		now:     time.Now,
	}
}

// Add registers a new egress point in the Healthy state.
func (m *Manager) Add(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[addr]; ok {
		return fmt.Errorf("rotation: egress point %q already in pool", addr)
	}
	e := &entry{
		addr:    addr,
		seq:     len(m.order),
		enabled: true,
		state:   Healthy,
		window:  newOutcomeWindow(m.cfg.Health.Window),
	}
	m.entries[addr] = e
	m.order = append(m.order, e)
	return nil
}

// AddAll registers a batch of egress points, stopping at the first error.
func (m *Manager) AddAll(addrs []string) error {
	for _, a := range addrs {
		if err := m.Add(a); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Acquire selects an egress point under the given strategy. target is the
// logical destination key used by the sticky strategy; it may be empty.
func (m *Manager) Acquire(strategy Strategy, target string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	eligible := m.eligibleLocked(now)
	if len(eligible) == 0 {
		return nil, ErrPoolExhausted
	}

	var chosen *entry
	switch strategy {
	case StrategyWeightedSuccess:
		chosen = m.pickWeightedLocked(eligible)
	case StrategyStickyTarget:
		chosen = m.pickStickyLocked(eligible, target)
	default:
		chosen = pickRoundRobin(eligible)
	}

	chosen.leases++
	chosen.lastUsed = now
	m.tick++
	chosen.lastTick = m.tick

	return &Lease{Addr: chosen.addr, target: target}, nil
}

// eligibleLocked also applies lazy cooldown recovery: a flagged entry whose
// cooldown has elapsed with no further failures returns to Healthy here.
func (m *Manager) eligibleLocked(now time.Time) []*entry {
	var out []*entry
	for _, e := range m.order {
		if e.state == Flagged && m.cfg.Health.RecoveryCooldown > 0 &&
			now.Sub(e.lastFailureAt) >= m.cfg.Health.RecoveryCooldown {
			m.transitionLocked(e, Healthy)
		}
		if !e.enabled {
			continue
		}
		if e.state != Healthy && !(m.cfg.AllowFlagged && e.state == Flagged) {
			continue
		}
		if m.cfg.Exclusive && e.leases > 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Report records the terminal outcome of one lease: it atomically bumps the
// use counter plus the matching outcome counter and re-evaluates the health
// state machine for that entry.
func (m *Manager) Report(l *Lease, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.reported {
		return ErrAlreadyReported
	}
	e, ok := m.entries[l.Addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, l.Addr)
	}
	l.reported = true
	if e.leases > 0 {
		e.leases--
	}

	e.uses++
	now := m.now()
	e.lastUsed = now
	m.tick++
	e.lastTick = m.tick

	switch outcome {
	case OutcomeNeutral:
		// A use, but not a scored one.
		return nil
	case OutcomeSuccess:
		e.successes++
		e.consecSuccesses++
		e.consecFailures = 0
		e.window.push(false)
		if e.state == Flagged && m.cfg.Health.RecoverySuccesses > 0 &&
			e.consecSuccesses >= m.cfg.Health.RecoverySuccesses {
			m.transitionLocked(e, Healthy)
		}
	case OutcomeFailure, OutcomeHardBlock:
		e.failures++
		e.consecFailures++
		e.consecSuccesses = 0
		e.lastFailureAt = now
		e.window.push(true)
		m.evaluateFailureLocked(e, outcome == OutcomeHardBlock)
	}
	return nil
}

// evaluateFailureLocked applies the downgrade edges. An entry never moves
// Healthy -> Blacklisted directly; it must rest in Flagged first.
func (m *Manager) evaluateFailureLocked(e *entry, hard bool) {
	h := m.cfg.Health
	switch e.state {
	case Healthy:
		if hard || (e.window.full() && e.window.failureRate() > h.FlagThreshold) {
			m.transitionLocked(e, Flagged)
		}
	case Flagged:
		if e.consecFailures >= h.MaxConsecutiveFailures ||
			(e.window.full() && e.window.failureRate() > h.BlacklistThreshold) {
			m.transitionLocked(e, Blacklisted)
		}
	}
}

func (m *Manager) transitionLocked(e *entry, to HealthState) {
	if e.state == to {
		return
	}
	e.state = to
	switch to {
	case Healthy:
		e.consecFailures = 0
		e.consecSuccesses = 0
		e.window.reset()
	case Blacklisted:
		// Sticky routes pointing at a dead entry are dropped so the
		// next acquire falls back cleanly.
		for target, addr := range m.sticky {
			if addr == e.addr {
				delete(m.sticky, target)
			}
		}
	}
}

// Reenable is the operator escape hatch for blacklisted entries. It resets
// the recent history but keeps lifetime counters.
func (m *Manager) Reenable(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, addr)
	}
	e.enabled = true
	m.transitionLocked(e, Healthy)
	return nil
}

// SetEnabled toggles an entry in or out of rotation without touching its
// health state.
func (m *Manager) SetEnabled(addr string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, addr)
	}
	e.enabled = enabled
	return nil
}

// EgressStats is the externally visible view of one pool entry.
type EgressStats struct {
	Address      string      `json:"address"`
	Enabled      bool        `json:"enabled"`
	State        HealthState `json:"state"`
	Uses         int         `json:"uses"`
	Successes    int         `json:"successes"`
	Failures     int         `json:"failures"`
	SuccessRate  float64     `json:"successRate"`
	LastUsed     time.Time   `json:"lastUsed,omitempty"`
	ActiveLeases int         `json:"activeLeases"`
}

// PoolSnapshot is a point-in-time aggregate of the whole pool.
type PoolSnapshot struct {
	Entries     []EgressStats `json:"entries"`
	Healthy     int           `json:"healthy"`
	Flagged     int           `json:"flagged"`
	Blacklisted int           `json:"blacklisted"`
}

// Snapshot copies the current pool state for the stats feed.
func (m *Manager) Snapshot() PoolSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := PoolSnapshot{Entries: make([]EgressStats, 0, len(m.order))}
	for _, e := range m.order {
		rate := 0.0
		if e.uses > 0 {
			rate = float64(e.successes) / float64(e.uses)
		}
		snap.Entries = append(snap.Entries, EgressStats{
			Address:      e.addr,
			Enabled:      e.enabled,
			State:        e.state,
			Uses:         e.uses,
			Successes:    e.successes,
			Failures:     e.failures,
			SuccessRate:  rate,
			LastUsed:     e.lastUsed,
			ActiveLeases: e.leases,
		})
		switch e.state {
		case Healthy:
			snap.Healthy++
		case Flagged:
			snap.Flagged++
		case Blacklisted:
			snap.Blacklisted++
		}
	}
	return snap
}

// State returns the health state of one entry; used by tests and handlers.
func (m *Manager) State(addr string) (HealthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[addr]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntry, addr)
	}
	return e.state, nil
}
