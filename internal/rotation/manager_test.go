package rotation

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config, addrs ...string) *Manager {
	t.Helper()
	m := NewManager(cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, m.AddAll(addrs))
	return m
}

func TestAddRejectsDuplicates(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), "p1")
	require.Error(t, m.Add("p1"))
}

func TestRoundRobinCyclesExactlyOnce(t *testing.T) {
	addrs := []string{"p1", "p2", "p3", "p4"}
	m := newTestManager(t, DefaultConfig(), addrs...)

	// K sequential acquire+report cycles select each entry exactly once
	// before any repeats.
	for cycle := 0; cycle < 3; cycle++ {
		seen := map[string]int{}
		for i := 0; i < len(addrs); i++ {
			lease, err := m.Acquire(StrategyRoundRobin, "")
			require.NoError(t, err)
			seen[lease.Addr]++
			require.NoError(t, m.Report(lease, OutcomeSuccess))
		}
		for _, addr := range addrs {
			assert.Equal(t, 1, seen[addr], "cycle %d, entry %s", cycle, addr)
		}
	}
}

func TestRoundRobinTieBrokenByInsertionOrder(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), "p1", "p2", "p3")

	lease, err := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, err)
	assert.Equal(t, "p1", lease.Addr)
	require.NoError(t, m.Report(lease, OutcomeSuccess))
}

func TestAcquireFailsWhenPoolEmpty(t *testing.T) {
	m := NewManager(DefaultConfig(), rand.New(rand.NewSource(1)))
	_, err := m.Acquire(StrategyRoundRobin, "")
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestHardBlockFlagsImmediatelyThenExhaustsPool(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), "only")

	lease, err := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, err)
	require.NoError(t, m.Report(lease, OutcomeHardBlock))

	state, err := m.State("only")
	require.NoError(t, err)
	assert.Equal(t, Flagged, state, "hard block skips the rolling window")

	_, err = m.Acquire(StrategyRoundRobin, "")
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestRollingWindowFlagsHealthyEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.Window = 4
	cfg.Health.FlagThreshold = 0.5
	cfg.Health.MaxConsecutiveFailures = 100 // isolate the window edge
	cfg.AllowFlagged = true
	m := newTestManager(t, cfg, "p1")

	report := func(o Outcome) {
		lease, err := m.Acquire(StrategyRoundRobin, "")
		require.NoError(t, err)
		require.NoError(t, m.Report(lease, o))
	}

	// Window not yet full: failures alone do not flag.
	report(OutcomeFailure)
	report(OutcomeFailure)
	report(OutcomeSuccess)
	state, _ := m.State("p1")
	assert.Equal(t, Healthy, state)

	// Fourth sample fills the window at 3/4 failures > 0.5.
	report(OutcomeFailure)
	state, _ = m.State("p1")
	assert.Equal(t, Flagged, state)
}

func TestFlaggedEntryBlacklistsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.Window = 3
	cfg.Health.FlagThreshold = 0.5
	cfg.Health.MaxConsecutiveFailures = 5
	cfg.AllowFlagged = true
	m := newTestManager(t, cfg, "p1")

	states := []HealthState{}
	for i := 0; i < 8; i++ {
		lease, err := m.Acquire(StrategyRoundRobin, "")
		if err != nil {
			break
		}
		require.NoError(t, m.Report(lease, OutcomeFailure))
		state, _ := m.State("p1")
		states = append(states, state)
	}

	final, _ := m.State("p1")
	assert.Equal(t, Blacklisted, final)

	// Never Healthy -> Blacklisted without passing through Flagged.
	sawFlagged := false
	for _, s := range states {
		if s == Blacklisted {
			assert.True(t, sawFlagged, "entry blacklisted without resting in Flagged: %v", states)
			break
		}
		if s == Flagged {
			sawFlagged = true
		}
	}
}

func TestFlaggedRecoversAfterConsecutiveSuccesses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.RecoverySuccesses = 2
	cfg.AllowFlagged = true
	m := newTestManager(t, cfg, "p1")

	lease, _ := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, m.Report(lease, OutcomeHardBlock))
	state, _ := m.State("p1")
	require.Equal(t, Flagged, state)

	for i := 0; i < 2; i++ {
		lease, err := m.Acquire(StrategyRoundRobin, "")
		require.NoError(t, err)
		require.NoError(t, m.Report(lease, OutcomeSuccess))
	}

	state, _ = m.State("p1")
	assert.Equal(t, Healthy, state)
}

func TestFlaggedRecoversAfterCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.RecoveryCooldown = time.Minute
	cfg.Health.RecoverySuccesses = 100
	m := newTestManager(t, cfg, "p1")

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	lease, _ := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, m.Report(lease, OutcomeHardBlock))
	state, _ := m.State("p1")
	require.Equal(t, Flagged, state)

	// Before the cooldown the flagged entry is not eligible.
	_, err := m.Acquire(StrategyRoundRobin, "")
	require.ErrorIs(t, err, ErrPoolExhausted)

	now = now.Add(2 * time.Minute)
	lease, err = m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, err)
	require.NoError(t, m.Report(lease, OutcomeSuccess))

	state, _ = m.State("p1")
	assert.Equal(t, Healthy, state)
}

func TestBlacklistedIsTerminalUntilReenabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.MaxConsecutiveFailures = 1
	cfg.AllowFlagged = true
	m := newTestManager(t, cfg, "p1")

	lease, _ := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, m.Report(lease, OutcomeHardBlock)) // -> Flagged
	lease, err := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, err)
	require.NoError(t, m.Report(lease, OutcomeFailure)) // -> Blacklisted

	state, _ := m.State("p1")
	require.Equal(t, Blacklisted, state)
	_, err = m.Acquire(StrategyRoundRobin, "")
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, m.Reenable("p1"))
	state, _ = m.State("p1")
	assert.Equal(t, Healthy, state)
	_, err = m.Acquire(StrategyRoundRobin, "")
	assert.NoError(t, err)
}

func TestNeutralOutcomeCountsUseOnly(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), "p1")

	lease, err := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, err)
	require.NoError(t, m.Report(lease, OutcomeNeutral))

	snap := m.Snapshot()
	require.Len(t, snap.Entries, 1)
	e := snap.Entries[0]
	assert.Equal(t, 1, e.Uses)
	assert.Equal(t, 0, e.Successes)
	assert.Equal(t, 0, e.Failures)
	assert.Equal(t, Healthy, e.State)
}

func TestDoubleReportRejected(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), "p1")

	lease, err := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, err)
	require.NoError(t, m.Report(lease, OutcomeSuccess))
	require.ErrorIs(t, m.Report(lease, OutcomeSuccess), ErrAlreadyReported)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Entries[0].Uses)
}

func TestWeightedStrategyKeepsFreshEntriesSelectable(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), "veteran", "fresh")

	// Give the veteran a strong record.
	for i := 0; i < 20; i++ {
		lease := &Lease{Addr: "veteran"}
		require.NoError(t, m.Report(lease, OutcomeSuccess))
	}

	seen := map[string]int{}
	for i := 0; i < 500; i++ {
		lease, err := m.Acquire(StrategyWeightedSuccess, "")
		require.NoError(t, err)
		seen[lease.Addr]++
		require.NoError(t, m.Report(lease, OutcomeNeutral))
	}

	assert.Greater(t, seen["fresh"], 0, "floor weight must keep cold entries in play")
	assert.Greater(t, seen["veteran"], seen["fresh"], "success rate should dominate")
}

func TestStickyTargetReusesEntryUntilUnhealthy(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), "p1", "p2", "p3")

	lease, err := m.Acquire(StrategyStickyTarget, "example.com")
	require.NoError(t, err)
	bound := lease.Addr
	require.NoError(t, m.Report(lease, OutcomeSuccess))

	for i := 0; i < 5; i++ {
		lease, err := m.Acquire(StrategyStickyTarget, "example.com")
		require.NoError(t, err)
		assert.Equal(t, bound, lease.Addr)
		require.NoError(t, m.Report(lease, OutcomeSuccess))
	}

	// Knock the bound entry out of Healthy; the target must rebind.
	lease, err = m.Acquire(StrategyStickyTarget, "example.com")
	require.NoError(t, err)
	require.NoError(t, m.Report(lease, OutcomeHardBlock))

	lease, err = m.Acquire(StrategyStickyTarget, "example.com")
	require.NoError(t, err)
	assert.NotEqual(t, bound, lease.Addr)
	require.NoError(t, m.Report(lease, OutcomeSuccess))
}

func TestExclusiveModeWithholdsLeasedEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exclusive = true
	m := newTestManager(t, cfg, "p1")

	lease, err := m.Acquire(StrategyRoundRobin, "")
	require.NoError(t, err)

	_, err = m.Acquire(StrategyRoundRobin, "")
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, m.Report(lease, OutcomeSuccess))
	_, err = m.Acquire(StrategyRoundRobin, "")
	assert.NoError(t, err)
}

func TestConcurrentReportingKeepsCountersConsistent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.MaxConsecutiveFailures = 1 << 30
	cfg.Health.FlagThreshold = 1.1 // never flag; keep every entry eligible
	cfg.AllowFlagged = true
	m := newTestManager(t, cfg, "p1", "p2", "p3")

	const workers = 32
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				lease, err := m.Acquire(StrategyRoundRobin, "")
				if err != nil {
					continue
				}
				var outcome Outcome
				switch (w + i) % 3 {
				case 0:
					outcome = OutcomeSuccess
				case 1:
					outcome = OutcomeFailure
				default:
					outcome = OutcomeNeutral
				}
				_ = m.Report(lease, outcome)
			}
		}(w)
	}
	wg.Wait()

	snap := m.Snapshot()
	totalUses := 0
	for _, e := range snap.Entries {
		assert.LessOrEqual(t, e.Successes+e.Failures, e.Uses,
			"entry %s: successes+failures must never exceed uses", e.Address)
		totalUses += e.Uses
	}
	assert.Equal(t, workers*perWorker, totalUses, "every acquire got exactly one report")
}
