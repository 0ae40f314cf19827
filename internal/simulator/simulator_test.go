package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/trafficsim/internal/behavior"
	"github.com/shehryarbajwa/trafficsim/internal/browser"
	"github.com/shehryarbajwa/trafficsim/internal/device"
	"github.com/shehryarbajwa/trafficsim/internal/events"
	"github.com/shehryarbajwa/trafficsim/internal/rotation"
	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

type memSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *memSink) Write(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, e)
	return nil
}

func (s *memSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.evs))
	for i, e := range s.evs {
		out[i] = e.Type
	}
	return out
}

func (s *memSink) count(t events.Type) int {
	n := 0
	for _, k := range s.types() {
		if k == t {
			n++
		}
	}
	return n
}

type harness struct {
	sim  *Simulator
	pool *rotation.Manager
	sink *memSink
	drv  *browser.Simulated
}

func newHarness(t *testing.T, cfg Config, factoryErr error) *harness {
	t.Helper()

	gen, err := device.NewGenerator(device.DefaultProfiles())
	require.NoError(t, err)

	bcfg := behavior.DefaultConfig()
	bcfg.MinActions = 2
	bcfg.MaxActions = 3
	bcfg.DwellMin = time.Millisecond
	bcfg.DwellMax = 10 * time.Millisecond
	bcfg.SessionEnvelope = time.Hour
	model, err := behavior.NewModel(bcfg, rand.New(rand.NewSource(7)),
		behavior.WithDwellSampler(behavior.FixedSampler{D: 2 * time.Millisecond}))
	require.NoError(t, err)

	pool := rotation.NewManager(rotation.DefaultConfig(), rand.New(rand.NewSource(7)))
	require.NoError(t, pool.Add("p1"))

	drv := browser.NewSimulated(browser.SimulatedConfig{
		TimeScale:   0.01,
		ResultCount: 5,
	}, rand.New(rand.NewSource(7)))

	sink := &memSink{}
	factory := func(ctx context.Context, _ models.DeviceProfile, _ string) (browser.Driver, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		return drv, nil
	}

	return &harness{
		sim:  New(cfg, gen, model, pool, factory, sink, zap.NewNop()),
		pool: pool,
		sink: sink,
		drv:  drv,
	}
}

func poolEntry(t *testing.T, pool *rotation.Manager, addr string) rotation.EgressStats {
	t.Helper()
	for _, e := range pool.Snapshot().Entries {
		if e.Address == addr {
			return e
		}
	}
	t.Fatalf("entry %s not in pool", addr)
	return rotation.EgressStats{}
}

func TestRunCompletesSession(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	sess := models.NewSession("rust generics")

	require.NoError(t, h.sim.Run(context.Background(), sess, rotation.StrategyRoundRobin))

	assert.Equal(t, models.StateCompleted, sess.State)
	assert.Equal(t, models.OutcomeSuccess, sess.Outcome.Status)
	assert.Equal(t, "p1", sess.EgressAddr)
	assert.False(t, sess.EndedAt.IsZero())
	assert.NotEmpty(t, sess.TargetURL)

	e := poolEntry(t, h.pool, "p1")
	assert.Equal(t, 1, e.Uses)
	assert.Equal(t, 1, e.Successes)
	assert.Zero(t, e.Failures)

	assert.Equal(t, 1, h.sink.count(events.TypeSessionStart))
	assert.Equal(t, 1, h.sink.count(events.TypeSessionEnd))
	assert.GreaterOrEqual(t, h.sink.count(events.TypeNavigate), 1)
	assert.Equal(t, 1, h.sink.count(events.TypeSearch))

	require.NotEmpty(t, sess.ActionLog)
	assert.Equal(t, string(events.TypeNavigate), sess.ActionLog[0].Type)
	assert.Equal(t, string(models.ActionExit), sess.ActionLog[len(sess.ActionLog)-1].Type)
}

func TestRunHardBlockFailsAndFlagsEgress(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.drv.FailNext(fmt.Errorf("captcha interstitial: %w", browser.ErrHardBlock))
	sess := models.NewSession("q")

	require.NoError(t, h.sim.Run(context.Background(), sess, rotation.StrategyRoundRobin))

	assert.Equal(t, models.StateFailed, sess.State)
	assert.Equal(t, models.OutcomeFailure, sess.Outcome.Status)
	assert.Equal(t, "hard block", sess.Outcome.Reason)

	state, err := h.pool.State("p1")
	require.NoError(t, err)
	assert.Equal(t, rotation.Flagged, state)

	e := poolEntry(t, h.pool, "p1")
	assert.Equal(t, 1, e.Uses)
	assert.Equal(t, 1, e.Failures)

	assert.Equal(t, 1, h.sink.count(events.TypeHardBlock))
	assert.Equal(t, 1, h.sink.count(events.TypeSessionEnd))
}

func TestRunRetriesTransientFault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	h := newHarness(t, cfg, nil)
	h.drv.FailNext(browser.Transient("navigate", fmt.Errorf("connection reset")))
	sess := models.NewSession("q")

	require.NoError(t, h.sim.Run(context.Background(), sess, rotation.StrategyRoundRobin))

	assert.Equal(t, models.StateCompleted, sess.State)
	assert.Zero(t, h.sink.count(events.TypeError))

	e := poolEntry(t, h.pool, "p1")
	assert.Equal(t, 1, e.Successes)
}

func TestRunFailsWhenRetriesExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond
	h := newHarness(t, cfg, nil)
	h.drv.FailNext(
		browser.Transient("navigate", fmt.Errorf("reset 1")),
		browser.Transient("navigate", fmt.Errorf("reset 2")),
	)
	sess := models.NewSession("q")

	require.NoError(t, h.sim.Run(context.Background(), sess, rotation.StrategyRoundRobin))

	assert.Equal(t, models.StateFailed, sess.State)
	assert.Equal(t, models.OutcomeFailure, sess.Outcome.Status)
	assert.Equal(t, 1, h.sink.count(events.TypeError))

	e := poolEntry(t, h.pool, "p1")
	assert.Equal(t, 1, e.Uses)
	assert.Equal(t, 1, e.Failures)
}

func TestRunCancellationAborts(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := models.NewSession("q")

	require.NoError(t, h.sim.Run(ctx, sess, rotation.StrategyRoundRobin))

	assert.Equal(t, models.StateAborted, sess.State)
	assert.Equal(t, models.OutcomeAborted, sess.Outcome.Status)
	assert.Equal(t, 1, h.sink.count(events.TypeAborted))

	// Neutral report: the use counts, the outcome does not.
	e := poolEntry(t, h.pool, "p1")
	assert.Equal(t, 1, e.Uses)
	assert.Zero(t, e.Successes)
	assert.Zero(t, e.Failures)
}

func TestRunSessionBudgetAborts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionBudget = time.Nanosecond
	h := newHarness(t, cfg, nil)
	sess := models.NewSession("q")

	require.NoError(t, h.sim.Run(context.Background(), sess, rotation.StrategyRoundRobin))

	assert.Equal(t, models.StateAborted, sess.State)
	assert.Equal(t, "session budget exhausted", sess.Outcome.Reason)
}

func TestRunPoolExhaustedIsProvisioningFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	require.NoError(t, h.pool.SetEnabled("p1", false))
	sess := models.NewSession("q")

	err := h.sim.Run(context.Background(), sess, rotation.StrategyRoundRobin)
	require.ErrorIs(t, err, ErrProvisioning)

	assert.Equal(t, models.StateFailed, sess.State)
	assert.Empty(t, h.sink.types())

	e := poolEntry(t, h.pool, "p1")
	assert.Zero(t, e.Uses)
}

func TestRunBrowserLaunchFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fmt.Errorf("docker daemon unreachable"))
	sess := models.NewSession("q")

	err := h.sim.Run(context.Background(), sess, rotation.StrategyRoundRobin)
	require.ErrorIs(t, err, ErrProvisioning)

	assert.Equal(t, models.StateFailed, sess.State)
	assert.Equal(t, "browser launch failed", sess.Outcome.Reason)

	e := poolEntry(t, h.pool, "p1")
	assert.Equal(t, 1, e.Uses)
	assert.Equal(t, 1, e.Failures)
}
