package browser

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// SimulatedConfig tunes the in-process driver used when no real browser is
// attached (the default demo mode, and all tests).
type SimulatedConfig struct {
	// BaseLatency is the simulated cost of one browser operation.
	BaseLatency time.Duration `mapstructure:"base_latency"`

	// TimeScale compresses dwell waits: a dwell of d sleeps d*TimeScale.
	// 1.0 means real time.
	TimeScale float64 `mapstructure:"time_scale"`

	// TransientRate is the probability that any single operation fails
	// with a retryable error.
	TransientRate float64 `mapstructure:"transient_rate"`

	// HardBlockRate is the probability that a navigation trips a
	// simulated CAPTCHA.
	HardBlockRate float64 `mapstructure:"hard_block_rate"`

	// ResultCount is how many fake search results a results page has.
	ResultCount int `mapstructure:"result_count"`
}

// DefaultSimulatedConfig returns the stock demo tuning.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		BaseLatency:   25 * time.Millisecond,
		TimeScale:     0.05,
		TransientRate: 0,
		HardBlockRate: 0,
		ResultCount:   10,
	}
}

// Simulated is a driver that fakes page interactions with configurable
// latencies and fault injection. Deterministic under a seeded source.
type Simulated struct {
	cfg SimulatedConfig

	mu       sync.Mutex
	rng      *rand.Rand
	state    PageState
	scripted []error // next-op failures queued by tests
}

// NewSimulated builds a simulated driver. A nil rng gets a time-seeded one.
func NewSimulated(cfg SimulatedConfig, rng *rand.Rand) *Simulated {
	if cfg.ResultCount <= 0 {
		cfg.ResultCount = 10
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulated{cfg: cfg, rng: rng}
}

// FailNext queues an error returned by the next operation; repeated calls
// queue consecutive failures. Test hook.
func (s *Simulated) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted = append(s.scripted, errs...)
}

// step runs the shared per-operation checks: context, scripted faults,
// random faults, latency.
func (s *Simulated) step(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	var scripted error
	if len(s.scripted) > 0 {
		scripted = s.scripted[0]
		s.scripted = s.scripted[1:]
	}
	roll := s.rng.Float64()
	s.mu.Unlock()

	if scripted != nil {
		return scripted
	}
	if s.cfg.TransientRate > 0 && roll < s.cfg.TransientRate {
		return Transient(op, fmt.Errorf("simulated %s fault", op))
	}
	return s.sleep(ctx, s.cfg.BaseLatency)
}

func (s *Simulated) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Navigate implements Driver.
func (s *Simulated) Navigate(ctx context.Context, url string) error {
	if err := s.step(ctx, "navigate"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.HardBlockRate > 0 && s.rng.Float64() < s.cfg.HardBlockRate {
		return fmt.Errorf("captcha interstitial at %s: %w", url, ErrHardBlock)
	}
	links := make([]string, s.cfg.ResultCount)
	for i := range links {
		links[i] = fmt.Sprintf("https://result-%d.example.com/", i)
	}
	s.state = PageState{URL: url, Title: "results", ResultLinks: links}
	return nil
}

// Click implements Driver.
func (s *Simulated) Click(ctx context.Context, target int) (string, error) {
	if err := s.step(ctx, "click"); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.ResultLinks) == 0 {
		return "", Transient("click", fmt.Errorf("no results on page %q", s.state.URL))
	}
	if target >= len(s.state.ResultLinks) {
		target = len(s.state.ResultLinks) - 1
	}
	url := s.state.ResultLinks[target]
	s.state = PageState{URL: url, Title: "destination"}
	return url, nil
}

// Scroll implements Driver.
func (s *Simulated) Scroll(ctx context.Context, delta int) error {
	if err := s.step(ctx, "scroll"); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.ScrollY += delta
	s.mu.Unlock()
	return nil
}

// DwellWait implements Driver. The wait is scaled so demo runs do not
// spend real minutes idling.
func (s *Simulated) DwellWait(ctx context.Context, d time.Duration) error {
	if err := s.step(ctx, "dwell"); err != nil {
		return err
	}
	return s.sleep(ctx, time.Duration(float64(d)*s.cfg.TimeScale))
}

// CurrentState implements Driver.
func (s *Simulated) CurrentState(ctx context.Context) (PageState, error) {
	if err := ctx.Err(); err != nil {
		return PageState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Close implements Driver.
func (s *Simulated) Close(ctx context.Context) error { return nil }

// SimulatedFactory returns a Factory producing one fresh simulated driver
// per session. Each driver gets its own derived seed so sessions are
// independent but the whole run stays reproducible.
func SimulatedFactory(cfg SimulatedConfig, seed int64) Factory {
	var mu sync.Mutex
	next := seed
	return func(ctx context.Context, _ models.DeviceProfile, _ string) (Driver, error) {
		mu.Lock()
		next++
		rng := rand.New(rand.NewSource(next))
		mu.Unlock()
		return NewSimulated(cfg, rng), nil
	}
}
