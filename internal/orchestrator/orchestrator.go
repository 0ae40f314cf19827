// Package orchestrator fans a run request out into concurrently executing
// sessions and aggregates their results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/trafficsim/internal/events"
	"github.com/shehryarbajwa/trafficsim/internal/rotation"
	"github.com/shehryarbajwa/trafficsim/internal/simulator"
	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// ErrInvalidSpec rejects malformed run requests before any session starts.
var ErrInvalidSpec = errors.New("orchestrator: invalid run spec")

// SessionSaver persists finished sessions. *events.Store satisfies it; tests
// substitute their own.
type SessionSaver interface {
	SaveSession(s *models.Session) error
}

// Config bounds run execution.
type Config struct {
	// DefaultConcurrency applies when a run spec leaves concurrency unset.
	DefaultConcurrency int `mapstructure:"default_concurrency"`

	// MaxConcurrency caps what a run spec may request.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// MaxCount caps sessions per run.
	MaxCount int `mapstructure:"max_count"`

	// Strategy is the default rotation strategy for runs that name none.
	Strategy string `mapstructure:"strategy"`
}

// DefaultConfig returns the stock run bounds.
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency: 3,
		MaxConcurrency:     10,
		MaxCount:           100,
		Strategy:           string(rotation.StrategyRoundRobin),
	}
}

// Stats is the orchestrator slice of the live stats feed.
type Stats struct {
	ActiveSessions       int   `json:"activeSessions"`
	TotalRuns            int   `json:"totalRuns"`
	SessionsStarted      int64 `json:"sessionsStarted"`
	SessionsCompleted    int64 `json:"sessionsCompleted"`
	SessionsFailed       int64 `json:"sessionsFailed"`
	SessionsAborted      int64 `json:"sessionsAborted"`
	ProvisioningFailures int64 `json:"provisioningFailures"`
}

// Orchestrator owns run execution. One instance per process.
type Orchestrator struct {
	cfg   Config
	sim   *simulator.Simulator
	saver SessionSaver
	log   *zap.Logger

	// root bounds background runs; Close cancels it.
	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*models.RunSummary
	active  int
	stats   Stats
	wg      sync.WaitGroup
}

// New wires an orchestrator. saver may be nil when nothing persists sessions.
func New(cfg Config, sim *simulator.Simulator, saver SessionSaver, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 3
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 100
	}
	root, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		sim:    sim,
		saver:  saver,
		log:    log,
		root:   root,
		cancel: cancel,
		runs:   make(map[string]*models.RunSummary),
	}
}

// Close cancels in-flight background runs and waits for them to settle.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// normalize validates the run spec and fills in defaults.
func (o *Orchestrator) normalize(spec models.RunSpec) (models.RunSpec, rotation.Strategy, error) {
	if spec.Count < 1 {
		return spec, "", fmt.Errorf("%w: count %d < 1", ErrInvalidSpec, spec.Count)
	}
	if spec.Count > o.cfg.MaxCount {
		return spec, "", fmt.Errorf("%w: count %d exceeds limit %d", ErrInvalidSpec, spec.Count, o.cfg.MaxCount)
	}
	if spec.Concurrency <= 0 {
		spec.Concurrency = o.cfg.DefaultConcurrency
	}
	if spec.Concurrency > o.cfg.MaxConcurrency {
		spec.Concurrency = o.cfg.MaxConcurrency
	}
	if spec.Strategy == "" {
		spec.Strategy = o.cfg.Strategy
	}
	strategy, err := rotation.ParseStrategy(spec.Strategy)
	if err != nil {
		return spec, "", fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return spec, strategy, nil
}

// Run executes a batch synchronously and returns its aggregate summary.
func (o *Orchestrator) Run(ctx context.Context, spec models.RunSpec) (*models.RunSummary, error) {
	spec, strategy, err := o.normalize(spec)
	if err != nil {
		return nil, err
	}
	summary := o.register(spec)
	o.execute(ctx, spec, strategy, summary)
	return o.RunStatus(summary.RunID)
}

// Start validates the run spec, then executes the batch in the background. The
// returned summary initially carries only the run id and requested count;
// poll RunStatus for progress.
func (o *Orchestrator) Start(spec models.RunSpec) (*models.RunSummary, error) {
	spec, strategy, err := o.normalize(spec)
	if err != nil {
		return nil, err
	}
	summary := o.register(spec)
	snapshot := *summary

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(o.root, spec, strategy, summary)
	}()
	return &snapshot, nil
}

func (o *Orchestrator) register(spec models.RunSpec) *models.RunSummary {
	summary := &models.RunSummary{
		RunID:     uuid.New().String(),
		Requested: spec.Count,
		StartedAt: time.Now().UTC(),
	}
	o.mu.Lock()
	o.runs[summary.RunID] = summary
	o.stats.TotalRuns++
	o.mu.Unlock()
	return summary
}

// execute runs the batch under a weighted semaphore. Cancellation stops
// launching new sessions; in-flight ones run their abort path.
func (o *Orchestrator) execute(ctx context.Context, spec models.RunSpec, strategy rotation.Strategy, summary *models.RunSummary) {
	o.log.Info("run started",
		zap.String("run", summary.RunID),
		zap.Int("count", spec.Count),
		zap.Int("concurrency", spec.Concurrency),
		zap.String("strategy", string(strategy)))

	sem := semaphore.NewWeighted(int64(spec.Concurrency))
	var wg sync.WaitGroup

	for i := 0; i < spec.Count; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			o.runSession(ctx, spec, strategy, summary)
		}()
	}
	wg.Wait()

	o.mu.Lock()
	summary.EndedAt = time.Now().UTC()
	o.mu.Unlock()

	o.log.Info("run finished",
		zap.String("run", summary.RunID),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("aborted", summary.Aborted))
}

func (o *Orchestrator) runSession(ctx context.Context, spec models.RunSpec, strategy rotation.Strategy, summary *models.RunSummary) {
	sess := models.NewSession(spec.Query)

	o.mu.Lock()
	o.active++
	o.stats.ActiveSessions = o.active
	o.stats.SessionsStarted++
	o.mu.Unlock()

	err := o.sim.Run(ctx, sess, strategy)

	o.mu.Lock()
	o.active--
	o.stats.ActiveSessions = o.active
	summary.Sessions = append(summary.Sessions, sess)
	switch sess.State {
	case models.StateCompleted:
		summary.Completed++
		o.stats.SessionsCompleted++
	case models.StateAborted:
		summary.Aborted++
		o.stats.SessionsAborted++
	default:
		summary.Failed++
		o.stats.SessionsFailed++
	}
	if errors.Is(err, simulator.ErrProvisioning) {
		summary.ProvisioningFailures++
		o.stats.ProvisioningFailures++
	}
	for _, entry := range sess.ActionLog {
		if entry.Type == string(events.TypeClick) {
			summary.Clicks++
		}
	}
	o.recomputeAverageLocked(summary)
	o.mu.Unlock()

	if o.saver != nil {
		if serr := o.saver.SaveSession(sess); serr != nil {
			o.log.Warn("session persist failed", zap.String("session", sess.ID), zap.Error(serr))
		}
	}
}

// recomputeAverageLocked averages wall-clock duration over finished sessions.
func (o *Orchestrator) recomputeAverageLocked(summary *models.RunSummary) {
	var total time.Duration
	n := 0
	for _, s := range summary.Sessions {
		if d := s.Duration(); d > 0 {
			total += d
			n++
		}
	}
	if n > 0 {
		summary.AverageDuration = total / time.Duration(n)
	}
}

// RunStatus returns a copy of one run's summary.
func (o *Orchestrator) RunStatus(runID string) (*models.RunSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	summary, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown run %q", runID)
	}
	copied := *summary
	copied.Sessions = append([]*models.Session(nil), summary.Sessions...)
	return &copied, nil
}

// Stats returns the live counters for the stats feed.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}
