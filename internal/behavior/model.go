// Package behavior plans the content and timing of a session's actions.
package behavior

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// ErrConfig marks invalid behavior configuration. Configuration problems
// surface at construction or Plan time, never mid-sequence.
var ErrConfig = errors.New("behavior: invalid configuration")

// Config governs the shape of a planned session.
type Config struct {
	// MinActions/MaxActions bound the number of interior scroll/dwell/click
	// actions between the opening navigation and the closing exit.
	MinActions int `mapstructure:"min_actions"`
	MaxActions int `mapstructure:"max_actions"`

	// ClickProbability is the per-slot chance of planning a click once the
	// session has dwelled or scrolled at least once.
	ClickProbability float64 `mapstructure:"click_probability"`

	// ScrollDepthMin/Max bound a single scroll delta in pixels.
	ScrollDepthMin int `mapstructure:"scroll_depth_min"`
	ScrollDepthMax int `mapstructure:"scroll_depth_max"`

	// Dwell timing: log-normal parameters plus hard clamps.
	DwellMu    float64       `mapstructure:"dwell_mu"`
	DwellSigma float64       `mapstructure:"dwell_sigma"`
	DwellMin   time.Duration `mapstructure:"dwell_min"`
	DwellMax   time.Duration `mapstructure:"dwell_max"`

	// SessionEnvelope caps the total planned dwell time of one session.
	SessionEnvelope time.Duration `mapstructure:"session_envelope"`

	// TopResults is how many leading search results are plausible click
	// targets; lower ranks receive higher weight.
	TopResults int `mapstructure:"top_results"`

	// Queries is the pool drawn from when a session has no explicit query.
	Queries []string `mapstructure:"queries"`

	// SearchURL is the results-page URL template, with %s for the escaped
	// query.
	SearchURL string `mapstructure:"search_url"`

	// EngineURL is the engine landing page opened before the search.
	EngineURL string `mapstructure:"engine_url"`
}

// DefaultConfig mirrors the stock behavior profile.
func DefaultConfig() Config {
	return Config{
		MinActions:       2,
		MaxActions:       6,
		ClickProbability: 0.7,
		ScrollDepthMin:   120,
		ScrollDepthMax:   900,
		DwellMu:          1.1, // exp(1.1) ~ 3s median
		DwellSigma:       0.5,
		DwellMin:         1 * time.Second,
		DwellMax:         12 * time.Second,
		SessionEnvelope:  45 * time.Second,
		TopResults:       5,
		Queries: []string{
			"python programming",
			"web development",
			"data science",
			"machine learning",
			"software engineering",
			"artificial intelligence",
			"cloud computing",
			"cybersecurity",
		},
		SearchURL: "https://www.google.com/search?q=%s",
		EngineURL: "https://www.google.com",
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	switch {
	case c.MinActions < 0:
		return fmt.Errorf("%w: min_actions %d < 0", ErrConfig, c.MinActions)
	case c.MaxActions < c.MinActions:
		return fmt.Errorf("%w: max_actions %d < min_actions %d", ErrConfig, c.MaxActions, c.MinActions)
	case c.ClickProbability < 0 || c.ClickProbability > 1:
		return fmt.Errorf("%w: click_probability %v outside [0,1]", ErrConfig, c.ClickProbability)
	case c.ScrollDepthMin <= 0 || c.ScrollDepthMax < c.ScrollDepthMin:
		return fmt.Errorf("%w: scroll depth bounds [%d,%d]", ErrConfig, c.ScrollDepthMin, c.ScrollDepthMax)
	case c.DwellSigma < 0:
		return fmt.Errorf("%w: dwell_sigma %v < 0", ErrConfig, c.DwellSigma)
	case c.DwellMin <= 0 || c.DwellMax < c.DwellMin:
		return fmt.Errorf("%w: dwell bounds [%v,%v]", ErrConfig, c.DwellMin, c.DwellMax)
	case c.SessionEnvelope < c.DwellMin:
		return fmt.Errorf("%w: session_envelope %v shorter than dwell_min %v", ErrConfig, c.SessionEnvelope, c.DwellMin)
	case c.TopResults <= 0:
		return fmt.Errorf("%w: top_results %d <= 0", ErrConfig, c.TopResults)
	case len(c.Queries) == 0:
		return fmt.Errorf("%w: empty query pool", ErrConfig)
	case c.SearchURL == "":
		return fmt.Errorf("%w: empty search_url", ErrConfig)
	}
	return nil
}

// SessionContext is what the model knows about the session it is planning.
type SessionContext struct {
	SessionID string
	Query     string
}

// Model produces finite, ordered action plans. Safe for concurrent use;
// the random source is serialized internally.
type Model struct {
	cfg     Config
	sampler DwellSampler

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a Model.
type Option func(*Model)

// WithDwellSampler overrides the default log-normal dwell sampler.
func WithDwellSampler(s DwellSampler) Option {
	return func(m *Model) { m.sampler = s }
}

// NewModel validates the config and builds a model around the given random
// source.
func NewModel(cfg Config, rng *rand.Rand, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{cfg: cfg, rng: rng}
	m.sampler = NewLogNormalSampler(cfg.DwellMu, cfg.DwellSigma, cfg.DwellMin, cfg.DwellMax, rng)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Plan produces the ordered action sequence for one session. The sequence
// always opens with Navigate and closes with Exit; a click is never planned
// before the session has dwelled or scrolled at least once. Restarting means
// calling Plan again, not rewinding the returned plan.
func (m *Model) Plan(sctx SessionContext) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := sctx.Query
	if query == "" {
		query = m.cfg.Queries[m.rng.Intn(len(m.cfg.Queries))]
	}

	actions := []models.Action{
		{Type: models.ActionNavigate, URL: m.cfg.EngineURL},
		{Type: models.ActionSearch, Query: query, URL: fmt.Sprintf(m.cfg.SearchURL, url.QueryEscape(query))},
	}

	interior := m.cfg.MinActions
	if spread := m.cfg.MaxActions - m.cfg.MinActions; spread > 0 {
		interior += m.rng.Intn(spread + 1)
	}

	var plannedDwell time.Duration
	hasRead := false
	clicked := false

	for i := 0; i < interior; i++ {
		switch {
		// At most one click: after it the session is on the destination
		// page, not the results page.
		case hasRead && !clicked && m.rng.Float64() < m.cfg.ClickProbability:
			clicked = true
			actions = append(actions, models.Action{
				Type:        models.ActionClick,
				ClickTarget: m.pickResult(),
			})
		case m.rng.Float64() < 0.5:
			depth := m.cfg.ScrollDepthMin
			if spread := m.cfg.ScrollDepthMax - m.cfg.ScrollDepthMin; spread > 0 {
				depth += m.rng.Intn(spread + 1)
			}
			actions = append(actions, models.Action{Type: models.ActionScroll, ScrollDelta: depth})
			hasRead = true
		default:
			d := m.sampler.Sample()
			if plannedDwell+d > m.cfg.SessionEnvelope {
				// Envelope spent: downgrade the slot to a scroll so the
				// session keeps moving without stretching its duration.
				actions = append(actions, models.Action{Type: models.ActionScroll, ScrollDelta: m.cfg.ScrollDepthMin})
				hasRead = true
				continue
			}
			plannedDwell += d
			actions = append(actions, models.Action{Type: models.ActionDwell, Dwell: d})
			hasRead = true
		}
	}

	actions = append(actions, models.Action{Type: models.ActionExit})

	return &Plan{query: query, actions: actions, totalDwell: plannedDwell}, nil
}

// pickResult chooses a search-result rank with weight biased toward the top:
// rank r gets weight 1/(r+1).
func (m *Model) pickResult() int {
	var total float64
	for r := 0; r < m.cfg.TopResults; r++ {
		total += 1 / float64(r+1)
	}
	target := m.rng.Float64() * total
	var acc float64
	for r := 0; r < m.cfg.TopResults; r++ {
		acc += 1 / float64(r+1)
		if target < acc {
			return r
		}
	}
	return m.cfg.TopResults - 1
}

// Plan is a finite, forward-only sequence of actions.
type Plan struct {
	query      string
	actions    []models.Action
	totalDwell time.Duration
	next       int
}

// Query returns the query the plan was built around.
func (p *Plan) Query() string { return p.query }

// Len returns the total number of actions in the plan.
func (p *Plan) Len() int { return len(p.actions) }

// TotalDwell returns the summed planned dwell time.
func (p *Plan) TotalDwell() time.Duration { return p.totalDwell }

// Next yields the next action; ok is false once the plan is exhausted.
func (p *Plan) Next() (models.Action, bool) {
	if p.next >= len(p.actions) {
		return models.Action{}, false
	}
	a := p.actions[p.next]
	p.next++
	return a, true
}

// Actions returns a copy of the full sequence, for inspection.
func (p *Plan) Actions() []models.Action {
	out := make([]models.Action, len(p.actions))
	copy(out, p.actions)
	return out
}
