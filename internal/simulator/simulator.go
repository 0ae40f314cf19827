// Package simulator executes one planned session against a browser driver,
// carrying it through its full lifecycle and reporting the terminal outcome
// to the rotation pool exactly once.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/trafficsim/internal/behavior"
	"github.com/shehryarbajwa/trafficsim/internal/browser"
	"github.com/shehryarbajwa/trafficsim/internal/device"
	"github.com/shehryarbajwa/trafficsim/internal/events"
	"github.com/shehryarbajwa/trafficsim/internal/rotation"
	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// ErrProvisioning tags failures that happen before the session ever runs an
// action: no egress point, no plan, no browser. The orchestrator counts
// these separately from in-flight failures.
var ErrProvisioning = errors.New("simulator: provisioning failed")

// Config tunes session execution.
type Config struct {
	// MaxRetries bounds retry attempts per action for transient faults.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// ActionTimeout caps one attempt of one action.
	ActionTimeout time.Duration `mapstructure:"action_timeout"`

	// SessionBudget caps the whole session wall clock. Zero means the
	// caller's context is the only bound.
	SessionBudget time.Duration `mapstructure:"session_budget"`
}

// DefaultConfig returns the stock execution tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		RetryBackoff:  500 * time.Millisecond,
		ActionTimeout: 30 * time.Second,
		SessionBudget: 5 * time.Minute,
	}
}

// Simulator runs sessions. One instance serves the whole process; per-session
// state lives on the Session and the driver.
type Simulator struct {
	cfg       Config
	devices   *device.Generator
	model     *behavior.Model
	pool      *rotation.Manager
	newDriver browser.Factory
	sink      events.Sink
	log       *zap.Logger
}

// New wires a simulator. A nil logger is replaced by a no-op one.
func New(cfg Config, devices *device.Generator, model *behavior.Model, pool *rotation.Manager, factory browser.Factory, sink events.Sink, log *zap.Logger) *Simulator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Simulator{
		cfg:       cfg,
		devices:   devices,
		model:     model,
		pool:      pool,
		newDriver: factory,
		sink:      sink,
		log:       log,
	}
}

// Run drives sess from Created to a terminal state. The session always ends
// terminal; the returned error is non-nil only for provisioning failures,
// which the caller may count separately. Exactly one terminal outcome is
// reported to the rotation pool per acquired lease.
func (s *Simulator) Run(ctx context.Context, sess *models.Session, strategy rotation.Strategy) error {
	sess.State = models.StateProvisioning
	sess.Device = s.devices.Generate()

	lease, err := s.pool.Acquire(strategy, sess.TargetQuery)
	if err != nil {
		s.finalize(sess, models.StateFailed, models.Outcome{
			Status: models.OutcomeFailure,
			Reason: "no egress point available",
		})
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	sess.EgressAddr = lease.Addr

	plan, err := s.model.Plan(behavior.SessionContext{SessionID: sess.ID, Query: sess.TargetQuery})
	if err != nil {
		s.report(lease, rotation.OutcomeNeutral)
		s.finalize(sess, models.StateFailed, models.Outcome{
			Status: models.OutcomeFailure,
			Reason: "behavior planning failed",
		})
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	sess.TargetQuery = plan.Query()

	drv, err := s.newDriver(ctx, sess.Device, lease.Addr)
	if err != nil {
		s.report(lease, rotation.OutcomeFailure)
		s.finalize(sess, models.StateFailed, models.Outcome{
			Status: models.OutcomeFailure,
			Reason: "browser launch failed",
		})
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := drv.Close(closeCtx); cerr != nil {
			s.log.Warn("driver close failed", zap.String("session", sess.ID), zap.Error(cerr))
		}
	}()

	runCtx := ctx
	if s.cfg.SessionBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.SessionBudget)
		defer cancel()
	}

	sess.State = models.StateRunning
	s.emit(sess, events.SessionStartPayload{
		Device:    sess.Device.Name,
		Query:     sess.TargetQuery,
		TargetURL: plan.Actions()[1].URL,
		Egress:    sess.EgressAddr,
	})
	s.log.Info("session running",
		zap.String("session", sess.ID),
		zap.String("device", sess.Device.Name),
		zap.String("egress", sess.EgressAddr),
		zap.Int("planned_actions", plan.Len()))

	for {
		action, ok := plan.Next()
		if !ok {
			break
		}
		if action.Type == models.ActionExit {
			s.logAction(sess, events.Event{Type: events.Type(models.ActionExit), Timestamp: time.Now().UTC()})
			continue
		}

		ev, err := s.executeWithRetry(runCtx, drv, sess, action)
		switch {
		case err == nil:
			s.emit(sess, ev)
			s.logAction(sess, events.New(sess.ID, ev))
		case browser.IsHardBlock(err):
			payload := events.HardBlockPayload{Signal: err.Error()}
			s.emit(sess, payload)
			s.logAction(sess, events.New(sess.ID, payload))
			s.report(lease, rotation.OutcomeHardBlock)
			s.finish(sess, models.StateFailed, models.Outcome{
				Status: models.OutcomeFailure,
				Reason: "hard block",
			}, plan)
			return nil
		case runCtx.Err() != nil:
			reason := "cancelled"
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				reason = "session budget exhausted"
			}
			payload := events.AbortedPayload{Action: string(action.Type), Reason: reason}
			s.emit(sess, payload)
			s.logAction(sess, events.New(sess.ID, payload))
			s.report(lease, rotation.OutcomeNeutral)
			s.finish(sess, models.StateAborted, models.Outcome{
				Status: models.OutcomeAborted,
				Reason: reason,
			}, plan)
			return nil
		default:
			payload := events.ErrorPayload{Action: string(action.Type), Message: err.Error()}
			s.emit(sess, payload)
			s.logAction(sess, events.New(sess.ID, payload))
			s.report(lease, rotation.OutcomeFailure)
			s.finish(sess, models.StateFailed, models.Outcome{
				Status: models.OutcomeFailure,
				Reason: fmt.Sprintf("%s failed", action.Type),
			}, plan)
			return nil
		}
	}

	s.report(lease, rotation.OutcomeSuccess)
	s.finish(sess, models.StateCompleted, models.Outcome{Status: models.OutcomeSuccess}, plan)
	return nil
}

// executeWithRetry runs one action, retrying transient faults with doubling
// backoff. Hard blocks and context errors surface immediately.
func (s *Simulator) executeWithRetry(ctx context.Context, drv browser.Driver, sess *models.Session, action models.Action) (events.Payload, error) {
	backoff := s.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			s.log.Debug("retrying action",
				zap.String("session", sess.ID),
				zap.String("action", string(action.Type)),
				zap.Int("attempt", attempt))
		}

		ev, err := func() (events.Payload, error) {
			actx := ctx
			if s.cfg.ActionTimeout > 0 {
				var cancel context.CancelFunc
				actx, cancel = context.WithTimeout(ctx, s.cfg.ActionTimeout)
				defer cancel()
			}
			return s.execute(actx, drv, sess, action)
		}()
		if err == nil {
			return ev, nil
		}
		lastErr = err
		if browser.IsHardBlock(err) || ctx.Err() != nil {
			return nil, err
		}
		if !browser.IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// execute dispatches one action to the driver and shapes its event payload.
func (s *Simulator) execute(ctx context.Context, drv browser.Driver, sess *models.Session, action models.Action) (events.Payload, error) {
	switch action.Type {
	case models.ActionNavigate:
		if err := drv.Navigate(ctx, action.URL); err != nil {
			return nil, err
		}
		return events.NavigatePayload{URL: action.URL}, nil

	case models.ActionSearch:
		// A search is a navigation to the prepared results URL; the
		// driver has no first-class search capability.
		if err := drv.Navigate(ctx, action.URL); err != nil {
			return nil, err
		}
		sess.TargetURL = action.URL
		return events.SearchPayload{Query: action.Query, URL: action.URL}, nil

	case models.ActionScroll:
		if err := drv.Scroll(ctx, action.ScrollDelta); err != nil {
			return nil, err
		}
		return events.ScrollPayload{DeltaPx: action.ScrollDelta}, nil

	case models.ActionDwell:
		if err := drv.DwellWait(ctx, action.Dwell); err != nil {
			return nil, err
		}
		return events.DwellPayload{DurationMs: action.Dwell.Milliseconds()}, nil

	case models.ActionClick:
		url, err := drv.Click(ctx, action.ClickTarget)
		if err != nil {
			return nil, err
		}
		return events.ClickPayload{Rank: action.ClickTarget, URL: url}, nil

	default:
		return nil, fmt.Errorf("simulator: unknown action %q", action.Type)
	}
}

// report forwards the terminal outcome to the pool. A double report is a bug
// in this file; it is logged, never propagated.
func (s *Simulator) report(lease *rotation.Lease, outcome rotation.Outcome) {
	if err := s.pool.Report(lease, outcome); err != nil {
		s.log.Error("lease report failed",
			zap.String("egress", lease.Addr),
			zap.String("outcome", outcome.String()),
			zap.Error(err))
	}
}

// finish closes out a session that made it past provisioning: it stamps the
// terminal state and emits the session_end event.
func (s *Simulator) finish(sess *models.Session, state models.SessionState, outcome models.Outcome, plan *behavior.Plan) {
	s.finalize(sess, state, outcome)
	s.emit(sess, events.SessionEndPayload{
		Outcome:    string(outcome.Status),
		Reason:     outcome.Reason,
		DurationMs: sess.Duration().Milliseconds(),
		Actions:    len(sess.ActionLog),
	})
	s.log.Info("session finished",
		zap.String("session", sess.ID),
		zap.String("state", string(state)),
		zap.String("outcome", string(outcome.Status)),
		zap.Duration("duration", sess.Duration()))
}

// finalize stamps the terminal state without emitting events; provisioning
// failures use it directly since the session never announced itself.
func (s *Simulator) finalize(sess *models.Session, state models.SessionState, outcome models.Outcome) {
	sess.State = state
	sess.Outcome = outcome
	sess.EndedAt = time.Now().UTC()
}

// emit writes to the sink; sink failures are logged and swallowed so a slow
// store never fails a session.
func (s *Simulator) emit(sess *models.Session, p events.Payload) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Write(events.New(sess.ID, p)); err != nil {
		s.log.Warn("event sink write failed",
			zap.String("session", sess.ID),
			zap.String("type", string(p.Kind())),
			zap.Error(err))
	}
}

// logAction appends one entry to the session's compact action log.
func (s *Simulator) logAction(sess *models.Session, ev events.Event) {
	detail := ""
	switch p := ev.Payload.(type) {
	case events.NavigatePayload:
		detail = p.URL
	case events.SearchPayload:
		detail = p.Query
	case events.ScrollPayload:
		detail = fmt.Sprintf("%dpx", p.DeltaPx)
	case events.DwellPayload:
		detail = fmt.Sprintf("%dms", p.DurationMs)
	case events.ClickPayload:
		detail = fmt.Sprintf("rank %d", p.Rank)
	case events.HardBlockPayload:
		detail = p.Signal
	case events.ErrorPayload:
		detail = p.Message
	case events.AbortedPayload:
		detail = p.Reason
	}
	sess.ActionLog = append(sess.ActionLog, models.LoggedEvent{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Detail:    detail,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
