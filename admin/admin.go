// Package admin exposes the operator control surface named in the
// external interface contract: create_run, cancel_run, pause/unpause,
// and force_settle. It is a plain Go interface; callers (an HTTP
// handler, a CLI, a test) wire the credential check themselves.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/solpool/poolrund/orcherr"
	"github.com/solpool/poolrund/round"
	"github.com/solpool/poolrund/runstate"
	"github.com/solpool/poolrund/store"
)

// ErrPlatformPaused is returned by CreateRun while the platform is paused.
var ErrPlatformPaused = fmt.Errorf("admin: platform is paused")

// Controller is the operator-facing control surface over one
// orchestrator instance.
type Controller struct {
	store    store.Store
	runstate *runstate.StateMachine
	round    *round.Controller
	log      *slog.Logger

	paused atomic.Bool

	mu           sync.Mutex
	forceSettled map[string]bool
}

// New constructs an admin Controller bound to sm's Run State Machine
// and rc's Round Controller; rc may be nil, in which case ForceSettle
// skips closing a leftover open position and leaves that to the
// scheduler's own ACTIVE->SETTLING path on its next tick.
func New(st store.Store, sm *runstate.StateMachine, rc *round.Controller, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{store: st, runstate: sm, round: rc, log: log, forceSettled: make(map[string]bool)}
}

// CreateRun proxies to the Run State Machine, refusing while paused.
func (c *Controller) CreateRun(ctx context.Context, cfg runstate.CreateRunConfig) (*store.Run, error) {
	if c.paused.Load() {
		return nil, ErrPlatformPaused
	}
	return c.runstate.CreateRun(ctx, cfg)
}

// CancelRun proxies to the Run State Machine's cancel operation,
// applying the refund-or-early-settle policy regardless of pause state
// (an operator must always be able to wind a run down).
func (c *Controller) CancelRun(ctx context.Context, runID, reason string) (*store.Run, error) {
	return c.runstate.Cancel(ctx, runID, reason)
}

// PausePlatform blocks further CreateRun calls; in-flight runs continue
// unaffected.
func (c *Controller) PausePlatform() {
	c.paused.Store(true)
	c.log.Warn("platform paused")
}

// UnpausePlatform re-enables CreateRun.
func (c *Controller) UnpausePlatform() {
	c.paused.Store(false)
	c.log.Info("platform unpaused")
}

// Paused reports the current pause state.
func (c *Controller) Paused() bool { return c.paused.Load() }

// ForceSettle marks a run SETTLING immediately regardless of round
// progress, letting the scheduler's normal settle path take over on
// its next tick. It is idempotent: calling it twice for the same run
// is a no-op the second time.
func (c *Controller) ForceSettle(ctx context.Context, runID string) error {
	c.mu.Lock()
	if c.forceSettled[runID] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunActive {
		return orcherr.Newf(orcherr.KindStateInvariantViolation, "run %s is %s, force_settle only applies to ACTIVE", runID, run.Status)
	}

	if c.round != nil {
		if err := c.round.FinalizeRound(ctx, run); err != nil {
			return fmt.Errorf("finalize open position before force settle: %w", err)
		}
	}

	if _, err := c.store.UpdateRun(ctx, runID, func(r *store.Run) error {
		r.Status = store.RunSettling
		r.CurrentRound = r.TotalRounds
		return nil
	}); err != nil {
		return fmt.Errorf("force run to settling: %w", err)
	}

	c.mu.Lock()
	c.forceSettled[runID] = true
	c.mu.Unlock()
	return nil
}
