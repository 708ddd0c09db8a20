// Package scheduler drives the single-writer Run Scheduler loop: on
// every tick it dispatches WAITING lobbies, forwards ACTIVE runs to the
// Round Controller, attempts settlement for SETTLING runs, retires
// COOLDOWN runs to ENDED, and auto-creates a run from a cron schedule
// when none is in flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cron "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/solpool/poolrund/chain"
	"github.com/solpool/poolrund/clock"
	"github.com/solpool/poolrund/observability"
	"github.com/solpool/poolrund/round"
	"github.com/solpool/poolrund/runstate"
	"github.com/solpool/poolrund/store"
	"github.com/solpool/poolrund/trade"
)

// Config bundles the scheduler's tunables. A zero TickInterval falls
// back to one second; the other fields are used as given.
type Config struct {
	TickInterval    time.Duration
	CooldownSeconds int
	CronSchedule    string
	PlatformFeeBps  int
	DefaultRun      runstate.CreateRunConfig
}

const defaultTickInterval = time.Second

// Scheduler is the single-writer loop over one Run at a time, per the
// single-run invariant; it owns no goroutines of its own callers
// don't start via Run.
type Scheduler struct {
	store    store.Store
	runstate *runstate.StateMachine
	round    *round.Controller
	executor *trade.Executor
	chain    *chain.Adapter
	clock    clock.Clock
	log      *slog.Logger

	cfg  Config
	cron cron.Schedule
}

// New constructs a Scheduler. cfg.CronSchedule, if non-empty, must
// parse as a standard 5-field cron expression (interpreted in UTC);
// an invalid expression disables auto-creation rather than failing
// construction, since a scheduler must still be able to service an
// existing run.
func New(st store.Store, sm *runstate.StateMachine, rc *round.Controller, ex *trade.Executor, ca *chain.Adapter, c clock.Clock, log *slog.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	s := &Scheduler{store: st, runstate: sm, round: rc, executor: ex, chain: ca, clock: c, log: log, cfg: cfg}
	if cfg.CronSchedule != "" {
		parsed, err := cron.ParseStandard(cfg.CronSchedule)
		if err != nil {
			log.Warn("invalid cron schedule, auto-create disabled", slog.String("schedule", cfg.CronSchedule), slog.Any("error", err))
		} else {
			s.cron = parsed
		}
	}
	return s
}

// Run drives the scheduler loop until ctx is cancelled, ticking at
// cfg.TickInterval via the supplied Clock.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick executes one full scheduler pass: dispatch, advance, settle,
// retire, and cron auto-create, in that fixed order.
func (s *Scheduler) Tick(ctx context.Context) {
	runs, err := s.store.ListNonTerminalRuns(ctx)
	if err != nil {
		s.log.Error("list non-terminal runs failed", slog.Any("error", err))
		return
	}

	var activeOrLater bool
	for _, run := range runs {
		activeOrLater = activeOrLater || run.Status != store.RunWaiting
		switch run.Status {
		case store.RunWaiting:
			s.dispatchWaiting(ctx, run)
		case store.RunActive:
			s.advanceActive(ctx, run)
		case store.RunSettling:
			s.attemptSettle(ctx, run)
		case store.RunCooldown:
			s.retireCooldown(ctx, run)
		}
	}

	if len(runs) == 0 && s.dueForAutoCreate() {
		if _, err := s.runstate.CreateRun(ctx, s.cfg.DefaultRun); err != nil {
			s.log.Warn("cron auto-create failed", slog.Any("error", err))
		}
	}
}

func (s *Scheduler) dueForAutoCreate() bool {
	if s.cron == nil {
		return false
	}
	now := s.clock.Now()
	next := s.cron.Next(now.Add(-s.cfg.TickInterval))
	return !next.After(now)
}

func (s *Scheduler) dispatchWaiting(ctx context.Context, run *store.Run) {
	remaining := run.LobbyCountdown - int(s.clock.Now().Sub(run.CreatedAt).Seconds())
	if remaining > 0 {
		return
	}
	count, err := s.store.CountParticipants(ctx, run.ID)
	if err != nil {
		s.log.Error("count participants failed", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	observability.Runs().SetLobbySize(run.ID, count)
	if count == 0 {
		if _, err := s.runstate.Cancel(ctx, run.ID, "lobby countdown elapsed with no participants"); err != nil {
			s.log.Error("cancel empty lobby failed", slog.String("run_id", run.ID), slog.Any("error", err))
		}
		return
	}

	now := s.clock.Now()
	updated, err := s.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.Status = store.RunActive
		r.StartedAt = &now
		r.StartingPool = r.TotalPool
		return nil
	})
	if err != nil {
		s.log.Error("activate run failed", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	if s.chain != nil {
		if _, err := s.chain.StartRun(ctx, run.ID, run.NumericID); err != nil {
			s.log.Warn("chain start_run failed, run proceeds off-chain", slog.String("run_id", run.ID), slog.Any("error", err))
		}
	}
	observability.Runs().RecordTransition(string(store.RunActive))
	s.logSystem(ctx, updated.ID, store.LogRunStart, fmt.Sprintf("run activated with %d participants", count))
}

func (s *Scheduler) advanceActive(ctx context.Context, run *store.Run) {
	updated, err := s.round.Advance(ctx, run)
	if err != nil {
		s.log.Error("advance round failed", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	if updated.CurrentRound < updated.TotalRounds {
		return
	}
	if err := s.round.FinalizeRound(ctx, updated); err != nil {
		s.log.Warn("finalize round failed, retrying next tick", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	if _, err := s.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.Status = store.RunSettling
		return nil
	}); err != nil {
		s.log.Error("transition to settling failed", slog.String("run_id", run.ID), slog.Any("error", err))
	}
}

func (s *Scheduler) attemptSettle(ctx context.Context, run *store.Run) {
	if err := s.settle(ctx, run); err != nil {
		s.log.Warn("settle_run not yet successful, retrying next tick", slog.String("run_id", run.ID), slog.Any("error", err))
	}
}

func (s *Scheduler) retireCooldown(ctx context.Context, run *store.Run) {
	if run.EndedAt == nil {
		return
	}
	if s.clock.Now().Before(run.EndedAt.Add(time.Duration(s.cfg.CooldownSeconds) * time.Second)) {
		return
	}
	updated, err := s.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.Status = store.RunEnded
		return nil
	})
	if err != nil {
		s.log.Error("retire cooldown failed", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	observability.Runs().RecordTransition(string(store.RunEnded))
	s.logSystem(ctx, updated.ID, store.LogRunEnd, "run ended, results exposed")
}

func (s *Scheduler) logSystem(ctx context.Context, runID string, typ store.SystemLogType, message string) {
	entry := &store.SystemLog{RunID: &runID, Type: typ, Message: message, CreatedAt: s.clock.Now()}
	if err := s.store.AppendSystemLog(ctx, entry); err != nil {
		s.log.Warn("append system log failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}

// Recover is called once at process startup: it resumes in-flight
// positions and rounds left EXECUTING by a prior crash, per S6.
func (s *Scheduler) Recover(ctx context.Context) error {
	runs, err := s.store.ListNonTerminalRuns(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal runs: %w", err)
	}
	var unsynced int
	for _, run := range runs {
		if run.Status != store.RunActive {
			continue
		}
		if err := s.executor.RecoverOpenPosition(ctx, run); err != nil {
			s.log.Warn("recover open position failed", slog.String("run_id", run.ID), slog.Any("error", err))
		}
		if run.Unsynced && s.chain != nil {
			if err := s.chain.Sync(ctx, run); err != nil {
				unsynced++
				s.log.Warn("self-heal unsynced run failed, retrying later", slog.String("run_id", run.ID), slog.Any("error", err))
			} else if _, err := s.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
				r.Unsynced = false
				return nil
			}); err != nil {
				unsynced++
				s.log.Warn("clear unsynced flag failed", slog.String("run_id", run.ID), slog.Any("error", err))
			}
		}
	}
	observability.Runs().SetUnsyncedCount(unsynced)

	executing, err := s.store.VotingRoundsInStatus(ctx, store.RoundExecuting)
	if err != nil {
		return fmt.Errorf("list executing voting rounds: %w", err)
	}

	// Every entry belongs to a distinct run (the single-run invariant
	// bounds the common case to one), so reconciling them is safe to
	// fan out rather than serialize.
	g, gctx := errgroup.WithContext(ctx)
	for _, vr := range executing {
		vr := vr
		g.Go(func() error {
			run, err := s.store.GetRun(gctx, vr.RunID)
			if err != nil {
				s.log.Warn("get run for executing round recovery failed", slog.String("run_id", vr.RunID), slog.Any("error", err))
				return nil
			}
			if _, err := s.round.Advance(gctx, run); err != nil {
				s.log.Warn("resume executing round failed, retrying next tick", slog.String("run_id", run.ID), slog.Any("error", err))
			}
			return nil
		})
	}
	return g.Wait()
}

// settle computes the final balance and per-participant shares via the
// shared runstate settlement math, then issues settle_run; the run
// stays in SETTLING until the chain call succeeds, per §7's retry
// policy.
func (s *Scheduler) settle(ctx context.Context, run *store.Run) error {
	trades, err := s.store.ListTrades(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}
	var pnlSum int64
	for _, t := range trades {
		pnlSum += t.PNL
	}
	finalBalance := run.StartingPool + pnlSum
	var fee int64
	if finalBalance > run.StartingPool {
		fee = (finalBalance - run.StartingPool) * int64(s.cfg.PlatformFeeBps) / 10000
	}
	distributable := finalBalance - fee

	participants, err := s.store.ListParticipants(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	shares := runstate.ComputeShares(distributable, participants)

	if s.chain != nil {
		if _, err := s.chain.SettleRun(ctx, run.ID, run.NumericID, finalBalance, shares); err != nil {
			return fmt.Errorf("settle_run: %w", err)
		}
	}

	for userID, share := range shares {
		share := share
		if _, err := s.store.UpdateParticipant(ctx, run.ID, userID, func(p *store.Participant) error {
			p.FinalShare = &share
			return nil
		}); err != nil {
			return fmt.Errorf("record final share for %s: %w", userID, err)
		}
	}

	now := s.clock.Now()
	if _, err := s.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.Status = store.RunCooldown
		r.FinalBalance = &finalBalance
		r.PlatformFee = &fee
		r.EndedAt = &now
		return nil
	}); err != nil {
		return fmt.Errorf("transition to cooldown: %w", err)
	}
	observability.Runs().RecordTransition(string(store.RunCooldown))
	s.logSystem(ctx, run.ID, store.LogRunEnd, fmt.Sprintf("run settled: final_balance=%d fee=%d", finalBalance, fee))
	return nil
}
