// Package round implements the Round Controller: for an ACTIVE run it
// drives the fixed OPEN -> CLOSED -> EXECUTING -> SETTLED cycle for
// each voting round, handing the majority decision to the Trade
// Executor and broadcasting state at every edge.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/solpool/poolrund/broadcast"
	"github.com/solpool/poolrund/clock"
	"github.com/solpool/poolrund/observability"
	"github.com/solpool/poolrund/oracle"
	"github.com/solpool/poolrund/orcherr"
	"github.com/solpool/poolrund/store"
	"github.com/solpool/poolrund/trade"
)

// DegradedOracleStale signals Advance degraded the run because the
// oracle sample was too stale to open a round; the caller (scheduler)
// reads run.CurrentRound == run.TotalRounds as the transition trigger.
var DegradedOracleStale = errors.New("round: oracle stale, remaining rounds skipped")

const (
	maxExecutorRetries = 3
	backoffBase        = 2 * time.Second
	backoffCap         = 30 * time.Second
)

// Controller advances one run's round loop per call to Advance; the
// scheduler calls it on every tick for each ACTIVE run.
type Controller struct {
	store    store.Store
	oracle   *oracle.Oracle
	executor *trade.Executor
	bus      *broadcast.Bus
	clock    clock.Clock
	log      *slog.Logger
}

// New constructs a Round Controller.
func New(st store.Store, o *oracle.Oracle, executor *trade.Executor, bus *broadcast.Bus, c clock.Clock, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{store: st, oracle: o, executor: executor, bus: bus, clock: c, log: log}
}

// Advance drives exactly one step of the round state machine for run:
// opening the current round, closing it at deadline, executing the
// trade, or settling. It is a no-op once run.CurrentRound reaches
// run.TotalRounds.
func (c *Controller) Advance(ctx context.Context, run *store.Run) (*store.Run, error) {
	if run.CurrentRound >= run.TotalRounds {
		return run, nil
	}
	roundNum := run.CurrentRound + 1

	vr, err := c.store.GetVotingRound(ctx, run.ID, roundNum)
	if errors.Is(err, store.ErrNotFound) {
		if _, openErr := c.openRound(ctx, run, roundNum); openErr != nil {
			if errors.Is(openErr, DegradedOracleStale) {
				return c.degradeRemainingRounds(ctx, run)
			}
			return run, openErr
		}
		return run, nil
	}
	if err != nil {
		return run, fmt.Errorf("get voting round: %w", err)
	}

	switch vr.Status {
	case store.RoundOpen:
		if c.clock.Now().Before(vr.StartedAt.Add(time.Duration(run.VotingInterval) * time.Minute)) {
			return run, nil
		}
		if _, err := c.closeVotes(ctx, run, vr); err != nil {
			return run, err
		}
		return run, nil
	case store.RoundClosed, store.RoundExecuting:
		return c.executeAndSettle(ctx, run, vr)
	case store.RoundSettled:
		return run, nil
	default:
		return run, fmt.Errorf("round: unknown voting round status %q", vr.Status)
	}
}

func (c *Controller) openRound(ctx context.Context, run *store.Run, roundNum int) (*store.VotingRound, error) {
	now := c.clock.Now()
	quote, err := c.oracle.Latest(run.Pair, now)
	if err != nil {
		if errors.Is(err, oracle.ErrStale) || errors.Is(err, oracle.ErrPriceUnavailable) {
			return nil, DegradedOracleStale
		}
		return nil, err
	}
	vr := &store.VotingRound{
		RunID: run.ID, Round: roundNum, Status: store.RoundOpen,
		TimeRemaining: run.VotingInterval * 60, CurrentPrice: quote.Price, StartedAt: now,
	}
	if err := c.store.CreateVotingRound(ctx, vr); err != nil {
		return nil, fmt.Errorf("create voting round: %w", err)
	}
	c.logSystem(ctx, run.ID, store.LogRoundStart, fmt.Sprintf("round %d open, price=%d", roundNum, quote.Price), nil)
	c.publishRunUpdate(run)
	return vr, nil
}

// degradeRemainingRounds skips every remaining round and fast-forwards
// the run to the settlement boundary, per S5 (oracle stale mid-run).
func (c *Controller) degradeRemainingRounds(ctx context.Context, run *store.Run) (*store.Run, error) {
	updated, err := c.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.CurrentRound = r.TotalRounds
		return nil
	})
	if err != nil {
		return run, fmt.Errorf("degrade run on oracle staleness: %w", err)
	}
	c.logSystem(ctx, run.ID, store.LogSystem, "oracle stale at round open, remaining rounds skipped", nil)
	observability.Rounds().RecordDegraded("oracle_stale")
	c.publishRunUpdate(updated)
	return updated, nil
}

func (c *Controller) closeVotes(ctx context.Context, run *store.Run, vr *store.VotingRound) (*store.VotingRound, error) {
	votes, err := c.store.ListVotes(ctx, run.ID, vr.Round)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	dist := tally(votes)
	closedAt := c.clock.Now()
	updated, err := c.store.UpdateVotingRound(ctx, run.ID, vr.Round, func(v *store.VotingRound) error {
		v.Status = store.RoundClosed
		v.VoteDistribution = dist
		v.ClosedAt = &closedAt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("close voting round: %w", err)
	}
	c.logSystem(ctx, run.ID, store.LogRoundEnd, fmt.Sprintf("round %d closed: long=%d short=%d skip=%d", vr.Round, dist.Long, dist.Short, dist.Skip), nil)
	observability.Rounds().SetVoteDistribution(run.ID, dist.Long, dist.Short, dist.Skip)
	c.publishRunUpdate(run)
	return updated, nil
}

func tally(votes []*store.Vote) store.VoteDistribution {
	var dist store.VoteDistribution
	for _, v := range votes {
		switch v.Choice {
		case store.DirLong:
			dist.Long++
		case store.DirShort:
			dist.Short++
		default:
			dist.Skip++
		}
	}
	return dist
}

// majority picks the decision with the strictly highest vote count;
// a tie (including all-zero) degrades to SKIP.
func majority(dist store.VoteDistribution) store.Direction {
	switch {
	case dist.Long > dist.Short && dist.Long > dist.Skip:
		return store.DirLong
	case dist.Short > dist.Long && dist.Short > dist.Skip:
		return store.DirShort
	default:
		return store.DirSkip
	}
}

func (c *Controller) executeAndSettle(ctx context.Context, run *store.Run, vr *store.VotingRound) (*store.Run, error) {
	if vr.Status == store.RoundClosed {
		executing, err := c.store.UpdateVotingRound(ctx, run.ID, vr.Round, func(v *store.VotingRound) error {
			v.Status = store.RoundExecuting
			return nil
		})
		if err != nil {
			return run, fmt.Errorf("mark voting round executing: %w", err)
		}
		vr = executing
	}

	decision := majority(vr.VoteDistribution)
	observability.Rounds().RecordDecision(string(decision))

	// Ordering guarantee: close out the prior round's position before
	// opening this round's; a no-op if the prior round was SKIP.
	if _, err := c.executor.CloseRound(ctx, run); err != nil {
		c.log.Warn("close prior round position failed, retrying next tick",
			slog.String("run_id", run.ID), slog.Int("round", vr.Round), slog.Any("error", err))
		return run, err
	}

	trd, execErr := c.executeWithRetry(ctx, run, vr, decision)
	if execErr != nil {
		return run, execErr
	}

	settledAt := c.clock.Now()
	if _, err := c.store.UpdateVotingRound(ctx, run.ID, vr.Round, func(v *store.VotingRound) error {
		v.Status = store.RoundSettled
		v.Leverage = trd.Leverage
		v.PositionSize = trd.PositionSizePercent
		v.ExecutedAt = &settledAt
		return nil
	}); err != nil {
		return run, fmt.Errorf("settle voting round: %w", err)
	}

	updatedRun, err := c.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.CurrentRound = vr.Round
		return nil
	})
	if err != nil {
		return run, fmt.Errorf("advance current round: %w", err)
	}

	c.logSystem(ctx, run.ID, store.LogTradeExecuted,
		fmt.Sprintf("round %d settled: direction=%s pnl=%d", vr.Round, trd.Direction, trd.PNL), nil)
	c.publishRunUpdate(updatedRun)
	return updatedRun, nil
}

// executeWithRetry retries transient executor failures with
// exponential backoff, degrading to SKIP once retries are exhausted.
func (c *Controller) executeWithRetry(ctx context.Context, run *store.Run, vr *store.VotingRound, decision store.Direction) (*store.Trade, error) {
	backoff := backoffBase
	var lastErr error
	for attempt := 0; attempt <= maxExecutorRetries; attempt++ {
		trd, err := c.executor.OpenRound(ctx, run, vr.Round, decision, vr.CurrentPrice)
		if err == nil {
			return trd, nil
		}
		lastErr = err
		if !orcherr.IsTransient(err) {
			return nil, err
		}
		if attempt == maxExecutorRetries {
			break
		}
		select {
		case <-c.clock.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	c.logSystem(ctx, run.ID, store.LogSystem,
		fmt.Sprintf("round %d degraded to SKIP after %d retries: %v", vr.Round, maxExecutorRetries, lastErr), nil)
	observability.Rounds().RecordDegraded("executor_retries_exhausted")
	return c.executor.OpenRound(ctx, run, vr.Round, store.DirSkip, vr.CurrentPrice)
}

func (c *Controller) publishRunUpdate(run *store.Run) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(broadcast.Event{Type: broadcast.EventRunUpdate, RunID: run.ID, Payload: run})
}

func (c *Controller) logSystem(ctx context.Context, runID string, typ store.SystemLogType, message string, metadata map[string]any) {
	entry := &store.SystemLog{RunID: &runID, Type: typ, Message: message, Metadata: metadata, CreatedAt: c.clock.Now()}
	if err := c.store.AppendSystemLog(ctx, entry); err != nil {
		c.log.Warn("append system log failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}

// FinalizeRound closes out any leftover open position for run, used by
// the scheduler's ACTIVE->SETTLING transition once all rounds have
// settled.
func (c *Controller) FinalizeRound(ctx context.Context, run *store.Run) error {
	_, err := c.executor.CloseRound(ctx, run)
	return err
}
