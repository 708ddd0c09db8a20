// Package runstate implements the Run State Machine: the six operations
// that move a Run through WAITING -> ACTIVE -> SETTLING -> COOLDOWN ->
// ENDED, plus the off-ramp to CANCELLED from any non-terminal state.
// Every transition is a transactional Store write paired with a
// SystemLog entry and a broadcast.
package runstate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/solpool/poolrund/broadcast"
	"github.com/solpool/poolrund/chain"
	"github.com/solpool/poolrund/observability"
	"github.com/solpool/poolrund/orcherr"
	"github.com/solpool/poolrund/store"
	"github.com/solpool/poolrund/trade"
)

var pairPattern = regexp.MustCompile(`^[A-Z]{2,10}/[A-Z]{2,10}$`)

const (
	minDurationMinutes = 60
	maxDurationMinutes = 480
	minVotingInterval  = 5
	maxVotingInterval  = 60
	minDepositBound    = 10
	maxDepositBound    = 100
	minParticipants    = 10
	maxParticipantsCap = 100
	defaultLobbySeconds = 600
)

// CreateRunConfig is the validated input to CreateRun.
type CreateRunConfig struct {
	Pair                 string
	BaseCoin             string
	DurationMinutes      int
	VotingInterval       int
	MinDeposit           int64
	MaxDeposit           int64
	MaxParticipants      int
	LobbyDurationSeconds int
}

func (cfg CreateRunConfig) validate() error {
	if !pairPattern.MatchString(cfg.Pair) {
		return orcherr.Newf(orcherr.KindInvalidConfig, "pair %q does not match [A-Z]{2,10}/[A-Z]{2,10}", cfg.Pair)
	}
	if cfg.DurationMinutes < minDurationMinutes || cfg.DurationMinutes > maxDurationMinutes {
		return orcherr.Newf(orcherr.KindInvalidConfig, "duration %d minutes out of range [%d,%d]", cfg.DurationMinutes, minDurationMinutes, maxDurationMinutes)
	}
	if cfg.VotingInterval < minVotingInterval || cfg.VotingInterval > maxVotingInterval {
		return orcherr.Newf(orcherr.KindInvalidConfig, "voting interval %d minutes out of range [%d,%d]", cfg.VotingInterval, minVotingInterval, maxVotingInterval)
	}
	if cfg.MinDeposit < minDepositBound || cfg.MinDeposit > maxDepositBound {
		return orcherr.Newf(orcherr.KindInvalidConfig, "min deposit %d out of range [%d,%d]", cfg.MinDeposit, minDepositBound, maxDepositBound)
	}
	if cfg.MaxDeposit < minDepositBound || cfg.MaxDeposit > maxDepositBound || cfg.MaxDeposit < cfg.MinDeposit {
		return orcherr.Newf(orcherr.KindInvalidConfig, "max deposit %d out of range [%d,%d] or below min", cfg.MaxDeposit, minDepositBound, maxDepositBound)
	}
	if cfg.MaxParticipants < minParticipants || cfg.MaxParticipants > maxParticipantsCap {
		return orcherr.Newf(orcherr.KindInvalidConfig, "max participants %d out of range [%d,%d]", cfg.MaxParticipants, minParticipants, maxParticipantsCap)
	}
	if cfg.VotingInterval > cfg.DurationMinutes {
		return orcherr.Newf(orcherr.KindInvalidConfig, "voting interval %d exceeds duration %d", cfg.VotingInterval, cfg.DurationMinutes)
	}
	return nil
}

// numericIDGen hands out strictly increasing numeric ids seeded from
// wall-clock milliseconds, bumping past the last-issued value instead
// of colliding when two ids would otherwise land in the same
// millisecond. This resolves the open question left by the source's
// parseInt(id) || createdAt_ms derivation, which could collide for
// runs created in the same millisecond.
type numericIDGen struct {
	mu   sync.Mutex
	last uint64
}

func (g *numericIDGen) next(now time.Time) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	candidate := uint64(now.UnixMilli())
	if candidate <= g.last {
		candidate = g.last + 1
	}
	g.last = candidate
	return candidate
}

// StateMachine exposes the Run lifecycle operations over a Store. It
// additionally holds the Chain Adapter and Trade Executor so that
// cancel() can close an in-flight position and settle on-chain without
// waiting for the scheduler's next tick.
type StateMachine struct {
	store    store.Store
	chain    *chain.Adapter
	executor *trade.Executor
	bus      *broadcast.Bus
	now      func() time.Time
	log      *slog.Logger

	ids numericIDGen

	platformFeeBps int
}

// Option customizes a StateMachine instance.
type Option func(*StateMachine)

// WithChainAdapter wires on-chain create_run/create_run_vault/withdraw
// calls; omit to run entirely off-chain (e.g. in tests).
func WithChainAdapter(c *chain.Adapter) Option {
	return func(s *StateMachine) { s.chain = c }
}

// WithTradeExecutor wires the executor used by cancel() to close an
// in-flight position before settling an ACTIVE-or-later run early.
func WithTradeExecutor(e *trade.Executor) Option {
	return func(s *StateMachine) { s.executor = e }
}

// WithClock overrides the function used to timestamp transitions.
func WithClock(now func() time.Time) Option {
	return func(s *StateMachine) { s.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *StateMachine) { s.log = l }
}

// WithPlatformFeeBps sets the basis-point cut taken from positive
// realized pnl at settlement.
func WithPlatformFeeBps(bps int) Option {
	return func(s *StateMachine) { s.platformFeeBps = bps }
}

// New constructs a Run State Machine bound to st.
func New(st store.Store, bus *broadcast.Bus, opts ...Option) *StateMachine {
	s := &StateMachine{
		store: st,
		bus:   bus,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun validates cfg, persists a new Run in WAITING, and best-effort
// issues create_run/create_run_vault. On-chain failure leaves the run
// flagged Unsynced rather than failing the call; the scheduler retries.
func (s *StateMachine) CreateRun(ctx context.Context, cfg CreateRunConfig) (*store.Run, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.LobbyDurationSeconds <= 0 {
		cfg.LobbyDurationSeconds = defaultLobbySeconds
	}

	nonTerminal, err := s.store.CountNonTerminalRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("count non-terminal runs: %w", err)
	}
	if nonTerminal > 0 {
		return nil, orcherr.Newf(orcherr.KindSingleRunViolation, "a non-terminal run already exists")
	}

	now := s.now()
	run := &store.Run{
		ID:              uuid.NewString(),
		NumericID:       s.ids.next(now),
		Status:          store.RunWaiting,
		Pair:            cfg.Pair,
		BaseCoin:        cfg.BaseCoin,
		DurationMinutes: cfg.DurationMinutes,
		VotingInterval:  cfg.VotingInterval,
		TotalRounds:     cfg.DurationMinutes / cfg.VotingInterval,
		MinDeposit:      cfg.MinDeposit,
		MaxDeposit:      cfg.MaxDeposit,
		MaxParticipants: cfg.MaxParticipants,
		LobbyCountdown:  cfg.LobbyDurationSeconds,
		CreatedAt:       now,
	}
	if run.TotalRounds < 1 {
		return nil, orcherr.Newf(orcherr.KindInvalidConfig, "duration %d / voting interval %d yields zero rounds", cfg.DurationMinutes, cfg.VotingInterval)
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		if err == store.ErrConflict {
			return nil, orcherr.New(orcherr.KindSingleRunViolation, err)
		}
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.syncOnChain(ctx, run)
	observability.Runs().RecordTransition(string(store.RunWaiting))
	s.logSystem(ctx, run.ID, store.LogRunStart, fmt.Sprintf("run created: pair=%s rounds=%d", run.Pair, run.TotalRounds), nil)
	s.publish(run)
	return run, nil
}

// syncOnChain issues create_run + create_run_vault; failure leaves the
// run Unsynced rather than propagating, per the scheduler's self-heal
// contract.
func (s *StateMachine) syncOnChain(ctx context.Context, run *store.Run) {
	if s.chain == nil {
		return
	}
	if err := s.chain.Sync(ctx, run); err != nil {
		s.log.Warn("run create on-chain sync failed, flagging unsynced",
			slog.String("run_id", run.ID), slog.Any("error", err))
		if _, uerr := s.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
			r.Unsynced = true
			return nil
		}); uerr != nil {
			s.log.Warn("failed to flag run unsynced", slog.String("run_id", run.ID), slog.Any("error", uerr))
		}
	}
}

// Join adds a participant to a WAITING run's lobby.
func (s *StateMachine) Join(ctx context.Context, runID, userID string, depositAmount int64, walletAddress string) (*store.Participant, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunWaiting {
		return nil, orcherr.Newf(orcherr.KindLobbyClosed, "run %s is %s, not WAITING", runID, run.Status)
	}
	if depositAmount < run.MinDeposit || depositAmount > run.MaxDeposit {
		return nil, orcherr.Newf(orcherr.KindDepositOutOfRange, "deposit %d out of [%d,%d]", depositAmount, run.MinDeposit, run.MaxDeposit)
	}
	count, err := s.store.CountParticipants(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}
	if count >= run.MaxParticipants {
		return nil, orcherr.Newf(orcherr.KindLobbyFull, "run %s has %d/%d participants", runID, count, run.MaxParticipants)
	}
	if _, err := s.store.GetParticipant(ctx, runID, userID); err == nil {
		return nil, orcherr.Newf(orcherr.KindAlreadyJoined, "user %s already joined run %s", userID, runID)
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("check existing participant: %w", err)
	}

	p := &store.Participant{
		RunID: runID, UserID: userID, Deposit: depositAmount,
		JoinedAt: s.now(), WalletAddr: walletAddress,
	}
	if err := s.store.CreateParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("create participant: %w", err)
	}
	newTotal, err := s.store.IncrementTotalPool(ctx, runID, depositAmount)
	if err != nil {
		return nil, fmt.Errorf("increment total pool: %w", err)
	}
	observability.Runs().SetTotalPool(runID, newTotal)

	s.logSystem(ctx, runID, store.LogUserJoin, fmt.Sprintf("user %s joined with %d", userID, depositAmount), nil)
	s.publishRun(ctx, runID)
	return p, nil
}

// Leave reverses Join while the run is still WAITING, refunding the
// deposit off-ledger since no on-chain vault deposit has happened yet.
func (s *StateMachine) Leave(ctx context.Context, runID, userID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunWaiting {
		return orcherr.Newf(orcherr.KindLobbyClosed, "run %s is %s, not WAITING", runID, run.Status)
	}
	p, err := s.store.GetParticipant(ctx, runID, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return orcherr.Newf(orcherr.KindNotParticipant, "user %s is not a participant of run %s", userID, runID)
		}
		return fmt.Errorf("get participant: %w", err)
	}
	if err := s.store.DeleteParticipant(ctx, runID, userID); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	newTotal, err := s.store.IncrementTotalPool(ctx, runID, -p.Deposit)
	if err != nil {
		return fmt.Errorf("decrement total pool: %w", err)
	}
	observability.Runs().SetTotalPool(runID, newTotal)
	s.logSystem(ctx, runID, store.LogUserLeave, fmt.Sprintf("user %s left, refunded %d off-ledger", userID, p.Deposit), nil)
	s.publishRun(ctx, runID)
	return nil
}

// Vote records a participant's final choice for the currently open round.
func (s *StateMachine) Vote(ctx context.Context, runID, userID string, roundNum int, choice store.Direction) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunActive {
		return orcherr.Newf(orcherr.KindVoteWindowClosed, "run %s is %s, not ACTIVE", runID, run.Status)
	}
	vr, err := s.store.GetVotingRound(ctx, runID, roundNum)
	if err != nil {
		if err == store.ErrNotFound {
			return orcherr.Newf(orcherr.KindVoteWindowClosed, "round %d of run %s has not opened", roundNum, runID)
		}
		return fmt.Errorf("get voting round: %w", err)
	}
	if vr.Status != store.RoundOpen {
		return orcherr.Newf(orcherr.KindVoteWindowClosed, "round %d of run %s is %s, not OPEN", roundNum, runID, vr.Status)
	}
	if _, err := s.store.GetParticipant(ctx, runID, userID); err != nil {
		if err == store.ErrNotFound {
			return orcherr.Newf(orcherr.KindNotParticipant, "user %s is not a participant of run %s", userID, runID)
		}
		return fmt.Errorf("get participant: %w", err)
	}
	if _, err := s.store.GetVote(ctx, runID, userID, roundNum); err == nil {
		return orcherr.Newf(orcherr.KindDuplicateVote, "user %s already voted in round %d", userID, roundNum)
	} else if err != store.ErrNotFound {
		return fmt.Errorf("check existing vote: %w", err)
	}

	v := &store.Vote{RunID: runID, UserID: userID, Round: roundNum, Choice: choice, CastAt: s.now()}
	if err := s.store.CreateVote(ctx, v); err != nil {
		return fmt.Errorf("create vote: %w", err)
	}

	votes, err := s.store.ListVotes(ctx, runID, roundNum)
	if err == nil {
		dist := store.VoteDistribution{}
		for _, existing := range votes {
			switch existing.Choice {
			case store.DirLong:
				dist.Long++
			case store.DirShort:
				dist.Short++
			default:
				dist.Skip++
			}
		}
		if s.bus != nil {
			s.bus.Publish(broadcast.Event{Type: broadcast.EventVoteUpdate, RunID: runID, Payload: map[string]any{
				"round": roundNum, "voteDistribution": dist, "timeRemaining": vr.TimeRemaining,
			}})
		}
	}
	return nil
}

// Withdraw issues the on-chain withdrawal for a participant of an ENDED
// run; idempotent once the participant is already marked withdrawn.
func (s *StateMachine) Withdraw(ctx context.Context, runID, userID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunEnded {
		return orcherr.Newf(orcherr.KindStateInvariantViolation, "run %s is %s, not ENDED", runID, run.Status)
	}
	p, err := s.store.GetParticipant(ctx, runID, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return orcherr.Newf(orcherr.KindNotParticipant, "user %s is not a participant of run %s", userID, runID)
		}
		return fmt.Errorf("get participant: %w", err)
	}
	if p.Withdrawn {
		return nil
	}
	if p.FinalShare == nil {
		return orcherr.Newf(orcherr.KindStateInvariantViolation, "run %s has no final share recorded for %s", runID, userID)
	}

	if s.chain != nil && p.WalletAddr != "" {
		if _, err := s.chain.WithdrawUser(ctx, run.ID, run.NumericID, ethcommon.HexToAddress(p.WalletAddr)); err != nil {
			return orcherr.New(orcherr.KindExternalTransient, err)
		}
	}

	if _, err := s.store.UpdateParticipant(ctx, runID, userID, func(pp *store.Participant) error {
		pp.Withdrawn = true
		return nil
	}); err != nil {
		return fmt.Errorf("mark withdrawn: %w", err)
	}
	return nil
}

// Cancel moves a non-terminal run directly to CANCELLED. From WAITING
// this is a plain off-ledger refund of every participant; from ACTIVE
// or later it closes any open position, realizes pnl, and settles
// on-chain before marking CANCELLED so finalShares reflect the
// realized balance rather than the original deposits.
func (s *StateMachine) Cancel(ctx context.Context, runID, reason string) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, orcherr.Newf(orcherr.KindStateInvariantViolation, "run %s is already %s", runID, run.Status)
	}

	if run.Status == store.RunWaiting {
		if err := s.refundLobby(ctx, run); err != nil {
			return nil, err
		}
	} else {
		if err := s.closeAndSettleEarly(ctx, run); err != nil {
			return nil, err
		}
	}

	now := s.now()
	updated, err := s.store.UpdateRun(ctx, runID, func(r *store.Run) error {
		r.Status = store.RunCancelled
		r.EndedAt = &now
		r.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark run cancelled: %w", err)
	}
	observability.Runs().RecordTransition(string(store.RunCancelled))
	s.logSystem(ctx, runID, store.LogRunEnd, fmt.Sprintf("run cancelled: %s", reason), nil)
	s.publish(updated)
	return updated, nil
}

func (s *StateMachine) refundLobby(ctx context.Context, run *store.Run) error {
	participants, err := s.store.ListParticipants(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	for _, p := range participants {
		if err := s.store.DeleteParticipant(ctx, run.ID, p.UserID); err != nil {
			return fmt.Errorf("refund participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

func (s *StateMachine) closeAndSettleEarly(ctx context.Context, run *store.Run) error {
	if s.executor != nil {
		if _, err := s.executor.CloseRound(ctx, run); err != nil {
			return orcherr.New(orcherr.KindExternalTransient, err)
		}
	}

	finalBalance, fee, shares, err := computeSettlement(ctx, s.store, run, s.platformFeeBps)
	if err != nil {
		return err
	}

	if s.chain != nil {
		if _, err := s.chain.SettleRun(ctx, run.ID, run.NumericID, finalBalance, shares); err != nil {
			return orcherr.New(orcherr.KindExternalTransient, err)
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
	if _, err := s.store.UpdateRun(ctx, run.ID, func(r *store.Run) error {
		r.FinalBalance = &finalBalance
		r.PlatformFee = &fee
		return nil
	}); err != nil {
		return fmt.Errorf("record final balance: %w", err)
	}
	return nil
}

func (s *StateMachine) publish(run *store.Run) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(broadcast.Event{Type: broadcast.EventRunUpdate, RunID: run.ID, Payload: run})
}

func (s *StateMachine) publishRun(ctx context.Context, runID string) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	s.publish(run)
}

func (s *StateMachine) logSystem(ctx context.Context, runID string, typ store.SystemLogType, message string, metadata map[string]any) {
	entry := &store.SystemLog{RunID: &runID, Type: typ, Message: message, Metadata: metadata, CreatedAt: s.now()}
	if err := s.store.AppendSystemLog(ctx, entry); err != nil {
		s.log.Warn("append system log failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}
