// Package trade implements the Trade Executor: it turns a round's
// majority decision into an opened/closed DEX position, with a
// published chaos draw for leverage and position size, and records
// the outcome as the durable Trade row.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopspring/decimal"

	"github.com/solpool/poolrund/broadcast"
	"github.com/solpool/poolrund/chain"
	"github.com/solpool/poolrund/dex"
	"github.com/solpool/poolrund/observability"
	"github.com/solpool/poolrund/orcherr"
	"github.com/solpool/poolrund/store"
)

// SlippageToleranceBps is fixed per the published chaos contract.
const SlippageToleranceBps = 10

type openPosition struct {
	round  int
	market string
}

// Executor opens and closes the single in-flight position for a run,
// drawing chaos parameters and writing the resulting Trade rows.
type Executor struct {
	store   store.Store
	dex     dex.Adapter
	chain   *chain.Adapter
	bus     *broadcast.Bus
	chaos   ChaosSource
	now     func() time.Time
	log     *slog.Logger
	tracer  trace.Tracer

	mu   sync.Mutex
	open map[string]openPosition
}

// Option customizes an Executor instance.
type Option func(*Executor)

// WithChaosSource overrides the default chaotic draw, typically with
// DeterministicChaos for replay.
func WithChaosSource(c ChaosSource) Option {
	return func(e *Executor) { e.chaos = c }
}

// WithChainAdapter wires the chain adapter used for the fire-and-record
// record_trade call; omit to skip on-chain recording entirely.
func WithChainAdapter(c *chain.Adapter) Option {
	return func(e *Executor) { e.chain = c }
}

// WithClock overrides the function used to timestamp trades.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// NewExecutor constructs a Trade Executor bound to one DEX adapter
// and store.
func NewExecutor(st store.Store, dexAdapter dex.Adapter, bus *broadcast.Bus, opts ...Option) *Executor {
	e := &Executor{
		store:  st,
		dex:    dexAdapter,
		bus:    bus,
		chaos:  ChaoticChaos{},
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
		tracer: otel.Tracer("trade/executor"),
		open:   make(map[string]openPosition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenRound executes steps 1-5 of the trade algorithm for one round:
// a SKIP decision writes a zeroed Trade row immediately; otherwise the
// executor queries available collateral, draws chaos parameters, and
// opens a position sized from them.
func (e *Executor) OpenRound(ctx context.Context, run *store.Run, round int, decision store.Direction, referencePrice int64) (*store.Trade, error) {
	ctx, span := e.tracer.Start(ctx, "trade.open_round", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("round", round),
		attribute.String("decision", string(decision)),
	))
	defer span.End()

	now := e.now()

	if decision == store.DirSkip {
		t := &store.Trade{
			RunID: run.ID, Round: round, Direction: store.DirSkip,
			Leverage: 0, PositionSizePercent: 0,
			EntryPrice: referencePrice, ExitPrice: &referencePrice,
			PNL: 0, PNLPercentage: 0, ExecutedAt: now, SettledAt: &now,
		}
		if err := e.store.CreateTrade(ctx, t); err != nil {
			span.RecordError(err)
			return nil, orcherr.New(orcherr.KindExternalTransient, err)
		}
		observability.Trades().RecordExecution(string(store.DirSkip), "settled", 0, 0)
		e.publish(run.ID, t)
		e.recordOnChain(run, round, t)
		return t, nil
	}

	e.mu.Lock()
	if _, alreadyOpen := e.open[run.ID]; alreadyOpen {
		e.mu.Unlock()
		err := fmt.Errorf("trade: run %s already has an in-flight position", run.ID)
		span.RecordError(err)
		return nil, orcherr.New(orcherr.KindStateInvariantViolation, err)
	}
	e.mu.Unlock()

	account, err := e.dex.GetAccountInfo(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get account info failed")
		return nil, orcherr.New(orcherr.KindExternalTransient, err)
	}

	leverage, positionPct := e.chaos.Draw(Seed(run.NumericID, round))

	collateral := decimal.NewFromInt(account.AvailableCollateral)
	baseAmount := collateral.
		Mul(positionPct).Div(decimal.NewFromInt(100)).
		Mul(leverage).
		Div(decimal.NewFromInt(referencePrice))

	market := dex.MarketSymbolFromPair(run.Pair)
	res, err := e.dex.OpenPosition(ctx, market, string(decision), baseAmount, leverage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open position failed")
		return nil, orcherr.New(orcherr.KindExternalTransient, err)
	}

	t := &store.Trade{
		RunID: run.ID, Round: round, Direction: decision,
		Leverage:            leverage.Mul(decimal.NewFromInt(10)).Floor().IntPart(),
		PositionSizePercent: positionPct.Floor().IntPart(),
		EntryPrice:          res.EntryPrice,
		PNL:                 0,
		ExecutedAt:          now,
	}
	if err := e.store.CreateTrade(ctx, t); err != nil {
		span.RecordError(err)
		return nil, orcherr.New(orcherr.KindExternalTransient, err)
	}

	e.mu.Lock()
	e.open[run.ID] = openPosition{round: round, market: market}
	e.mu.Unlock()

	e.publish(run.ID, t)
	span.SetStatus(codes.Ok, "position opened")
	return t, nil
}

// CloseRound executes steps 6-8 for the run's currently in-flight
// position, if any. The round controller calls this when the next
// round opens, or at settle for the final round; a run with no open
// position (its last round was SKIP) is a no-op.
func (e *Executor) CloseRound(ctx context.Context, run *store.Run) (*store.Trade, error) {
	e.mu.Lock()
	pos, ok := e.open[run.ID]
	if ok {
		delete(e.open, run.ID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}

	ctx, span := e.tracer.Start(ctx, "trade.close_round", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("round", pos.round),
	))
	defer span.End()

	res, err := e.dex.ClosePosition(ctx, pos.market)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "close position failed")
		// Put the position back so a retry still knows it's open.
		e.mu.Lock()
		e.open[run.ID] = pos
		e.mu.Unlock()
		return nil, orcherr.New(orcherr.KindExternalTransient, err)
	}

	now := e.now()
	t, err := e.store.UpdateTrade(ctx, run.ID, pos.round, func(t *store.Trade) error {
		exit := res.ExitPrice
		t.ExitPrice = &exit
		t.PNL = res.RealizedPNL
		if t.EntryPrice != 0 {
			t.PNLPercentage = decimal.NewFromInt(res.RealizedPNL).
				Mul(decimal.NewFromInt(10000)).
				Div(decimal.NewFromInt(t.EntryPrice)).
				Floor().IntPart()
		}
		t.SettledAt = &now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, orcherr.New(orcherr.KindExternalTransient, err)
	}

	observability.Trades().RecordExecution(string(t.Direction), "settled", t.PNL, int(t.Leverage))
	e.publish(run.ID, t)
	e.recordOnChain(run, pos.round, t)
	span.SetStatus(codes.Ok, "position closed")
	return t, nil
}

// HasOpenPosition reports whether run currently has an in-flight
// position the round controller must close before settling.
func (e *Executor) HasOpenPosition(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.open[runID]
	return ok
}

// RecoverOpenPosition restores in-memory open-position tracking for a
// run resumed after a crash: the Trade row with a nil ExitPrice (if
// any) is the position left in flight by the process that died, per
// the crash-during-EXECUTING recovery scenario.
func (e *Executor) RecoverOpenPosition(ctx context.Context, run *store.Run) error {
	trades, err := e.store.ListTrades(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list trades for recovery: %w", err)
	}
	for _, t := range trades {
		if t.ExitPrice == nil && t.Direction != store.DirSkip {
			e.mu.Lock()
			e.open[run.ID] = openPosition{round: t.Round, market: dex.MarketSymbolFromPair(run.Pair)}
			e.mu.Unlock()
			e.log.Info("recovered in-flight position", slog.String("run_id", run.ID), slog.Int("round", t.Round))
			return nil
		}
	}
	return nil
}

func (e *Executor) publish(runID string, t *store.Trade) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(broadcast.Event{Type: broadcast.EventTradeUpdate, RunID: runID, Payload: t})
}

// recordOnChain fires record_trade without blocking the caller;
// failure is logged but never fatal since Store remains authoritative.
func (e *Executor) recordOnChain(run *store.Run, round int, t *store.Trade) {
	if e.chain == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.chain.RecordTrade(ctx, run.ID, run.NumericID, round, t); err != nil {
			observability.Trades().RecordChainFailure(run.ID)
			e.log.Warn("record_trade failed, store remains source of truth",
				slog.String("run_id", run.ID), slog.Int("round", round), slog.Any("error", err))
		}
	}()
}
