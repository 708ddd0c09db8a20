package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/solpool/poolrund/broadcast"
	"github.com/solpool/poolrund/clock"
	"github.com/solpool/poolrund/dex"
	"github.com/solpool/poolrund/oracle"
	"github.com/solpool/poolrund/round"
	"github.com/solpool/poolrund/runstate"
	"github.com/solpool/poolrund/store"
	"github.com/solpool/poolrund/trade"
)

type fakeStore struct {
	store.Store
	runs         map[string]*store.Run
	participants map[string]*store.Participant
	trades       map[string][]*store.Trade
	rounds       map[string]*store.VotingRound
	logs         []*store.SystemLog
	nonTerminal  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:         make(map[string]*store.Run),
		participants: make(map[string]*store.Participant),
		trades:       make(map[string][]*store.Trade),
		rounds:       make(map[string]*store.VotingRound),
	}
}

func pkey(runID, userID string) string { return runID + "/" + userID }

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ListNonTerminalRuns(ctx context.Context) ([]*store.Run, error) {
	var out []*store.Run
	for _, r := range f.runs {
		if r.Status.NonTerminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CountNonTerminalRuns(ctx context.Context) (int, error) { return f.nonTerminal, nil }

func (f *fakeStore) CreateRun(ctx context.Context, run *store.Run) error {
	f.runs[run.ID] = run
	f.nonTerminal++
	return nil
}

func (f *fakeStore) UpdateRun(ctx context.Context, runID string, mutate func(*store.Run) error) (*store.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := mutate(r); err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) CountParticipants(ctx context.Context, runID string) (int, error) {
	n := 0
	for _, p := range f.participants {
		if p.RunID == runID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListParticipants(ctx context.Context, runID string) ([]*store.Participant, error) {
	var out []*store.Participant
	for _, p := range f.participants {
		if p.RunID == runID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteParticipant(ctx context.Context, runID, userID string) error {
	delete(f.participants, pkey(runID, userID))
	return nil
}

func (f *fakeStore) UpdateParticipant(ctx context.Context, runID, userID string, mutate func(*store.Participant) error) (*store.Participant, error) {
	p, ok := f.participants[pkey(runID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListTrades(ctx context.Context, runID string) ([]*store.Trade, error) {
	return f.trades[runID], nil
}

func (f *fakeStore) VotingRoundsInStatus(ctx context.Context, status store.VotingRoundStatus) ([]*store.VotingRound, error) {
	var out []*store.VotingRound
	for _, vr := range f.rounds {
		if vr.Status == status {
			cp := *vr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendSystemLog(ctx context.Context, entry *store.SystemLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

type dexStub struct{}

func (dexStub) GetAccountInfo(ctx context.Context) (dex.AccountInfo, error) {
	return dex.AccountInfo{AvailableCollateral: 1_000_00000000}, nil
}
func (dexStub) GetOpenPositions(ctx context.Context) ([]dex.Position, error) { return nil, nil }
func (dexStub) GetOraclePrice(ctx context.Context, marketIndex int) (int64, error) {
	return 0, nil
}
func (dexStub) OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (dex.OpenResult, error) {
	return dex.OpenResult{TransactionID: "tx", EntryPrice: 5_000_00000000}, nil
}
func (dexStub) ClosePosition(ctx context.Context, market string) (dex.CloseResult, error) {
	return dex.CloseResult{TransactionID: "tx2", ExitPrice: 5_000_00000000}, nil
}

func newScheduler(st *fakeStore, fc *clock.Fake, cfg Config) *Scheduler {
	bus := broadcast.NewBus()
	o := oracle.New(30*time.Second, 0, 0)
	o.Update("BTC/USDC", "test", oracle.Sample{Value: 5_000_00000000, Source: oracle.SourceDriftOracle, Timestamp: fc.Now()})
	ex := trade.NewExecutor(st, dexStub{}, bus)
	rc := round.New(st, o, ex, bus, fc, nil)
	sm := runstate.New(st, bus)
	return New(st, sm, rc, ex, nil, fc, nil, cfg)
}

func TestDispatchWaitingActivatesRunWithParticipants(t *testing.T) {
	st := newFakeStore()
	fc := clock.NewFake(time.Now())
	run := &store.Run{ID: "run-1", Status: store.RunWaiting, Pair: "BTC/USDC", LobbyCountdown: 10, CreatedAt: fc.Now(), TotalRounds: 1, VotingInterval: 10}
	st.runs[run.ID] = run
	st.participants[pkey(run.ID, "alice")] = &store.Participant{RunID: run.ID, UserID: "alice", Deposit: 50}

	s := newScheduler(st, fc, Config{})
	fc.Advance(11 * time.Second)
	s.Tick(context.Background())

	updated, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunActive, updated.Status)
}

func TestDispatchWaitingCancelsEmptyLobby(t *testing.T) {
	st := newFakeStore()
	fc := clock.NewFake(time.Now())
	run := &store.Run{ID: "run-1", Status: store.RunWaiting, Pair: "BTC/USDC", LobbyCountdown: 10, CreatedAt: fc.Now()}
	st.runs[run.ID] = run
	st.nonTerminal = 1

	s := newScheduler(st, fc, Config{})
	fc.Advance(11 * time.Second)
	s.Tick(context.Background())

	updated, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, updated.Status)
}

func TestRetireCooldownTransitionsToEnded(t *testing.T) {
	st := newFakeStore()
	fc := clock.NewFake(time.Now())
	endedAt := fc.Now()
	run := &store.Run{ID: "run-1", Status: store.RunCooldown, EndedAt: &endedAt}
	st.runs[run.ID] = run

	s := newScheduler(st, fc, Config{CooldownSeconds: 5})
	fc.Advance(6 * time.Second)
	s.Tick(context.Background())

	updated, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunEnded, updated.Status)
}

func TestSettleComputesSharesAndTransitionsToCooldown(t *testing.T) {
	st := newFakeStore()
	fc := clock.NewFake(time.Now())
	run := &store.Run{ID: "run-1", Status: store.RunSettling, StartingPool: 100}
	st.runs[run.ID] = run
	st.participants[pkey(run.ID, "alice")] = &store.Participant{RunID: run.ID, UserID: "alice", Deposit: 100}
	st.trades[run.ID] = []*store.Trade{{RunID: run.ID, Round: 1, PNL: 10}}

	s := newScheduler(st, fc, Config{PlatformFeeBps: 1000})
	s.Tick(context.Background())

	updated, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunCooldown, updated.Status)
	require.NotNil(t, updated.FinalBalance)
	require.EqualValues(t, 110, *updated.FinalBalance)
	require.EqualValues(t, 1, *updated.PlatformFee)

	p, err := st.UpdateParticipant(context.Background(), run.ID, "alice", func(*store.Participant) error { return nil })
	require.NoError(t, err)
	require.NotNil(t, p.FinalShare)
	require.EqualValues(t, 109, *p.FinalShare)
}

// TestSettleAfterActivationIncludesPrincipal drives a run through the
// production WAITING->ACTIVE->SETTLING path instead of injecting
// StartingPool directly, so it would have caught the activation path
// leaving StartingPool at zero and distributing pnl only.
func TestSettleAfterActivationIncludesPrincipal(t *testing.T) {
	st := newFakeStore()
	fc := clock.NewFake(time.Now())
	run := &store.Run{ID: "run-1", Status: store.RunWaiting, Pair: "BTC/USDC", LobbyCountdown: 10, CreatedAt: fc.Now(), TotalRounds: 0, TotalPool: 100}
	st.runs[run.ID] = run
	st.participants[pkey(run.ID, "alice")] = &store.Participant{RunID: run.ID, UserID: "alice", Deposit: 100}

	s := newScheduler(st, fc, Config{PlatformFeeBps: 1000})

	// Tick 1: WAITING -> ACTIVE, StartingPool derived from TotalPool.
	fc.Advance(11 * time.Second)
	s.Tick(context.Background())
	activated, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunActive, activated.Status)
	require.EqualValues(t, 100, activated.StartingPool)

	// Tick 2: ACTIVE -> SETTLING (no voting rounds configured).
	s.Tick(context.Background())
	settling, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSettling, settling.Status)

	// Tick 3: SETTLING -> COOLDOWN, settlement computed off the
	// activation-derived StartingPool rather than a hand-set one.
	s.Tick(context.Background())
	settled, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunCooldown, settled.Status)
	require.NotNil(t, settled.FinalBalance)
	require.EqualValues(t, 100, *settled.FinalBalance)

	p, err := st.UpdateParticipant(context.Background(), run.ID, "alice", func(*store.Participant) error { return nil })
	require.NoError(t, err)
	require.NotNil(t, p.FinalShare)
	require.EqualValues(t, 100, *p.FinalShare)
}

func TestCronDueForAutoCreateWithNoNonTerminalRuns(t *testing.T) {
	st := newFakeStore()
	// Start one tick before a minute boundary so the first Tick (still
	// within the prior minute) sees nothing due, and the second Tick
	// (crossing into the new minute) does.
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 59, 0, time.UTC))
	s := newScheduler(st, fc, Config{CronSchedule: "* * * * *", DefaultRun: runstate.CreateRunConfig{
		Pair: "BTC/USDC", BaseCoin: "USDC", DurationMinutes: 60, VotingInterval: 10,
		MinDeposit: 10, MaxDeposit: 100, MaxParticipants: 10,
	}})
	s.Tick(context.Background())
	require.Empty(t, st.runs)

	fc.Advance(time.Second)
	s.Tick(context.Background())
	require.Len(t, st.runs, 1)
}
