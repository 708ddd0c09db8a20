package round

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
	"github.com/solpool/poolrund/store"
	"github.com/solpool/poolrund/trade"
)

type fakeStore struct {
	store.Store
	rounds map[string]*store.VotingRound
	votes  map[string][]*store.Vote
	runs   map[string]*store.Run
	logs   []*store.SystemLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{rounds: make(map[string]*store.VotingRound), votes: make(map[string][]*store.Vote), runs: make(map[string]*store.Run)}
}

func roundKey(runID string, round int) string { return runID + "/" + string(rune('0'+round)) }

func (f *fakeStore) CreateVotingRound(ctx context.Context, vr *store.VotingRound) error {
	cp := *vr
	f.rounds[roundKey(vr.RunID, vr.Round)] = &cp
	return nil
}

func (f *fakeStore) GetVotingRound(ctx context.Context, runID string, round int) (*store.VotingRound, error) {
	vr, ok := f.rounds[roundKey(runID, round)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *vr
	return &cp, nil
}

func (f *fakeStore) UpdateVotingRound(ctx context.Context, runID string, round int, mutate func(*store.VotingRound) error) (*store.VotingRound, error) {
	vr, ok := f.rounds[roundKey(runID, round)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := mutate(vr); err != nil {
		return nil, err
	}
	cp := *vr
	return &cp, nil
}

func (f *fakeStore) ListVotes(ctx context.Context, runID string, round int) ([]*store.Vote, error) {
	return f.votes[roundKey(runID, round)], nil
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

func (f *fakeStore) AppendSystemLog(ctx context.Context, entry *store.SystemLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

type dexStub struct{}

func (dexStub) GetAccountInfo(ctx context.Context) (dex.AccountInfo, error) {
	return dex.AccountInfo{AvailableCollateral: 1_000_00000000}, nil
}
func (dexStub) GetOpenPositions(ctx context.Context) ([]dex.Position, error) { return nil, nil }
func (dexStub) GetOraclePrice(ctx context.Context, marketIndex int) (int64, error) { return 0, nil }
func (dexStub) OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (dex.OpenResult, error) {
	return dex.OpenResult{TransactionID: "tx", EntryPrice: 5_000_00000000}, nil
}
func (dexStub) ClosePosition(ctx context.Context, market string) (dex.CloseResult, error) {
	return dex.CloseResult{TransactionID: "tx2", ExitPrice: 5_000_00000000}, nil
}

func TestMajorityPicksUniqueWinner(t *testing.T) {
	require.Equal(t, store.DirLong, majority(store.VoteDistribution{Long: 3, Short: 1, Skip: 0}))
	require.Equal(t, store.DirShort, majority(store.VoteDistribution{Long: 1, Short: 3, Skip: 0}))
}

func TestMajorityTieDegradesToSkip(t *testing.T) {
	require.Equal(t, store.DirSkip, majority(store.VoteDistribution{Long: 2, Short: 2, Skip: 0}))
	require.Equal(t, store.DirSkip, majority(store.VoteDistribution{Long: 0, Short: 0, Skip: 0}))
}

func TestAdvanceOpensFirstRound(t *testing.T) {
	st := newFakeStore()
	run := &store.Run{ID: "run-1", NumericID: 1, Pair: "BTC/USDC", TotalRounds: 3, VotingInterval: 10}
	st.runs[run.ID] = run

	o := oracle.New(30*time.Second, 0, 0)
	o.Update("BTC/USDC", "test", oracle.Sample{Value: 5_000_00000000, Source: oracle.SourceDriftOracle, Timestamp: time.Now()})

	bus := broadcast.NewBus()
	fc := clock.NewFake(time.Now())
	ctrl := New(st, o, trade.NewExecutor(st, dexStub{}, bus), bus, fc, nil)

	updated, err := ctrl.Advance(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, 0, updated.CurrentRound)

	vr, err := st.GetVotingRound(context.Background(), run.ID, 1)
	require.NoError(t, err)
	require.Equal(t, store.RoundOpen, vr.Status)
	require.Equal(t, int64(5_000_00000000), vr.CurrentPrice)
}

func TestAdvanceDegradesOnOracleStale(t *testing.T) {
	st := newFakeStore()
	run := &store.Run{ID: "run-2", NumericID: 2, Pair: "ETH/USDC", TotalRounds: 2, VotingInterval: 10}
	st.runs[run.ID] = run

	o := oracle.New(30*time.Second, 0, 0) // no samples ever published -> ErrPriceUnavailable

	bus := broadcast.NewBus()
	fc := clock.NewFake(time.Now())
	ctrl := New(st, o, trade.NewExecutor(st, dexStub{}, bus), bus, fc, nil)

	updated, err := ctrl.Advance(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, run.TotalRounds, updated.CurrentRound)
}
