package trade

import (
	"context"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/solpool/poolrund/dex"
	"github.com/solpool/poolrund/store"
)

type fakeDex struct {
	accountInfo dex.AccountInfo
	openErr     error
	closeErr    error
	openResult  dex.OpenResult
	closeResult dex.CloseResult
	opened      []string
	closed      []string
}

func (f *fakeDex) GetAccountInfo(ctx context.Context) (dex.AccountInfo, error) {
	return f.accountInfo, nil
}
func (f *fakeDex) GetOpenPositions(ctx context.Context) ([]dex.Position, error) { return nil, nil }
func (f *fakeDex) GetOraclePrice(ctx context.Context, marketIndex int) (int64, error) {
	return 0, nil
}
func (f *fakeDex) OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (dex.OpenResult, error) {
	if f.openErr != nil {
		return dex.OpenResult{}, f.openErr
	}
	f.opened = append(f.opened, market)
	return f.openResult, nil
}
func (f *fakeDex) ClosePosition(ctx context.Context, market string) (dex.CloseResult, error) {
	if f.closeErr != nil {
		return dex.CloseResult{}, f.closeErr
	}
	f.closed = append(f.closed, market)
	return f.closeResult, nil
}

type memStore struct {
	store.Store
	trades map[string]*store.Trade
}

func newMemStore() *memStore { return &memStore{trades: make(map[string]*store.Trade)} }

func tradeKey(runID string, round int) string {
	return runID + "#" + strconv.Itoa(round)
}

func (m *memStore) CreateTrade(ctx context.Context, t *store.Trade) error {
	cp := *t
	m.trades[tradeKey(t.RunID, t.Round)] = &cp
	return nil
}

func (m *memStore) GetTrade(ctx context.Context, runID string, round int) (*store.Trade, error) {
	t, ok := m.trades[tradeKey(runID, round)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) UpdateTrade(ctx context.Context, runID string, round int, mutate func(*store.Trade) error) (*store.Trade, error) {
	t, ok := m.trades[tradeKey(runID, round)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func testRun() *store.Run {
	return &store.Run{ID: "run-1", NumericID: 42, Pair: "BTC/USDC"}
}

func TestOpenRoundSkipWritesZeroedTrade(t *testing.T) {
	st := newMemStore()
	fd := &fakeDex{}
	ex := NewExecutor(st, fd, nil)

	trade, err := ex.OpenRound(context.Background(), testRun(), 1, store.DirSkip, 5_000_00000000)
	require.NoError(t, err)
	require.EqualValues(t, 0, trade.Leverage)
	require.EqualValues(t, 0, trade.PositionSizePercent)
	require.Equal(t, int64(5_000_00000000), trade.EntryPrice)
	require.NotNil(t, trade.ExitPrice)
	require.Equal(t, int64(5_000_00000000), *trade.ExitPrice)
	require.Zero(t, trade.PNL)
	require.False(t, ex.HasOpenPosition(testRun().ID))
}

func TestOpenRoundDrawsChaosAndOpensPosition(t *testing.T) {
	st := newMemStore()
	fd := &fakeDex{
		accountInfo: dex.AccountInfo{AvailableCollateral: 10_000_00000000},
		openResult:  dex.OpenResult{TransactionID: "tx-1", EntryPrice: 5_000_00000000},
	}
	ex := NewExecutor(st, fd, nil, WithChaosSource(DeterministicChaos{}))

	run := testRun()
	trade, err := ex.OpenRound(context.Background(), run, 1, store.DirLong, 5_000_00000000)
	require.NoError(t, err)
	require.True(t, trade.Leverage >= 10 && trade.Leverage <= 200)
	require.True(t, trade.PositionSizePercent >= 10 && trade.PositionSizePercent <= 100)
	require.Equal(t, int64(5_000_00000000), trade.EntryPrice)
	require.True(t, ex.HasOpenPosition(run.ID))
	require.Len(t, fd.opened, 1)
	require.Equal(t, "BTC-PERP", fd.opened[0])
}

func TestOpenRoundRejectsSecondConcurrentPosition(t *testing.T) {
	st := newMemStore()
	fd := &fakeDex{accountInfo: dex.AccountInfo{AvailableCollateral: 10_000_00000000}}
	ex := NewExecutor(st, fd, nil, WithChaosSource(DeterministicChaos{}))
	run := testRun()

	_, err := ex.OpenRound(context.Background(), run, 1, store.DirLong, 5_000_00000000)
	require.NoError(t, err)

	_, err = ex.OpenRound(context.Background(), run, 2, store.DirShort, 5_000_00000000)
	require.Error(t, err)
}

func TestCloseRoundUpdatesTradeWithExitAndPNL(t *testing.T) {
	st := newMemStore()
	fd := &fakeDex{
		accountInfo: dex.AccountInfo{AvailableCollateral: 10_000_00000000},
		openResult:  dex.OpenResult{TransactionID: "tx-1", EntryPrice: 5_000_00000000},
		closeResult: dex.CloseResult{TransactionID: "tx-2", ExitPrice: 5_250_00000000, RealizedPNL: 25_00000000},
	}
	ex := NewExecutor(st, fd, nil, WithChaosSource(DeterministicChaos{}))
	run := testRun()

	_, err := ex.OpenRound(context.Background(), run, 1, store.DirLong, 5_000_00000000)
	require.NoError(t, err)

	trade, err := ex.CloseRound(context.Background(), run)
	require.NoError(t, err)
	require.NotNil(t, trade)
	require.NotNil(t, trade.ExitPrice)
	require.Equal(t, int64(5_250_00000000), *trade.ExitPrice)
	require.Equal(t, int64(25_00000000), trade.PNL)
	require.False(t, ex.HasOpenPosition(run.ID))
	require.Len(t, fd.closed, 1)
}

func TestCloseRoundNoOpWhenNothingOpen(t *testing.T) {
	st := newMemStore()
	fd := &fakeDex{}
	ex := NewExecutor(st, fd, nil)
	trade, err := ex.CloseRound(context.Background(), testRun())
	require.NoError(t, err)
	require.Nil(t, trade)
}

func TestDeterministicChaosReproducesDraw(t *testing.T) {
	c := DeterministicChaos{}
	seed := Seed(42, 1)
	l1, p1 := c.Draw(seed)
	l2, p2 := c.Draw(seed)
	require.True(t, l1.Equal(l2))
	require.True(t, p1.Equal(p2))
}
