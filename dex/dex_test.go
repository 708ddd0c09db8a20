package dex

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixedRNG struct{ v float64 }

func (f fixedRNG) Float64InRange(min, max float64) float64 { return f.v }

func TestMarketSymbolFromPair(t *testing.T) {
	require.Equal(t, "BTC-PERP", MarketSymbolFromPair("BTC/USDC"))
	require.Equal(t, "ETH-PERP", MarketSymbolFromPair("ETH/USDC"))
	require.Equal(t, "SOL-PERP", MarketSymbolFromPair("SOL"))
}

func referencePriceFixed(value int64) func(string) (int64, error) {
	return func(string) (int64, error) { return value, nil }
}

func TestMockAdapterOpenPositionUsesReferencePrice(t *testing.T) {
	a := NewMockAdapter(1_000_00000000, referencePriceFixed(5_000_00000000), fixedRNG{v: 0.05})
	res, err := a.OpenPosition(context.Background(), "BTC-PERP", "LONG", decimal.NewFromFloat(0.5), decimal.NewFromFloat(3.0))
	require.NoError(t, err)
	require.Equal(t, int64(5_000_00000000), res.EntryPrice)
	require.NotEmpty(t, res.TransactionID)

	positions, err := a.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "BTC-PERP", positions[0].Market)
}

func TestMockAdapterClosePositionAppliesSignedMove(t *testing.T) {
	a := NewMockAdapter(1_000_00000000, referencePriceFixed(100_00000000), fixedRNG{v: 0.10})
	_, err := a.OpenPosition(context.Background(), "BTC-PERP", "LONG", decimal.NewFromFloat(1), decimal.NewFromFloat(1))
	require.NoError(t, err)

	res, err := a.ClosePosition(context.Background(), "BTC-PERP")
	require.NoError(t, err)
	// LONG with a +10% favorable move should realize a positive pnl.
	require.Greater(t, res.RealizedPNL, int64(0))
	require.Equal(t, int64(110_00000000), res.ExitPrice)
}

func TestMockAdapterClosePositionShortGainsOnDownwardMove(t *testing.T) {
	a := NewMockAdapter(1_000_00000000, referencePriceFixed(100_00000000), fixedRNG{v: 0.10})
	_, err := a.OpenPosition(context.Background(), "BTC-PERP", "SHORT", decimal.NewFromFloat(1), decimal.NewFromFloat(1))
	require.NoError(t, err)

	res, err := a.ClosePosition(context.Background(), "BTC-PERP")
	require.NoError(t, err)
	// SHORT is signed by -movePct, so a positive movePct lowers the exit price
	// and the position gains, matching the mock's direction-aware simulation.
	require.Equal(t, int64(90_00000000), res.ExitPrice)
	require.Greater(t, res.RealizedPNL, int64(0))
}

func TestMockAdapterClosePositionWithoutOpenFails(t *testing.T) {
	a := NewMockAdapter(0, referencePriceFixed(1), fixedRNG{v: 0})
	_, err := a.ClosePosition(context.Background(), "BTC-PERP")
	require.Error(t, err)
}
