package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatestMedianAcrossFeeds(t *testing.T) {
	o := New(30*time.Second, 0.1, 0)
	now := time.Now().UTC()

	o.Update("BTC/USDC", "drift-oracle", Sample{Value: 6_000_000_000_000, Source: SourceDriftOracle, Timestamp: now})
	o.Update("BTC/USDC", "binance-rest", Sample{Value: 6_010_000_000_000, Source: SourceBinanceREST, Timestamp: now})

	quote, err := o.Latest("BTC/USDC", now)
	require.NoError(t, err)
	require.Equal(t, int64(6_005_000_000_000), quote.Price)
}

func TestLatestRejectsStaleSamples(t *testing.T) {
	o := New(30*time.Second, 0.1, 0)
	now := time.Now().UTC()
	o.Update("BTC/USDC", "drift-oracle", Sample{Value: 6_000_000_000_000, Source: SourceDriftOracle, Timestamp: now.Add(-31 * time.Second)})

	_, err := o.Latest("BTC/USDC", now)
	require.ErrorIs(t, err, ErrStale)
}

func TestLatestFiltersOutlierFeeds(t *testing.T) {
	o := New(30*time.Second, 0.02, 0)
	now := time.Now().UTC()

	o.Update("BTC/USDC", "a", Sample{Value: 6_000_000_000_000, Source: SourceDriftOracle, Timestamp: now})
	o.Update("BTC/USDC", "b", Sample{Value: 6_001_000_000_000, Source: SourceBinanceREST, Timestamp: now})
	o.Update("BTC/USDC", "c", Sample{Value: 9_000_000_000_000, Source: SourceBinanceWS, Timestamp: now})

	quote, err := o.Latest("BTC/USDC", now)
	require.NoError(t, err)
	require.InDelta(t, 6_000_500_000_000, quote.Price, 1_000_000_000)
}

func TestLatestTripsCircuitBreakerOnJump(t *testing.T) {
	o := New(30*time.Second, 0, 0.05)
	now := time.Now().UTC()

	o.Update("BTC/USDC", "a", Sample{Value: 6_000_000_000_000, Source: SourceDriftOracle, Timestamp: now})
	_, err := o.Latest("BTC/USDC", now)
	require.NoError(t, err)

	later := now.Add(time.Second)
	o.Update("BTC/USDC", "a", Sample{Value: 9_000_000_000_000, Source: SourceDriftOracle, Timestamp: later})
	_, err = o.Latest("BTC/USDC", later)
	require.ErrorIs(t, err, ErrPriceUnavailable)
}
