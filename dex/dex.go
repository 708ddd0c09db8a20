// Package dex implements the DEX Adapter: a capability interface for
// opening/closing perp positions on the shared trading account, with
// a real implementation and a mock implementation satisfying the
// identical contract, selected once at wiring time.
package dex

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoSubaccount is returned by the real adapter on startup when the
// trading subaccount cannot be verified or initialized; the caller
// boots in mock mode with a loud SystemLog warning per §4.7.
var ErrNoSubaccount = errors.New("dex: trading subaccount unavailable")

// ErrTransient marks a failure the round controller should retry.
var ErrTransient = errors.New("dex: transient failure")

// Position is one open perp position on the shared account.
type Position struct {
	Market     string
	Direction  string // LONG or SHORT
	BaseAmount decimal.Decimal
	Leverage   decimal.Decimal
	EntryPrice int64
}

// AccountInfo reports the shared trading account's current equity.
type AccountInfo struct {
	EquitySmallestUnit int64
	AvailableCollateral int64
}

// OpenResult is returned by OpenPosition.
type OpenResult struct {
	TransactionID string
	EntryPrice    int64
}

// CloseResult is returned by ClosePosition.
type CloseResult struct {
	TransactionID string
	ExitPrice     int64
	RealizedPNL   int64
}

// Adapter is the capability contract both the real and mock DEX
// implementations satisfy identically; callers select an
// implementation at wiring time and never branch on mode afterward.
type Adapter interface {
	// GetAccountInfo returns the shared account's current equity/collateral.
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
	// GetOpenPositions lists open positions on the shared account.
	GetOpenPositions(ctx context.Context) ([]Position, error)
	// GetOraclePrice returns the DEX's own view of the market price,
	// used as a cross-check distinct from the Price Oracle subsystem.
	GetOraclePrice(ctx context.Context, marketIndex int) (int64, error)
	// OpenPosition opens a position in direction with the given base
	// asset amount and leverage; slippage tolerance is fixed at 0.1%.
	OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (OpenResult, error)
	// ClosePosition closes the open position on market, if any.
	ClosePosition(ctx context.Context, market string) (CloseResult, error)
}

// Mode selects which Adapter implementation the orchestrator runs.
type Mode string

const (
	ModeReal Mode = "real"
	ModeMock Mode = "mock"
)

// MarketSymbolFromPair derives the DEX market symbol from a trading
// pair string, e.g. "BTC/USDC" -> "BTC-PERP".
func MarketSymbolFromPair(pair string) string {
	base, _, found := strings.Cut(pair, "/")
	if !found {
		return pair + "-PERP"
	}
	return base + "-PERP"
}

// StalenessGuard bounds how long OpenPosition/ClosePosition are
// allowed to take before the caller should treat them as transient.
const StalenessGuard = 20 * time.Second
