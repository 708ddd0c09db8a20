package dex

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RNG abstracts the chaos source so tests can substitute a seeded
// deterministic generator (§4.4's "seeded-deterministic variant MUST
// be available for replay").
type RNG interface {
	// Float64InRange returns a value in [min, max], step-quantized by
	// the caller.
	Float64InRange(min, max float64) float64
}

// MockAdapter simulates position fills using a reference price instead
// of a live exchange, matching the teacher's paper-broker pattern:
// orders never touch a real venue, but the contract is identical to
// the real implementation.
type MockAdapter struct {
	mu         sync.Mutex
	equity     int64
	referenced func(market string) (int64, error)
	rng        RNG
	open       map[string]Position
	entryTx    map[string]string
}

// NewMockAdapter constructs a MockAdapter seeded with equity and a
// reference-price lookup (typically oracle.Latest).
func NewMockAdapter(startingEquity int64, referencePrice func(market string) (int64, error), rng RNG) *MockAdapter {
	return &MockAdapter{
		equity:     startingEquity,
		referenced: referencePrice,
		rng:        rng,
		open:       make(map[string]Position),
		entryTx:    make(map[string]string),
	}
}

// MathRNG is the production entropy source for the mock adapter's
// simulated fills, backed by the standard library's math/rand.
type MathRNG struct{}

func (MathRNG) Float64InRange(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rand.Float64()*(max-min)
}

func (m *MockAdapter) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return AccountInfo{EquitySmallestUnit: m.equity, AvailableCollateral: m.equity}, nil
}

func (m *MockAdapter) GetOpenPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockAdapter) GetOraclePrice(ctx context.Context, marketIndex int) (int64, error) {
	return 0, fmt.Errorf("dex: mock adapter has no market index table")
}

func (m *MockAdapter) OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (OpenResult, error) {
	price, err := m.referenced(market)
	if err != nil {
		return OpenResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[market] = Position{Market: market, Direction: direction, BaseAmount: baseAmount, Leverage: leverage, EntryPrice: price}
	txID := uuid.NewString()
	m.entryTx[market] = txID
	return OpenResult{TransactionID: txID, EntryPrice: price}, nil
}

func (m *MockAdapter) ClosePosition(ctx context.Context, market string) (CloseResult, error) {
	m.mu.Lock()
	pos, ok := m.open[market]
	if !ok {
		m.mu.Unlock()
		return CloseResult{}, fmt.Errorf("dex: no open position on %s", market)
	}
	delete(m.open, market)
	m.mu.Unlock()

	price, err := m.referenced(market)
	if err != nil {
		return CloseResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// Simulate a move of up to ±10% from the current reference price, signed by direction:
	// a LONG benefits from an upward move, a SHORT from a downward one.
	movePct := m.rng.Float64InRange(0, 0.10)
	sign := 1.0
	if direction := pos.Direction; direction == "SHORT" {
		sign = -1.0
	}
	exit := applyPercentMove(price, sign*movePct)

	pnl := computeMockPNL(pos, price, exit)

	m.mu.Lock()
	m.equity += pnl
	m.mu.Unlock()

	return CloseResult{TransactionID: uuid.NewString(), ExitPrice: exit, RealizedPNL: pnl}, nil
}

func applyPercentMove(price int64, frac float64) int64 {
	delta := decimal.NewFromInt(price).Mul(decimal.NewFromFloat(frac))
	return price + delta.Round(0).IntPart()
}

// computeMockPNL derives pnl from leverage and base size as if the
// fill were real, matching §4.4's mock-mode requirement that the
// Trade shape be identical to a real trade. The base size already
// carries the leverage, so pnl is baseAmount × (exit − entry), negated
// for a SHORT.
func computeMockPNL(pos Position, entry, exit int64) int64 {
	priceDelta := decimal.NewFromInt(exit - entry)
	if pos.Direction == "SHORT" {
		priceDelta = priceDelta.Neg()
	}
	pnl := pos.BaseAmount.Mul(priceDelta)
	return pnl.Round(0).IntPart()
}
