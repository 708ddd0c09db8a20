package oracle

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Feed fetches a single fresh sample for symbol from one upstream
// (on-chain perp oracle, exchange websocket or REST fallback).
type Feed interface {
	Name() string
	Poll(ctx context.Context, symbol string) (Sample, error)
}

// MinPollRate is the floor the spec requires: the oracle must poll or
// subscribe at ≥0.5 Hz.
const MinPollRate = 0.5

// Poller drives one Feed on a rate-limited loop and writes every
// successful sample into an Oracle. The limiter governs the maximum
// poll rate the same way gateway/middleware's request rate limiter
// governs client traffic; here it protects the upstream feed.
type Poller struct {
	oracle  *Oracle
	feed    Feed
	symbols []string
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewPoller constructs a Poller. hz is clamped to at least MinPollRate.
func NewPoller(o *Oracle, feed Feed, symbols []string, hz float64, log *slog.Logger) *Poller {
	if hz < MinPollRate {
		hz = MinPollRate
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		oracle:  o,
		feed:    feed,
		symbols: symbols,
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
		log:     log,
	}
}

// Run polls every tracked symbol until ctx is cancelled, pacing itself
// through the limiter so a misbehaving feed can never be hammered
// faster than the configured rate.
func (p *Poller) Run(ctx context.Context) {
	for {
		for _, symbol := range p.symbols {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			sample, err := p.feed.Poll(ctx, symbol)
			if err != nil {
				p.log.Warn("oracle feed poll failed", "feed", p.feed.Name(), "symbol", symbol, "error", err)
				continue
			}
			p.oracle.Update(symbol, p.feed.Name(), sample)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// StaleAfter reports whether t is older than d relative to now,
// matching the 30s staleness bound the round controller enforces at
// round-open time.
func StaleAfter(t, now time.Time, d time.Duration) bool {
	return now.Sub(t) > d
}
