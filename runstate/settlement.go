package runstate

import (
	"context"
	"fmt"
	"sort"

	"github.com/solpool/poolrund/store"
)

// computeSettlement sums realized pnl across every Trade for run,
// derives the platform fee from positive delta only, and splits the
// distributable remainder pro-rata by deposit. Shares are assigned by
// largest-remainder so the sum always reconciles exactly to
// distributable, with any rounding dust going to the participants with
// the largest fractional remainders.
func computeSettlement(ctx context.Context, st store.Store, run *store.Run, platformFeeBps int) (finalBalance, fee int64, shares map[string]int64, err error) {
	trades, err := st.ListTrades(ctx, run.ID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("list trades: %w", err)
	}
	var pnlSum int64
	for _, t := range trades {
		pnlSum += t.PNL
	}
	finalBalance = run.StartingPool + pnlSum
	if finalBalance < run.StartingPool {
		fee = 0
	} else {
		delta := finalBalance - run.StartingPool
		fee = delta * int64(platformFeeBps) / 10000
	}
	distributable := finalBalance - fee

	participants, err := st.ListParticipants(ctx, run.ID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("list participants: %w", err)
	}
	shares = ComputeShares(distributable, participants)
	return finalBalance, fee, shares, nil
}

// ComputeShares splits pool pro-rata by each participant's deposit,
// using the largest-remainder method so the sum of shares equals pool
// exactly. Exported for reuse by the scheduler's normal settlement path.
func ComputeShares(pool int64, participants []*store.Participant) map[string]int64 {
	shares := make(map[string]int64, len(participants))
	if len(participants) == 0 || pool == 0 {
		for _, p := range participants {
			shares[p.UserID] = 0
		}
		return shares
	}

	var totalDeposit int64
	for _, p := range participants {
		totalDeposit += p.Deposit
	}
	if totalDeposit == 0 {
		return shares
	}

	type remainder struct {
		userID string
		rem    int64
	}
	remainders := make([]remainder, 0, len(participants))
	var assigned int64
	for _, p := range participants {
		raw := pool * p.Deposit
		base := raw / totalDeposit
		rem := raw % totalDeposit
		shares[p.UserID] = base
		assigned += base
		remainders = append(remainders, remainder{userID: p.UserID, rem: rem})
	}

	leftover := pool - assigned
	sort.SliceStable(remainders, func(i, j int) bool { return remainders[i].rem > remainders[j].rem })
	for i := int64(0); i < leftover; i++ {
		shares[remainders[i%int64(len(remainders))].userID]++
	}
	return shares
}
