package chain

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solpool/poolrund/crypto"
	"github.com/solpool/poolrund/ledger"
	"github.com/solpool/poolrund/store"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []Instruction
	accounts map[[32]byte]bool
	failNext error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{accounts: make(map[[32]byte]bool)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, instruction Instruction, programID string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	f.calls = append(f.calls, instruction)
	return "tx-" + string(instruction), nil
}

func (f *fakeSubmitter) AccountExists(ctx context.Context, pda [32]byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[pda], nil
}

func newTestAdapter(t *testing.T, sub Submitter) *Adapter {
	t.Helper()
	signer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	intents := ledger.NewIntentLedger(ledger.NewMemKV())
	return NewAdapter("test-program", sub, signer, intents)
}

func TestCreateRunSkipsSubmitWhenAccountAlreadyExists(t *testing.T) {
	sub := newFakeSubmitter()
	a := newTestAdapter(t, sub)

	pda := RunPDA("test-program", 7)
	sub.accounts[pda] = true

	txID, err := a.CreateRun(context.Background(), "run-1", 7, 10, 100, 50)
	require.NoError(t, err)
	require.Equal(t, HexPDA(pda), txID)
	require.Empty(t, sub.calls, "must not resubmit create_run for an existing account")
}

func TestCreateRunSubmitsAndRecordsIntentWhenAccountMissing(t *testing.T) {
	sub := newFakeSubmitter()
	a := newTestAdapter(t, sub)

	txID, err := a.CreateRun(context.Background(), "run-1", 7, 10, 100, 50)
	require.NoError(t, err)
	require.Equal(t, "tx-create_run", txID)
	require.Equal(t, []Instruction{CreateRun}, sub.calls)

	pending, err := a.PendingForRun("run-1")
	require.NoError(t, err)
	require.Empty(t, pending, "intent must be marked complete once submit succeeds")
}

func TestRecordTradeAndSettleRunIssueDistinctInstructions(t *testing.T) {
	sub := newFakeSubmitter()
	a := newTestAdapter(t, sub)

	trade := &store.Trade{RunID: "run-1", Round: 3, Direction: store.DirLong, Leverage: 50, EntryPrice: 1000, PNL: 25}
	_, err := a.RecordTrade(context.Background(), "run-1", 7, 3, trade)
	require.NoError(t, err)

	_, err = a.SettleRun(context.Background(), "run-1", 7, 1_000_000, map[string]int64{"user-1": 500_000})
	require.NoError(t, err)

	require.Equal(t, []Instruction{RecordTrade, SettleRun}, sub.calls)
}

func TestSyncIssuesCreateRunThenCreateRunVault(t *testing.T) {
	sub := newFakeSubmitter()
	a := newTestAdapter(t, sub)

	run := &store.Run{ID: "run-1", NumericID: 7, MinDeposit: 10, MaxDeposit: 100, MaxParticipants: 50}
	require.NoError(t, a.Sync(context.Background(), run))
	require.Equal(t, []Instruction{CreateRun, CreateRunVault}, sub.calls)
}

func TestRunPDAIsDeterministic(t *testing.T) {
	a := RunPDA("program-a", 42)
	b := RunPDA("program-a", 42)
	c := RunPDA("program-a", 43)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
