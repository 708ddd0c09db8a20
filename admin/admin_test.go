package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solpool/poolrund/runstate"
	"github.com/solpool/poolrund/store"
)

type fakeStore struct {
	store.Store
	runs        map[string]*store.Run
	nonTerminal int
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]*store.Run)}
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
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

func (f *fakeStore) AppendSystemLog(ctx context.Context, entry *store.SystemLog) error { return nil }

func validConfig() runstate.CreateRunConfig {
	return runstate.CreateRunConfig{
		Pair: "BTC/USDC", BaseCoin: "USDC",
		DurationMinutes: 60, VotingInterval: 20,
		MinDeposit: 10, MaxDeposit: 100, MaxParticipants: 10,
	}
}

func TestCreateRunBlockedWhilePaused(t *testing.T) {
	st := newFakeStore()
	sm := runstate.New(st, nil)
	c := New(st, sm, nil, nil)

	c.PausePlatform()
	_, err := c.CreateRun(context.Background(), validConfig())
	require.ErrorIs(t, err, ErrPlatformPaused)

	c.UnpausePlatform()
	_, err = c.CreateRun(context.Background(), validConfig())
	require.NoError(t, err)
}

func TestForceSettleIsIdempotent(t *testing.T) {
	st := newFakeStore()
	sm := runstate.New(st, nil)
	c := New(st, sm, nil, nil)

	run := &store.Run{ID: "run-1", Status: store.RunActive, TotalRounds: 3, CreatedAt: time.Now()}
	st.runs[run.ID] = run

	err := c.ForceSettle(context.Background(), run.ID)
	require.NoError(t, err)
	updated, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSettling, updated.Status)
	require.Equal(t, 3, updated.CurrentRound)

	err = c.ForceSettle(context.Background(), run.ID)
	require.NoError(t, err)
}

func TestForceSettleRejectsNonActiveRun(t *testing.T) {
	st := newFakeStore()
	sm := runstate.New(st, nil)
	c := New(st, sm, nil, nil)

	run := &store.Run{ID: "run-1", Status: store.RunWaiting}
	st.runs[run.ID] = run

	err := c.ForceSettle(context.Background(), run.ID)
	require.Error(t, err)
}
