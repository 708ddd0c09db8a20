package runstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solpool/poolrund/store"
)

type fakeStore struct {
	store.Store
	runs         map[string]*store.Run
	participants map[string]*store.Participant
	votes        map[string]*store.Vote
	rounds       map[string]*store.VotingRound
	trades       map[string][]*store.Trade
	logs         []*store.SystemLog
	nonTerminal  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:         make(map[string]*store.Run),
		participants: make(map[string]*store.Participant),
		votes:        make(map[string]*store.Vote),
		rounds:       make(map[string]*store.VotingRound),
		trades:       make(map[string][]*store.Trade),
	}
}

func pkey(runID, userID string) string { return runID + "/" + userID }
func vkey(runID, userID string, round int) string {
	return runID + "/" + userID + "/" + string(rune('0'+round))
}

func (f *fakeStore) CreateRun(ctx context.Context, run *store.Run) error {
	if f.nonTerminal > 0 {
		return store.ErrConflict
	}
	f.runs[run.ID] = run
	f.nonTerminal++
	return nil
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

func (f *fakeStore) IncrementTotalPool(ctx context.Context, runID string, delta int64) (int64, error) {
	r, ok := f.runs[runID]
	if !ok {
		return 0, store.ErrNotFound
	}
	r.TotalPool += delta
	return r.TotalPool, nil
}

func (f *fakeStore) CreateParticipant(ctx context.Context, p *store.Participant) error {
	cp := *p
	f.participants[pkey(p.RunID, p.UserID)] = &cp
	return nil
}

func (f *fakeStore) GetParticipant(ctx context.Context, runID, userID string) (*store.Participant, error) {
	p, ok := f.participants[pkey(runID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListParticipants(ctx context.Context, runID string) ([]*store.Participant, error) {
	var out []*store.Participant
	for _, p := range f.participants {
		if p.RunID == runID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CountParticipants(ctx context.Context, runID string) (int, error) {
	n := 0
	for _, p := range f.participants {
		if p.RunID == runID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteParticipant(ctx context.Context, runID, userID string) error {
	delete(f.participants, pkey(runID, userID))
	return nil
}

func (f *fakeStore) UpdateParticipant(ctx context.Context, runID, userID string, mutate func(*store.Participant) error) (*store.Participant, error) {
	p, ok := f.participants[pkey(runID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetVotingRound(ctx context.Context, runID string, round int) (*store.VotingRound, error) {
	vr, ok := f.rounds[roundKeyFor(runID, round)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *vr
	return &cp, nil
}

func roundKeyFor(runID string, round int) string { return runID + "#" + string(rune('0'+round)) }

func (f *fakeStore) CreateVote(ctx context.Context, v *store.Vote) error {
	cp := *v
	f.votes[vkey(v.RunID, v.UserID, v.Round)] = &cp
	return nil
}

func (f *fakeStore) GetVote(ctx context.Context, runID, userID string, round int) (*store.Vote, error) {
	v, ok := f.votes[vkey(runID, userID, round)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) ListVotes(ctx context.Context, runID string, round int) ([]*store.Vote, error) {
	var out []*store.Vote
	for _, v := range f.votes {
		if v.RunID == runID && v.Round == round {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListTrades(ctx context.Context, runID string) ([]*store.Trade, error) {
	return f.trades[runID], nil
}

func (f *fakeStore) AppendSystemLog(ctx context.Context, entry *store.SystemLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

func validConfig() CreateRunConfig {
	return CreateRunConfig{
		Pair: "BTC/USDC", BaseCoin: "USDC",
		DurationMinutes: 60, VotingInterval: 20,
		MinDeposit: 10, MaxDeposit: 100, MaxParticipants: 10,
	}
}

func TestCreateRunValidatesPair(t *testing.T) {
	sm := New(newFakeStore(), nil)
	cfg := validConfig()
	cfg.Pair = "btcusdc"
	_, err := sm.CreateRun(context.Background(), cfg)
	require.Error(t, err)
}

func TestCreateRunSucceedsAndDefaultsLobbyCountdown(t *testing.T) {
	sm := New(newFakeStore(), nil)
	run, err := sm.CreateRun(context.Background(), validConfig())
	require.NoError(t, err)
	require.Equal(t, store.RunWaiting, run.Status)
	require.Equal(t, defaultLobbySeconds, run.LobbyCountdown)
	require.Equal(t, 3, run.TotalRounds)
}

func TestCreateRunRejectsWhileNonTerminalExists(t *testing.T) {
	st := newFakeStore()
	sm := New(st, nil)
	_, err := sm.CreateRun(context.Background(), validConfig())
	require.NoError(t, err)

	_, err = sm.CreateRun(context.Background(), validConfig())
	require.Error(t, err)
}

func TestNumericIDsAreStrictlyMonotonic(t *testing.T) {
	var gen numericIDGen
	fixed := time.Now()
	a := gen.next(fixed)
	b := gen.next(fixed)
	require.Less(t, a, b)
}

func TestJoinEnforcesDepositRangeAndCapacity(t *testing.T) {
	st := newFakeStore()
	sm := New(st, nil)
	run, err := sm.CreateRun(context.Background(), validConfig())
	require.NoError(t, err)

	_, err = sm.Join(context.Background(), run.ID, "alice", 5, "")
	require.Error(t, err)

	p, err := sm.Join(context.Background(), run.ID, "alice", 50, "")
	require.NoError(t, err)
	require.Equal(t, int64(50), p.Deposit)

	_, err = sm.Join(context.Background(), run.ID, "alice", 50, "")
	require.Error(t, err)
}

func TestLeaveReversesJoin(t *testing.T) {
	st := newFakeStore()
	sm := New(st, nil)
	run, err := sm.CreateRun(context.Background(), validConfig())
	require.NoError(t, err)

	_, err = sm.Join(context.Background(), run.ID, "alice", 50, "")
	require.NoError(t, err)

	err = sm.Leave(context.Background(), run.ID, "alice")
	require.NoError(t, err)

	updated, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Zero(t, updated.TotalPool)

	_, err = sm.Join(context.Background(), run.ID, "alice", 50, "")
	require.NoError(t, err)
}

func TestVoteRejectsDuplicateAndNonParticipant(t *testing.T) {
	st := newFakeStore()
	run := &store.Run{ID: "run-1", Status: store.RunActive}
	st.runs[run.ID] = run
	st.rounds[roundKeyFor(run.ID, 1)] = &store.VotingRound{RunID: run.ID, Round: 1, Status: store.RoundOpen}
	sm := New(st, nil)

	err := sm.Vote(context.Background(), run.ID, "alice", 1, store.DirLong)
	require.Error(t, err)

	st.participants[pkey(run.ID, "alice")] = &store.Participant{RunID: run.ID, UserID: "alice"}
	err = sm.Vote(context.Background(), run.ID, "alice", 1, store.DirLong)
	require.NoError(t, err)

	err = sm.Vote(context.Background(), run.ID, "alice", 1, store.DirShort)
	require.Error(t, err)
}

func TestWithdrawIsIdempotent(t *testing.T) {
	st := newFakeStore()
	run := &store.Run{ID: "run-1", Status: store.RunEnded}
	st.runs[run.ID] = run
	share := int64(55)
	st.participants[pkey(run.ID, "alice")] = &store.Participant{RunID: run.ID, UserID: "alice", FinalShare: &share}
	sm := New(st, nil)

	err := sm.Withdraw(context.Background(), run.ID, "alice")
	require.NoError(t, err)
	err = sm.Withdraw(context.Background(), run.ID, "alice")
	require.NoError(t, err)
}

func TestCancelFromWaitingRefundsAllParticipants(t *testing.T) {
	st := newFakeStore()
	sm := New(st, nil)
	run, err := sm.CreateRun(context.Background(), validConfig())
	require.NoError(t, err)
	_, err = sm.Join(context.Background(), run.ID, "alice", 50, "")
	require.NoError(t, err)

	cancelled, err := sm.Cancel(context.Background(), run.ID, "no interest")
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, cancelled.Status)

	_, err = st.GetParticipant(context.Background(), run.ID, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestComputeSharesSumsExactlyToPool(t *testing.T) {
	participants := []*store.Participant{
		{UserID: "a", Deposit: 33},
		{UserID: "b", Deposit: 33},
		{UserID: "c", Deposit: 34},
	}
	shares := ComputeShares(100, participants)
	var sum int64
	for _, v := range shares {
		sum += v
	}
	require.EqualValues(t, 100, sum)
}
