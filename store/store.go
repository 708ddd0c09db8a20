package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by conditional-update methods (atomic counters,
// unique constraints) when the expected precondition no longer holds.
var ErrConflict = errors.New("store: conflict")

// Store is the durable record of runs, participants, votes, voting
// rounds, trades and system logs. It offers transactional updates and
// atomic counters; the orchestrator never sees SQL or an ORM — every
// method here returns typed records.
type Store interface {
	// CreateRun inserts a new Run in WAITING. Fails with ErrConflict if
	// a non-terminal run already exists (single-run invariant).
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListNonTerminalRuns returns every run whose status is not ENDED or
	// CANCELLED, used by the scheduler on startup to resume state.
	ListNonTerminalRuns(ctx context.Context) ([]*Run, error)
	// CountNonTerminalRuns supports the single-run invariant check.
	CountNonTerminalRuns(ctx context.Context) (int, error)
	// UpdateRun applies mutate to the current persisted Run inside a
	// transaction and writes the result back atomically. mutate must be
	// pure aside from mutating the passed-in Run.
	UpdateRun(ctx context.Context, runID string, mutate func(*Run) error) (*Run, error)
	// IncrementTotalPool atomically adds delta to total_pool and returns
	// the new value; used by join/leave instead of read-modify-write.
	IncrementTotalPool(ctx context.Context, runID string, delta int64) (int64, error)

	CreateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, runID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, runID string) ([]*Participant, error)
	CountParticipants(ctx context.Context, runID string) (int, error)
	DeleteParticipant(ctx context.Context, runID, userID string) error
	UpdateParticipant(ctx context.Context, runID, userID string, mutate func(*Participant) error) (*Participant, error)

	CreateVotingRound(ctx context.Context, vr *VotingRound) error
	GetVotingRound(ctx context.Context, runID string, round int) (*VotingRound, error)
	UpdateVotingRound(ctx context.Context, runID string, round int, mutate func(*VotingRound) error) (*VotingRound, error)
	// VotingRoundsInStatus finds rounds across all runs in a given
	// status, used on restart to resume a round stuck in EXECUTING.
	VotingRoundsInStatus(ctx context.Context, status VotingRoundStatus) ([]*VotingRound, error)

	CreateVote(ctx context.Context, v *Vote) error
	GetVote(ctx context.Context, runID, userID string, round int) (*Vote, error)
	ListVotes(ctx context.Context, runID string, round int) ([]*Vote, error)

	CreateTrade(ctx context.Context, t *Trade) error
	GetTrade(ctx context.Context, runID string, round int) (*Trade, error)
	ListTrades(ctx context.Context, runID string) ([]*Trade, error)
	// UpdateTrade applies mutate to the persisted Trade for (runID, round)
	// inside a transaction, used to record exit price/pnl once the
	// closing leg of a round's position settles.
	UpdateTrade(ctx context.Context, runID string, round int, mutate func(*Trade) error) (*Trade, error)

	AppendSystemLog(ctx context.Context, entry *SystemLog) error
	ListSystemLogs(ctx context.Context, runID string, since int64, limit int) ([]*SystemLog, error)

	Close() error
}
