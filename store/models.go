// Package store defines the persistence contract for the orchestrator:
// runs, participants, voting rounds, votes, trades and the append-only
// system log. The orchestrator never sees SQL or an ORM directly; it
// only ever calls Store methods on these typed records.
package store

import "time"

// RunStatus is the authoritative lifecycle state of a Run.
type RunStatus string

const (
	RunWaiting   RunStatus = "WAITING"
	RunActive    RunStatus = "ACTIVE"
	RunSettling  RunStatus = "SETTLING"
	RunCooldown  RunStatus = "COOLDOWN"
	RunEnded     RunStatus = "ENDED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunEnded || s == RunCancelled
}

// NonTerminal reports whether a run in this status counts toward the
// single-run invariant.
func (s RunStatus) NonTerminal() bool {
	switch s {
	case RunWaiting, RunActive, RunSettling, RunCooldown:
		return true
	default:
		return false
	}
}

// Run is a single pooled trading session, from lobby through settlement.
type Run struct {
	ID              string
	NumericID       uint64
	Status          RunStatus
	Pair            string
	BaseCoin        string
	DurationMinutes int
	VotingInterval  int
	TotalRounds     int
	MinDeposit      int64
	MaxDeposit      int64
	MaxParticipants int
	TotalPool       int64
	StartingPool    int64
	CurrentRound    int
	LobbyCountdown  int
	Unsynced        bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	FinalBalance    *int64
	PlatformFee     *int64
	CancelReason    string
}

// Participant is a single user's stake in a Run.
type Participant struct {
	RunID        string
	UserID       string
	Deposit      int64
	Withdrawn    bool
	FinalShare   *int64
	VotesCorrect int
	TotalVotes   int
	JoinedAt     time.Time
	WalletAddr   string
}

// VotingRoundStatus is the lifecycle phase of one round.
type VotingRoundStatus string

const (
	RoundOpen      VotingRoundStatus = "OPEN"
	RoundClosed    VotingRoundStatus = "CLOSED"
	RoundExecuting VotingRoundStatus = "EXECUTING"
	RoundSettled   VotingRoundStatus = "SETTLED"
)

// VoteDistribution is the fixed-at-close tally for a round.
type VoteDistribution struct {
	Long  int
	Short int
	Skip  int
}

// VotingRound is a single vote-and-trade cycle inside a run.
type VotingRound struct {
	RunID           string
	Round           int
	Status          VotingRoundStatus
	TimeRemaining   int
	Leverage        int64
	PositionSize    int64
	CurrentPrice    int64
	VoteDistribution VoteDistribution
	StartedAt       time.Time
	ClosedAt        *time.Time
	ExecutedAt      *time.Time
}

// Direction is the trade direction chosen by majority vote.
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
	DirSkip  Direction = "SKIP"
)

// Vote is a single participant's immutable choice for one round.
type Vote struct {
	RunID  string
	UserID string
	Round  int
	Choice Direction
	CastAt time.Time
}

// Trade is the realized outcome of one round's execution.
type Trade struct {
	RunID               string
	Round               int
	Direction           Direction
	Leverage            int64
	PositionSizePercent int64
	EntryPrice          int64
	ExitPrice           *int64
	PNL                 int64
	PNLPercentage        int64
	ExecutedAt          time.Time
	SettledAt           *time.Time
}

// SystemLogType enumerates the append-only audit event kinds.
type SystemLogType string

const (
	LogConsensusReached SystemLogType = "CONSENSUS_REACHED"
	LogUserJoin         SystemLogType = "USER_JOIN"
	LogUserLeave        SystemLogType = "USER_LEAVE"
	LogSignalDetected   SystemLogType = "SIGNAL_DETECTED"
	LogTradeExecuted    SystemLogType = "TRADE_EXECUTED"
	LogRoundStart       SystemLogType = "ROUND_START"
	LogRoundEnd         SystemLogType = "ROUND_END"
	LogRunStart         SystemLogType = "RUN_START"
	LogRunEnd           SystemLogType = "RUN_END"
	LogSystem           SystemLogType = "SYSTEM"
)

// SystemLog is an append-only audit/replay row, optionally scoped to a run.
type SystemLog struct {
	ID        int64
	RunID     *string
	Type      SystemLogType
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}
