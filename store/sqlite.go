package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the dev/test Store backend. It speaks database/sql
// directly; no ORM sits between it and the schema.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a sqlite database at path and
// applies the schema if absent.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite single-writer; serializes transactions.
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			numeric_id INTEGER NOT NULL UNIQUE,
			status TEXT NOT NULL,
			pair TEXT NOT NULL,
			base_coin TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			voting_interval INTEGER NOT NULL,
			total_rounds INTEGER NOT NULL,
			min_deposit INTEGER NOT NULL,
			max_deposit INTEGER NOT NULL,
			max_participants INTEGER NOT NULL,
			total_pool INTEGER NOT NULL DEFAULT 0,
			starting_pool INTEGER NOT NULL DEFAULT 0,
			current_round INTEGER NOT NULL DEFAULT 0,
			lobby_countdown INTEGER NOT NULL DEFAULT 0,
			unsynced INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			final_balance INTEGER,
			platform_fee INTEGER,
			cancel_reason TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS run_participants (
			run_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			deposit INTEGER NOT NULL,
			withdrawn INTEGER NOT NULL DEFAULT 0,
			final_share INTEGER,
			votes_correct INTEGER NOT NULL DEFAULT 0,
			total_votes INTEGER NOT NULL DEFAULT 0,
			joined_at TIMESTAMP NOT NULL,
			wallet_address TEXT,
			PRIMARY KEY (run_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS voting_rounds (
			run_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			status TEXT NOT NULL,
			time_remaining INTEGER NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 0,
			position_size INTEGER NOT NULL DEFAULT 0,
			current_price INTEGER NOT NULL DEFAULT 0,
			vote_long INTEGER NOT NULL DEFAULT 0,
			vote_short INTEGER NOT NULL DEFAULT 0,
			vote_skip INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			executed_at TIMESTAMP,
			PRIMARY KEY (run_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS votes (
			run_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			choice TEXT NOT NULL,
			cast_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, user_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			run_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			direction TEXT NOT NULL,
			leverage INTEGER NOT NULL,
			position_size_percent INTEGER NOT NULL,
			entry_price INTEGER NOT NULL,
			exit_price INTEGER,
			pnl INTEGER NOT NULL,
			pnl_percentage INTEGER NOT NULL,
			executed_at TIMESTAMP NOT NULL,
			settled_at TIMESTAMP,
			PRIMARY KEY (run_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS system_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_system_logs_run_created ON system_logs(run_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_system_logs_type_created ON system_logs(type, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status IN ('WAITING','ACTIVE','SETTLING','COOLDOWN')`)
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return ErrConflict
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, numeric_id, status, pair, base_coin, duration_minutes, voting_interval, total_rounds,
		 min_deposit, max_deposit, max_participants, total_pool, starting_pool, current_round,
		 lobby_countdown, unsynced, created_at, started_at, ended_at, final_balance, platform_fee, cancel_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.NumericID, run.Status, run.Pair, run.BaseCoin, run.DurationMinutes, run.VotingInterval,
		run.TotalRounds, run.MinDeposit, run.MaxDeposit, run.MaxParticipants, run.TotalPool, run.StartingPool,
		run.CurrentRound, run.LobbyCountdown, run.Unsynced, run.CreatedAt, nullTime(run.StartedAt),
		nullTime(run.EndedAt), nullInt64(run.FinalBalance), nullInt64(run.PlatformFee), run.CancelReason)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var startedAt, endedAt sql.NullTime
	var finalBalance, platformFee sql.NullInt64
	var cancelReason sql.NullString
	err := row.Scan(&r.ID, &r.NumericID, &r.Status, &r.Pair, &r.BaseCoin, &r.DurationMinutes, &r.VotingInterval,
		&r.TotalRounds, &r.MinDeposit, &r.MaxDeposit, &r.MaxParticipants, &r.TotalPool, &r.StartingPool,
		&r.CurrentRound, &r.LobbyCountdown, &r.Unsynced, &r.CreatedAt, &startedAt, &endedAt, &finalBalance,
		&platformFee, &cancelReason)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	if finalBalance.Valid {
		r.FinalBalance = &finalBalance.Int64
	}
	if platformFee.Valid {
		r.PlatformFee = &platformFee.Int64
	}
	r.CancelReason = cancelReason.String
	return &r, nil
}

const runColumns = `id, numeric_id, status, pair, base_coin, duration_minutes, voting_interval, total_rounds,
	min_deposit, max_deposit, max_participants, total_pool, starting_pool, current_round,
	lobby_countdown, unsynced, created_at, started_at, ended_at, final_balance, platform_fee, cancel_reason`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListNonTerminalRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status IN ('WAITING','ACTIVE','SETTLING','COOLDOWN')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountNonTerminalRuns(ctx context.Context) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status IN ('WAITING','ACTIVE','SETTLING','COOLDOWN')`)
	return n, row.Scan(&n)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, mutate func(*Run) error) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := mutate(r); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE runs SET status=?, total_pool=?, starting_pool=?, current_round=?,
		lobby_countdown=?, unsynced=?, started_at=?, ended_at=?, final_balance=?, platform_fee=?, cancel_reason=?
		WHERE id=?`,
		r.Status, r.TotalPool, r.StartingPool, r.CurrentRound, r.LobbyCountdown, r.Unsynced,
		nullTime(r.StartedAt), nullTime(r.EndedAt), nullInt64(r.FinalBalance), nullInt64(r.PlatformFee),
		r.CancelReason, runID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) IncrementTotalPool(ctx context.Context, runID string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT total_pool FROM runs WHERE id = ?`, runID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	next := current + delta
	res, err := tx.ExecContext(ctx, `UPDATE runs SET total_pool = ? WHERE id = ? AND total_pool = ?`, next, runID, current)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SQLiteStore) CreateParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_participants
		(run_id, user_id, deposit, withdrawn, final_share, votes_correct, total_votes, joined_at, wallet_address)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		p.RunID, p.UserID, p.Deposit, p.Withdrawn, nullInt64(p.FinalShare), p.VotesCorrect, p.TotalVotes,
		p.JoinedAt, p.WalletAddr)
	return err
}

const participantColumns = `run_id, user_id, deposit, withdrawn, final_share, votes_correct, total_votes, joined_at, wallet_address`

func scanParticipant(row interface{ Scan(...any) error }) (*Participant, error) {
	var p Participant
	var finalShare sql.NullInt64
	var wallet sql.NullString
	err := row.Scan(&p.RunID, &p.UserID, &p.Deposit, &p.Withdrawn, &finalShare, &p.VotesCorrect, &p.TotalVotes,
		&p.JoinedAt, &wallet)
	if err != nil {
		return nil, err
	}
	if finalShare.Valid {
		p.FinalShare = &finalShare.Int64
	}
	p.WalletAddr = wallet.String
	return &p, nil
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, runID, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM run_participants WHERE run_id=? AND user_id=?`, runID, userID)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, runID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM run_participants WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountParticipants(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_participants WHERE run_id=?`, runID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) DeleteParticipant(ctx context.Context, runID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_participants WHERE run_id=? AND user_id=?`, runID, userID)
	return err
}

func (s *SQLiteStore) UpdateParticipant(ctx context.Context, runID, userID string, mutate func(*Participant) error) (*Participant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM run_participants WHERE run_id=? AND user_id=?`, runID, userID)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE run_participants SET withdrawn=?, final_share=?, votes_correct=?, total_votes=?
		WHERE run_id=? AND user_id=?`, p.Withdrawn, nullInt64(p.FinalShare), p.VotesCorrect, p.TotalVotes, runID, userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) CreateVotingRound(ctx context.Context, vr *VotingRound) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO voting_rounds
		(run_id, round, status, time_remaining, leverage, position_size, current_price,
		 vote_long, vote_short, vote_skip, started_at, closed_at, executed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		vr.RunID, vr.Round, vr.Status, vr.TimeRemaining, vr.Leverage, vr.PositionSize, vr.CurrentPrice,
		vr.VoteDistribution.Long, vr.VoteDistribution.Short, vr.VoteDistribution.Skip,
		vr.StartedAt, nullTime(vr.ClosedAt), nullTime(vr.ExecutedAt))
	return err
}

const votingRoundColumns = `run_id, round, status, time_remaining, leverage, position_size, current_price,
	vote_long, vote_short, vote_skip, started_at, closed_at, executed_at`

func scanVotingRound(row interface{ Scan(...any) error }) (*VotingRound, error) {
	var vr VotingRound
	var closedAt, executedAt sql.NullTime
	err := row.Scan(&vr.RunID, &vr.Round, &vr.Status, &vr.TimeRemaining, &vr.Leverage, &vr.PositionSize,
		&vr.CurrentPrice, &vr.VoteDistribution.Long, &vr.VoteDistribution.Short, &vr.VoteDistribution.Skip,
		&vr.StartedAt, &closedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		vr.ClosedAt = &closedAt.Time
	}
	if executedAt.Valid {
		vr.ExecutedAt = &executedAt.Time
	}
	return &vr, nil
}

func (s *SQLiteStore) GetVotingRound(ctx context.Context, runID string, round int) (*VotingRound, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+votingRoundColumns+` FROM voting_rounds WHERE run_id=? AND round=?`, runID, round)
	vr, err := scanVotingRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return vr, err
}

func (s *SQLiteStore) UpdateVotingRound(ctx context.Context, runID string, round int, mutate func(*VotingRound) error) (*VotingRound, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+votingRoundColumns+` FROM voting_rounds WHERE run_id=? AND round=?`, runID, round)
	vr, err := scanVotingRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := mutate(vr); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE voting_rounds SET status=?, time_remaining=?, leverage=?, position_size=?,
		current_price=?, vote_long=?, vote_short=?, vote_skip=?, closed_at=?, executed_at=?
		WHERE run_id=? AND round=?`,
		vr.Status, vr.TimeRemaining, vr.Leverage, vr.PositionSize, vr.CurrentPrice,
		vr.VoteDistribution.Long, vr.VoteDistribution.Short, vr.VoteDistribution.Skip,
		nullTime(vr.ClosedAt), nullTime(vr.ExecutedAt), runID, round)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return vr, nil
}

func (s *SQLiteStore) VotingRoundsInStatus(ctx context.Context, status VotingRoundStatus) ([]*VotingRound, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+votingRoundColumns+` FROM voting_rounds WHERE status=?`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VotingRound
	for rows.Next() {
		vr, err := scanVotingRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateVote(ctx context.Context, v *Vote) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO votes (run_id, user_id, round, choice, cast_at) VALUES (?,?,?,?,?)`,
		v.RunID, v.UserID, v.Round, v.Choice, v.CastAt)
	return err
}

func (s *SQLiteStore) GetVote(ctx context.Context, runID, userID string, round int) (*Vote, error) {
	var v Vote
	row := s.db.QueryRowContext(ctx, `SELECT run_id, user_id, round, choice, cast_at FROM votes WHERE run_id=? AND user_id=? AND round=?`, runID, userID, round)
	err := row.Scan(&v.RunID, &v.UserID, &v.Round, &v.Choice, &v.CastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) ListVotes(ctx context.Context, runID string, round int) ([]*Vote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, user_id, round, choice, cast_at FROM votes WHERE run_id=? AND round=?`, runID, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.RunID, &v.UserID, &v.Round, &v.Choice, &v.CastAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateTrade(ctx context.Context, t *Trade) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO trades
		(run_id, round, direction, leverage, position_size_percent, entry_price, exit_price, pnl, pnl_percentage, executed_at, settled_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.RunID, t.Round, t.Direction, t.Leverage, t.PositionSizePercent, t.EntryPrice, nullInt64(t.ExitPrice),
		t.PNL, t.PNLPercentage, t.ExecutedAt, nullTime(t.SettledAt))
	return err
}

const tradeColumns = `run_id, round, direction, leverage, position_size_percent, entry_price, exit_price, pnl, pnl_percentage, executed_at, settled_at`

func scanTrade(row interface{ Scan(...any) error }) (*Trade, error) {
	var t Trade
	var exitPrice sql.NullInt64
	var settledAt sql.NullTime
	err := row.Scan(&t.RunID, &t.Round, &t.Direction, &t.Leverage, &t.PositionSizePercent, &t.EntryPrice,
		&exitPrice, &t.PNL, &t.PNLPercentage, &t.ExecutedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Int64
	}
	if settledAt.Valid {
		t.SettledAt = &settledAt.Time
	}
	return &t, nil
}

func (s *SQLiteStore) GetTrade(ctx context.Context, runID string, round int) (*Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE run_id=? AND round=?`, runID, round)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, runID string) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE run_id=? ORDER BY round`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTrade(ctx context.Context, runID string, round int, mutate func(*Trade) error) (*Trade, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE run_id=? AND round=?`, runID, round)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE trades SET direction=?, leverage=?, position_size_percent=?, entry_price=?,
		exit_price=?, pnl=?, pnl_percentage=?, executed_at=?, settled_at=? WHERE run_id=? AND round=?`,
		t.Direction, t.Leverage, t.PositionSizePercent, t.EntryPrice, nullInt64(t.ExitPrice),
		t.PNL, t.PNLPercentage, t.ExecutedAt, nullTime(t.SettledAt), runID, round)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) AppendSystemLog(ctx context.Context, entry *SystemLog) error {
	var metaJSON []byte
	if entry.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal system log metadata: %w", err)
		}
	}
	var runID any
	if entry.RunID != nil {
		runID = *entry.RunID
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO system_logs (run_id, type, message, metadata, created_at) VALUES (?,?,?,?,?)`,
		runID, entry.Type, entry.Message, metaJSON, entry.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (s *SQLiteStore) ListSystemLogs(ctx context.Context, runID string, since int64, limit int) ([]*SystemLog, error) {
	query := `SELECT id, run_id, type, message, metadata, created_at FROM system_logs WHERE id > ?`
	args := []any{since}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SystemLog
	for rows.Next() {
		var l SystemLog
		var runIDNull sql.NullString
		var metaJSON []byte
		if err := rows.Scan(&l.ID, &runIDNull, &l.Type, &l.Message, &metaJSON, &l.CreatedAt); err != nil {
			return nil, err
		}
		if runIDNull.Valid {
			v := runIDNull.String
			l.RunID = &v
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &l.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal system log metadata: %w", err)
			}
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
