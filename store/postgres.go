package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// gormRun, gormParticipant, ... are the ORM-visible row shapes. They
// never leave this file: every exported method translates to/from the
// plain store.Run/Participant/... types so the orchestrator never has
// to import gorm.
type gormRun struct {
	ID              string `gorm:"primaryKey"`
	NumericID       uint64 `gorm:"uniqueIndex"`
	Status          string
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

func (gormRun) TableName() string { return "runs" }

type gormParticipant struct {
	RunID        string `gorm:"primaryKey"`
	UserID       string `gorm:"primaryKey"`
	Deposit      int64
	Withdrawn    bool
	FinalShare   *int64
	VotesCorrect int
	TotalVotes   int
	JoinedAt     time.Time
	WalletAddr   string
}

func (gormParticipant) TableName() string { return "run_participants" }

type gormVotingRound struct {
	RunID         string `gorm:"primaryKey"`
	Round         int    `gorm:"primaryKey"`
	Status        string
	TimeRemaining int
	Leverage      int64
	PositionSize  int64
	CurrentPrice  int64
	VoteLong      int
	VoteShort     int
	VoteSkip      int
	StartedAt     time.Time
	ClosedAt      *time.Time
	ExecutedAt    *time.Time
}

func (gormVotingRound) TableName() string { return "voting_rounds" }

type gormVote struct {
	RunID  string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey"`
	Round  int    `gorm:"primaryKey"`
	Choice string
	CastAt time.Time
}

func (gormVote) TableName() string { return "votes" }

type gormTrade struct {
	RunID               string `gorm:"primaryKey"`
	Round               int    `gorm:"primaryKey"`
	Direction           string
	Leverage            int64
	PositionSizePercent int64
	EntryPrice          int64
	ExitPrice           *int64
	PNL                 int64
	PNLPercentage       int64
	ExecutedAt          time.Time
	SettledAt           *time.Time
}

func (gormTrade) TableName() string { return "trades" }

type gormSystemLog struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	RunID     *string
	Type      string
	Message   string
	Metadata  []byte
	CreatedAt time.Time `gorm:"index:idx_system_logs_run_created;index:idx_system_logs_type_created"`
}

func (gormSystemLog) TableName() string { return "system_logs" }

// PostgresStore is the production Store backend. The orchestrator only
// ever sees the Store interface; gorm and *gorm.DB are confined here.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore opens a connection via the given DSN and migrates
// the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&gormRun{}, &gormParticipant{}, &gormVotingRound{}, &gormVote{}, &gormTrade{}, &gormSystemLog{},
	); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toGormRun(r *Run) *gormRun {
	return &gormRun{
		ID: r.ID, NumericID: r.NumericID, Status: string(r.Status), Pair: r.Pair, BaseCoin: r.BaseCoin,
		DurationMinutes: r.DurationMinutes, VotingInterval: r.VotingInterval, TotalRounds: r.TotalRounds,
		MinDeposit: r.MinDeposit, MaxDeposit: r.MaxDeposit, MaxParticipants: r.MaxParticipants,
		TotalPool: r.TotalPool, StartingPool: r.StartingPool, CurrentRound: r.CurrentRound,
		LobbyCountdown: r.LobbyCountdown, Unsynced: r.Unsynced, CreatedAt: r.CreatedAt,
		StartedAt: r.StartedAt, EndedAt: r.EndedAt, FinalBalance: r.FinalBalance,
		PlatformFee: r.PlatformFee, CancelReason: r.CancelReason,
	}
}

func fromGormRun(g *gormRun) *Run {
	return &Run{
		ID: g.ID, NumericID: g.NumericID, Status: RunStatus(g.Status), Pair: g.Pair, BaseCoin: g.BaseCoin,
		DurationMinutes: g.DurationMinutes, VotingInterval: g.VotingInterval, TotalRounds: g.TotalRounds,
		MinDeposit: g.MinDeposit, MaxDeposit: g.MaxDeposit, MaxParticipants: g.MaxParticipants,
		TotalPool: g.TotalPool, StartingPool: g.StartingPool, CurrentRound: g.CurrentRound,
		LobbyCountdown: g.LobbyCountdown, Unsynced: g.Unsynced, CreatedAt: g.CreatedAt,
		StartedAt: g.StartedAt, EndedAt: g.EndedAt, FinalBalance: g.FinalBalance,
		PlatformFee: g.PlatformFee, CancelReason: g.CancelReason,
	}
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&gormRun{}).
			Where("status IN ?", []string{"WAITING", "ACTIVE", "SETTLING", "COOLDOWN"}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(toGormRun(run)).Error
	})
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var g gormRun
	err := s.db.WithContext(ctx).First(&g, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromGormRun(&g), nil
}

func (s *PostgresStore) ListNonTerminalRuns(ctx context.Context) ([]*Run, error) {
	var rows []gormRun
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{"WAITING", "ACTIVE", "SETTLING", "COOLDOWN"}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(rows))
	for i := range rows {
		out = append(out, fromGormRun(&rows[i]))
	}
	return out, nil
}

func (s *PostgresStore) CountNonTerminalRuns(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&gormRun{}).
		Where("status IN ?", []string{"WAITING", "ACTIVE", "SETTLING", "COOLDOWN"}).
		Count(&count).Error
	return int(count), err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, runID string, mutate func(*Run) error) (*Run, error) {
	var result *Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g gormRun
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		r := fromGormRun(&g)
		if err := mutate(r); err != nil {
			return err
		}
		if err := tx.Save(toGormRun(r)).Error; err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) IncrementTotalPool(ctx context.Context, runID string, delta int64) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&gormRun{}).
			Where("id = ?", runID).
			UpdateColumn("total_pool", gorm.Expr("total_pool + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&gormRun{}).Select("total_pool").Where("id = ?", runID).Scan(&next).Error
	})
	return next, err
}

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *Participant) error {
	g := &gormParticipant{
		RunID: p.RunID, UserID: p.UserID, Deposit: p.Deposit, Withdrawn: p.Withdrawn,
		FinalShare: p.FinalShare, VotesCorrect: p.VotesCorrect, TotalVotes: p.TotalVotes,
		JoinedAt: p.JoinedAt, WalletAddr: p.WalletAddr,
	}
	return s.db.WithContext(ctx).Create(g).Error
}

func fromGormParticipant(g *gormParticipant) *Participant {
	return &Participant{
		RunID: g.RunID, UserID: g.UserID, Deposit: g.Deposit, Withdrawn: g.Withdrawn,
		FinalShare: g.FinalShare, VotesCorrect: g.VotesCorrect, TotalVotes: g.TotalVotes,
		JoinedAt: g.JoinedAt, WalletAddr: g.WalletAddr,
	}
}

func (s *PostgresStore) GetParticipant(ctx context.Context, runID, userID string) (*Participant, error) {
	var g gormParticipant
	err := s.db.WithContext(ctx).First(&g, "run_id = ? AND user_id = ?", runID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromGormParticipant(&g), nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, runID string) ([]*Participant, error) {
	var rows []gormParticipant
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Participant, 0, len(rows))
	for i := range rows {
		out = append(out, fromGormParticipant(&rows[i]))
	}
	return out, nil
}

func (s *PostgresStore) CountParticipants(ctx context.Context, runID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&gormParticipant{}).Where("run_id = ?", runID).Count(&count).Error
	return int(count), err
}

func (s *PostgresStore) DeleteParticipant(ctx context.Context, runID, userID string) error {
	return s.db.WithContext(ctx).Delete(&gormParticipant{}, "run_id = ? AND user_id = ?", runID, userID).Error
}

func (s *PostgresStore) UpdateParticipant(ctx context.Context, runID, userID string, mutate func(*Participant) error) (*Participant, error) {
	var result *Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g gormParticipant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "run_id = ? AND user_id = ?", runID, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		p := fromGormParticipant(&g)
		if err := mutate(p); err != nil {
			return err
		}
		if err := tx.Save(&gormParticipant{
			RunID: p.RunID, UserID: p.UserID, Deposit: p.Deposit, Withdrawn: p.Withdrawn,
			FinalShare: p.FinalShare, VotesCorrect: p.VotesCorrect, TotalVotes: p.TotalVotes,
			JoinedAt: p.JoinedAt, WalletAddr: p.WalletAddr,
		}).Error; err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func toGormVotingRound(vr *VotingRound) *gormVotingRound {
	return &gormVotingRound{
		RunID: vr.RunID, Round: vr.Round, Status: string(vr.Status), TimeRemaining: vr.TimeRemaining,
		Leverage: vr.Leverage, PositionSize: vr.PositionSize, CurrentPrice: vr.CurrentPrice,
		VoteLong: vr.VoteDistribution.Long, VoteShort: vr.VoteDistribution.Short, VoteSkip: vr.VoteDistribution.Skip,
		StartedAt: vr.StartedAt, ClosedAt: vr.ClosedAt, ExecutedAt: vr.ExecutedAt,
	}
}

func fromGormVotingRound(g *gormVotingRound) *VotingRound {
	return &VotingRound{
		RunID: g.RunID, Round: g.Round, Status: VotingRoundStatus(g.Status), TimeRemaining: g.TimeRemaining,
		Leverage: g.Leverage, PositionSize: g.PositionSize, CurrentPrice: g.CurrentPrice,
		VoteDistribution: VoteDistribution{Long: g.VoteLong, Short: g.VoteShort, Skip: g.VoteSkip},
		StartedAt: g.StartedAt, ClosedAt: g.ClosedAt, ExecutedAt: g.ExecutedAt,
	}
}

func (s *PostgresStore) CreateVotingRound(ctx context.Context, vr *VotingRound) error {
	return s.db.WithContext(ctx).Create(toGormVotingRound(vr)).Error
}

func (s *PostgresStore) GetVotingRound(ctx context.Context, runID string, round int) (*VotingRound, error) {
	var g gormVotingRound
	err := s.db.WithContext(ctx).First(&g, "run_id = ? AND round = ?", runID, round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromGormVotingRound(&g), nil
}

func (s *PostgresStore) UpdateVotingRound(ctx context.Context, runID string, round int, mutate func(*VotingRound) error) (*VotingRound, error) {
	var result *VotingRound
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g gormVotingRound
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "run_id = ? AND round = ?", runID, round).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		vr := fromGormVotingRound(&g)
		if err := mutate(vr); err != nil {
			return err
		}
		if err := tx.Save(toGormVotingRound(vr)).Error; err != nil {
			return err
		}
		result = vr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) VotingRoundsInStatus(ctx context.Context, status VotingRoundStatus) ([]*VotingRound, error) {
	var rows []gormVotingRound
	if err := s.db.WithContext(ctx).Where("status = ?", string(status)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*VotingRound, 0, len(rows))
	for i := range rows {
		out = append(out, fromGormVotingRound(&rows[i]))
	}
	return out, nil
}

func (s *PostgresStore) CreateVote(ctx context.Context, v *Vote) error {
	g := &gormVote{RunID: v.RunID, UserID: v.UserID, Round: v.Round, Choice: string(v.Choice), CastAt: v.CastAt}
	return s.db.WithContext(ctx).Create(g).Error
}

func (s *PostgresStore) GetVote(ctx context.Context, runID, userID string, round int) (*Vote, error) {
	var g gormVote
	err := s.db.WithContext(ctx).First(&g, "run_id = ? AND user_id = ? AND round = ?", runID, userID, round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Vote{RunID: g.RunID, UserID: g.UserID, Round: g.Round, Choice: Direction(g.Choice), CastAt: g.CastAt}, nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, runID string, round int) ([]*Vote, error) {
	var rows []gormVote
	if err := s.db.WithContext(ctx).Where("run_id = ? AND round = ?", runID, round).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Vote, 0, len(rows))
	for _, g := range rows {
		out = append(out, &Vote{RunID: g.RunID, UserID: g.UserID, Round: g.Round, Choice: Direction(g.Choice), CastAt: g.CastAt})
	}
	return out, nil
}

func toGormTrade(t *Trade) *gormTrade {
	return &gormTrade{
		RunID: t.RunID, Round: t.Round, Direction: string(t.Direction), Leverage: t.Leverage,
		PositionSizePercent: t.PositionSizePercent, EntryPrice: t.EntryPrice, ExitPrice: t.ExitPrice,
		PNL: t.PNL, PNLPercentage: t.PNLPercentage, ExecutedAt: t.ExecutedAt, SettledAt: t.SettledAt,
	}
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *Trade) error {
	return s.db.WithContext(ctx).Create(toGormTrade(t)).Error
}

func fromGormTrade(g *gormTrade) *Trade {
	return &Trade{
		RunID: g.RunID, Round: g.Round, Direction: Direction(g.Direction), Leverage: g.Leverage,
		PositionSizePercent: g.PositionSizePercent, EntryPrice: g.EntryPrice, ExitPrice: g.ExitPrice,
		PNL: g.PNL, PNLPercentage: g.PNLPercentage, ExecutedAt: g.ExecutedAt, SettledAt: g.SettledAt,
	}
}

func (s *PostgresStore) GetTrade(ctx context.Context, runID string, round int) (*Trade, error) {
	var g gormTrade
	err := s.db.WithContext(ctx).First(&g, "run_id = ? AND round = ?", runID, round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromGormTrade(&g), nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, runID string) ([]*Trade, error) {
	var rows []gormTrade
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("round").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Trade, 0, len(rows))
	for i := range rows {
		out = append(out, fromGormTrade(&rows[i]))
	}
	return out, nil
}

func (s *PostgresStore) UpdateTrade(ctx context.Context, runID string, round int, mutate func(*Trade) error) (*Trade, error) {
	var result *Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g gormTrade
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "run_id = ? AND round = ?", runID, round).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		t := fromGormTrade(&g)
		if err := mutate(t); err != nil {
			return err
		}
		if err := tx.Save(toGormTrade(t)).Error; err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) AppendSystemLog(ctx context.Context, entry *SystemLog) error {
	var metaJSON []byte
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metaJSON = b
	}
	g := &gormSystemLog{RunID: entry.RunID, Type: string(entry.Type), Message: entry.Message, Metadata: metaJSON, CreatedAt: entry.CreatedAt}
	if err := s.db.WithContext(ctx).Create(g).Error; err != nil {
		return err
	}
	entry.ID = g.ID
	return nil
}

func (s *PostgresStore) ListSystemLogs(ctx context.Context, runID string, since int64, limit int) ([]*SystemLog, error) {
	q := s.db.WithContext(ctx).Where("id > ?", since)
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	var rows []gormSystemLog
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*SystemLog, 0, len(rows))
	for _, g := range rows {
		l := &SystemLog{ID: g.ID, RunID: g.RunID, Type: SystemLogType(g.Type), Message: g.Message, CreatedAt: g.CreatedAt}
		if len(g.Metadata) > 0 {
			if err := json.Unmarshal(g.Metadata, &l.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, l)
	}
	return out, nil
}
