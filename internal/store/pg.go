package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/store/schema"
)

type pgStore struct {
	db *gorm.DB
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// Migrate creates or updates the database schema
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&schema.Participant{},
		&schema.Balance{},
		&schema.Transaction{},
		&schema.PerformanceSnapshot{},
	)
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to defaults.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// Atomic runs fn inside a single database transaction
func (s *pgStore) Atomic(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgStore{db: tx})
	})
}

// CreateParticipant inserts a participant and its balance row atomically.
// The materialized path is derived from the superior's path once the internal
// id is known. A duplicate address returns ErrDuplicatedOperation.
func (s *pgStore) CreateParticipant(ctx context.Context, address string, superior *schema.Participant) (*schema.Participant, error) {
	participant := &schema.Participant{
		Address: address,
		// placeholder until the generated id is known
		Path: "0",
	}
	if superior != nil {
		participant.SuperiorAddress = &superior.Address
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(participant).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrDuplicatedOperation
			}
			return fmt.Errorf("failed to create participant: %w", err)
		}

		var superiorPath domain.Path
		if superior != nil {
			parsed, err := domain.ParsePath(superior.Path)
			if err != nil {
				return fmt.Errorf("corrupt superior path %q: %w", superior.Path, err)
			}
			superiorPath = parsed
		}
		path := domain.NewPath(superiorPath, participant.ID)
		participant.Path = path.String()
		participant.Depth = path.Depth()

		if err := tx.Model(&schema.Participant{}).
			Where("id = ?", participant.ID).
			Updates(map[string]interface{}{
				"path":  participant.Path,
				"depth": participant.Depth,
			}).Error; err != nil {
			return fmt.Errorf("failed to set participant path: %w", err)
		}

		if err := tx.Create(&schema.Balance{Address: address}).Error; err != nil {
			return fmt.Errorf("failed to create balance: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return participant, nil
}

// GetParticipantByAddress retrieves a participant by wallet address
func (s *pgStore) GetParticipantByAddress(ctx context.Context, address string) (*schema.Participant, error) {
	var participant schema.Participant
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &participant, nil
}

// GetParticipantByAddressForUpdate retrieves a participant holding a row lock
// for the duration of the surrounding transaction
func (s *pgStore) GetParticipantByAddressForUpdate(ctx context.Context, address string) (*schema.Participant, error) {
	var participant schema.Participant
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("address = ?", address).
		First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock participant: %w", err)
	}
	return &participant, nil
}

// GetParticipantByID retrieves a participant by internal id
func (s *pgStore) GetParticipantByID(ctx context.Context, id int64) (*schema.Participant, error) {
	var participant schema.Participant
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&participant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &participant, nil
}

// UpdateParticipantPaths rewrites materialized paths in one transaction
func (s *pgStore) UpdateParticipantPaths(ctx context.Context, updates []PathUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			values := map[string]interface{}{
				"path":  u.Path.String(),
				"depth": u.Path.Depth(),
			}
			if u.UpdateSuperior {
				values["superior_address"] = u.Superior
			}
			if err := tx.Model(&schema.Participant{}).
				Where("id = ?", u.ID).
				Updates(values).Error; err != nil {
				return fmt.Errorf("failed to update path for participant %d: %w", u.ID, err)
			}
		}
		return nil
	})
}

// SetLevel persists a recomputed level
func (s *pgStore) SetLevel(ctx context.Context, address string, level int) error {
	err := s.db.WithContext(ctx).Model(&schema.Participant{}).
		Where("address = ?", address).
		Update("level", level).Error
	if err != nil {
		return fmt.Errorf("failed to set level: %w", err)
	}
	return nil
}

// SetMemberType assigns or clears the node membership tier
func (s *pgStore) SetMemberType(ctx context.Context, address string, memberType *domain.MemberType) error {
	err := s.db.WithContext(ctx).Model(&schema.Participant{}).
		Where("address = ?", address).
		Update("member_type", memberType).Error
	if err != nil {
		return fmt.Errorf("failed to set member type: %w", err)
	}
	return nil
}

// SetBanned flips the ban flag
func (s *pgStore) SetBanned(ctx context.Context, address string, banned bool) error {
	err := s.db.WithContext(ctx).Model(&schema.Participant{}).
		Where("address = ?", address).
		Update("banned", banned).Error
	if err != nil {
		return fmt.Errorf("failed to set ban flag: %w", err)
	}
	return nil
}

// TouchLastActive records activity on the participant
func (s *pgStore) TouchLastActive(ctx context.Context, address string) error {
	err := s.db.WithContext(ctx).Model(&schema.Participant{}).
		Where("address = ?", address).
		Update("last_active_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to touch participant: %w", err)
	}
	return nil
}

// DirectSubordinates lists participants whose superior is address
func (s *pgStore) DirectSubordinates(ctx context.Context, address string) ([]*schema.Participant, error) {
	var participants []*schema.Participant
	err := s.db.WithContext(ctx).
		Where("superior_address = ?", address).
		Order("id").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list direct subordinates: %w", err)
	}
	return participants, nil
}

// CountDirectSubordinates counts participants whose superior is address
func (s *pgStore) CountDirectSubordinates(ctx context.Context, address string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&schema.Participant{}).
		Where("superior_address = ?", address).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count direct subordinates: %w", err)
	}
	return count, nil
}

// SubtreeParticipants lists every participant strictly below path. The prefix
// match is anchored on the dot boundary so sibling ids sharing a numeric
// prefix never match.
func (s *pgStore) SubtreeParticipants(ctx context.Context, path domain.Path, lock bool) ([]*schema.Participant, error) {
	query := s.db.WithContext(ctx).
		Where("path LIKE ?", path.SubtreePrefix()+"%").
		Order("depth, id")
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var participants []*schema.Participant
	if err := query.Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("failed to list subtree: %w", err)
	}
	return participants, nil
}

// MaxDepth returns the deepest level of the tree
func (s *pgStore) MaxDepth(ctx context.Context) (int, error) {
	var maxDepth int
	err := s.db.WithContext(ctx).Model(&schema.Participant{}).
		Select("COALESCE(MAX(depth), 0)").
		Scan(&maxDepth).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get max depth: %w", err)
	}
	return maxDepth, nil
}

// ParticipantsAtDepth pages through participants at one tree depth, used by
// the bottom-up settlement traversal
func (s *pgStore) ParticipantsAtDepth(ctx context.Context, depth, limit, offset int) ([]*schema.Participant, error) {
	var participants []*schema.Participant
	err := s.db.WithContext(ctx).
		Where("depth = ?", depth).
		Order("id").
		Limit(limit).
		Offset(offset).
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants at depth %d: %w", depth, err)
	}
	return participants, nil
}

// ClaimSnapshotRewards flips the rewards_settled flag on the address's
// snapshot for the day, reporting whether this call won the flip. The flag
// only moves false→true, so each (address, day) is claimed at most once even
// across crashed and replayed settlement runs.
func (s *pgStore) ClaimSnapshotRewards(ctx context.Context, address string, day domain.Day) (bool, error) {
	result := s.db.WithContext(ctx).Model(&schema.PerformanceSnapshot{}).
		Where("address = ? AND year = ? AND month = ? AND day = ?", address, day.Year, day.Month, day.Day).
		Where("rewards_settled = false").
		Update("rewards_settled", true)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim snapshot rewards: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SumStakedBySubtree sums staked points over every participant strictly below
// path (the downline, excluding the node itself)
func (s *pgStore) SumStakedBySubtree(ctx context.Context, path domain.Path) (decimal.Decimal, error) {
	return s.sumStaked(ctx, s.db.WithContext(ctx).
		Where("participants.path LIKE ?", path.SubtreePrefix()+"%"))
}

// SumStakedByBranch sums staked points over path's node and its whole subtree
func (s *pgStore) SumStakedByBranch(ctx context.Context, path domain.Path) (decimal.Decimal, error) {
	return s.sumStaked(ctx, s.db.WithContext(ctx).
		Where("participants.path = ? OR participants.path LIKE ?", path.String(), path.SubtreePrefix()+"%"))
}

func (s *pgStore) sumStaked(ctx context.Context, query *gorm.DB) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := query.Model(&schema.Participant{}).
		Joins("JOIN balances ON balances.address = participants.address").
		Select("SUM(balances.staked_points)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum staked points: %w", err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// GetBalance retrieves the balance record for an address
func (s *pgStore) GetBalance(ctx context.Context, address string) (*schema.Balance, error) {
	var balance schema.Balance
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &balance, nil
}

// MutateBalance locks the balance row, lets fn compute a mutation from the
// locked state, and applies bucket deltas, audit flow inserts and the optional
// triggering-transaction status change in one transaction. Any bucket or cap
// that would go negative aborts the whole unit with ErrInsufficientBalance.
func (s *pgStore) MutateBalance(ctx context.Context, address string, fn BalanceMutator) (*LedgerMutation, error) {
	var applied *LedgerMutation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balance schema.Balance
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("address = ?", address).
			First(&balance).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: balance for %s", domain.ErrNotFound, address)
			}
			return fmt.Errorf("failed to lock balance: %w", err)
		}

		mutation, err := fn(&balance)
		if err != nil {
			return err
		}
		if mutation == nil {
			return nil
		}

		stable := balance.StablePoints.Add(mutation.StableDelta)
		staked := balance.StakedPoints.Add(mutation.StakedDelta)
		locked := balance.LockedPoints.Add(mutation.LockedDelta)
		staticCap := balance.StakeRewardCap.Add(mutation.StaticCapDelta)
		dynamicCap := balance.StakeDynamicRewardCap.Add(mutation.DynamicCapDelta)

		for _, v := range []decimal.Decimal{stable, staked, locked, staticCap, dynamicCap} {
			if v.IsNegative() {
				return domain.ErrInsufficientBalance
			}
		}

		err = tx.Model(&schema.Balance{}).
			Where("address = ?", address).
			Updates(map[string]interface{}{
				"stable_points":            stable,
				"staked_points":            staked,
				"locked_points":            locked,
				"stake_reward_cap":         staticCap,
				"stake_dynamic_reward_cap": dynamicCap,
				"updated_at":               time.Now().UTC(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		for _, flow := range mutation.Flows {
			if flow.ID == "" {
				flow.ID = uuid.NewString()
			}
			if err := tx.Create(flow).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrDuplicatedOperation
				}
				return fmt.Errorf("failed to insert flow record: %w", err)
			}
		}

		if mutation.StatusUpdate != nil {
			if err := applyStatusUpdate(tx, *mutation.StatusUpdate); err != nil {
				return err
			}
		}

		applied = mutation
		return nil
	})
	if err != nil {
		return nil, err
	}

	return applied, nil
}

// MutateBalances applies several balance mutations as one transaction, in the
// order given. Callers lock addresses in a consistent order to avoid
// deadlocks between concurrent multi-balance units.
func (s *pgStore) MutateBalances(ctx context.Context, ops []BalanceOp) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &pgStore{db: tx}
		for _, op := range ops {
			if _, err := txStore.MutateBalance(ctx, op.Address, op.Fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateTransaction inserts a transaction record. A duplicate external hash
// returns ErrDuplicatedOperation.
func (s *pgStore) CreateTransaction(ctx context.Context, tx *schema.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicatedOperation
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by id
func (s *pgStore) GetTransaction(ctx context.Context, id string) (*schema.Transaction, error) {
	var tx schema.Transaction
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

// GetTransactionByExternalHash retrieves a transaction by on-chain hash
func (s *pgStore) GetTransactionByExternalHash(ctx context.Context, hash string) (*schema.Transaction, error) {
	var tx schema.Transaction
	err := s.db.WithContext(ctx).Where("external_hash = ?", hash).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction by hash: %w", err)
	}
	return &tx, nil
}

// UpdateTransactionStatus advances a transaction's lifecycle status
func (s *pgStore) UpdateTransactionStatus(ctx context.Context, update StatusUpdate) error {
	return applyStatusUpdate(s.db.WithContext(ctx), update)
}

func applyStatusUpdate(tx *gorm.DB, update StatusUpdate) error {
	executedAt := update.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	result := tx.Model(&schema.Transaction{}).
		Where("id = ?", update.TransactionID).
		Updates(map[string]interface{}{
			"status":      update.Status,
			"fee":         update.Fee,
			"executed_at": executedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update transaction status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, update.TransactionID)
	}
	return nil
}

// PendingTransactions lists PENDING transactions of the given kinds created
// inside the (olderThan, youngerThan] polling window
func (s *pgStore) PendingTransactions(ctx context.Context, kinds []domain.TxKind, olderThan, youngerThan time.Time, limit int) ([]*schema.Transaction, error) {
	var txs []*schema.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ?", domain.TxStatusPending).
		Where("kind IN ?", kinds).
		Where("created_at <= ?", olderThan).
		Where("created_at >= ?", youngerThan).
		Order("created_at").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	return txs, nil
}

// SumFlowsByKind aggregates confirmed flow amounts per kind over a window
func (s *pgStore) SumFlowsByKind(ctx context.Context, kinds []domain.TxKind, since, until time.Time) (map[domain.TxKind]decimal.Decimal, error) {
	type row struct {
		Kind  domain.TxKind
		Total decimal.Decimal
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&schema.Transaction{}).
		Select("kind, SUM(amount) AS total").
		Where("status = ?", domain.TxStatusConfirmed).
		Where("kind IN ?", kinds).
		Where("created_at >= ? AND created_at < ?", since, until).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate flows: %w", err)
	}

	out := make(map[domain.TxKind]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.Total
	}
	return out, nil
}

// UpsertPerformanceSnapshot writes the daily snapshot, reporting whether a row
// was inserted. A snapshot already present for (address, day) is left
// untouched, which is what makes settlement re-runs no-ops.
func (s *pgStore) UpsertPerformanceSnapshot(ctx context.Context, snap *schema.PerformanceSnapshot) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "address"}, {Name: "year"}, {Name: "month"}, {Name: "day"},
			},
			DoNothing: true,
		}).
		Create(snap)
	if result.Error != nil {
		return false, fmt.Errorf("failed to upsert snapshot: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetPerformanceSnapshot retrieves one address's snapshot for a day
func (s *pgStore) GetPerformanceSnapshot(ctx context.Context, address string, day domain.Day) (*schema.PerformanceSnapshot, error) {
	var snap schema.PerformanceSnapshot
	err := s.db.WithContext(ctx).
		Where("address = ? AND year = ? AND month = ? AND day = ?", address, day.Year, day.Month, day.Day).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotHistory lists an address's most recent snapshots, newest first
func (s *pgStore) SnapshotHistory(ctx context.Context, address string, limit int) ([]*schema.PerformanceSnapshot, error) {
	var snaps []*schema.PerformanceSnapshot
	err := s.db.WithContext(ctx).
		Where("address = ?", address).
		Order("year DESC, month DESC, day DESC").
		Limit(limit).
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot history: %w", err)
	}
	return snaps, nil
}

// GetDailyReport aggregates snapshot and reward totals for one day
func (s *pgStore) GetDailyReport(ctx context.Context, day domain.Day) (*DailyReport, error) {
	report := &DailyReport{Day: day}

	type totals struct {
		Participants     int64
		TotalPerformance decimal.NullDecimal
		TotalStaked      decimal.NullDecimal
	}
	var t totals
	err := s.db.WithContext(ctx).Model(&schema.PerformanceSnapshot{}).
		Select("COUNT(*) AS participants, SUM(total_performance) AS total_performance, SUM(staked_amount) AS total_staked").
		Where("year = ? AND month = ? AND day = ?", day.Year, day.Month, day.Day).
		Scan(&t).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate snapshots: %w", err)
	}
	report.Participants = t.Participants
	if t.TotalPerformance.Valid {
		report.TotalPerformance = t.TotalPerformance.Decimal
	}
	if t.TotalStaked.Valid {
		report.TotalStaked = t.TotalStaked.Decimal
	}

	dayStart := time.Date(day.Year, time.Month(day.Month), day.Day, 0, 0, 0, 0, time.UTC)
	rewards, err := s.SumFlowsByKind(ctx,
		[]domain.TxKind{
			domain.TxKindStakeStaticReward,
			domain.TxKindStakeDynamicReward,
			domain.TxKindNodeReward,
			domain.TxKindNodeDiffReward,
		},
		dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	report.RewardsByKind = rewards

	return report, nil
}
