package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/closetloop/credit/pkg/credit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultDetailsJSON    = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	dialectPostgres       = "postgres"

	errorOperationStore    = "store"
	errorSubjectUser       = "user"
	errorSubjectBalance    = "balance"
	errorSubjectEntry      = "entry"
	errorSubjectAllocation = "allocation"
	errorSubjectReward     = "reward"
	errorCodeDelete        = "delete"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeLookup        = "lookup"
	errorCodeSum           = "sum"
	errorCodeUpdateStock   = "update_stock"
	errorCodeUpsert        = "upsert"
)

// remaining value of an earn entry, as a correlated subquery.
const drawnSubquery = "(select coalesce(sum(credit_allocations.amount),0) from credit_allocations where credit_allocations.source_entry_id = credit_entries.entry_id)"

// Store implements credit.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) UserExists(ctx context.Context, userID credit.UserID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credit.Entry) error {
	row := CreditEntry{
		EntryID:      entry.EntryID.String(),
		UserID:       entry.UserID.String(),
		Amount:       entry.Amount.Int64(),
		Type:         entry.Type.String(),
		ActivityName: entry.ActivityName,
		Date:         time.Unix(entry.DateUnixUTC, 0).UTC(),
	}
	if row.Date.IsZero() {
		row.Date = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credit.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumBalance(ctx context.Context, userID credit.UserID) (credit.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return credit.Amount(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, userID credit.UserID, limit int) ([]credit.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("date DESC, entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []CreditEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credit.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapCreditEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) DeleteEntry(ctx context.Context, entryID credit.EntryID, userID credit.UserID) error {
	result := store.db.WithContext(ctx).
		Where("entry_id = ? AND user_id = ?", entryID.String(), userID.String()).
		Delete(&CreditEntry{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeDelete, credit.ErrEntryNotFound)
	}
	err := store.db.WithContext(ctx).
		Where("spend_entry_id = ? OR source_entry_id = ?", entryID.String(), entryID.String()).
		Delete(&Allocation{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) ListEarnLots(ctx context.Context, userID credit.UserID) ([]credit.EarnLot, error) {
	var rows []earnLotRow
	err := store.lockedForUpdate().WithContext(ctx).
		Model(&CreditEntry{}).
		Select("credit_entries.*, " + drawnSubquery + " as drawn").
		Where("credit_entries.user_id = ?", userID.String()).
		Where("credit_entries.amount > 0").
		Where("credit_entries.amount > " + drawnSubquery).
		Order("credit_entries.date ASC, credit_entries.entry_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	lots := make([]credit.EarnLot, 0, len(rows))
	for _, row := range rows {
		lot, err := mapEarnLot(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func (store *Store) InsertAllocations(ctx context.Context, allocations []credit.Allocation) error {
	if len(allocations) == 0 {
		return nil
	}
	rows := make([]Allocation, 0, len(allocations))
	for _, allocation := range allocations {
		rows = append(rows, Allocation{
			SpendEntryID:  allocation.SpendEntryID.String(),
			SourceEntryID: allocation.SourceEntryID.String(),
			Amount:        allocation.Amount.Int64(),
			CreatedAt:     time.Now().UTC(),
		})
	}
	err := store.db.WithContext(ctx).Create(&rows).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAllocation, errorCodeDuplicate, credit.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetReward(ctx context.Context, rewardID credit.RewardID) (credit.Reward, error) {
	var row Reward
	err := store.lockedForUpdate().WithContext(ctx).
		Where("reward_id = ?", rewardID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, credit.ErrRewardNotFound)
		}
		return credit.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	reward, err := mapReward(row)
	if err != nil {
		return credit.Reward{}, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
	}
	return reward, nil
}

func (store *Store) DecrementRewardStock(ctx context.Context, rewardID credit.RewardID) error {
	result := store.db.WithContext(ctx).
		Model(&Reward{}).
		Where("reward_id = ? AND stock > 0", rewardID.String()).
		Update("stock", gorm.Expr("stock - 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectReward, errorCodeUpdateStock, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReward, errorCodeUpdateStock, credit.ErrRewardOutOfStock)
	}
	return nil
}

func (store *Store) ListRewards(ctx context.Context) ([]credit.Reward, error) {
	var rows []Reward
	err := store.db.WithContext(ctx).
		Order("created_at ASC, reward_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReward, errorCodeList, err)
	}
	rewards := make([]credit.Reward, 0, len(rows))
	for _, row := range rows {
		reward, err := mapReward(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReward, errorCodeInvalid, err)
		}
		rewards = append(rewards, reward)
	}
	return rewards, nil
}

// UpsertUser inserts or refreshes a user row. Seeding only.
func (store *Store) UpsertUser(ctx context.Context, user User) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&user).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpsert, err)
	}
	return nil
}

// UpsertReward inserts or refreshes a reward catalog row. Seeding only.
func (store *Store) UpsertReward(ctx context.Context, reward Reward) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reward_id"}},
			UpdateAll: true,
		}).
		Create(&reward).Error
	if err != nil {
		return wrapStoreError(errorSubjectReward, errorCodeUpsert, err)
	}
	return nil
}

// lockedForUpdate adds a row lock on postgres. SQLite has a single writer
// per database and rejects FOR UPDATE, so the clause is skipped there.
func (store *Store) lockedForUpdate() *gorm.DB {
	if store.db.Dialector.Name() == dialectPostgres {
		return store.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return store.db
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type earnLotRow struct {
	EntryID      string
	UserID       string
	Amount       int64
	Type         string
	ActivityName string
	Date         time.Time
	Drawn        int64
}

func mapCreditEntry(row CreditEntry) (credit.Entry, error) {
	entryID, err := credit.NewEntryID(row.EntryID)
	if err != nil {
		return credit.Entry{}, err
	}
	userID, err := credit.NewUserID(row.UserID)
	if err != nil {
		return credit.Entry{}, err
	}
	entryType, err := credit.ParseEntryType(row.Type)
	if err != nil {
		return credit.Entry{}, err
	}
	return credit.Entry{
		EntryID:      entryID,
		UserID:       userID,
		Amount:       credit.Amount(row.Amount),
		Type:         entryType,
		ActivityName: row.ActivityName,
		DateUnixUTC:  row.Date.Unix(),
	}, nil
}

func mapEarnLot(row earnLotRow) (credit.EarnLot, error) {
	entry, err := mapCreditEntry(CreditEntry{
		EntryID:      row.EntryID,
		UserID:       row.UserID,
		Amount:       row.Amount,
		Type:         row.Type,
		ActivityName: row.ActivityName,
		Date:         row.Date,
	})
	if err != nil {
		return credit.EarnLot{}, err
	}
	remaining, err := credit.NewPositiveAmount(row.Amount - row.Drawn)
	if err != nil {
		return credit.EarnLot{}, err
	}
	return credit.EarnLot{Entry: entry, Remaining: remaining}, nil
}

func mapReward(row Reward) (credit.Reward, error) {
	rewardID, err := credit.NewRewardID(row.RewardID)
	if err != nil {
		return credit.Reward{}, err
	}
	rewardType, err := credit.ParseRewardType(row.Type)
	if err != nil {
		return credit.Reward{}, err
	}
	cost, err := credit.NewPositiveAmount(row.Cost)
	if err != nil {
		return credit.Reward{}, err
	}
	details := string(row.Details)
	if details == "" {
		details = defaultDetailsJSON
	}
	return credit.Reward{
		RewardID:    rewardID,
		Name:        row.Name,
		Description: row.Description,
		Cost:        cost,
		ImageURL:    row.ImageURL,
		Type:        rewardType,
		Stock:       row.Stock,
		Details:     details,
	}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
