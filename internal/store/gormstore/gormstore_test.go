package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/closetloop/credit/pkg/credit"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/credit.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func seedUser(t *testing.T, store *Store, userID string) credit.UserID {
	t.Helper()
	if err := store.UpsertUser(context.Background(), User{UserID: userID, Nickname: "tester"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	parsed, err := credit.NewUserID(userID)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return parsed
}

func seedEntry(t *testing.T, store *Store, entryID string, userID credit.UserID, amount int64, entryType credit.EntryType, dateUnixUTC int64) credit.EntryID {
	t.Helper()
	parsedEntryID, err := credit.NewEntryID(entryID)
	if err != nil {
		t.Fatalf("entry id: %v", err)
	}
	err = store.InsertEntry(context.Background(), credit.Entry{
		EntryID:      parsedEntryID,
		UserID:       userID,
		Amount:       credit.Amount(amount),
		Type:         entryType,
		ActivityName: "seeded",
		DateUnixUTC:  dateUnixUTC,
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return parsedEntryID
}

func TestUserExists(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")

	exists, err := store.UserExists(context.Background(), userID)
	if err != nil {
		t.Fatalf("user exists: %v", err)
	}
	if !exists {
		t.Fatalf("expected seeded user to exist")
	}
	ghost, err := credit.NewUserID("00000000-0000-4000-8000-00000000dead")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	exists, err = store.UserExists(context.Background(), ghost)
	if err != nil {
		t.Fatalf("user exists: %v", err)
	}
	if exists {
		t.Fatalf("expected unknown user to be absent")
	}
}

func TestSumBalanceEmptyLedgerIsZero(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")

	balance, err := store.SumBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("sum balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected 0, got %d", balance)
	}
}

func TestSumBalanceAggregatesSignedAmounts(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	otherID := seedUser(t, store, "00000000-0000-4000-8000-000000000002")
	seedEntry(t, store, "00000000-0000-4000-9000-000000000001", userID, 100, credit.EntryEarnedEvent, 1)
	seedEntry(t, store, "00000000-0000-4000-9000-000000000002", userID, -30, credit.EntrySpentReward, 2)
	seedEntry(t, store, "00000000-0000-4000-9000-000000000003", otherID, 500, credit.EntryEarnedEvent, 1)

	balance, err := store.SumBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("sum balance: %v", err)
	}
	if balance != 70 {
		t.Fatalf("expected 70, got %d", balance)
	}
}

func TestListEntriesNewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	seedEntry(t, store, "00000000-0000-4000-9000-000000000001", userID, 10, credit.EntryEarnedEvent, 10)
	seedEntry(t, store, "00000000-0000-4000-9000-000000000002", userID, 20, credit.EntryEarnedEvent, 30)
	seedEntry(t, store, "00000000-0000-4000-9000-000000000003", userID, 30, credit.EntryEarnedClothing, 20)

	entries, err := store.ListEntries(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Amount != 20 || entries[1].Amount != 30 || entries[2].Amount != 10 {
		t.Fatalf("unexpected order: %+v", entries)
	}

	limited, err := store.ListEntries(context.Background(), userID, 2)
	if err != nil {
		t.Fatalf("list entries limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(limited))
	}
}

func TestListEarnLotsTracksRemainingValue(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	earnOne := seedEntry(t, store, "00000000-0000-4000-9000-000000000001", userID, 30, credit.EntryEarnedEvent, 1)
	earnTwo := seedEntry(t, store, "00000000-0000-4000-9000-000000000002", userID, 20, credit.EntryEarnedEvent, 2)
	spend := seedEntry(t, store, "00000000-0000-4000-9000-000000000003", userID, -40, credit.EntrySpentReward, 3)

	thirty, err := credit.NewPositiveAmount(30)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	ten, err := credit.NewPositiveAmount(10)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	err = store.InsertAllocations(context.Background(), []credit.Allocation{
		{SpendEntryID: spend, SourceEntryID: earnOne, Amount: thirty},
		{SpendEntryID: spend, SourceEntryID: earnTwo, Amount: ten},
	})
	if err != nil {
		t.Fatalf("insert allocations: %v", err)
	}

	lots, err := store.ListEarnLots(context.Background(), userID)
	if err != nil {
		t.Fatalf("list earn lots: %v", err)
	}
	if len(lots) != 1 {
		t.Fatalf("expected one open lot, got %d", len(lots))
	}
	if lots[0].Entry.EntryID != earnTwo || lots[0].Remaining != 10 {
		t.Fatalf("expected earnTwo with 10 remaining, got %+v", lots[0])
	}
}

func TestListEarnLotsOrdersOldestFirst(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	seedEntry(t, store, "00000000-0000-4000-9000-000000000002", userID, 10, credit.EntryEarnedEvent, 20)
	seedEntry(t, store, "00000000-0000-4000-9000-000000000001", userID, 10, credit.EntryEarnedEvent, 10)
	seedEntry(t, store, "00000000-0000-4000-9000-000000000003", userID, -5, credit.EntrySpentReward, 30)

	lots, err := store.ListEarnLots(context.Background(), userID)
	if err != nil {
		t.Fatalf("list earn lots: %v", err)
	}
	if len(lots) != 2 {
		t.Fatalf("expected 2 lots, got %d", len(lots))
	}
	if lots[0].Entry.DateUnixUTC != 10 || lots[1].Entry.DateUnixUTC != 20 {
		t.Fatalf("expected oldest first, got %+v", lots)
	}
}

func TestDeleteEntryEnforcesOwnership(t *testing.T) {
	store := newTestStore(t)
	ownerID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	intruderID := seedUser(t, store, "00000000-0000-4000-8000-000000000002")
	entryID := seedEntry(t, store, "00000000-0000-4000-9000-000000000001", ownerID, 40, credit.EntryEarnedEvent, 1)

	err := store.DeleteEntry(context.Background(), entryID, intruderID)
	if !errors.Is(err, credit.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	balance, err := store.SumBalance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("sum balance: %v", err)
	}
	if balance != 40 {
		t.Fatalf("expected untouched balance 40, got %d", balance)
	}

	if err := store.DeleteEntry(context.Background(), entryID, ownerID); err != nil {
		t.Fatalf("delete own entry: %v", err)
	}
	balance, err = store.SumBalance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("sum balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance 0 after delete, got %d", balance)
	}
}

func TestDeleteEntryDropsReferencingAllocations(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	earn := seedEntry(t, store, "00000000-0000-4000-9000-000000000001", userID, 30, credit.EntryEarnedEvent, 1)
	spend := seedEntry(t, store, "00000000-0000-4000-9000-000000000002", userID, -30, credit.EntrySpentReward, 2)
	thirty, err := credit.NewPositiveAmount(30)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	err = store.InsertAllocations(context.Background(), []credit.Allocation{
		{SpendEntryID: spend, SourceEntryID: earn, Amount: thirty},
	})
	if err != nil {
		t.Fatalf("insert allocations: %v", err)
	}

	if err := store.DeleteEntry(context.Background(), spend, userID); err != nil {
		t.Fatalf("delete spend: %v", err)
	}
	// With the spend's allocations gone, the earn lot is whole again.
	lots, err := store.ListEarnLots(context.Background(), userID)
	if err != nil {
		t.Fatalf("list earn lots: %v", err)
	}
	if len(lots) != 1 || lots[0].Remaining != 30 {
		t.Fatalf("expected restored lot of 30, got %+v", lots)
	}
}

func TestDuplicateAllocationMapsToDomainError(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	earn := seedEntry(t, store, "00000000-0000-4000-9000-000000000001", userID, 30, credit.EntryEarnedEvent, 1)
	spend := seedEntry(t, store, "00000000-0000-4000-9000-000000000002", userID, -30, credit.EntrySpentReward, 2)
	ten, err := credit.NewPositiveAmount(10)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	allocation := credit.Allocation{SpendEntryID: spend, SourceEntryID: earn, Amount: ten}

	if err := store.InsertAllocations(context.Background(), []credit.Allocation{allocation}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err = store.InsertAllocations(context.Background(), []credit.Allocation{allocation})
	if !errors.Is(err, credit.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
}

func TestGetRewardNotFound(t *testing.T) {
	store := newTestStore(t)
	rewardID, err := credit.NewRewardID("00000000-0000-4000-a000-00000000dead")
	if err != nil {
		t.Fatalf("reward id: %v", err)
	}
	if _, err := store.GetReward(context.Background(), rewardID); !errors.Is(err, credit.ErrRewardNotFound) {
		t.Fatalf("expected ErrRewardNotFound, got %v", err)
	}
}

func TestDecrementRewardStockGuardsZero(t *testing.T) {
	store := newTestStore(t)
	err := store.UpsertReward(context.Background(), Reward{
		RewardID: "00000000-0000-4000-a000-000000000001",
		Name:     "Tote bag",
		Cost:     40,
		Type:     credit.RewardGoods.String(),
		Stock:    1,
	})
	if err != nil {
		t.Fatalf("seed reward: %v", err)
	}
	rewardID, err := credit.NewRewardID("00000000-0000-4000-a000-000000000001")
	if err != nil {
		t.Fatalf("reward id: %v", err)
	}

	if err := store.DecrementRewardStock(context.Background(), rewardID); err != nil {
		t.Fatalf("first decrement: %v", err)
	}
	err = store.DecrementRewardStock(context.Background(), rewardID)
	if !errors.Is(err, credit.ErrRewardOutOfStock) {
		t.Fatalf("expected ErrRewardOutOfStock, got %v", err)
	}
	reward, err := store.GetReward(context.Background(), rewardID)
	if err != nil {
		t.Fatalf("get reward: %v", err)
	}
	if reward.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", reward.Stock)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	sentinel := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore credit.Store) error {
		entryID, err := credit.NewEntryID("00000000-0000-4000-9000-000000000001")
		if err != nil {
			return err
		}
		err = txStore.InsertEntry(ctx, credit.Entry{
			EntryID:      entryID,
			UserID:       userID,
			Amount:       100,
			Type:         credit.EntryEarnedEvent,
			ActivityName: "provisional",
			DateUnixUTC:  1,
		})
		if err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	balance, err := store.SumBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("sum balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected rollback to keep balance 0, got %d", balance)
	}
}

func TestServiceExchangeAgainstStore(t *testing.T) {
	store := newTestStore(t)
	userID := seedUser(t, store, "00000000-0000-4000-8000-000000000001")
	err := store.UpsertReward(context.Background(), Reward{
		RewardID: "00000000-0000-4000-a000-000000000001",
		Name:     "Tote bag",
		Cost:     40,
		Type:     credit.RewardGoods.String(),
		Stock:    5,
	})
	if err != nil {
		t.Fatalf("seed reward: %v", err)
	}
	service, err := credit.NewService(store, func() int64 { return 100 })
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	amount, err := credit.NewPositiveAmount(100)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	if _, err := service.Earn(context.Background(), userID, amount, credit.EntryEarnedEvent, "Party attendance"); err != nil {
		t.Fatalf("earn: %v", err)
	}
	rewardID, err := credit.NewRewardID("00000000-0000-4000-a000-000000000001")
	if err != nil {
		t.Fatalf("reward id: %v", err)
	}

	receipt, err := service.Exchange(context.Background(), userID, rewardID)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if receipt.RemainingBalance != 60 {
		t.Fatalf("expected remaining 60, got %d", receipt.RemainingBalance)
	}
	reward, err := store.GetReward(context.Background(), rewardID)
	if err != nil {
		t.Fatalf("get reward: %v", err)
	}
	if reward.Stock != 4 {
		t.Fatalf("expected stock 4, got %d", reward.Stock)
	}
	entries, err := store.ListEntries(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected earn and spend entries, got %d", len(entries))
	}
	if entries[0].Amount != -40 {
		t.Fatalf("expected newest entry to be the spend, got %d", entries[0].Amount)
	}
}
