package credit

import (
	"context"
	"fmt"
	"strings"
)

// Amount is a signed credit value. Positive entries are earnings, negative
// entries are spends.
type Amount int64

// Int64 returns the raw signed value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// PositiveAmount is an amount validated to be strictly greater than zero.
type PositiveAmount int64

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Amount returns the value as a signed amount.
func (amount PositiveAmount) Amount() Amount {
	return Amount(amount)
}

// Negated returns the value as a signed debit.
func (amount PositiveAmount) Negated() Amount {
	return -Amount(amount)
}

// Int64 returns the raw value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// UserID identifies a ledger owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// EntryID identifies a single ledger entry.
type EntryID struct {
	value string
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// RewardID identifies a reward catalog item.
type RewardID struct {
	value string
}

// NewRewardID validates and normalizes a reward id.
func NewRewardID(raw string) (RewardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RewardID{}, fmt.Errorf("%w: empty value", ErrInvalidRewardID)
	}
	return RewardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RewardID) String() string {
	return id.value
}

// EntryType enumerates the activity categories a ledger entry records.
type EntryType string

const (
	EntryEarnedClothing     EntryType = "EARNED_CLOTHING"
	EntryEarnedEvent        EntryType = "EARNED_EVENT"
	EntrySpentReward        EntryType = "SPENT_REWARD"
	EntrySpentOffset        EntryType = "SPENT_OFFSET"
	EntrySpentMakerPurchase EntryType = "SPENT_MAKER_PURCHASE"
)

// ParseEntryType validates a raw entry type literal.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryEarnedClothing, EntryEarnedEvent, EntrySpentReward, EntrySpentOffset, EntrySpentMakerPurchase:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the stored literal.
func (entryType EntryType) String() string {
	return string(entryType)
}

// RewardType enumerates reward catalog item kinds.
type RewardType string

const (
	RewardGoods   RewardType = "GOODS"
	RewardService RewardType = "SERVICE"
)

// ParseRewardType validates a raw reward type literal.
func ParseRewardType(raw string) (RewardType, error) {
	switch RewardType(raw) {
	case RewardGoods, RewardService:
		return RewardType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRewardType, raw)
}

// String returns the stored literal.
func (rewardType RewardType) String() string {
	return string(rewardType)
}

// Entry is a single immutable line in the credit ledger.
type Entry struct {
	EntryID      EntryID
	UserID       UserID
	Amount       Amount
	Type         EntryType
	ActivityName string
	DateUnixUTC  int64
}

// Allocation records how much of one spend entry was drawn from one earn
// entry. The remaining value of an earn entry is its amount minus the sum
// of allocations against it.
type Allocation struct {
	SpendEntryID  EntryID
	SourceEntryID EntryID
	Amount        PositiveAmount
}

// EarnLot is an earn entry together with its still-unconsumed value.
type EarnLot struct {
	Entry     Entry
	Remaining PositiveAmount
}

// Reward is a catalog item purchasable with credits. Stock is a plain
// counter outside the ledger.
type Reward struct {
	RewardID    RewardID
	Name        string
	Description string
	Cost        PositiveAmount
	ImageURL    string
	Type        RewardType
	Stock       int64
	Details     string
}

// Receipt summarizes a completed reward exchange.
type Receipt struct {
	RewardName       string
	Cost             PositiveAmount
	RemainingBalance Amount
	Allocations      []Allocation
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx atomic: either every write inside fn commits or none do.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	UserExists(ctx context.Context, userID UserID) (bool, error)
	InsertEntry(ctx context.Context, entry Entry) error
	SumBalance(ctx context.Context, userID UserID) (Amount, error)
	ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error)
	DeleteEntry(ctx context.Context, entryID EntryID, userID UserID) error
	// ListEarnLots returns the user's earn entries that still carry value,
	// oldest first (entry id breaks date ties), with their rows locked for
	// the duration of the surrounding transaction.
	ListEarnLots(ctx context.Context, userID UserID) ([]EarnLot, error)
	InsertAllocations(ctx context.Context, allocations []Allocation) error
	GetReward(ctx context.Context, rewardID RewardID) (Reward, error)
	DecrementRewardStock(ctx context.Context, rewardID RewardID) error
	ListRewards(ctx context.Context) ([]Reward, error)
}
