package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table. The credit engine only reads it to
// enforce that entries reference a real user.
type User struct {
	UserID    string    `gorm:"type:uuid;primaryKey"`
	Nickname  string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// CreditEntry mirrors the credit_entries table.
type CreditEntry struct {
	EntryID      string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"type:uuid;not null;index:idx_credit_entries_user_date,priority:1"`
	Amount       int64     `gorm:"not null"`
	Type         string    `gorm:"not null"`
	ActivityName string    `gorm:"not null"`
	Date         time.Time `gorm:"not null;index:idx_credit_entries_user_date,priority:2"`
}

func (CreditEntry) TableName() string { return "credit_entries" }

func (entry *CreditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Allocation mirrors the credit_allocations table. One row per
// (spend entry, earn entry) pair; the composite key keeps a plan from
// drawing twice from the same lot.
type Allocation struct {
	SpendEntryID  string    `gorm:"type:uuid;primaryKey"`
	SourceEntryID string    `gorm:"type:uuid;primaryKey;index:idx_credit_allocations_source"`
	Amount        int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (Allocation) TableName() string { return "credit_allocations" }

// Reward mirrors the rewards table. Stock is a plain counter with no
// ledger linkage beyond sharing the exchange transaction.
type Reward struct {
	RewardID    string         `gorm:"type:uuid;primaryKey"`
	Name        string         `gorm:"not null"`
	Description string         `gorm:"not null"`
	Cost        int64          `gorm:"not null"`
	ImageURL    string         `gorm:"not null"`
	Type        string         `gorm:"not null"`
	Stock       int64          `gorm:"not null"`
	Details     datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (Reward) TableName() string { return "rewards" }

func (reward *Reward) BeforeCreate(tx *gorm.DB) error {
	if reward.RewardID == "" {
		reward.RewardID = uuid.NewString()
	}
	if len(reward.Details) == 0 {
		reward.Details = datatypes.JSON([]byte(defaultDetailsJSON))
	}
	return nil
}

// Migrate creates or updates the schema for every gormstore table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &CreditEntry{}, &Allocation{}, &Reward{})
}
