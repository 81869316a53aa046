package credit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Earn appends a positive entry for an activity. The user must exist.
func (service *Service) Earn(ctx context.Context, userID UserID, amount PositiveAmount, entryType EntryType, activityName string) (Entry, error) {
	if entryType == "" {
		entryType = EntryEarnedEvent
	}
	if activityName == "" {
		activityName = DefaultActivityName
	}
	entry := Entry{
		UserID:       userID,
		Amount:       amount.Amount(),
		Type:         entryType,
		ActivityName: activityName,
		DateUnixUTC:  service.nowFn(),
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		exists, err := transactionStore.UserExists(ctx, userID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
		entryID, err := NewEntryID(service.newID())
		if err != nil {
			return err
		}
		entry.EntryID = entryID
		return transactionStore.InsertEntry(ctx, entry)
	})
	entryRef := entry.EntryID
	service.logOperation(ctx, OperationLog{
		Operation:    operationEarn,
		UserID:       userID,
		EntryID:      &entryRef,
		Amount:       amount.Amount(),
		ActivityName: activityName,
		Error:        operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return entry, nil
}

// Balance sums every ledger entry for the user. A user with no entries
// has balance zero.
func (service *Service) Balance(ctx context.Context, userID UserID) (Amount, error) {
	return service.store.SumBalance(ctx, userID)
}

// History returns the user's entries, newest first. A limit of zero
// returns the full ledger.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID, limit)
}

// DeleteEntry removes one entry owned by the user, together with any
// allocation rows that reference it. Not an accounting reversal: the
// balance simply loses the entry's contribution.
func (service *Service) DeleteEntry(ctx context.Context, entryID EntryID, userID UserID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.DeleteEntry(ctx, entryID, userID)
	})
	entryRef := entryID
	service.logOperation(ctx, OperationLog{
		Operation: operationDelete,
		UserID:    userID,
		EntryID:   &entryRef,
		Error:     operationError,
	})
	return operationError
}

// ListRewards returns the reward catalog.
func (service *Service) ListRewards(ctx context.Context) ([]Reward, error) {
	return service.store.ListRewards(ctx)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
