package credit

import "context"

// Consume debits the user's ledger by required, drawing the oldest earn
// entries first. It appends one negative spend entry for the full amount
// plus one allocation row per earn entry drawn from; entries are never
// mutated, so partially consumed lots keep their original amount and the
// drawn portion lives in the allocation table.
//
// A non-positive required amount is a no-op and returns an empty plan.
// The whole plan commits or nothing does.
func (service *Service) Consume(ctx context.Context, userID UserID, required Amount, spendType EntryType, activityName string) ([]Allocation, error) {
	if required <= 0 {
		return nil, nil
	}
	var allocations []Allocation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		planned, err := service.consumeWithinTx(ctx, transactionStore, userID, required, spendType, activityName)
		if err != nil {
			return err
		}
		allocations = planned
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationConsume,
		UserID:       userID,
		Amount:       required,
		ActivityName: activityName,
		Error:        operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return allocations, nil
}

// consumeWithinTx runs the FIFO plan against an already-open transaction so
// Exchange can share it with the stock decrement.
func (service *Service) consumeWithinTx(ctx context.Context, transactionStore Store, userID UserID, required Amount, spendType EntryType, activityName string) ([]Allocation, error) {
	exists, err := transactionStore.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUserNotFound
	}
	lots, err := transactionStore.ListEarnLots(ctx, userID)
	if err != nil {
		return nil, err
	}
	spendEntryID, err := NewEntryID(service.newID())
	if err != nil {
		return nil, err
	}
	allocations, err := planConsumption(spendEntryID, lots, required)
	if err != nil {
		return nil, err
	}
	spendEntry := Entry{
		EntryID:      spendEntryID,
		UserID:       userID,
		Amount:       -required,
		Type:         spendType,
		ActivityName: activityName,
		DateUnixUTC:  service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, spendEntry); err != nil {
		return nil, err
	}
	if err := transactionStore.InsertAllocations(ctx, allocations); err != nil {
		return nil, err
	}
	return allocations, nil
}

// planConsumption walks the lots oldest-first and decides how much each one
// contributes. The shortfall check runs before any allocation is produced,
// over the net remaining value of the lots, not their gross amounts.
func planConsumption(spendEntryID EntryID, lots []EarnLot, required Amount) ([]Allocation, error) {
	var available Amount
	for _, lot := range lots {
		available += lot.Remaining.Amount()
	}
	if available < required {
		return nil, ErrInsufficientBalance
	}
	allocations := make([]Allocation, 0, len(lots))
	remaining := required
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		applied := lot.Remaining.Amount()
		if applied > remaining {
			applied = remaining
		}
		appliedAmount, err := NewPositiveAmount(applied.Int64())
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, Allocation{
			SpendEntryID:  spendEntryID,
			SourceEntryID: lot.Entry.EntryID,
			Amount:        appliedAmount,
		})
		remaining -= applied
	}
	return allocations, nil
}
