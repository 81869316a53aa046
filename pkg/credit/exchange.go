package credit

import (
	"context"
	"fmt"
)

// Exchange trades the user's credits for a reward: looks up the reward,
// takes one unit of stock, and consumes credits worth its cost, all inside
// a single transaction. Any failure rolls back every step.
func (service *Service) Exchange(ctx context.Context, userID UserID, rewardID RewardID) (Receipt, error) {
	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reward, err := transactionStore.GetReward(ctx, rewardID)
		if err != nil {
			return err
		}
		if err := transactionStore.DecrementRewardStock(ctx, rewardID); err != nil {
			return err
		}
		activityName := fmt.Sprintf("Reward exchange: %s", reward.Name)
		allocations, err := service.consumeWithinTx(ctx, transactionStore, userID, reward.Cost.Amount(), EntrySpentReward, activityName)
		if err != nil {
			return err
		}
		remaining, err := transactionStore.SumBalance(ctx, userID)
		if err != nil {
			return err
		}
		receipt = Receipt{
			RewardName:       reward.Name,
			Cost:             reward.Cost,
			RemainingBalance: remaining,
			Allocations:      allocations,
		}
		return nil
	})
	rewardRef := rewardID
	service.logOperation(ctx, OperationLog{
		Operation: operationExchange,
		UserID:    userID,
		RewardID:  &rewardRef,
		Amount:    receipt.Cost.Amount(),
		Error:     operationError,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}
