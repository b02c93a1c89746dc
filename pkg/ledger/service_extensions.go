package ledger

import (
	"context"
	"errors"
)

// CanAfford is an advisory read for pre-flighting UI state. The balance can
// change between this check and a Spend call; only Spend's conditional
// decrement is authoritative. A missing account reads as false.
func (service *Service) CanAfford(ctx context.Context, userID UserID, amount PositiveCoinAmount) (bool, error) {
	balance, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return balance.Coins >= amount.Coins(), nil
}

// GetTransactions lists a user's transactions, newest first. A non-positive
// limit falls back to the default page size; oversized limits are capped.
func (service *Service) GetTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	if limit > MaxTransactionLimit {
		limit = MaxTransactionLimit
	}
	return service.store.ListTransactions(ctx, userID, limit)
}

// GetUserMonthlyUsage returns the usage row for the given month. A zero
// YearMonth defaults to the current calendar month.
func (service *Service) GetUserMonthlyUsage(ctx context.Context, userID UserID, yearMonth YearMonth) (MonthlyUsage, error) {
	if yearMonth.IsZero() {
		yearMonth = YearMonthOf(service.nowFn())
	}
	return service.store.GetMonthlyUsage(ctx, userID, yearMonth)
}

// UpdateMonthlyUsage adds to the current month's counter for the given kind,
// creating the month row on first use. Past months are never touched.
func (service *Service) UpdateMonthlyUsage(ctx context.Context, userID UserID, kind UsageKind, increment int64) error {
	if _, err := ParseUsageKind(kind.String()); err != nil {
		return err
	}
	if increment <= 0 {
		increment = 1
	}
	nowUnixUTC := service.nowFn()
	operationError := service.store.AddMonthlyUsage(ctx, userID, YearMonthOf(nowUnixUTC), kind, increment, nowUnixUTC)
	service.logOperation(ctx, OperationLog{
		Operation: operationUsageUpdate,
		UserID:    userID,
		Amount:    CoinAmount(increment),
		Error:     operationError,
	})
	return operationError
}

// GetPackages returns active coin packages in catalog order.
func (service *Service) GetPackages(ctx context.Context) ([]CoinPackage, error) {
	return service.store.ListActivePackages(ctx)
}

// GetSetting returns a raw configuration value.
func (service *Service) GetSetting(ctx context.Context, key string) (string, error) {
	return service.store.GetSetting(ctx, key)
}

// GetSettingOrDefault returns a configuration value, falling back when the
// key is absent. Missing optional configuration is never an error.
func (service *Service) GetSettingOrDefault(ctx context.Context, key string, fallback string) (string, error) {
	value, err := service.store.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSettingNotFound) {
			return fallback, nil
		}
		return "", err
	}
	return value, nil
}

// GetAPICosts returns per-operation coin costs for a provider, with the
// documented defaults when the provider is unconfigured.
func (service *Service) GetAPICosts(ctx context.Context, apiID string) (APICosts, error) {
	costs, err := service.store.GetAPICosts(ctx, apiID)
	if err != nil {
		if errors.Is(err, ErrSettingNotFound) {
			return APICosts{ImageCoins: DefaultImageCoins, VideoCoins: DefaultVideoCoins}, nil
		}
		return APICosts{}, err
	}
	if costs.ImageCoins <= 0 {
		costs.ImageCoins = DefaultImageCoins
	}
	if costs.VideoCoins <= 0 {
		costs.VideoCoins = DefaultVideoCoins
	}
	return costs, nil
}

// VerifyLedger replays the full transaction log for a user and checks it
// against the materialized balance. Returns ErrLedgerDrift (with the audit
// populated) when the log and the balance disagree.
func (service *Service) VerifyLedger(ctx context.Context, userID UserID) (LedgerAudit, error) {
	balance, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return LedgerAudit{}, err
	}
	transactions, err := service.store.ListTransactions(ctx, userID, 0)
	if err != nil {
		return LedgerAudit{}, err
	}
	audit := LedgerAudit{
		UserID:           userID,
		Balance:          balance.Coins,
		TransactionCount: len(transactions),
	}
	consistent := balance.Coins == balance.TotalEarned-balance.TotalSpent

	// Transactions arrive newest first; replay oldest first and check each
	// snapshot against the running sum.
	var runningSum CoinAmount
	for index := len(transactions) - 1; index >= 0; index-- {
		transaction := transactions[index]
		runningSum += transaction.Amount
		if transaction.BalanceAfter != runningSum {
			consistent = false
		}
	}
	audit.ReplayedSum = runningSum
	if runningSum != balance.Coins {
		consistent = false
	}
	audit.Consistent = consistent
	if !consistent {
		return audit, WrapError("audit", "ledger", "drift", ErrLedgerDrift)
	}
	return audit, nil
}
