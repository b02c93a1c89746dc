package ledger

import (
	"context"
	"fmt"
)

// Service is the only component allowed to mutate balances. Every balance
// change and its transaction log entry happen inside one store transaction.
type Service struct {
	store  Store
	nowFn  func() int64
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
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the materialized balance for a user.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	return service.store.GetBalance(ctx, userID)
}

// InitializeBalance creates the balance row with a starting grant. Idempotent:
// when the row already exists it is returned unchanged, and the signup grant
// transaction is appended only on actual creation, so concurrent first-use
// calls produce exactly one grant.
func (service *Service) InitializeBalance(ctx context.Context, userID UserID, initialCoins CoinAmount) (Balance, error) {
	if initialCoins < 0 {
		return Balance{}, fmt.Errorf("%w: initial coins must not be negative", ErrInvalidAmount)
	}
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		created, wasCreated, err := transactionStore.CreateBalance(ctx, userID, initialCoins, nowUnixUTC)
		if err != nil {
			return err
		}
		balance = created
		if !wasCreated || initialCoins == 0 {
			return nil
		}
		input, err := NewTransactionInput(userID, TransactionEarn, initialCoins, created.Coins, descriptionSignupGrant, nil, nowUnixUTC)
		if err != nil {
			return err
		}
		_, err = transactionStore.AppendTransaction(ctx, input)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationInitialize,
		UserID:       userID,
		Type:         TransactionEarn,
		Amount:       initialCoins,
		BalanceAfter: balance.Coins,
		Error:        operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// Spend debits the balance and appends the matching transaction as one atomic
// unit. The decrement is conditional at the storage layer, so two concurrent
// spends can never overdraw the balance; a failed spend writes nothing.
func (service *Service) Spend(ctx context.Context, userID UserID, amount PositiveCoinAmount, description string, reference *Reference) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		updated, err := transactionStore.AdjustBalance(ctx, userID, amount.Negated(), nowUnixUTC)
		if err != nil {
			return err
		}
		balance = updated
		input, err := NewTransactionInput(userID, TransactionSpend, amount.Negated(), updated.Coins, description, reference, nowUnixUTC)
		if err != nil {
			return err
		}
		_, err = transactionStore.AppendTransaction(ctx, input)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationSpend,
		UserID:       userID,
		Type:         TransactionSpend,
		Amount:       amount.Negated(),
		BalanceAfter: balance.Coins,
		Reference:    reference,
		Error:        operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// Earn credits the balance with the supplied grant type. A missing balance row
// is lazily created with zero coins first. Subscription grants also bump the
// current month's granted-coins counter, inside the same store transaction.
func (service *Service) Earn(ctx context.Context, userID UserID, amount PositiveCoinAmount, description string, txType TransactionType, reference *Reference) (Balance, error) {
	if !txType.IsCredit() {
		return Balance{}, fmt.Errorf("%w: earn cannot record a spend", ErrInvalidTransactionType)
	}
	if _, err := ParseTransactionType(txType.String()); err != nil {
		return Balance{}, err
	}
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, _, err := transactionStore.CreateBalance(ctx, userID, 0, nowUnixUTC); err != nil {
			return err
		}
		updated, err := transactionStore.AdjustBalance(ctx, userID, amount.Coins(), nowUnixUTC)
		if err != nil {
			return err
		}
		balance = updated
		input, err := NewTransactionInput(userID, txType, amount.Coins(), updated.Coins, description, reference, nowUnixUTC)
		if err != nil {
			return err
		}
		if _, err := transactionStore.AppendTransaction(ctx, input); err != nil {
			return err
		}
		if txType == TransactionSubscriptionGrant {
			return transactionStore.AddMonthlyCoinsGranted(ctx, userID, YearMonthOf(nowUnixUTC), amount.Coins(), nowUnixUTC)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationEarn,
		UserID:       userID,
		Type:         txType,
		Amount:       amount.Coins(),
		BalanceAfter: balance.Coins,
		Reference:    reference,
		Error:        operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
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
