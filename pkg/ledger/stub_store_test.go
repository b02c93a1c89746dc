package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

// stubStore is an in-memory Store with snapshot-rollback transactions, so
// atomicity expectations hold in tests the same way they do against a DB.
type stubStore struct {
	balances     map[string]Balance
	transactions []Transaction
	usage        map[string]MonthlyUsage
	packages     []CoinPackage
	settings     map[string]string
	apiCosts     map[string]APICosts
	references   map[string]struct{}
	nextID       int
	appendErr    error
}

func newStubStore() *stubStore {
	return &stubStore{
		balances:   map[string]Balance{},
		usage:      map[string]MonthlyUsage{},
		settings:   map[string]string{},
		apiCosts:   map[string]APICosts{},
		references: map[string]struct{}{},
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		balances:     map[string]Balance{},
		transactions: append([]Transaction(nil), store.transactions...),
		usage:        map[string]MonthlyUsage{},
		settings:     map[string]string{},
		apiCosts:     map[string]APICosts{},
		references:   map[string]struct{}{},
		packages:     append([]CoinPackage(nil), store.packages...),
		nextID:       store.nextID,
	}
	for key, value := range store.balances {
		clone.balances[key] = value
	}
	for key, value := range store.usage {
		clone.usage[key] = value
	}
	for key, value := range store.settings {
		clone.settings[key] = value
	}
	for key, value := range store.apiCosts {
		clone.apiCosts[key] = value
	}
	for key := range store.references {
		clone.references[key] = struct{}{}
	}
	return clone
}

func (store *stubStore) restore(saved *stubStore) {
	store.balances = saved.balances
	store.transactions = saved.transactions
	store.usage = saved.usage
	store.settings = saved.settings
	store.apiCosts = saved.apiCosts
	store.references = saved.references
	store.nextID = saved.nextID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID) (Balance, error) {
	balance, ok := store.balances[userID.String()]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	return balance, nil
}

func (store *stubStore) CreateBalance(_ context.Context, userID UserID, initialCoins CoinAmount, nowUnixUTC int64) (Balance, bool, error) {
	if existing, ok := store.balances[userID.String()]; ok {
		return existing, false, nil
	}
	balance := Balance{
		UserID:         userID,
		Coins:          initialCoins,
		TotalEarned:    initialCoins,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	store.balances[userID.String()] = balance
	return balance, true, nil
}

func (store *stubStore) AdjustBalance(_ context.Context, userID UserID, delta CoinAmount, nowUnixUTC int64) (Balance, error) {
	balance, ok := store.balances[userID.String()]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	if delta < 0 && balance.Coins < -delta {
		return Balance{}, ErrInsufficientFunds
	}
	if delta >= 0 {
		balance.TotalEarned += delta
	} else {
		balance.TotalSpent += -delta
	}
	balance.Coins += delta
	balance.UpdatedUnixUTC = nowUnixUTC
	store.balances[userID.String()] = balance
	return balance, nil
}

func (store *stubStore) AppendTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	if store.appendErr != nil {
		return Transaction{}, store.appendErr
	}
	var reference *Reference
	if ref, ok := input.Reference(); ok {
		key := input.UserID().String() + "|" + ref.Kind().String() + "|" + ref.ID()
		if _, exists := store.references[key]; exists {
			return Transaction{}, ErrDuplicateReference
		}
		store.references[key] = struct{}{}
		reference = &ref
	}
	store.nextID++
	transaction := Transaction{
		TransactionID:  fmt.Sprintf("tx-%d", store.nextID),
		UserID:         input.UserID(),
		Type:           input.Type(),
		Amount:         input.Amount(),
		BalanceAfter:   input.BalanceAfter(),
		Description:    input.Description(),
		Reference:      reference,
		CreatedUnixUTC: input.CreatedUnixUTC(),
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, limit int) ([]Transaction, error) {
	var matched []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		if store.transactions[index].UserID == userID {
			matched = append(matched, store.transactions[index])
			if limit > 0 && len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

func usageKey(userID UserID, yearMonth YearMonth) string {
	return userID.String() + "|" + yearMonth.String()
}

func (store *stubStore) GetMonthlyUsage(_ context.Context, userID UserID, yearMonth YearMonth) (MonthlyUsage, error) {
	usage, ok := store.usage[usageKey(userID, yearMonth)]
	if !ok {
		return MonthlyUsage{}, ErrUsageNotFound
	}
	return usage, nil
}

func (store *stubStore) AddMonthlyUsage(_ context.Context, userID UserID, yearMonth YearMonth, kind UsageKind, increment int64, nowUnixUTC int64) error {
	usage, ok := store.usage[usageKey(userID, yearMonth)]
	if !ok {
		usage = MonthlyUsage{UserID: userID, YearMonth: yearMonth, CreatedUnixUTC: nowUnixUTC}
	}
	switch kind {
	case UsageImage:
		usage.ImagesGenerated += increment
	case UsageVideo:
		usage.VideosGenerated += increment
	}
	usage.UpdatedUnixUTC = nowUnixUTC
	store.usage[usageKey(userID, yearMonth)] = usage
	return nil
}

func (store *stubStore) AddMonthlyCoinsGranted(_ context.Context, userID UserID, yearMonth YearMonth, coins CoinAmount, nowUnixUTC int64) error {
	usage, ok := store.usage[usageKey(userID, yearMonth)]
	if !ok {
		usage = MonthlyUsage{UserID: userID, YearMonth: yearMonth, CreatedUnixUTC: nowUnixUTC}
	}
	usage.CoinsGranted += coins
	usage.UpdatedUnixUTC = nowUnixUTC
	store.usage[usageKey(userID, yearMonth)] = usage
	return nil
}

func (store *stubStore) ListActivePackages(_ context.Context) ([]CoinPackage, error) {
	var active []CoinPackage
	for _, coinPackage := range store.packages {
		if coinPackage.IsActive {
			active = append(active, coinPackage)
		}
	}
	sort.Slice(active, func(left, right int) bool {
		return active[left].SortOrder < active[right].SortOrder
	})
	return active, nil
}

func (store *stubStore) GetSetting(_ context.Context, key string) (string, error) {
	value, ok := store.settings[key]
	if !ok {
		return "", ErrSettingNotFound
	}
	return value, nil
}

func (store *stubStore) GetAPICosts(_ context.Context, apiID string) (APICosts, error) {
	costs, ok := store.apiCosts[apiID]
	if !ok {
		return APICosts{}, ErrSettingNotFound
	}
	return costs, nil
}

func fixedClock(at int64) func() int64 {
	return func() int64 { return at }
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock(1735689600), options...) // 2025-01-01T00:00:00Z
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveCoinAmount {
	test.Helper()
	amount, err := NewPositiveCoinAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustReference(test *testing.T, kind ReferenceKind, id string) *Reference {
	test.Helper()
	reference, err := NewReference(kind, id)
	if err != nil {
		test.Fatalf("reference %s/%s: %v", kind, id, err)
	}
	return &reference
}

func mustYearMonth(test *testing.T, raw string) YearMonth {
	test.Helper()
	yearMonth, err := NewYearMonth(raw)
	if err != nil {
		test.Fatalf("year month %q: %v", raw, err)
	}
	return yearMonth
}
