package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/magiccoin/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustYearMonth(test *testing.T, raw string) ledger.YearMonth {
	test.Helper()
	yearMonth, err := ledger.NewYearMonth(raw)
	if err != nil {
		test.Fatalf("year month: %v", err)
	}
	return yearMonth
}

func mustInput(test *testing.T, userID ledger.UserID, txType ledger.TransactionType, amount ledger.CoinAmount, balanceAfter ledger.CoinAmount, reference *ledger.Reference, at int64) ledger.TransactionInput {
	test.Helper()
	input, err := ledger.NewTransactionInput(userID, txType, amount, balanceAfter, "test", reference, at)
	if err != nil {
		test.Fatalf("transaction input: %v", err)
	}
	return input
}

func TestCreateBalanceIsConditional(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "user-1")
	ctx := context.Background()

	balance, created, err := store.CreateBalance(ctx, userID, 10, 1000)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if !created || balance.Coins != 10 || balance.TotalEarned != 10 {
		test.Fatalf("unexpected first create: created=%v %+v", created, balance)
	}

	again, created, err := store.CreateBalance(ctx, userID, 99, 2000)
	if err != nil {
		test.Fatalf("second create: %v", err)
	}
	if created {
		test.Fatal("second create must not create a row")
	}
	if again.Coins != 10 {
		test.Fatalf("existing balance was reset: %+v", again)
	}
}

func TestAdjustBalanceDebitGuard(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "debtor")
	ctx := context.Background()
	if _, _, err := store.CreateBalance(ctx, userID, 7, 1000); err != nil {
		test.Fatalf("create: %v", err)
	}

	balance, err := store.AdjustBalance(ctx, userID, -5, 1001)
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if balance.Coins != 2 || balance.TotalSpent != 5 {
		test.Fatalf("unexpected balance after debit: %+v", balance)
	}

	if _, err := store.AdjustBalance(ctx, userID, -5, 1002); !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, err = store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if balance.Coins != 2 {
		test.Fatalf("failed debit changed the balance: %+v", balance)
	}

	if _, err := store.AdjustBalance(ctx, mustUserID(test, "ghost"), -1, 1003); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAdjustBalanceCredit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "creditor")
	ctx := context.Background()
	if _, _, err := store.CreateBalance(ctx, userID, 0, 1000); err != nil {
		test.Fatalf("create: %v", err)
	}

	balance, err := store.AdjustBalance(ctx, userID, 20, 1001)
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if balance.Coins != 20 || balance.TotalEarned != 20 {
		test.Fatalf("unexpected balance after credit: %+v", balance)
	}
	if _, err := store.AdjustBalance(ctx, mustUserID(test, "nobody"), 20, 1002); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAppendTransactionRejectsDuplicateReference(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "webhook")
	ctx := context.Background()
	reference, err := ledger.NewReference(ledger.ReferencePackagePurchase, "evt_1")
	if err != nil {
		test.Fatalf("reference: %v", err)
	}

	if _, err := store.AppendTransaction(ctx, mustInput(test, userID, ledger.TransactionPurchase, 20, 20, &reference, 1000)); err != nil {
		test.Fatalf("first append: %v", err)
	}
	_, err = store.AppendTransaction(ctx, mustInput(test, userID, ledger.TransactionPurchase, 20, 40, &reference, 1001))
	if !errors.Is(err, ledger.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	// Unreferenced transactions never collide.
	if _, err := store.AppendTransaction(ctx, mustInput(test, userID, ledger.TransactionEarn, 5, 25, nil, 1002)); err != nil {
		test.Fatalf("append without reference: %v", err)
	}
	if _, err := store.AppendTransaction(ctx, mustInput(test, userID, ledger.TransactionEarn, 5, 30, nil, 1003)); err != nil {
		test.Fatalf("second append without reference: %v", err)
	}
}

func TestListTransactionsNewestFirst(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "lister")
	ctx := context.Background()

	for index := int64(0); index < 3; index++ {
		input := mustInput(test, userID, ledger.TransactionEarn, 10, ledger.CoinAmount(10*(index+1)), nil, 1000+index)
		if _, err := store.AppendTransaction(ctx, input); err != nil {
			test.Fatalf("append %d: %v", index, err)
		}
	}

	transactions, err := store.ListTransactions(ctx, userID, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected 2 rows, got %d", len(transactions))
	}
	if transactions[0].BalanceAfter != 30 || transactions[1].BalanceAfter != 20 {
		test.Fatalf("expected newest first, got %+v", transactions)
	}

	all, err := store.ListTransactions(ctx, userID, 0)
	if err != nil {
		test.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		test.Fatalf("expected 3 rows, got %d", len(all))
	}
}

func TestListTransactionsSameSecondKeepsAppendOrder(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "same-second")
	ctx := context.Background()

	// One shared timestamp: created_at cannot break the tie, seq must.
	for index := int64(0); index < 3; index++ {
		input := mustInput(test, userID, ledger.TransactionEarn, 10, ledger.CoinAmount(10*(index+1)), nil, 1000)
		if _, err := store.AppendTransaction(ctx, input); err != nil {
			test.Fatalf("append %d: %v", index, err)
		}
	}

	transactions, err := store.ListTransactions(ctx, userID, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 3 {
		test.Fatalf("expected 3 rows, got %d", len(transactions))
	}
	if transactions[0].BalanceAfter != 30 || transactions[1].BalanceAfter != 20 || transactions[2].BalanceAfter != 10 {
		test.Fatalf("append order lost within one second: %+v", transactions)
	}
}

func TestConcurrentSpendsCannotOverdraw(test *testing.T) {
	test.Parallel()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/ledger.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	// One connection: sqlite serializes the writes instead of returning busy.
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := New(db)
	service, err := ledger.NewService(store, func() int64 { return 1000 })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	userID := mustUserID(test, "racer")
	ctx := context.Background()
	if _, err := service.InitializeBalance(ctx, userID, 7); err != nil {
		test.Fatalf("initialize: %v", err)
	}
	amount, err := ledger.NewPositiveCoinAmount(5)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}

	results := make(chan error, 2)
	for index := 0; index < 2; index++ {
		go func() {
			_, spendErr := service.Spend(ctx, userID, amount, "image generation", nil)
			results <- spendErr
		}()
	}
	successes := 0
	var losing error
	for index := 0; index < 2; index++ {
		if spendErr := <-results; spendErr != nil {
			losing = spendErr
		} else {
			successes++
		}
	}
	if successes != 1 || losing == nil {
		test.Fatalf("expected exactly one winning spend, got %d successes (loser: %v)", successes, losing)
	}
	if !errors.Is(losing, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds for the losing spend, got %v", losing)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if balance.Coins != 2 || balance.TotalSpent != 5 {
		test.Fatalf("concurrent spends overdrew the balance: %+v", balance)
	}
}

func TestMonthlyUsageUpsert(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "usage")
	january := mustYearMonth(test, "2025-01")
	february := mustYearMonth(test, "2025-02")
	ctx := context.Background()

	if err := store.AddMonthlyUsage(ctx, userID, january, ledger.UsageImage, 1, 1000); err != nil {
		test.Fatalf("first upsert: %v", err)
	}
	if err := store.AddMonthlyUsage(ctx, userID, january, ledger.UsageImage, 1, 1001); err != nil {
		test.Fatalf("second upsert: %v", err)
	}
	if err := store.AddMonthlyUsage(ctx, userID, january, ledger.UsageVideo, 2, 1002); err != nil {
		test.Fatalf("video upsert: %v", err)
	}
	if err := store.AddMonthlyCoinsGranted(ctx, userID, january, 50, 1003); err != nil {
		test.Fatalf("coins upsert: %v", err)
	}
	if err := store.AddMonthlyUsage(ctx, userID, february, ledger.UsageImage, 1, 1004); err != nil {
		test.Fatalf("february upsert: %v", err)
	}

	usage, err := store.GetMonthlyUsage(ctx, userID, january)
	if err != nil {
		test.Fatalf("get january: %v", err)
	}
	if usage.ImagesGenerated != 2 || usage.VideosGenerated != 2 || usage.CoinsGranted != 50 {
		test.Fatalf("unexpected january usage: %+v", usage)
	}
	next, err := store.GetMonthlyUsage(ctx, userID, february)
	if err != nil {
		test.Fatalf("get february: %v", err)
	}
	if next.ImagesGenerated != 1 || next.VideosGenerated != 0 {
		test.Fatalf("unexpected february usage: %+v", next)
	}
	if _, err := store.GetMonthlyUsage(ctx, userID, mustYearMonth(test, "2025-03")); !errors.Is(err, ledger.ErrUsageNotFound) {
		test.Fatalf("expected ErrUsageNotFound, got %v", err)
	}
}

func TestCatalogAndSettings(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	seed := []CoinPackage{
		{Name: "Mega", CoinsAmount: 500, BonusCoins: 100, PriceUSDCents: 1999, Features: datatypes.JSON(`["500 coins","100 bonus coins"]`), IsActive: true, SortOrder: 2},
		{Name: "Starter", CoinsAmount: 50, PriceUSDCents: 299, IsActive: true, SortOrder: 1},
		{Name: "Retired", CoinsAmount: 10, PriceUSDCents: 99, IsActive: false, SortOrder: 0},
	}
	for index := range seed {
		if err := store.db.Create(&seed[index]).Error; err != nil {
			test.Fatalf("seed package: %v", err)
		}
	}
	if err := store.db.Create(&Setting{SettingKey: "signup_bonus", SettingValue: "10"}).Error; err != nil {
		test.Fatalf("seed setting: %v", err)
	}
	if err := store.db.Create(&APIConfig{APIID: "default", ImageCoins: 1, VideoCoins: 5}).Error; err != nil {
		test.Fatalf("seed api config: %v", err)
	}

	packages, err := store.ListActivePackages(ctx)
	if err != nil {
		test.Fatalf("packages: %v", err)
	}
	if len(packages) != 2 || packages[0].Name != "Starter" || packages[1].Name != "Mega" {
		test.Fatalf("unexpected catalog: %+v", packages)
	}
	if len(packages[1].Features) != 2 || packages[1].Features[0] != "500 coins" {
		test.Fatalf("unexpected features: %+v", packages[1].Features)
	}
	if packages[0].Features != nil {
		test.Fatalf("expected no features for Starter, got %+v", packages[0].Features)
	}

	value, err := store.GetSetting(ctx, "signup_bonus")
	if err != nil || value != "10" {
		test.Fatalf("setting: %q %v", value, err)
	}
	if _, err := store.GetSetting(ctx, "absent"); !errors.Is(err, ledger.ErrSettingNotFound) {
		test.Fatalf("expected ErrSettingNotFound, got %v", err)
	}

	costs, err := store.GetAPICosts(ctx, "default")
	if err != nil || costs.ImageCoins != 1 || costs.VideoCoins != 5 {
		test.Fatalf("api costs: %+v %v", costs, err)
	}
	if _, err := store.GetAPICosts(ctx, "absent"); !errors.Is(err, ledger.ErrSettingNotFound) {
		test.Fatalf("expected ErrSettingNotFound, got %v", err)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustUserID(test, "atomic")
	ctx := context.Background()
	if _, _, err := store.CreateBalance(ctx, userID, 10, 1000); err != nil {
		test.Fatalf("create: %v", err)
	}
	injected := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.AdjustBalance(ctx, userID, -4, 1001); err != nil {
			return err
		}
		return injected
	})
	if !errors.Is(err, injected) {
		test.Fatalf("expected injected error, got %v", err)
	}
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if balance.Coins != 10 {
		test.Fatalf("debit survived rollback: %+v", balance)
	}
}
