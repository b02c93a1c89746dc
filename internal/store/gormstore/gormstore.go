package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/magiccoin/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionReference = "uniq_transaction_reference"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectTransaction        = "transaction"
	errorSubjectUsage              = "usage"
	errorSubjectCatalog            = "catalog"
	errorSubjectSetting            = "setting"
	errorCodeCreate                = "create"
	errorCodeCredit                = "credit"
	errorCodeDebit                 = "debit"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeUpsert                = "upsert"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger schema. Used for sqlite deployments and tests;
// postgres schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Balance{}, &Transaction{}, &MonthlyUsage{}, &CoinPackage{}, &Setting{}, &APIConfig{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var model Balance
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(model)
}

// CreateBalance is a single conditional insert: concurrent first-use calls
// race on the primary key and only one of them creates the row.
func (store *Store) CreateBalance(ctx context.Context, userID ledger.UserID, initialCoins ledger.CoinAmount, nowUnixUTC int64) (ledger.Balance, bool, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	model := Balance{
		UserID:      userID.String(),
		Balance:     initialCoins.Int64(),
		TotalEarned: initialCoins.Int64(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model)
	if result.Error != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeCreate, result.Error)
	}
	created := result.RowsAffected > 0
	if !created {
		existing, err := store.GetBalance(ctx, userID)
		if err != nil {
			return ledger.Balance{}, false, err
		}
		return existing, false, nil
	}
	balance, err := mapBalance(model)
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return balance, true, nil
}

// AdjustBalance applies delta in a single conditional update. Debits carry a
// balance >= amount guard in the WHERE clause, so concurrent spends serialize
// on the row and the losing spend affects zero rows.
func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.CoinAmount, nowUnixUTC int64) (ledger.Balance, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	if delta >= 0 {
		result := store.db.WithContext(ctx).
			Model(&Balance{}).
			Where("user_id = ?", userID.String()).
			Updates(map[string]interface{}{
				"balance":      gorm.Expr("balance + ?", delta.Int64()),
				"total_earned": gorm.Expr("total_earned + ?", delta.Int64()),
				"updated_at":   now,
			})
		if result.Error != nil {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
		}
		if result.RowsAffected == 0 {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrAccountNotFound)
		}
		return store.GetBalance(ctx, userID)
	}

	debit := -delta.Int64()
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ? AND balance >= ?", userID.String(), debit).
		Updates(map[string]interface{}{
			"balance":     gorm.Expr("balance - ?", debit),
			"total_spent": gorm.Expr("total_spent + ?", debit),
			"updated_at":  now,
		})
	if result.Error != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Balance{}).Where("user_id = ?", userID.String()).Count(&count).Error; err != nil {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
		}
		if count == 0 {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrAccountNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	return store.GetBalance(ctx, userID)
}

func (store *Store) AppendTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	var referenceType, referenceID *string
	if reference, ok := input.Reference(); ok {
		kind := reference.Kind().String()
		id := reference.ID()
		referenceType = &kind
		referenceID = &id
	}
	model := Transaction{
		UserID:        input.UserID().String(),
		Type:          input.Type().String(),
		Amount:        input.Amount().Int64(),
		BalanceAfter:  input.BalanceAfter().Int64(),
		Description:   input.Description(),
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		CreatedAt:     time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isReferenceConflict(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Transaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) GetMonthlyUsage(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth) (ledger.MonthlyUsage, error) {
	var model MonthlyUsage
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND year_month = ?", userID.String(), yearMonth.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeGet, ledger.ErrUsageNotFound)
		}
		return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	return mapMonthlyUsage(model)
}

func (store *Store) AddMonthlyUsage(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth, kind ledger.UsageKind, increment int64, nowUnixUTC int64) error {
	column := "images_generated"
	if kind == ledger.UsageVideo {
		column = "videos_generated"
	}
	return store.upsertMonthlyUsage(ctx, userID, yearMonth, column, increment, nowUnixUTC)
}

func (store *Store) AddMonthlyCoinsGranted(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth, coins ledger.CoinAmount, nowUnixUTC int64) error {
	return store.upsertMonthlyUsage(ctx, userID, yearMonth, "coins_granted", coins.Int64(), nowUnixUTC)
}

// upsertMonthlyUsage is a single INSERT ... ON CONFLICT DO UPDATE, so the
// first call in a month creates the row and later calls add in place.
func (store *Store) upsertMonthlyUsage(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth, column string, increment int64, nowUnixUTC int64) error {
	now := time.Unix(nowUnixUTC, 0).UTC()
	model := MonthlyUsage{
		UserID:    userID.String(),
		YearMonth: yearMonth.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch column {
	case "images_generated":
		model.ImagesGenerated = increment
	case "videos_generated":
		model.VideosGenerated = increment
	case "coins_granted":
		model.CoinsGranted = increment
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "year_month"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				column:       gorm.Expr("monthly_usage."+column+" + ?", increment),
				"updated_at": now,
			}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) ListActivePackages(ctx context.Context) ([]ledger.CoinPackage, error) {
	var rows []CoinPackage
	err := store.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	packages := make([]ledger.CoinPackage, 0, len(rows))
	for _, row := range rows {
		packages = append(packages, ledger.CoinPackage{
			PackageID:     row.PackageID,
			Name:          row.Name,
			CoinsAmount:   ledger.CoinAmount(row.CoinsAmount),
			BonusCoins:    ledger.CoinAmount(row.BonusCoins),
			PriceUSDCents: row.PriceUSDCents,
			Features:      decodeFeatures(row.Features),
			IsActive:      row.IsActive,
			SortOrder:     row.SortOrder,
		})
	}
	return packages, nil
}

// decodeFeatures tolerates missing or malformed feature lists; the catalog is
// display data and must not fail a read.
func decodeFeatures(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var features []string
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil
	}
	return features
}

func (store *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var model Setting
	err := store.db.WithContext(ctx).Where("setting_key = ?", key).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", wrapStoreError(errorSubjectSetting, errorCodeGet, ledger.ErrSettingNotFound)
		}
		return "", wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return model.SettingValue, nil
}

func (store *Store) GetAPICosts(ctx context.Context, apiID string) (ledger.APICosts, error) {
	var model APIConfig
	err := store.db.WithContext(ctx).Where("api_id = ?", apiID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.APICosts{}, wrapStoreError(errorSubjectSetting, errorCodeGet, ledger.ErrSettingNotFound)
		}
		return ledger.APICosts{}, wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return ledger.APICosts{
		ImageCoins: ledger.CoinAmount(model.ImageCoins),
		VideoCoins: ledger.CoinAmount(model.VideoCoins),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(model Balance) (ledger.Balance, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.Balance{
		UserID:         userID,
		Coins:          ledger.CoinAmount(model.Balance),
		TotalEarned:    ledger.CoinAmount(model.TotalEarned),
		TotalSpent:     ledger.CoinAmount(model.TotalSpent),
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func mapTransaction(model Transaction) (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(model.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var reference *ledger.Reference
	if model.ReferenceType != nil && model.ReferenceID != nil {
		kind, err := ledger.ParseReferenceKind(*model.ReferenceType)
		if err != nil {
			return ledger.Transaction{}, err
		}
		parsed, err := ledger.NewReference(kind, *model.ReferenceID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		reference = &parsed
	}
	return ledger.Transaction{
		TransactionID:  model.TransactionID,
		UserID:         userID,
		Type:           transactionType,
		Amount:         ledger.CoinAmount(model.Amount),
		BalanceAfter:   ledger.CoinAmount(model.BalanceAfter),
		Description:    model.Description,
		Reference:      reference,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapMonthlyUsage(model MonthlyUsage) (ledger.MonthlyUsage, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	yearMonth, err := ledger.NewYearMonth(model.YearMonth)
	if err != nil {
		return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	return ledger.MonthlyUsage{
		UserID:          userID,
		YearMonth:       yearMonth,
		ImagesGenerated: model.ImagesGenerated,
		VideosGenerated: model.VideosGenerated,
		CoinsGranted:    ledger.CoinAmount(model.CoinsGranted),
		CreatedUnixUTC:  model.CreatedAt.Unix(),
		UpdatedUnixUTC:  model.UpdatedAt.Unix(),
	}, nil
}

func isReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionReference
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
