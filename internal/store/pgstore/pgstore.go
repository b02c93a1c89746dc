package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarkoPoloResearchLab/magiccoin/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionReference = "uniq_transaction_reference"
	pgUniqueViolationCode          = "23505"
	errorOperationStore            = "store"
	errorSubjectBalance            = "balance"
	errorSubjectTransaction        = "transaction"
	errorSubjectUsage              = "usage"
	errorSubjectCatalog            = "catalog"
	errorSubjectSetting            = "setting"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCreate                = "create"
	errorCodeCredit                = "credit"
	errorCodeDebit                 = "debit"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeUpsert                = "upsert"

	sqlSelectBalance = `
		select user_id, balance, total_earned, total_spent,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from balances
		where user_id = $1
	`

	sqlInsertBalance = `
		insert into balances(user_id, balance, total_earned, total_spent, created_at, updated_at)
		values($1, $2, $2, 0, to_timestamp($3), to_timestamp($3))
		on conflict (user_id) do nothing
	`

	sqlCreditBalance = `
		update balances
		set balance = balance + $2, total_earned = total_earned + $2, updated_at = to_timestamp($3)
		where user_id = $1
	`

	sqlDebitBalance = `
		update balances
		set balance = balance - $2, total_spent = total_spent + $2, updated_at = to_timestamp($3)
		where user_id = $1 and balance >= $2
	`

	sqlCountBalance = `
		select count(*) from balances where user_id = $1
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, user_id, type, amount, balance_after, description,
			reference_type, reference_id, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			nullif($6,''), nullif($7,''),
			to_timestamp($8)
		)
		returning transaction_id::text
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			user_id,
			type,
			amount,
			balance_after,
			description,
			coalesce(reference_type,''),
			coalesce(reference_id,''),
			extract(epoch from created_at)::bigint
		from transactions
		where user_id = $1
		order by seq desc
		limit nullif($2,0)
	`

	sqlSelectMonthlyUsage = `
		select user_id, year_month, images_generated, videos_generated, coins_granted,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from monthly_usage
		where user_id = $1 and year_month = $2
	`

	sqlUpsertMonthlyUsage = `
		insert into monthly_usage(
			usage_id, user_id, year_month, images_generated, videos_generated, coins_granted, created_at, updated_at
		)
		values(
			gen_random_uuid(), $1, $2,
			case when $3 = 'images_generated' then $4 else 0 end,
			case when $3 = 'videos_generated' then $4 else 0 end,
			case when $3 = 'coins_granted' then $4 else 0 end,
			to_timestamp($5), to_timestamp($5)
		)
		on conflict (user_id, year_month) do update set
			images_generated = monthly_usage.images_generated + case when $3 = 'images_generated' then $4 else 0 end,
			videos_generated = monthly_usage.videos_generated + case when $3 = 'videos_generated' then $4 else 0 end,
			coins_granted = monthly_usage.coins_granted + case when $3 = 'coins_granted' then $4 else 0 end,
			updated_at = to_timestamp($5)
	`

	sqlListActivePackages = `
		select package_id::text, name, coins_amount, bonus_coins, price_usd_cents,
			coalesce(features::text,'[]'), is_active, sort_order
		from coin_packages
		where is_active
		order by sort_order asc
	`

	sqlSelectSetting = `
		select setting_value from settings where setting_key = $1
	`

	sqlSelectAPICosts = `
		select image_coins, video_coins from api_configs where api_id = $1
	`
)

// querier is the query surface shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx on an open transaction joins it rather than nesting.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (q queries) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	balance, err := scanBalance(q.db.QueryRow(ctx, sqlSelectBalance, userID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

func (q queries) CreateBalance(ctx context.Context, userID ledger.UserID, initialCoins ledger.CoinAmount, nowUnixUTC int64) (ledger.Balance, bool, error) {
	tag, err := q.db.Exec(ctx, sqlInsertBalance, userID.String(), initialCoins.Int64(), nowUnixUTC)
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	balance, err := q.GetBalance(ctx, userID)
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return balance, tag.RowsAffected() > 0, nil
}

func (q queries) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.CoinAmount, nowUnixUTC int64) (ledger.Balance, error) {
	if delta >= 0 {
		tag, err := q.db.Exec(ctx, sqlCreditBalance, userID.String(), delta.Int64(), nowUnixUTC)
		if err != nil {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrAccountNotFound)
		}
		return q.GetBalance(ctx, userID)
	}

	debit := -delta.Int64()
	tag, err := q.db.Exec(ctx, sqlDebitBalance, userID.String(), debit, nowUnixUTC)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	if tag.RowsAffected() == 0 {
		var count int64
		if err := q.db.QueryRow(ctx, sqlCountBalance, userID.String()).Scan(&count); err != nil {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
		}
		if count == 0 {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrAccountNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	return q.GetBalance(ctx, userID)
}

func (q queries) AppendTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	referenceType := ""
	referenceID := ""
	var reference *ledger.Reference
	if parsed, ok := input.Reference(); ok {
		referenceType = parsed.Kind().String()
		referenceID = parsed.ID()
		reference = &parsed
	}
	var transactionID string
	err := q.db.QueryRow(ctx, sqlInsertTransaction,
		input.UserID().String(),
		input.Type().String(),
		input.Amount().Int64(),
		input.BalanceAfter().Int64(),
		input.Description(),
		referenceType,
		referenceID,
		input.CreatedUnixUTC(),
	).Scan(&transactionID)
	if isReferenceConflict(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return ledger.Transaction{
		TransactionID:  transactionID,
		UserID:         input.UserID(),
		Type:           input.Type(),
		Amount:         input.Amount(),
		BalanceAfter:   input.BalanceAfter(),
		Description:    input.Description(),
		Reference:      reference,
		CreatedUnixUTC: input.CreatedUnixUTC(),
	}, nil
}

func (q queries) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	rows, err := q.db.Query(ctx, sqlListTransactions, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (q queries) GetMonthlyUsage(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth) (ledger.MonthlyUsage, error) {
	var (
		userValue   string
		monthValue  string
		images      int64
		videos      int64
		coins       int64
		createdUnix int64
		updatedUnix int64
	)
	err := q.db.QueryRow(ctx, sqlSelectMonthlyUsage, userID.String(), yearMonth.String()).Scan(
		&userValue, &monthValue, &images, &videos, &coins, &createdUnix, &updatedUnix,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeGet, ledger.ErrUsageNotFound)
		}
		return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	parsedUserID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	parsedMonth, err := ledger.NewYearMonth(monthValue)
	if err != nil {
		return ledger.MonthlyUsage{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	return ledger.MonthlyUsage{
		UserID:          parsedUserID,
		YearMonth:       parsedMonth,
		ImagesGenerated: images,
		VideosGenerated: videos,
		CoinsGranted:    ledger.CoinAmount(coins),
		CreatedUnixUTC:  createdUnix,
		UpdatedUnixUTC:  updatedUnix,
	}, nil
}

func (q queries) AddMonthlyUsage(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth, kind ledger.UsageKind, increment int64, nowUnixUTC int64) error {
	column := "images_generated"
	if kind == ledger.UsageVideo {
		column = "videos_generated"
	}
	return q.upsertMonthlyUsage(ctx, userID, yearMonth, column, increment, nowUnixUTC)
}

func (q queries) AddMonthlyCoinsGranted(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth, coins ledger.CoinAmount, nowUnixUTC int64) error {
	return q.upsertMonthlyUsage(ctx, userID, yearMonth, "coins_granted", coins.Int64(), nowUnixUTC)
}

func (q queries) upsertMonthlyUsage(ctx context.Context, userID ledger.UserID, yearMonth ledger.YearMonth, column string, increment int64, nowUnixUTC int64) error {
	_, err := q.db.Exec(ctx, sqlUpsertMonthlyUsage, userID.String(), yearMonth.String(), column, increment, nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeUpsert, err)
	}
	return nil
}

func (q queries) ListActivePackages(ctx context.Context) ([]ledger.CoinPackage, error) {
	rows, err := q.db.Query(ctx, sqlListActivePackages)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	defer rows.Close()
	packages := make([]ledger.CoinPackage, 0, 8)
	for rows.Next() {
		var (
			packageID   string
			name        string
			coins       int64
			bonus       int64
			price       int64
			rawFeatures string
			isActive    bool
			sortOrder   int
		)
		if err := rows.Scan(&packageID, &name, &coins, &bonus, &price, &rawFeatures, &isActive, &sortOrder); err != nil {
			return nil, wrapStoreError(errorSubjectCatalog, errorCodeInvalid, err)
		}
		packages = append(packages, ledger.CoinPackage{
			PackageID:     packageID,
			Name:          name,
			CoinsAmount:   ledger.CoinAmount(coins),
			BonusCoins:    ledger.CoinAmount(bonus),
			PriceUSDCents: price,
			Features:      decodeFeatures(rawFeatures),
			IsActive:      isActive,
			SortOrder:     sortOrder,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCatalog, errorCodeList, err)
	}
	return packages, nil
}

func (q queries) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRow(ctx, sqlSelectSetting, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", wrapStoreError(errorSubjectSetting, errorCodeGet, ledger.ErrSettingNotFound)
		}
		return "", wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return value, nil
}

func (q queries) GetAPICosts(ctx context.Context, apiID string) (ledger.APICosts, error) {
	var imageCoins, videoCoins int64
	err := q.db.QueryRow(ctx, sqlSelectAPICosts, apiID).Scan(&imageCoins, &videoCoins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.APICosts{}, wrapStoreError(errorSubjectSetting, errorCodeGet, ledger.ErrSettingNotFound)
		}
		return ledger.APICosts{}, wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return ledger.APICosts{
		ImageCoins: ledger.CoinAmount(imageCoins),
		VideoCoins: ledger.CoinAmount(videoCoins),
	}, nil
}

func scanBalance(row pgx.Row) (ledger.Balance, error) {
	var (
		userValue   string
		balance     int64
		totalEarned int64
		totalSpent  int64
		createdUnix int64
		updatedUnix int64
	)
	if err := row.Scan(&userValue, &balance, &totalEarned, &totalSpent, &createdUnix, &updatedUnix); err != nil {
		return ledger.Balance{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		UserID:         userID,
		Coins:          ledger.CoinAmount(balance),
		TotalEarned:    ledger.CoinAmount(totalEarned),
		TotalSpent:     ledger.CoinAmount(totalSpent),
		CreatedUnixUTC: createdUnix,
		UpdatedUnixUTC: updatedUnix,
	}, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionID string
			userValue     string
			typeValue     string
			amount        int64
			balanceAfter  int64
			description   string
			referenceType string
			referenceID   string
			createdUnix   int64
		)
		if err := rows.Scan(
			&transactionID,
			&userValue,
			&typeValue,
			&amount,
			&balanceAfter,
			&description,
			&referenceType,
			&referenceID,
			&createdUnix,
		); err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		var reference *ledger.Reference
		if referenceType != "" && referenceID != "" {
			kind, err := ledger.ParseReferenceKind(referenceType)
			if err != nil {
				return nil, err
			}
			parsed, err := ledger.NewReference(kind, referenceID)
			if err != nil {
				return nil, err
			}
			reference = &parsed
		}
		transactions = append(transactions, ledger.Transaction{
			TransactionID:  transactionID,
			UserID:         userID,
			Type:           transactionType,
			Amount:         ledger.CoinAmount(amount),
			BalanceAfter:   ledger.CoinAmount(balanceAfter),
			Description:    description,
			Reference:      reference,
			CreatedUnixUTC: createdUnix,
		})
	}
	return transactions, rows.Err()
}

func decodeFeatures(raw string) []string {
	var features []string
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		return nil
	}
	return features
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionReference
	}
	return false
}
