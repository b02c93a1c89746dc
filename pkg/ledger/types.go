package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CoinAmount is a signed number of magic coins.
type CoinAmount int64

// Int64 returns the raw coin count.
func (amount CoinAmount) Int64() int64 {
	return int64(amount)
}

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// PositiveCoinAmount is a strictly positive coin count, validated at construction.
type PositiveCoinAmount struct {
	value int64
}

// NewPositiveCoinAmount rejects zero and negative amounts.
func NewPositiveCoinAmount(raw int64) (PositiveCoinAmount, error) {
	if raw <= 0 {
		return PositiveCoinAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCoinAmount{value: raw}, nil
}

// Coins returns the amount as a signed CoinAmount.
func (amount PositiveCoinAmount) Coins() CoinAmount {
	return CoinAmount(amount.value)
}

// Negated returns the amount as a debit.
func (amount PositiveCoinAmount) Negated() CoinAmount {
	return CoinAmount(-amount.value)
}

// Int64 returns the raw value.
func (amount PositiveCoinAmount) Int64() int64 {
	return amount.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionEarn              TransactionType = "earn"
	TransactionSpend             TransactionType = "spend"
	TransactionPurchase          TransactionType = "purchase"
	TransactionSubscriptionGrant TransactionType = "subscription_grant"
	TransactionAdminGrant        TransactionType = "admin_grant"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionEarn, TransactionSpend, TransactionPurchase, TransactionSubscriptionGrant, TransactionAdminGrant:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the wire value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsCredit reports whether the type credits the balance.
func (transactionType TransactionType) IsCredit() bool {
	return transactionType != TransactionSpend
}

// ReferenceKind enumerates the domain events a transaction may point at.
type ReferenceKind string

const (
	ReferenceGenerationImage  ReferenceKind = "generation_image"
	ReferenceGenerationVideo  ReferenceKind = "generation_video"
	ReferencePackagePurchase  ReferenceKind = "package_purchase"
	ReferenceSubscriptionTerm ReferenceKind = "subscription_grant"
	ReferenceAdminAdjustment  ReferenceKind = "admin_adjustment"
)

// ParseReferenceKind validates a raw reference kind.
func ParseReferenceKind(raw string) (ReferenceKind, error) {
	switch ReferenceKind(raw) {
	case ReferenceGenerationImage, ReferenceGenerationVideo, ReferencePackagePurchase, ReferenceSubscriptionTerm, ReferenceAdminAdjustment:
		return ReferenceKind(raw), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidReference, raw)
}

// String returns the wire value.
func (kind ReferenceKind) String() string {
	return string(kind)
}

// Reference points a transaction at its causing domain event.
type Reference struct {
	kind ReferenceKind
	id   string
}

// NewReference validates a reference kind plus identifier pair.
func NewReference(kind ReferenceKind, id string) (Reference, error) {
	if _, err := ParseReferenceKind(kind.String()); err != nil {
		return Reference{}, err
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty id", ErrInvalidReference)
	}
	return Reference{kind: kind, id: trimmed}, nil
}

// Kind returns the reference kind.
func (reference Reference) Kind() ReferenceKind {
	return reference.kind
}

// ID returns the referenced event identifier.
func (reference Reference) ID() string {
	return reference.id
}

// UsageKind returns the monthly usage counter the reference feeds, if any.
func (reference Reference) UsageKind() (UsageKind, bool) {
	switch reference.kind {
	case ReferenceGenerationImage:
		return UsageImage, true
	case ReferenceGenerationVideo:
		return UsageVideo, true
	}
	return "", false
}

// Balance is the materialized coin balance for one user.
type Balance struct {
	UserID         UserID
	Coins          CoinAmount
	TotalEarned    CoinAmount
	TotalSpent     CoinAmount
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Transaction is one immutable line in the coin ledger.
type Transaction struct {
	TransactionID  string
	UserID         UserID
	Type           TransactionType
	Amount         CoinAmount
	BalanceAfter   CoinAmount
	Description    string
	Reference      *Reference
	CreatedUnixUTC int64
}

// TransactionInput carries a validated, not-yet-persisted transaction.
type TransactionInput struct {
	userID         UserID
	txType         TransactionType
	amount         CoinAmount
	balanceAfter   CoinAmount
	description    string
	reference      *Reference
	createdUnixUTC int64
}

// NewTransactionInput validates the sign discipline: spends are negative,
// every other type is positive, and the balance snapshot is never negative.
func NewTransactionInput(userID UserID, txType TransactionType, amount CoinAmount, balanceAfter CoinAmount, description string, reference *Reference, createdUnixUTC int64) (TransactionInput, error) {
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(txType.String()); err != nil {
		return TransactionInput{}, err
	}
	if txType.IsCredit() && amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: %s amount must be positive", ErrInvalidAmount, txType)
	}
	if !txType.IsCredit() && amount >= 0 {
		return TransactionInput{}, fmt.Errorf("%w: spend amount must be negative", ErrInvalidAmount)
	}
	if balanceAfter < 0 {
		return TransactionInput{}, fmt.Errorf("%w: negative balance snapshot", ErrInvalidAmount)
	}
	return TransactionInput{
		userID:         userID,
		txType:         txType,
		amount:         amount,
		balanceAfter:   balanceAfter,
		description:    strings.TrimSpace(description),
		reference:      reference,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the owning user.
func (input TransactionInput) UserID() UserID { return input.userID }

// Type returns the transaction type.
func (input TransactionInput) Type() TransactionType { return input.txType }

// Amount returns the signed amount.
func (input TransactionInput) Amount() CoinAmount { return input.amount }

// BalanceAfter returns the balance snapshot taken after the mutation.
func (input TransactionInput) BalanceAfter() CoinAmount { return input.balanceAfter }

// Description returns the human-readable description.
func (input TransactionInput) Description() string { return input.description }

// Reference returns the causing event, if supplied.
func (input TransactionInput) Reference() (Reference, bool) {
	if input.reference == nil {
		return Reference{}, false
	}
	return *input.reference, true
}

// CreatedUnixUTC returns the creation time.
func (input TransactionInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// YearMonth is a calendar month key in "YYYY-MM" form.
type YearMonth struct {
	value string
}

// NewYearMonth validates a "YYYY-MM" key.
func NewYearMonth(raw string) (YearMonth, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse("2006-01", trimmed)
	if err != nil {
		return YearMonth{}, fmt.Errorf("%w: %q", ErrInvalidYearMonth, raw)
	}
	return YearMonth{value: parsed.Format("2006-01")}, nil
}

// YearMonthOf returns the calendar month containing the given instant.
func YearMonthOf(unixUTC int64) YearMonth {
	return YearMonth{value: time.Unix(unixUTC, 0).UTC().Format("2006-01")}
}

// String returns the "YYYY-MM" key.
func (yearMonth YearMonth) String() string {
	return yearMonth.value
}

// IsZero reports whether the key is unset.
func (yearMonth YearMonth) IsZero() bool {
	return yearMonth.value == ""
}

// UsageKind selects a monthly usage counter.
type UsageKind string

const (
	UsageImage UsageKind = "image"
	UsageVideo UsageKind = "video"
)

// ParseUsageKind validates a raw usage kind.
func ParseUsageKind(raw string) (UsageKind, error) {
	switch UsageKind(raw) {
	case UsageImage, UsageVideo:
		return UsageKind(raw), nil
	}
	return "", fmt.Errorf("%w: unknown usage kind %q", ErrInvalidUsageKind, raw)
}

// String returns the wire value.
func (kind UsageKind) String() string {
	return string(kind)
}

// MonthlyUsage aggregates one user's generation activity for one month.
type MonthlyUsage struct {
	UserID          UserID
	YearMonth       YearMonth
	ImagesGenerated int64
	VideosGenerated int64
	CoinsGranted    CoinAmount
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
}

// CoinPackage is one purchasable coin bundle from the read-only catalog.
type CoinPackage struct {
	PackageID     string
	Name          string
	CoinsAmount   CoinAmount
	BonusCoins    CoinAmount
	PriceUSDCents int64
	Features      []string
	IsActive      bool
	SortOrder     int
}

// TotalCoins returns base plus bonus coins granted by a purchase.
func (coinPackage CoinPackage) TotalCoins() CoinAmount {
	return coinPackage.CoinsAmount + coinPackage.BonusCoins
}

// APICosts is the per-operation coin price for one generation provider.
type APICosts struct {
	ImageCoins CoinAmount
	VideoCoins CoinAmount
}

// LedgerAudit is the result of replaying a user's transaction log.
type LedgerAudit struct {
	UserID           UserID
	Balance          CoinAmount
	ReplayedSum      CoinAmount
	TransactionCount int
	Consistent       bool
}

// Store is the persistence contract used by Service.
// Both gormstore and pgstore implement it. The conditional create and the
// conditional balance adjustment must each be a single statement at the
// storage layer so concurrent callers serialize on the balance row.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	CreateBalance(ctx context.Context, userID UserID, initialCoins CoinAmount, nowUnixUTC int64) (Balance, bool, error)
	AdjustBalance(ctx context.Context, userID UserID, delta CoinAmount, nowUnixUTC int64) (Balance, error)
	AppendTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	GetMonthlyUsage(ctx context.Context, userID UserID, yearMonth YearMonth) (MonthlyUsage, error)
	AddMonthlyUsage(ctx context.Context, userID UserID, yearMonth YearMonth, kind UsageKind, increment int64, nowUnixUTC int64) error
	AddMonthlyCoinsGranted(ctx context.Context, userID UserID, yearMonth YearMonth, coins CoinAmount, nowUnixUTC int64) error
	ListActivePackages(ctx context.Context) ([]CoinPackage, error)
	GetSetting(ctx context.Context, key string) (string, error)
	GetAPICosts(ctx context.Context, apiID string) (APICosts, error)
}
