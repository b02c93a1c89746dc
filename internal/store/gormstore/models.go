package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance mirrors the balances table. One row per user; mutated only through
// conditional updates issued by Store.
type Balance struct {
	UserID      string    `gorm:"primaryKey"`
	Balance     int64     `gorm:"not null"`
	TotalEarned int64     `gorm:"not null"`
	TotalSpent  int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// Transaction mirrors the append-only transactions table. Seq materializes
// the append order; created_at has second granularity, so list queries sort
// by seq to keep same-second writes in order.
type Transaction struct {
	Seq           int64     `gorm:"primaryKey;autoIncrement;index:idx_transactions_user_seq,priority:2"`
	TransactionID string    `gorm:"type:uuid;uniqueIndex;not null"`
	UserID        string    `gorm:"not null;index:idx_transactions_user_seq,priority:1;index:uniq_transaction_reference,unique,priority:1"`
	Type          string    `gorm:"not null"`
	Amount        int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	Description   string    `gorm:"not null"`
	ReferenceType *string   `gorm:"index:uniq_transaction_reference,unique,priority:2"`
	ReferenceID   *string   `gorm:"index:uniq_transaction_reference,unique,priority:3"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// MonthlyUsage mirrors the monthly_usage table, keyed by user and month.
type MonthlyUsage struct {
	UsageID         string    `gorm:"type:uuid;primaryKey"`
	UserID          string    `gorm:"not null;index:uniq_usage_user_month,unique,priority:1"`
	YearMonth       string    `gorm:"not null;index:uniq_usage_user_month,unique,priority:2"`
	ImagesGenerated int64     `gorm:"not null"`
	VideosGenerated int64     `gorm:"not null"`
	CoinsGranted    int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (MonthlyUsage) TableName() string { return "monthly_usage" }

func (usage *MonthlyUsage) BeforeCreate(tx *gorm.DB) error {
	if usage.UsageID == "" {
		usage.UsageID = uuid.NewString()
	}
	return nil
}

// CoinPackage mirrors the coin_packages catalog table.
type CoinPackage struct {
	PackageID     string         `gorm:"type:uuid;primaryKey"`
	Name          string         `gorm:"not null"`
	CoinsAmount   int64          `gorm:"not null"`
	BonusCoins    int64          `gorm:"not null"`
	PriceUSDCents int64          `gorm:"not null"`
	Features      datatypes.JSON `gorm:"type:jsonb"`
	IsActive      bool           `gorm:"not null;index"`
	SortOrder     int            `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (CoinPackage) TableName() string { return "coin_packages" }

func (coinPackage *CoinPackage) BeforeCreate(tx *gorm.DB) error {
	if coinPackage.PackageID == "" {
		coinPackage.PackageID = uuid.NewString()
	}
	return nil
}

// Setting mirrors the settings key/value table.
type Setting struct {
	SettingKey   string    `gorm:"primaryKey"`
	SettingValue string    `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Setting) TableName() string { return "settings" }

// APIConfig mirrors the api_configs table carrying per-operation coin costs.
type APIConfig struct {
	APIID      string    `gorm:"primaryKey"`
	ImageCoins int64     `gorm:"not null"`
	VideoCoins int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (APIConfig) TableName() string { return "api_configs" }
