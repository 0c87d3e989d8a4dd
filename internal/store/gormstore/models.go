package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	WalletID    string          `gorm:"type:uuid;primaryKey"`
	UserID      string          `gorm:"not null;index:idx_wallets_user_active,priority:1"`
	Last4       string          `gorm:"type:varchar(4);not null"`
	HolderName  string          `gorm:"not null"`
	ExpiryMonth int             `gorm:"not null"`
	ExpiryYear  int             `gorm:"not null"`
	Balance     decimal.Decimal `gorm:"type:numeric(12,2);not null;check:chk_wallets_balance_non_negative,balance >= 0"`
	Active      bool            `gorm:"not null;index:idx_wallets_user_active,priority:2"`
	CreatedAt   time.Time       `gorm:"not null"`
	UpdatedAt   time.Time       `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID     string          `gorm:"type:uuid;primaryKey"`
	UserID      string          `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	WalletID    *string         `gorm:"type:uuid;index"`
	ListingID   *string         `gorm:"type:uuid;index"`
	Amount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Kind        string          `gorm:"type:varchar(32);not null"`
	Status      string          `gorm:"type:varchar(16);not null"`
	Description string          `gorm:"not null;default:''"`
	Metadata    datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time       `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// DailyCharge mirrors the daily_charges table. (listing_id, charge_date) is unique.
type DailyCharge struct {
	DailyChargeID string          `gorm:"type:uuid;primaryKey"`
	ListingID     string          `gorm:"type:uuid;not null;uniqueIndex:uniq_daily_charge_listing_date,priority:1"`
	ChargeDate    string          `gorm:"type:varchar(10);not null;uniqueIndex:uniq_daily_charge_listing_date,priority:2"`
	UserID        string          `gorm:"not null;index"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	EntryID       *string         `gorm:"type:uuid"`
	Success       bool            `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (DailyCharge) TableName() string { return "daily_charges" }

func (charge *DailyCharge) BeforeCreate(tx *gorm.DB) error {
	if charge.DailyChargeID == "" {
		charge.DailyChargeID = uuid.NewString()
	}
	return nil
}

// Listing mirrors the billing view of the listings table.
type Listing struct {
	ListingID string    `gorm:"type:uuid;primaryKey"`
	HostID    string    `gorm:"not null;index:idx_listings_host_active,priority:1"`
	Title     string    `gorm:"not null"`
	Active    bool      `gorm:"not null;index:idx_listings_host_active,priority:2"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (Listing) TableName() string { return "listings" }

func (listing *Listing) BeforeCreate(tx *gorm.DB) error {
	if listing.ListingID == "" {
		listing.ListingID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{&Wallet{}, &LedgerEntry{}, &DailyCharge{}, &Listing{}}
}
