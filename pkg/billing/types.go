package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a wallet owner or listing host.
type UserID struct {
	value string
}

// WalletID identifies a stored-value wallet.
type WalletID struct {
	value string
}

// ListingID identifies a listing.
type ListingID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
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

// NewWalletID validates and normalizes a wallet id.
func NewWalletID(raw string) (WalletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WalletID{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	return WalletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// NewListingID validates and normalizes a listing id.
func NewListingID(raw string) (ListingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ListingID{}, fmt.Errorf("%w: empty value", ErrInvalidListingID)
	}
	return ListingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ListingID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Amount is a strictly positive monetary value with two decimal places.
type Amount struct {
	value decimal.Decimal
}

// NewAmount validates a decimal amount: positive and at most two decimal places.
func NewAmount(raw decimal.Decimal) (Amount, error) {
	if !raw.IsPositive() {
		return Amount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !raw.Equal(raw.Round(amountScale)) {
		return Amount{}, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, amountScale)
	}
	return Amount{value: raw.Round(amountScale)}, nil
}

// ParseAmount parses a decimal string such as "10.50".
func ParseAmount(raw string) (Amount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewAmount(parsed)
}

// Decimal returns the underlying decimal value.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// IsZero reports whether the amount was never set.
func (amount Amount) IsZero() bool {
	return amount.value.IsZero()
}

// String formats the amount with two decimal places.
func (amount Amount) String() string {
	return amount.value.StringFixed(amountScale)
}

// ChargeDate is a UTC calendar date in YYYY-MM-DD form.
type ChargeDate struct {
	value string
}

// NewChargeDate returns the UTC calendar date of the given instant.
func NewChargeDate(at time.Time) ChargeDate {
	return ChargeDate{value: at.UTC().Format(chargeDateLayout)}
}

// ParseChargeDate validates a YYYY-MM-DD date string.
func ParseChargeDate(raw string) (ChargeDate, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := time.Parse(chargeDateLayout, trimmed)
	if err != nil {
		return ChargeDate{}, fmt.Errorf("%w: %v", ErrInvalidChargeDate, err)
	}
	return NewChargeDate(parsed), nil
}

// String returns the YYYY-MM-DD representation.
func (date ChargeDate) String() string {
	return date.value
}

// IsZero reports whether the date was never set.
func (date ChargeDate) IsZero() bool {
	return date.value == ""
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryInitialCredit    EntryKind = "initial_credit"
	EntryListingCharge    EntryKind = "listing_charge"
	EntryActivationCharge EntryKind = "listing_activation_charge"
	EntryDailyCharge      EntryKind = "daily_charge"
	EntryRefund           EntryKind = "refund"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.TrimSpace(raw))
	switch kind {
	case EntryInitialCredit, EntryListingCharge, EntryActivationCharge, EntryDailyCharge, EntryRefund:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// IsDebit reports whether entries of this kind decrease a wallet balance.
func (kind EntryKind) IsDebit() bool {
	switch kind {
	case EntryListingCharge, EntryActivationCharge, EntryDailyCharge:
		return true
	default:
		return false
	}
}

// EntryStatus defines the entry lifecycle.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
)

// Wallet is a stored-value payment source owned by a user.
type Wallet struct {
	ID          WalletID
	UserID      UserID
	Last4       string
	HolderName  string
	ExpiryMonth int
	ExpiryYear  int
	Balance     decimal.Decimal
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID          EntryID
	UserID      UserID
	WalletID    *WalletID
	ListingID   *ListingID
	Amount      Amount
	Kind        EntryKind
	Status      EntryStatus
	Description string
	Metadata    MetadataJSON
	CreatedAt   time.Time
}

// DailyChargeRecord marks a listing as processed for a calendar date.
type DailyChargeRecord struct {
	ListingID  ListingID
	UserID     UserID
	Amount     Amount
	ChargeDate ChargeDate
	EntryID    *EntryID
	Success    bool
	CreatedAt  time.Time
}

// Listing mirrors the billing-relevant part of a marketplace listing.
type Listing struct {
	ID        ListingID
	HostID    UserID
	Title     string
	Active    bool
	CreatedAt time.Time
}

// BalanceStore persists wallets. LockActiveWallets holds an exclusive row lock
// on the returned wallets until the enclosing unit of work ends.
type BalanceStore interface {
	CreateWallet(ctx context.Context, wallet Wallet) (Wallet, error)
	GetWallet(ctx context.Context, userID UserID, walletID WalletID) (Wallet, error)
	LockWallet(ctx context.Context, userID UserID, walletID WalletID) (Wallet, error)
	ListWallets(ctx context.Context, userID UserID) ([]Wallet, error)
	LockActiveWallets(ctx context.Context, userID UserID) ([]Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID WalletID, balance decimal.Decimal) error
	SetWalletActive(ctx context.Context, walletID WalletID, active bool) error
	DeleteWallet(ctx context.Context, walletID WalletID) error
}

// LedgerStore appends and reads immutable entries.
type LedgerStore interface {
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error)
}

// DailyChargeRegistry records which listings were processed on which date.
// InsertDailyCharge returns ErrAlreadyCharged when the (listing, date) pair exists.
type DailyChargeRegistry interface {
	DailyChargeExists(ctx context.Context, listingID ListingID, date ChargeDate) (bool, error)
	InsertDailyCharge(ctx context.Context, record DailyChargeRecord) error
	ListDailyCharges(ctx context.Context, listingID ListingID, limit int) ([]DailyChargeRecord, error)
}

// ListingStore exposes the listing fields billing reads and writes.
type ListingStore interface {
	CreateListing(ctx context.Context, listing Listing) (Listing, error)
	GetListing(ctx context.Context, listingID ListingID) (Listing, error)
	LockListing(ctx context.Context, listingID ListingID) (Listing, error)
	CountListings(ctx context.Context, hostID UserID) (int64, error)
	CountActiveListings(ctx context.Context, hostID UserID) (int64, error)
	SetListingActive(ctx context.Context, listingID ListingID, active bool) error
	DeactivateHostListings(ctx context.Context, hostID UserID) (int64, error)
	ListActiveListings(ctx context.Context) ([]Listing, error)
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	BalanceStore
	LedgerStore
	DailyChargeRegistry
	ListingStore
}
