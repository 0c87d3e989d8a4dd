package gormstore

import (
	"context"
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	constraintDailyChargeListingDate = "uniq_daily_charge_listing_date"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	errorOperationStore              = "store"
	errorSubjectWallet               = "wallet"
	errorSubjectEntry                = "entry"
	errorSubjectDailyCharge          = "daily_charge"
	errorSubjectListing              = "listing"
	errorCodeCreate                  = "create"
	errorCodeDelete                  = "delete"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeLock                    = "lock"
	errorCodeCount                   = "count"
	errorCodeUpdate                  = "update"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the billing tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateWallet(ctx context.Context, wallet billing.Wallet) (billing.Wallet, error) {
	model := Wallet{
		UserID:      wallet.UserID.String(),
		Last4:       wallet.Last4,
		HolderName:  wallet.HolderName,
		ExpiryMonth: wallet.ExpiryMonth,
		ExpiryYear:  wallet.ExpiryYear,
		Balance:     wallet.Balance,
		Active:      wallet.Active,
		CreatedAt:   wallet.CreatedAt,
		UpdatedAt:   wallet.UpdatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return mapWallet(model)
}

func (store *Store) GetWallet(ctx context.Context, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error) {
	return store.findWallet(store.db.WithContext(ctx), userID, walletID, errorCodeGet)
}

func (store *Store) LockWallet(ctx context.Context, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error) {
	return store.findWallet(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, walletID, errorCodeLock)
}

func (store *Store) findWallet(query *gorm.DB, userID billing.UserID, walletID billing.WalletID, code string) (billing.Wallet, error) {
	var model Wallet
	err := query.Where("wallet_id = ? AND user_id = ?", walletID.String(), userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Wallet{}, wrapStoreError(errorSubjectWallet, code, billing.ErrUnknownWallet)
		}
		return billing.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	return mapWallet(model)
}

func (store *Store) ListWallets(ctx context.Context, userID billing.UserID) ([]billing.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("wallet_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return mapWallets(rows)
}

// LockActiveWallets locks rows in wallet id order so concurrent units never
// acquire them in conflicting order.
func (store *Store) LockActiveWallets(ctx context.Context, userID billing.UserID) ([]billing.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND active = ?", userID.String(), true).
		Order("wallet_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return mapWallets(rows)
}

func (store *Store) UpdateWalletBalance(ctx context.Context, walletID billing.WalletID, balance decimal.Decimal) error {
	return store.updateWallet(ctx, walletID, "balance", balance)
}

func (store *Store) SetWalletActive(ctx context.Context, walletID billing.WalletID, active bool) error {
	return store.updateWallet(ctx, walletID, "active", active)
}

func (store *Store) updateWallet(ctx context.Context, walletID billing.WalletID, column string, value any) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ?", walletID.String()).
		Update(column, value)
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, billing.ErrUnknownWallet)
	}
	return nil
}

// DeleteWallet detaches ledger history from the wallet before removing it.
func (store *Store) DeleteWallet(ctx context.Context, walletID billing.WalletID) error {
	db := store.db.WithContext(ctx)
	err := db.Model(&LedgerEntry{}).
		Where("wallet_id = ?", walletID.String()).
		Update("wallet_id", nil).Error
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	result := db.Where("wallet_id = ?", walletID.String()).Delete(&Wallet{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, billing.ErrUnknownWallet)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry billing.Entry) (billing.Entry, error) {
	model := LedgerEntry{
		UserID:      entry.UserID.String(),
		WalletID:    optionalString(entry.WalletID),
		ListingID:   optionalString(entry.ListingID),
		Amount:      entry.Amount.Decimal(),
		Kind:        string(entry.Kind),
		Status:      string(entry.Status),
		Description: entry.Description,
		Metadata:    datatypesJSON(entry.Metadata.String()),
		CreatedAt:   entry.CreatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapLedgerEntry(model)
}

func (store *Store) ListEntries(ctx context.Context, userID billing.UserID, limit int) ([]billing.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]billing.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) DailyChargeExists(ctx context.Context, listingID billing.ListingID, date billing.ChargeDate) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&DailyCharge{}).
		Where("listing_id = ? AND charge_date = ?", listingID.String(), date.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectDailyCharge, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) InsertDailyCharge(ctx context.Context, record billing.DailyChargeRecord) error {
	model := DailyCharge{
		ListingID:  record.ListingID.String(),
		ChargeDate: record.ChargeDate.String(),
		UserID:     record.UserID.String(),
		Amount:     record.Amount.Decimal(),
		EntryID:    optionalString(record.EntryID),
		Success:    record.Success,
		CreatedAt:  record.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDailyChargeConflict(err) {
		return wrapStoreError(errorSubjectDailyCharge, errorCodeDuplicate, billing.ErrAlreadyCharged)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDailyCharge, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListDailyCharges(ctx context.Context, listingID billing.ListingID, limit int) ([]billing.DailyChargeRecord, error) {
	query := store.db.WithContext(ctx).
		Where("listing_id = ?", listingID.String()).
		Order("charge_date DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []DailyCharge
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectDailyCharge, errorCodeList, err)
	}
	records := make([]billing.DailyChargeRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapDailyCharge(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) CreateListing(ctx context.Context, listing billing.Listing) (billing.Listing, error) {
	model := Listing{
		HostID:    listing.HostID.String(),
		Title:     listing.Title,
		Active:    listing.Active,
		CreatedAt: listing.CreatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return billing.Listing{}, wrapStoreError(errorSubjectListing, errorCodeCreate, err)
	}
	return mapListing(model)
}

func (store *Store) GetListing(ctx context.Context, listingID billing.ListingID) (billing.Listing, error) {
	return store.findListing(store.db.WithContext(ctx), listingID, errorCodeGet)
}

func (store *Store) LockListing(ctx context.Context, listingID billing.ListingID) (billing.Listing, error) {
	return store.findListing(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), listingID, errorCodeLock)
}

func (store *Store) findListing(query *gorm.DB, listingID billing.ListingID, code string) (billing.Listing, error) {
	var model Listing
	err := query.Where("listing_id = ?", listingID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Listing{}, wrapStoreError(errorSubjectListing, code, billing.ErrUnknownListing)
		}
		return billing.Listing{}, wrapStoreError(errorSubjectListing, code, err)
	}
	return mapListing(model)
}

func (store *Store) CountListings(ctx context.Context, hostID billing.UserID) (int64, error) {
	return store.countListings(ctx, store.db.WithContext(ctx).Where("host_id = ?", hostID.String()))
}

func (store *Store) CountActiveListings(ctx context.Context, hostID billing.UserID) (int64, error) {
	return store.countListings(ctx, store.db.WithContext(ctx).Where("host_id = ? AND active = ?", hostID.String(), true))
}

func (store *Store) countListings(_ context.Context, query *gorm.DB) (int64, error) {
	var count int64
	if err := query.Model(&Listing{}).Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectListing, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) SetListingActive(ctx context.Context, listingID billing.ListingID, active bool) error {
	result := store.db.WithContext(ctx).
		Model(&Listing{}).
		Where("listing_id = ?", listingID.String()).
		Update("active", active)
	if result.Error != nil {
		return wrapStoreError(errorSubjectListing, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectListing, errorCodeUpdate, billing.ErrUnknownListing)
	}
	return nil
}

func (store *Store) DeactivateHostListings(ctx context.Context, hostID billing.UserID) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Listing{}).
		Where("host_id = ? AND active = ?", hostID.String(), true).
		Update("active", false)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectListing, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) ListActiveListings(ctx context.Context) ([]billing.Listing, error) {
	var rows []Listing
	err := store.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at").
		Order("listing_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectListing, errorCodeList, err)
	}
	listings := make([]billing.Listing, 0, len(rows))
	for _, row := range rows {
		listing, err := mapListing(row)
		if err != nil {
			return nil, err
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func mapWallets(rows []Wallet) ([]billing.Wallet, error) {
	wallets := make([]billing.Wallet, 0, len(rows))
	for _, row := range rows {
		wallet, err := mapWallet(row)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

func mapWallet(row Wallet) (billing.Wallet, error) {
	walletID, err := billing.NewWalletID(row.WalletID)
	if err != nil {
		return billing.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	userID, err := billing.NewUserID(row.UserID)
	if err != nil {
		return billing.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return billing.Wallet{
		ID:          walletID,
		UserID:      userID,
		Last4:       row.Last4,
		HolderName:  row.HolderName,
		ExpiryMonth: row.ExpiryMonth,
		ExpiryYear:  row.ExpiryYear,
		Balance:     row.Balance,
		Active:      row.Active,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (billing.Entry, error) {
	entry, err := buildEntry(row)
	if err != nil {
		return billing.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func buildEntry(row LedgerEntry) (billing.Entry, error) {
	entryID, err := billing.NewEntryID(row.EntryID)
	if err != nil {
		return billing.Entry{}, err
	}
	userID, err := billing.NewUserID(row.UserID)
	if err != nil {
		return billing.Entry{}, err
	}
	amount, err := billing.NewAmount(row.Amount)
	if err != nil {
		return billing.Entry{}, err
	}
	kind, err := billing.ParseEntryKind(row.Kind)
	if err != nil {
		return billing.Entry{}, err
	}
	metadata, err := billing.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return billing.Entry{}, err
	}
	entry := billing.Entry{
		ID:          entryID,
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Status:      billing.EntryStatus(row.Status),
		Description: row.Description,
		Metadata:    metadata,
		CreatedAt:   row.CreatedAt,
	}
	if row.WalletID != nil {
		walletID, err := billing.NewWalletID(*row.WalletID)
		if err != nil {
			return billing.Entry{}, err
		}
		entry.WalletID = &walletID
	}
	if row.ListingID != nil {
		listingID, err := billing.NewListingID(*row.ListingID)
		if err != nil {
			return billing.Entry{}, err
		}
		entry.ListingID = &listingID
	}
	return entry, nil
}

func mapDailyCharge(row DailyCharge) (billing.DailyChargeRecord, error) {
	listingID, err := billing.NewListingID(row.ListingID)
	if err != nil {
		return billing.DailyChargeRecord{}, wrapStoreError(errorSubjectDailyCharge, errorCodeInvalid, err)
	}
	userID, err := billing.NewUserID(row.UserID)
	if err != nil {
		return billing.DailyChargeRecord{}, wrapStoreError(errorSubjectDailyCharge, errorCodeInvalid, err)
	}
	amount, err := billing.NewAmount(row.Amount)
	if err != nil {
		return billing.DailyChargeRecord{}, wrapStoreError(errorSubjectDailyCharge, errorCodeInvalid, err)
	}
	date, err := billing.ParseChargeDate(row.ChargeDate)
	if err != nil {
		return billing.DailyChargeRecord{}, wrapStoreError(errorSubjectDailyCharge, errorCodeInvalid, err)
	}
	record := billing.DailyChargeRecord{
		ListingID:  listingID,
		UserID:     userID,
		Amount:     amount,
		ChargeDate: date,
		Success:    row.Success,
		CreatedAt:  row.CreatedAt,
	}
	if row.EntryID != nil {
		entryID, err := billing.NewEntryID(*row.EntryID)
		if err != nil {
			return billing.DailyChargeRecord{}, wrapStoreError(errorSubjectDailyCharge, errorCodeInvalid, err)
		}
		record.EntryID = &entryID
	}
	return record, nil
}

func mapListing(row Listing) (billing.Listing, error) {
	listingID, err := billing.NewListingID(row.ListingID)
	if err != nil {
		return billing.Listing{}, wrapStoreError(errorSubjectListing, errorCodeInvalid, err)
	}
	hostID, err := billing.NewUserID(row.HostID)
	if err != nil {
		return billing.Listing{}, wrapStoreError(errorSubjectListing, errorCodeInvalid, err)
	}
	return billing.Listing{
		ID:        listingID,
		HostID:    hostID,
		Title:     row.Title,
		Active:    row.Active,
		CreatedAt: row.CreatedAt,
	}, nil
}

type stringer interface {
	String() string
}

func optionalString[T stringer](value *T) *string {
	if value == nil {
		return nil
	}
	raw := (*value).String()
	return &raw
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDailyChargeConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintDailyChargeListingDate
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
