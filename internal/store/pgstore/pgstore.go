package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintDailyChargeListingDate = "uniq_daily_charge_listing_date"
	pgUniqueViolationCode            = "23505"
	errorOperationStore              = "store"
	errorSubjectWallet               = "wallet"
	errorSubjectEntry                = "entry"
	errorSubjectDailyCharge          = "daily_charge"
	errorSubjectListing              = "listing"
	errorSubjectTransaction          = "transaction"
	errorSubjectSchema               = "schema"
	errorCodeBegin                   = "begin"
	errorCodeCommit                  = "commit"
	errorCodeCreate                  = "create"
	errorCodeDelete                  = "delete"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeLock                    = "lock"
	errorCodeCount                   = "count"
	errorCodeMigrate                 = "migrate"
	errorCodeUpdate                  = "update"

	walletColumns = `wallet_id::text, user_id, last4, holder_name, expiry_month, expiry_year, balance::text, active, created_at, updated_at`

	sqlInsertWallet = `
		insert into wallets(user_id, last4, holder_name, expiry_month, expiry_year, balance, active, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
		returning ` + walletColumns

	sqlSelectWallet = `select ` + walletColumns + ` from wallets where wallet_id = $1::uuid and user_id = $2`

	sqlLockWallet = sqlSelectWallet + ` for update`

	sqlListWallets = `select ` + walletColumns + ` from wallets where user_id = $1 order by wallet_id`

	sqlLockActiveWallets = `
		select ` + walletColumns + ` from wallets
		where user_id = $1 and active
		order by wallet_id
		for update
	`

	sqlUpdateWalletBalance = `update wallets set balance = $2::numeric, updated_at = now() where wallet_id = $1::uuid`

	sqlUpdateWalletActive = `update wallets set active = $2, updated_at = now() where wallet_id = $1::uuid`

	sqlDetachWalletEntries = `update ledger_entries set wallet_id = null where wallet_id = $1::uuid`

	sqlDeleteWallet = `delete from wallets where wallet_id = $1::uuid`

	entryColumns = `entry_id::text, user_id, coalesce(wallet_id::text,''), coalesce(listing_id::text,''), amount::text, kind, status, description, metadata::text, created_at`

	sqlInsertEntry = `
		insert into ledger_entries(user_id, wallet_id, listing_id, amount, kind, status, description, metadata, created_at)
		values($1, nullif($2,'')::uuid, nullif($3,'')::uuid, $4::numeric, $5, $6, $7, coalesce(nullif($8,''),'{}')::jsonb, $9)
		returning ` + entryColumns

	sqlListEntries = `
		select ` + entryColumns + ` from ledger_entries
		where user_id = $1
		order by created_at desc, entry_id desc
		limit nullif($2, 0)
	`

	sqlDailyChargeExists = `select exists(select 1 from daily_charges where listing_id = $1::uuid and charge_date = $2)`

	sqlInsertDailyCharge = `
		insert into daily_charges(listing_id, charge_date, user_id, amount, entry_id, success, created_at)
		values($1::uuid, $2, $3, $4::numeric, nullif($5,'')::uuid, $6, $7)
	`

	sqlListDailyCharges = `
		select listing_id::text, user_id, amount::text, charge_date, coalesce(entry_id::text,''), success, created_at
		from daily_charges
		where listing_id = $1::uuid
		order by charge_date desc
		limit nullif($2, 0)
	`

	listingColumns = `listing_id::text, host_id, title, active, created_at`

	sqlInsertListing = `
		insert into listings(host_id, title, active, created_at)
		values($1, $2, $3, $4)
		returning ` + listingColumns

	sqlSelectListing = `select ` + listingColumns + ` from listings where listing_id = $1::uuid`

	sqlLockListing = sqlSelectListing + ` for update`

	sqlCountListings = `select count(*) from listings where host_id = $1`

	sqlCountActiveListings = `select count(*) from listings where host_id = $1 and active`

	sqlUpdateListingActive = `update listings set active = $2 where listing_id = $1::uuid`

	sqlDeactivateHostListings = `update listings set active = false where host_id = $1 and active`

	sqlListActiveListings = `select ` + listingColumns + ` from listings where active order by created_at, listing_id`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements billing.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements billing.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (q queries) CreateWallet(ctx context.Context, wallet billing.Wallet) (billing.Wallet, error) {
	row := q.db.QueryRow(ctx, sqlInsertWallet,
		wallet.UserID.String(),
		wallet.Last4,
		wallet.HolderName,
		wallet.ExpiryMonth,
		wallet.ExpiryYear,
		wallet.Balance.String(),
		wallet.Active,
		timeOrNow(wallet.CreatedAt),
		timeOrNow(wallet.UpdatedAt),
	)
	created, err := scanWallet(row)
	if err != nil {
		return billing.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return created, nil
}

func (q queries) GetWallet(ctx context.Context, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error) {
	return q.findWallet(ctx, sqlSelectWallet, errorCodeGet, userID, walletID)
}

func (q queries) LockWallet(ctx context.Context, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error) {
	return q.findWallet(ctx, sqlLockWallet, errorCodeLock, userID, walletID)
}

func (q queries) findWallet(ctx context.Context, query string, code string, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error) {
	wallet, err := scanWallet(q.db.QueryRow(ctx, query, walletID.String(), userID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return billing.Wallet{}, wrapStoreError(errorSubjectWallet, code, billing.ErrUnknownWallet)
		}
		return billing.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	return wallet, nil
}

func (q queries) ListWallets(ctx context.Context, userID billing.UserID) ([]billing.Wallet, error) {
	return q.collectWallets(ctx, sqlListWallets, errorCodeList, userID)
}

func (q queries) LockActiveWallets(ctx context.Context, userID billing.UserID) ([]billing.Wallet, error) {
	return q.collectWallets(ctx, sqlLockActiveWallets, errorCodeLock, userID)
}

func (q queries) collectWallets(ctx context.Context, query string, code string, userID billing.UserID) ([]billing.Wallet, error) {
	rows, err := q.db.Query(ctx, query, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, code, err)
	}
	defer rows.Close()
	wallets := make([]billing.Wallet, 0)
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWallet, code, err)
	}
	return wallets, nil
}

func (q queries) UpdateWalletBalance(ctx context.Context, walletID billing.WalletID, balance decimal.Decimal) error {
	return q.execAffecting(ctx, errorSubjectWallet, billing.ErrUnknownWallet, sqlUpdateWalletBalance, walletID.String(), balance.String())
}

func (q queries) SetWalletActive(ctx context.Context, walletID billing.WalletID, active bool) error {
	return q.execAffecting(ctx, errorSubjectWallet, billing.ErrUnknownWallet, sqlUpdateWalletActive, walletID.String(), active)
}

func (q queries) DeleteWallet(ctx context.Context, walletID billing.WalletID) error {
	if _, err := q.db.Exec(ctx, sqlDetachWalletEntries, walletID.String()); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	tag, err := q.db.Exec(ctx, sqlDeleteWallet, walletID.String())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, billing.ErrUnknownWallet)
	}
	return nil
}

func (q queries) execAffecting(ctx context.Context, subject string, missing error, query string, args ...any) error {
	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return wrapStoreError(subject, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(subject, errorCodeUpdate, missing)
	}
	return nil
}

func (q queries) InsertEntry(ctx context.Context, entry billing.Entry) (billing.Entry, error) {
	row := q.db.QueryRow(ctx, sqlInsertEntry,
		entry.UserID.String(),
		optionalString(entry.WalletID),
		optionalString(entry.ListingID),
		entry.Amount.Decimal().String(),
		string(entry.Kind),
		string(entry.Status),
		entry.Description,
		entry.Metadata.String(),
		timeOrNow(entry.CreatedAt),
	)
	inserted, err := scanEntry(row)
	if err != nil {
		return billing.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return inserted, nil
}

func (q queries) ListEntries(ctx context.Context, userID billing.UserID, limit int) ([]billing.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListEntries, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]billing.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (q queries) DailyChargeExists(ctx context.Context, listingID billing.ListingID, date billing.ChargeDate) (bool, error) {
	var exists bool
	if err := q.db.QueryRow(ctx, sqlDailyChargeExists, listingID.String(), date.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectDailyCharge, errorCodeGet, err)
	}
	return exists, nil
}

func (q queries) InsertDailyCharge(ctx context.Context, record billing.DailyChargeRecord) error {
	_, err := q.db.Exec(ctx, sqlInsertDailyCharge,
		record.ListingID.String(),
		record.ChargeDate.String(),
		record.UserID.String(),
		record.Amount.Decimal().String(),
		optionalString(record.EntryID),
		record.Success,
		timeOrNow(record.CreatedAt),
	)
	if isUniqueViolation(err, constraintDailyChargeListingDate) {
		return wrapStoreError(errorSubjectDailyCharge, errorCodeDuplicate, billing.ErrAlreadyCharged)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDailyCharge, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListDailyCharges(ctx context.Context, listingID billing.ListingID, limit int) ([]billing.DailyChargeRecord, error) {
	rows, err := q.db.Query(ctx, sqlListDailyCharges, listingID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectDailyCharge, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]billing.DailyChargeRecord, 0)
	for rows.Next() {
		record, err := scanDailyCharge(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDailyCharge, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectDailyCharge, errorCodeList, err)
	}
	return records, nil
}

func (q queries) CreateListing(ctx context.Context, listing billing.Listing) (billing.Listing, error) {
	row := q.db.QueryRow(ctx, sqlInsertListing, listing.HostID.String(), listing.Title, listing.Active, timeOrNow(listing.CreatedAt))
	created, err := scanListing(row)
	if err != nil {
		return billing.Listing{}, wrapStoreError(errorSubjectListing, errorCodeCreate, err)
	}
	return created, nil
}

func (q queries) GetListing(ctx context.Context, listingID billing.ListingID) (billing.Listing, error) {
	return q.findListing(ctx, sqlSelectListing, errorCodeGet, listingID)
}

func (q queries) LockListing(ctx context.Context, listingID billing.ListingID) (billing.Listing, error) {
	return q.findListing(ctx, sqlLockListing, errorCodeLock, listingID)
}

func (q queries) findListing(ctx context.Context, query string, code string, listingID billing.ListingID) (billing.Listing, error) {
	listing, err := scanListing(q.db.QueryRow(ctx, query, listingID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return billing.Listing{}, wrapStoreError(errorSubjectListing, code, billing.ErrUnknownListing)
		}
		return billing.Listing{}, wrapStoreError(errorSubjectListing, code, err)
	}
	return listing, nil
}

func (q queries) CountListings(ctx context.Context, hostID billing.UserID) (int64, error) {
	return q.count(ctx, sqlCountListings, hostID)
}

func (q queries) CountActiveListings(ctx context.Context, hostID billing.UserID) (int64, error) {
	return q.count(ctx, sqlCountActiveListings, hostID)
}

func (q queries) count(ctx context.Context, query string, hostID billing.UserID) (int64, error) {
	var count int64
	if err := q.db.QueryRow(ctx, query, hostID.String()).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectListing, errorCodeCount, err)
	}
	return count, nil
}

func (q queries) SetListingActive(ctx context.Context, listingID billing.ListingID, active bool) error {
	return q.execAffecting(ctx, errorSubjectListing, billing.ErrUnknownListing, sqlUpdateListingActive, listingID.String(), active)
}

func (q queries) DeactivateHostListings(ctx context.Context, hostID billing.UserID) (int64, error) {
	tag, err := q.db.Exec(ctx, sqlDeactivateHostListings, hostID.String())
	if err != nil {
		return 0, wrapStoreError(errorSubjectListing, errorCodeUpdate, err)
	}
	return tag.RowsAffected(), nil
}

func (q queries) ListActiveListings(ctx context.Context) ([]billing.Listing, error) {
	rows, err := q.db.Query(ctx, sqlListActiveListings)
	if err != nil {
		return nil, wrapStoreError(errorSubjectListing, errorCodeList, err)
	}
	defer rows.Close()
	listings := make([]billing.Listing, 0)
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectListing, errorCodeInvalid, err)
		}
		listings = append(listings, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectListing, errorCodeList, err)
	}
	return listings, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func scanWallet(row pgx.Row) (billing.Wallet, error) {
	var walletIDValue, userIDValue, balanceValue string
	var wallet billing.Wallet
	if err := row.Scan(&walletIDValue, &userIDValue, &wallet.Last4, &wallet.HolderName, &wallet.ExpiryMonth, &wallet.ExpiryYear, &balanceValue, &wallet.Active, &wallet.CreatedAt, &wallet.UpdatedAt); err != nil {
		return billing.Wallet{}, err
	}
	walletID, err := billing.NewWalletID(walletIDValue)
	if err != nil {
		return billing.Wallet{}, err
	}
	userID, err := billing.NewUserID(userIDValue)
	if err != nil {
		return billing.Wallet{}, err
	}
	balance, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return billing.Wallet{}, err
	}
	wallet.ID = walletID
	wallet.UserID = userID
	wallet.Balance = balance
	return wallet, nil
}

func scanEntry(row pgx.Row) (billing.Entry, error) {
	var entryIDValue, userIDValue, walletIDValue, listingIDValue, amountValue, kindValue, statusValue, metadataValue string
	var entry billing.Entry
	if err := row.Scan(&entryIDValue, &userIDValue, &walletIDValue, &listingIDValue, &amountValue, &kindValue, &statusValue, &entry.Description, &metadataValue, &entry.CreatedAt); err != nil {
		return billing.Entry{}, err
	}
	entryID, err := billing.NewEntryID(entryIDValue)
	if err != nil {
		return billing.Entry{}, err
	}
	userID, err := billing.NewUserID(userIDValue)
	if err != nil {
		return billing.Entry{}, err
	}
	amount, err := billing.ParseAmount(amountValue)
	if err != nil {
		return billing.Entry{}, err
	}
	kind, err := billing.ParseEntryKind(kindValue)
	if err != nil {
		return billing.Entry{}, err
	}
	metadata, err := billing.NewMetadataJSON(metadataValue)
	if err != nil {
		return billing.Entry{}, err
	}
	entry.ID = entryID
	entry.UserID = userID
	entry.Amount = amount
	entry.Kind = kind
	entry.Status = billing.EntryStatus(statusValue)
	entry.Metadata = metadata
	if walletIDValue != "" {
		walletID, err := billing.NewWalletID(walletIDValue)
		if err != nil {
			return billing.Entry{}, err
		}
		entry.WalletID = &walletID
	}
	if listingIDValue != "" {
		listingID, err := billing.NewListingID(listingIDValue)
		if err != nil {
			return billing.Entry{}, err
		}
		entry.ListingID = &listingID
	}
	return entry, nil
}

func scanDailyCharge(row pgx.Row) (billing.DailyChargeRecord, error) {
	var listingIDValue, userIDValue, amountValue, dateValue, entryIDValue string
	var record billing.DailyChargeRecord
	if err := row.Scan(&listingIDValue, &userIDValue, &amountValue, &dateValue, &entryIDValue, &record.Success, &record.CreatedAt); err != nil {
		return billing.DailyChargeRecord{}, err
	}
	listingID, err := billing.NewListingID(listingIDValue)
	if err != nil {
		return billing.DailyChargeRecord{}, err
	}
	userID, err := billing.NewUserID(userIDValue)
	if err != nil {
		return billing.DailyChargeRecord{}, err
	}
	amount, err := billing.ParseAmount(amountValue)
	if err != nil {
		return billing.DailyChargeRecord{}, err
	}
	date, err := billing.ParseChargeDate(dateValue)
	if err != nil {
		return billing.DailyChargeRecord{}, err
	}
	record.ListingID = listingID
	record.UserID = userID
	record.Amount = amount
	record.ChargeDate = date
	if entryIDValue != "" {
		entryID, err := billing.NewEntryID(entryIDValue)
		if err != nil {
			return billing.DailyChargeRecord{}, err
		}
		record.EntryID = &entryID
	}
	return record, nil
}

func scanListing(row pgx.Row) (billing.Listing, error) {
	var listingIDValue, hostIDValue string
	var listing billing.Listing
	if err := row.Scan(&listingIDValue, &hostIDValue, &listing.Title, &listing.Active, &listing.CreatedAt); err != nil {
		return billing.Listing{}, err
	}
	listingID, err := billing.NewListingID(listingIDValue)
	if err != nil {
		return billing.Listing{}, err
	}
	hostID, err := billing.NewUserID(hostIDValue)
	if err != nil {
		return billing.Listing{}, err
	}
	listing.ID = listingID
	listing.HostID = hostID
	return listing, nil
}

type stringer interface {
	String() string
}

func optionalString[T stringer](value *T) string {
	if value == nil {
		return ""
	}
	return (*value).String()
}

func timeOrNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}

// isInvalidUUID reports a malformed uuid literal, which cannot match any row.
func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
