// Package memstore keeps billing state in process memory. Units of work are
// serialized and rolled back from a snapshot when they fail.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

type state struct {
	wallets      map[string]billing.Wallet
	entries      []billing.Entry
	listings     map[string]billing.Listing
	dailyCharges map[string]billing.DailyChargeRecord
}

func (current state) clone() state {
	copied := state{
		wallets:      make(map[string]billing.Wallet, len(current.wallets)),
		entries:      append([]billing.Entry(nil), current.entries...),
		listings:     make(map[string]billing.Listing, len(current.listings)),
		dailyCharges: make(map[string]billing.DailyChargeRecord, len(current.dailyCharges)),
	}
	for key, wallet := range current.wallets {
		copied.wallets[key] = wallet
	}
	for key, listing := range current.listings {
		copied.listings[key] = listing
	}
	for key, record := range current.dailyCharges {
		copied.dailyCharges[key] = record
	}
	return copied
}

type shared struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data state
}

// Store implements billing.Store in memory.
type Store struct {
	shared *shared
	inTx   bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{shared: &shared{data: state{
		wallets:      make(map[string]billing.Wallet),
		listings:     make(map[string]billing.Listing),
		dailyCharges: make(map[string]billing.DailyChargeRecord),
	}}}
}

// WithTx runs fn with exclusive access; state is restored when fn fails.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	store.shared.txMu.Lock()
	defer store.shared.txMu.Unlock()

	store.shared.mu.RLock()
	snapshot := store.shared.data.clone()
	store.shared.mu.RUnlock()

	committed := false
	defer func() {
		if !committed {
			store.shared.mu.Lock()
			store.shared.data = snapshot
			store.shared.mu.Unlock()
		}
	}()

	txStore := &Store{shared: store.shared, inTx: true}
	err := fn(ctx, txStore)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return err
	}
	committed = true
	return nil
}

func (store *Store) read(fn func(data *state) error) error {
	store.shared.mu.RLock()
	defer store.shared.mu.RUnlock()
	return fn(&store.shared.data)
}

func (store *Store) write(fn func(data *state) error) error {
	store.shared.mu.Lock()
	defer store.shared.mu.Unlock()
	return fn(&store.shared.data)
}

// CreateWallet stores a new wallet with a generated id.
func (store *Store) CreateWallet(_ context.Context, wallet billing.Wallet) (billing.Wallet, error) {
	walletID, err := billing.NewWalletID(uuid.NewString())
	if err != nil {
		return billing.Wallet{}, err
	}
	wallet.ID = walletID
	return wallet, store.write(func(data *state) error {
		data.wallets[walletID.String()] = wallet
		return nil
	})
}

// GetWallet returns a wallet owned by the user.
func (store *Store) GetWallet(_ context.Context, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error) {
	var wallet billing.Wallet
	err := store.read(func(data *state) error {
		stored, ok := data.wallets[walletID.String()]
		if !ok || stored.UserID != userID {
			return billing.ErrUnknownWallet
		}
		wallet = stored
		return nil
	})
	return wallet, err
}

// LockWallet is GetWallet; the unit of work already holds exclusive access.
func (store *Store) LockWallet(ctx context.Context, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error) {
	return store.GetWallet(ctx, userID, walletID)
}

// ListWallets returns the user's wallets ordered by id.
func (store *Store) ListWallets(_ context.Context, userID billing.UserID) ([]billing.Wallet, error) {
	return store.collectWallets(userID, false), nil
}

// LockActiveWallets returns the user's active wallets ordered by id.
func (store *Store) LockActiveWallets(_ context.Context, userID billing.UserID) ([]billing.Wallet, error) {
	return store.collectWallets(userID, true), nil
}

func (store *Store) collectWallets(userID billing.UserID, activeOnly bool) []billing.Wallet {
	wallets := make([]billing.Wallet, 0)
	_ = store.read(func(data *state) error {
		for _, wallet := range data.wallets {
			if wallet.UserID != userID || (activeOnly && !wallet.Active) {
				continue
			}
			wallets = append(wallets, wallet)
		}
		return nil
	})
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].ID.String() < wallets[right].ID.String()
	})
	return wallets
}

// UpdateWalletBalance sets a wallet balance.
func (store *Store) UpdateWalletBalance(_ context.Context, walletID billing.WalletID, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("memstore: negative balance for wallet %s", walletID)
	}
	return store.updateWallet(walletID, func(wallet *billing.Wallet) {
		wallet.Balance = balance
	})
}

// SetWalletActive toggles a wallet.
func (store *Store) SetWalletActive(_ context.Context, walletID billing.WalletID, active bool) error {
	return store.updateWallet(walletID, func(wallet *billing.Wallet) {
		wallet.Active = active
	})
}

func (store *Store) updateWallet(walletID billing.WalletID, mutate func(wallet *billing.Wallet)) error {
	return store.write(func(data *state) error {
		wallet, ok := data.wallets[walletID.String()]
		if !ok {
			return billing.ErrUnknownWallet
		}
		mutate(&wallet)
		data.wallets[walletID.String()] = wallet
		return nil
	})
}

// DeleteWallet removes a wallet and clears the reference from its entries.
func (store *Store) DeleteWallet(_ context.Context, walletID billing.WalletID) error {
	return store.write(func(data *state) error {
		if _, ok := data.wallets[walletID.String()]; !ok {
			return billing.ErrUnknownWallet
		}
		delete(data.wallets, walletID.String())
		for index := range data.entries {
			if data.entries[index].WalletID != nil && *data.entries[index].WalletID == walletID {
				data.entries[index].WalletID = nil
			}
		}
		return nil
	})
}

// InsertEntry appends an entry with a generated id.
func (store *Store) InsertEntry(_ context.Context, entry billing.Entry) (billing.Entry, error) {
	entryID, err := billing.NewEntryID(uuid.NewString())
	if err != nil {
		return billing.Entry{}, err
	}
	entry.ID = entryID
	return entry, store.write(func(data *state) error {
		data.entries = append(data.entries, entry)
		return nil
	})
}

// ListEntries returns the user's entries, newest first.
func (store *Store) ListEntries(_ context.Context, userID billing.UserID, limit int) ([]billing.Entry, error) {
	entries := make([]billing.Entry, 0)
	_ = store.read(func(data *state) error {
		for index := len(data.entries) - 1; index >= 0; index-- {
			if data.entries[index].UserID != userID {
				continue
			}
			entries = append(entries, data.entries[index])
			if limit > 0 && len(entries) == limit {
				break
			}
		}
		return nil
	})
	return entries, nil
}

func dailyChargeKey(listingID billing.ListingID, date billing.ChargeDate) string {
	return listingID.String() + "|" + date.String()
}

// DailyChargeExists reports whether the listing was processed for the date.
func (store *Store) DailyChargeExists(_ context.Context, listingID billing.ListingID, date billing.ChargeDate) (bool, error) {
	exists := false
	_ = store.read(func(data *state) error {
		_, exists = data.dailyCharges[dailyChargeKey(listingID, date)]
		return nil
	})
	return exists, nil
}

// InsertDailyCharge stores a record unless one exists for the listing and date.
func (store *Store) InsertDailyCharge(_ context.Context, record billing.DailyChargeRecord) error {
	return store.write(func(data *state) error {
		key := dailyChargeKey(record.ListingID, record.ChargeDate)
		if _, exists := data.dailyCharges[key]; exists {
			return billing.ErrAlreadyCharged
		}
		data.dailyCharges[key] = record
		return nil
	})
}

// ListDailyCharges returns the listing's records, newest date first.
func (store *Store) ListDailyCharges(_ context.Context, listingID billing.ListingID, limit int) ([]billing.DailyChargeRecord, error) {
	records := make([]billing.DailyChargeRecord, 0)
	_ = store.read(func(data *state) error {
		for _, record := range data.dailyCharges {
			if record.ListingID == listingID {
				records = append(records, record)
			}
		}
		return nil
	})
	sort.Slice(records, func(left, right int) bool {
		return records[left].ChargeDate.String() > records[right].ChargeDate.String()
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// CreateListing stores a listing with a generated id.
func (store *Store) CreateListing(_ context.Context, listing billing.Listing) (billing.Listing, error) {
	listingID, err := billing.NewListingID(uuid.NewString())
	if err != nil {
		return billing.Listing{}, err
	}
	listing.ID = listingID
	return listing, store.write(func(data *state) error {
		data.listings[listingID.String()] = listing
		return nil
	})
}

// GetListing returns a listing by id.
func (store *Store) GetListing(_ context.Context, listingID billing.ListingID) (billing.Listing, error) {
	var listing billing.Listing
	err := store.read(func(data *state) error {
		stored, ok := data.listings[listingID.String()]
		if !ok {
			return billing.ErrUnknownListing
		}
		listing = stored
		return nil
	})
	return listing, err
}

// LockListing is GetListing; the unit of work already holds exclusive access.
func (store *Store) LockListing(ctx context.Context, listingID billing.ListingID) (billing.Listing, error) {
	return store.GetListing(ctx, listingID)
}

// CountListings counts every listing the host ever created.
func (store *Store) CountListings(_ context.Context, hostID billing.UserID) (int64, error) {
	return store.countListings(hostID, false), nil
}

// CountActiveListings counts the host's active listings.
func (store *Store) CountActiveListings(_ context.Context, hostID billing.UserID) (int64, error) {
	return store.countListings(hostID, true), nil
}

func (store *Store) countListings(hostID billing.UserID, activeOnly bool) int64 {
	var count int64
	_ = store.read(func(data *state) error {
		for _, listing := range data.listings {
			if listing.HostID == hostID && (!activeOnly || listing.Active) {
				count++
			}
		}
		return nil
	})
	return count
}

// SetListingActive toggles a listing.
func (store *Store) SetListingActive(_ context.Context, listingID billing.ListingID, active bool) error {
	return store.write(func(data *state) error {
		listing, ok := data.listings[listingID.String()]
		if !ok {
			return billing.ErrUnknownListing
		}
		listing.Active = active
		data.listings[listingID.String()] = listing
		return nil
	})
}

// DeactivateHostListings deactivates every active listing of the host.
func (store *Store) DeactivateHostListings(_ context.Context, hostID billing.UserID) (int64, error) {
	var count int64
	err := store.write(func(data *state) error {
		for key, listing := range data.listings {
			if listing.HostID == hostID && listing.Active {
				listing.Active = false
				data.listings[key] = listing
				count++
			}
		}
		return nil
	})
	return count, err
}

// ListActiveListings returns active listings ordered by creation time.
func (store *Store) ListActiveListings(_ context.Context) ([]billing.Listing, error) {
	listings := make([]billing.Listing, 0)
	_ = store.read(func(data *state) error {
		for _, listing := range data.listings {
			if listing.Active {
				listings = append(listings, listing)
			}
		}
		return nil
	})
	sort.Slice(listings, func(left, right int) bool {
		if !listings[left].CreatedAt.Equal(listings[right].CreatedAt) {
			return listings[left].CreatedAt.Before(listings[right].CreatedAt)
		}
		return listings[left].ID.String() < listings[right].ID.String()
	})
	return listings, nil
}
