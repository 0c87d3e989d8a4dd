package gormstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/billing/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

var testNow = time.Date(2026, time.March, 14, 0, 1, 0, 0, time.UTC)

func openStore(t *testing.T) *gormstore.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/billing.db"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gormstore.Migrate(context.Background(), db))
	return gormstore.New(db)
}

func newService(t *testing.T, store billing.Store) *billing.Service {
	t.Helper()
	creation, err := billing.ParseAmount("20.00")
	require.NoError(t, err)
	activation, err := billing.ParseAmount("15.00")
	require.NoError(t, err)
	daily, err := billing.ParseAmount("10.00")
	require.NoError(t, err)
	initial, err := billing.ParseAmount("500.00")
	require.NoError(t, err)
	fees, err := billing.NewConfiguredFeePolicy(creation, activation, daily)
	require.NoError(t, err)
	service, err := billing.NewService(store, func() time.Time { return testNow }, fees,
		billing.WithInitialCredit(initial),
		billing.WithBatchOptions(billing.BatchOptions{Workers: 2, ItemTimeout: 5 * time.Second}),
	)
	require.NoError(t, err)
	return service
}

func registerWallet(t *testing.T, service *billing.Service, userID billing.UserID) billing.Wallet {
	t.Helper()
	wallet, err := service.RegisterWallet(context.Background(), billing.WalletRegistration{
		UserID:      userID,
		CardNumber:  "4242424242424242",
		HolderName:  "Ada Host",
		ExpiryMonth: 12,
		ExpiryYear:  2030,
	})
	require.NoError(t, err)
	return wallet
}

func TestWalletRoundTripKeepsDecimalBalance(t *testing.T) {
	store := openStore(t)
	userID, _ := billing.NewUserID("host-1")
	created, err := store.CreateWallet(context.Background(), billing.Wallet{
		UserID:      userID,
		Last4:       "4242",
		HolderName:  "Ada Host",
		ExpiryMonth: 1,
		ExpiryYear:  2031,
		Balance:     decimal.RequireFromString("12.34"),
		Active:      true,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID.String())

	fetched, err := store.GetWallet(context.Background(), userID, created.ID)
	require.NoError(t, err)
	require.True(t, fetched.Balance.Equal(decimal.RequireFromString("12.34")), "balance %s", fetched.Balance)

	otherUser, _ := billing.NewUserID("host-2")
	_, err = store.GetWallet(context.Background(), otherUser, created.ID)
	require.ErrorIs(t, err, billing.ErrUnknownWallet)

	var operationError billing.OperationError
	require.True(t, errors.As(err, &operationError))
	require.Equal(t, "store", operationError.Operation())
	require.Equal(t, "wallet", operationError.Subject())
}

func TestServiceChargesThroughGormStore(t *testing.T) {
	store := openStore(t)
	service := newService(t, store)
	hostID, _ := billing.NewUserID("host-1")
	wallet := registerWallet(t, service, hostID)

	first, err := service.CreateListing(context.Background(), billing.ListingDraft{HostID: hostID, Title: "First"})
	require.NoError(t, err)
	require.True(t, first.Exempt)

	second, err := service.CreateListing(context.Background(), billing.ListingDraft{HostID: hostID, Title: "Second"})
	require.NoError(t, err)
	require.NotNil(t, second.Entry)

	fetched, err := store.GetWallet(context.Background(), hostID, wallet.ID)
	require.NoError(t, err)
	require.Equal(t, "480.00", fetched.Balance.StringFixed(2))

	entries, err := service.ListEntries(context.Background(), hostID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	kinds := []billing.EntryKind{entries[0].Kind, entries[1].Kind}
	require.ElementsMatch(t, []billing.EntryKind{billing.EntryInitialCredit, billing.EntryListingCharge}, kinds)
}

func TestDailyChargeIsIdempotentInSQLite(t *testing.T) {
	store := openStore(t)
	service := newService(t, store)
	hostID, _ := billing.NewUserID("host-1")
	wallet := registerWallet(t, service, hostID)
	created, err := service.CreateListing(context.Background(), billing.ListingDraft{HostID: hostID, Title: "Flat"})
	require.NoError(t, err)
	amount, _ := billing.ParseAmount("10.00")
	date := billing.NewChargeDate(testNow)

	summary, err := service.RunDailyCharge(context.Background(), amount, date, false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	summary, err = service.RunDailyCharge(context.Background(), amount, date, false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)

	fetched, err := store.GetWallet(context.Background(), hostID, wallet.ID)
	require.NoError(t, err)
	require.Equal(t, "490.00", fetched.Balance.StringFixed(2))

	records, err := store.ListDailyCharges(context.Background(), created.Listing.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Success)
	require.NotNil(t, records[0].EntryID)
}

func TestInsertDailyChargeMapsUniqueConflict(t *testing.T) {
	store := openStore(t)
	hostID, _ := billing.NewUserID("host-1")
	listing, err := store.CreateListing(context.Background(), billing.Listing{HostID: hostID, Title: "Flat", Active: true, CreatedAt: testNow})
	require.NoError(t, err)
	amount, _ := billing.ParseAmount("10.00")
	record := billing.DailyChargeRecord{
		ListingID:  listing.ID,
		UserID:     hostID,
		Amount:     amount,
		ChargeDate: billing.NewChargeDate(testNow),
		CreatedAt:  testNow,
	}
	require.NoError(t, store.InsertDailyCharge(context.Background(), record))
	err = store.InsertDailyCharge(context.Background(), record)
	require.ErrorIs(t, err, billing.ErrAlreadyCharged)

	exists, err := store.DailyChargeExists(context.Background(), listing.ID, record.ChargeDate)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := openStore(t)
	hostID, _ := billing.NewUserID("host-1")
	sentinel := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore billing.Store) error {
		_, err := txStore.CreateListing(ctx, billing.Listing{HostID: hostID, Title: "Ghost", Active: true, CreatedAt: testNow})
		require.NoError(t, err)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	count, err := store.CountListings(context.Background(), hostID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDeleteWalletDetachesHistory(t *testing.T) {
	store := openStore(t)
	service := newService(t, store)
	hostID, _ := billing.NewUserID("host-1")
	wallet := registerWallet(t, service, hostID)

	require.NoError(t, service.DeleteWallet(context.Background(), hostID, wallet.ID))

	_, err := store.GetWallet(context.Background(), hostID, wallet.ID)
	require.ErrorIs(t, err, billing.ErrUnknownWallet)
	entries, err := store.ListEntries(context.Background(), hostID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].WalletID)
}

func TestDisablingLastWalletDeactivatesListings(t *testing.T) {
	store := openStore(t)
	service := newService(t, store)
	hostID, _ := billing.NewUserID("host-1")
	wallet := registerWallet(t, service, hostID)
	created, err := service.CreateListing(context.Background(), billing.ListingDraft{HostID: hostID, Title: "Flat"})
	require.NoError(t, err)

	toggled, err := service.SetWalletActive(context.Background(), hostID, wallet.ID, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, toggled.DeactivatedListings)

	listing, err := store.GetListing(context.Background(), created.Listing.ID)
	require.NoError(t, err)
	require.False(t, listing.Active)

	active, err := store.ListActiveListings(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
}
