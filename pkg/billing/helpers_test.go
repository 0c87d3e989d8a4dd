package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/billing/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	hostIDValue           = "host-1"
	otherHostIDValue      = "host-2"
	creationChargeValue   = "20.00"
	activationChargeValue = "15.00"
	dailyChargeValue      = "10.00"
	initialCreditValue    = "500.00"
	chargeDateValue       = "2026-03-14"
	errorMismatchMessage  = "expected %v, got %v"
	time24h               = 24 * time.Hour
)

var (
	errInjectedFailure = errors.New("injected store failure")
	fixedNow           = time.Date(2026, time.March, 14, 0, 1, 0, 0, time.UTC)
)

type fixture struct {
	store     *memstore.Store
	service   *billing.Service
	logger    *recorderLogger
	publisher *recordingPublisher
	delivery  *recordingDelivery
}

func newFixture(test *testing.T, options ...billing.ServiceOption) fixture {
	test.Helper()
	store := memstore.New()
	return newFixtureWithStore(test, store, store, options...)
}

func newFixtureWithStore(test *testing.T, store *memstore.Store, serviceStore billing.Store, options ...billing.ServiceOption) fixture {
	test.Helper()
	logger := &recorderLogger{}
	publisher := &recordingPublisher{}
	delivery := &recordingDelivery{}
	allOptions := []billing.ServiceOption{
		billing.WithOperationLogger(logger),
		billing.WithEventPublisher(publisher),
		billing.WithMessageDelivery(delivery),
		billing.WithInitialCredit(mustAmount(test, initialCreditValue)),
	}
	allOptions = append(allOptions, options...)
	service, err := billing.NewService(serviceStore, func() time.Time { return fixedNow }, mustFeePolicy(test), allOptions...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return fixture{store: store, service: service, logger: logger, publisher: publisher, delivery: delivery}
}

func mustFeePolicy(test *testing.T) *billing.ConfiguredFeePolicy {
	test.Helper()
	policy, err := billing.NewConfiguredFeePolicy(
		mustAmount(test, creationChargeValue),
		mustAmount(test, activationChargeValue),
		mustAmount(test, dailyChargeValue),
	)
	if err != nil {
		test.Fatalf("fee policy init failed: %v", err)
	}
	return policy
}

func mustAmount(test *testing.T, raw string) billing.Amount {
	test.Helper()
	amount, err := billing.ParseAmount(raw)
	if err != nil {
		test.Fatalf("invalid amount %q: %v", raw, err)
	}
	return amount
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("invalid decimal %q: %v", raw, err)
	}
	return value
}

func mustUserID(test *testing.T, raw string) billing.UserID {
	test.Helper()
	userID, err := billing.NewUserID(raw)
	if err != nil {
		test.Fatalf("invalid user id: %v", err)
	}
	return userID
}

func mustChargeDate(test *testing.T, raw string) billing.ChargeDate {
	test.Helper()
	date, err := billing.ParseChargeDate(raw)
	if err != nil {
		test.Fatalf("invalid charge date: %v", err)
	}
	return date
}

func seedWallet(test *testing.T, store *memstore.Store, userID billing.UserID, balance string, createdAt time.Time) billing.Wallet {
	test.Helper()
	wallet, err := store.CreateWallet(context.Background(), billing.Wallet{
		UserID:      userID,
		Last4:       "4242",
		HolderName:  "Test Holder",
		ExpiryMonth: 12,
		ExpiryYear:  2030,
		Balance:     mustDecimal(test, balance),
		Active:      true,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	})
	if err != nil {
		test.Fatalf("seed wallet failed: %v", err)
	}
	return wallet
}

func seedListing(test *testing.T, store *memstore.Store, hostID billing.UserID, active bool) billing.Listing {
	test.Helper()
	listing, err := store.CreateListing(context.Background(), billing.Listing{
		HostID:    hostID,
		Title:     "Seaside flat",
		Active:    active,
		CreatedAt: fixedNow,
	})
	if err != nil {
		test.Fatalf("seed listing failed: %v", err)
	}
	return listing
}

func walletBalance(test *testing.T, store *memstore.Store, wallet billing.Wallet) decimal.Decimal {
	test.Helper()
	stored, err := store.GetWallet(context.Background(), wallet.UserID, wallet.ID)
	if err != nil {
		test.Fatalf("wallet lookup failed: %v", err)
	}
	return stored.Balance
}

func listingActive(test *testing.T, store *memstore.Store, listingID billing.ListingID) bool {
	test.Helper()
	listing, err := store.GetListing(context.Background(), listingID)
	if err != nil {
		test.Fatalf("listing lookup failed: %v", err)
	}
	return listing.Active
}

func ledgerEntries(test *testing.T, store *memstore.Store, userID billing.UserID) []billing.Entry {
	test.Helper()
	entries, err := store.ListEntries(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("list entries failed: %v", err)
	}
	return entries
}

func assertBalance(test *testing.T, got decimal.Decimal, want string) {
	test.Helper()
	if !got.Equal(mustDecimal(test, want)) {
		test.Fatalf("expected balance %s, got %s", want, got.StringFixed(2))
	}
}

// faultyStore fails selected calls inside units of work.
type faultyStore struct {
	billing.Store
	insertEntryError       error
	insertDailyChargeError error
	updateBalanceError     error
	failListing            billing.ListingID
}

func (store *faultyStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.Store.WithTx(ctx, func(ctx context.Context, txStore billing.Store) error {
		return fn(ctx, &faultyStore{
			Store:                  txStore,
			insertEntryError:       store.insertEntryError,
			insertDailyChargeError: store.insertDailyChargeError,
			updateBalanceError:     store.updateBalanceError,
			failListing:            store.failListing,
		})
	})
}

func (store *faultyStore) InsertEntry(ctx context.Context, entry billing.Entry) (billing.Entry, error) {
	if store.insertEntryError != nil && (store.failListing.String() == "" || (entry.ListingID != nil && *entry.ListingID == store.failListing)) {
		return billing.Entry{}, store.insertEntryError
	}
	return store.Store.InsertEntry(ctx, entry)
}

func (store *faultyStore) InsertDailyCharge(ctx context.Context, record billing.DailyChargeRecord) error {
	if store.insertDailyChargeError != nil {
		return store.insertDailyChargeError
	}
	return store.Store.InsertDailyCharge(ctx, record)
}

func (store *faultyStore) UpdateWalletBalance(ctx context.Context, walletID billing.WalletID, balance decimal.Decimal) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	return store.Store.UpdateWalletBalance(ctx, walletID, balance)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []billing.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry billing.OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) byOperation(operation string) []billing.OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	matched := make([]billing.OperationLog, 0)
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []billing.Event
}

func (publisher *recordingPublisher) Publish(_ context.Context, event billing.Event) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
	return nil
}

func (publisher *recordingPublisher) count(eventType billing.EventType) int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	count := 0
	for _, event := range publisher.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

type recordingDelivery struct {
	mu       sync.Mutex
	messages []billing.Message
	err      error
}

func (delivery *recordingDelivery) Deliver(_ context.Context, message billing.Message) error {
	delivery.mu.Lock()
	defer delivery.mu.Unlock()
	delivery.messages = append(delivery.messages, message)
	return delivery.err
}

type stubValidator struct {
	verdict billing.Verdict
	err     error
	calls   int
}

func (validator *stubValidator) Validate(_ context.Context, _ billing.Image) (billing.Verdict, error) {
	validator.calls++
	return validator.verdict, validator.err
}
