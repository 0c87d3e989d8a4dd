package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

func TestDailyChargeChargesActiveListings(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	hostID := mustUserID(test, hostIDValue)
	wallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	active := seedListing(test, harness.store, hostID, true)
	seedListing(test, harness.store, hostID, false)
	date := mustChargeDate(test, chargeDateValue)

	summary, err := harness.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), date, false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Total != 1 || summary.Succeeded != 1 || summary.Failed != 0 || summary.Skipped != 0 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	assertBalance(test, walletBalance(test, harness.store, wallet), "90.00")
	records, err := harness.store.ListDailyCharges(context.Background(), active.ID, 0)
	if err != nil || len(records) != 1 {
		test.Fatalf("expected one record, got %v (%v)", records, err)
	}
	if !records[0].Success || records[0].EntryID == nil || records[0].ChargeDate != date {
		test.Fatalf("unexpected record %+v", records[0])
	}
	if summary.Outcomes[0].EntryID == nil || *summary.Outcomes[0].EntryID != *records[0].EntryID {
		test.Fatalf("outcome must reference the charge entry")
	}
}

func TestDailyChargeRerunIsIdempotent(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	hostID := mustUserID(test, hostIDValue)
	wallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	seedListing(test, harness.store, hostID, true)
	date := mustChargeDate(test, chargeDateValue)
	amount := mustAmount(test, dailyChargeValue)

	if _, err := harness.service.RunDailyCharge(context.Background(), amount, date, false); err != nil {
		test.Fatalf("first run failed: %v", err)
	}
	entriesBefore := len(ledgerEntries(test, harness.store, hostID))

	summary, err := harness.service.RunDailyCharge(context.Background(), amount, date, false)
	if err != nil {
		test.Fatalf("second run failed: %v", err)
	}
	if summary.Skipped != 1 || summary.Succeeded != 0 {
		test.Fatalf("expected the listing to be skipped, got %+v", summary)
	}
	if !errors.Is(summary.Outcomes[0].Err, billing.ErrAlreadyCharged) {
		test.Fatalf(errorMismatchMessage, billing.ErrAlreadyCharged, summary.Outcomes[0].Err)
	}
	assertBalance(test, walletBalance(test, harness.store, wallet), "90.00")
	if entriesAfter := len(ledgerEntries(test, harness.store, hostID)); entriesAfter != entriesBefore {
		test.Fatalf("expected %d entries, got %d", entriesBefore, entriesAfter)
	}

	nextDay := billing.NewChargeDate(fixedNow.Add(time24h))
	summary, err = harness.service.RunDailyCharge(context.Background(), amount, nextDay, false)
	if err != nil || summary.Succeeded != 1 {
		test.Fatalf("next day must charge again, got %+v (%v)", summary, err)
	}
}

func TestDailyChargeDeactivatesWhenHostCannotPay(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	hostID := mustUserID(test, hostIDValue)
	wallet := seedWallet(test, harness.store, hostID, "5.00", fixedNow)
	listing := seedListing(test, harness.store, hostID, true)
	date := mustChargeDate(test, chargeDateValue)

	summary, err := harness.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), date, false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Deactivated != 1 || summary.Failed != 1 || summary.Succeeded != 0 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	if listingActive(test, harness.store, listing.ID) {
		test.Fatalf("listing must be deactivated")
	}
	assertBalance(test, walletBalance(test, harness.store, wallet), "5.00")
	if entries := ledgerEntries(test, harness.store, hostID); len(entries) != 0 {
		test.Fatalf("expected no entries, got %d", len(entries))
	}
	records, _ := harness.store.ListDailyCharges(context.Background(), listing.ID, 0)
	if len(records) != 1 || records[0].Success || records[0].EntryID != nil {
		test.Fatalf("expected one failed record, got %+v", records)
	}
	if len(harness.delivery.messages) != 1 || harness.delivery.messages[0].UserID != hostID {
		test.Fatalf("expected the host to be notified, got %+v", harness.delivery.messages)
	}
	if harness.publisher.count(billing.EventListingDeactivated) != 1 {
		test.Fatalf("expected a deactivation event")
	}
}

func TestDailyChargeDeactivatesWithoutWallet(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	harness.delivery.err = errors.New("smtp down")
	hostID := mustUserID(test, hostIDValue)
	listing := seedListing(test, harness.store, hostID, true)

	summary, err := harness.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), mustChargeDate(test, chargeDateValue), false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Deactivated != 1 || !errors.Is(summary.Outcomes[0].Err, billing.ErrNoActiveWallet) {
		test.Fatalf("unexpected summary %+v", summary)
	}
	if listingActive(test, harness.store, listing.ID) {
		test.Fatalf("listing must be deactivated")
	}
	if logs := harness.logger.byOperation("deliver_message"); len(logs) != 1 || logs[0].Status != "error" {
		test.Fatalf("expected a delivery failure log, got %+v", logs)
	}
}

func TestDailyChargeIsolatesFailures(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	hostID := mustUserID(test, hostIDValue)
	otherID := mustUserID(test, otherHostIDValue)
	hostWallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	otherWallet := seedWallet(test, harness.store, otherID, "100.00", fixedNow)
	broken := seedListing(test, harness.store, hostID, true)
	healthy := seedListing(test, harness.store, otherID, true)
	faulty := newFixtureWithStore(test, harness.store, &faultyStore{
		Store:            harness.store,
		insertEntryError: errInjectedFailure,
		failListing:      broken.ID,
	})

	summary, err := faulty.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), mustChargeDate(test, chargeDateValue), false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 1 || summary.Failed != 1 || summary.Deactivated != 0 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	for _, outcome := range summary.Outcomes {
		if outcome.ListingID == broken.ID && (outcome.Outcome != billing.OutcomeFailed || !errors.Is(outcome.Err, billing.ErrPersistFailure)) {
			test.Fatalf("unexpected outcome for broken listing %+v", outcome)
		}
	}
	assertBalance(test, walletBalance(test, harness.store, hostWallet), "100.00")
	assertBalance(test, walletBalance(test, harness.store, otherWallet), "90.00")
	if !listingActive(test, harness.store, broken.ID) || !listingActive(test, harness.store, healthy.ID) {
		test.Fatalf("persist failures must not deactivate listings")
	}
	if exists, _ := harness.store.DailyChargeExists(context.Background(), broken.ID, mustChargeDate(test, chargeDateValue)); exists {
		test.Fatalf("failed listing must not be marked as processed")
	}
}

func TestDailyChargeUniqueConflictRollsBackDebit(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	hostID := mustUserID(test, hostIDValue)
	wallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	seedListing(test, harness.store, hostID, true)
	faulty := newFixtureWithStore(test, harness.store, &faultyStore{Store: harness.store, insertDailyChargeError: billing.ErrAlreadyCharged})

	summary, err := faulty.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), mustChargeDate(test, chargeDateValue), false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Skipped != 1 || summary.Succeeded != 0 {
		test.Fatalf("expected the conflict to count as skipped, got %+v", summary)
	}
	assertBalance(test, walletBalance(test, harness.store, wallet), "100.00")
	if entries := ledgerEntries(test, harness.store, hostID); len(entries) != 0 {
		test.Fatalf("debit must roll back on conflict, got %d entries", len(entries))
	}
}

func TestDailyChargeDryRunWritesNothing(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	hostID := mustUserID(test, hostIDValue)
	poorID := mustUserID(test, otherHostIDValue)
	wallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	seedWallet(test, harness.store, poorID, "1.00", fixedNow)
	seedListing(test, harness.store, hostID, true)
	poorListing := seedListing(test, harness.store, poorID, true)
	date := mustChargeDate(test, chargeDateValue)

	summary, err := harness.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), date, true)
	if err != nil {
		test.Fatalf("dry run failed: %v", err)
	}
	if !summary.DryRun || summary.Succeeded != 1 || summary.Deactivated != 1 || summary.Failed != 1 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	assertBalance(test, walletBalance(test, harness.store, wallet), "100.00")
	if !listingActive(test, harness.store, poorListing.ID) {
		test.Fatalf("dry run must not deactivate listings")
	}
	if exists, _ := harness.store.DailyChargeExists(context.Background(), poorListing.ID, date); exists {
		test.Fatalf("dry run must not write records")
	}
	if harness.publisher.count(billing.EventDailyChargeFinished) != 0 || len(harness.delivery.messages) != 0 {
		test.Fatalf("dry run must not publish or notify")
	}
}

func TestDailyChargeHonoursCancelledContext(test *testing.T) {
	test.Parallel()
	harness := newFixture(test, billing.WithBatchOptions(billing.BatchOptions{Workers: 2, ItemTimeout: time.Second}))
	hostID := mustUserID(test, hostIDValue)
	wallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	seedListing(test, harness.store, hostID, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := harness.service.RunDailyCharge(ctx, mustAmount(test, dailyChargeValue), mustChargeDate(test, chargeDateValue), false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Failed != 1 || !errors.Is(summary.Outcomes[0].Err, context.Canceled) {
		test.Fatalf("expected cancelled item, got %+v", summary)
	}
	assertBalance(test, walletBalance(test, harness.store, wallet), "100.00")
}

func TestDailyChargeRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	harness := newFixture(test)
	if _, err := harness.service.RunDailyCharge(context.Background(), billing.Amount{}, mustChargeDate(test, chargeDateValue), false); !errors.Is(err, billing.ErrInvalidAmount) {
		test.Fatalf(errorMismatchMessage, billing.ErrInvalidAmount, err)
	}
	if _, err := harness.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), billing.ChargeDate{}, false); !errors.Is(err, billing.ErrInvalidChargeDate) {
		test.Fatalf(errorMismatchMessage, billing.ErrInvalidChargeDate, err)
	}
}

func TestDailyChargeFansOutAcrossWorkers(test *testing.T) {
	test.Parallel()
	harness := newFixture(test, billing.WithBatchOptions(billing.BatchOptions{Workers: 3}))
	hostID := mustUserID(test, hostIDValue)
	wallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	for index := 0; index < 12; index++ {
		seedListing(test, harness.store, hostID, true)
	}

	summary, err := harness.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), mustChargeDate(test, chargeDateValue), false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Total != 12 || summary.Succeeded != 10 || summary.Deactivated != 2 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	assertBalance(test, walletBalance(test, harness.store, wallet), "0.00")
	if logs := harness.logger.byOperation("daily_charge"); len(logs) != 12 {
		test.Fatalf("expected a log per listing, got %d", len(logs))
	}
}

// panickingSelection panics when asked to pick a wallet for one host.
type panickingSelection struct {
	hostID billing.UserID
}

func (policy panickingSelection) SelectWallet(wallets []billing.Wallet, amount billing.Amount) (billing.Wallet, bool) {
	for _, wallet := range wallets {
		if wallet.UserID == policy.hostID {
			panic("wallet selection failed")
		}
	}
	return billing.HighestBalanceSelection{}.SelectWallet(wallets, amount)
}

func TestDailyChargeRecoversFromListingPanic(test *testing.T) {
	test.Parallel()
	hostID := mustUserID(test, hostIDValue)
	otherID := mustUserID(test, otherHostIDValue)
	harness := newFixture(test,
		billing.WithWalletSelectionPolicy(panickingSelection{hostID: hostID}),
		billing.WithBatchOptions(billing.BatchOptions{Workers: 1, ItemTimeout: time.Second}),
	)
	hostWallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	otherWallet := seedWallet(test, harness.store, otherID, "100.00", fixedNow)
	broken := seedListing(test, harness.store, hostID, true)
	healthy := seedListing(test, harness.store, otherID, true)
	date := mustChargeDate(test, chargeDateValue)

	summary, err := harness.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), date, false)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 1 || summary.Failed != 1 || summary.Deactivated != 0 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	for _, outcome := range summary.Outcomes {
		if outcome.ListingID == broken.ID && (outcome.Outcome != billing.OutcomeFailed || outcome.Err == nil) {
			test.Fatalf("unexpected outcome for broken listing %+v", outcome)
		}
	}
	assertBalance(test, walletBalance(test, harness.store, hostWallet), "100.00")
	assertBalance(test, walletBalance(test, harness.store, otherWallet), "90.00")
	if !listingActive(test, harness.store, broken.ID) || !listingActive(test, harness.store, healthy.ID) {
		test.Fatalf("a failed item must not deactivate listings")
	}
	if exists, _ := harness.store.DailyChargeExists(context.Background(), broken.ID, date); exists {
		test.Fatalf("failed listing must not be marked as processed")
	}
	if len(harness.logger.byOperation("daily_charge")) != 2 {
		test.Fatalf("expected one log record per listing, got %d", len(harness.logger.byOperation("daily_charge")))
	}
}

// stallingStore blocks wallet locks for one user until the item context ends.
type stallingStore struct {
	billing.Store
	stalledUser billing.UserID
}

func (store *stallingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.Store.WithTx(ctx, func(ctx context.Context, txStore billing.Store) error {
		return fn(ctx, &stallingStore{Store: txStore, stalledUser: store.stalledUser})
	})
}

func (store *stallingStore) LockActiveWallets(ctx context.Context, userID billing.UserID) ([]billing.Wallet, error) {
	if userID == store.stalledUser {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return store.Store.LockActiveWallets(ctx, userID)
}

func TestDailyChargeItemTimeoutIsolatesStalledListing(test *testing.T) {
	test.Parallel()
	hostID := mustUserID(test, hostIDValue)
	otherID := mustUserID(test, otherHostIDValue)
	harness := newFixture(test)
	hostWallet := seedWallet(test, harness.store, hostID, "100.00", fixedNow)
	otherWallet := seedWallet(test, harness.store, otherID, "100.00", fixedNow)
	stalled := seedListing(test, harness.store, hostID, true)
	seedListing(test, harness.store, otherID, true)
	itemTimeout := 200 * time.Millisecond
	stalling := newFixtureWithStore(test, harness.store, &stallingStore{Store: harness.store, stalledUser: hostID},
		billing.WithBatchOptions(billing.BatchOptions{Workers: 1, ItemTimeout: itemTimeout}),
	)

	startedAt := time.Now()
	summary, err := stalling.service.RunDailyCharge(context.Background(), mustAmount(test, dailyChargeValue), mustChargeDate(test, chargeDateValue), false)
	elapsed := time.Since(startedAt)
	if err != nil {
		test.Fatalf("run failed: %v", err)
	}
	if elapsed > 10*itemTimeout {
		test.Fatalf("stalled listing held the run for %s", elapsed)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 || summary.Deactivated != 0 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	for _, outcome := range summary.Outcomes {
		if outcome.ListingID == stalled.ID && !errors.Is(outcome.Err, context.DeadlineExceeded) {
			test.Fatalf("expected the stalled listing to time out, got %+v", outcome)
		}
	}
	assertBalance(test, walletBalance(test, harness.store, hostWallet), "100.00")
	assertBalance(test, walletBalance(test, harness.store, otherWallet), "90.00")
	if !listingActive(test, harness.store, stalled.ID) {
		test.Fatalf("a timed out listing must stay active")
	}
}
