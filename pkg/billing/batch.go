package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchOptions bounds the daily charge fan-out.
type BatchOptions struct {
	Workers     int
	ItemTimeout time.Duration
}

// ChargeOutcome classifies what happened to one listing in a batch run.
type ChargeOutcome string

const (
	OutcomeCharged     ChargeOutcome = "charged"
	OutcomeSkipped     ChargeOutcome = "skipped"
	OutcomeDeactivated ChargeOutcome = "deactivated"
	OutcomeFailed      ChargeOutcome = "failed"
)

// ListingOutcome is the per-listing result of a batch run.
type ListingOutcome struct {
	ListingID ListingID
	HostID    UserID
	Outcome   ChargeOutcome
	EntryID   *EntryID
	Err       error
}

// DailyChargeSummary aggregates a batch run. Payment failures count as both
// Failed and Deactivated.
type DailyChargeSummary struct {
	Date        ChargeDate
	DryRun      bool
	Amount      Amount
	Total       int
	Succeeded   int
	Failed      int
	Deactivated int
	Skipped     int
	Outcomes    []ListingOutcome
}

// RunDailyCharge charges every active listing at most once for the date.
// Per-listing failures are recorded in the summary and never abort the run.
// A dry run reads current state and writes nothing.
func (service *Service) RunDailyCharge(ctx context.Context, amount Amount, date ChargeDate, dryRun bool) (DailyChargeSummary, error) {
	summary := DailyChargeSummary{Date: date, DryRun: dryRun, Amount: amount}
	if amount.IsZero() {
		return summary, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if date.IsZero() {
		return summary, fmt.Errorf("%w: empty value", ErrInvalidChargeDate)
	}
	listings, err := service.store.ListActiveListings(ctx)
	if err != nil {
		operationError := classifyStoreError(err)
		service.logOperation(ctx, OperationLog{Operation: operationDailyChargeRun, Amount: amount, ChargeDate: date, Error: operationError})
		return summary, operationError
	}

	outcomes := make([]ListingOutcome, len(listings))
	var group errgroup.Group
	group.SetLimit(service.batch.Workers)
	for index, listing := range listings {
		group.Go(func() error {
			defer func() {
				if recovered := recover(); recovered != nil {
					outcome := ListingOutcome{
						ListingID: listing.ID,
						HostID:    listing.HostID,
						Outcome:   OutcomeFailed,
						Err:       fmt.Errorf("daily charge panic: %v", recovered),
					}
					service.logOperation(ctx, OperationLog{
						Operation:  operationDailyCharge,
						UserID:     listing.HostID,
						ListingID:  listing.ID,
						Amount:     amount,
						Kind:       EntryDailyCharge,
						ChargeDate: date,
						Outcome:    string(OutcomeFailed),
						DryRun:     dryRun,
						Error:      outcome.Err,
					})
					outcomes[index] = outcome
				}
			}()
			outcomes[index] = service.processListing(ctx, listing, amount, date, dryRun)
			return nil
		})
	}
	_ = group.Wait()

	summary.Total = len(outcomes)
	summary.Outcomes = outcomes
	for _, outcome := range outcomes {
		switch outcome.Outcome {
		case OutcomeCharged:
			summary.Succeeded++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeDeactivated:
			summary.Deactivated++
			summary.Failed++
		case OutcomeFailed:
			summary.Failed++
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationDailyChargeRun,
		Amount:     amount,
		ChargeDate: date,
		Outcome: fmt.Sprintf("total=%d succeeded=%d failed=%d deactivated=%d skipped=%d dry_run=%t",
			summary.Total, summary.Succeeded, summary.Failed, summary.Deactivated, summary.Skipped, dryRun),
		DryRun: dryRun,
	})
	if !dryRun {
		service.publish(ctx, Event{Type: EventDailyChargeFinished, Amount: amount, Kind: EntryDailyCharge, Reason: date.String()})
	}
	return summary, nil
}

func (service *Service) processListing(ctx context.Context, listing Listing, amount Amount, date ChargeDate, dryRun bool) ListingOutcome {
	itemCtx := ctx
	if service.batch.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, service.batch.ItemTimeout)
		defer cancel()
	}
	var outcome ListingOutcome
	if dryRun {
		outcome = service.previewListingCharge(itemCtx, listing, amount, date)
	} else {
		outcome = service.chargeListingForDate(itemCtx, listing, amount, date)
	}
	logEntry := OperationLog{
		Operation:  operationDailyCharge,
		UserID:     listing.HostID,
		ListingID:  listing.ID,
		Amount:     amount,
		Kind:       EntryDailyCharge,
		ChargeDate: date,
		Outcome:    string(outcome.Outcome),
		DryRun:     dryRun,
	}
	if outcome.Outcome == OutcomeFailed {
		logEntry.Error = outcome.Err
	}
	service.logOperation(ctx, logEntry)
	return outcome
}

func (service *Service) chargeListingForDate(ctx context.Context, listing Listing, amount Amount, date ChargeDate) ListingOutcome {
	outcome := ListingOutcome{ListingID: listing.ID, HostID: listing.HostID}
	var entryID *EntryID
	var paymentErr error
	err := service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
		exists, err := transactionStore.DailyChargeExists(ctx, listing.ID, date)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyCharged
		}
		current, err := transactionStore.LockListing(ctx, listing.ID)
		if err != nil {
			return err
		}
		if !current.Active {
			return ErrListingInactive
		}
		listingID := listing.ID
		entry, chargeErr := service.chargeWithin(ctx, transactionStore, ChargeRequest{
			UserID:      current.HostID,
			Amount:      amount,
			Kind:        EntryDailyCharge,
			ListingID:   &listingID,
			Description: "daily maintenance charge " + date.String(),
		})
		record := DailyChargeRecord{
			ListingID:  listing.ID,
			UserID:     current.HostID,
			Amount:     amount,
			ChargeDate: date,
			CreatedAt:  service.nowFn().UTC(),
		}
		switch {
		case chargeErr == nil:
			chargedID := entry.ID
			record.EntryID = &chargedID
			record.Success = true
			entryID = &chargedID
		case IsPaymentFailure(chargeErr):
			if err := transactionStore.SetListingActive(ctx, listing.ID, false); err != nil {
				return err
			}
			paymentErr = chargeErr
		default:
			return chargeErr
		}
		return transactionStore.InsertDailyCharge(ctx, record)
	})
	switch {
	case err == nil && paymentErr != nil:
		outcome.Outcome = OutcomeDeactivated
		outcome.Err = paymentErr
		service.announceDeactivation(ctx, listing, date, paymentErr)
	case err == nil:
		outcome.Outcome = OutcomeCharged
		outcome.EntryID = entryID
		service.publish(ctx, Event{Type: EventChargeCompleted, UserID: listing.HostID, ListingID: &outcome.ListingID, EntryID: entryID, Amount: amount, Kind: EntryDailyCharge})
	case errors.Is(err, ErrAlreadyCharged), errors.Is(err, ErrListingInactive):
		outcome.Outcome = OutcomeSkipped
		outcome.Err = err
	default:
		outcome.Outcome = OutcomeFailed
		outcome.Err = err
	}
	return outcome
}

func (service *Service) previewListingCharge(ctx context.Context, listing Listing, amount Amount, date ChargeDate) ListingOutcome {
	outcome := ListingOutcome{ListingID: listing.ID, HostID: listing.HostID}
	exists, err := service.store.DailyChargeExists(ctx, listing.ID, date)
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = classifyStoreError(err)
		return outcome
	}
	if exists {
		outcome.Outcome = OutcomeSkipped
		outcome.Err = ErrAlreadyCharged
		return outcome
	}
	wallets, err := service.store.ListWallets(ctx, listing.HostID)
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = classifyStoreError(err)
		return outcome
	}
	active := make([]Wallet, 0, len(wallets))
	for _, wallet := range wallets {
		if wallet.Active {
			active = append(active, wallet)
		}
	}
	if len(active) == 0 {
		outcome.Outcome = OutcomeDeactivated
		outcome.Err = ErrNoActiveWallet
		return outcome
	}
	if _, found := service.walletPolicy.SelectWallet(active, amount); !found {
		outcome.Outcome = OutcomeDeactivated
		outcome.Err = &InsufficientBalanceError{Required: amount, Available: aggregateBalance(active)}
		return outcome
	}
	outcome.Outcome = OutcomeCharged
	return outcome
}

func (service *Service) announceDeactivation(ctx context.Context, listing Listing, date ChargeDate, cause error) {
	listingID := listing.ID
	service.publish(ctx, Event{Type: EventListingDeactivated, UserID: listing.HostID, ListingID: &listingID, Kind: EntryDailyCharge, Reason: cause.Error()})
	reason := "no active wallet"
	if errors.Is(cause, ErrInsufficientBalance) {
		reason = "insufficient wallet balance"
	}
	service.notify(ctx, Message{
		UserID:  listing.HostID,
		Subject: "Listing deactivated",
		Body:    fmt.Sprintf("Your listing %q was deactivated on %s: %s for the daily charge.", listing.Title, date, reason),
	})
}
