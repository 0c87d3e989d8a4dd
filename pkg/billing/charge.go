package billing

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// ChargeRequest describes a debit against one of the user's active wallets.
type ChargeRequest struct {
	UserID      UserID
	Amount      Amount
	Kind        EntryKind
	ListingID   *ListingID
	Description string
	Metadata    MetadataJSON
}

func (request ChargeRequest) validate() error {
	if request.UserID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.Amount.IsZero() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !request.Kind.IsDebit() {
		return fmt.Errorf("%w: %q is not a debit", ErrInvalidEntryKind, request.Kind)
	}
	return nil
}

// Charge debits the amount from a single eligible wallet and appends a
// completed ledger entry in one unit of work. A referenced listing must be
// owned by the charged user.
func (service *Service) Charge(ctx context.Context, request ChargeRequest) (Entry, error) {
	var entry Entry
	operationError := request.validate()
	if operationError == nil {
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if request.ListingID != nil {
				listing, err := transactionStore.GetListing(ctx, *request.ListingID)
				if err != nil {
					return err
				}
				if listing.HostID != request.UserID {
					return ErrNotListingOwner
				}
			}
			charged, err := service.chargeWithin(ctx, transactionStore, request)
			if err != nil {
				return err
			}
			entry = charged
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCharge,
		UserID:    request.UserID,
		ListingID: listingIDValue(request.ListingID),
		Amount:    request.Amount,
		Kind:      request.Kind,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	service.publishEntry(ctx, EventChargeCompleted, entry)
	return entry, nil
}

// chargeWithin performs the debit on an already open unit of work. A payment
// failure returns before any mutation so the caller may continue the unit.
func (service *Service) chargeWithin(ctx context.Context, transactionStore Store, request ChargeRequest) (Entry, error) {
	wallets, err := transactionStore.LockActiveWallets(ctx, request.UserID)
	if err != nil {
		return Entry{}, err
	}
	if len(wallets) == 0 {
		return Entry{}, ErrNoActiveWallet
	}
	wallet, found := service.walletPolicy.SelectWallet(wallets, request.Amount)
	if !found || !wallet.Active || wallet.Balance.LessThan(request.Amount.Decimal()) {
		return Entry{}, &InsufficientBalanceError{Required: request.Amount, Available: aggregateBalance(wallets)}
	}
	if err := transactionStore.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Sub(request.Amount.Decimal())); err != nil {
		return Entry{}, err
	}
	walletID := wallet.ID
	return transactionStore.InsertEntry(ctx, Entry{
		UserID:      request.UserID,
		WalletID:    &walletID,
		ListingID:   request.ListingID,
		Amount:      request.Amount,
		Kind:        request.Kind,
		Status:      EntryStatusCompleted,
		Description: request.Description,
		Metadata:    request.Metadata,
		CreatedAt:   service.nowFn().UTC(),
	})
}

// RefundRequest credits an amount back to a specific wallet.
type RefundRequest struct {
	UserID      UserID
	WalletID    WalletID
	Amount      Amount
	ListingID   *ListingID
	Description string
	Metadata    MetadataJSON
}

// Refund credits the wallet and appends a refund entry in one unit of work.
func (service *Service) Refund(ctx context.Context, request RefundRequest) (Entry, error) {
	var entry Entry
	var operationError error
	if request.Amount.IsZero() {
		operationError = fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	} else {
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			wallet, err := transactionStore.LockWallet(ctx, request.UserID, request.WalletID)
			if err != nil {
				return err
			}
			if err := transactionStore.UpdateWalletBalance(ctx, wallet.ID, wallet.Balance.Add(request.Amount.Decimal())); err != nil {
				return err
			}
			walletID := wallet.ID
			inserted, err := transactionStore.InsertEntry(ctx, Entry{
				UserID:      request.UserID,
				WalletID:    &walletID,
				ListingID:   request.ListingID,
				Amount:      request.Amount,
				Kind:        EntryRefund,
				Status:      EntryStatusCompleted,
				Description: request.Description,
				Metadata:    request.Metadata,
				CreatedAt:   service.nowFn().UTC(),
			})
			if err != nil {
				return err
			}
			entry = inserted
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    request.UserID,
		WalletID:  request.WalletID,
		Amount:    request.Amount,
		Kind:      EntryRefund,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	service.publishEntry(ctx, EventRefundCompleted, entry)
	return entry, nil
}

// WalletRegistration carries the card details submitted by a user. Only the
// last four digits of the card number are persisted.
type WalletRegistration struct {
	UserID      UserID
	CardNumber  string
	HolderName  string
	ExpiryMonth int
	ExpiryYear  int
}

func (registration WalletRegistration) normalize(currentYear int, currentMonth int) (Wallet, error) {
	if registration.UserID.String() == "" {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, registration.CardNumber)
	if len(digits) != cardNumberDigits || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return Wallet{}, fmt.Errorf("%w: card number must be %d digits", ErrInvalidWallet, cardNumberDigits)
	}
	holderName := strings.TrimSpace(registration.HolderName)
	if holderName == "" {
		return Wallet{}, fmt.Errorf("%w: holder name is required", ErrInvalidWallet)
	}
	if registration.ExpiryMonth < 1 || registration.ExpiryMonth > 12 {
		return Wallet{}, fmt.Errorf("%w: expiry month out of range", ErrInvalidWallet)
	}
	if registration.ExpiryYear < currentYear || (registration.ExpiryYear == currentYear && registration.ExpiryMonth < currentMonth) {
		return Wallet{}, fmt.Errorf("%w: card expired", ErrInvalidWallet)
	}
	return Wallet{
		UserID:      registration.UserID,
		Last4:       digits[len(digits)-last4Digits:],
		HolderName:  holderName,
		ExpiryMonth: registration.ExpiryMonth,
		ExpiryYear:  registration.ExpiryYear,
		Active:      true,
	}, nil
}

// RegisterWallet stores a new active wallet credited with the initial balance
// and writes its initial_credit entry in the same unit of work.
func (service *Service) RegisterWallet(ctx context.Context, registration WalletRegistration) (Wallet, error) {
	now := service.nowFn().UTC()
	var created Wallet
	var entry Entry
	wallet, operationError := registration.normalize(now.Year(), int(now.Month()))
	if operationError == nil {
		wallet.Balance = service.initialCredit.Decimal()
		wallet.CreatedAt = now
		wallet.UpdatedAt = now
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			stored, err := transactionStore.CreateWallet(ctx, wallet)
			if err != nil {
				return err
			}
			created = stored
			if service.initialCredit.IsZero() {
				return nil
			}
			walletID := stored.ID
			entry, err = transactionStore.InsertEntry(ctx, Entry{
				UserID:      stored.UserID,
				WalletID:    &walletID,
				Amount:      service.initialCredit,
				Kind:        EntryInitialCredit,
				Status:      EntryStatusCompleted,
				Description: "initial wallet credit",
				CreatedAt:   now,
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRegisterWallet,
		UserID:    registration.UserID,
		WalletID:  created.ID,
		Amount:    service.initialCredit,
		Kind:      EntryInitialCredit,
		Error:     operationError,
	})
	if operationError != nil {
		return Wallet{}, operationError
	}
	walletID := created.ID
	event := Event{Type: EventWalletRegistered, UserID: created.UserID, WalletID: &walletID, Amount: service.initialCredit, Kind: EntryInitialCredit}
	if entry.ID.String() != "" {
		entryID := entry.ID
		event.EntryID = &entryID
	}
	service.publish(ctx, event)
	return created, nil
}

func (service *Service) publishEntry(ctx context.Context, eventType EventType, entry Entry) {
	entryID := entry.ID
	service.publish(ctx, Event{
		Type:      eventType,
		UserID:    entry.UserID,
		WalletID:  entry.WalletID,
		ListingID: entry.ListingID,
		EntryID:   &entryID,
		Amount:    entry.Amount,
		Kind:      entry.Kind,
	})
}

func listingIDValue(listingID *ListingID) ListingID {
	if listingID == nil {
		return ListingID{}
	}
	return *listingID
}
