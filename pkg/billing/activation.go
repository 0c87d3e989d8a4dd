package billing

import (
	"context"
	"fmt"
	"strings"
)

// ListingDraft is a new listing submitted by a host.
type ListingDraft struct {
	HostID UserID
	Title  string
	Images []Image
}

// ListingCharge is the result of a billable listing operation. Entry is nil
// when no fee was charged.
type ListingCharge struct {
	Listing Listing
	Entry   *Entry
	Exempt  bool
}

// CreateListing validates content, then creates the listing and charges the
// creation fee in one unit of work. A host's first listing is exempt.
func (service *Service) CreateListing(ctx context.Context, draft ListingDraft) (ListingCharge, error) {
	var result ListingCharge
	operationError := service.createListing(ctx, draft, &result)
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateListing,
		UserID:    draft.HostID,
		ListingID: result.Listing.ID,
		Amount:    entryAmount(result.Entry),
		Kind:      EntryListingCharge,
		Error:     operationError,
	})
	if operationError != nil {
		return ListingCharge{}, operationError
	}
	listingID := result.Listing.ID
	service.publish(ctx, Event{Type: EventListingCreated, UserID: draft.HostID, ListingID: &listingID})
	if result.Entry != nil {
		service.publishEntry(ctx, EventChargeCompleted, *result.Entry)
	}
	return result, nil
}

func (service *Service) createListing(ctx context.Context, draft ListingDraft, result *ListingCharge) error {
	if draft.HostID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidListing)
	}
	if err := service.validateContent(ctx, draft.Images); err != nil {
		return err
	}
	return service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
		prior, err := transactionStore.CountListings(ctx, draft.HostID)
		if err != nil {
			return err
		}
		decision, err := service.fees.Fee(FeeEvent{Kind: EntryListingCharge, UserID: draft.HostID, PriorListings: prior})
		if err != nil {
			return err
		}
		listing, err := transactionStore.CreateListing(ctx, Listing{
			HostID:    draft.HostID,
			Title:     title,
			Active:    true,
			CreatedAt: service.nowFn().UTC(),
		})
		if err != nil {
			return err
		}
		charge := ListingCharge{Listing: listing, Exempt: decision.Exempt}
		if !decision.Exempt {
			listingID := listing.ID
			entry, err := service.chargeWithin(ctx, transactionStore, ChargeRequest{
				UserID:      draft.HostID,
				Amount:      decision.Amount,
				Kind:        EntryListingCharge,
				ListingID:   &listingID,
				Description: "listing creation fee",
			})
			if err != nil {
				return err
			}
			charge.Entry = &entry
		}
		*result = charge
		return nil
	})
}

// ActivateListing validates content, then charges the activation fee and marks
// the listing active in one unit of work. Activating an active listing is a no-op.
func (service *Service) ActivateListing(ctx context.Context, hostID UserID, listingID ListingID, images []Image) (ListingCharge, error) {
	var result ListingCharge
	activated := false
	operationError := service.validateContent(ctx, images)
	if operationError == nil {
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			listing, err := lockOwnedListing(ctx, transactionStore, hostID, listingID)
			if err != nil {
				return err
			}
			if listing.Active {
				result = ListingCharge{Listing: listing}
				return nil
			}
			decision, err := service.fees.Fee(FeeEvent{Kind: EntryActivationCharge, UserID: hostID})
			if err != nil {
				return err
			}
			charge := ListingCharge{Exempt: decision.Exempt}
			if !decision.Exempt {
				entry, err := service.chargeWithin(ctx, transactionStore, ChargeRequest{
					UserID:      hostID,
					Amount:      decision.Amount,
					Kind:        EntryActivationCharge,
					ListingID:   &listingID,
					Description: "listing activation fee",
				})
				if err != nil {
					return err
				}
				charge.Entry = &entry
			}
			if err := transactionStore.SetListingActive(ctx, listingID, true); err != nil {
				return err
			}
			listing.Active = true
			activated = true
			charge.Listing = listing
			result = charge
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationActivateListing,
		UserID:    hostID,
		ListingID: listingID,
		Amount:    entryAmount(result.Entry),
		Kind:      EntryActivationCharge,
		Error:     operationError,
	})
	if operationError != nil {
		return ListingCharge{}, operationError
	}
	if activated {
		service.publish(ctx, Event{Type: EventListingActivated, UserID: hostID, ListingID: &listingID})
	}
	if result.Entry != nil {
		service.publishEntry(ctx, EventChargeCompleted, *result.Entry)
	}
	return result, nil
}

// DeactivateListing marks the listing inactive. It never charges or refunds.
func (service *Service) DeactivateListing(ctx context.Context, hostID UserID, listingID ListingID) (Listing, error) {
	var result Listing
	changed := false
	operationError := service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
		listing, err := lockOwnedListing(ctx, transactionStore, hostID, listingID)
		if err != nil {
			return err
		}
		if listing.Active {
			if err := transactionStore.SetListingActive(ctx, listingID, false); err != nil {
				return err
			}
			listing.Active = false
			changed = true
		}
		result = listing
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeactivateListing,
		UserID:    hostID,
		ListingID: listingID,
		Error:     operationError,
	})
	if operationError != nil {
		return Listing{}, operationError
	}
	if changed {
		service.publish(ctx, Event{Type: EventListingDeactivated, UserID: hostID, ListingID: &listingID, Reason: "host request"})
	}
	return result, nil
}

// WalletToggle is the result of enabling or disabling a wallet.
type WalletToggle struct {
	Wallet              Wallet
	Changed             bool
	DeactivatedListings int64
}

// SetWalletActive enables or disables a wallet. Disabling the user's last active
// wallet deactivates every active listing of the user in the same unit of work.
// Re-enabling never reactivates listings. Requesting the current state is a no-op.
func (service *Service) SetWalletActive(ctx context.Context, userID UserID, walletID WalletID, active bool) (WalletToggle, error) {
	var result WalletToggle
	operationError := service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.LockWallet(ctx, userID, walletID)
		if err != nil {
			return err
		}
		toggle := WalletToggle{Wallet: wallet}
		if wallet.Active == active {
			result = toggle
			return nil
		}
		if err := transactionStore.SetWalletActive(ctx, walletID, active); err != nil {
			return err
		}
		toggle.Wallet.Active = active
		toggle.Changed = true
		if !active {
			remaining, err := transactionStore.LockActiveWallets(ctx, userID)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				deactivated, err := transactionStore.DeactivateHostListings(ctx, userID)
				if err != nil {
					return err
				}
				toggle.DeactivatedListings = deactivated
			}
		}
		result = toggle
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetWalletActive,
		UserID:    userID,
		WalletID:  walletID,
		Outcome:   fmt.Sprintf("active=%t deactivated_listings=%d", active, result.DeactivatedListings),
		Error:     operationError,
	})
	if operationError != nil {
		return WalletToggle{}, operationError
	}
	if !result.Changed {
		return result, nil
	}
	service.publish(ctx, Event{Type: EventWalletToggled, UserID: userID, WalletID: &walletID, Reason: fmt.Sprintf("active=%t", active)})
	if result.DeactivatedListings > 0 {
		service.publish(ctx, Event{Type: EventListingDeactivated, UserID: userID, Reason: "no active wallet"})
	}
	return result, nil
}

// DeleteWallet removes a wallet. The user's sole active wallet cannot be
// deleted while they have active listings. Ledger history is kept with the
// wallet reference cleared.
func (service *Service) DeleteWallet(ctx context.Context, userID UserID, walletID WalletID) error {
	operationError := service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.LockWallet(ctx, userID, walletID)
		if err != nil {
			return err
		}
		if wallet.Active {
			activeWallets, err := transactionStore.LockActiveWallets(ctx, userID)
			if err != nil {
				return err
			}
			if len(activeWallets) <= 1 {
				activeListings, err := transactionStore.CountActiveListings(ctx, userID)
				if err != nil {
					return err
				}
				if activeListings > 0 {
					return ErrWalletInUse
				}
			}
		}
		return transactionStore.DeleteWallet(ctx, walletID)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeleteWallet,
		UserID:    userID,
		WalletID:  walletID,
		Error:     operationError,
	})
	if operationError == nil {
		service.publish(ctx, Event{Type: EventWalletDeleted, UserID: userID, WalletID: &walletID})
	}
	return operationError
}

func lockOwnedListing(ctx context.Context, transactionStore Store, hostID UserID, listingID ListingID) (Listing, error) {
	listing, err := transactionStore.LockListing(ctx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if listing.HostID != hostID {
		return Listing{}, ErrNotListingOwner
	}
	return listing, nil
}

func entryAmount(entry *Entry) Amount {
	if entry == nil {
		return Amount{}
	}
	return entry.Amount
}
