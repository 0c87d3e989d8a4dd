package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FeeEvent describes a billable moment.
type FeeEvent struct {
	Kind          EntryKind
	UserID        UserID
	PriorListings int64
}

// FeeDecision is the amount to charge, or an exemption.
type FeeDecision struct {
	Amount Amount
	Exempt bool
	Reason string
}

// FeePolicy prices billable events.
type FeePolicy interface {
	Fee(event FeeEvent) (FeeDecision, error)
}

// ConfiguredFeePolicy charges fixed configured amounts and waives the creation
// fee for a host's first listing.
type ConfiguredFeePolicy struct {
	CreationCharge   Amount
	ActivationCharge Amount
	DailyCharge      Amount
	FirstListingFree bool
}

// NewConfiguredFeePolicy validates the configured amounts.
func NewConfiguredFeePolicy(creation Amount, activation Amount, daily Amount) (*ConfiguredFeePolicy, error) {
	if creation.IsZero() || activation.IsZero() || daily.IsZero() {
		return nil, fmt.Errorf("%w: fee amounts must be positive", ErrInvalidServiceConfig)
	}
	return &ConfiguredFeePolicy{
		CreationCharge:   creation,
		ActivationCharge: activation,
		DailyCharge:      daily,
		FirstListingFree: true,
	}, nil
}

// Fee returns the configured amount for the event kind.
func (policy *ConfiguredFeePolicy) Fee(event FeeEvent) (FeeDecision, error) {
	switch event.Kind {
	case EntryListingCharge:
		if policy.FirstListingFree && event.PriorListings == 0 {
			return FeeDecision{Exempt: true, Reason: "first listing"}, nil
		}
		return FeeDecision{Amount: policy.CreationCharge}, nil
	case EntryActivationCharge:
		return FeeDecision{Amount: policy.ActivationCharge}, nil
	case EntryDailyCharge:
		return FeeDecision{Amount: policy.DailyCharge}, nil
	default:
		return FeeDecision{}, fmt.Errorf("%w: %q is not billable", ErrInvalidEntryKind, event.Kind)
	}
}

// WalletSelectionPolicy picks the wallet to debit among locked active wallets.
type WalletSelectionPolicy interface {
	SelectWallet(wallets []Wallet, amount Amount) (Wallet, bool)
}

// HighestBalanceSelection picks the wallet with the highest balance covering the
// amount. Ties go to the most recently created wallet, then the highest id.
type HighestBalanceSelection struct{}

// SelectWallet implements WalletSelectionPolicy.
func (HighestBalanceSelection) SelectWallet(wallets []Wallet, amount Amount) (Wallet, bool) {
	var selected Wallet
	found := false
	for _, wallet := range wallets {
		if !wallet.Active || wallet.Balance.LessThan(amount.Decimal()) {
			continue
		}
		if !found || preferWallet(wallet, selected) {
			selected = wallet
			found = true
		}
	}
	return selected, found
}

func preferWallet(candidate Wallet, current Wallet) bool {
	if comparison := candidate.Balance.Cmp(current.Balance); comparison != 0 {
		return comparison > 0
	}
	if !candidate.CreatedAt.Equal(current.CreatedAt) {
		return candidate.CreatedAt.After(current.CreatedAt)
	}
	return strings.Compare(candidate.ID.String(), current.ID.String()) > 0
}

func aggregateBalance(wallets []Wallet) decimal.Decimal {
	total := decimal.Zero
	for _, wallet := range wallets {
		total = total.Add(wallet.Balance)
	}
	return total
}
