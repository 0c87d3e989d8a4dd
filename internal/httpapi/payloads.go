package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

type walletPayload struct {
	ID          string    `json:"id"`
	Last4       string    `json:"last4"`
	HolderName  string    `json:"holder_name"`
	ExpiryMonth int       `json:"expiry_month"`
	ExpiryYear  int       `json:"expiry_year"`
	Balance     string    `json:"balance"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func newWalletPayload(wallet billing.Wallet) walletPayload {
	return walletPayload{
		ID:          wallet.ID.String(),
		Last4:       wallet.Last4,
		HolderName:  wallet.HolderName,
		ExpiryMonth: wallet.ExpiryMonth,
		ExpiryYear:  wallet.ExpiryYear,
		Balance:     wallet.Balance.StringFixed(2),
		Active:      wallet.Active,
		CreatedAt:   wallet.CreatedAt.UTC(),
	}
}

type entryPayload struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"wallet_id,omitempty"`
	ListingID   string          `json:"listing_id,omitempty"`
	Amount      string          `json:"amount"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

func newEntryPayload(entry billing.Entry) entryPayload {
	payload := entryPayload{
		ID:          entry.ID.String(),
		Amount:      entry.Amount.String(),
		Kind:        string(entry.Kind),
		Status:      string(entry.Status),
		Description: entry.Description,
		Metadata:    json.RawMessage(entry.Metadata.String()),
		CreatedAt:   entry.CreatedAt.UTC(),
	}
	if entry.WalletID != nil {
		payload.WalletID = entry.WalletID.String()
	}
	if entry.ListingID != nil {
		payload.ListingID = entry.ListingID.String()
	}
	return payload
}

type listingPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func newListingPayload(listing billing.Listing) listingPayload {
	return listingPayload{
		ID:        listing.ID.String(),
		Title:     listing.Title,
		Active:    listing.Active,
		CreatedAt: listing.CreatedAt.UTC(),
	}
}

type listingChargePayload struct {
	Listing listingPayload `json:"listing"`
	Entry   *entryPayload  `json:"entry,omitempty"`
	Exempt  bool           `json:"exempt"`
}

func newListingChargePayload(result billing.ListingCharge) listingChargePayload {
	payload := listingChargePayload{Listing: newListingPayload(result.Listing), Exempt: result.Exempt}
	if result.Entry != nil {
		entry := newEntryPayload(*result.Entry)
		payload.Entry = &entry
	}
	return payload
}

type dailyChargePayload struct {
	ChargeDate string    `json:"charge_date"`
	Amount     string    `json:"amount"`
	Success    bool      `json:"success"`
	EntryID    string    `json:"entry_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func newDailyChargePayload(record billing.DailyChargeRecord) dailyChargePayload {
	payload := dailyChargePayload{
		ChargeDate: record.ChargeDate.String(),
		Amount:     record.Amount.String(),
		Success:    record.Success,
		CreatedAt:  record.CreatedAt.UTC(),
	}
	if record.EntryID != nil {
		payload.EntryID = record.EntryID.String()
	}
	return payload
}

type outcomePayload struct {
	ListingID string `json:"listing_id"`
	HostID    string `json:"host_id"`
	Outcome   string `json:"outcome"`
	EntryID   string `json:"entry_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type summaryPayload struct {
	Date        string           `json:"date"`
	DryRun      bool             `json:"dry_run"`
	Amount      string           `json:"amount"`
	Total       int              `json:"total"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	Deactivated int              `json:"deactivated"`
	Skipped     int              `json:"skipped"`
	Outcomes    []outcomePayload `json:"outcomes"`
}

func newSummaryPayload(summary billing.DailyChargeSummary) summaryPayload {
	payload := summaryPayload{
		Date:        summary.Date.String(),
		DryRun:      summary.DryRun,
		Amount:      summary.Amount.String(),
		Total:       summary.Total,
		Succeeded:   summary.Succeeded,
		Failed:      summary.Failed,
		Deactivated: summary.Deactivated,
		Skipped:     summary.Skipped,
		Outcomes:    make([]outcomePayload, 0, len(summary.Outcomes)),
	}
	for _, outcome := range summary.Outcomes {
		item := outcomePayload{
			ListingID: outcome.ListingID.String(),
			HostID:    outcome.HostID.String(),
			Outcome:   string(outcome.Outcome),
		}
		if outcome.EntryID != nil {
			item.EntryID = outcome.EntryID.String()
		}
		if outcome.Err != nil {
			item.Error = outcome.Err.Error()
		}
		payload.Outcomes = append(payload.Outcomes, item)
	}
	return payload
}
