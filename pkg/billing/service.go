package billing

import (
	"context"
	"fmt"
	"time"
)

// Service contains the billing domain logic over a Store.
type Service struct {
	store         Store
	nowFn         func() time.Time
	fees          FeePolicy
	walletPolicy  WalletSelectionPolicy
	validator     ContentValidator
	delivery      MessageDelivery
	publisher     EventPublisher
	logger        OperationLogger
	initialCredit Amount
	batch         BatchOptions
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, fees FeePolicy, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if fees == nil {
		return nil, fmt.Errorf("%w: fee policy dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		fees:         fees,
		walletPolicy: HighestBalanceSelection{},
		batch: BatchOptions{
			Workers:     defaultBatchWorkers,
			ItemTimeout: defaultBatchItemTimeout * time.Second,
		},
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.walletPolicy == nil {
		return nil, fmt.Errorf("%w: wallet selection policy is nil", ErrInvalidServiceConfig)
	}
	if service.batch.Workers <= 0 {
		service.batch.Workers = defaultBatchWorkers
	}
	return service, nil
}

// ListWallets returns every wallet owned by the user.
func (service *Service) ListWallets(ctx context.Context, userID UserID) ([]Wallet, error) {
	wallets, err := service.store.ListWallets(ctx, userID)
	return wallets, classifyStoreError(err)
}

// GetWallet returns a wallet owned by the user.
func (service *Service) GetWallet(ctx context.Context, userID UserID, walletID WalletID) (Wallet, error) {
	wallet, err := service.store.GetWallet(ctx, userID, walletID)
	return wallet, classifyStoreError(err)
}

// ListEntries returns the user's most recent ledger entries.
func (service *Service) ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	entries, err := service.store.ListEntries(ctx, userID, limit)
	return entries, classifyStoreError(err)
}

// ListDailyCharges returns the daily charge history of a listing owned by host.
func (service *Service) ListDailyCharges(ctx context.Context, hostID UserID, listingID ListingID, limit int) ([]DailyChargeRecord, error) {
	listing, err := service.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	if listing.HostID != hostID {
		return nil, ErrNotListingOwner
	}
	records, err := service.store.ListDailyCharges(ctx, listingID, limit)
	return records, classifyStoreError(err)
}

// withTx runs fn in one unit of work and classifies infrastructure failures.
func (service *Service) withTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	return classifyStoreError(service.store.WithTx(ctx, fn))
}

func (service *Service) validateContent(ctx context.Context, images []Image) error {
	if service.validator == nil {
		return nil
	}
	for _, image := range images {
		verdict, err := service.validator.Validate(ctx, image)
		if err != nil {
			return fmt.Errorf("content validation: %w", err)
		}
		if !verdict.Accepted {
			return &ContentRejectedError{Image: image.Name, Reason: verdict.Reason, Confidence: verdict.Confidence}
		}
	}
	return nil
}

func (service *Service) publish(ctx context.Context, event Event) {
	if service.publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = service.nowFn().UTC()
	}
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationPublishEvent,
			UserID:    event.UserID,
			Outcome:   string(event.Type),
			Error:     err,
		})
	}
}

func (service *Service) notify(ctx context.Context, message Message) {
	if service.delivery == nil {
		return
	}
	if err := service.delivery.Deliver(ctx, message); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationDeliverMessage,
			UserID:    message.UserID,
			Error:     err,
		})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
