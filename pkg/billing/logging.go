package billing

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing billing operation.
type OperationLog struct {
	Operation  string
	UserID     UserID
	WalletID   WalletID
	ListingID  ListingID
	Amount     Amount
	Kind       EntryKind
	ChargeDate ChargeDate
	Outcome    string
	DryRun     bool
	Status     string
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithWalletSelectionPolicy replaces the default highest-balance selection.
func WithWalletSelectionPolicy(policy WalletSelectionPolicy) ServiceOption {
	return func(service *Service) {
		service.walletPolicy = policy
	}
}

// WithContentValidator wires the moderation check run before creation and activation.
func WithContentValidator(validator ContentValidator) ServiceOption {
	return func(service *Service) {
		service.validator = validator
	}
}

// WithMessageDelivery wires host notifications for forced deactivations.
func WithMessageDelivery(delivery MessageDelivery) ServiceOption {
	return func(service *Service) {
		service.delivery = delivery
	}
}

// WithEventPublisher wires post-commit billing events.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithInitialCredit sets the balance credited to newly registered wallets.
func WithInitialCredit(amount Amount) ServiceOption {
	return func(service *Service) {
		service.initialCredit = amount
	}
}

// WithBatchOptions overrides the daily batch fan-out settings.
func WithBatchOptions(options BatchOptions) ServiceOption {
	return func(service *Service) {
		service.batch = options
	}
}
