package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain-level error values returned by the billing service.
var (
	ErrNoActiveWallet       = errors.New("no active wallet")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrWalletInUse          = errors.New("wallet in use")
	ErrAlreadyCharged       = errors.New("already charged for date")
	ErrPersistFailure       = errors.New("persist failure")
	ErrContentRejected      = errors.New("content rejected")
	ErrNotListingOwner      = errors.New("not listing owner")
	ErrUnknownWallet        = errors.New("unknown wallet")
	ErrUnknownListing       = errors.New("unknown listing")
	ErrListingInactive      = errors.New("listing inactive")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidWalletID      = errors.New("invalid wallet id")
	ErrInvalidListingID     = errors.New("invalid listing id")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidChargeDate    = errors.New("invalid charge date")
	ErrInvalidEntryKind     = errors.New("invalid entry kind")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidWallet        = errors.New("invalid wallet")
	ErrInvalidListing       = errors.New("invalid listing")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

var domainErrors = []error{
	ErrNoActiveWallet,
	ErrInsufficientBalance,
	ErrWalletInUse,
	ErrAlreadyCharged,
	ErrPersistFailure,
	ErrContentRejected,
	ErrNotListingOwner,
	ErrUnknownWallet,
	ErrUnknownListing,
	ErrListingInactive,
	ErrInvalidUserID,
	ErrInvalidWalletID,
	ErrInvalidListingID,
	ErrInvalidEntryID,
	ErrInvalidAmount,
	ErrInvalidChargeDate,
	ErrInvalidEntryKind,
	ErrInvalidMetadataJSON,
	ErrInvalidWallet,
	ErrInvalidListing,
	ErrInvalidServiceConfig,
}

// InsufficientBalanceError reports the required amount and the user's aggregate balance.
type InsufficientBalanceError struct {
	Required  Amount
	Available decimal.Decimal
}

// Error returns the formatted error message.
func (insufficient *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: required %s, available %s", ErrInsufficientBalance, insufficient.Required, insufficient.Available.StringFixed(amountScale))
}

// Is matches ErrInsufficientBalance.
func (insufficient *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// ContentRejectedError carries the moderation verdict that blocked a listing.
type ContentRejectedError struct {
	Image      string
	Reason     string
	Confidence float64
}

// Error returns the formatted error message.
func (rejected *ContentRejectedError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrContentRejected, rejected.Reason, rejected.Image)
}

// Is matches ErrContentRejected.
func (rejected *ContentRejectedError) Is(target error) bool {
	return target == ErrContentRejected
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsPaymentFailure reports whether err means the user could not pay.
func IsPaymentFailure(err error) bool {
	return errors.Is(err, ErrNoActiveWallet) || errors.Is(err, ErrInsufficientBalance)
}

func isDomainError(err error) bool {
	for _, domainErr := range domainErrors {
		if errors.Is(err, domainErr) {
			return true
		}
	}
	return false
}

// classifyStoreError surfaces infrastructure failures as ErrPersistFailure.
func classifyStoreError(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistFailure, err)
}
