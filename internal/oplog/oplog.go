// Package oplog writes billing operation records to zap.
package oplog

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

// ZapLogger implements billing.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger. A nil logger falls back to zap.NewNop.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation logs successes at info, payment and validation failures at warn
// and everything else at error.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if value := entry.UserID.String(); value != "" {
		fields = append(fields, zap.String("user_id", value))
	}
	if value := entry.WalletID.String(); value != "" {
		fields = append(fields, zap.String("wallet_id", value))
	}
	if value := entry.ListingID.String(); value != "" {
		fields = append(fields, zap.String("listing_id", value))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", string(entry.Kind)))
	}
	if !entry.ChargeDate.IsZero() {
		fields = append(fields, zap.String("charge_date", entry.ChargeDate.String()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.DryRun {
		fields = append(fields, zap.Bool("dry_run", true))
	}
	if entry.Error == nil {
		zapLogger.logger.Info("billing operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	var operationError billing.OperationError
	if errors.As(entry.Error, &operationError) {
		fields = append(fields, zap.String("error_code", operationError.Operation()+"."+operationError.Subject()+"."+operationError.Code()))
	}
	if errors.Is(entry.Error, billing.ErrPersistFailure) || !isExpected(entry.Error) {
		zapLogger.logger.Error("billing operation failed", fields...)
		return
	}
	zapLogger.logger.Warn("billing operation rejected", fields...)
}

func isExpected(err error) bool {
	expected := []error{
		billing.ErrNoActiveWallet,
		billing.ErrInsufficientBalance,
		billing.ErrWalletInUse,
		billing.ErrAlreadyCharged,
		billing.ErrContentRejected,
		billing.ErrNotListingOwner,
		billing.ErrUnknownWallet,
		billing.ErrUnknownListing,
		billing.ErrInvalidAmount,
		billing.ErrInvalidWallet,
		billing.ErrInvalidListing,
		billing.ErrInvalidUserID,
	}
	for _, candidate := range expected {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// Multi fans one record out to several loggers.
type Multi []billing.OperationLogger

// LogOperation implements billing.OperationLogger.
func (loggers Multi) LogOperation(ctx context.Context, entry billing.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
