package billing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestWrapErrorFormatsOperationCode(test *testing.T) {
	test.Parallel()
	cause := errors.New("boom")
	wrapped := WrapError("store", "wallet", "update_failed", cause)
	if wrapped.Error() != "store.wallet.update_failed: boom" {
		test.Fatalf("unexpected message %q", wrapped.Error())
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != "store" || operationError.Subject() != "wallet" || operationError.Code() != "update_failed" {
		test.Fatalf("unexpected segments %+v", operationError)
	}
	if !errors.Is(wrapped, cause) {
		test.Fatalf("expected cause to unwrap")
	}
	if WrapError("store", "wallet", "noop", nil) != nil {
		test.Fatalf("nil errors must stay nil")
	}
}

func TestClassifyStoreError(test *testing.T) {
	test.Parallel()
	cause := errors.New("connection reset")
	classified := classifyStoreError(WrapError("store", "entry", "insert_failed", cause))
	if !errors.Is(classified, ErrPersistFailure) || !errors.Is(classified, cause) {
		test.Fatalf("expected persist failure wrapping cause, got %v", classified)
	}
	insufficient := &InsufficientBalanceError{Required: Amount{value: decimal.RequireFromString("1")}, Available: decimal.Zero}
	if classifyStoreError(insufficient) != error(insufficient) {
		test.Fatalf("domain errors must pass through unchanged")
	}
	if classifyStoreError(WrapError("store", "wallet", "not_found", ErrUnknownWallet)) == nil {
		test.Fatalf("wrapped domain errors must be kept")
	}
	if errors.Is(classifyStoreError(WrapError("store", "wallet", "not_found", ErrUnknownWallet)), ErrPersistFailure) {
		test.Fatalf("wrapped domain errors must not become persist failures")
	}
}

func TestPaymentFailureErrors(test *testing.T) {
	test.Parallel()
	insufficient := &InsufficientBalanceError{Required: Amount{value: decimal.RequireFromString("10")}, Available: decimal.RequireFromString("7.5")}
	if insufficient.Error() != "insufficient balance: required 10.00, available 7.50" {
		test.Fatalf("unexpected message %q", insufficient.Error())
	}
	if !IsPaymentFailure(insufficient) || !IsPaymentFailure(ErrNoActiveWallet) {
		test.Fatalf("expected payment failures")
	}
	if IsPaymentFailure(ErrPersistFailure) {
		test.Fatalf("persist failure is not a payment failure")
	}
	rejected := &ContentRejectedError{Image: "a.jpg", Reason: "nudity"}
	if !errors.Is(rejected, ErrContentRejected) {
		test.Fatalf("expected content rejection to match sentinel")
	}
}
