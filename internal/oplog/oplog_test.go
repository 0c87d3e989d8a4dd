package oplog

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

func TestLogOperationLevels(test *testing.T) {
	test.Parallel()
	userID, _ := billing.NewUserID("host-1")
	amount, _ := billing.ParseAmount("10.00")
	testCases := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
	}{
		{name: "success", wantLevel: zapcore.InfoLevel},
		{name: "payment failure", err: billing.ErrNoActiveWallet, wantLevel: zapcore.WarnLevel},
		{name: "persist failure", err: errors.Join(billing.ErrPersistFailure, errors.New("db down")), wantLevel: zapcore.ErrorLevel},
		{name: "unexpected error", err: errors.New("boom"), wantLevel: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, recorded := observer.New(zapcore.DebugLevel)
			logger := New(zap.New(core))
			logger.LogOperation(context.Background(), billing.OperationLog{
				Operation: "charge",
				UserID:    userID,
				Amount:    amount,
				Kind:      billing.EntryDailyCharge,
				Status:    "ok",
				Error:     testCase.err,
			})
			entries := recorded.All()
			if len(entries) != 1 {
				test.Fatalf("expected one entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.wantLevel {
				test.Fatalf("expected level %v, got %v", testCase.wantLevel, entries[0].Level)
			}
			fields := entries[0].ContextMap()
			if fields["user_id"] != "host-1" || fields["amount"] != "10.00" || fields["kind"] != "daily_charge" {
				test.Fatalf("unexpected fields %v", fields)
			}
		})
	}
}

func TestLogOperationIncludesErrorCode(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core))
	logger.LogOperation(context.Background(), billing.OperationLog{
		Operation: "refund",
		Status:    "error",
		Error:     billing.WrapError("store", "wallet", "lock", billing.ErrUnknownWallet),
	})
	fields := recorded.All()[0].ContextMap()
	if fields["error_code"] != "store.wallet.lock" {
		test.Fatalf("unexpected error code %v", fields["error_code"])
	}
}

type countingLogger struct {
	count int
}

func (logger *countingLogger) LogOperation(context.Context, billing.OperationLog) {
	logger.count++
}

func TestMultiFansOut(test *testing.T) {
	test.Parallel()
	first := &countingLogger{}
	second := &countingLogger{}
	Multi{first, nil, second}.LogOperation(context.Background(), billing.OperationLog{Operation: "charge"})
	if first.count != 1 || second.count != 1 {
		test.Fatalf("expected both loggers to be called")
	}
}
