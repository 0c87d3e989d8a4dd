package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

func mustAmount(test *testing.T, raw string) billing.Amount {
	test.Helper()
	amount, err := billing.ParseAmount(raw)
	if err != nil {
		test.Fatalf("parse amount %q: %v", raw, err)
	}
	return amount
}

func TestRecorderCountsOperations(test *testing.T) {
	test.Parallel()
	recorder := NewRecorder()
	ctx := context.Background()
	recorder.LogOperation(ctx, billing.OperationLog{Operation: "charge", Status: "ok", Amount: mustAmount(test, "10.00"), Kind: billing.EntryListingCharge})
	recorder.LogOperation(ctx, billing.OperationLog{Operation: "charge", Status: "error", Amount: mustAmount(test, "10.00"), Kind: billing.EntryListingCharge, Error: errors.New("boom")})
	recorder.LogOperation(ctx, billing.OperationLog{Operation: "daily_charge", Status: "ok", Amount: mustAmount(test, "5.00"), Kind: billing.EntryDailyCharge, Outcome: "charged"})
	recorder.LogOperation(ctx, billing.OperationLog{Operation: "daily_charge", Status: "ok", Amount: mustAmount(test, "5.00"), Kind: billing.EntryDailyCharge, Outcome: "charged", DryRun: true})
	recorder.LogOperation(ctx, billing.OperationLog{Operation: "daily_charge", Status: "ok", Amount: mustAmount(test, "5.00"), Kind: billing.EntryDailyCharge, Outcome: "deactivated"})
	recorder.LogOperation(ctx, billing.OperationLog{Operation: "daily_charge_run", Status: "ok", Outcome: "total=3 succeeded=1"})

	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("charge", "ok", "")); got != 1 {
		test.Fatalf("expected one successful charge, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("charge", "error", "")); got != 1 {
		test.Fatalf("expected one failed charge, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.operations.WithLabelValues("daily_charge_run", "ok", "")); got != 1 {
		test.Fatalf("expected run summary without outcome label, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.debited.WithLabelValues(string(billing.EntryListingCharge))); got != 10 {
		test.Fatalf("expected 10 debited by listing charges, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.debited.WithLabelValues(string(billing.EntryDailyCharge))); got != 5 {
		test.Fatalf("expected 5 debited by daily charges, got %v", got)
	}
}

func TestRecorderHandlerServesText(test *testing.T) {
	test.Parallel()
	recorder := NewRecorder()
	recorder.LogOperation(context.Background(), billing.OperationLog{Operation: "refund", Status: "ok"})
	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if response.Code != http.StatusOK {
		test.Fatalf("unexpected status %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), `billing_operations_total{operation="refund",outcome="",status="ok"} 1`) {
		test.Fatalf("metric missing from body:\n%s", response.Body.String())
	}
}
