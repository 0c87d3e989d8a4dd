// Package metrics exposes billing operation counters to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	namespace    = "billing"
	statusOK     = "ok"
	labelUnknown = ""
)

// Recorder counts operations and implements billing.OperationLogger.
type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	debited    *prometheus.CounterVec
}

// NewRecorder registers the billing collectors on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Billing operations by name, status and batch outcome.",
	}, []string{"operation", "status", "outcome"})
	debited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "debited_amount_total",
		Help:      "Sum of debited amounts by entry kind.",
	}, []string{"kind"})
	registry.MustRegister(operations, debited)
	return &Recorder{registry: registry, operations: operations, debited: debited}
}

// LogOperation implements billing.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry billing.OperationLog) {
	outcome := outcomeLabel(entry.Outcome)
	recorder.operations.WithLabelValues(entry.Operation, entry.Status, outcome).Inc()
	if entry.Status != statusOK || entry.DryRun || entry.Amount.IsZero() || !entry.Kind.IsDebit() {
		return
	}
	if outcome != labelUnknown && outcome != string(billing.OutcomeCharged) {
		return
	}
	value, _ := entry.Amount.Decimal().Float64()
	recorder.debited.WithLabelValues(string(entry.Kind)).Add(value)
}

// Handler serves the registry in the Prometheus text format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// outcomeLabel keeps label cardinality bounded to the batch outcomes.
func outcomeLabel(outcome string) string {
	switch billing.ChargeOutcome(outcome) {
	case billing.OutcomeCharged, billing.OutcomeSkipped, billing.OutcomeDeactivated, billing.OutcomeFailed:
		return outcome
	default:
		return labelUnknown
	}
}
