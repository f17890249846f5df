package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Execution modes reported in the "mode" attribute.
const (
	ModeStandalone    = "standalone"
	ModeTransactional = "transactional"
)

// TxnMetrics holds all the metric instruments for shared transactions and the
// operations that run inside or outside them.
type TxnMetrics struct {
	BegunCounter        metric.Int64Counter
	CommittedCounter    metric.Int64Counter
	RolledBackCounter   metric.Int64Counter
	StepsCounter        metric.Int64Counter
	ActiveUpDownCounter metric.Int64UpDownCounter
	OpLatencyHistogram  metric.Int64Histogram
	OpErrorsCounter     metric.Int64Counter
}

// NewTxnMetrics creates and registers all the metrics on meter.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	begun, err := meter.Int64Counter(
		"gojodata.txn.begun",
		metric.WithDescription("Total number of shared transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committed, err := meter.Int64Counter(
		"gojodata.txn.committed",
		metric.WithDescription("Total number of shared transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rolledBack, err := meter.Int64Counter(
		"gojodata.txn.rolled_back",
		metric.WithDescription("Total number of shared transactions rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	steps, err := meter.Int64Counter(
		"gojodata.txn.steps",
		metric.WithDescription("Total number of completed transaction steps."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojodata.txn.active",
		metric.WithDescription("Number of shared transactions currently registered."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"gojodata.op.duration",
		metric.WithDescription("The latency of database operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	opErrors, err := meter.Int64Counter(
		"gojodata.op.errors",
		metric.WithDescription("Total number of failed database operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		BegunCounter:        begun,
		CommittedCounter:    committed,
		RolledBackCounter:   rolledBack,
		StepsCounter:        steps,
		ActiveUpDownCounter: active,
		OpLatencyHistogram:  latency,
		OpErrorsCounter:     opErrors,
	}, nil
}

// NewNopTxnMetrics returns instruments that record nothing.
func NewNopTxnMetrics() *TxnMetrics {
	m, _ := NewTxnMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// RecordOp records the latency of one operation and counts it as an error
// when err is non-nil.
func (m *TxnMetrics) RecordOp(ctx context.Context, op, mode string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("mode", mode))
	m.OpLatencyHistogram.Record(ctx, elapsed.Milliseconds(), attrs)
	if err != nil {
		m.OpErrorsCounter.Add(ctx, 1, attrs)
	}
}

func (m *TxnMetrics) TxnBegun(ctx context.Context) {
	m.BegunCounter.Add(ctx, 1)
	m.ActiveUpDownCounter.Add(ctx, 1)
}

// TxnFinished is called once per begun transaction.
func (m *TxnMetrics) TxnFinished(ctx context.Context, committed bool) {
	if committed {
		m.CommittedCounter.Add(ctx, 1)
	} else {
		m.RolledBackCounter.Add(ctx, 1)
	}
	m.ActiveUpDownCounter.Add(ctx, -1)
}

func (m *TxnMetrics) StepCompleted(ctx context.Context) {
	m.StepsCounter.Add(ctx, 1)
}
