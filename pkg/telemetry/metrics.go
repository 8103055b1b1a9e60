// Package telemetry exposes the keeper's OpenTelemetry instruments behind a
// singleton holder, following the teacher's observable-gauge-over-map
// pattern so hot-path code never touches the OTel SDK directly.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MetricFundingCaptureTotal = "keeper_funding_capture_usd_total"
	MetricPairsByStatus       = "keeper_pairs_by_status"
	MetricLocksHeld           = "keeper_locks_held"
	MetricOrdersPlacedTotal   = "keeper_orders_placed_total"
	MetricOrdersFilledTotal   = "keeper_orders_filled_total"
	MetricImbalancePct        = "keeper_imbalance_pct"
	MetricCircuitBreakerOpen  = "keeper_circuit_breaker_open"
	MetricNuclearCloseTotal   = "keeper_nuclear_close_total"
	MetricGuardianActionTotal = "keeper_guardian_action_total"
	MetricReconcileLatencyMs  = "keeper_reconcile_latency_ms"
	MetricEvaluatorScore      = "keeper_opportunity_score"
)

// MetricsHolder holds initialized instruments for the whole process.
type MetricsHolder struct {
	FundingCaptureTotal metric.Float64Counter
	PairsByStatus       metric.Int64ObservableGauge
	LocksHeld           metric.Int64ObservableGauge
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	ImbalancePct        metric.Float64ObservableGauge
	CircuitBreakerOpen  metric.Int64ObservableGauge
	NuclearCloseTotal   metric.Int64Counter
	GuardianActionTotal metric.Int64Counter
	ReconcileLatencyMs  metric.Float64Histogram
	EvaluatorScore      metric.Float64ObservableGauge

	mu             sync.RWMutex
	pairsByStatus  map[string]int64
	locksHeld      map[string]int64
	imbalancePct   map[string]float64
	cbOpenMap      map[string]int64
	evaluatorScore map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pairsByStatus:  make(map[string]int64),
			locksHeld:      make(map[string]int64),
			imbalancePct:   make(map[string]float64),
			cbOpenMap:      make(map[string]int64),
			evaluatorScore: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics registers every instrument against meter. Called once at
// startup after the OTel SDK is wired.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.FundingCaptureTotal, err = meter.Float64Counter(MetricFundingCaptureTotal,
		metric.WithDescription("Cumulative realized funding-rate capture in USD")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders placed across all venues")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Total orders filled across all venues")); err != nil {
		return err
	}
	if m.NuclearCloseTotal, err = meter.Int64Counter(MetricNuclearCloseTotal,
		metric.WithDescription("Total nuclear-close protocol invocations")); err != nil {
		return err
	}
	if m.GuardianActionTotal, err = meter.Int64Counter(MetricGuardianActionTotal,
		metric.WithDescription("Total guardian corrective actions by tier")); err != nil {
		return err
	}
	if m.ReconcileLatencyMs, err = meter.Float64Histogram(MetricReconcileLatencyMs,
		metric.WithDescription("Wall-clock duration of a reconciliation pass"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.PairsByStatus, err = meter.Int64ObservableGauge(MetricPairsByStatus,
		metric.WithDescription("Count of HedgedPair records by status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, val := range m.pairsByStatus {
				obs.Observe(val, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.LocksHeld, err = meter.Int64ObservableGauge(MetricLocksHeld,
		metric.WithDescription("Currently held global/symbol locks (1=held)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.locksHeld {
				obs.Observe(val, metric.WithAttributes(attribute.String("lock", key)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.ImbalancePct, err = meter.Float64ObservableGauge(MetricImbalancePct,
		metric.WithDescription("Current cross-venue size divergence, as a fraction"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.imbalancePct {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.EvaluatorScore, err = meter.Float64ObservableGauge(MetricEvaluatorScore,
		metric.WithDescription("Most recent opportunity evaluator score"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.evaluatorScore {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) SetPairsByStatus(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairsByStatus[status] = count
}

func (m *MetricsHolder) SetLockHeld(lock string, held bool) {
	val := int64(0)
	if held {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locksHeld[lock] = val
}

func (m *MetricsHolder) SetImbalancePct(symbol string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imbalancePct[symbol] = pct
}

func (m *MetricsHolder) SetCircuitBreakerOpen(venue string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[venue] = val
}

func (m *MetricsHolder) SetEvaluatorScore(symbol string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluatorScore[symbol] = score
}

// RecordFundingCapture adds amount (USD, signed) to the cumulative
// funding-capture counter for symbol. A no-op before InitMetrics has run, so
// the Performance Logger can call it unconditionally in tests.
func (m *MetricsHolder) RecordFundingCapture(ctx context.Context, symbol string, amount float64) {
	if m.FundingCaptureTotal == nil {
		return
	}
	m.FundingCaptureTotal.Add(ctx, amount, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) GetImbalancePct() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.imbalancePct))
	for k, v := range m.imbalancePct {
		res[k] = v
	}
	return res
}
