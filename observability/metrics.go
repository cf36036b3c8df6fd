package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics exposes Prometheus collectors for the settlement core.
type SettlementMetrics struct {
	settlements   *prometheus.CounterVec
	walletCredits prometheus.Counter
	reconcileRuns *prometheus.CounterVec
	channelErrors *prometheus.CounterVec
	oraclePrice   *prometheus.GaugeVec
	notifications *prometheus.CounterVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "storefront",
				Subsystem: "settlement",
				Name:      "transitions_total",
				Help:      "Terminal intent transitions segmented by channel and outcome.",
			}, []string{"channel", "status"}),
			walletCredits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "storefront",
				Subsystem: "settlement",
				Name:      "wallet_credited_minor_units_total",
				Help:      "Fiat minor units credited to wallets by settled top-ups.",
			}),
			reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "storefront",
				Subsystem: "settlement",
				Name:      "reconcile_runs_total",
				Help:      "Reconciliation passes segmented by channel and result.",
			}, []string{"channel", "result"}),
			channelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "storefront",
				Subsystem: "settlement",
				Name:      "channel_errors_total",
				Help:      "Transient channel failures segmented by channel and stage.",
			}, []string{"channel", "stage"}),
			oraclePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "storefront",
				Subsystem: "oracle",
				Name:      "price",
				Help:      "Last accepted oracle price per asset.",
			}, []string{"asset"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "storefront",
				Subsystem: "notify",
				Name:      "dispatches_total",
				Help:      "Notification dispatch attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			settlementReg.settlements,
			settlementReg.walletCredits,
			settlementReg.reconcileRuns,
			settlementReg.channelErrors,
			settlementReg.oraclePrice,
			settlementReg.notifications,
		)
	})
	return settlementReg
}

// RecordTransition counts a terminal transition.
func (m *SettlementMetrics) RecordTransition(channel, status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(normalize(channel), normalize(status)).Inc()
}

// RecordWalletCredit accumulates credited minor units.
func (m *SettlementMetrics) RecordWalletCredit(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.walletCredits.Add(float64(amount))
}

// RecordReconcileRun counts a reconciliation pass.
func (m *SettlementMetrics) RecordReconcileRun(channel, result string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(normalize(channel), normalize(result)).Inc()
}

// RecordChannelError counts a transient channel failure.
func (m *SettlementMetrics) RecordChannelError(channel, stage string) {
	if m == nil {
		return
	}
	m.channelErrors.WithLabelValues(normalize(channel), normalize(stage)).Inc()
}

// SetOraclePrice publishes the last accepted price for an asset.
func (m *SettlementMetrics) SetOraclePrice(asset string, price float64) {
	if m == nil {
		return
	}
	m.oraclePrice.WithLabelValues(normalize(asset)).Set(price)
}

// RecordNotification counts a dispatch attempt.
func (m *SettlementMetrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(normalize(outcome)).Inc()
}

func normalize(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
