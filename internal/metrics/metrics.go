/**
 * @description
 * This package declares the Prometheus instruments for the vending core. All
 * metrics are registered on the default registry via promauto and exposed by
 * the /metrics handler wired in the HTTP router.
 */
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PurchasesTotal counts purchase outcomes by service, vendor, and terminal status.
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vending",
		Name:      "purchases_total",
		Help:      "Total purchase attempts by service, vendor, and outcome.",
	}, []string{"service", "vendor", "status"})

	// RefundsTotal counts wallet refunds by reason class.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vending",
		Name:      "refunds_total",
		Help:      "Total wallet refunds issued.",
	}, []string{"reason"})

	// VendorRequestDuration observes vendor call latency per vendor and operation.
	VendorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vending",
		Name:      "vendor_request_duration_seconds",
		Help:      "Latency of upstream vendor calls.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"vendor", "op"})

	// VendorFailovers counts orchestrator-level failovers to a different vendor.
	VendorFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vending",
		Name:      "vendor_failovers_total",
		Help:      "Times a purchase was retried against a different vendor.",
	}, []string{"from", "to"})

	// ReconciledTotal counts reconciliation job resolutions by final status.
	ReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vending",
		Name:      "reconciled_transactions_total",
		Help:      "Pending transactions resolved by the reconciliation job.",
	}, []string{"status"})
)

// ObserveVendorCall records a vendor call duration.
func ObserveVendorCall(vendorName, op string, elapsed time.Duration) {
	VendorRequestDuration.WithLabelValues(vendorName, op).Observe(elapsed.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
