package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Order metrics
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_orders_placed_total",
			Help: "Total number of orders placed by network",
		},
		[]string{"network"},
	)

	OrdersCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_orders_completed_total",
			Help: "Total number of orders completed by network",
		},
		[]string{"network"},
	)

	OrdersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_orders_failed_total",
			Help: "Total number of failed orders by network",
		},
		[]string{"network"},
	)

	OrderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_order_retries_total",
			Help: "Total number of order processing retries by network",
		},
		[]string{"network"},
	)

	OrderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etny_order_duration_seconds",
			Help:    "End-to-end order processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
		[]string{"network"},
	)

	// Discovery metrics
	DispatchEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_dispatch_evaluations_total",
			Help: "Total number of dispersion slot evaluations by outcome",
		},
		[]string{"network", "outcome"},
	)

	DORequestsScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_do_requests_scanned_total",
			Help: "Total number of DO requests examined by network",
		},
		[]string{"network"},
	)

	// Chain metrics
	TransactionsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_transactions_sent_total",
			Help: "Total number of transactions sent by network and status",
		},
		[]string{"network", "status"},
	)

	HeartbeatsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_heartbeats_sent_total",
			Help: "Total number of heartbeat calls by network",
		},
		[]string{"network"},
	)

	GasBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "etny_gas_balance_wei",
			Help: "Operator wallet balance in wei by network",
		},
		[]string{"network"},
	)

	// Content store metrics
	ContentDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etny_content_downloads_total",
			Help: "Total number of content downloads by source and status",
		},
		[]string{"source", "status"},
	)

	ContentDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "etny_content_download_duration_seconds",
			Help:    "Content download duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(OrdersPlaced)
	prometheus.MustRegister(OrdersCompleted)
	prometheus.MustRegister(OrdersFailed)
	prometheus.MustRegister(OrderRetries)
	prometheus.MustRegister(OrderDuration)
	prometheus.MustRegister(DispatchEvaluations)
	prometheus.MustRegister(DORequestsScanned)
	prometheus.MustRegister(TransactionsSent)
	prometheus.MustRegister(HeartbeatsSent)
	prometheus.MustRegister(GasBalance)
	prometheus.MustRegister(ContentDownloads)
	prometheus.MustRegister(ContentDownloadDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
