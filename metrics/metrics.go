// Package metrics exposes the Prometheus counters/gauges the ingestion
// core's components increment, following the teacher's dependency on
// prometheus/client_golang (present in its go.mod, exercised directly by
// other pack repos such as 0xmhha-indexer-go and cuemby-warren).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// StreamingDropped counts events dropped from a stream consumer
	// group's queue under overflow, per spec.md §4.5.
	StreamingDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trongateway_streaming_dropped_total",
		Help: "Events dropped from the stream consumer group queue under overflow.",
	})

	// ScanCursorHeight is the Scanner's last fully-processed block height.
	ScanCursorHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trongateway_scan_cursor_height",
		Help: "Last fully-processed block height.",
	})

	// ScanLag is (head minus confirmations) minus cursor, the
	// operator-visible ingestion lag.
	ScanLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trongateway_scan_lag_blocks",
		Help: "Blocks between upstream head (minus confirmations) and the scan cursor.",
	})

	// ReorgTotal counts rewind events, recovered from original_source/'s
	// operational dashboards (see SPEC_FULL.md §10).
	ReorgTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trongateway_reorg_total",
		Help: "Number of chain reorganizations handled by the scanner.",
	})

	// CallbackDeliverySuccess / CallbackDeliveryFailure count dispatcher
	// outcomes across all subscriptions.
	CallbackDeliverySuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trongateway_callback_delivery_success_total",
		Help: "Successful callback deliveries.",
	})
	CallbackDeliveryFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trongateway_callback_delivery_failure_total",
		Help: "Failed callback deliveries (transient or permanent).",
	})
	CallbackDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trongateway_callback_dead_letter_total",
		Help: "Deliveries moved to the dead-letter list after exhausting retries.",
	})

	// StreamSessionsClosedSlowConsumer counts sessions closed for falling
	// behind their outbound buffer.
	StreamSessionsClosedSlowConsumer = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trongateway_stream_sessions_closed_slow_consumer_total",
		Help: "Stream sessions closed for exhausting their outbound buffer.",
	})
)

func init() {
	prometheus.MustRegister(
		StreamingDropped,
		ScanCursorHeight,
		ScanLag,
		ReorgTotal,
		CallbackDeliverySuccess,
		CallbackDeliveryFailure,
		CallbackDeadLetter,
		StreamSessionsClosedSlowConsumer,
	)
}
