/*
Package metrics provides Prometheus metrics collection and exposition.

The metrics package defines and registers all agent metrics using the
Prometheus client library: order lifecycle counters, dispersion evaluation
outcomes, transaction and heartbeat counters, gas balance gauges and content
download statistics. Metrics are exposed via HTTP endpoint for scraping by
Prometheus servers.

# Usage

Recording metrics:

	metrics.OrdersPlaced.WithLabelValues("bloxberg_mainnet").Inc()

	timer := metrics.NewTimer()
	// ... process the order ...
	timer.ObserveDurationVec(metrics.OrderDuration, "bloxberg_mainnet")

Exposing the scrape endpoint:

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())

The Collector periodically refreshes gas balance gauges from registered
per-network sources; workers register themselves at boot.

Health checking tracks named components (chain, ipfs, objectstore). Readiness
reports not_ready until every critical component has registered healthy, which
keeps load balancers away from an agent still connecting to its providers.
*/
package metrics
