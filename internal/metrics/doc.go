// Package metrics exports Prometheus collectors for coven-chat.
//
// The gateway creates one Metrics at startup and serves it on /metrics. The
// broker's active stream count is exported as a gauge function; the tool
// registry reports through ObserveTool.
package metrics
