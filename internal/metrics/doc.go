// Package metrics defines the Prometheus instrumentation shared by the aggregator and sources.
package metrics
