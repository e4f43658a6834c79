// Package server exposes the aggregator over HTTP: the websocket endpoint used by
// sources and observers, the speaker snapshot and reset routes, and a separate
// monitoring API with health, session, statistics and Prometheus endpoints.
package server
