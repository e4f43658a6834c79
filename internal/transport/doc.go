// Package transport wraps one websocket connection between a source and an aggregator.
//
// Outbound frames go through a bounded queue drained by a single writer goroutine.
// Sending never blocks: a full queue drops the frame and counts it. Once Close
// begins, no further frame reaches the socket.
package transport
