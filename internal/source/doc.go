// Package source implements the capture side of the system.
//
// A Source owns one capture device and one Pipeline. The pipeline meters every
// capture buffer, updates the voice activity detector, and hands the buffer to the
// gate, which either drops it or emits one PCM16 frame. Independently of the
// capture cadence a reporter sends the latest level every 100 ms. All output goes
// through a Sink, which is a websocket connection in networked mode and the local
// aggregator in single-device mode.
package source
