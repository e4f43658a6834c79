// Package aggregator collects source reports into a registry and republishes the roster.
//
// Aggregator applies control messages to a registry. Hub is the server side: it owns
// one session per connected source, chunks each source's accepted audio for
// transcription, and fans hellos, metrics, transcripts and rankings out to observer
// connections. Mirror is the client side: it connects to a hub as an observer and
// replays everything into a local registry.
package aggregator
