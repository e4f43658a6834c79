// Package vad decides whether a source is speaking from its stream of loudness readings.
// A reading above the threshold switches the source on immediately; it switches off
// only after the hangover period has elapsed with no loud reading, which bridges the
// short pauses between words.
package vad
