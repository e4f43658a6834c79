// Package protocol defines the messages exchanged between sources and aggregators.
//
// Control messages travel as UTF-8 JSON text frames tagged by a "type" field.
// Audio travels as binary frames of mono 16-bit little-endian PCM at 16 kHz with no
// header. The decoder also accepts the field and role names used by the original
// browser clients ("studentId", "student", "admin").
package protocol
