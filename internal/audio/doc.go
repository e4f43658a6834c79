// Package audio handles loudness metering, PCM16 conversion and resampling of capture buffers.
// It also groups accepted PCM16 frames into chunks and wraps them as WAV for the
// transcription backends.
package audio
