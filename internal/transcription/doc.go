// Package transcription sends accepted audio chunks to a speech-to-text backend.
//
// Three backends implement Transcriber: an HTTP multipart client for self-hosted
// services, a client for the OpenAI audio transcription API, and a no-op backend
// for runs without speech recognition. The HTTP client retries with exponential
// backoff and bounds concurrent requests with a semaphore.
package transcription
