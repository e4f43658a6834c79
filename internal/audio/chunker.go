package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChunkState represents the current state of the chunking process
type ChunkState int

const (
	StateIdle ChunkState = iota
	StateCollecting
)

// AudioChunk represents a run of accepted frames ready for transcription
type AudioChunk struct {
	SourceID   string        `json:"source_id"`
	ChunkID    string        `json:"chunk_id"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"` // audio time, not wall time
	SampleRate int           `json:"sample_rate"`
	Frames     int           `json:"frames"`
	Samples    []int16       `json:"-"`      // Audio data (not serialized)
	AudioData  []byte        `json:"-"`      // Encoded audio data
	Format     string        `json:"format"` // "raw" or "wav"
}

// ChunkingConfig contains configuration for the chunking process
type ChunkingConfig struct {
	MinDuration        time.Duration // shorter runs are discarded as noise
	MaxDuration        time.Duration // longer runs are split
	MinSilenceDuration time.Duration // frame gap that closes a run
	SampleRate         int
	Format             string // "raw" or "wav"
}

// Chunker groups the gated PCM16 frames of one source into transcription chunks.
// Sources only transmit while eligible, so a gap in frame arrival marks the end of
// an utterance.
type Chunker struct {
	config       ChunkingConfig
	state        ChunkState
	currentChunk *AudioChunk

	lastFrameTime time.Time

	// Statistics
	chunksCreated   uint64
	chunksDiscarded uint64
	totalDuration   time.Duration

	mu sync.RWMutex
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	State           string        `json:"state"`
	ChunksCreated   uint64        `json:"chunks_created"`
	ChunksDiscarded uint64        `json:"chunks_discarded"`
	TotalDuration   time.Duration `json:"total_duration"`
	CurrentSize     int           `json:"current_chunk_samples"`
	AvgChunkSize    float64       `json:"avg_chunk_duration_sec"`
}

// NewChunker creates a new audio chunker
func NewChunker(config ChunkingConfig) *Chunker {
	if config.Format == "" {
		config.Format = "wav"
	}

	return &Chunker{
		config: config,
		state:  StateIdle,
	}
}

// AddFrame appends one PCM16LE frame and returns a chunk when the run reaches MaxDuration
func (c *Chunker) AddFrame(sourceID string, frame []byte, now time.Time) (*AudioChunk, error) {
	samples, err := DecodePCM16(frame)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle {
		c.startNewChunk(sourceID, now)
		c.state = StateCollecting
	}

	c.currentChunk.Samples = append(c.currentChunk.Samples, samples...)
	c.currentChunk.Frames++
	c.lastFrameTime = now

	if c.currentDurationLocked() >= c.config.MaxDuration {
		chunk, err := c.finalizeChunk(now)
		c.resetForNextChunk()
		return chunk, err
	}

	return nil, nil
}

// CheckSilence closes the open run once no frame has arrived for MinSilenceDuration.
// Runs shorter than MinDuration are dropped.
func (c *Chunker) CheckSilence(now time.Time) (*AudioChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle || c.currentChunk == nil {
		return nil, nil
	}

	if now.Sub(c.lastFrameTime) < c.config.MinSilenceDuration {
		return nil, nil
	}

	if c.currentDurationLocked() < c.config.MinDuration {
		c.chunksDiscarded++
		c.currentChunk = nil
		c.resetForNextChunk()
		return nil, nil
	}

	chunk, err := c.finalizeChunk(c.lastFrameTime)
	c.resetForNextChunk()
	return chunk, err
}

// ForceFinalize flushes whatever has been collected (used on source teardown)
func (c *Chunker) ForceFinalize(now time.Time) (*AudioChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle || c.currentChunk == nil {
		return nil, nil
	}

	chunk, err := c.finalizeChunk(now)
	c.resetForNextChunk()
	return chunk, err
}

// startNewChunk initializes a new chunk collection
func (c *Chunker) startNewChunk(sourceID string, now time.Time) {
	c.currentChunk = &AudioChunk{
		SourceID:   sourceID,
		ChunkID:    uuid.New().String(),
		StartTime:  now,
		SampleRate: c.config.SampleRate,
		Format:     c.config.Format,
	}
}

// finalizeChunk completes the current chunk and encodes its payload
func (c *Chunker) finalizeChunk(endTime time.Time) (*AudioChunk, error) {
	chunk := c.currentChunk
	c.currentChunk = nil
	if chunk == nil {
		return nil, nil
	}

	chunk.EndTime = endTime
	chunk.Duration = samplesDuration(len(chunk.Samples), chunk.SampleRate)

	switch chunk.Format {
	case "wav":
		data, err := EncodeWAV(chunk.Samples, chunk.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to encode chunk %s: %w", chunk.ChunkID, err)
		}
		chunk.AudioData = data
	default:
		chunk.AudioData = encodeInt16(chunk.Samples)
	}

	// Update statistics
	c.chunksCreated++
	c.totalDuration += chunk.Duration

	return chunk, nil
}

// resetForNextChunk resets the chunker state for the next chunk
func (c *Chunker) resetForNextChunk() {
	c.state = StateIdle
	c.lastFrameTime = time.Time{}
}

func (c *Chunker) currentDurationLocked() time.Duration {
	if c.currentChunk == nil {
		return 0
	}
	return samplesDuration(len(c.currentChunk.Samples), c.config.SampleRate)
}

// GetStats returns current chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stateStr := "idle"
	if c.state == StateCollecting {
		stateStr = "collecting"
	}

	avgDuration := float64(0)
	if c.chunksCreated > 0 {
		avgDuration = c.totalDuration.Seconds() / float64(c.chunksCreated)
	}

	currentSize := 0
	if c.currentChunk != nil {
		currentSize = len(c.currentChunk.Samples)
	}

	return ChunkerStats{
		State:           stateStr,
		ChunksCreated:   c.chunksCreated,
		ChunksDiscarded: c.chunksDiscarded,
		TotalDuration:   c.totalDuration,
		CurrentSize:     currentSize,
		AvgChunkSize:    avgDuration,
	}
}

// GetCurrentChunkDuration returns the audio duration collected so far
func (c *Chunker) GetCurrentChunkDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.currentDurationLocked()
}

// IsIdle returns whether the chunker is currently idle
func (c *Chunker) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state == StateIdle
}

// HasPendingChunk returns whether there's a chunk currently being collected
func (c *Chunker) HasPendingChunk() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.currentChunk != nil
}

func samplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

func encodeInt16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
