package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient transcribes chunks with the OpenAI audio API
type OpenAIClient struct {
	config    Config
	client    *openai.Client
	semaphore chan struct{}
}

// NewOpenAIClient creates an OpenAI transcription backend
func NewOpenAIClient(config Config) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		config.Model = openai.Whisper1
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.Endpoint != "" {
		clientConfig.BaseURL = config.Endpoint
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &OpenAIClient{
		config:    config,
		client:    openai.NewClientWithConfig(clientConfig),
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return ProviderOpenAI
}

// Transcribe uploads the chunk as a WAV file and returns the recognised text
func (c *OpenAIClient) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	if request == nil || request.Chunk == nil || len(request.Chunk.AudioData) == 0 {
		return nil, fmt.Errorf("request has no audio")
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	chunk := request.Chunk
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    firstNonEmpty(request.Model, c.config.Model),
		FilePath: fmt.Sprintf("%s.%s", chunk.ChunkID, chunk.Format),
		Reader:   bytes.NewReader(chunk.AudioData),
		Prompt:   request.Prompt,
		Language: firstNonEmpty(request.Language, c.config.Language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai transcription failed (status %d): %w", apiErr.HTTPStatusCode, err)
		}
		return nil, fmt.Errorf("openai transcription failed: %w", err)
	}

	return &Response{
		ChunkID:     chunk.ChunkID,
		SourceID:    chunk.SourceID,
		Text:        resp.Text,
		Language:    resp.Language,
		Duration:    resp.Duration,
		ProcessedAt: time.Now(),
	}, nil
}

// Close waits for active requests to complete
func (c *OpenAIClient) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
