package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/gate"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CLOSEST_"

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Source        SourceConfig        `yaml:"source"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the aggregator endpoint configuration
type ServerConfig struct {
	Address        string  `yaml:"address"`
	Port           int     `yaml:"port"`
	WSPath         string  `yaml:"ws_path"`
	SendQueueSize  int     `yaml:"send_queue_size"`
	WriteTimeout   float64 `yaml:"write_timeout"`   // seconds
	PingInterval   float64 `yaml:"ping_interval"`   // seconds, 0 disables
	SessionTimeout int     `yaml:"session_timeout"` // seconds, 0 disables
}

// HTTPConfig contains monitoring API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains metering and chunking parameters
type AudioConfig struct {
	SampleRate           int     `yaml:"sample_rate"` // transmit rate
	MeterWindowMs        int     `yaml:"meter_window_ms"`
	ChunkMinDuration     float64 `yaml:"chunk_min_duration"`     // seconds
	ChunkMaxDuration     float64 `yaml:"chunk_max_duration"`     // seconds
	ChunkSilenceDuration float64 `yaml:"chunk_silence_duration"` // seconds
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	ThresholdDB float64 `yaml:"threshold_db"`
	HangMs      int     `yaml:"hang_ms"`
}

// SourceConfig contains settings for the source role and local mode
type SourceConfig struct {
	ID               string   `yaml:"id"`
	Label            string   `yaml:"label"`
	AggregatorURL    string   `yaml:"aggregator_url"`
	Policy           string   `yaml:"policy"`
	ReportIntervalMs int      `yaml:"report_interval_ms"`
	Device           string   `yaml:"device"`          // WAV file standing in for a microphone
	FallbackDevice   string   `yaml:"fallback_device"` // tried when device cannot be opened
	Devices          []string `yaml:"devices"`         // local mode inputs
	BufferSize       int      `yaml:"buffer_size"`     // samples per capture buffer
	Realtime         bool     `yaml:"realtime"`
	Loop             bool     `yaml:"loop"`
}

// TranscriptionConfig contains transcription backend configuration
type TranscriptionConfig struct {
	Provider      string `yaml:"provider"` // none, http or openai
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that runs without a file
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "0.0.0.0",
			Port:           8000,
			WSPath:         "/ws",
			SendQueueSize:  64,
			WriteTimeout:   5,
			PingInterval:   30,
			SessionTimeout: 300,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:           16000,
			MeterWindowMs:        20,
			ChunkMinDuration:     0.5,
			ChunkMaxDuration:     15,
			ChunkSilenceDuration: 0.4,
		},
		VAD: VADConfig{
			ThresholdDB: -45,
			HangMs:      250,
		},
		Source: SourceConfig{
			AggregatorURL:    "ws://localhost:8000/ws",
			Policy:           string(gate.PolicySpeaking),
			ReportIntervalMs: 100,
			BufferSize:       4096,
			Realtime:         true,
		},
		Transcription: TranscriptionConfig{
			Provider:      "none",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			OutputFormat:  "json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// a .env file in the working directory and CLOSEST_* environment variables,
// in that order, and validates the result.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadDotEnv loads variables from the given files (default .env) without
// overriding ones already set. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CLOSEST_* environment variables
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"SERVER_ADDRESS":         &c.Server.Address,
		"HTTP_ADDRESS":           &c.HTTP.Address,
		"SOURCE_ID":              &c.Source.ID,
		"SOURCE_LABEL":           &c.Source.Label,
		"AGGREGATOR_URL":         &c.Source.AggregatorURL,
		"GATE_POLICY":            &c.Source.Policy,
		"SOURCE_DEVICE":          &c.Source.Device,
		"TRANSCRIPTION_PROVIDER": &c.Transcription.Provider,
		"TRANSCRIPTION_ENDPOINT": &c.Transcription.Endpoint,
		"TRANSCRIPTION_API_KEY":  &c.Transcription.APIKey,
		"TRANSCRIPTION_MODEL":    &c.Transcription.Model,
		"TRANSCRIPTION_LANGUAGE": &c.Transcription.Language,
		"LOG_LEVEL":              &c.Logging.Level,
		"LOG_FORMAT":             &c.Logging.Format,
		"LOG_OUTPUT":             &c.Logging.Output,
	}
	for key, dst := range strs {
		*dst = getEnv(EnvPrefix+key, *dst)
	}

	ints := map[string]*int{
		"SERVER_PORT":     &c.Server.Port,
		"HTTP_PORT":       &c.HTTP.Port,
		"SESSION_TIMEOUT": &c.Server.SessionTimeout,
		"VAD_HANG_MS":     &c.VAD.HangMs,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s must be an integer, got %q", EnvPrefix, key, v)
			}
			*dst = n
		}
	}

	if v := os.Getenv(EnvPrefix + "VAD_THRESHOLD_DB"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sVAD_THRESHOLD_DB must be a number, got %q", EnvPrefix, v)
		}
		c.VAD.ThresholdDB = f
	}

	if v := os.Getenv(EnvPrefix + "HTTP_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sHTTP_ENABLED must be a boolean, got %q", EnvPrefix, v)
		}
		c.HTTP.Enabled = b
	}

	// The OpenAI backend also honours the SDK's usual variable
	if c.Transcription.APIKey == "" && c.Transcription.Provider == "openai" {
		c.Transcription.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !strings.HasPrefix(s.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/', got '%s'", s.WSPath)
	}

	if s.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be at least 1, got %d", s.SendQueueSize)
	}

	if s.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %f", s.WriteTimeout)
	}

	if s.PingInterval < 0 {
		return fmt.Errorf("ping_interval cannot be negative, got %f", s.PingInterval)
	}

	if s.SessionTimeout < 0 {
		return fmt.Errorf("session_timeout cannot be negative, got %d", s.SessionTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the wire protocol, got %d", a.SampleRate)
	}

	if a.MeterWindowMs < 1 || a.MeterWindowMs > 1000 {
		return fmt.Errorf("meter_window_ms must be between 1 and 1000, got %d", a.MeterWindowMs)
	}

	if a.ChunkMinDuration <= 0 {
		return fmt.Errorf("chunk_min_duration must be positive, got %f", a.ChunkMinDuration)
	}

	if a.ChunkMaxDuration <= a.ChunkMinDuration {
		return fmt.Errorf("chunk_max_duration (%f) must be greater than chunk_min_duration (%f)",
			a.ChunkMaxDuration, a.ChunkMinDuration)
	}

	if a.ChunkSilenceDuration <= 0 {
		return fmt.Errorf("chunk_silence_duration must be positive, got %f", a.ChunkSilenceDuration)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.ThresholdDB > 0 || v.ThresholdDB < -240 {
		return fmt.Errorf("threshold_db must be between -240 and 0 dBFS, got %f", v.ThresholdDB)
	}

	if v.HangMs < 0 {
		return fmt.Errorf("hang_ms cannot be negative, got %d", v.HangMs)
	}

	return nil
}

// Validate validates source configuration
func (s *SourceConfig) Validate() error {
	if _, err := gate.ParsePolicy(s.Policy); err != nil {
		return err
	}

	if s.ReportIntervalMs < 10 {
		return fmt.Errorf("report_interval_ms must be at least 10, got %d", s.ReportIntervalMs)
	}

	if s.BufferSize < 64 {
		return fmt.Errorf("buffer_size must be at least 64 samples, got %d", s.BufferSize)
	}

	if s.AggregatorURL != "" {
		u, err := url.Parse(s.AggregatorURL)
		if err != nil {
			return fmt.Errorf("invalid aggregator_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("aggregator_url must use ws or wss, got '%s'", u.Scheme)
		}
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "none", "":
		return nil
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http provider")
		}
	case "openai":
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the openai provider")
		}
	default:
		return fmt.Errorf("provider must be one of [none, http, openai], got '%s'", t.Provider)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	return nil
}

// GetWriteTimeout returns the websocket write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return seconds(s.WriteTimeout)
}

// GetPingInterval returns the keepalive interval as a time.Duration
func (s *ServerConfig) GetPingInterval() time.Duration {
	return seconds(s.PingInterval)
}

// GetSessionTimeout returns the idle source timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetMeterWindow returns the metering window as a time.Duration
func (a *AudioConfig) GetMeterWindow() time.Duration {
	return time.Duration(a.MeterWindowMs) * time.Millisecond
}

// GetChunkMinDuration returns the minimum chunk duration as a time.Duration
func (a *AudioConfig) GetChunkMinDuration() time.Duration {
	return seconds(a.ChunkMinDuration)
}

// GetChunkMaxDuration returns the maximum chunk duration as a time.Duration
func (a *AudioConfig) GetChunkMaxDuration() time.Duration {
	return seconds(a.ChunkMaxDuration)
}

// GetChunkSilenceDuration returns the gap that closes a chunk as a time.Duration
func (a *AudioConfig) GetChunkSilenceDuration() time.Duration {
	return seconds(a.ChunkSilenceDuration)
}

// GetHang returns the detector hangover as a time.Duration
func (v *VADConfig) GetHang() time.Duration {
	return time.Duration(v.HangMs) * time.Millisecond
}

// GetReportInterval returns the metrics cadence as a time.Duration
func (s *SourceConfig) GetReportInterval() time.Duration {
	return time.Duration(s.ReportIntervalMs) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
