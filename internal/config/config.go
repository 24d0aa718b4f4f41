package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Synthesis transports understood by the TTS client
const (
	TransportSSE       = "sse"
	TransportChunked   = "chunked"
	TransportWebSocket = "websocket"
)

// Playback sinks understood by the interviewer
const (
	SinkDevice = "device"
	SinkWAV    = "wav"
)

// Config holds all configuration for the interview voice services
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Cartesia TTS API configuration
	CartesiaAPIKey   string   `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaBaseURL  string   `envconfig:"CARTESIA_BASE_URL" default:"https://api.cartesia.ai"`
	CartesiaVersion  string   `envconfig:"CARTESIA_VERSION" default:"2024-06-30"`
	CartesiaModelID  string   `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaVoiceID  string   `envconfig:"CARTESIA_VOICE_ID" default:"b7d50908-b17c-442d-ad8d-810c63997ed9"`
	CartesiaLanguage string   `envconfig:"CARTESIA_LANGUAGE" default:"en"`
	CartesiaSpeed    string   `envconfig:"CARTESIA_SPEED" default:"normal"`         // slowest, slow, normal, fast, fastest
	CartesiaEmotion  []string `envconfig:"CARTESIA_EMOTION" default:"anger:lowest"` // comma separated

	// How synthesis frames reach us: sse (Cartesia directly), chunked (our /api/tts proxy), websocket
	SynthesisTransport string `envconfig:"SYNTHESIS_TRANSPORT" default:"sse"`
	SynthesisProxyURL  string `envconfig:"SYNTHESIS_PROXY_URL" default:"http://localhost:8080/api/tts"`

	// Speech pipeline configuration
	SynthesisSampleRate     int `envconfig:"SYNTHESIS_SAMPLE_RATE" default:"24000"` // Hz requested from the backend
	PlaybackSampleRate      int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"`  // Hz the decoder and sink assume
	SynthesisTimeoutSec     int `envconfig:"SYNTHESIS_TIMEOUT" default:"30"`        // seconds per request
	FrameIdleTimeoutMs      int `envconfig:"FRAME_IDLE_TIMEOUT" default:"5000"`     // milliseconds between frames
	SynthesisMaxConcurrency int `envconfig:"SYNTHESIS_MAX_CONCURRENCY" default:"4"` // in-flight requests per pipeline

	// LiveKit token issuer (server side)
	LiveKitURL           string  `envconfig:"LIVEKIT_URL" default:""`
	LiveKitAPIKey        string  `envconfig:"LIVEKIT_API_KEY" default:""`
	LiveKitAPISecret     string  `envconfig:"LIVEKIT_API_SECRET" default:""`
	LiveKitTokenTTLMin   int     `envconfig:"LIVEKIT_TOKEN_TTL" default:"15"` // minutes
	TokenRateLimitPerSec float64 `envconfig:"TOKEN_RATE_LIMIT" default:"2"`   // issued tokens per second
	TokenRateLimitBurst  int     `envconfig:"TOKEN_RATE_LIMIT_BURST" default:"5"`

	// Voice session (client side)
	ConnectionDetailsURL string `envconfig:"CONNECTION_DETAILS_URL" default:"http://localhost:8080/api/connection-details"`
	CredentialTTLMin     int    `envconfig:"CREDENTIAL_TTL" default:"30"` // minutes
	CredentialStorePath  string `envconfig:"CREDENTIAL_STORE_PATH" default:""`
	CredentialCacheKey   string `envconfig:"CREDENTIAL_CACHE_KEY" default:"voiceCallConnectionDetails"`
	InterviewDurationMin int    `envconfig:"INTERVIEW_DURATION" default:"5"` // minutes; 0 disables the limit

	// Playback output
	PlaybackSink    string `envconfig:"PLAYBACK_SINK" default:"device"`
	PlaybackWAVPath string `envconfig:"PLAYBACK_WAV_PATH" default:"assistant.wav"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"2"`             // Connection attempts per synthesis request
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`   // Interviewer metrics listener
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise surface as corrupted playback
// or stuck pipelines at runtime.
func (c *Config) Validate() error {
	if c.SynthesisSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive (synthesis=%d, playback=%d)",
			c.SynthesisSampleRate, c.PlaybackSampleRate)
	}
	if c.SynthesisSampleRate != c.PlaybackSampleRate {
		return fmt.Errorf("SYNTHESIS_SAMPLE_RATE (%d) must match PLAYBACK_SAMPLE_RATE (%d)",
			c.SynthesisSampleRate, c.PlaybackSampleRate)
	}
	if c.SynthesisTimeoutSec <= 0 {
		return fmt.Errorf("SYNTHESIS_TIMEOUT must be positive")
	}
	if c.FrameIdleTimeoutMs <= 0 {
		return fmt.Errorf("FRAME_IDLE_TIMEOUT must be positive")
	}
	if c.SynthesisMaxConcurrency <= 0 {
		return fmt.Errorf("SYNTHESIS_MAX_CONCURRENCY must be positive")
	}
	if c.CredentialTTLMin <= 0 {
		return fmt.Errorf("CREDENTIAL_TTL must be positive")
	}

	switch c.SynthesisTransport {
	case TransportSSE, TransportChunked, TransportWebSocket:
	default:
		return fmt.Errorf("unknown SYNTHESIS_TRANSPORT %q", c.SynthesisTransport)
	}

	switch c.PlaybackSink {
	case SinkDevice, SinkWAV:
	default:
		return fmt.Errorf("unknown PLAYBACK_SINK %q", c.PlaybackSink)
	}

	return nil
}

// RequireSynthesis reports missing configuration for talking to Cartesia directly
func (c *Config) RequireSynthesis() error {
	if c.SynthesisTransport == TransportChunked {
		if c.SynthesisProxyURL == "" {
			return fmt.Errorf("SYNTHESIS_PROXY_URL is required for the chunked transport")
		}
		return nil
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	return nil
}

// RequireTokenIssuer reports missing LiveKit server configuration
func (c *Config) RequireTokenIssuer() error {
	if c.LiveKitURL == "" {
		return fmt.Errorf("LIVEKIT_URL is required")
	}
	if c.LiveKitAPIKey == "" {
		return fmt.Errorf("LIVEKIT_API_KEY is required")
	}
	if c.LiveKitAPISecret == "" {
		return fmt.Errorf("LIVEKIT_API_SECRET is required")
	}
	return nil
}

// SynthesisTimeout is the upper bound for one synthesis request
func (c *Config) SynthesisTimeout() time.Duration {
	return time.Duration(c.SynthesisTimeoutSec) * time.Second
}

// FrameIdleTimeout bounds the wait for the next frame of a request
func (c *Config) FrameIdleTimeout() time.Duration {
	return time.Duration(c.FrameIdleTimeoutMs) * time.Millisecond
}

// CredentialTTL is the maximum age of a usable cached session credential
func (c *Config) CredentialTTL() time.Duration {
	return time.Duration(c.CredentialTTLMin) * time.Minute
}

// InterviewDuration is how long a voice interview may run, zero for no limit
func (c *Config) InterviewDuration() time.Duration {
	if c.InterviewDurationMin <= 0 {
		return 0
	}
	return time.Duration(c.InterviewDurationMin) * time.Minute
}

// LiveKitTokenTTL is the validity of issued participant tokens
func (c *Config) LiveKitTokenTTL() time.Duration {
	return time.Duration(c.LiveKitTokenTTLMin) * time.Minute
}
