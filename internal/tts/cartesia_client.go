package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/audio"
	"github.com/lexiqai/interview-voice/internal/config"
	"github.com/lexiqai/interview-voice/internal/observability"
	"github.com/lexiqai/interview-voice/internal/resilience"
)

const breakerName = "cartesia"

// CartesiaClient implements Synthesizer against Cartesia's streaming TTS API,
// either directly (SSE or websocket) or through the /api/tts proxy (chunked).
type CartesiaClient struct {
	transport  string
	baseURL    string
	proxyURL   string
	apiKey     string
	version    string
	request    cartesiaRequest
	timeout    time.Duration
	httpClient *http.Client
	dialer     *websocket.Dialer
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	logger     zerolog.Logger
}

// NewCartesiaClient creates a new Cartesia TTS client for the configured transport
func NewCartesiaClient(cfg *config.Config, logger zerolog.Logger) *CartesiaClient {
	var controls *cartesiaVoiceControls
	if cfg.CartesiaSpeed != "" || len(cfg.CartesiaEmotion) > 0 {
		controls = &cartesiaVoiceControls{Speed: cfg.CartesiaSpeed, Emotion: cfg.CartesiaEmotion}
	}

	breaker := resilience.NewCircuitBreaker(breakerName, cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		if to == resilience.StateOpen {
			observability.IncrementCircuitBreakerFailures(name)
		}
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("Synthesis circuit breaker changed state")
	})

	return &CartesiaClient{
		transport: cfg.SynthesisTransport,
		baseURL:   strings.TrimRight(cfg.CartesiaBaseURL, "/"),
		proxyURL:  cfg.SynthesisProxyURL,
		apiKey:    cfg.CartesiaAPIKey,
		version:   cfg.CartesiaVersion,
		request: cartesiaRequest{
			ModelID: cfg.CartesiaModelID,
			Voice: cartesiaVoiceSpec{
				Mode:     "id",
				ID:       cfg.CartesiaVoiceID,
				Controls: controls,
			},
			Language: cfg.CartesiaLanguage,
			OutputFormat: cartesiaOutputFormat{
				Container:  "raw",
				Encoding:   audio.Encoding,
				SampleRate: cfg.SynthesisSampleRate,
			},
		},
		timeout: cfg.SynthesisTimeout(),
		// No client timeout: bodies are streamed, requests are bounded by context
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		breaker:    breaker,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "tts").Str("transport", cfg.SynthesisTransport).Logger(),
	}
}

// Transport returns the configured transport name
func (c *CartesiaClient) Transport() string {
	return c.transport
}

// HealthCheck reports unhealthy while the circuit breaker is open
func (c *CartesiaClient) HealthCheck(ctx context.Context) (bool, error) {
	state, requests, failures, rate := c.breaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d requests failed (%.1f%%)",
			resilience.ErrCircuitOpen, failures, requests, rate)
	}
	return true, nil
}

// Synthesize starts one synthesis request for text. Only establishing the
// connection is retried; once frames flow, failures surface through the stream.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) (audio.FrameStream, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	var stream audio.FrameStream
	err := c.breaker.CallIgnoring(func() error {
		return resilience.Retry(reqCtx, func(context.Context) error {
			s, err := c.open(reqCtx, cancel, text)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Synthesis connection attempt failed")
				return err
			}
			stream = s
			return nil
		}, c.retry, isRetryableSynthesis)
	}, func(err error) bool {
		return errors.Is(err, context.Canceled)
	})
	if err != nil {
		cancel()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, &SynthesisError{Kind: KindConnect, Cause: err}
		}
		return nil, err
	}

	return stream, nil
}

func (c *CartesiaClient) open(reqCtx context.Context, cancel context.CancelFunc, text string) (audio.FrameStream, error) {
	switch c.transport {
	case config.TransportChunked:
		return c.openChunked(reqCtx, cancel, text)
	case config.TransportWebSocket:
		return c.openWebSocket(reqCtx, cancel, text)
	default:
		return c.openSSE(reqCtx, cancel, text)
	}
}

func (c *CartesiaClient) openSSE(reqCtx context.Context, cancel context.CancelFunc, text string) (audio.FrameStream, error) {
	body := c.request
	body.Transcript = text

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/tts/sse", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cartesia-Version", c.version)
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.do(reqCtx, req)
	if err != nil {
		return nil, err
	}

	reader := newSSEReader(resp.Body)
	return newFrameStream(reqCtx, cancel, resp.Body, func() (audio.WireFrame, error) {
		return readSSEFrame(reader)
	}), nil
}

func (c *CartesiaClient) openChunked(reqCtx context.Context, cancel context.CancelFunc, text string) (audio.FrameStream, error) {
	jsonData, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.proxyURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(reqCtx, req)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(resp.Body)
	return newFrameStream(reqCtx, cancel, resp.Body, func() (audio.WireFrame, error) {
		return readProxyFrame(reader)
	}), nil
}

func (c *CartesiaClient) openWebSocket(reqCtx context.Context, cancel context.CancelFunc, text string) (audio.FrameStream, error) {
	u, err := url.Parse(c.baseURL + "/tts/websocket")
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", c.version)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(reqCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, statusError(resp)
			}
		}
		return nil, connectError(reqCtx, err)
	}

	body := c.request
	body.Transcript = text
	body.ContextID = uuid.New().String()

	if err := conn.WriteJSON(body); err != nil {
		conn.Close()
		return nil, connectError(reqCtx, fmt.Errorf("send request: %w", err))
	}

	// ReadJSON does not observe the context; closing the conn unblocks it
	stop := context.AfterFunc(reqCtx, func() { conn.Close() })

	return newFrameStream(reqCtx, func() { stop(); cancel() }, conn, func() (audio.WireFrame, error) {
		for {
			var msg cartesiaResponse
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return audio.WireFrame{}, io.EOF
				}
				return audio.WireFrame{}, err
			}
			if msg.ContextID != "" && msg.ContextID != body.ContextID {
				continue
			}
			return msg.toFrame()
		}
	}), nil
}

func (c *CartesiaClient) do(reqCtx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connectError(reqCtx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func connectError(reqCtx context.Context, err error) error {
	switch reqCtx.Err() {
	case context.DeadlineExceeded:
		return &SynthesisError{Kind: KindTimeout, Cause: err}
	case context.Canceled:
		return context.Canceled
	}
	return &SynthesisError{Kind: KindConnect, Cause: err}
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &SynthesisError{
		Kind:       KindStatus,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}
}

// isRetryableSynthesis allows retrying transient network failures, 429 and 5xx only
func isRetryableSynthesis(err error) bool {
	var se *SynthesisError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Kind {
	case KindConnect:
		return resilience.IsRetryableNetworkError(se.Cause)
	case KindStatus:
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	default:
		return false
	}
}
