package tts

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/audio"
	"github.com/lexiqai/interview-voice/internal/observability"
)

const (
	maxProxyBody    = 64 << 10
	requestIDHeader = "X-Request-ID"
)

// ProxyHandler serves POST {text} and re-emits the synthesis frames as a
// chunked body of `data: {"event":..., "data":...}` lines. Clients using the
// chunked transport read exactly this shape.
func ProxyHandler(synth Synthesizer, logger zerolog.Logger) http.HandlerFunc {
	logger = logger.With().Str("component", "tts_proxy").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		logger, requestID := observability.WithCorrelationID(logger, r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, requestID)

		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxProxyBody)).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(body.Text) == "" {
			writeJSONError(w, http.StatusBadRequest, "text is required")
			return
		}

		stream, err := synth.Synthesize(r.Context(), body.Text)
		if err != nil {
			logger.Error().Err(err).Msg("TTS error")
			writeJSONError(w, http.StatusInternalServerError, "TTS processing failed")
			return
		}
		defer stream.Close()

		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)
		for {
			frame, err := stream.Next(r.Context())
			if err != nil {
				if errors.Is(err, r.Context().Err()) {
					return
				}
				logger.Error().Err(err).Msg("Stream processing error")
				ev := proxyEvent{Event: "error", Data: cartesiaResponse{Type: "error", Error: err.Error()}}
				var se *SynthesisError
				if errors.As(err, &se) {
					ev.Data.StatusCode = se.StatusCode
				}
				writeEvent(w, enc, ev)
				return
			}

			ev := proxyEvent{Event: string(audio.FrameChunk), Data: cartesiaResponse{Type: string(frame.Type), Data: frame.Data}}
			if frame.Type == audio.FrameDone {
				ev.Event = string(audio.FrameDone)
				ev.Data.Done = true
			}
			if err := writeEvent(w, enc, ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if frame.Type == audio.FrameDone {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, enc *json.Encoder, ev proxyEvent) error {
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	// Encode appends the newline; the blank line terminates the event
	if err := enc.Encode(ev); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
