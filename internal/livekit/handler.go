package livekit

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/interview-voice/internal/observability"
)

// ConnectionDetailsHandler serves GET /api/connection-details. A nil limiter
// disables rate limiting.
func ConnectionDetailsHandler(issuer *TokenIssuer, limiter *rate.Limiter, logger zerolog.Logger) http.HandlerFunc {
	logger = logger.With().Str("component", "connection_details").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Every response is single use
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Surrogate-Control", "no-store")

		if limiter != nil && !limiter.Allow() {
			observability.RecordTokenIssued("rate_limited")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		details, err := issuer.Issue()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to issue connection details")
			observability.RecordTokenIssued("error")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(details); err != nil {
			logger.Error().Err(err).Msg("Failed to encode connection details")
			return
		}

		observability.RecordTokenIssued("issued")
		logger.Info().
			Str("room", details.RoomName).
			Str("participant", details.ParticipantName).
			Msg("Issued connection details")
	}
}
