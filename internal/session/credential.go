package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Credential is everything needed to join a voice room
type Credential struct {
	ServerURL           string    `json:"serverUrl"`
	RoomName            string    `json:"roomName"`
	ParticipantIdentity string    `json:"participantName"`
	ParticipantToken    string    `json:"participantToken"`
	IssuedAt            time.Time `json:"issuedAt"`
}

// IsFresh reports whether the credential may still be used at now
func (c *Credential) IsFresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.IssuedAt) < ttl
}

func (c *Credential) validate() error {
	switch {
	case c.ServerURL == "":
		return errors.New("missing serverUrl")
	case c.ParticipantToken == "":
		return errors.New("missing participantToken")
	}
	return nil
}

// CredentialSource hands out new credentials
type CredentialSource interface {
	RequestCredential(ctx context.Context) (*Credential, error)
}

// CredentialError means no usable credential could be obtained
type CredentialError struct {
	Message string
	Cause   error
}

func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("credential: %s: %v", e.Message, e.Cause)
	}
	return "credential: " + e.Message
}

func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// HTTPCredentialSource fetches credentials from the connection-details endpoint
type HTTPCredentialSource struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewHTTPCredentialSource creates a source for url. A nil client uses a 10s timeout.
func NewHTTPCredentialSource(url string, client *http.Client) *HTTPCredentialSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCredentialSource{url: url, client: client, now: time.Now}
}

// RequestCredential GETs a fresh credential. IssuedAt is stamped with the
// local clock, the one the TTL is checked against.
func (s *HTTPCredentialSource) RequestCredential(ctx context.Context) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &CredentialError{Message: "build request", Cause: err}
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &CredentialError{Message: "request connection details", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &CredentialError{Message: fmt.Sprintf("connection details returned status %d: %s", resp.StatusCode, body)}
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, &CredentialError{Message: "decode connection details", Cause: err}
	}
	if err := cred.validate(); err != nil {
		return nil, &CredentialError{Message: "invalid connection details", Cause: err}
	}

	cred.IssuedAt = s.now()
	return &cred, nil
}
