package livekit

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/lexiqai/interview-voice/internal/config"
)

// ConnectionDetails is what a client needs to join its interview room
type ConnectionDetails struct {
	ServerURL        string `json:"serverUrl"`
	RoomName         string `json:"roomName"`
	ParticipantName  string `json:"participantName"`
	ParticipantToken string `json:"participantToken"`
	Timestamp        int64  `json:"timestamp"` // unix milliseconds at issue
}

// TokenIssuer mints participant tokens for fresh, uniquely named rooms
type TokenIssuer struct {
	serverURL string
	apiKey    string
	apiSecret string
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenIssuer fails when the LiveKit server configuration is incomplete
func NewTokenIssuer(cfg *config.Config) (*TokenIssuer, error) {
	if err := cfg.RequireTokenIssuer(); err != nil {
		return nil, err
	}
	return &TokenIssuer{
		serverURL: cfg.LiveKitURL,
		apiKey:    cfg.LiveKitAPIKey,
		apiSecret: cfg.LiveKitAPISecret,
		ttl:       cfg.LiveKitTokenTTL(),
		now:       time.Now,
	}, nil
}

// Issue creates a room name and participant identity and signs a token
// allowing the participant to join, publish and subscribe in that room
func (i *TokenIssuer) Issue() (*ConnectionDetails, error) {
	ts := i.now().UnixMilli()
	identity := fmt.Sprintf("voice_assistant_user_%d_%d", rand.IntN(10_000), ts)
	room := fmt.Sprintf("voice_assistant_room_%d_%d", rand.IntN(10_000), ts)

	allow := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &allow,
		CanPublishData: &allow,
		CanSubscribe:   &allow,
	}

	at := auth.NewAccessToken(i.apiKey, i.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(i.ttl)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("sign participant token: %w", err)
	}

	return &ConnectionDetails{
		ServerURL:        i.serverURL,
		RoomName:         room,
		ParticipantName:  identity,
		ParticipantToken: token,
		Timestamp:        ts,
	}, nil
}
