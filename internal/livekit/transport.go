package livekit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/session"
)

const microphoneTrackName = "microphone"

// Transport joins LiveKit rooms as the candidate
type Transport struct {
	logger zerolog.Logger
}

// NewTransport creates a LiveKit room transport
func NewTransport(logger zerolog.Logger) *Transport {
	return &Transport{logger: logger.With().Str("component", "livekit").Logger()}
}

type connectResult struct {
	room *lksdk.Room
	err  error
}

// Connect joins the room the token grants. The SDK call is not cancellable,
// so a join that completes after ctx is done is disconnected immediately.
func (t *Transport) Connect(ctx context.Context, serverURL, token string, events session.Events) (session.Connection, error) {
	conn := &roomConnection{events: events, logger: t.logger}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnLocalTrackUnpublished: conn.onLocalTrackUnpublished,
		},
		OnDisconnectedWithReason: conn.onDisconnected,
	}

	result := make(chan connectResult, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(serverURL, token, callback)
		result <- connectResult{room: room, err: err}
	}()

	select {
	case res := <-result:
		if res.err != nil {
			return nil, fmt.Errorf("connect to room: %w", res.err)
		}
		conn.room = res.room
		t.logger.Info().Str("room", res.room.Name()).Msg("Connected to LiveKit room")
		return conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-result; res.err == nil {
				res.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// roomConnection is one joined room
type roomConnection struct {
	room   *lksdk.Room
	events session.Events
	logger zerolog.Logger

	mu  sync.Mutex
	mic *microphone

	closing atomic.Bool
	once    sync.Once
}

// EnableMicrophone publishes the candidate's microphone track and starts
// capturing the default input device into it
func (c *roomConnection) EnableMicrophone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	track, err := lksdk.NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: micSampleRate,
		Channels:  1,
	})
	if err != nil {
		return fmt.Errorf("create microphone track: %w", err)
	}

	if _, err := c.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   microphoneTrackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		return fmt.Errorf("publish microphone track: %w", err)
	}

	mic, err := startMicrophone(track, c.deviceError, c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		mic.Close()
		return errors.New("connection closed")
	}
	c.mic = mic
	c.mu.Unlock()

	c.logger.Debug().Msg("Microphone track published")
	return nil
}

// Close leaves the room; later calls are no-ops
func (c *roomConnection) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closing.Store(true)
		mic := c.mic
		c.mu.Unlock()

		if mic != nil {
			mic.Close()
		}
		c.room.Disconnect()
	})
	return nil
}

func (c *roomConnection) onDisconnected(reason lksdk.DisconnectionReason) {
	if c.closing.Load() {
		return
	}
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected(fmt.Sprint(reason))
	}
}

func (c *roomConnection) onLocalTrackUnpublished(pub *lksdk.LocalTrackPublication, lp *lksdk.LocalParticipant) {
	if pub.Name() != microphoneTrackName {
		return
	}
	c.deviceError(errors.New("microphone track was unpublished"))
}

func (c *roomConnection) deviceError(err error) {
	if c.closing.Load() || c.events.OnDeviceError == nil {
		return
	}
	c.events.OnDeviceError(err)
}
