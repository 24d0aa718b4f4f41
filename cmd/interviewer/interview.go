package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/session"
)

type sessionStarter interface {
	Resume(ctx context.Context) error
	Connect(ctx context.Context) error
}

// startSession reconnects on load. Resume already falls back to one fresh
// join on its own, so Connect only runs when nothing was cached.
func startSession(ctx context.Context, s sessionStarter) error {
	err := s.Resume(ctx)
	if errors.Is(err, session.ErrNoCachedCredential) {
		return s.Connect(ctx)
	}
	return err
}

// interviewDeadline fires once d has elapsed. With d <= 0 the channel is nil
// and never fires.
func interviewDeadline(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(d)
	return timer.C, func() { timer.Stop() }
}

type speechStopper interface {
	Stop()
}

type sessionDisconnector interface {
	Disconnect(ctx context.Context) error
}

// endInterview silences the assistant, then leaves the room
func endInterview(ctx context.Context, speech speechStopper, sess sessionDisconnector, logger zerolog.Logger) {
	logger.Info().Msg("Interview time is up")
	speech.Stop()
	if err := sess.Disconnect(ctx); err != nil {
		logger.Error().Err(err).Msg("Disconnect at end of interview failed")
	}
}
