// Package device plays PCM on the local audio output through oto.
package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/audio"
)

// Speaker is a playback.Sink for the default output device.
// One oto context is created per process and reused for every entry.
type Speaker struct {
	ctx        *oto.Context
	sampleRate int
	logger     zerolog.Logger
}

// NewSpeaker opens the output device for mono float32 PCM at sampleRate
func NewSpeaker(sampleRate int, logger zerolog.Logger) (*Speaker, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   50 * time.Millisecond,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	return &Speaker{
		ctx:        ctx,
		sampleRate: sampleRate,
		logger:     logger.With().Str("component", "speaker").Logger(),
	}, nil
}

// Play renders r until EOF or ctx is done
func (s *Speaker) Play(ctx context.Context, r io.Reader) error {
	feed := newFeed(r)
	go feed.pump()

	player := s.ctx.NewPlayer(feed)
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			player.Pause()
			feed.stop()
			return ctx.Err()
		case <-ticker.C:
			if !player.IsPlaying() {
				if err := player.Err(); err != nil {
					return err
				}
				return feed.err()
			}
		}
	}
}

// Err reports a device-level failure
func (s *Speaker) Err() error {
	return s.ctx.Err()
}

// feed decouples the source from oto's mixer: the mixer never blocks on a
// slow producer, underruns are padded with silence.
type feed struct {
	src io.Reader

	mu      sync.Mutex
	buf     []byte
	eof     bool
	readErr error
	stopped bool
}

func newFeed(src io.Reader) *feed {
	return &feed{src: src}
}

func (f *feed) pump() {
	chunk := make([]byte, 4096)
	for {
		n, err := f.src.Read(chunk)

		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return
		}
		f.buf = append(f.buf, chunk[:n]...)
		if err != nil {
			f.eof = true
			if err != io.EOF {
				f.readErr = err
			}
		}
		done := f.eof
		f.mu.Unlock()

		if done {
			return
		}
	}
}

func (f *feed) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return 0, io.EOF
	}
	// Keep sample alignment while more data may follow
	avail := len(f.buf)
	if !f.eof {
		avail -= avail % audio.BytesPerSample
	}
	whole := len(p) - len(p)%audio.BytesPerSample
	if avail > 0 && whole > 0 {
		n := copy(p[:whole], f.buf[:avail])
		f.buf = f.buf[n:]
		return n, nil
	}
	if f.eof {
		if len(f.buf) > 0 {
			n := copy(p, f.buf)
			f.buf = f.buf[n:]
			return n, nil
		}
		return 0, io.EOF
	}

	// Underrun: hand out silence in whole samples
	n := whole
	if n > audio.BytesPerSample*64 {
		n = audio.BytesPerSample * 64
	}
	clear(p[:n])
	return n, nil
}

func (f *feed) stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *feed) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readErr
}
