package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrSourceClosed is returned when writing to a source that already reached a terminal state
	ErrSourceClosed = errors.New("audio source is closed")

	// ErrSourceDiscarded is returned once the consumer has abandoned the source
	ErrSourceDiscarded = errors.New("audio source was discarded")
)

// Source is an append-only PCM byte stream for one text unit.
//
// The producer (the assembler) appends with Write and finishes with Close or
// CloseWithError. The consumer (the playback queue) reads it once, forward
// only; reads block until more bytes arrive or the source is closed, at which
// point the remaining bytes drain and Read returns io.EOF, even when the
// source closed with an error. Discard abandons the source from the
// consumer side and unblocks both ends.
type Source struct {
	label string

	mu        sync.Mutex
	buf       []byte
	off       int
	written   int64
	closed    bool
	discarded bool
	err       error
	startedAt time.Time

	notify    chan struct{}
	done      chan struct{}
	started   chan struct{}
	startOnce sync.Once
	doneOnce  sync.Once
}

// NewSource creates an open, empty source. The label is used in logs only.
func NewSource(label string) *Source {
	return &Source{
		label:   label,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Label returns the label given at construction
func (s *Source) Label() string {
	return s.label
}

// Write appends decoded sample bytes
func (s *Source) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return 0, ErrSourceDiscarded
	}
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSourceClosed
	}
	s.buf = append(s.buf, p...)
	s.written += int64(len(p))
	s.mu.Unlock()

	s.signal()
	return len(p), nil
}

// Close marks the source complete; readers drain what is buffered and then see io.EOF
func (s *Source) Close() error {
	s.CloseWithError(nil)
	return nil
}

// CloseWithError marks the source complete in an errored state.
// Bytes already written stay readable.
func (s *Source) CloseWithError(err error) {
	s.mu.Lock()
	if s.closed || s.discarded {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()

	s.finish()
}

// Discard abandons the source: buffered bytes are dropped, pending and future
// reads and writes fail with ErrSourceDiscarded.
func (s *Source) Discard() {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return
	}
	s.discarded = true
	s.buf = nil
	s.off = 0
	if !s.closed {
		s.err = ErrSourceDiscarded
	}
	s.mu.Unlock()

	s.finish()
}

// Read implements io.Reader
func (s *Source) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext reads like Read but gives up when ctx is done
func (s *Source) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		s.mu.Lock()
		if s.discarded {
			s.mu.Unlock()
			return 0, ErrSourceDiscarded
		}
		if s.off < len(s.buf) {
			n := copy(p, s.buf[s.off:])
			s.off += n
			if s.off == len(s.buf) {
				s.buf = s.buf[:0]
				s.off = 0
			}
			s.mu.Unlock()
			s.markStarted()
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Done is closed once the source is closed (cleanly or not) or discarded
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Started is closed when the consumer reads the first byte
func (s *Source) Started() <-chan struct{} {
	return s.started
}

// StartedAt returns when the first byte was read, zero if never
func (s *Source) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Err returns the terminal error, nil while open or after a clean close
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Written returns the total number of bytes appended so far
func (s *Source) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Source) markStarted() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.startedAt = time.Now()
		s.mu.Unlock()
		close(s.started)
	})
}

func (s *Source) finish() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
	s.signal()
}

func (s *Source) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
