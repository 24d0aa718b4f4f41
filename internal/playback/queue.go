package playback

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/audio"
	"github.com/lexiqai/interview-voice/internal/observability"
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("playback queue is closed")

// Outcome says how a playback entry ended
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"  // source played to a clean end
	OutcomePartial   Outcome = "partial"   // source closed with an error; what existed was played
	OutcomeFailed    Outcome = "failed"    // the sink failed
	OutcomeStopped   Outcome = "stopped"   // active entry stopped by CancelAll
	OutcomeDiscarded Outcome = "discarded" // pending entry dropped by CancelAll, never played
)

// Sink renders PCM from r until EOF. Play must return promptly once ctx is
// done or r fails.
type Sink interface {
	Play(ctx context.Context, r io.Reader) error
}

type entry struct {
	src        *audio.Source
	onComplete func(Outcome)
	once       sync.Once
	cancel     context.CancelFunc
}

func (e *entry) complete(outcome Outcome) {
	e.once.Do(func() {
		observability.RecordPlaybackOutcome(string(outcome))
		if e.onComplete != nil {
			e.onComplete(outcome)
		}
	})
}

// Queue plays sources strictly one after another in enqueue order.
// At most one entry is active; the next starts as soon as the previous completes.
type Queue struct {
	sink   Sink
	logger zerolog.Logger

	mu      sync.Mutex
	pending []*entry
	active  *entry
	closed  bool
	wg      sync.WaitGroup

	// draining is a stopped entry whose sink has not returned yet; nothing
	// new starts until it has
	draining *entry
}

// NewQueue creates a queue rendering to sink
func NewQueue(sink Sink, logger zerolog.Logger) *Queue {
	return &Queue{
		sink:   sink,
		logger: logger.With().Str("component", "playback").Logger(),
	}
}

// Enqueue appends src; it never blocks. onComplete fires exactly once.
func (q *Queue) Enqueue(src *audio.Source, onComplete func(Outcome)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.pending = append(q.pending, &entry{src: src, onComplete: onComplete})
	q.startNextLocked()
	observability.SetPlaybackQueueDepth(q.lenLocked())
	return nil
}

// CancelAll stops the active entry and discards every pending one without
// playing it. All their completion callbacks have fired when it returns.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	active := q.active
	pending := q.pending
	if active != nil {
		q.draining = active
	}
	q.active = nil
	q.pending = nil
	observability.SetPlaybackQueueDepth(0)
	q.mu.Unlock()

	if active != nil {
		active.cancel()
		active.src.Discard()
		active.complete(OutcomeStopped)
	}
	for _, e := range pending {
		e.src.Discard()
		e.complete(OutcomeDiscarded)
	}

	if active != nil || len(pending) > 0 {
		q.logger.Debug().Bool("had_active", active != nil).Int("discarded", len(pending)).Msg("Playback cancelled")
	}
}

// Len returns the number of pending entries plus the active one
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Close cancels everything and waits for the sink to let go
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.CancelAll()
	q.wg.Wait()
	return nil
}

func (q *Queue) lenLocked() int {
	n := len(q.pending)
	if q.active != nil {
		n++
	}
	return n
}

func (q *Queue) startNextLocked() {
	if q.active != nil || q.draining != nil || len(q.pending) == 0 {
		return
	}

	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	q.active = e

	q.wg.Add(1)
	go q.play(ctx, e)
}

func (q *Queue) play(ctx context.Context, e *entry) {
	defer q.wg.Done()
	defer e.cancel()

	r := &countingReader{r: e.src}
	err := q.sink.Play(ctx, r)
	observability.RecordAudioBytes("played", r.n)

	var outcome Outcome
	switch {
	case ctx.Err() != nil:
		outcome = OutcomeStopped
	case err != nil && !errors.Is(err, audio.ErrSourceDiscarded):
		q.logger.Error().Err(err).Str("source", e.src.Label()).Msg("Playback sink failed")
		outcome = OutcomeFailed
		// Unblock the producer; nobody will read the rest
		e.src.Discard()
	case e.src.Err() != nil:
		outcome = OutcomePartial
	default:
		outcome = OutcomeFinished
	}

	e.complete(outcome)

	q.mu.Lock()
	switch e {
	case q.active:
		q.active = nil
	case q.draining:
		q.draining = nil
	}
	q.startNextLocked()
	observability.SetPlaybackQueueDepth(q.lenLocked())
	q.mu.Unlock()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
