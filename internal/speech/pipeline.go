package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/lexiqai/interview-voice/internal/audio"
	"github.com/lexiqai/interview-voice/internal/config"
	"github.com/lexiqai/interview-voice/internal/observability"
	"github.com/lexiqai/interview-voice/internal/playback"
	"github.com/lexiqai/interview-voice/internal/tts"
)

// Player is the part of playback.Queue the pipeline drives
type Player interface {
	Enqueue(src *audio.Source, onComplete func(playback.Outcome)) error
	CancelAll()
}

// Pipeline turns assistant messages into ordered, gapless speech
type Pipeline struct {
	synth       tts.Synthesizer
	player      Player
	sem         *semaphore.Weighted
	idleTimeout time.Duration
	transport   string
	logger      zerolog.Logger

	mu     sync.Mutex
	active map[string]*Utterance
}

// NewPipeline validates the audio configuration and builds a pipeline.
// Synthesis and playback must agree on the sample rate: there is no resampling.
func NewPipeline(cfg *config.Config, synth tts.Synthesizer, player Player, logger zerolog.Logger) (*Pipeline, error) {
	if cfg.SynthesisSampleRate != cfg.PlaybackSampleRate {
		return nil, fmt.Errorf("synthesis sample rate %d does not match playback sample rate %d",
			cfg.SynthesisSampleRate, cfg.PlaybackSampleRate)
	}
	if cfg.SynthesisMaxConcurrency <= 0 {
		return nil, fmt.Errorf("synthesis concurrency must be positive, got %d", cfg.SynthesisMaxConcurrency)
	}

	return &Pipeline{
		synth:       synth,
		player:      player,
		sem:         semaphore.NewWeighted(int64(cfg.SynthesisMaxConcurrency)),
		idleTimeout: cfg.FrameIdleTimeout(),
		transport:   cfg.SynthesisTransport,
		logger:      logger.With().Str("component", "speech").Logger(),
		active:      make(map[string]*Utterance),
	}, nil
}

// UnitResult is reported once per text unit when its playback entry completes
type UnitResult struct {
	Index   int
	Unit    TextUnit
	Outcome playback.Outcome
	Err     error // synthesis error, if any
}

// Option configures a single Speak call
type Option func(*Utterance)

// WithUnitComplete registers a callback fired once per unit, in completion order
func WithUnitComplete(fn func(UnitResult)) Option {
	return func(u *Utterance) { u.onUnit = fn }
}

// WithLatency registers a callback fired once the first-audio latency is known
func WithLatency(fn func(time.Duration)) Option {
	return func(u *Utterance) { u.onLatency = fn }
}

// Speak segments message, enqueues one source per unit in order and fills
// them concurrently. It returns immediately.
func (p *Pipeline) Speak(ctx context.Context, message string, opts ...Option) *Utterance {
	u := newUtterance(message)
	for _, opt := range opts {
		opt(u)
	}

	logger := p.logger.With().Str("utterance_id", u.id).Logger()
	metrics := observability.NewUtteranceMetrics(u.id, p.transport)

	if len(u.units) == 0 {
		logger.Debug().Msg("Nothing to speak")
		close(u.done)
		return u
	}

	metrics.RecordUtteranceStart(len(u.units))
	logger.Info().Int("units", len(u.units)).Msg("Speaking message")

	uctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.player = p.player

	p.mu.Lock()
	p.active[u.id] = u
	p.mu.Unlock()

	// Sources are enqueued before any synthesis starts: playback order is unit order
	sources := make([]*audio.Source, len(u.units))
	for i := range u.units {
		sources[i] = audio.NewSource(fmt.Sprintf("%s/%d", u.id, i))
	}
	u.sources = sources
	u.pending.Add(len(sources))
	for i := range u.units {
		if err := p.player.Enqueue(sources[i], func(out playback.Outcome) { u.unitDone(i, out) }); err != nil {
			logger.Warn().Err(err).Int("unit", i).Msg("Playback queue rejected unit")
			sources[i].Discard()
			u.unitDone(i, playback.OutcomeDiscarded)
		}
	}

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		p.dispatch(uctx, u.units, sources, &producers, metrics, logger)
	}()

	producers.Add(1)
	go func() {
		defer producers.Done()
		u.watchLatency(uctx, sources, metrics, logger)
	}()

	go func() {
		u.pending.Wait()
		cancel()
		producers.Wait()

		p.mu.Lock()
		delete(p.active, u.id)
		p.mu.Unlock()

		metrics.RecordUtteranceEnd()
		if latency, ok := u.Latency(); ok {
			logger.Info().Dur("latency", latency).Msg("Message spoken")
		} else {
			logger.Warn().Msg("Message finished without audio")
		}
		close(u.done)
	}()

	return u
}

// Stop clears the playback queue and cancels every utterance in flight
func (p *Pipeline) Stop() {
	p.player.CancelAll()

	p.mu.Lock()
	active := make([]*Utterance, 0, len(p.active))
	for _, u := range p.active {
		active = append(active, u)
	}
	p.mu.Unlock()

	for _, u := range active {
		u.cancel()
	}
}

// dispatch starts one producer per unit, taking synthesis slots in unit
// order so the head of the message is never starved by later units
func (p *Pipeline) dispatch(ctx context.Context, units []TextUnit, sources []*audio.Source, producers *sync.WaitGroup, metrics *observability.UtteranceMetrics, logger zerolog.Logger) {
	for i, unit := range units {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			for _, src := range sources[i:] {
				src.CloseWithError(err)
			}
			return
		}

		producers.Add(1)
		go func(i int, unit TextUnit, src *audio.Source) {
			defer producers.Done()
			defer p.sem.Release(1)
			p.produce(ctx, i, unit, src, metrics, logger)
		}(i, unit, sources[i])
	}
}

// produce fills src with the audio for one unit. Failures stay local to the
// unit: src is closed with the error and playback moves on.
func (p *Pipeline) produce(ctx context.Context, i int, unit TextUnit, src *audio.Source, metrics *observability.UtteranceMetrics, logger zerolog.Logger) {
	metrics.RecordSynthesisStart(i)
	stream, err := p.synth.Synthesize(ctx, unit.Text)
	if err != nil {
		metrics.RecordSynthesisEnd(i, false)
		src.CloseWithError(err)
		p.logUnitError(ctx, logger, i, err)
		return
	}

	err = audio.Assemble(ctx, stream, src, p.idleTimeout)
	metrics.RecordSynthesisEnd(i, err == nil)
	observability.RecordAudioBytes("synthesized", src.Written())

	if err != nil {
		var de *audio.DecodeError
		if errors.As(err, &de) {
			observability.RecordDecodeError(string(de.Reason))
		}
		p.logUnitError(ctx, logger, i, err)
		return
	}

	logger.Debug().Int("unit", i).Dur("audio", audio.Duration(src.Written(), audio.DefaultSampleRate)).Msg("Unit synthesized")
}

func (p *Pipeline) logUnitError(ctx context.Context, logger zerolog.Logger, i int, err error) {
	if ctx.Err() != nil || errors.Is(err, audio.ErrSourceDiscarded) {
		logger.Debug().Err(err).Int("unit", i).Msg("Unit synthesis abandoned")
		return
	}
	observability.RecordError("synthesis", "speech")
	logger.Error().Err(err).Int("unit", i).Msg("Unit synthesis failed")
}

// Utterance tracks one spoken message
type Utterance struct {
	id      string
	message string
	units   []TextUnit
	start   time.Time

	onUnit    func(UnitResult)
	onLatency func(time.Duration)

	cancel  context.CancelFunc
	player  Player
	sources []*audio.Source
	pending sync.WaitGroup
	done    chan struct{}

	mu        sync.Mutex
	latency   time.Duration
	hasLat    bool
	completed []chan struct{}
	outcomes  []playback.Outcome
}

func newUtterance(message string) *Utterance {
	units := Segment(message)
	u := &Utterance{
		id:        uuid.New().String(),
		message:   message,
		units:     units,
		start:     time.Now(),
		cancel:    func() {},
		done:      make(chan struct{}),
		completed: make([]chan struct{}, len(units)),
		outcomes:  make([]playback.Outcome, len(units)),
	}
	for i := range u.completed {
		u.completed[i] = make(chan struct{})
	}
	return u
}

// ID identifies the utterance in logs
func (u *Utterance) ID() string {
	return u.id
}

// Units returns the text units being spoken
func (u *Utterance) Units() []TextUnit {
	return u.units
}

// Latency is the time from Speak to the first audible sample, unset if no unit produced audio
func (u *Utterance) Latency() (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.latency, u.hasLat
}

// Done is closed when every unit has completed playback and no goroutine remains
func (u *Utterance) Done() <-chan struct{} {
	return u.done
}

// Wait blocks until Done or ctx ends
func (u *Utterance) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcomes returns the per-unit playback outcomes recorded so far
func (u *Utterance) Outcomes() []playback.Outcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]playback.Outcome(nil), u.outcomes...)
}

// Cancel clears the playback queue and aborts in-flight synthesis.
// Every unit has completed by the time Done closes.
func (u *Utterance) Cancel() {
	if u.player != nil {
		u.player.CancelAll()
	}
	u.cancel()
}

func (u *Utterance) unitDone(i int, out playback.Outcome) {
	// A played source is terminal, so its error is the synthesis failure
	err := u.sources[i].Err()
	if errors.Is(err, audio.ErrSourceDiscarded) {
		err = nil
	}

	u.mu.Lock()
	u.outcomes[i] = out
	close(u.completed[i])
	u.mu.Unlock()

	if u.onUnit != nil {
		u.onUnit(UnitResult{Index: i, Unit: u.units[i], Outcome: out, Err: err})
	}
	u.pending.Done()
}

// watchLatency takes the first source, in unit order, that the player starts
// reading. Units that complete without producing audio are skipped.
func (u *Utterance) watchLatency(ctx context.Context, sources []*audio.Source, metrics *observability.UtteranceMetrics, logger zerolog.Logger) {
	for i, src := range sources {
		select {
		case <-src.Started():
		case <-u.completed[i]:
			select {
			case <-src.Started():
			default:
				continue
			}
		case <-ctx.Done():
			return
		}

		latency := src.StartedAt().Sub(u.start)
		u.mu.Lock()
		u.latency = latency
		u.hasLat = true
		u.mu.Unlock()

		metrics.RecordFirstAudio(latency)
		logger.Debug().Int("unit", i).Dur("latency", latency).Msg("First audio")
		if u.onLatency != nil {
			u.onLatency(latency)
		}
		return
	}
}
