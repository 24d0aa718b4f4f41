package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/config"
	"github.com/lexiqai/interview-voice/internal/livekit"
	"github.com/lexiqai/interview-voice/internal/observability"
	"github.com/lexiqai/interview-voice/internal/playback"
	"github.com/lexiqai/interview-voice/internal/playback/device"
	"github.com/lexiqai/interview-voice/internal/session"
	"github.com/lexiqai/interview-voice/internal/speech"
	"github.com/lexiqai/interview-voice/internal/tts"
)

// interviewer speaks assistant messages read from stdin, one per line, while
// holding the candidate's voice session open.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout is left to the caller
	observability.InitLoggerWithWriter(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	logger := observability.GetLogger()

	if err := cfg.RequireSynthesis(); err != nil {
		logger.Fatal().Err(err).Msg("Synthesis configuration incomplete")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, closeSink, err := openSink(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("sink", cfg.PlaybackSink).Msg("Failed to open playback sink")
	}
	defer closeSink()

	queue := playback.NewQueue(sink, logger)
	defer queue.Close()

	synth := tts.NewCartesiaClient(cfg, logger)
	pipeline, err := speech.NewPipeline(cfg, synth, queue, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid speech pipeline configuration")
	}
	defer pipeline.Stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open credential store")
	}
	defer closeStore()

	sess := session.New(cfg, store,
		session.NewHTTPCredentialSource(cfg.ConnectionDetailsURL, nil),
		livekit.NewTransport(logger),
		logger,
		session.WithNotifier(session.NotifierFunc(func(n session.Notice) {
			fmt.Fprintf(os.Stderr, "! %s\n", n.Message)
		})))
	defer sess.Close()

	if cfg.MetricsEnabled {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	if err := startSession(ctx, sess); err != nil {
		logger.Error().Err(err).Msg("Could not connect voice session; use /connect to retry")
	}

	deadline, stopDeadline := interviewDeadline(cfg.InterviewDuration())
	defer stopDeadline()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down interviewer")
			return
		case <-deadline:
			endInterview(ctx, pipeline, sess, logger)
			fmt.Fprintln(os.Stderr, "! The interview has ended")
			return
		case line, ok := <-lines:
			if !ok {
				logger.Info().Msg("Input closed, waiting for playback to drain")
				waitForQueue(ctx, queue)
				return
			}
			handleLine(ctx, line, pipeline, sess, logger)
		}
	}
}

func handleLine(ctx context.Context, line string, pipeline *speech.Pipeline, sess *session.Session, logger zerolog.Logger) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return
	case "/stop":
		pipeline.Stop()
		return
	case "/disconnect":
		if err := sess.Disconnect(ctx); err != nil {
			logger.Error().Err(err).Msg("Disconnect failed")
		}
		return
	case "/connect":
		if err := sess.Connect(ctx); err != nil {
			logger.Error().Err(err).Msg("Connect failed")
		}
		return
	}

	u := pipeline.Speak(ctx, line,
		speech.WithLatency(func(d time.Duration) {
			logger.Info().Dur("latency", d).Msg("Assistant started speaking")
		}),
		speech.WithUnitComplete(func(r speech.UnitResult) {
			ev := logger.Debug()
			if r.Err != nil {
				ev = logger.Warn().Err(r.Err)
			}
			ev.Int("unit", r.Index).Str("outcome", string(r.Outcome)).Msg("Unit completed")
		}))
	logger.Debug().Str("utterance_id", u.ID()).Int("units", len(u.Units())).Msg("Message queued")
}

func openSink(cfg *config.Config, logger zerolog.Logger) (playback.Sink, func(), error) {
	switch cfg.PlaybackSink {
	case config.SinkWAV:
		sink, err := playback.NewWAVSink(cfg.PlaybackWAVPath, cfg.PlaybackSampleRate, logger)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {
			if err := sink.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to finalize WAV output")
			}
		}, nil
	default:
		speaker, err := device.NewSpeaker(cfg.PlaybackSampleRate, logger)
		if err != nil {
			return nil, nil, err
		}
		return speaker, func() {}, nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (session.CredentialStore, func(), error) {
	if cfg.CredentialStorePath == "" {
		return session.NewMemoryStore(), func() {}, nil
	}
	store, err := session.OpenSQLiteStore(ctx, cfg.CredentialStorePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func waitForQueue(ctx context.Context, queue *playback.Queue) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	logger.Info().Str("addr", addr).Msg("Metrics listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("Metrics listener failed")
	}
}
