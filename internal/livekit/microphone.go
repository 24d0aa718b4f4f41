package livekit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/audio"
)

// The microphone track carries G.711 μ-law at 8kHz in 20ms samples
const (
	micSampleRate = 8000
	micFrame      = 20 * time.Millisecond
	micFrameBytes = micSampleRate * int(micFrame/time.Millisecond) / 1000 * 2
	micBacklog    = 50
)

// sampleWriter is the part of *lksdk.LocalTrack the capture loop needs
type sampleWriter interface {
	WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error
}

// packetizer regroups captured 16-bit PCM into whole μ-law frames
type packetizer struct {
	buf []byte
	out sampleWriter
}

func (p *packetizer) Write(pcm []byte) error {
	p.buf = append(p.buf, pcm...)
	for len(p.buf) >= micFrameBytes {
		frame := audio.EncodeMulaw(p.buf[:micFrameBytes])
		n := copy(p.buf, p.buf[micFrameBytes:])
		p.buf = p.buf[:n]

		if err := p.out.WriteSample(media.Sample{Data: frame, Duration: micFrame}, nil); err != nil {
			return err
		}
	}
	return nil
}

// microphone moves captured audio from the device callback onto the track.
// The callback runs on the audio thread and never blocks; when the writer
// falls behind by more than micBacklog periods, captured periods are dropped.
type microphone struct {
	frames  chan []byte
	done    chan struct{}
	onError func(error)
	logger  zerolog.Logger

	stopping atomic.Bool
	dropped  atomic.Int64
	wg       sync.WaitGroup
	once     sync.Once

	stopDevice func()
}

func newMicrophone(out sampleWriter, onError func(error), logger zerolog.Logger) *microphone {
	m := &microphone{
		frames:  make(chan []byte, micBacklog),
		done:    make(chan struct{}),
		onError: onError,
		logger:  logger,
	}

	m.wg.Add(1)
	go m.pump(&packetizer{out: out})
	return m
}

// startMicrophone opens the default capture device and feeds out until Close
func startMicrophone(out sampleWriter, onError func(error), logger zerolog.Logger) (*microphone, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := newMicrophone(out, onError, logger)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = micSampleRate
	cfg.PeriodSizeInMilliseconds = uint32(micFrame / time.Millisecond)

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { m.capture(input) },
		Stop: m.deviceStopped,
	})
	if err != nil {
		m.Close()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	m.stopDevice = func() {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
	}

	if err := device.Start(); err != nil {
		m.Close()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return m, nil
}

// capture copies one device period; the device reuses its buffer
func (m *microphone) capture(pcm []byte) {
	if m.stopping.Load() {
		return
	}
	select {
	case m.frames <- append([]byte(nil), pcm...):
	default:
		m.dropped.Add(1)
	}
}

// deviceStopped reports a capture device that stopped without Close
func (m *microphone) deviceStopped() {
	if m.stopping.Load() {
		return
	}
	if m.onError != nil {
		m.onError(errors.New("microphone capture stopped"))
	}
}

func (m *microphone) pump(p *packetizer) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case pcm := <-m.frames:
			if err := p.Write(pcm); err != nil {
				m.logger.Debug().Err(err).Msg("Failed to write microphone sample")
			}
		}
	}
}

// Close stops capture and waits for the writer to exit; later calls are no-ops
func (m *microphone) Close() {
	m.once.Do(func() {
		m.stopping.Store(true)
		if m.stopDevice != nil {
			m.stopDevice()
		}
		close(m.done)
		m.wg.Wait()

		if n := m.dropped.Load(); n > 0 {
			m.logger.Warn().Int64("dropped_periods", n).Msg("Microphone capture fell behind")
		}
	})
}
