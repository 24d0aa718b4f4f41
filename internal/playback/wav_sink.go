package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/audio"
)

// WAVSink writes every played entry back to back into one 16-bit mono WAV file
type WAVSink struct {
	mu         sync.Mutex
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	written    int64
	logger     zerolog.Logger
}

// NewWAVSink creates (or truncates) path
func NewWAVSink(path string, sampleRate int, logger zerolog.Logger) (*WAVSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}

	return &WAVSink{
		file:       file,
		enc:        wav.NewEncoder(file, sampleRate, 16, 1, 1),
		sampleRate: sampleRate,
		logger:     logger.With().Str("component", "wav_sink").Str("path", path).Logger(),
	}, nil
}

// Play implements Sink
func (s *WAVSink) Play(ctx context.Context, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc == nil {
		return errors.New("wav sink is closed")
	}

	var (
		buf      = make([]byte, 16*1024)
		carry    []byte
		total    int64
		sumSq    float64
		nSamples int
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) - len(data)%audio.BytesPerSample
			carry = append([]byte(nil), data[whole:]...)

			samples, convErr := audio.BytesToFloat32(data[:whole])
			if convErr != nil {
				return convErr
			}
			rms := audio.CalculateRMS(samples)
			sumSq += rms * rms * float64(len(samples))
			nSamples += len(samples)

			if err := s.write(samples); err != nil {
				return err
			}
			total += int64(whole)
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	s.written += total
	var rms float64
	if nSamples > 0 {
		rms = math.Sqrt(sumSq / float64(nSamples))
	}
	s.logger.Debug().
		Dur("duration", audio.Duration(total, s.sampleRate)).
		Float64("rms", rms).
		Msg("Entry written")
	return nil
}

func (s *WAVSink) write(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: s.sampleRate},
		Data:           audio.Float32ToPCM16(samples),
		SourceBitDepth: 16,
	}
	if err := s.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// BytesWritten returns the float32 PCM bytes written so far
func (s *WAVSink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close finalizes the WAV header and closes the file
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	s.enc = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
