package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// scriptedStream replays frames, then returns tail (io.EOF when nil)
type scriptedStream struct {
	mu     sync.Mutex
	frames []WireFrame
	tail   error
	block  bool
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (WireFrame, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	block := s.block
	tail := s.tail
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return WireFrame{}, ctx.Err()
	}
	if tail == nil {
		tail = io.EOF
	}
	return WireFrame{}, tail
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestAssemble_InOrder(t *testing.T) {
	a := Float32ToBytes([]float32{0.1, 0.2})
	b := Float32ToBytes([]float32{0.3})
	stream := &scriptedStream{frames: []WireFrame{EncodeChunk(a), EncodeChunk(b), {Type: FrameDone}}}
	src := NewSource("unit-0")

	if err := Assemble(context.Background(), stream, src, time.Second); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	data, _ := io.ReadAll(src)
	if len(data) != len(a)+len(b) {
		t.Fatalf("Expected %d bytes, got %d", len(a)+len(b), len(data))
	}
	samples, _ := BytesToFloat32(data)
	if samples[0] != 0.1 || samples[2] != 0.3 {
		t.Errorf("Samples out of order: %v", samples)
	}
	if !stream.isClosed() {
		t.Error("Expected stream to be closed")
	}
}

func TestAssemble_DoneOnly(t *testing.T) {
	stream := &scriptedStream{frames: []WireFrame{{Type: FrameDone}}}
	src := NewSource("unit-0")

	if err := Assemble(context.Background(), stream, src, time.Second); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	data, _ := io.ReadAll(src)
	if len(data) != 0 {
		t.Errorf("Expected empty source, got %d bytes", len(data))
	}
	if src.Err() != nil {
		t.Errorf("Expected clean close, got %v", src.Err())
	}
}

func TestAssemble_TruncatedStream(t *testing.T) {
	chunk := Float32ToBytes([]float32{0.5})
	stream := &scriptedStream{frames: []WireFrame{EncodeChunk(chunk)}}
	src := NewSource("unit-0")

	err := Assemble(context.Background(), stream, src, time.Second)
	if !errors.Is(err, ErrStreamTruncated) {
		t.Fatalf("Expected ErrStreamTruncated, got %v", err)
	}

	// Audio received before the failure is still playable
	data, _ := io.ReadAll(src)
	if len(data) != len(chunk) {
		t.Errorf("Expected %d bytes, got %d", len(chunk), len(data))
	}
	if !errors.Is(src.Err(), ErrStreamTruncated) {
		t.Errorf("Expected source error ErrStreamTruncated, got %v", src.Err())
	}
}

func TestAssemble_DecodeError(t *testing.T) {
	stream := &scriptedStream{frames: []WireFrame{{Type: FrameChunk, Data: "AAAAAAA="}, {Type: FrameDone}}}
	src := NewSource("unit-0")

	err := Assemble(context.Background(), stream, src, time.Second)
	if !IsDecodeError(err) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if !IsDecodeError(src.Err()) {
		t.Errorf("Expected source closed with DecodeError, got %v", src.Err())
	}
}

func TestAssemble_ErrorFrame(t *testing.T) {
	stream := &scriptedStream{frames: []WireFrame{{Type: FrameError, Error: "quota exceeded"}}}
	src := NewSource("unit-0")

	if err := Assemble(context.Background(), stream, src, time.Second); err == nil {
		t.Fatal("Expected error for error frame")
	}
	if src.Err() == nil {
		t.Error("Expected source to be closed with an error")
	}
}

func TestAssemble_IdleTimeout(t *testing.T) {
	stream := &scriptedStream{block: true}
	src := NewSource("unit-0")

	start := time.Now()
	err := Assemble(context.Background(), stream, src, 20*time.Millisecond)
	if !errors.Is(err, ErrFrameTimeout) {
		t.Fatalf("Expected ErrFrameTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Idle timeout took too long")
	}

	select {
	case <-src.Done():
	default:
		t.Error("Expected source to be terminal after timeout")
	}
}

func TestAssemble_ContextCancelled(t *testing.T) {
	stream := &scriptedStream{block: true}
	src := NewSource("unit-0")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Assemble(ctx, stream, src, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrFrameTimeout) {
		t.Error("Cancellation must not be reported as an idle timeout")
	}
}

func TestAssemble_DiscardedSourceStops(t *testing.T) {
	chunk := Float32ToBytes([]float32{0.5})
	stream := &scriptedStream{frames: []WireFrame{EncodeChunk(chunk), EncodeChunk(chunk), {Type: FrameDone}}}
	src := NewSource("unit-0")
	src.Discard()

	err := Assemble(context.Background(), stream, src, time.Second)
	if !errors.Is(err, ErrSourceDiscarded) {
		t.Fatalf("Expected ErrSourceDiscarded, got %v", err)
	}
	if !stream.isClosed() {
		t.Error("Expected stream to be closed")
	}
}
