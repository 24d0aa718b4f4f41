package audio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestSource_WriteThenRead(t *testing.T) {
	src := NewSource("unit-0")

	if _, err := src.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := src.Write([]byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(data) != 8 || data[0] != 1 || data[7] != 8 {
		t.Errorf("Expected bytes 1..8 in order, got %v", data)
	}
	if src.Err() != nil {
		t.Errorf("Expected nil error after clean close, got %v", src.Err())
	}
	if src.Written() != 8 {
		t.Errorf("Expected 8 bytes written, got %d", src.Written())
	}
}

func TestSource_ReadBlocksUntilWrite(t *testing.T) {
	src := NewSource("unit-0")

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := src.Read(buf)
		got <- buf[:n]
	}()

	select {
	case <-got:
		t.Fatal("Read returned before any data was written")
	case <-time.After(20 * time.Millisecond):
	}

	src.Write([]byte{9, 9, 9, 9})

	select {
	case data := <-got:
		if len(data) != 4 {
			t.Errorf("Expected 4 bytes, got %d", len(data))
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Write")
	}
}

func TestSource_ErroredCloseDrainsThenEOF(t *testing.T) {
	src := NewSource("unit-0")
	src.Write([]byte{1, 2, 3, 4})

	failure := errors.New("connection reset")
	src.CloseWithError(failure)

	data, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("Expected buffered bytes to drain, got %d", len(data))
	}
	if !errors.Is(src.Err(), failure) {
		t.Errorf("Expected terminal error %v, got %v", failure, src.Err())
	}

	select {
	case <-src.Done():
	default:
		t.Error("Expected Done to be closed")
	}
}

func TestSource_CloseIsFinal(t *testing.T) {
	src := NewSource("unit-0")
	src.Close()
	src.CloseWithError(errors.New("late"))

	if src.Err() != nil {
		t.Errorf("Expected first close to win, got %v", src.Err())
	}
	if _, err := src.Write([]byte{0, 0, 0, 0}); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Expected ErrSourceClosed, got %v", err)
	}
}

func TestSource_Discard(t *testing.T) {
	src := NewSource("unit-0")
	src.Write([]byte{1, 2, 3, 4})

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4)
		src.Read(buf)
		_, err := src.Read(buf)
		readErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	src.Discard()

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrSourceDiscarded) {
			t.Errorf("Expected ErrSourceDiscarded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Discard")
	}

	if _, err := src.Write([]byte{1, 2, 3, 4}); !errors.Is(err, ErrSourceDiscarded) {
		t.Errorf("Expected ErrSourceDiscarded on write, got %v", err)
	}
	if !errors.Is(src.Err(), ErrSourceDiscarded) {
		t.Errorf("Expected discarded source to report ErrSourceDiscarded, got %v", src.Err())
	}
}

func TestSource_Started(t *testing.T) {
	src := NewSource("unit-0")

	select {
	case <-src.Started():
		t.Fatal("Started before any read")
	default:
	}
	if !src.StartedAt().IsZero() {
		t.Error("Expected zero StartedAt before first read")
	}

	src.Write([]byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	src.Read(buf)

	select {
	case <-src.Started():
	default:
		t.Fatal("Expected Started after first read")
	}
	if src.StartedAt().IsZero() {
		t.Error("Expected StartedAt to be recorded")
	}
}

func TestSource_ReadContextCancelled(t *testing.T) {
	src := NewSource("unit-0")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := src.ReadContext(ctx, make([]byte, 4))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}
