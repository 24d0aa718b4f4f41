package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lexiqai/interview-voice/internal/audio"
)

type frameResult struct {
	frame audio.WireFrame
	err   error
}

// frameStream adapts a blocking per-transport read function to audio.FrameStream.
// A single goroutine reads ahead; Next hands frames over in arrival order.
type frameStream struct {
	frames    chan frameResult
	done      chan struct{}
	cancel    context.CancelFunc
	closer    io.Closer
	closeOnce sync.Once
}

func newFrameStream(reqCtx context.Context, cancel context.CancelFunc, closer io.Closer, read func() (audio.WireFrame, error)) *frameStream {
	s := &frameStream{
		frames: make(chan frameResult, 8),
		done:   make(chan struct{}),
		cancel: cancel,
		closer: closer,
	}

	go func() {
		defer close(s.frames)
		for {
			frame, err := read()
			if err != nil {
				err = classifyReadError(reqCtx, err)
			}

			select {
			case s.frames <- frameResult{frame: frame, err: err}:
			case <-s.done:
				return
			}

			if err != nil || frame.Type == audio.FrameDone {
				return
			}
		}
	}()

	return s
}

func (s *frameStream) Next(ctx context.Context) (audio.WireFrame, error) {
	select {
	case r, ok := <-s.frames:
		if !ok {
			return audio.WireFrame{}, io.EOF
		}
		return r.frame, r.err
	case <-ctx.Done():
		return audio.WireFrame{}, ctx.Err()
	}
}

func (s *frameStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// classifyReadError turns transport failures into SynthesisErrors.
// io.EOF passes through so the assembler can report a truncated stream.
func classifyReadError(reqCtx context.Context, err error) error {
	var se *SynthesisError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, io.EOF):
		if reqCtx.Err() == nil {
			return io.EOF
		}
	}

	switch reqCtx.Err() {
	case context.DeadlineExceeded:
		return &SynthesisError{Kind: KindTimeout, Cause: reqCtx.Err()}
	case context.Canceled:
		return context.Canceled
	}
	return &SynthesisError{Kind: KindConnect, Message: "stream interrupted", Cause: err}
}

// sseReader reads `event:`/`data:` blocks from a text/event-stream body
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(body)}
}

func (s *sseReader) Next() (string, []byte, error) {
	var eventName string
	var data bytes.Buffer

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() == 0 {
				if err == io.EOF {
					return "", nil, io.EOF
				}
				continue
			}
			return eventName, data.Bytes(), nil
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if data.Len() == 0 {
				return "", nil, io.EOF
			}
			return eventName, data.Bytes(), nil
		}
	}
}

// readSSEFrame reads the next Cartesia message from an event stream
func readSSEFrame(r *sseReader) (audio.WireFrame, error) {
	for {
		event, payload, err := r.Next()
		if err != nil {
			return audio.WireFrame{}, err
		}

		var msg cartesiaResponse
		if err := json.Unmarshal(payload, &msg); err != nil {
			return audio.WireFrame{}, &audio.DecodeError{Reason: audio.UnknownFrame, Err: err}
		}
		if msg.Type == "" {
			msg.Type = event
		}
		if msg.Type == "" {
			continue
		}
		return msg.toFrame()
	}
}

// readProxyFrame reads one newline-delimited proxy event, with or without a `data:` prefix
func readProxyFrame(r *bufio.Reader) (audio.WireFrame, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil && !(err == io.EOF && strings.TrimSpace(line) != "") {
			return audio.WireFrame{}, err
		}

		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" {
			continue
		}

		var ev proxyEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return audio.WireFrame{}, &audio.DecodeError{Reason: audio.UnknownFrame, Err: fmt.Errorf("proxy line: %w", err)}
		}

		switch ev.Event {
		case "done":
			return audio.WireFrame{Type: audio.FrameDone}, nil
		case "error":
			ev.Data.Type = "error"
			return ev.Data.toFrame()
		default:
			if ev.Data.Type == "" {
				ev.Data.Type = ev.Event
			}
			return ev.Data.toFrame()
		}
	}
}
