package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// DefaultSampleRate is the PCM rate requested from the synthesis backend
	DefaultSampleRate = 24000

	// BytesPerSample is the width of one pcm_f32le mono sample
	BytesPerSample = 4

	// Encoding is the wire sample encoding the decoder understands
	Encoding = "pcm_f32le"
)

// FrameType tags a WireFrame
type FrameType string

const (
	FrameChunk FrameType = "chunk"
	FrameDone  FrameType = "done"
	FrameError FrameType = "error"
)

// WireFrame is one message on a synthesis response stream
type WireFrame struct {
	Type  FrameType `json:"type"`
	Data  string    `json:"data,omitempty"`  // base64 pcm_f32le, chunk frames only
	Error string    `json:"error,omitempty"` // error frames only
}

// FrameStream yields the frames of a single synthesis request in arrival order.
// Next returns io.EOF once the underlying transport is exhausted.
type FrameStream interface {
	Next(ctx context.Context) (WireFrame, error)
	Close() error
}

// DecodeReason classifies a DecodeError
type DecodeReason string

const (
	TruncatedFrame DecodeReason = "truncated_frame"
	InvalidBase64  DecodeReason = "invalid_base64"
	UnknownFrame   DecodeReason = "unknown_frame"
)

// DecodeError reports a malformed wire frame
type DecodeError struct {
	Reason DecodeReason
	Length int
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	case e.Reason == TruncatedFrame:
		return fmt.Sprintf("decode frame: %s: %d bytes is not a multiple of %d", e.Reason, e.Length, BytesPerSample)
	default:
		return fmt.Sprintf("decode frame: %s", e.Reason)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err carries a DecodeError
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decoded is the result of decoding one frame: samples, or the end of the stream
type Decoded struct {
	Samples []byte
	End     bool
}

// DecodeFrame turns a wire frame into raw little-endian float32 sample bytes.
// Error frames are not decoded here; the assembler treats them as server failures.
func DecodeFrame(frame WireFrame) (Decoded, error) {
	switch frame.Type {
	case FrameDone:
		return Decoded{End: true}, nil
	case FrameChunk:
		raw, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			return Decoded{}, &DecodeError{Reason: InvalidBase64, Err: err}
		}
		if len(raw)%BytesPerSample != 0 {
			return Decoded{}, &DecodeError{Reason: TruncatedFrame, Length: len(raw)}
		}
		return Decoded{Samples: raw}, nil
	default:
		return Decoded{}, &DecodeError{Reason: UnknownFrame}
	}
}

// EncodeChunk builds a chunk frame from raw sample bytes
func EncodeChunk(samples []byte) WireFrame {
	return WireFrame{Type: FrameChunk, Data: base64.StdEncoding.EncodeToString(samples)}
}
