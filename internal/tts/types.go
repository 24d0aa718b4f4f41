package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/interview-voice/internal/audio"
)

// Synthesizer opens one synthesis request per text unit.
// The returned stream must be closed by the caller; closing it (or cancelling
// ctx) releases the underlying connection.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.FrameStream, error)
}

// ErrorKind classifies a SynthesisError
type ErrorKind string

const (
	KindConnect ErrorKind = "connect" // request could not be sent or the connection dropped
	KindStatus  ErrorKind = "status"  // backend answered with a non-success status
	KindServer  ErrorKind = "server"  // backend sent an error frame
	KindTimeout ErrorKind = "timeout" // request exceeded its deadline
)

// SynthesisError reports a failed synthesis request
type SynthesisError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("synthesis %s error", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// IsSynthesisError reports whether err carries a SynthesisError of the given kind
func IsSynthesisError(err error, kind ErrorKind) bool {
	var se *SynthesisError
	return errors.As(err, &se) && se.Kind == kind
}

// cartesiaRequest is the body of a Cartesia TTS request
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	Language     string               `json:"language,omitempty"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	ContextID    string               `json:"context_id,omitempty"` // websocket only
}

type cartesiaVoiceSpec struct {
	Mode     string                 `json:"mode"`
	ID       string                 `json:"id"`
	Controls *cartesiaVoiceControls `json:"__experimental_controls,omitempty"`
}

type cartesiaVoiceControls struct {
	Speed   string   `json:"speed,omitempty"`
	Emotion []string `json:"emotion,omitempty"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaResponse is one streamed message, on every transport
type cartesiaResponse struct {
	Type       string `json:"type"` // "chunk", "done", "error"
	Data       string `json:"data,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	ContextID  string `json:"context_id,omitempty"`
}

// proxyEvent is the envelope the /api/tts proxy writes per line
type proxyEvent struct {
	Event string           `json:"event"` // "chunk", "done", "error"
	Data  cartesiaResponse `json:"data"`
}

// toFrame maps a backend message to a wire frame; error messages become SynthesisErrors
func (r cartesiaResponse) toFrame() (audio.WireFrame, error) {
	switch r.Type {
	case "error":
		return audio.WireFrame{}, &SynthesisError{Kind: KindServer, StatusCode: r.StatusCode, Message: r.Error}
	case "done":
		return audio.WireFrame{Type: audio.FrameDone}, nil
	default:
		if r.Done && r.Data == "" {
			return audio.WireFrame{Type: audio.FrameDone}, nil
		}
		return audio.WireFrame{Type: audio.FrameType(r.Type), Data: r.Data}, nil
	}
}
