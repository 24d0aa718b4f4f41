package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrStreamTruncated means the transport ended before a done frame
	ErrStreamTruncated = errors.New("frame stream ended before done")

	// ErrFrameTimeout means no frame arrived within the idle timeout
	ErrFrameTimeout = errors.New("timed out waiting for frame")
)

// Assemble drains stream into src in arrival order and always leaves src in a
// terminal state: closed on a done frame, closed with an error on transport
// failure, malformed frames, error frames or idle timeout. The stream is
// closed before Assemble returns. The returned error is the one src closed with.
func Assemble(ctx context.Context, stream FrameStream, src *Source, idleTimeout time.Duration) error {
	defer stream.Close()

	for {
		frame, err := nextFrame(ctx, stream, idleTimeout)
		if err != nil {
			src.CloseWithError(err)
			return err
		}

		if frame.Type == FrameError {
			err := fmt.Errorf("synthesis backend error: %s", frame.Error)
			src.CloseWithError(err)
			return err
		}

		decoded, err := DecodeFrame(frame)
		if err != nil {
			src.CloseWithError(err)
			return err
		}

		if decoded.End {
			src.Close()
			return nil
		}

		if len(decoded.Samples) == 0 {
			continue
		}
		if _, err := src.Write(decoded.Samples); err != nil {
			// The consumer went away; nothing left to deliver to
			return err
		}
	}
}

func nextFrame(ctx context.Context, stream FrameStream, idleTimeout time.Duration) (WireFrame, error) {
	if idleTimeout <= 0 {
		frame, err := stream.Next(ctx)
		return frame, normalizeStreamErr(err)
	}

	fctx, cancel := context.WithTimeout(ctx, idleTimeout)
	defer cancel()

	frame, err := stream.Next(fctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return WireFrame{}, fmt.Errorf("%w after %v", ErrFrameTimeout, idleTimeout)
	}
	return frame, normalizeStreamErr(err)
}

func normalizeStreamErr(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrStreamTruncated
	}
	return err
}
