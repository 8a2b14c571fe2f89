// Package encoder adapts track producers to the session event contract.
// An encoder emits exactly one FormatChanged before its first frame, any
// number of FrameReady events, and at most one Failed. The event channel is
// closed when the encoder has nothing more to deliver.
package encoder

import (
	"context"
	"errors"

	"github.com/babelcloud/avrecorder/internal/media"
)

var (
	ErrAlreadyStarted = errors.New("encoder already started")
	ErrStopped        = errors.New("encoder stopped")
	ErrNoControl      = errors.New("no control connection")

	// ErrInputUnavailable wraps failures to open the producing device or
	// stream.
	ErrInputUnavailable = errors.New("input unavailable")
)

// Encoder produces the events of one track.
type Encoder interface {
	Kind() media.Kind
	Start(ctx context.Context) (<-chan media.Event, error)
	Stop() error
}

// KeyframeRequester is implemented by encoders that can be asked to emit a
// keyframe as soon as possible.
type KeyframeRequester interface {
	RequestKeyframe() error
}
