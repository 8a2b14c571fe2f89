package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies terminal session failures.
type ErrorKind int

const (
	// ConfigurationError: no enabled track, missing encoder or sink, too
	// few concatenation sources.
	ConfigurationError ErrorKind = iota + 1
	// DeviceError: the producing device or stream could not be opened.
	DeviceError
	// EncoderError: encoder setup or runtime failure.
	EncoderError
	// ContainerError: format registration, container start or write failure.
	ContainerError
	// DecodeError: a concatenation source is unreadable or inconsistent.
	DecodeError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration"
	case DeviceError:
		return "device"
	case EncoderError:
		return "encoder"
	case ContainerError:
		return "container"
	case DecodeError:
		return "decode"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

var (
	ErrNoTracks      = errors.New("neither video nor audio is enabled")
	ErrNoEncoder     = errors.New("enabled track has no encoder")
	ErrNoSink        = errors.New("no container sink")
	ErrTooFewSources = errors.New("concatenation needs at least two sources")
	ErrInvalidPhase  = errors.New("operation not allowed in this phase")
	ErrClosed        = errors.New("session closed")
)

// Error is the session-level failure reported through Listener.OnFinish.
type Error struct {
	Kind ErrorKind
	// Track is "video" or "audio" when the failure belongs to one track.
	Track string
	Err   error
}

func (e *Error) Error() string {
	if e.Track != "" {
		return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Track, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, track string, err error) *Error {
	return &Error{Kind: kind, Track: track, Err: err}
}

// IsKind reports whether err is a session Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
