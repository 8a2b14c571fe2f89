package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/babelcloud/avrecorder/internal/media"
)

var (
	ErrNotStarted       = errors.New("container not started")
	ErrAlreadyStarted   = errors.New("container already started")
	ErrReleased         = errors.New("container released")
	ErrUnsupportedCodec = errors.New("codec not supported by container")
	ErrUnknownTrack     = errors.New("unknown track index")
)

// Sink is a single-writer container. Tracks are added before Start, and
// after Start each track receives samples with increasing timestamps.
// Implementations are not safe for concurrent use; callers serialize.
type Sink interface {
	AddTrack(format media.Format) (int, error)
	Start() error
	WriteSample(index int, payload []byte, ptsUs int64, keyframe bool) error
	// Stop flushes buffered samples and finalizes the container.
	Stop() error
	// Release frees the output. It is safe to call without Stop.
	Release() error
}

// Format names a container format.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
)

// Extension returns the file extension for the format.
func (f Format) Extension() string {
	return "." + string(f)
}

// ParseFormat accepts a format name or file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "mp4", "fmp4", "m4s":
		return FormatMP4, nil
	case "webm", "mkv":
		return FormatWebM, nil
	}
	return "", fmt.Errorf("unsupported container format %q", s)
}

// New creates a sink of the given format writing to out. The sink owns
// out and closes it on Release.
func New(format Format, out io.WriteCloser, logger *slog.Logger) (Sink, error) {
	switch format {
	case FormatMP4:
		return NewFMP4Sink(out, logger), nil
	case FormatWebM:
		return NewWebMSink(out, logger), nil
	}
	return nil, fmt.Errorf("unsupported container format %q", format)
}
