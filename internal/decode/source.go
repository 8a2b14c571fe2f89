// Package decode opens pre-recorded media as frame sources for
// concatenation.
package decode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/babelcloud/avrecorder/internal/media"
)

var (
	ErrInconsistent = errors.New("sources are inconsistent")
	ErrNoTracks     = errors.New("source has no audio or video track")
)

// SourceRef names one input of a concatenation. A zero ClipDuration means
// until the end of the source.
type SourceRef struct {
	Path         string
	ClipStart    time.Duration
	ClipDuration time.Duration
}

// SourceInfo is what probing a source reveals.
type SourceInfo struct {
	Video    *media.Format
	Audio    *media.Format
	Duration time.Duration
}

// Has reports whether the source carries a track of the given kind.
func (i SourceInfo) Has(kind media.Kind) bool {
	if kind == media.Video {
		return i.Video != nil
	}
	return i.Audio != nil
}

// Source yields the frames of one input in container order.
type Source interface {
	Info() SourceInfo
	// ReadFrame returns io.EOF after the last frame.
	ReadFrame(ctx context.Context) (media.Kind, media.Frame, error)
	Close() error
}

// Opener opens a source by path.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, path string) (Source, error) {
	return f(ctx, path)
}

// ClipLength is the playable length of a source under a clip.
func ClipLength(ref SourceRef, info SourceInfo) time.Duration {
	if ref.ClipDuration > 0 {
		return ref.ClipDuration
	}
	if d := info.Duration - ref.ClipStart; d > 0 {
		return d
	}
	return 0
}

// CheckConsistent verifies that next can be appended to a stream started
// by first: same track set, same codecs, same video geometry.
func CheckConsistent(first, next SourceInfo) error {
	for _, kind := range media.Kinds {
		if first.Has(kind) != next.Has(kind) {
			return fmt.Errorf("%w: %s track presence differs", ErrInconsistent, kind)
		}
	}
	if first.Video != nil {
		a, b := first.Video, next.Video
		if a.Codec != b.Codec {
			return fmt.Errorf("%w: video codec %s vs %s", ErrInconsistent, a.Codec, b.Codec)
		}
		if a.Width != b.Width || a.Height != b.Height {
			return fmt.Errorf("%w: video size %dx%d vs %dx%d", ErrInconsistent, a.Width, a.Height, b.Width, b.Height)
		}
		if a.Rotation != b.Rotation {
			return fmt.Errorf("%w: rotation %d vs %d", ErrInconsistent, a.Rotation, b.Rotation)
		}
	}
	if first.Audio != nil && first.Audio.Codec != next.Audio.Codec {
		return fmt.Errorf("%w: audio codec %s vs %s", ErrInconsistent, first.Audio.Codec, next.Audio.Codec)
	}
	return nil
}
