package media

import (
	"fmt"
	"time"
)

// Kind identifies a track.
type Kind int

const (
	Video Kind = iota
	Audio
)

// Kinds lists every track kind in write order.
var Kinds = []Kind{Video, Audio}

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Flags carries per-frame encoder signals.
type Flags uint8

const (
	FlagKeyframe Flags = 1 << iota
	FlagEndOfStream
	FlagConfigOnly
)

// Frame is one encoded access unit as produced by an encoder.
type Frame struct {
	Payload []byte
	PTS     int64 // Presentation timestamp in microseconds
	Flags   Flags
}

func (f Frame) IsKeyframe() bool    { return f.Flags&FlagKeyframe != 0 }
func (f Frame) IsEndOfStream() bool { return f.Flags&FlagEndOfStream != 0 }
func (f Frame) IsConfigOnly() bool  { return f.Flags&FlagConfigOnly != 0 }

// Track describes one track of a session. MuxerIndex stays -1 until the
// track's format has been registered with the container.
type Track struct {
	Kind              Kind
	Enabled           bool
	MuxerIndex        int
	FrameDurationHint time.Duration
}

// NewTrack returns an unregistered track.
func NewTrack(kind Kind, enabled bool, hint time.Duration) Track {
	return Track{
		Kind:              kind,
		Enabled:           enabled,
		MuxerIndex:        -1,
		FrameDurationHint: hint,
	}
}

// Registered reports whether the container has assigned an index.
func (t Track) Registered() bool {
	return t.MuxerIndex >= 0
}
