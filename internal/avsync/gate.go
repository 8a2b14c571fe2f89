package avsync

import "github.com/babelcloud/avrecorder/internal/media"

// Gate drops output until the first video keyframe of an epoch. Audio is
// held back too so the container never starts with undecodable video.
type Gate struct {
	videoEnabled  bool
	keyframeFound bool
}

func NewGate(videoEnabled bool) *Gate {
	return &Gate{videoEnabled: videoEnabled}
}

// Admit reports whether a frame may pass.
func (g *Gate) Admit(kind media.Kind, keyframe bool) bool {
	if !g.videoEnabled || g.keyframeFound {
		return true
	}
	if kind == media.Video && keyframe {
		g.keyframeFound = true
		return true
	}
	return false
}

func (g *Gate) Reset() { g.keyframeFound = false }

func (g *Gate) KeyframeFound() bool { return g.keyframeFound }
