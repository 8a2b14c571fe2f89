package avsync

import (
	"time"

	"github.com/babelcloud/avrecorder/internal/media"
)

// Rebaser maps encoder-native timestamps onto the session timeline. After
// every invalidation the first frame of either track re-anchors both
// tracks one frame duration past their latest written timestamps. The
// per-track gaps then stay fixed until the next invalidation.
//
// Rebaser is not safe for concurrent use; State serializes access.
type Rebaser struct {
	duration   [2]int64
	gap        [2]int64
	latest     [2]int64
	needAdjust [2]bool
	// fresh marks tracks that have not written since the last anchor; their
	// next sample may land exactly on the anchor position.
	fresh   [2]bool
	anchors int
}

// NewRebaser returns a rebaser waiting for its first anchor.
func NewRebaser(videoFrameDuration, audioFrameDuration time.Duration) *Rebaser {
	r := &Rebaser{}
	r.duration[media.Video] = videoFrameDuration.Microseconds()
	r.duration[media.Audio] = audioFrameDuration.Microseconds()
	r.Reset()
	return r
}

// Rebase returns the output timestamp for a native pts and whether this
// frame computed a new anchor.
func (r *Rebaser) Rebase(kind media.Kind, pts int64) (int64, bool) {
	anchored := false
	if r.needAdjust[kind] {
		r.latest[media.Video] += r.duration[media.Video]
		r.latest[media.Audio] += r.duration[media.Audio]
		r.gap[media.Video] = pts - r.latest[media.Video]
		r.gap[media.Audio] = pts - r.latest[media.Audio]
		r.needAdjust[media.Video] = false
		r.needAdjust[media.Audio] = false
		r.fresh[media.Video] = true
		r.fresh[media.Audio] = true
		r.anchors++
		anchored = true
	}

	out := pts - r.gap[kind]
	floor := r.latest[kind] + 1
	if r.fresh[kind] {
		floor = r.latest[kind]
	}
	if out < floor {
		out = floor
	}
	r.latest[kind] = out
	r.fresh[kind] = false
	return out, anchored
}

// Invalidate forces the next frame of either track to re-anchor. Latest
// timestamps are kept so the timeline continues where it stopped.
func (r *Rebaser) Invalidate() {
	r.needAdjust[media.Video] = true
	r.needAdjust[media.Audio] = true
}

// Reset returns to the initial state of a new session.
func (r *Rebaser) Reset() {
	r.gap = [2]int64{}
	r.latest = [2]int64{}
	r.fresh = [2]bool{}
	r.anchors = 0
	r.Invalidate()
}

// Latest returns the last timestamp written for a track.
func (r *Rebaser) Latest(kind media.Kind) int64 { return r.latest[kind] }

// Gap returns the offset subtracted from a track's native timestamps.
func (r *Rebaser) Gap(kind media.Kind) int64 { return r.gap[kind] }

// NeedsAnchor reports whether the next frame will re-anchor.
func (r *Rebaser) NeedsAnchor() bool {
	return r.needAdjust[media.Video] || r.needAdjust[media.Audio]
}

// Anchors counts anchor computations since the last Reset.
func (r *Rebaser) Anchors() int { return r.anchors }
