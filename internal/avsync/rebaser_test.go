package avsync

import (
	"testing"
	"time"

	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/stretchr/testify/assert"
)

func TestRebaserFirstAnchor(t *testing.T) {
	r := NewRebaser(33*time.Millisecond, 21*time.Millisecond)

	pts, anchored := r.Rebase(media.Video, 5_000_000)
	assert.True(t, anchored)
	assert.Equal(t, int64(33_000), pts)
	assert.Equal(t, int64(5_000_000-33_000), r.Gap(media.Video))
	assert.Equal(t, int64(5_000_000-21_000), r.Gap(media.Audio))

	// same native clock: audio lands on its own anchor
	pts, anchored = r.Rebase(media.Audio, 5_000_000)
	assert.False(t, anchored)
	assert.Equal(t, int64(21_000), pts)

	pts, _ = r.Rebase(media.Video, 5_033_000)
	assert.Equal(t, int64(66_000), pts)
	assert.Equal(t, 1, r.Anchors())
}

func TestRebaserClampIsStrictlyIncreasing(t *testing.T) {
	r := NewRebaser(10*time.Millisecond, 10*time.Millisecond)

	native := []int64{1_000_000, 1_040_000, 1_030_000, 1_030_000, 900_000, 1_100_000}
	var last int64 = -1
	for i, p := range native {
		out, _ := r.Rebase(media.Video, p)
		if i > 0 {
			assert.Greater(t, out, last, "frame %d", i)
		}
		last = out
	}
	assert.Equal(t, int64(110_000), last)
}

func TestRebaserInvalidateContinuesTimeline(t *testing.T) {
	r := NewRebaser(10*time.Millisecond, 20*time.Millisecond)

	r.Rebase(media.Video, 0)
	r.Rebase(media.Audio, 0)
	v, _ := r.Rebase(media.Video, 500_000)
	a, _ := r.Rebase(media.Audio, 500_000)

	r.Invalidate()
	assert.True(t, r.NeedsAnchor())

	// a long gap in native time collapses to one frame duration
	nv, anchored := r.Rebase(media.Video, 60_000_000)
	assert.True(t, anchored)
	assert.Equal(t, v+10_000, nv)

	na, _ := r.Rebase(media.Audio, 60_000_000)
	assert.Equal(t, a+20_000, na)
	assert.Equal(t, 2, r.Anchors())

	r.Reset()
	assert.Equal(t, int64(0), r.Latest(media.Video))
	assert.Equal(t, 0, r.Anchors())
	assert.True(t, r.NeedsAnchor())
}

func TestGate(t *testing.T) {
	g := NewGate(true)
	assert.False(t, g.Admit(media.Audio, false))
	assert.False(t, g.Admit(media.Video, false))
	assert.True(t, g.Admit(media.Video, true))
	assert.True(t, g.Admit(media.Audio, false))
	assert.True(t, g.Admit(media.Video, false))

	g.Reset()
	assert.False(t, g.KeyframeFound())
	assert.False(t, g.Admit(media.Video, false))

	audioOnly := NewGate(false)
	assert.True(t, audioOnly.Admit(media.Audio, false))
}
