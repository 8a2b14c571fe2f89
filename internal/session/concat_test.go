package session

import (
	"testing"
	"time"

	"github.com/babelcloud/avrecorder/internal/decode"
	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConcat(t *testing.T, opener *memOpener, refs ...decode.SourceRef) (*ConcatSession, *recordingSink, *recordingListener) {
	t.Helper()
	sink := &recordingSink{}
	listener := newRecordingListener()
	c, err := NewConcat(ConcatConfig{
		Sources:            refs,
		Opener:             opener,
		Sink:               sink,
		BarrierTimeout:     5 * time.Second,
		VideoFrameDuration: testVideoDuration,
		AudioFrameDuration: testAudioDuration,
		Listener:           listener,
	})
	require.NoError(t, err)
	return c, sink, listener
}

func assertStrictlyIncreasing(t *testing.T, pts []int64) {
	t.Helper()
	for i := 1; i < len(pts); i++ {
		require.Greater(t, pts[i], pts[i-1], "pts[%d]", i)
	}
}

func TestConcatKeepsTimelineContinuous(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{
		"a": clipSource(5, true),
		"b": clipSource(5, true),
	}}
	c, sink, listener := newConcat(t, opener, decode.SourceRef{Path: "a"}, decode.SourceRef{Path: "b"})

	require.NoError(t, c.Start())
	require.NoError(t, listener.waitFinish(t))

	video := sink.ptsOf(media.Video)
	require.Len(t, video, 22)
	assertStrictlyIncreasing(t, video)
	assert.Equal(t, int64(33_333), video[0])
	assert.Equal(t, int64(1_033_333), video[10])
	assert.Equal(t, int64(1_033_334), video[11], "second source starts right after the first")
	assert.Equal(t, int64(2_033_333), video[21])

	assertStrictlyIncreasing(t, sink.ptsOf(media.Audio))

	cursor := c.Cursor()
	assert.Equal(t, 1, cursor.Index)
	assert.Equal(t, int64(1_000_000), cursor.LastEpoch)
	assert.Equal(t, 2*time.Second, c.TotalDuration())

	progress := listener.progressValues()
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	assertStrictlyIncreasing(t, toInt64(progress))

	opener.mu.Lock()
	assert.Len(t, opener.opened, 4, "two probes and two decodes")
	for _, src := range opener.opened {
		assert.True(t, src.closed.Load())
	}
	opener.mu.Unlock()
	_, stops, releases := sink.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
}

func TestConcatAppliesClips(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{
		"a": clipSource(1, false),
		"b": clipSource(1, false),
	}}
	c, sink, listener := newConcat(t, opener,
		decode.SourceRef{Path: "a", ClipStart: 200 * time.Millisecond, ClipDuration: 500 * time.Millisecond},
		decode.SourceRef{Path: "b"},
	)

	require.NoError(t, c.Start())
	require.NoError(t, listener.waitFinish(t))

	video := sink.ptsOf(media.Video)
	require.Len(t, video, 16)
	assertStrictlyIncreasing(t, video)
	assert.Equal(t, int64(33_333), video[0])
	assert.Equal(t, int64(433_333), video[4])
	assert.Equal(t, int64(433_334), video[5])
	assert.Equal(t, int64(1_433_333), video[15])

	assert.Equal(t, int64(400_000), c.Cursor().LastEpoch)
	assert.Equal(t, 1500*time.Millisecond, c.TotalDuration())
}

func TestConcatSkipsToKeyframeAfterClipStart(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{
		"a": clipSource(5, false),
		"b": clipSource(5, false),
	}}
	c, sink, listener := newConcat(t, opener,
		decode.SourceRef{Path: "a", ClipStart: 100 * time.Millisecond},
		decode.SourceRef{Path: "b"},
	)

	require.NoError(t, c.Start())
	require.NoError(t, listener.waitFinish(t))

	// first source starts at its 500ms keyframe: 6 frames, then 11
	video := sink.ptsOf(media.Video)
	require.Len(t, video, 17)
	assertStrictlyIncreasing(t, video)
	assert.Equal(t, int64(900_000), c.Cursor().LastEpoch)
}

func TestConcatDecodeFailureReportedOnce(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{
		"a": clipSource(5, true),
		"b": func() *memSource {
			src := clipSource(5, true)()
			src.failAt = 3
			src.readErr = errReadFailed
			return src
		},
	}}
	c, _, listener := newConcat(t, opener, decode.SourceRef{Path: "a"}, decode.SourceRef{Path: "b"})

	require.NoError(t, c.Start())
	err := listener.waitFinish(t)
	assert.True(t, IsKind(err, DecodeError))
	assert.ErrorIs(t, err, errReadFailed)

	select {
	case err := <-listener.finished:
		t.Fatalf("second OnFinish: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, c.Stop())
}

func TestConcatRejectsInconsistentSources(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{
		"a": clipSource(5, false),
		"b": func() *memSource {
			src := clipSource(5, false)()
			src.info.Video = &media.Format{Kind: media.Video, Codec: media.CodecH264, Width: 640, Height: 480}
			return src
		},
	}}
	c, sink, _ := newConcat(t, opener, decode.SourceRef{Path: "a"}, decode.SourceRef{Path: "b"})

	err := c.Start()
	assert.True(t, IsKind(err, DecodeError))
	assert.ErrorIs(t, err, decode.ErrInconsistent)
	starts, _, _ := sink.counts()
	assert.Equal(t, 0, starts)
	require.NoError(t, c.Stop())
}

func TestConcatMissingSource(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{"a": clipSource(5, false)}}
	c, _, _ := newConcat(t, opener, decode.SourceRef{Path: "a"}, decode.SourceRef{Path: "missing"})
	assert.True(t, IsKind(c.Start(), DecodeError))
	require.NoError(t, c.Stop())
}

func TestConcatNeedsTwoSources(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{"a": clipSource(5, false)}}
	c, _, _ := newConcat(t, opener, decode.SourceRef{Path: "a"})

	err := c.Start()
	assert.True(t, IsKind(err, ConfigurationError))
	assert.ErrorIs(t, err, ErrTooFewSources)

	require.NoError(t, c.SetSources([]decode.SourceRef{{Path: "a"}, {Path: "a"}}))
	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.SetSources(nil), ErrInvalidPhase)
	require.NoError(t, c.Stop())
}

func TestConcatStopWhileDecoding(t *testing.T) {
	opener := &memOpener{build: map[string]func() *memSource{
		"a": clipSource(5, true),
		"b": clipSource(5, true),
	}}
	c, sink, listener := newConcat(t, opener, decode.SourceRef{Path: "a"}, decode.SourceRef{Path: "b"})

	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	require.NoError(t, listener.waitFinish(t))

	opener.mu.Lock()
	defer opener.mu.Unlock()
	for _, src := range opener.opened {
		assert.True(t, src.closed.Load())
	}
	_, _, releases := sink.counts()
	assert.Equal(t, 1, releases)
}

func toInt64(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}
