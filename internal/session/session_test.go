package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/babelcloud/avrecorder/internal/avsync"
	"github.com/babelcloud/avrecorder/internal/encoder"
	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	testVideoDuration = 33333 * time.Microsecond
	testAudioDuration = 21333 * time.Microsecond
	waitFor           = 2 * time.Second
	tick              = 5 * time.Millisecond
)

type harness struct {
	s        *Session
	video    *fakeEncoder
	audio    *fakeEncoder
	sink     *recordingSink
	listener *recordingListener
	clock    *testingclock.FakeClock
}

func newHarness(t *testing.T, video, audio bool) *harness {
	t.Helper()
	h := &harness{
		sink:     &recordingSink{},
		listener: newRecordingListener(),
		clock:    testingclock.NewFakeClock(time.Now()),
	}
	cfg := Config{
		Sink:           h.sink,
		BarrierTimeout: 10 * time.Second,
		Listener:       h.listener,
		Clock:          h.clock,
		Video:          TrackConfig{Enabled: video, FrameDuration: testVideoDuration},
		Audio:          TrackConfig{Enabled: audio, FrameDuration: testAudioDuration},
	}
	if video {
		h.video = newFakeEncoder(media.Video)
		cfg.Video.Encoder = h.video
	}
	if audio {
		h.audio = newFakeEncoder(media.Audio)
		cfg.Audio.Encoder = h.audio
	}
	s, err := New(cfg)
	require.NoError(t, err)
	h.s = s
	return h
}

func (h *harness) announce(t *testing.T, kinds ...media.Kind) {
	t.Helper()
	for _, k := range kinds {
		if k == media.Video {
			h.video.announce(*testVideoFormat)
		} else {
			h.audio.announce(*testAudioFormat)
		}
	}
	require.Eventually(t, func() bool {
		starts, _, _ := h.sink.counts()
		return starts == 1
	}, waitFor, tick)
}

func (h *harness) waitSnapshot(t *testing.T, cond func(avsync.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.s.Snapshot()) }, waitFor, tick)
}

func (h *harness) assertNoSecondFinish(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.listener.finished:
		t.Fatalf("second OnFinish: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestContainerStartsOnceForEveryInterleaving(t *testing.T) {
	cases := []struct {
		name         string
		video, audio bool
		order        []media.Kind
	}{
		{"video only", true, false, []media.Kind{media.Video}},
		{"audio only", false, true, []media.Kind{media.Audio}},
		{"video first", true, true, []media.Kind{media.Video, media.Audio}},
		{"audio first", true, true, []media.Kind{media.Audio, media.Video}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.video, tc.audio)
			require.NoError(t, h.s.Start())
			assert.Equal(t, Started, h.s.Phase())

			h.announce(t, tc.order...)
			require.Eventually(t, func() bool { return h.listener.started.Load() == 1 }, waitFor, tick)

			for _, k := range tc.order {
				assert.True(t, h.s.Track(k).Registered())
			}

			require.NoError(t, h.s.Stop())
			starts, stops, releases := h.sink.counts()
			assert.Equal(t, 1, starts)
			assert.Equal(t, 1, stops)
			assert.Equal(t, 1, releases)
			assert.NoError(t, h.listener.waitFinish(t))
		})
	}
}

func TestSingleTrackNeverWaits(t *testing.T) {
	h := newHarness(t, true, false)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video)
	assert.False(t, h.clock.HasWaiters(), "watchdog must not be armed")
	require.NoError(t, h.s.Stop())
}

func TestKeyframeGateAndRebase(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video, media.Audio)
	defer h.s.Stop()

	h.video.frame(100_000, 0)
	h.video.frame(133_333, 0)
	h.video.frame(166_666, 0)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Dropped[avsync.DropAwaitingKeyframe] == 3 })

	h.audio.frame(110_000, 0)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Dropped[avsync.DropAwaitingKeyframe] == 4 })

	h.video.frame(200_000, media.FlagKeyframe)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Forwarded[media.Video] == 1 })

	h.audio.frame(210_000, 0)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Forwarded[media.Audio] == 1 })

	h.video.frame(233_333, 0)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Forwarded[media.Video] == 2 })

	assert.Equal(t, []int64{33_333, 66_666}, h.sink.ptsOf(media.Video))
	assert.Equal(t, []int64{31_333}, h.sink.ptsOf(media.Audio))

	snap := h.s.Snapshot()
	assert.Equal(t, 1, snap.Anchors)
	assert.True(t, snap.KeyframeFound)
	assert.Equal(t, int64(166_667), snap.VideoPtsGap)
	assert.Equal(t, int64(178_667), snap.AudioPtsGap)

	require.NoError(t, h.s.Stop())
	summary := h.s.Summary()
	assert.Equal(t, 2, summary.Forwarded[media.Video])
	assert.Equal(t, 1, summary.Forwarded[media.Audio])
	assert.Equal(t, 4, summary.Dropped[avsync.DropAwaitingKeyframe])
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, true, false)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video)
	defer h.s.Stop()

	h.video.frame(1_000_000, media.FlagKeyframe)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Forwarded[media.Video] == 1 })

	require.NoError(t, h.s.Pause())
	assert.Equal(t, Paused, h.s.Phase())
	assert.True(t, h.s.Snapshot().Paused)

	h.video.frame(1_100_000, media.FlagKeyframe)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Dropped[avsync.DropPaused] == 1 })

	require.NoError(t, h.s.Resume())
	assert.Equal(t, Started, h.s.Phase())
	assert.Equal(t, int32(1), h.video.keyframes.Load())

	h.video.frame(1_200_000, 0)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Dropped[avsync.DropAwaitingKeyframe] == 1 })

	h.video.frame(1_300_000, media.FlagKeyframe)
	h.waitSnapshot(t, func(s avsync.Snapshot) bool { return s.Forwarded[media.Video] == 2 })

	assert.Equal(t, 2, h.s.Snapshot().Anchors)
	assert.Equal(t, []int64{33_333, 66_666}, h.sink.ptsOf(media.Video))

	require.NoError(t, h.s.Resume())
	assert.Equal(t, int32(1), h.video.keyframes.Load(), "resume while running is a no-op")
}

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	h := newHarness(t, true, false)
	require.NoError(t, h.s.Start())
	require.NoError(t, h.s.Resume())
	assert.Equal(t, int32(0), h.video.keyframes.Load())
	assert.Equal(t, Started, h.s.Phase())
	require.NoError(t, h.s.Stop())
}

func TestPauseBeforeStart(t *testing.T) {
	h := newHarness(t, true, false)
	assert.ErrorIs(t, h.s.Pause(), ErrInvalidPhase)
	require.NoError(t, h.s.Stop())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video, media.Audio)

	require.NoError(t, h.s.Stop())
	require.NoError(t, h.s.Stop())

	starts, stops, releases := h.sink.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
	assert.Equal(t, int32(1), h.video.stops.Load())
	assert.Equal(t, int32(1), h.audio.stops.Load())
	assert.Equal(t, Stopped, h.s.Phase())

	assert.NoError(t, h.listener.waitFinish(t))
	h.assertNoSecondFinish(t)
	assert.ErrorIs(t, h.s.Start(), ErrClosed)

	snap := h.s.Snapshot()
	assert.True(t, snap.Paused)
	assert.Equal(t, 0, snap.Anchors)
}

func TestFramesAfterStopAreDropped(t *testing.T) {
	h := newHarness(t, true, false)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video)
	require.NoError(t, h.s.Stop())

	h.video.frame(100, media.FlagKeyframe)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sink.ptsOf(media.Video))
}

func TestEncoderFailureReportedOnce(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video, media.Audio)

	boom := errors.New("codec exploded")
	h.video.events <- media.Failed{Track: media.Video, Err: boom}
	h.audio.events <- media.Failed{Track: media.Audio, Err: boom}

	err := h.listener.waitFinish(t)
	require.Error(t, err)
	assert.True(t, IsKind(err, EncoderError))
	assert.ErrorIs(t, err, boom)
	h.assertNoSecondFinish(t)

	require.NoError(t, h.s.Stop())
	_, stops, releases := h.sink.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, releases)
	assert.Equal(t, err, h.s.Err())
}

func TestBarrierTimeout(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.s.Start())
	h.video.announce(*testVideoFormat)

	require.Eventually(t, h.clock.HasWaiters, waitFor, tick)
	h.clock.Step(10 * time.Second)

	err := h.listener.waitFinish(t)
	assert.True(t, IsKind(err, ContainerError))
	assert.ErrorIs(t, err, avsync.ErrBarrierTimeout)

	starts, _, releases := h.sink.counts()
	assert.Equal(t, 0, starts)
	assert.Equal(t, 1, releases)
}

func TestStartWithoutTracks(t *testing.T) {
	h := newHarness(t, false, false)
	err := h.s.Start()
	assert.True(t, IsKind(err, ConfigurationError))
	assert.ErrorIs(t, err, ErrNoTracks)
	assert.Equal(t, Idle, h.s.Phase())
	require.NoError(t, h.s.Stop())
	assert.NoError(t, h.listener.waitFinish(t))
}

func TestStartWithoutEncoder(t *testing.T) {
	s, err := New(Config{Sink: &recordingSink{}, Video: TrackConfig{Enabled: true}})
	require.NoError(t, err)
	err = s.Start()
	assert.True(t, IsKind(err, ConfigurationError))
	assert.ErrorIs(t, err, ErrNoEncoder)
	require.NoError(t, s.Stop())
}

func TestNewWithoutSink(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, IsKind(err, ConfigurationError))
}

func TestEncoderStartFailure(t *testing.T) {
	h := newHarness(t, true, true)
	h.video.startErr = fmt.Errorf("%w: open /dev/video0", encoder.ErrInputUnavailable)

	err := h.s.Start()
	assert.True(t, IsKind(err, DeviceError))
	assert.Equal(t, err, h.listener.waitFinish(t))
	assert.Equal(t, Stopped, h.s.Phase())

	h2 := newHarness(t, false, true)
	h2.audio.startErr = errors.New("no such codec")
	err = h2.s.Start()
	assert.True(t, IsKind(err, EncoderError))
}

func TestContainerStartFailure(t *testing.T) {
	h := newHarness(t, true, false)
	h.sink.startErr = errors.New("disk full")
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video)

	err := h.listener.waitFinish(t)
	assert.True(t, IsKind(err, ContainerError))
	_, stops, releases := h.sink.counts()
	assert.Equal(t, 0, stops, "a container that never started is not stopped")
	assert.Equal(t, 1, releases)
}

func TestWriteFailure(t *testing.T) {
	h := newHarness(t, true, false)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Video)

	h.sink.mu.Lock()
	h.sink.writeErr = errors.New("broken pipe")
	h.sink.mu.Unlock()
	h.video.frame(1000, media.FlagKeyframe)

	err := h.listener.waitFinish(t)
	assert.True(t, IsKind(err, ContainerError))
}

func TestEndOfStreamFinishesSession(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.s.Start())
	h.announce(t, media.Audio, media.Video)

	h.video.frame(0, media.FlagKeyframe)
	h.audio.frame(0, 0)
	h.video.events <- media.FrameReady{Track: media.Video, Frame: media.Frame{Flags: media.FlagEndOfStream}}
	close(h.audio.events)

	assert.NoError(t, h.listener.waitFinish(t))
	assert.Equal(t, Stopped, h.s.Phase())
	_, stops, _ := h.sink.counts()
	assert.Equal(t, 1, stops)
}

func TestTrackEndingBeforeFormatFails(t *testing.T) {
	h := newHarness(t, true, true)
	require.NoError(t, h.s.Start())
	h.video.announce(*testVideoFormat)
	close(h.audio.events)

	err := h.listener.waitFinish(t)
	assert.True(t, IsKind(err, EncoderError))
	assert.ErrorIs(t, err, errEndedWithoutFormat)
}

func TestStopFromListener(t *testing.T) {
	sink := &recordingSink{}
	video := newFakeEncoder(media.Video)
	finished := make(chan error, 1)

	var s *Session
	listener := ListenerFuncs{
		Started: func() { s.Stop() },
		Finish:  func(err error) { finished <- err },
	}
	s, err := New(Config{
		Sink:     sink,
		Video:    TrackConfig{Enabled: true, Encoder: video},
		Listener: listener,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	video.announce(*testVideoFormat)

	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("session not stopped from listener")
	}
	<-s.Done()
}
