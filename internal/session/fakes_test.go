package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babelcloud/avrecorder/internal/decode"
	"github.com/babelcloud/avrecorder/internal/media"
)

type fakeEncoder struct {
	kind      media.Kind
	events    chan media.Event
	startErr  error
	stops     atomic.Int32
	keyframes atomic.Int32
}

func newFakeEncoder(kind media.Kind) *fakeEncoder {
	return &fakeEncoder{kind: kind, events: make(chan media.Event, 64)}
}

func (e *fakeEncoder) Kind() media.Kind { return e.kind }

func (e *fakeEncoder) Start(ctx context.Context) (<-chan media.Event, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	return e.events, nil
}

func (e *fakeEncoder) Stop() error {
	e.stops.Add(1)
	return nil
}

func (e *fakeEncoder) RequestKeyframe() error {
	e.keyframes.Add(1)
	return nil
}

func (e *fakeEncoder) announce(format media.Format) {
	format.Kind = e.kind
	e.events <- media.FormatChanged{Track: e.kind, Format: format}
}

func (e *fakeEncoder) frame(pts int64, flags media.Flags) {
	e.events <- media.FrameReady{Track: e.kind, Frame: media.Frame{Payload: []byte{0x01, 0x02, 0x03}, PTS: pts, Flags: flags}}
}

type written struct {
	index    int
	pts      int64
	keyframe bool
}

type recordingSink struct {
	mu       sync.Mutex
	formats  []media.Format
	samples  []written
	starts   int
	stops    int
	releases int
	startErr error
	writeErr error
}

func (s *recordingSink) AddTrack(format media.Format) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formats = append(s.formats, format)
	return len(s.formats) - 1, nil
}

func (s *recordingSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func (s *recordingSink) WriteSample(index int, payload []byte, ptsUs int64, keyframe bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.samples = append(s.samples, written{index: index, pts: ptsUs, keyframe: keyframe})
	return nil
}

func (s *recordingSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *recordingSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *recordingSink) counts() (starts, stops, releases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, s.releases
}

// ptsOf returns the written timestamps of the track registered with the
// given kind.
func (s *recordingSink) ptsOf(kind media.Kind) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := -1
	for i, f := range s.formats {
		if f.Kind == kind {
			index = i
		}
	}
	var out []int64
	for _, w := range s.samples {
		if w.index == index {
			out = append(out, w.pts)
		}
	}
	return out
}

type recordingListener struct {
	started  atomic.Int32
	mu       sync.Mutex
	progress []int
	finished chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{finished: make(chan error, 4)}
}

func (l *recordingListener) OnStarted() { l.started.Add(1) }

func (l *recordingListener) OnProgress(percent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, percent)
}

func (l *recordingListener) OnFinish(err error) { l.finished <- err }

func (l *recordingListener) progressValues() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.progress...)
}

// waitFinish returns the first OnFinish error, failing after a timeout.
func (l *recordingListener) waitFinish(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.finished:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinish not delivered")
		return nil
	}
}

type memFrame struct {
	kind  media.Kind
	frame media.Frame
}

type memSource struct {
	info    decode.SourceInfo
	frames  []memFrame
	failAt  int
	pos     int
	closed  atomic.Bool
	readErr error
}

func (s *memSource) Info() decode.SourceInfo { return s.info }

func (s *memSource) ReadFrame(ctx context.Context) (media.Kind, media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return 0, media.Frame{}, err
	}
	if s.failAt > 0 && s.pos == s.failAt {
		return 0, media.Frame{}, s.readErr
	}
	if s.pos >= len(s.frames) {
		return 0, media.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f.kind, f.frame, nil
}

func (s *memSource) Close() error {
	s.closed.Store(true)
	return nil
}

var errReadFailed = errors.New("corrupt cluster")

// memOpener builds a fresh memSource per Open so probing does not consume
// the frames.
type memOpener struct {
	mu     sync.Mutex
	build  map[string]func() *memSource
	opened []*memSource
}

func (o *memOpener) Open(ctx context.Context, path string) (decode.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.build[path]
	if !ok {
		return nil, errors.New("no such source: " + path)
	}
	src := b()
	o.opened = append(o.opened, src)
	return src, nil
}

var (
	testVideoFormat = &media.Format{Kind: media.Video, Codec: media.CodecH264, Width: 1280, Height: 720}
	testAudioFormat = &media.Format{Kind: media.Audio, Codec: media.CodecAAC, SampleRate: 48000, Channels: 2}
)

// clipSource yields video frames every 100ms from 0 to 1s, keyframes every
// keyEvery frames, and audio frames every 20ms when withAudio is set.
func clipSource(keyEvery int, withAudio bool) func() *memSource {
	return func() *memSource {
		src := &memSource{info: decode.SourceInfo{Video: testVideoFormat, Duration: time.Second}}
		if withAudio {
			src.info.Audio = testAudioFormat
		}
		for i := 0; i <= 10; i++ {
			pts := int64(i) * 100_000
			var flags media.Flags
			if i%keyEvery == 0 {
				flags = media.FlagKeyframe
			}
			src.frames = append(src.frames, memFrame{media.Video, media.Frame{Payload: []byte{0x65}, PTS: pts, Flags: flags}})
			if withAudio {
				for a := pts; a < pts+100_000 && a <= 1_000_000; a += 20_000 {
					src.frames = append(src.frames, memFrame{media.Audio, media.Frame{Payload: []byte{0x21}, PTS: a}})
				}
			}
		}
		return src
	}
}
