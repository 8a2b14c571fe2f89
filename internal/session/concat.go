package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/avrecorder/internal/container"
	"github.com/babelcloud/avrecorder/internal/decode"
	"github.com/babelcloud/avrecorder/internal/encoder"
	"github.com/babelcloud/avrecorder/internal/media"
	"k8s.io/utils/clock"
)

// ConcatCursor tracks the active source. LastEpoch is the relay timestamp
// the next source starts from; it never decreases.
type ConcatCursor struct {
	Index     int
	LastEpoch int64
}

// ConcatConfig configures a concatenation session.
type ConcatConfig struct {
	ID      string
	Sources []decode.SourceRef
	// Opener opens sources; nil opens Matroska/WebM files.
	Opener             decode.Opener
	Sink               container.Sink
	BarrierTimeout     time.Duration
	VideoFrameDuration time.Duration
	AudioFrameDuration time.Duration
	Listener           Listener
	Clock              clock.WithDelayedExecution
	Logger             *slog.Logger
}

// ConcatSession writes several sources one after another onto a single
// output timeline. Frames of each source are shifted to start at the
// cursor's epoch and fed through relay encoders into a regular session, so
// the rebaser is never reset between sources.
type ConcatSession struct {
	*Session

	sources []decode.SourceRef
	opener  decode.Opener
	relays  [2]*encoder.Relay

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cursor   ConcatCursor
	current  decode.Source
	first    decode.SourceInfo
	total    time.Duration
	progress int
	progKind media.Kind
}

// NewConcat returns an idle concatenation session.
func NewConcat(cfg ConcatConfig) (*ConcatSession, error) {
	if cfg.Sink == nil {
		return nil, newError(ConfigurationError, "", ErrNoSink)
	}
	opener := cfg.Opener
	if opener == nil {
		opener = decode.OpenerFunc(decode.OpenMatroska)
	}
	c := &ConcatSession{
		sources: append([]decode.SourceRef(nil), cfg.Sources...),
		opener:  opener,
	}
	c.Session = newSession(Config{
		ID:             cfg.ID,
		Video:          TrackConfig{FrameDuration: cfg.VideoFrameDuration},
		Audio:          TrackConfig{FrameDuration: cfg.AudioFrameDuration},
		Sink:           cfg.Sink,
		BarrierTimeout: cfg.BarrierTimeout,
		// demuxed frames never carry codec config
		ConfigSizeHeuristic: false,
		Listener:            cfg.Listener,
		Clock:               cfg.Clock,
		Logger:              cfg.Logger,
	})
	c.Session.logger = c.Session.logger.With("mode", "concat")
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.onSample = c.sampleWritten
	c.beforeFinish = c.completeProgress
	c.stopHooks = append(c.stopHooks, c.stopDecoding)
	return c, nil
}

// SetSources replaces the source list. Only allowed before Start.
func (c *ConcatSession) SetSources(refs []decode.SourceRef) error {
	return c.call(func() error {
		if c.Phase() != Idle {
			return fmt.Errorf("%w: set sources while %s", ErrInvalidPhase, c.Phase())
		}
		c.sources = append([]decode.SourceRef(nil), refs...)
		return nil
	})
}

// Cursor returns the current cursor.
func (c *ConcatSession) Cursor() ConcatCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// TotalDuration is the sum of every source's clip length, known after
// Start.
func (c *ConcatSession) TotalDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Start probes every source, checks they can be joined, then starts the
// session and the decode of the first source.
func (c *ConcatSession) Start() error {
	return c.call(c.start)
}

func (c *ConcatSession) start() error {
	if c.Phase() != Idle {
		return fmt.Errorf("%w: start while %s", ErrInvalidPhase, c.Phase())
	}
	if len(c.sources) < 2 {
		return newError(ConfigurationError, "", fmt.Errorf("%w: got %d", ErrTooFewSources, len(c.sources)))
	}

	first, total, err := c.probe()
	if err != nil {
		return newError(DecodeError, "", err)
	}

	c.mu.Lock()
	c.first = first
	c.total = total
	c.progKind = media.Audio
	if first.Video != nil {
		c.progKind = media.Video
	}
	c.mu.Unlock()

	for _, kind := range media.Kinds {
		if !first.Has(kind) {
			continue
		}
		c.relays[kind] = encoder.NewRelay(kind, 0)
		tc := c.cfg.track(kind)
		tc.Enabled = true
		tc.Encoder = c.relays[kind]
	}
	c.logger.Info("Concatenation prepared", "sources", len(c.sources), "total", total)

	if err := c.Session.start(); err != nil {
		return err
	}

	src, err := c.opener.Open(c.ctx, c.sources[0].Path)
	if err != nil {
		serr := newError(DecodeError, "", fmt.Errorf("open %s: %w", c.sources[0].Path, err))
		c.finish(serr)
		return serr
	}
	c.mu.Lock()
	c.current = src
	c.mu.Unlock()

	c.wg.Add(1)
	go c.decode(src, 0, 0)
	return nil
}

// probe opens every source once to read its info, check consistency with
// the first source and sum the clip lengths.
func (c *ConcatSession) probe() (decode.SourceInfo, time.Duration, error) {
	var first decode.SourceInfo
	var total time.Duration
	for i, ref := range c.sources {
		src, err := c.opener.Open(c.ctx, ref.Path)
		if err != nil {
			return first, 0, fmt.Errorf("open %s: %w", ref.Path, err)
		}
		info := src.Info()
		src.Close()

		if i == 0 {
			first = info
		} else if err := decode.CheckConsistent(first, info); err != nil {
			return first, 0, fmt.Errorf("%s: %w", ref.Path, err)
		}
		total += decode.ClipLength(ref, info)
	}
	return first, total, nil
}

// decode feeds one source into the relays. Only one decode goroutine runs
// at a time; the next one is started by advance on the control goroutine.
func (c *ConcatSession) decode(src decode.Source, index int, epoch int64) {
	defer c.wg.Done()

	ref := c.sources[index]
	last := index == len(c.sources)-1
	logger := c.logger.With("source", index, "path", ref.Path)
	logger.Info("Decoding source", "epoch", epoch)

	if index == 0 {
		info := src.Info()
		for _, kind := range media.Kinds {
			r := c.relays[kind]
			if r == nil {
				continue
			}
			format := info.Video
			if kind == media.Audio {
				format = info.Audio
			}
			if err := r.Publish(c.ctx, media.FormatChanged{Track: kind, Format: *format}); err != nil {
				return
			}
		}
	}

	clipStart := ref.ClipStart.Microseconds()
	clipEnd := int64(-1)
	if ref.ClipDuration > 0 {
		clipEnd = clipStart + ref.ClipDuration.Microseconds()
	}

	var maxPts int64 = epoch
	var ended [2]bool
	videoStarted := false
	for {
		kind, f, err := src.ReadFrame(c.ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(fmt.Errorf("read %s: %w", ref.Path, err))
			}
			return
		}
		r := c.relays[kind]
		if r == nil || ended[kind] || f.PTS < clipStart {
			continue
		}
		if clipEnd >= 0 && f.PTS >= clipEnd {
			ended[kind] = true
			if c.allEnded(ended) {
				break
			}
			continue
		}
		if kind == media.Video && !videoStarted {
			if !f.IsKeyframe() {
				continue
			}
			videoStarted = true
		}

		f.PTS = epoch + f.PTS - clipStart
		if f.PTS > maxPts {
			maxPts = f.PTS
		}
		if err := r.Publish(c.ctx, media.FrameReady{Track: kind, Frame: f}); err != nil {
			return
		}
	}
	logger.Info("Source finished", "last_pts", maxPts)

	if last {
		for _, r := range c.relays {
			if r != nil {
				r.Finish(c.ctx)
			}
		}
		return
	}
	c.post(c.ctx, func() { c.advance(maxPts) })
}

func (c *ConcatSession) allEnded(ended [2]bool) bool {
	for _, kind := range media.Kinds {
		if c.relays[kind] != nil && !ended[kind] {
			return false
		}
	}
	return true
}

// advance switches to the next source. Control goroutine only.
func (c *ConcatSession) advance(lastPts int64) {
	if c.finished {
		return
	}
	c.mu.Lock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
	c.cursor.Index++
	if lastPts > c.cursor.LastEpoch {
		c.cursor.LastEpoch = lastPts
	}
	cursor := c.cursor
	first := c.first
	c.mu.Unlock()

	ref := c.sources[cursor.Index]
	src, err := c.opener.Open(c.ctx, ref.Path)
	if err != nil {
		c.finish(newError(DecodeError, "", fmt.Errorf("open %s: %w", ref.Path, err)))
		return
	}
	if err := decode.CheckConsistent(first, src.Info()); err != nil {
		src.Close()
		c.finish(newError(DecodeError, "", fmt.Errorf("%s: %w", ref.Path, err)))
		return
	}

	c.mu.Lock()
	c.current = src
	c.mu.Unlock()

	c.logger.Info("Advanced to next source", "index", cursor.Index, "epoch", cursor.LastEpoch)
	c.wg.Add(1)
	go c.decode(src, cursor.Index, cursor.LastEpoch)
}

func (c *ConcatSession) fail(err error) {
	c.post(c.ctx, func() {
		if !c.finished {
			c.finish(newError(DecodeError, "", err))
		}
	})
}

func (c *ConcatSession) sampleWritten(kind media.Kind, pts int64) {
	c.mu.Lock()
	if kind != c.progKind || c.total <= 0 {
		c.mu.Unlock()
		return
	}
	percent := int(pts * 100 / c.total.Microseconds())
	if percent > 100 {
		percent = 100
	}
	if percent <= c.progress {
		c.mu.Unlock()
		return
	}
	c.progress = percent
	c.mu.Unlock()
	c.notifyProgress(percent)
}

func (c *ConcatSession) completeProgress(err error) {
	if err != nil {
		return
	}
	c.mu.Lock()
	report := c.progress < 100
	c.progress = 100
	c.mu.Unlock()
	if report {
		c.notifyProgress(100)
	}
}

func (c *ConcatSession) stopDecoding() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
	c.mu.Unlock()
}
