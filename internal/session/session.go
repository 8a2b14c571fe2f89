// Package session drives recording and concatenation sessions: it starts
// the track encoders, holds the container until every enabled track has
// announced its format, and forwards rebased frames to the container
// through a single synchronized state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/avrecorder/internal/avsync"
	"github.com/babelcloud/avrecorder/internal/container"
	"github.com/babelcloud/avrecorder/internal/encoder"
	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/babelcloud/avrecorder/internal/util"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Default frame durations used to space the anchor of a new epoch from
// the previous one.
const (
	DefaultVideoFrameDuration = 33333 * time.Microsecond
	DefaultAudioFrameDuration = 21333 * time.Microsecond
	DefaultBarrierTimeout     = 10 * time.Second
)

// Phase is the externally visible session state.
type Phase int

const (
	Idle Phase = iota
	Started
	Paused
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TrackConfig configures one track.
type TrackConfig struct {
	Enabled bool
	Encoder encoder.Encoder
	// FrameDuration is the frame duration hint; zero uses the default.
	FrameDuration time.Duration
}

// Config configures a session.
type Config struct {
	ID    string
	Video TrackConfig
	Audio TrackConfig
	Sink  container.Sink
	// BarrierTimeout bounds the wait for every track format. Zero disables
	// the watchdog.
	BarrierTimeout      time.Duration
	ConfigSizeHeuristic bool
	Listener            Listener
	Clock               clock.WithDelayedExecution
	Logger              *slog.Logger
}

func (c *Config) track(kind media.Kind) *TrackConfig {
	if kind == media.Video {
		return &c.Video
	}
	return &c.Audio
}

// Session is a live recording session. Public operations are executed on
// a single control goroutine; encoder events are consumed by one pump per
// track, which write to the container under the session lock.
type Session struct {
	id       string
	cfg      Config
	logger   *slog.Logger
	listener Listener
	notes    *notifier

	tasks chan func()
	done  chan struct{}

	// guarded by mu, which also serializes every sink call
	mu          sync.Mutex
	phase       Phase
	stopped     bool
	sinkStarted bool
	tracks      [2]media.Track
	state       *avsync.State

	// control goroutine only
	barrier  *avsync.Barrier
	cancel   context.CancelFunc
	group    *errgroup.Group
	running  []encoder.Encoder
	finished bool

	startedOnce atomic.Bool
	dropLogged  [4]atomic.Bool

	errMu    sync.Mutex
	finalErr error
	summary  avsync.Snapshot

	// hooks set by concatenation
	onSample     func(kind media.Kind, pts int64)
	beforeFinish func(err error)
	stopHooks    []func()
}

// New validates cfg and returns an idle session. Stop must eventually be
// called unless Start fails.
func New(cfg Config) (*Session, error) {
	if cfg.Sink == nil {
		return nil, newError(ConfigurationError, "", ErrNoSink)
	}
	s := newSession(cfg)
	return s, nil
}

func newSession(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = util.GetLogger()
	}
	if cfg.Listener == nil {
		cfg.Listener = ListenerFuncs{}
	}
	for _, kind := range media.Kinds {
		if tc := cfg.track(kind); tc.FrameDuration <= 0 {
			if kind == media.Video {
				tc.FrameDuration = DefaultVideoFrameDuration
			} else {
				tc.FrameDuration = DefaultAudioFrameDuration
			}
		}
	}

	s := &Session{
		id:       cfg.ID,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session", "session", cfg.ID),
		listener: cfg.Listener,
		notes:    newNotifier(),
		tasks:    make(chan func()),
		done:     make(chan struct{}),
	}
	s.tracks = [2]media.Track{
		media.NewTrack(media.Video, cfg.Video.Enabled, cfg.Video.FrameDuration),
		media.NewTrack(media.Audio, cfg.Audio.Enabled, cfg.Audio.FrameDuration),
	}
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Track returns a copy of a track's description.
func (s *Session) Track(kind media.Kind) media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[kind]
}

// Snapshot returns the synchronization state and counters.
func (s *Session) Snapshot() avsync.Snapshot {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == nil {
		return avsync.Snapshot{Paused: true, NeedAdjust: true}
	}
	return state.Snapshot()
}

// Done is closed after OnFinish has returned.
func (s *Session) Done() <-chan struct{} {
	return s.notes.done
}

// Wait blocks until the session has finished and returns the error that
// was delivered to OnFinish.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.notes.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary returns the counters captured at teardown, before the state
// was reset. It is zero until the session has finished.
func (s *Session) Summary() avsync.Snapshot {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.summary
}

// Err returns the terminal error, nil while running or after a clean stop.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// Start starts the encoders. The container starts once every enabled
// track has announced its format.
func (s *Session) Start() error {
	return s.call(s.start)
}

// Pause stops forwarding frames until Resume. The next forwarded frame
// re-anchors the timeline.
func (s *Session) Pause() error {
	return s.call(s.pause)
}

// Resume requests a keyframe and reopens forwarding. It is a no-op unless
// the session is paused.
func (s *Session) Resume() error {
	return s.call(s.resume)
}

// Stop tears the session down. It is idempotent and safe to call from any
// goroutine, including a listener callback.
func (s *Session) Stop() error {
	err := s.call(func() error {
		s.finish(nil)
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) run() {
	defer close(s.done)
	for task := range s.tasks {
		task()
		if s.finished {
			return
		}
	}
}

// call runs fn on the control goroutine and waits for its result.
func (s *Session) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.tasks <- func() { errc <- fn() }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

// post queues fn on the control goroutine without waiting. It reports
// false if the session is gone or ctx ended first.
func (s *Session) post(ctx context.Context, fn func()) bool {
	select {
	case s.tasks <- fn:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) start() error {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase != Idle {
		return fmt.Errorf("%w: start while %s", ErrInvalidPhase, phase)
	}

	var kinds []media.Kind
	for _, kind := range media.Kinds {
		tc := s.cfg.track(kind)
		if !tc.Enabled {
			continue
		}
		if tc.Encoder == nil {
			return newError(ConfigurationError, kind.String(), ErrNoEncoder)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return newError(ConfigurationError, "", ErrNoTracks)
	}

	state := avsync.NewState(avsync.Options{
		VideoEnabled:        s.cfg.Video.Enabled,
		VideoFrameDuration:  s.cfg.Video.FrameDuration,
		AudioFrameDuration:  s.cfg.Audio.FrameDuration,
		ConfigSizeHeuristic: s.cfg.ConfigSizeHeuristic,
	})
	s.mu.Lock()
	s.state = state
	s.phase = Started
	for _, kind := range media.Kinds {
		tc := s.cfg.track(kind)
		s.tracks[kind] = media.NewTrack(kind, tc.Enabled, tc.FrameDuration)
	}
	s.mu.Unlock()

	s.barrier = avsync.NewBarrier(kinds, s.cfg.BarrierTimeout, s.startContainer, s.cfg.Clock)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	s.logger.Info("Session starting", "tracks", kinds, "barrier_timeout", s.cfg.BarrierTimeout)
	for _, kind := range kinds {
		enc := s.cfg.track(kind).Encoder
		events, err := enc.Start(gctx)
		if err != nil {
			errKind := EncoderError
			if errors.Is(err, encoder.ErrInputUnavailable) {
				errKind = DeviceError
			}
			serr := newError(errKind, kind.String(), err)
			s.finish(serr)
			return serr
		}
		s.running = append(s.running, enc)
		g.Go(func() error {
			return s.pump(gctx, kind, events)
		})
	}

	go func() {
		err := g.Wait()
		s.post(context.Background(), func() {
			if !s.finished {
				s.finish(err)
			}
		})
	}()
	return nil
}

// startContainer runs under the barrier lock once every enabled track
// registered its format.
func (s *Session) startContainer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	if err := s.cfg.Sink.Start(); err != nil {
		return err
	}
	s.sinkStarted = true
	if s.phase != Paused {
		s.state.Resume()
	}
	s.logger.Info("Container started")
	return nil
}

func (s *Session) pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case Paused:
		return nil
	case Started:
	default:
		return fmt.Errorf("%w: pause while %s", ErrInvalidPhase, s.phase)
	}
	s.phase = Paused
	s.state.Pause()
	s.logger.Info("Session paused")
	return nil
}

func (s *Session) resume() error {
	s.mu.Lock()
	if s.phase != Paused {
		s.mu.Unlock()
		return nil
	}
	s.phase = Started
	if s.sinkStarted {
		s.state.Resume()
	}
	s.mu.Unlock()

	s.requestKeyframe()
	s.logger.Info("Session resumed")
	return nil
}

func (s *Session) requestKeyframe() {
	if !s.cfg.Video.Enabled {
		return
	}
	kr, ok := s.cfg.Video.Encoder.(encoder.KeyframeRequester)
	if !ok {
		s.logger.Debug("Video encoder cannot be asked for a keyframe")
		return
	}
	if err := kr.RequestKeyframe(); err != nil {
		s.logger.Warn("Keyframe request failed", "error", err)
	}
}

// finish tears down and delivers the terminal notification. Control
// goroutine only.
func (s *Session) finish(cause error) {
	if s.finished {
		return
	}
	s.finished = true

	if err := s.teardown(); err != nil {
		s.logger.Error("Teardown failed", "error", err)
		if cause == nil {
			cause = newError(ContainerError, "", err)
		}
	}

	s.mu.Lock()
	s.phase = Stopped
	s.mu.Unlock()

	s.errMu.Lock()
	s.finalErr = cause
	s.errMu.Unlock()

	if cause != nil {
		s.logger.Error("Session failed", "error", cause)
	} else {
		s.logger.Info("Session finished")
	}
	if s.beforeFinish != nil {
		s.beforeFinish(cause)
	}
	s.notes.push(func() { s.listener.OnFinish(cause) })
	s.notes.close()
}

func (s *Session) teardown() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.barrier != nil {
		s.barrier.Abort()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for _, enc := range s.running {
		if err := enc.Stop(); err != nil {
			s.logger.Warn("Encoder stop failed", "track", enc.Kind(), "error", err)
		}
	}
	if s.group != nil {
		_ = s.group.Wait()
	}

	var err error
	s.mu.Lock()
	if s.sinkStarted {
		if serr := s.cfg.Sink.Stop(); serr != nil {
			err = fmt.Errorf("stop container: %w", serr)
		}
		s.sinkStarted = false
	}
	if rerr := s.cfg.Sink.Release(); rerr != nil && err == nil {
		err = fmt.Errorf("release container: %w", rerr)
	}
	state := s.state
	s.mu.Unlock()

	if state != nil {
		snap := state.Snapshot()
		s.logSummary(snap)
		s.errMu.Lock()
		s.summary = snap
		s.errMu.Unlock()
		state.Reset()
	}
	for _, hook := range s.stopHooks {
		hook()
	}
	return err
}

func (s *Session) logSummary(snap avsync.Snapshot) {
	s.logger.Info("Session summary",
		"video_frames", snap.Forwarded[media.Video],
		"audio_frames", snap.Forwarded[media.Audio],
		"anchors", snap.Anchors,
		"dropped_paused", snap.Dropped[avsync.DropPaused],
		"dropped_config", snap.Dropped[avsync.DropConfig],
		"dropped_awaiting_keyframe", snap.Dropped[avsync.DropAwaitingKeyframe])
}

func (s *Session) notifyStarted(ctx context.Context) {
	if !s.startedOnce.CompareAndSwap(false, true) {
		return
	}
	s.post(ctx, func() {
		if s.finished {
			return
		}
		s.logger.Info("Session started")
		s.notes.push(s.listener.OnStarted)
	})
}

func (s *Session) notifyProgress(percent int) {
	s.notes.push(func() { s.listener.OnProgress(percent) })
}
