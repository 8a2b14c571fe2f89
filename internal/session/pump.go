package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/babelcloud/avrecorder/internal/avsync"
	"github.com/babelcloud/avrecorder/internal/media"
)

var errEndedWithoutFormat = errors.New("track ended before announcing its format")

// pump consumes the events of one track until the encoder closes its
// channel, reaches end of stream or the session is torn down.
func (s *Session) pump(ctx context.Context, kind media.Kind, events <-chan media.Event) error {
	logger := s.logger.With("track", kind)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				logger.Debug("Encoder channel closed")
				return s.checkAnnounced(kind)
			}
			if ev.TrackKind() != kind {
				return newError(EncoderError, kind.String(),
					fmt.Errorf("event for %s track on %s channel", ev.TrackKind(), kind))
			}
			done, err := s.handleEvent(ctx, kind, ev)
			if err != nil {
				return err
			}
			if done {
				logger.Info("Track reached end of stream")
				return s.checkAnnounced(kind)
			}
		}
	}
}

// checkAnnounced fails a track that ends before its format was
// registered, since the barrier would otherwise wait for it.
func (s *Session) checkAnnounced(kind media.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.tracks[kind].Registered() {
		return nil
	}
	return newError(EncoderError, kind.String(), errEndedWithoutFormat)
}

func (s *Session) handleEvent(ctx context.Context, kind media.Kind, ev media.Event) (bool, error) {
	switch ev := ev.(type) {
	case media.FormatChanged:
		return false, s.registerFormat(ctx, kind, ev.Format)
	case media.FrameReady:
		return s.handleFrame(kind, ev.Frame)
	case media.Failed:
		return true, newError(EncoderError, kind.String(), ev.Err)
	}
	return false, nil
}

// registerFormat adds the track to the container and waits at the barrier
// for the other enabled track.
func (s *Session) registerFormat(ctx context.Context, kind media.Kind, format media.Format) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.tracks[kind].Registered() {
		s.mu.Unlock()
		return newError(ContainerError, kind.String(), avsync.ErrAlreadyRegistered)
	}
	format.Kind = kind
	index, err := s.cfg.Sink.AddTrack(format)
	if err != nil {
		s.mu.Unlock()
		return newError(ContainerError, kind.String(), fmt.Errorf("add track: %w", err))
	}
	s.tracks[kind].MuxerIndex = index
	s.mu.Unlock()

	s.logger.Info("Track format registered", "track", kind, "index", index, "format", format.String())

	err = s.barrier.Register(ctx, kind, index)
	switch {
	case err == nil:
		s.notifyStarted(ctx)
		return nil
	case errors.Is(err, avsync.ErrBarrierAborted), errors.Is(err, context.Canceled):
		return nil
	default:
		return newError(ContainerError, kind.String(), err)
	}
}

// handleFrame forwards one frame and reports whether the track is done.
// An end-of-stream frame may still carry a last payload.
func (s *Session) handleFrame(kind media.Kind, f media.Frame) (bool, error) {
	eos := f.IsEndOfStream()
	if eos && len(f.Payload) == 0 {
		return true, nil
	}
	if err := s.writeFrame(kind, f); err != nil {
		return true, err
	}
	return eos, nil
}

func (s *Session) writeFrame(kind media.Kind, f media.Frame) error {
	s.mu.Lock()
	if s.stopped || !s.sinkStarted {
		s.mu.Unlock()
		return nil
	}
	sample, verdict := s.state.Apply(kind, f)
	if verdict != avsync.Forward {
		s.mu.Unlock()
		s.logDrop(kind, f, verdict)
		return nil
	}
	err := s.cfg.Sink.WriteSample(s.tracks[kind].MuxerIndex, sample.Payload, sample.PTS, sample.Keyframe)
	s.mu.Unlock()

	if err != nil {
		return newError(ContainerError, kind.String(), fmt.Errorf("write sample: %w", err))
	}
	if sample.Anchored {
		s.logger.Info("Timeline anchored", "track", kind, "native_pts", f.PTS, "pts", sample.PTS)
	}
	if s.onSample != nil {
		s.onSample(kind, sample.PTS)
	}
	return nil
}

func (s *Session) logDrop(kind media.Kind, f media.Frame, verdict avsync.Verdict) {
	if int(verdict) < len(s.dropLogged) && s.dropLogged[verdict].CompareAndSwap(false, true) {
		s.logger.Warn("Dropping frames", "track", kind, "reason", verdict, "pts", f.PTS)
		return
	}
	s.logger.Debug("Frame dropped", "track", kind, "reason", verdict, "pts", f.PTS, "size", len(f.Payload))
}
