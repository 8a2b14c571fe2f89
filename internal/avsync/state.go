package avsync

import (
	"sync"
	"time"

	"github.com/babelcloud/avrecorder/internal/media"
)

// Size thresholds below which a zero-pts frame is taken for codec config.
const (
	VideoConfigSizeThreshold = 100
	AudioConfigSizeThreshold = 10
)

// Verdict tells the caller what to do with a frame.
type Verdict int

const (
	Forward Verdict = iota
	DropPaused
	DropConfig
	DropAwaitingKeyframe
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case DropPaused:
		return "paused"
	case DropConfig:
		return "config"
	case DropAwaitingKeyframe:
		return "awaiting_keyframe"
	}
	return "unknown"
}

// Options configures a State.
type Options struct {
	VideoEnabled       bool
	VideoFrameDuration time.Duration
	AudioFrameDuration time.Duration
	// ConfigSizeHeuristic treats small zero-pts frames as codec config when
	// the encoder does not flag them.
	ConfigSizeHeuristic bool
}

// Sample is a frame rebased onto the session timeline.
type Sample struct {
	Kind     media.Kind
	Payload  []byte
	PTS      int64
	Keyframe bool
	Anchored bool
}

// Snapshot is a copy of the synchronization state.
type Snapshot struct {
	Epoch          int64
	VideoPtsGap    int64
	AudioPtsGap    int64
	NeedAdjust     bool
	LatestVideoPts int64
	LatestAudioPts int64
	KeyframeFound  bool
	Paused         bool
	Anchors        int
	Forwarded      [2]int
	Dropped        map[Verdict]int
}

// State is the synchronization state shared by the track pumps. All
// mutation happens under one mutex so the multi-field anchor update is
// atomic with respect to both tracks.
type State struct {
	mu        sync.Mutex
	opts      Options
	rebaser   *Rebaser
	gate      *Gate
	paused    bool
	epoch     int64
	forwarded [2]int
	dropped   map[Verdict]int
}

// NewState returns a paused state; the container start clears the pause.
func NewState(opts Options) *State {
	return &State{
		opts:    opts,
		rebaser: NewRebaser(opts.VideoFrameDuration, opts.AudioFrameDuration),
		gate:    NewGate(opts.VideoEnabled),
		paused:  true,
		dropped: make(map[Verdict]int),
	}
}

// Apply decides the fate of one frame and, when it is forwarded, returns
// it rebased. Callers write forwarded samples in the order Apply returned
// them.
func (s *State) Apply(kind media.Kind, f media.Frame) (Sample, Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return s.drop(DropPaused)
	}
	if s.isConfig(kind, f) {
		return s.drop(DropConfig)
	}
	if !s.gate.Admit(kind, f.IsKeyframe()) {
		return s.drop(DropAwaitingKeyframe)
	}

	pts, anchored := s.rebaser.Rebase(kind, f.PTS)
	if anchored {
		s.epoch = s.rebaser.Gap(media.Video)
	}
	s.forwarded[kind]++
	return Sample{
		Kind:     kind,
		Payload:  f.Payload,
		PTS:      pts,
		Keyframe: f.IsKeyframe(),
		Anchored: anchored,
	}, Forward
}

func (s *State) isConfig(kind media.Kind, f media.Frame) bool {
	if f.IsConfigOnly() {
		return true
	}
	if !s.opts.ConfigSizeHeuristic || f.PTS != 0 {
		return false
	}
	if kind == media.Video {
		return len(f.Payload) < VideoConfigSizeThreshold
	}
	return len(f.Payload) < AudioConfigSizeThreshold
}

func (s *State) drop(v Verdict) (Sample, Verdict) {
	s.dropped[v]++
	return Sample{}, v
}

// Pause stops forwarding and arms a full re-synchronization: the keyframe
// gate closes and the next frame re-anchors both tracks.
func (s *State) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.gate.Reset()
	s.rebaser.Invalidate()
}

// Resume reopens forwarding.
func (s *State) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Reset restores the initial values.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.epoch = 0
	s.gate.Reset()
	s.rebaser.Reset()
	s.forwarded = [2]int{}
	s.dropped = make(map[Verdict]int)
}

// Latest returns the last timestamp written for a track.
func (s *State) Latest(kind media.Kind) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebaser.Latest(kind)
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := make(map[Verdict]int, len(s.dropped))
	for k, v := range s.dropped {
		dropped[k] = v
	}
	return Snapshot{
		Epoch:          s.epoch,
		VideoPtsGap:    s.rebaser.Gap(media.Video),
		AudioPtsGap:    s.rebaser.Gap(media.Audio),
		NeedAdjust:     s.rebaser.NeedsAnchor(),
		LatestVideoPts: s.rebaser.Latest(media.Video),
		LatestAudioPts: s.rebaser.Latest(media.Audio),
		KeyframeFound:  s.gate.KeyframeFound(),
		Paused:         s.paused,
		Anchors:        s.rebaser.Anchors(),
		Forwarded:      s.forwarded,
		Dropped:        dropped,
	}
}
