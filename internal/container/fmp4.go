package container

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/babelcloud/avrecorder/internal/media/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

const videoTimeScale = 90000

// scaleTimestampToTimescale converts a timestamp expressed in microseconds
// into the given MP4 track timescale units.
func scaleTimestampToTimescale(timestampUs int64, timeScale uint32) int64 {
	if timestampUs <= 0 {
		return 0
	}
	return (timestampUs * int64(timeScale)) / 1_000_000
}

// stripADTSHeader removes the ADTS header if present and returns the raw AAC payload.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	// ADTS syncword 12 bits: 0xFFF
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		headerLen := 7
		if (data[1] & 0x01) == 0 { // CRC present
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}

type fmp4Track struct {
	id              int
	format          media.Format
	codec           mp4.Codec
	timeScale       uint32
	defaultDuration uint32
	pending         *fmp4.Sample
	pendingDTS      int64
	written         int
}

// FMP4Sink writes fragmented MP4: one init segment at Start, then one
// fragment per sample. Each track holds back its latest sample so its
// duration can be taken from the next timestamp.
type FMP4Sink struct {
	out            io.WriteCloser
	logger         *slog.Logger
	table          *trackTable
	tracks         []*fmp4Track
	sequenceNumber uint32
	started        bool
	stopped        bool
	released       bool
}

func NewFMP4Sink(out io.WriteCloser, logger *slog.Logger) *FMP4Sink {
	return &FMP4Sink{
		out:            out,
		logger:         logger.With("component", "fmp4_sink"),
		table:          newTrackTable(),
		sequenceNumber: 1,
	}
}

func (s *FMP4Sink) AddTrack(format media.Format) (int, error) {
	if s.started {
		return -1, ErrAlreadyStarted
	}
	codec, timeScale, defaultDuration, err := mp4Codec(format)
	if err != nil {
		return -1, err
	}
	idx, err := s.table.add(format)
	if err != nil {
		return -1, err
	}
	s.tracks = append(s.tracks, &fmp4Track{
		id:              idx + 1,
		format:          format,
		codec:           codec,
		timeScale:       timeScale,
		defaultDuration: defaultDuration,
	})
	s.logger.Debug("track added", "index", idx, "format", format.String())
	return idx, nil
}

func mp4Codec(f media.Format) (mp4.Codec, uint32, uint32, error) {
	switch f.Codec {
	case media.CodecH264:
		sps, pps := f.SPS, f.PPS
		if len(sps) == 0 || len(pps) == 0 {
			sps, pps = h264.ExtractParameterSets(f.CodecPrivate)
		}
		if len(sps) == 0 || len(pps) == 0 {
			return nil, 0, 0, fmt.Errorf("h264 track without SPS/PPS")
		}
		return &mp4.CodecH264{SPS: sps, PPS: pps}, videoTimeScale, videoTimeScale / 30, nil

	case media.CodecAAC:
		var conf mpeg4audio.AudioSpecificConfig
		if len(f.CodecPrivate) > 0 {
			if err := conf.Unmarshal(f.CodecPrivate); err != nil {
				return nil, 0, 0, fmt.Errorf("invalid AAC config: %w", err)
			}
		} else {
			conf = mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   f.SampleRate,
				ChannelCount: f.Channels,
			}
		}
		if conf.SampleRate <= 0 {
			return nil, 0, 0, fmt.Errorf("AAC track without sample rate")
		}
		return &mp4.CodecMPEG4Audio{Config: conf}, uint32(conf.SampleRate), 1024, nil

	case media.CodecOpus:
		channels := f.Channels
		if channels == 0 {
			channels = 2
		}
		// 20ms at 48kHz
		return &mp4.CodecOpus{ChannelCount: channels}, 48000, 960, nil
	}
	return nil, 0, 0, fmt.Errorf("%w: %s in mp4", ErrUnsupportedCodec, f.Codec)
}

func (s *FMP4Sink) Start() error {
	if s.released {
		return ErrReleased
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if len(s.tracks) == 0 {
		return fmt.Errorf("no tracks added")
	}

	init := &fmp4.Init{}
	for _, t := range s.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}

	s.started = true
	s.logger.Info("fMP4 init segment written", "tracks", len(s.tracks), "size", len(buf.Bytes()))
	return nil
}

func (s *FMP4Sink) WriteSample(index int, payload []byte, ptsUs int64, keyframe bool) error {
	if !s.started || s.stopped {
		return ErrNotStarted
	}
	if index < 0 || index >= len(s.tracks) {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, index)
	}
	t := s.tracks[index]

	if len(payload) == 0 {
		return nil
	}

	sample := &fmp4.Sample{}
	switch t.format.Codec {
	case media.CodecH264:
		avcData, err := h264.ToAVCC(payload)
		if err != nil {
			return fmt.Errorf("failed to convert AnnexB to AVCC: %w", err)
		}
		// For keyframes, prepend SPS/PPS NAL units to improve decoder robustness
		if keyframe {
			if c, ok := t.codec.(*mp4.CodecH264); ok {
				avcData = h264.PrependParameterSetsAVCC(avcData, c.SPS, c.PPS)
			}
		}
		sample.Payload = avcData
		sample.IsNonSyncSample = !keyframe
	case media.CodecAAC:
		sample.Payload = stripADTSHeader(payload)
	default:
		sample.Payload = payload
	}

	dts := scaleTimestampToTimescale(ptsUs, t.timeScale)
	if t.pending != nil {
		if err := s.flushPending(t, dts); err != nil {
			return err
		}
	}
	t.pending = sample
	t.pendingDTS = dts
	return nil
}

// flushPending writes the held-back sample of a track. nextDTS < 0 means
// the duration is unknown and the track default is used.
func (s *FMP4Sink) flushPending(t *fmp4Track, nextDTS int64) error {
	sample := t.pending
	t.pending = nil

	sample.Duration = t.defaultDuration
	if nextDTS >= 0 {
		if d := nextDTS - t.pendingDTS; d > 0 {
			sample.Duration = uint32(d)
		} else {
			sample.Duration = 1
		}
	}

	part := &fmp4.Part{
		SequenceNumber: s.sequenceNumber,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       t.id,
				BaseTime: uint64(t.pendingDTS),
				Samples:  []*fmp4.Sample{sample},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal %s fragment: %w", t.format.Kind, err)
	}
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s fragment: %w", t.format.Kind, err)
	}
	s.sequenceNumber++
	t.written++
	return nil
}

func (s *FMP4Sink) Stop() error {
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	for _, t := range s.tracks {
		if t.pending == nil {
			continue
		}
		if err := s.flushPending(t, -1); err != nil {
			return err
		}
	}
	for _, t := range s.tracks {
		s.logger.Info("fMP4 track finalized", "kind", t.format.Kind, "samples", t.written)
	}
	return nil
}

func (s *FMP4Sink) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	return s.out.Close()
}
