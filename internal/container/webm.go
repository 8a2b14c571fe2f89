package container

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/babelcloud/avrecorder/internal/media/h264"
)

const (
	trackTypeVideo = 1
	trackTypeAudio = 2

	flushTimeout = 2 * time.Second
)

// writerCloser shields the sink output from ebml-go, which closes its
// writer from its own goroutine once every block writer is closed. The
// output is closed by Release instead; done tells Stop the last block
// has been flushed.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger
	closed bool
	once   sync.Once
	done   chan struct{}
}

func (wc *writerCloser) Write(p []byte) (n int, err error) {
	if wc.closed {
		return 0, io.ErrClosedPipe
	}

	n, err = wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as closed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"data_size", len(p),
			"bytes_written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.closed = true
	wc.once.Do(func() { close(wc.done) })
	return nil
}

// WebMSink writes a Matroska/WebM stream with one SimpleBlock per sample.
type WebMSink struct {
	out      io.WriteCloser
	logger   *slog.Logger
	table    *trackTable
	entries  []webm.TrackEntry
	writers  []webm.BlockWriteCloser
	wc       *writerCloser
	started  bool
	stopped  bool
	released bool

	fatalMu sync.Mutex
	fatal   error
}

func NewWebMSink(out io.WriteCloser, logger *slog.Logger) *WebMSink {
	return &WebMSink{
		out:    out,
		logger: logger.With("component", "webm_sink"),
		table:  newTrackTable(),
	}
}

func (s *WebMSink) AddTrack(format media.Format) (int, error) {
	if s.started {
		return -1, ErrAlreadyStarted
	}
	entry, err := trackEntry(format)
	if err != nil {
		return -1, err
	}
	idx, err := s.table.add(format)
	if err != nil {
		return -1, err
	}
	entry.TrackNumber = uint64(idx + 1)
	entry.TrackUID = uint64(idx + 1)
	s.entries = append(s.entries, entry)
	s.logger.Debug("track added", "index", idx, "codec", entry.CodecID)
	return idx, nil
}

func trackEntry(f media.Format) (webm.TrackEntry, error) {
	e := webm.TrackEntry{Name: f.Kind.String(), CodecPrivate: f.CodecPrivate}
	switch f.Kind {
	case media.Video:
		e.TrackType = trackTypeVideo
		e.DefaultDuration = 33333333 // ~30fps in nanoseconds
		e.Video = &webm.Video{
			PixelWidth:  uint64(f.Width),
			PixelHeight: uint64(f.Height),
		}
	case media.Audio:
		e.TrackType = trackTypeAudio
		rate := f.SampleRate
		if rate == 0 {
			rate = 48000
		}
		channels := f.Channels
		if channels == 0 {
			channels = 2
		}
		e.Audio = &webm.Audio{
			SamplingFrequency: float64(rate),
			Channels:          uint64(channels),
		}
	}

	switch f.Codec {
	case media.CodecH264:
		e.CodecID = "V_MPEG4/ISO/AVC"
		if len(e.CodecPrivate) == 0 || e.CodecPrivate[0] != 0x01 {
			sps, pps := f.SPS, f.PPS
			if len(sps) == 0 || len(pps) == 0 {
				sps, pps = h264.ExtractParameterSets(f.CodecPrivate)
			}
			record, err := h264.BuildDecoderConfig(sps, pps)
			if err != nil {
				return e, fmt.Errorf("h264 track: %w", err)
			}
			e.CodecPrivate = record
		}
	case media.CodecH265:
		e.CodecID = "V_MPEGH/ISO/HEVC"
	case media.CodecVP8:
		e.CodecID = "V_VP8"
	case media.CodecVP9:
		e.CodecID = "V_VP9"
	case media.CodecAV1:
		e.CodecID = "V_AV1"
	case media.CodecOpus:
		e.CodecID = "A_OPUS"
		e.DefaultDuration = 20000000 // 20ms in nanoseconds
	case media.CodecAAC:
		e.CodecID = "A_AAC"
	default:
		return e, fmt.Errorf("%w: %s in webm", ErrUnsupportedCodec, f.Codec)
	}
	return e, nil
}

func (s *WebMSink) Start() error {
	if s.released {
		return ErrReleased
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if len(s.entries) == 0 {
		return fmt.Errorf("no tracks added")
	}

	wc := &writerCloser{writer: s.out, logger: s.logger, done: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(wc, s.entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			s.logger.Warn("WebM writer failed", "error", err)
			s.fatalMu.Lock()
			s.fatal = err
			s.fatalMu.Unlock()
		}))
	if err != nil {
		return fmt.Errorf("failed to create WebM writer: %w", err)
	}

	s.writers = writers
	s.wc = wc
	s.started = true
	s.logger.Info("WebM container initialized", "tracks", len(writers))
	return nil
}

func (s *WebMSink) fatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

func (s *WebMSink) WriteSample(index int, payload []byte, ptsUs int64, keyframe bool) error {
	if !s.started || s.stopped {
		return ErrNotStarted
	}
	if err := s.fatalErr(); err != nil {
		return err
	}
	format, err := s.table.format(index)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	if format.Codec == media.CodecH264 {
		if payload, err = h264.ToAVCC(payload); err != nil {
			return fmt.Errorf("failed to convert AnnexB to AVCC: %w", err)
		}
	}
	if format.Kind == media.Audio {
		keyframe = true
	}

	// TimecodeScale is 1ms
	if _, err := s.writers[index].Write(keyframe, ptsUs/1000, payload); err != nil {
		return fmt.Errorf("failed to write %s block: %w", format.Kind, err)
	}
	return nil
}

func (s *WebMSink) Stop() error {
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true
	var firstErr error
	for i, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close track %d: %w", i, err)
		}
	}
	select {
	case <-s.wc.done:
	case <-time.After(flushTimeout):
		s.logger.Warn("WebM writer did not flush in time")
	}
	if err := s.fatalErr(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("WebM container finalized")
	return firstErr
}

func (s *WebMSink) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	return s.out.Close()
}
