package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/babelcloud/avrecorder/internal/media/h264"
	"github.com/babelcloud/avrecorder/internal/util"
	"github.com/remko/go-mkvparse"
)

// Matroska element IDs read by the demuxer.
const (
	idSegmentInfo       = mkvparse.ElementID(0x1549A966)
	idTimecodeScale     = mkvparse.ElementID(0x2AD7B1)
	idDuration          = mkvparse.ElementID(0x4489)
	idTracks            = mkvparse.ElementID(0x1654AE6B)
	idTrackEntry        = mkvparse.ElementID(0xAE)
	idTrackNumber       = mkvparse.ElementID(0xD7)
	idTrackType         = mkvparse.ElementID(0x83)
	idCodecID           = mkvparse.ElementID(0x86)
	idCodecPrivate      = mkvparse.ElementID(0x63A2)
	idPixelWidth        = mkvparse.ElementID(0xB0)
	idPixelHeight       = mkvparse.ElementID(0xBA)
	idSamplingFrequency = mkvparse.ElementID(0xB5)
	idChannels          = mkvparse.ElementID(0x9F)
	idCluster           = mkvparse.ElementID(0x1F43B675)
	idClusterTimecode   = mkvparse.ElementID(0xE7)
	idSimpleBlock       = mkvparse.ElementID(0xA3)
	idBlockGroup        = mkvparse.ElementID(0xA0)
	idBlock             = mkvparse.ElementID(0xA1)
	idReferenceBlock    = mkvparse.ElementID(0xFB)
)

const (
	trackTypeVideo = 1
	trackTypeAudio = 2

	defaultTimecodeScale = 1_000_000 // ns
	frameQueueSize       = 32
)

var (
	errSourceClosed   = errors.New("source closed")
	ErrLacedBlock     = errors.New("laced blocks are not supported")
	ErrMalformedBlock = errors.New("malformed block")
)

var matroskaCodecs = map[string]media.Codec{
	"V_MPEG4/ISO/AVC":  media.CodecH264,
	"V_MPEGH/ISO/HEVC": media.CodecH265,
	"V_VP8":            media.CodecVP8,
	"V_VP9":            media.CodecVP9,
	"V_AV1":            media.CodecAV1,
	"A_OPUS":           media.CodecOpus,
	"A_AAC":            media.CodecAAC,
}

type demuxedFrame struct {
	kind  media.Kind
	frame media.Frame
}

type mkvTrackEntry struct {
	number    int64
	trackType int64
	codecID   string
	private   []byte
	width     int64
	height    int64
	rate      float64
	channels  int64
}

// matroskaHandler receives parser callbacks. Header elements build the
// source info; blocks are converted to frames and queued.
type matroskaHandler struct {
	frames chan demuxedFrame
	closed <-chan struct{}

	infoOnce  sync.Once
	infoReady chan struct{}
	info      SourceInfo

	timecodeScale int64
	duration      float64
	entry         *mkvTrackEntry
	kinds         map[int64]media.Kind

	clusterTime int64

	inGroup    bool
	groupBlock []byte
	groupRef   bool
}

func newMatroskaHandler(closed <-chan struct{}) *matroskaHandler {
	return &matroskaHandler{
		frames:        make(chan demuxedFrame, frameQueueSize),
		closed:        closed,
		infoReady:     make(chan struct{}),
		timecodeScale: defaultTimecodeScale,
		kinds:         make(map[int64]media.Kind),
	}
}

func (h *matroskaHandler) publishInfo() {
	h.infoOnce.Do(func() {
		h.info.Duration = time.Duration(h.duration * float64(h.timecodeScale))
		close(h.infoReady)
	})
}

func (h *matroskaHandler) HandleMasterBegin(id mkvparse.ElementID, info mkvparse.ElementInfo) (bool, error) {
	switch id {
	case idTrackEntry:
		h.entry = &mkvTrackEntry{}
	case idCluster:
		h.publishInfo()
	case idBlockGroup:
		h.inGroup = true
		h.groupBlock = nil
		h.groupRef = false
	}
	return true, nil
}

func (h *matroskaHandler) HandleMasterEnd(id mkvparse.ElementID, info mkvparse.ElementInfo) error {
	switch id {
	case idTrackEntry:
		h.addTrack(h.entry)
		h.entry = nil
	case idBlockGroup:
		h.inGroup = false
		if h.groupBlock != nil {
			return h.handleBlock(h.groupBlock, !h.groupRef)
		}
	}
	return nil
}

func (h *matroskaHandler) HandleString(id mkvparse.ElementID, value string, info mkvparse.ElementInfo) error {
	if id == idCodecID && h.entry != nil {
		h.entry.codecID = value
	}
	return nil
}

func (h *matroskaHandler) HandleInteger(id mkvparse.ElementID, value int64, info mkvparse.ElementInfo) error {
	switch id {
	case idTimecodeScale:
		if value > 0 {
			h.timecodeScale = value
		}
	case idClusterTimecode:
		h.clusterTime = value
	case idReferenceBlock:
		h.groupRef = true
	}
	if h.entry == nil {
		return nil
	}
	switch id {
	case idTrackNumber:
		h.entry.number = value
	case idTrackType:
		h.entry.trackType = value
	case idPixelWidth:
		h.entry.width = value
	case idPixelHeight:
		h.entry.height = value
	case idChannels:
		h.entry.channels = value
	}
	return nil
}

func (h *matroskaHandler) HandleFloat(id mkvparse.ElementID, value float64, info mkvparse.ElementInfo) error {
	switch id {
	case idDuration:
		h.duration = value
	case idSamplingFrequency:
		if h.entry != nil {
			h.entry.rate = value
		}
	}
	return nil
}

func (h *matroskaHandler) HandleDate(id mkvparse.ElementID, value time.Time, info mkvparse.ElementInfo) error {
	return nil
}

func (h *matroskaHandler) HandleBinary(id mkvparse.ElementID, value []byte, info mkvparse.ElementInfo) error {
	switch id {
	case idCodecPrivate:
		if h.entry != nil {
			h.entry.private = append([]byte(nil), value...)
		}
	case idSimpleBlock:
		if len(value) < 4 {
			return ErrMalformedBlock
		}
		_, headerLen := readVint(value)
		if headerLen == 0 || len(value) < headerLen+3 {
			return ErrMalformedBlock
		}
		return h.handleBlock(value, value[headerLen+2]&0x80 != 0)
	case idBlock:
		if h.inGroup {
			h.groupBlock = append([]byte(nil), value...)
		}
	}
	return nil
}

// addTrack keeps the first video and the first audio track with a known
// codec. Other tracks are ignored.
func (h *matroskaHandler) addTrack(e *mkvTrackEntry) {
	if e == nil {
		return
	}
	codec, ok := matroskaCodecs[e.codecID]
	if !ok {
		util.GetLogger().Debug("Ignoring Matroska track", "number", e.number, "codec", e.codecID)
		return
	}
	format := &media.Format{Codec: codec, CodecPrivate: e.private}
	switch {
	case e.trackType == trackTypeVideo && h.info.Video == nil:
		format.Kind = media.Video
		format.Width = int(e.width)
		format.Height = int(e.height)
		if codec == media.CodecH264 {
			format.SPS, format.PPS, _ = h264.ParseDecoderConfig(e.private)
		}
		h.info.Video = format
	case e.trackType == trackTypeAudio && h.info.Audio == nil:
		format.Kind = media.Audio
		format.SampleRate = int(e.rate)
		format.Channels = int(e.channels)
		if format.Channels == 0 {
			format.Channels = 1
		}
		h.info.Audio = format
	default:
		return
	}
	h.kinds[e.number] = format.Kind
}

func (h *matroskaHandler) handleBlock(block []byte, keyframe bool) error {
	number, n := readVint(block)
	if n == 0 || len(block) < n+3 {
		return ErrMalformedBlock
	}
	kind, ok := h.kinds[int64(number)]
	if !ok {
		return nil
	}
	rel := int16(uint16(block[n])<<8 | uint16(block[n+1]))
	flags := block[n+2]
	if flags&0x06 != 0 {
		return ErrLacedBlock
	}

	ts := (h.clusterTime + int64(rel)) * h.timecodeScale / 1000
	f := media.Frame{
		Payload: append([]byte(nil), block[n+3:]...),
		PTS:     ts,
	}
	if keyframe || kind == media.Audio {
		f.Flags |= media.FlagKeyframe
	}

	select {
	case h.frames <- demuxedFrame{kind: kind, frame: f}:
		return nil
	case <-h.closed:
		return errSourceClosed
	}
}

// readVint decodes an EBML variable size integer with its length marker
// removed. It returns a zero length on malformed input.
func readVint(b []byte) (uint64, int) {
	if len(b) == 0 || b[0] == 0 {
		return 0, 0
	}
	length := 1
	for mask := byte(0x80); b[0]&mask == 0; mask >>= 1 {
		length++
	}
	if len(b) < length {
		return 0, 0
	}
	v := uint64(b[0] & (0xFF >> length))
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, length
}

// MatroskaSource demuxes a Matroska or WebM file.
type MatroskaSource struct {
	file    io.Closer
	handler *matroskaHandler
	closed  chan struct{}
	once    sync.Once

	errMu sync.Mutex
	err   error
}

// OpenMatroska opens path and waits until its track headers are parsed.
func OpenMatroska(ctx context.Context, path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return newMatroskaSource(ctx, f)
}

func newMatroskaSource(ctx context.Context, r io.ReadCloser) (*MatroskaSource, error) {
	closed := make(chan struct{})
	s := &MatroskaSource{
		file:    r,
		handler: newMatroskaHandler(closed),
		closed:  closed,
	}
	go s.parse(r)

	select {
	case <-s.handler.infoReady:
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	if err := s.parseErr(); err != nil {
		s.Close()
		return nil, err
	}
	if s.handler.info.Video == nil && s.handler.info.Audio == nil {
		s.Close()
		return nil, ErrNoTracks
	}
	return s, nil
}

func (s *MatroskaSource) parse(r io.Reader) {
	err := mkvparse.Parse(r, s.handler)
	if err != nil && !errors.Is(err, errSourceClosed) {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
	}
	s.handler.publishInfo()
	close(s.handler.frames)
}

func (s *MatroskaSource) parseErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Info is valid once OpenMatroska returned.
func (s *MatroskaSource) Info() SourceInfo {
	return s.handler.info
}

func (s *MatroskaSource) ReadFrame(ctx context.Context) (media.Kind, media.Frame, error) {
	select {
	case f, ok := <-s.handler.frames:
		if !ok {
			if err := s.parseErr(); err != nil {
				return 0, media.Frame{}, err
			}
			return 0, media.Frame{}, io.EOF
		}
		return f.kind, f.frame, nil
	case <-ctx.Done():
		return 0, media.Frame{}, ctx.Err()
	}
}

func (s *MatroskaSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.file.Close()
	})
	return err
}
