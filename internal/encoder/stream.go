package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/babelcloud/avrecorder/internal/media/h264"
	"github.com/babelcloud/avrecorder/internal/protocol"
	"github.com/babelcloud/avrecorder/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

const (
	defaultBufferSize  = 64 * 1024
	defaultEventBuffer = 64
	defaultSampleRate  = 48000
	defaultChannels    = 2
)

// StreamConfig describes a framed packet stream.
type StreamConfig struct {
	Kind media.Kind
	// Input is a file path, "-" for stdin or tcp://host:port.
	Input string
	// Control is an optional tcp://host:port accepting reset-video
	// messages. Only used for video.
	Control string
	// DeviceName is set when the video stream opens with the 64-byte
	// device name field.
	DeviceName bool
	BufferSize int
}

// StreamEncoder turns a framed packet stream (stream meta followed by
// 12-byte header packets) into encoder events.
type StreamEncoder struct {
	cfg StreamConfig

	mu          sync.Mutex
	cancel      context.CancelFunc
	input       io.Closer
	controlConn net.Conn
	started     bool
}

func NewStreamEncoder(cfg StreamConfig) *StreamEncoder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &StreamEncoder{cfg: cfg}
}

func (e *StreamEncoder) Kind() media.Kind {
	return e.cfg.Kind
}

func (e *StreamEncoder) Start(ctx context.Context) (<-chan media.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil, ErrAlreadyStarted
	}

	in, err := openInput(ctx, e.cfg.Input)
	if err != nil {
		return nil, err
	}

	if e.cfg.Control != "" && e.cfg.Kind == media.Video {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(e.cfg.Control, "tcp://"))
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("%w: control socket: %w", ErrInputUnavailable, err)
		}
		e.controlConn = conn
		drainControl(conn)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.input = in
	e.started = true

	events := make(chan media.Event, defaultEventBuffer)
	go e.run(ctx, bufio.NewReaderSize(in, e.cfg.BufferSize), events)

	util.GetLogger().Info("Stream encoder started", "kind", e.cfg.Kind, "input", e.cfg.Input)
	return events, nil
}

// Stop closes the input. The event channel is closed once the reader
// goroutine notices, which for stdin may be never.
func (e *StreamEncoder) Stop() error {
	e.mu.Lock()
	if !e.started || e.cancel == nil {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	e.cancel = nil
	var err error
	if e.input != nil {
		err = e.input.Close()
		e.input = nil
	}
	if e.controlConn != nil {
		e.controlConn.Close()
		e.controlConn = nil
	}
	e.mu.Unlock()

	util.GetLogger().Info("Stream encoder stopped", "kind", e.cfg.Kind)
	return err
}

// RequestKeyframe sends a reset-video message on the control connection.
func (e *StreamEncoder) RequestKeyframe() error {
	e.mu.Lock()
	conn := e.controlConn
	e.mu.Unlock()

	if conn == nil {
		return ErrNoControl
	}
	if _, err := conn.Write(protocol.ResetVideoMessage()); err != nil {
		return fmt.Errorf("failed to send reset video: %w", err)
	}
	util.GetLogger().Debug("Keyframe requested", "kind", e.cfg.Kind)
	return nil
}

func (e *StreamEncoder) run(ctx context.Context, r io.Reader, events chan<- media.Event) {
	logger := util.GetLogger()
	defer close(events)

	send := func(ev media.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		logger.Error("Stream encoder failed", "kind", e.cfg.Kind, "error", err)
		send(media.Failed{Track: e.cfg.Kind, Err: err})
	}

	format, maxSize, err := e.readMeta(r)
	if err != nil {
		fail(err)
		return
	}

	announced := false
	packets := 0
	for {
		packet, err := protocol.ReadPacket(r, maxSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Stream ended", "kind", e.cfg.Kind, "packets", packets)
				send(media.FrameReady{Track: e.cfg.Kind, Frame: media.Frame{Flags: media.FlagEndOfStream}})
				return
			}
			fail(err)
			return
		}
		packets++

		if !announced {
			if packet.IsConfig {
				applyConfig(&format, packet.Data)
			} else if format.Codec == media.CodecH264 && len(format.SPS) == 0 {
				// parameter sets carried inline with the first keyframe
				format.SPS, format.PPS = h264.ExtractParameterSets(packet.Data)
			}
			logger.Info("Stream format", "kind", e.cfg.Kind, "format", format.String())
			if !send(media.FormatChanged{Track: e.cfg.Kind, Format: format}) {
				return
			}
			announced = true
		}

		if !send(media.FrameReady{Track: e.cfg.Kind, Frame: packet.Frame()}) {
			return
		}
	}
}

func (e *StreamEncoder) readMeta(r io.Reader) (media.Format, uint32, error) {
	format := media.Format{Kind: e.cfg.Kind}
	switch e.cfg.Kind {
	case media.Video:
		meta, err := protocol.ReadVideoMeta(r, e.cfg.DeviceName)
		if err != nil {
			return format, 0, err
		}
		if format.Codec, err = protocol.CodecForID(meta.CodecID); err != nil {
			return format, 0, err
		}
		format.Width = int(meta.Width)
		format.Height = int(meta.Height)
		if meta.DeviceName != "" {
			util.GetLogger().Info("Device name read", "name", meta.DeviceName)
		}
		return format, protocol.MaxVideoPacketSize, nil
	default:
		meta, err := protocol.ReadAudioMeta(r)
		if err != nil {
			return format, 0, err
		}
		if format.Codec, err = protocol.CodecForID(meta.CodecID); err != nil {
			return format, 0, err
		}
		format.SampleRate = defaultSampleRate
		format.Channels = defaultChannels
		return format, protocol.MaxAudioPacketSize, nil
	}
}

// applyConfig fills the format from the first config packet.
func applyConfig(format *media.Format, data []byte) {
	format.CodecPrivate = append([]byte(nil), data...)
	switch format.Codec {
	case media.CodecH264:
		format.SPS, format.PPS = h264.ExtractParameterSets(data)
	case media.CodecAAC:
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(data); err == nil {
			format.SampleRate = conf.SampleRate
			format.Channels = conf.ChannelCount
		}
	}
}

func openInput(ctx context.Context, input string) (io.ReadCloser, error) {
	switch {
	case input == "" || input == "-":
		return io.NopCloser(os.Stdin), nil
	case strings.HasPrefix(input, "tcp://"):
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(input, "tcp://"))
		if err != nil {
			return nil, fmt.Errorf("%w: connect %s: %w", ErrInputUnavailable, input, err)
		}
		return conn, nil
	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrInputUnavailable, input, err)
		}
		return f, nil
	}
}

// drainControl discards device-to-host messages so the sender never blocks.
func drainControl(conn net.Conn) {
	go func(c net.Conn) { io.Copy(io.Discard, c) }(conn)
}
