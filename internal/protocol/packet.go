package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/babelcloud/avrecorder/internal/media"
)

// PacketHeaderSize is the size of the pts/flags + length header.
const PacketHeaderSize = 12

// Packet flags
const (
	PacketFlagConfig   = uint64(1) << 63
	PacketFlagKeyFrame = uint64(1) << 62
	PacketPTSMask      = PacketFlagKeyFrame - 1
)

// Size limits per stream kind
const (
	MaxVideoPacketSize = 10 * 1024 * 1024
	MaxAudioPacketSize = 1 * 1024 * 1024
)

// Codec IDs
const (
	CodecIDH264     = uint32(0x68323634) // "h264" in ASCII
	CodecIDH265     = uint32(0x68323635) // "h265" in ASCII
	CodecIDAV1      = uint32(0x00617631) // "av1" in ASCII
	CodecIDOPUS     = uint32(0x6f707573) // "opus" in ASCII
	CodecIDAAC      = uint32(0x00616163) // "aac" in ASCII
	CodecIDFLAC     = uint32(0x666c6163) // "flac" in ASCII
	CodecIDRAW      = uint32(0x00726177) // "raw" in ASCII
	CodecIDDisabled = uint32(0x80000000) // Audio/Video disabled
)

const deviceNameFieldLength = 64

var (
	ErrStreamDisabled = errors.New("stream disabled by sender")
	ErrUnknownCodec   = errors.New("unknown codec id")
)

// Packet is one framed encoder output unit.
type Packet struct {
	PTS        uint64
	Data       []byte
	IsKeyFrame bool
	IsConfig   bool
}

// Frame converts the packet into a pipeline frame.
func (p *Packet) Frame() media.Frame {
	f := media.Frame{Payload: p.Data, PTS: int64(p.PTS)}
	if p.IsKeyFrame {
		f.Flags |= media.FlagKeyframe
	}
	if p.IsConfig {
		f.Flags |= media.FlagConfigOnly
	}
	return f
}

// ReadPacket reads one packet. A clean EOF before the header is returned
// as io.EOF.
func ReadPacket(reader io.Reader, maxSize uint32) (*Packet, error) {
	header := make([]byte, PacketHeaderSize)
	n, err := io.ReadFull(reader, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	ptsFlags := binary.BigEndian.Uint64(header[0:8])
	packetSize := binary.BigEndian.Uint32(header[8:12])

	if packetSize == 0 {
		return nil, fmt.Errorf("invalid packet size: 0")
	}
	if packetSize > maxSize {
		return nil, fmt.Errorf("packet size too large: %d", packetSize)
	}

	data := make([]byte, packetSize)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("failed to read packet data: %w", err)
	}

	return &Packet{
		PTS:        ptsFlags & PacketPTSMask,
		Data:       data,
		IsKeyFrame: ptsFlags&PacketFlagKeyFrame != 0,
		IsConfig:   ptsFlags&PacketFlagConfig != 0,
	}, nil
}

// WritePacket writes one packet with its header.
func WritePacket(w io.Writer, p *Packet) error {
	header := make([]byte, PacketHeaderSize)
	ptsFlags := p.PTS & PacketPTSMask
	if p.IsKeyFrame {
		ptsFlags |= PacketFlagKeyFrame
	}
	if p.IsConfig {
		ptsFlags |= PacketFlagConfig
	}
	binary.BigEndian.PutUint64(header[0:8], ptsFlags)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(p.Data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(p.Data)
	return err
}
