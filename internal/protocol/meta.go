package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/babelcloud/avrecorder/internal/media"
)

// VideoMeta opens a video stream.
type VideoMeta struct {
	DeviceName string
	CodecID    uint32
	Width      uint32
	Height     uint32
}

// AudioMeta opens an audio stream.
type AudioMeta struct {
	CodecID uint32
}

// ReadVideoMeta reads the stream opening. The 64-byte device name field is
// only present when withName is set.
func ReadVideoMeta(reader io.Reader, withName bool) (*VideoMeta, error) {
	meta := &VideoMeta{}
	if withName {
		nameBytes := make([]byte, deviceNameFieldLength)
		if _, err := io.ReadFull(reader, nameBytes); err != nil {
			return nil, fmt.Errorf("failed to read device name: %w", err)
		}
		meta.DeviceName = strings.TrimRight(string(nameBytes), "\x00")
	}

	buf := make([]byte, 12)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read video meta: %w", err)
	}
	meta.CodecID = binary.BigEndian.Uint32(buf[0:4])
	meta.Width = binary.BigEndian.Uint32(buf[4:8])
	meta.Height = binary.BigEndian.Uint32(buf[8:12])
	if meta.CodecID == CodecIDDisabled {
		return nil, ErrStreamDisabled
	}
	return meta, nil
}

// WriteVideoMeta writes the stream opening read by ReadVideoMeta.
func WriteVideoMeta(w io.Writer, meta *VideoMeta, withName bool) error {
	var buf []byte
	if withName {
		name := make([]byte, deviceNameFieldLength)
		copy(name, meta.DeviceName)
		buf = append(buf, name...)
	}
	buf = binary.BigEndian.AppendUint32(buf, meta.CodecID)
	buf = binary.BigEndian.AppendUint32(buf, meta.Width)
	buf = binary.BigEndian.AppendUint32(buf, meta.Height)
	_, err := w.Write(buf)
	return err
}

// ReadAudioMeta reads the 4-byte codec id opening an audio stream.
func ReadAudioMeta(reader io.Reader) (*AudioMeta, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read audio meta: %w", err)
	}
	id := binary.BigEndian.Uint32(buf)
	if id == CodecIDDisabled {
		return nil, ErrStreamDisabled
	}
	return &AudioMeta{CodecID: id}, nil
}

// WriteAudioMeta writes the stream opening read by ReadAudioMeta.
func WriteAudioMeta(w io.Writer, meta *AudioMeta) error {
	_, err := w.Write(binary.BigEndian.AppendUint32(nil, meta.CodecID))
	return err
}

// CodecForID maps a wire codec id to a pipeline codec.
func CodecForID(id uint32) (media.Codec, error) {
	switch id {
	case CodecIDH264:
		return media.CodecH264, nil
	case CodecIDH265:
		return media.CodecH265, nil
	case CodecIDAV1:
		return media.CodecAV1, nil
	case CodecIDOPUS:
		return media.CodecOpus, nil
	case CodecIDAAC:
		return media.CodecAAC, nil
	}
	return "", fmt.Errorf("%w: 0x%08x", ErrUnknownCodec, id)
}

// IDForCodec is the inverse of CodecForID.
func IDForCodec(c media.Codec) (uint32, error) {
	switch c {
	case media.CodecH264:
		return CodecIDH264, nil
	case media.CodecH265:
		return CodecIDH265, nil
	case media.CodecAV1:
		return CodecIDAV1, nil
	case media.CodecOpus:
		return CodecIDOPUS, nil
	case media.CodecAAC:
		return CodecIDAAC, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownCodec, c)
}
