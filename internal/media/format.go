package media

import "fmt"

// Codec names an elementary stream codec.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecAV1  Codec = "av1"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecAAC  Codec = "aac"
	CodecOpus Codec = "opus"
)

// Kind returns the track kind a codec belongs to.
func (c Codec) Kind() (Kind, bool) {
	switch c {
	case CodecH264, CodecH265, CodecAV1, CodecVP8, CodecVP9:
		return Video, true
	case CodecAAC, CodecOpus:
		return Audio, true
	}
	return 0, false
}

// Format is the track description an encoder publishes once its output
// parameters are known. It is registered with the container exactly once.
type Format struct {
	Kind  Kind
	Codec Codec

	// Video
	Width    int
	Height   int
	Rotation int
	SPS      []byte
	PPS      []byte

	// Audio
	SampleRate int
	Channels   int

	// CodecPrivate holds the codec configuration record as carried by
	// containers (avcC for H.264, AudioSpecificConfig for AAC, OpusHead).
	CodecPrivate []byte
}

func (f Format) String() string {
	if f.Kind == Video {
		return fmt.Sprintf("%s %dx%d rot=%d", f.Codec, f.Width, f.Height, f.Rotation)
	}
	return fmt.Sprintf("%s %dHz ch=%d", f.Codec, f.SampleRate, f.Channels)
}
