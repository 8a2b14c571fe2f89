package h264

import (
	"encoding/binary"
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var ErrInvalidDecoderConfig = errors.New("invalid avcC record")

// ToAVCC converts an access unit to 4-byte length-prefixed form. Data that
// carries no start code is assumed to be AVCC already and returned as is.
func ToAVCC(data []byte) ([]byte, error) {
	if len(data) == 0 || !HasStartCode(data) {
		return data, nil
	}
	nalus, err := SplitAnnexB(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split annex-b: %w", err)
	}
	return mch264.AVCC(nalus).Marshal()
}

// ToAnnexB converts an AVCC access unit back to start-code form.
func ToAnnexB(data []byte) ([]byte, error) {
	if len(data) == 0 || HasStartCode(data) {
		return data, nil
	}
	nalus, err := SplitAVCC(data)
	if err != nil {
		return nil, fmt.Errorf("failed to split avcc: %w", err)
	}
	return mch264.AnnexB(nalus).Marshal()
}

// PrependParameterSetsAVCC prepends SPS/PPS (raw NAL payloads) to an AVCC access unit
func PrependParameterSetsAVCC(avcc []byte, sps []byte, pps []byte) []byte {
	if len(avcc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avcc
	}
	out := make([]byte, 0, 8+len(sps)+len(pps)+len(avcc))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sps)))
	out = append(out, sps...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(pps)))
	out = append(out, pps...)
	return append(out, avcc...)
}

// BuildDecoderConfig builds an AVCDecoderConfigurationRecord (avcC) with
// 4-byte NAL lengths from one SPS and one PPS.
func BuildDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, ErrInvalidDecoderConfig
	}
	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		0x01,   // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // one SPS
	)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 0x01)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	return append(out, pps...), nil
}

// ParseDecoderConfig extracts the first SPS/PPS from an avcC record.
func ParseDecoderConfig(avcc []byte) (sps, pps []byte, ok bool) {
	if len(avcc) < 7 || avcc[0] != 0x01 {
		return nil, nil, false
	}
	// version, profile, compatibility, level, lengthSizeMinusOne, numOfSPS
	i := 5
	numSps := int(avcc[i] & 0x1F)
	i++
	for n := 0; n < numSps && i+2 <= len(avcc); n++ {
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			return nil, nil, false
		}
		if l > 0 && sps == nil {
			sps = append([]byte(nil), avcc[i:i+l]...)
		}
		i += l
	}
	if i >= len(avcc) {
		return sps, nil, false
	}

	numPps := int(avcc[i])
	i++
	for n := 0; n < numPps && i+2 <= len(avcc); n++ {
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			break
		}
		if l > 0 && pps == nil {
			pps = append([]byte(nil), avcc[i:i+l]...)
		}
		i += l
	}
	return sps, pps, sps != nil && pps != nil
}
