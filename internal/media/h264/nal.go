package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// HasStartCode checks if data begins with an Annex-B start code
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// SplitAnnexB returns the NAL units of an Annex-B access unit without start codes.
func SplitAnnexB(data []byte) ([][]byte, error) {
	var au mch264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, err
	}
	return au, nil
}

// SplitAVCC returns the NAL units of a length-prefixed access unit.
func SplitAVCC(data []byte) ([][]byte, error) {
	var au mch264.AVCC
	if err := au.Unmarshal(data); err != nil {
		return nil, err
	}
	return au, nil
}

// AccessUnit splits an access unit in either Annex-B or AVCC layout.
func AccessUnit(data []byte) ([][]byte, error) {
	if HasStartCode(data) {
		return SplitAnnexB(data)
	}
	return SplitAVCC(data)
}

// ExtractParameterSets returns the first SPS and PPS found in data, which
// may be Annex-B, AVCC or an avcC decoder configuration record.
func ExtractParameterSets(data []byte) (sps, pps []byte) {
	if len(data) > 0 && data[0] == 0x01 {
		if s, p, ok := ParseDecoderConfig(data); ok {
			return s, p
		}
	}
	nalus, err := AccessUnit(data)
	if err != nil {
		return nil, nil
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch mch264.NALUType(nalu[0] & 0x1F) {
		case mch264.NALUTypeSPS:
			if sps == nil {
				sps = append([]byte(nil), nalu...)
			}
		case mch264.NALUTypePPS:
			if pps == nil {
				pps = append([]byte(nil), nalu...)
			}
		}
	}
	return sps, pps
}

// IsKeyFrame checks if the access unit contains an IDR NAL unit
func IsKeyFrame(data []byte) bool {
	nalus, err := AccessUnit(data)
	if err != nil {
		return false
	}
	for _, nalu := range nalus {
		if len(nalu) > 0 && mch264.NALUType(nalu[0]&0x1F) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}
