package codec

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ParamSets holds the out-of-band parameter sets of an H.264 or H.265 stream.
// VPS is only used by H.265.
type ParamSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// Extract stores any parameter sets found in an access unit.
// Returns true if a new or changed parameter set was stored.
func (p *ParamSets) Extract(id ID, au [][]byte) bool {
	extracted := false

	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}

		var dst *[]byte
		switch id {
		case H265:
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				dst = &p.VPS
			case h265.NALUType_SPS_NUT:
				dst = &p.SPS
			case h265.NALUType_PPS_NUT:
				dst = &p.PPS
			}
		case H264:
			switch h264.NALUType(nalu[0] & 0x1F) {
			case h264.NALUTypeSPS:
				dst = &p.SPS
			case h264.NALUTypePPS:
				dst = &p.PPS
			}
		}

		if dst != nil && !bytes.Equal(*dst, nalu) {
			*dst = bytes.Clone(nalu)
			extracted = true
		}
	}

	return extracted
}

// Complete reports whether every parameter set the codec needs is present.
func (p ParamSets) Complete(id ID) bool {
	switch id {
	case H265:
		return p.VPS != nil && p.SPS != nil && p.PPS != nil
	case H264:
		return p.SPS != nil && p.PPS != nil
	default:
		return false
	}
}

// NALUs returns the parameter sets in decoding order.
func (p ParamSets) NALUs(id ID) [][]byte {
	var out [][]byte
	if id == H265 && p.VPS != nil {
		out = append(out, p.VPS)
	}
	if p.SPS != nil {
		out = append(out, p.SPS)
	}
	if p.PPS != nil {
		out = append(out, p.PPS)
	}
	return out
}

// AnnexB encodes the parameter sets as a start-code prefixed configuration
// record, the form carried in StreamDescriptor.CodecParameters.
func (p ParamSets) AnnexB(id ID) ([]byte, error) {
	nalus := p.NALUs(id)
	if len(nalus) == 0 {
		return nil, nil
	}
	return h264.AnnexB(nalus).Marshal()
}

// ParseParamSets decodes a configuration record produced by AnnexB.
func ParseParamSets(id ID, record []byte) (ParamSets, error) {
	var p ParamSets
	if len(record) == 0 {
		return p, nil
	}

	var au h264.AnnexB
	if err := au.Unmarshal(record); err != nil {
		return p, fmt.Errorf("parsing %s parameter sets: %w", id, err)
	}
	p.Extract(id, au)
	return p, nil
}

// IsRandomAccess reports whether an access unit can start decoding.
func IsRandomAccess(id ID, au [][]byte) bool {
	switch id {
	case H264:
		return h264.IsRandomAccess(au)
	case H265:
		return h265.IsRandomAccess(au)
	default:
		return false
	}
}

// PrependParamSets returns au with the parameter sets in front when au is a
// random access point that does not already carry them.
func PrependParamSets(id ID, au [][]byte, p ParamSets) [][]byte {
	if !p.Complete(id) || !IsRandomAccess(id, au) {
		return au
	}

	var present ParamSets
	present.Extract(id, au)
	if present.Complete(id) {
		return au
	}

	params := p.NALUs(id)
	out := make([][]byte, 0, len(params)+len(au))
	out = append(out, params...)
	return append(out, au...)
}

// SplitAnnexB splits start-code prefixed data into NAL units. Data without a
// leading start code is returned as a single NAL unit.
func SplitAnnexB(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 &&
		(data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err != nil {
			return [][]byte{data}
		}
		return au
	}

	return [][]byte{data}
}
