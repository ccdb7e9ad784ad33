// Package codec inspects the raw elementary streams devices send: H.264
// Annex B video and ADTS AAC audio. It extracts just enough to describe a
// stream (resolution, profile, sample rate) and to spot keyframes.
package codec

import (
	"errors"
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

var errShortSPS = errors.New("codec: SPS data too short")

// SPSInfo holds the fields of an H.264 sequence parameter set the relay
// reports.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.42E01E".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// NALUnit is one NAL unit of an Annex B stream.
type NALUnit struct {
	Type byte
	Data []byte // including the header byte, without start code
}

// ParseAnnexB splits an Annex B byte stream on 3- and 4-byte start codes.
// Data before the first start code is ignored.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	start := -1
	emit := func(end int) {
		if start >= 0 && end > start {
			units = append(units, NALUnit{Type: data[start] & 0x1F, Data: data[start:end]})
		}
	}
	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case data[i+2] == 1:
			emit(i)
			start = i + 3
			i += 3
		case data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1:
			emit(i)
			start = i + 4
			i += 4
		default:
			i++
		}
	}
	emit(len(data))
	return units
}

// bitReader reads an RBSP MSB first. The first overrun sets err and every
// later read returns zero.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (r *bitReader) bits(n int) uint {
	var v uint
	for range n {
		if r.pos >= len(r.data)*8 {
			r.err = errShortSPS
			return 0
		}
		v = v<<1 | uint(r.data[r.pos/8]>>(7-r.pos%8)&1)
		r.pos++
	}
	return v
}

func (r *bitReader) flag() bool { return r.bits(1) == 1 }

// ue reads an unsigned Exp-Golomb code.
func (r *bitReader) ue() uint {
	zeros := 0
	for r.bits(1) == 0 {
		if r.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			r.err = errShortSPS
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	return (1 << zeros) - 1 + r.bits(zeros)
}

// se reads a signed Exp-Golomb code.
func (r *bitReader) se() int {
	v := r.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (r *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// highProfile reports whether profile_idc carries chroma format and
// scaling matrix fields in the SPS.
func highProfile(idc byte) bool {
	switch idc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS decodes resolution and profile from an SPS NAL unit (header
// byte included, start code excluded). VUI parameters are not read.
func ParseSPS(nal []byte) (SPSInfo, error) {
	if len(nal) < 4 {
		return SPSInfo{}, errShortSPS
	}
	r := &bitReader{data: unescapeRBSP(nal[1:])}

	info := SPSInfo{
		ProfileIDC:      byte(r.bits(8)),
		ConstraintFlags: byte(r.bits(8)),
		LevelIDC:        byte(r.bits(8)),
	}
	r.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfile(info.ProfileIDC) {
		chromaFormat = r.ue()
		if chromaFormat == 3 {
			separatePlanes = r.flag()
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.bits(1) // qpprime_y_zero_transform_bypass_flag
		if r.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := range lists {
				if r.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					r.skipScalingList(size)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.bits(1)
		r.se()
		r.se()
		n := r.ue()
		for i := uint(0); i < n && r.err == nil; i++ {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.bits(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := r.ue() + 1
	heightUnits := r.ue() + 1
	frameMbsOnly := r.bits(1)
	if frameMbsOnly == 0 {
		r.bits(1) // mb_adaptive_frame_field_flag
	}
	r.bits(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if r.flag() {
		cropL, cropR, cropT, cropB = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return SPSInfo{}, r.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subH = 1
	}
	fieldMul := 2 - frameMbsOnly
	info.Width = int(widthMbs*16 - subW*(cropL+cropR))
	info.Height = int(heightUnits*16*fieldMul - subH*fieldMul*(cropT+cropB))
	return info, nil
}

// unescapeRBSP removes emulation prevention bytes (00 00 03).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, data[i])
	}
	return out
}
