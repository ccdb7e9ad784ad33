package codec

import "errors"

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("codec: invalid ADTS header")

// Sample rates indexed by sampling_frequency_index (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSHeader is the decoded fixed header of one ADTS frame.
type ADTSHeader struct {
	Profile     int // audio object type minus one
	SampleRate  int
	Channels    int
	FrameLength int // header plus payload
	HeaderSize  int
}

// ParseADTSHeader decodes the ADTS header at the start of data.
func ParseADTSHeader(data []byte) (ADTSHeader, error) {
	if len(data) < 7 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return ADTSHeader{}, ErrInvalidADTS
	}
	h := ADTSHeader{HeaderSize: 7}
	if data[1]&0x01 == 0 {
		h.HeaderSize = 9 // CRC present
	}
	rateIdx := int(data[2]>>2) & 0x0F
	if rateIdx >= len(aacSampleRates) {
		return ADTSHeader{}, ErrInvalidADTS
	}
	h.Profile = int(data[2] >> 6)
	h.SampleRate = aacSampleRates[rateIdx]
	h.Channels = int(data[2]&0x01)<<2 | int(data[3]>>6)
	h.FrameLength = int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
	if h.FrameLength < h.HeaderSize {
		return ADTSHeader{}, ErrInvalidADTS
	}
	return h, nil
}

// CountADTSFrames returns how many complete ADTS frames data holds. Bytes
// that do not start a valid header are skipped until the next sync word.
func CountADTSFrames(data []byte) int {
	n := 0
	for off := 0; len(data)-off >= 7; {
		h, err := ParseADTSHeader(data[off:])
		if err != nil {
			off++
			continue
		}
		if off+h.FrameLength > len(data) {
			break
		}
		n++
		off += h.FrameLength
	}
	return n
}
