package wire

import (
	"encoding/binary"

	"github.com/doorcast/relay/internal/media"
)

// WebSocket frame layout:
//
//	magic:u16 | type:u8 | flags:u8 | ptsMillis:i32 | payload
const (
	WSMagic      uint16 = 0x4156 // "AV"
	WSHeaderSize        = 8
)

// WSFrame is one decoded WebSocket binary message.
type WSFrame struct {
	Kind      media.StreamKind
	Flags     uint8 // reserved
	PTSMillis int32
	Payload   []byte
}

// DecodeWSFrame parses a binary WebSocket message. It returns false when the
// buffer is shorter than the header, the magic does not match, or the type
// byte is neither video nor audio. The returned payload aliases buf.
func DecodeWSFrame(buf []byte) (WSFrame, bool) {
	if len(buf) < WSHeaderSize {
		return WSFrame{}, false
	}
	if binary.BigEndian.Uint16(buf[0:2]) != WSMagic {
		return WSFrame{}, false
	}
	kind := media.StreamKind(buf[2])
	if kind != media.KindVideo && kind != media.KindAudio {
		return WSFrame{}, false
	}
	return WSFrame{
		Kind:      kind,
		Flags:     buf[3],
		PTSMillis: int32(binary.BigEndian.Uint32(buf[4:8])),
		Payload:   buf[WSHeaderSize:],
	}, true
}

// EncodeWSFrame serializes f into a new buffer.
func EncodeWSFrame(f WSFrame) []byte {
	buf := make([]byte, WSHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], WSMagic)
	buf[2] = byte(f.Kind)
	buf[3] = f.Flags
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.PTSMillis))
	copy(buf[WSHeaderSize:], f.Payload)
	return buf
}
