package wire

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

// UDP datagram layout:
//
//	magic:u16 | type:u8 | flags:u8 | fragmentIndex:u8 | pts:u32 | seq:u32 | payload
const (
	UDPMagic      uint16 = 0x5544 // "UD"
	UDPHeaderSize        = 13

	// MaxDatagramSize bounds a single read from the ingest socket.
	MaxDatagramSize = 65535
)

// PacketType is the type byte of a UDP datagram.
type PacketType uint8

// UDP packet types.
const (
	TypeVideo   PacketType = 0x01
	TypeAudio   PacketType = 0x02
	TypeAuth    PacketType = 0xFE
	TypeControl PacketType = 0xFF
)

func (t PacketType) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeAudio:
		return "audio"
	case TypeAuth:
		return "auth"
	case TypeControl:
		return "control"
	default:
		return "unknown"
	}
}

// Fragment flags.
const (
	FlagFragmentStart uint8 = 1 << 7
	FlagFragmentEnd   uint8 = 1 << 6
)

// ControlType is the single-byte payload of a control packet.
type ControlType uint8

// Control sub-types.
const (
	ControlAuthOK    ControlType = 0x01
	ControlAuthFail  ControlType = 0x02
	ControlStreamEnd ControlType = 0x10
	ControlKeepalive ControlType = 0x20
)

// Auth payload layout: 32 bytes device identifier + 64 bytes device key,
// both UTF-8 and NUL padded.
const (
	AuthDeviceIDSize = 32
	AuthKeySize      = 64
	AuthPayloadSize  = AuthDeviceIDSize + AuthKeySize
)

// UDPPacket is one decoded UDP datagram.
type UDPPacket struct {
	Magic         uint16
	Type          PacketType
	Flags         uint8
	FragmentIndex uint8
	PTS           uint32
	Seq           uint32
	Payload       []byte
}

// IsFragmentStart reports whether the start-of-frame flag is set.
func (p UDPPacket) IsFragmentStart() bool { return p.Flags&FlagFragmentStart != 0 }

// IsFragmentEnd reports whether the end-of-frame flag is set.
func (p UDPPacket) IsFragmentEnd() bool { return p.Flags&FlagFragmentEnd != 0 }

// IsMedia reports whether the packet carries video or audio.
func (p UDPPacket) IsMedia() bool { return p.Type == TypeVideo || p.Type == TypeAudio }

func knownType(t PacketType) bool {
	switch t {
	case TypeVideo, TypeAudio, TypeAuth, TypeControl:
		return true
	}
	return false
}

// DecodeUDPPacket parses a datagram. It returns false on short input, a bad
// magic or an unknown type byte. The payload is copied so the caller may
// reuse buf for the next read.
func DecodeUDPPacket(buf []byte) (UDPPacket, bool) {
	if len(buf) < UDPHeaderSize {
		return UDPPacket{}, false
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != UDPMagic {
		return UDPPacket{}, false
	}
	typ := PacketType(buf[2])
	if !knownType(typ) {
		return UDPPacket{}, false
	}
	p := UDPPacket{
		Magic:         magic,
		Type:          typ,
		Flags:         buf[3],
		FragmentIndex: buf[4],
		PTS:           binary.BigEndian.Uint32(buf[5:9]),
		Seq:           binary.BigEndian.Uint32(buf[9:13]),
	}
	if n := len(buf) - UDPHeaderSize; n > 0 {
		p.Payload = make([]byte, n)
		copy(p.Payload, buf[UDPHeaderSize:])
	}
	return p, true
}

// EncodeUDPPacket serializes p. A zero Magic is replaced by UDPMagic.
func EncodeUDPPacket(p UDPPacket) []byte {
	magic := p.Magic
	if magic == 0 {
		magic = UDPMagic
	}
	buf := make([]byte, UDPHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], magic)
	buf[2] = byte(p.Type)
	buf[3] = p.Flags
	buf[4] = p.FragmentIndex
	binary.BigEndian.PutUint32(buf[5:9], p.PTS)
	binary.BigEndian.PutUint32(buf[9:13], p.Seq)
	copy(buf[UDPHeaderSize:], p.Payload)
	return buf
}

// ControlPacket builds a control datagram carrying sub-type ct.
func ControlPacket(ct ControlType, seq uint32) []byte {
	return EncodeUDPPacket(UDPPacket{
		Type:    TypeControl,
		Flags:   FlagFragmentStart | FlagFragmentEnd,
		Seq:     seq,
		Payload: []byte{byte(ct)},
	})
}

// ParseControl returns the control sub-type of a control packet.
func ParseControl(p UDPPacket) (ControlType, bool) {
	if p.Type != TypeControl || len(p.Payload) < 1 {
		return 0, false
	}
	return ControlType(p.Payload[0]), true
}

// ParseAuthPayload extracts the device identifier and key from an auth
// payload. Both fields must be valid UTF-8 and the identifier non-empty.
func ParseAuthPayload(payload []byte) (deviceID, key string, ok bool) {
	if len(payload) < AuthPayloadSize {
		return "", "", false
	}
	id := trimNUL(payload[:AuthDeviceIDSize])
	k := trimNUL(payload[AuthDeviceIDSize:AuthPayloadSize])
	if len(id) == 0 || !utf8.Valid(id) || !utf8.Valid(k) {
		return "", "", false
	}
	return string(id), string(k), true
}

// EncodeAuthPayload builds an auth payload. Fields longer than their slot
// are truncated.
func EncodeAuthPayload(deviceID, key string) []byte {
	buf := make([]byte, AuthPayloadSize)
	copy(buf[:AuthDeviceIDSize], deviceID)
	copy(buf[AuthDeviceIDSize:], key)
	return buf
}

func trimNUL(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}
