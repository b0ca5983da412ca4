package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen = 24

	Version1 uint8 = 1

	TypeControl uint8 = 0
	TypeData    uint8 = 1

	// DefaultMaxFrameSize matches the hypervisor message queue's per-message limit.
	DefaultMaxFrameSize = 240
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrSizeMismatch       = errors.New("frame: declared size does not match payload")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrShortPayload       = errors.New("frame: short payload")
)

// Header is the fixed wire header.
//
// Layout (little-endian):
//
//	[0]     version
//	[1]     type
//	[2:4]   flags
//	[4:8]   payload size
//	[8:12]  command id
//	[12:16] reserved
//	[16:24] sequence number
type Header struct {
	Version uint8
	Type    uint8
	Flags   uint16
	Size    uint32
	Command uint32
	Seq     uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame size on both encode and decode.
type Limits struct {
	MaxFrameSize int
}

func DefaultLimits() Limits {
	return Limits{MaxFrameSize: DefaultMaxFrameSize}
}

// MaxPayload is the largest payload that fits in one frame.
func (l Limits) MaxPayload() int {
	if l.MaxFrameSize <= HeaderLen {
		return 0
	}
	return l.MaxFrameSize - HeaderLen
}

// Marshal writes f into a freshly allocated buffer. Header.Size must equal
// len(f.Payload).
func Marshal(f Frame, limits Limits) ([]byte, error) {
	if int(f.Header.Size) != len(f.Payload) {
		return nil, fmt.Errorf("%w: header=%d payload=%d", ErrSizeMismatch, f.Header.Size, len(f.Payload))
	}
	if len(f.Payload) > limits.MaxPayload() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), limits.MaxPayload())
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	PutHeader(buf, f.Header)
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// Unmarshal splits b into header and payload. The payload aliases b.
func Unmarshal(b []byte, limits Limits) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if h.Version != Version1 {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if uint64(h.Size) > uint64(limits.MaxPayload()) {
		return Frame{}, fmt.Errorf("%w: declared %d > %d", ErrPayloadTooLarge, h.Size, limits.MaxPayload())
	}
	if len(b)-HeaderLen < int(h.Size) {
		return Frame{}, fmt.Errorf("%w: declared %d have %d", ErrShortPayload, h.Size, len(b)-HeaderLen)
	}
	return Frame{Header: h, Payload: b[HeaderLen : HeaderLen+int(h.Size)]}, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, h)
	return buf
}

// PutHeader writes h into the first HeaderLen bytes of buf.
func PutHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = h.Type
	binary.LittleEndian.PutUint16(buf[2:4], h.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint32(buf[8:12], h.Command)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], h.Seq)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Version: b[0],
		Type:    b[1],
		Flags:   binary.LittleEndian.Uint16(b[2:4]),
		Size:    binary.LittleEndian.Uint32(b[4:8]),
		Command: binary.LittleEndian.Uint32(b[8:12]),
		Seq:     binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}
