package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/rmbridge/internal/protocol/frame"
)

// Decode parses one wire frame. It has no side effects; the returned payload
// does not alias b. Frame-level failures wrap both the protocol kind and the
// frame sentinel.
func Decode(b []byte, limits frame.Limits) (Message, error) {
	f, err := frame.Unmarshal(b, limits)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", decodeKind(err), err)
	}
	cmd := Command(f.Header.Command)
	want, ok := payloadSizes[cmd]
	if !ok {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, f.Header.Command)
	}
	if len(f.Payload) != want {
		return Message{}, fmt.Errorf("%w: %s declared %d want %d", ErrSizeMismatch, cmd, len(f.Payload), want)
	}
	return Message{Header: f.Header, Payload: decoders[cmd](f.Payload)}, nil
}

func decodeKind(err error) error {
	switch {
	case errors.Is(err, frame.ErrUnsupportedVersion):
		return ErrUnsupportedVersion
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return ErrOversize
	default:
		return ErrTruncated
	}
}
