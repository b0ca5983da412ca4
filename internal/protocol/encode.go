package protocol

import (
	"github.com/danmuck/rmbridge/internal/protocol/frame"
)

// Encode builds the wire frame carrying p under sequence number seq.
// Frames that would exceed limits are rejected before they reach a channel.
func Encode(seq uint64, p Payload, limits frame.Limits) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPayload
	}
	payload := make([]byte, p.wireSize())
	if err := p.put(payload); err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			Version: frame.Version1,
			Type:    frame.TypeData,
			Size:    uint32(len(payload)),
			Command: uint32(p.Command()),
			Seq:     seq,
		},
		Payload: payload,
	}, limits)
}
