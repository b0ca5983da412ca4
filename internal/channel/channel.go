package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTooLarge      = errors.New("channel: frame exceeds max frame size")
	ErrNotRegistered = errors.New("channel: endpoint not registered")
	ErrPeerUnknown   = errors.New("channel: peer not connected")
	ErrClosed        = errors.New("channel: closed")
)

// Registrar hands out endpoints bound to a label.
type Registrar interface {
	Register(ctx context.Context, label string) (Endpoint, error)
}

// Endpoint is one registered side of the channel. Frames are delivered whole
// or not at all; Recv blocks until a frame arrives, ctx ends, or the endpoint
// is closed. Close unregisters and unblocks any pending Recv with
// ErrNotRegistered.
type Endpoint interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	MaxFrameSize() int
	Close() error
}

// PeerStatus is the reachability state reported for a peer.
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerReady
	PeerDown
)

func (s PeerStatus) String() string {
	switch s {
	case PeerReady:
		return "ready"
	case PeerDown:
		return "down"
	default:
		return "unknown"
	}
}

// ParsePeerStatus is the inverse of PeerStatus.String.
func ParsePeerStatus(raw string) PeerStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ready":
		return PeerReady
	case "down":
		return PeerDown
	default:
		return PeerUnknown
	}
}

// PeerEvent is an out-of-band reachability notification.
type PeerEvent struct {
	Peer   string
	Status PeerStatus
}

func (e PeerEvent) String() string {
	return fmt.Sprintf("%s:%s", e.Peer, e.Status)
}

// PeerHandler receives peer events. It must not block.
type PeerHandler func(PeerEvent)

// CheckSize returns ErrTooLarge when frame does not fit max.
func CheckSize(frame []byte, max int) error {
	if len(frame) > max {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(frame), max)
	}
	return nil
}
