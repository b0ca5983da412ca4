// Package natschan carries frames over NATS subjects. Each side subscribes to
// its own subject and publishes to its peer's; readiness is announced on a
// shared status subject.
//
// Subjects:
//
//	rmbridge.<label>.<identity>   frames addressed to identity
//	rmbridge.<label>.status       "<identity> <hello|ready|down>"
package natschan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	SubjectPrefix = "rmbridge"

	statusHello = "hello"
	inboxDepth  = 256
)

var ErrMissingIdentity = errors.New("natschan: identity and peer required")

func FrameSubject(label, identity string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, label, identity)
}

func StatusSubject(label string) string {
	return fmt.Sprintf("%s.%s.status", SubjectPrefix, label)
}

type Config struct {
	Label        string
	Identity     string
	Peer         string
	MaxFrameSize int
}

// Bus is one side's view of a NATS connection. It implements
// channel.Registrar.
type Bus struct {
	nc  *nats.Conn
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	status *nats.Subscription
}

var _ channel.Registrar = (*Bus)(nil)

func New(nc *nats.Conn, cfg Config, log zerolog.Logger) (*Bus, error) {
	if cfg.Identity == "" || cfg.Peer == "" {
		return nil, ErrMissingIdentity
	}
	return &Bus{nc: nc, cfg: cfg, log: log}, nil
}

// Register subscribes to this side's frame subject.
func (b *Bus) Register(_ context.Context, label string) (channel.Endpoint, error) {
	in := make(chan *nats.Msg, inboxDepth)
	sub, err := b.nc.ChanSubscribe(FrameSubject(label, b.cfg.Identity), in)
	if err != nil {
		return nil, fmt.Errorf("natschan: subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("natschan: flush: %w", err)
	}
	return &endpoint{
		nc:     b.nc,
		sub:    sub,
		in:     in,
		out:    FrameSubject(label, b.cfg.Peer),
		max:    b.cfg.MaxFrameSize,
		closed: make(chan struct{}),
	}, nil
}

// Watch delivers peer status announcements for other identities to h. A hello
// from a peer is answered with ready so that late joiners see each other.
func (b *Bus) Watch(h channel.PeerHandler) error {
	sub, err := b.nc.Subscribe(StatusSubject(b.cfg.Label), func(m *nats.Msg) {
		peer, status, ok := strings.Cut(strings.TrimSpace(string(m.Data)), " ")
		if !ok || peer == b.cfg.Identity {
			return
		}
		ev := channel.PeerEvent{Peer: peer, Status: channel.ParsePeerStatus(status)}
		if status == statusHello {
			ev.Status = channel.PeerReady
			if err := b.announce(channel.PeerReady.String()); err != nil {
				b.log.Warn().Err(err).Msg("answer hello")
			}
		}
		if ev.Status == channel.PeerUnknown {
			b.log.Debug().Str("raw", string(m.Data)).Msg("unrecognised status")
			return
		}
		h(ev)
	})
	if err != nil {
		return fmt.Errorf("natschan: watch: %w", err)
	}
	b.mu.Lock()
	b.status = sub
	b.mu.Unlock()
	return b.nc.Flush()
}

// Hello announces this side and asks peers to answer.
func (b *Bus) Hello() error { return b.announce(statusHello) }

// Down announces this side is leaving.
func (b *Bus) Down() error { return b.announce(channel.PeerDown.String()) }

func (b *Bus) announce(status string) error {
	return b.nc.Publish(StatusSubject(b.cfg.Label), []byte(b.cfg.Identity+" "+status))
}

// Close stops watching status. The NATS connection stays with its owner.
func (b *Bus) Close() error {
	b.mu.Lock()
	sub := b.status
	b.status = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

type endpoint struct {
	nc  *nats.Conn
	sub *nats.Subscription
	in  chan *nats.Msg
	out string
	max int

	closed    chan struct{}
	closeOnce sync.Once
}

func (e *endpoint) Send(_ context.Context, frame []byte) error {
	select {
	case <-e.closed:
		return channel.ErrNotRegistered
	default:
	}
	if err := channel.CheckSize(frame, e.max); err != nil {
		return err
	}
	if err := e.nc.Publish(e.out, frame); err != nil {
		return fmt.Errorf("natschan: publish %s: %w", e.out, err)
	}
	return nil
}

func (e *endpoint) Recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case m := <-e.in:
			if len(m.Data) > e.max {
				continue
			}
			return m.Data, nil
		case <-e.closed:
			return nil, channel.ErrNotRegistered
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *endpoint) MaxFrameSize() int { return e.max }

func (e *endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.sub.Unsubscribe()
	})
	return err
}
