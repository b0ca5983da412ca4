package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/danmuck/rmbridge/internal/observability"
	"github.com/danmuck/rmbridge/internal/protocol/frame"
	"github.com/juju/clock"
	"github.com/juju/worker/v4"
	"github.com/rs/zerolog"
)

type Option func(*Session)

// WithHandler makes the session the executing side for inbound requests.
func WithHandler(h Handler) Option {
	return func(s *Session) { s.handler = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// Session is one side of the correlated channel. It is created once, goes
// live on the first matching peer-ready event, and is torn down by Shutdown.
type Session struct {
	cfg       Config
	limits    frame.Limits
	side      string
	registrar channel.Registrar
	handler   Handler
	clock     clock.Clock
	log       zerolog.Logger

	seq *Sequencer
	reg *Registry

	regMu sync.Mutex

	mu      sync.Mutex
	state   State
	ep      channel.Endpoint
	pipe    *pipeline
	lastErr error
	deadCh  chan struct{}

	deadKick chan struct{}
	closed   chan struct{}
}

func New(cfg Config, registrar channel.Registrar, opts ...Option) (*Session, error) {
	if registrar == nil {
		return nil, ErrRegistrarMissing
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:       cfg,
		limits:    cfg.Limits(),
		registrar: registrar,
		clock:     clock.WallClock,
		log:       zerolog.Nop(),
		reg:       NewRegistry(),
		deadCh:    make(chan struct{}),
		deadKick:  make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.side = cfg.Identity
	if s.side == "" {
		s.side = cfg.Label
	}
	s.seq = NewSequencer(s.clock)
	s.log = s.log.With().Str("side", s.side).Str("peer", cfg.ExpectedPeer).Logger()
	return s, nil
}

func (s *Session) Config() Config { return s.cfg }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that last moved the session to the dead state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Dead returns a channel closed when the current registration is declared
// dead. A fresh channel is issued on re-registration.
func (s *Session) Dead() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadCh
}

// Pending returns the number of calls awaiting a response.
func (s *Session) Pending() int { return s.reg.Len() }

// HandlePeerEvent registers the channel when the expected peer reports ready.
// Events for other peers and non-ready events are ignored. Repeated ready
// events while registered are no-ops.
func (s *Session) HandlePeerEvent(ctx context.Context, ev channel.PeerEvent) error {
	if ev.Peer != s.cfg.ExpectedPeer {
		s.log.Trace().Str("event", ev.String()).Msg("peer event for other peer ignored")
		return nil
	}
	if ev.Status != channel.PeerReady {
		s.log.Debug().Str("event", ev.String()).Msg("peer not ready")
		return nil
	}
	return s.register(ctx)
}

func (s *Session) register(ctx context.Context) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	switch s.State() {
	case StateRegistered:
		return nil
	case StateClosed:
		return ErrClosed
	}

	ep, err := s.registrar.Register(ctx, s.cfg.Label)
	if err != nil {
		s.log.Error().Err(err).Str("label", s.cfg.Label).Msg("channel registration failed")
		return fmt.Errorf("session: register %q: %w", s.cfg.Label, err)
	}
	pipe := newPipeline(ep, s.cfg.MaxRecvErrors, func(ctx context.Context, raw []byte) {
		s.dispatch(ctx, ep, raw)
	}, s.pipelineDead, s.log)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = ep.Close()
		return ErrClosed
	}
	if s.state == StateDead {
		s.deadCh = make(chan struct{})
	}
	s.ep = ep
	s.pipe = pipe
	s.state = StateRegistered
	s.lastErr = nil
	s.mu.Unlock()

	pipe.start()
	s.log.Info().Str("label", s.cfg.Label).Int("max_frame", ep.MaxFrameSize()).Msg("channel registered")
	return nil
}

// pipelineDead runs on the listener goroutine of p once it gives up.
func (s *Session) pipelineDead(p *pipeline, err error) {
	s.mu.Lock()
	if s.pipe != p {
		s.mu.Unlock()
		return
	}
	ep := s.ep
	s.ep = nil
	s.pipe = nil
	s.state = StateDead
	s.lastErr = err
	close(s.deadCh)
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("channel dead")
	_ = ep.Close()
	s.fail(ErrChannelDead)
	select {
	case s.deadKick <- struct{}{}:
	default:
	}
}

// Shutdown stops the pipeline, unregisters the channel and fails every
// pending call with ErrCancelled. It is safe to call more than once.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	ep, pipe := s.ep, s.pipe
	s.ep, s.pipe = nil, nil
	s.state = StateClosed
	close(s.closed)
	s.mu.Unlock()

	var errs []error
	if pipe != nil {
		if err := worker.Stop(pipe); !stopped(err) {
			errs = append(errs, err)
		}
	}
	if ep != nil {
		if err := ep.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n := s.fail(ErrCancelled)
	s.log.Info().Int("cancelled", n).Msg("session shut down")
	return errors.Join(errs...)
}

func (s *Session) fail(err error) int {
	drained := s.reg.Drain()
	for _, c := range drained {
		c.complete(nil, err)
	}
	observability.SetPending(s.side, 0)
	return len(drained)
}

// Supervise re-registers the channel with backoff each time it goes dead. It
// returns when ctx ends or the session is shut down.
func (s *Session) Supervise(ctx context.Context) error {
	rng := rand.New(rand.NewSource(s.clock.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case <-s.deadKick:
		}
		for attempt := 1; ; attempt++ {
			delay := s.cfg.Backoff.Delay(attempt, rng)
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("channel re-registration scheduled")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.closed:
				return nil
			case <-s.clock.After(delay):
			}
			err := s.register(ctx)
			if err == nil {
				break
			}
			if errors.Is(err, ErrClosed) {
				return nil
			}
		}
	}
}

// endpoint returns the live endpoint or the error a new call should fail with.
func (s *Session) endpoint() (channel.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRegistered:
		return s.ep, nil
	case StateDead:
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, ErrChannelDead)
	case StateClosed:
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)
	default:
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, ErrNotRegistered)
	}
}
