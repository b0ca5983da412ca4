package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/danmuck/rmbridge/internal/admin"
	"github.com/danmuck/rmbridge/internal/auth"
	"github.com/danmuck/rmbridge/internal/backend"
	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/danmuck/rmbridge/internal/channel/natschan"
	"github.com/danmuck/rmbridge/internal/channel/wschan"
	"github.com/danmuck/rmbridge/internal/clients"
	"github.com/danmuck/rmbridge/internal/config"
	"github.com/danmuck/rmbridge/internal/frontend"
	"github.com/danmuck/rmbridge/internal/logging"
	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/danmuck/rmbridge/internal/protocol/session"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const eventQueueDepth = 16

type probeOptions struct {
	enabled bool
	name    string
	value   uint64
}

func newNodeCommand(role, short string) *cobra.Command {
	var probe probeOptions
	cmd := &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, config.Role(role))
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg, probe)
		},
	}
	if role == string(config.RoleFrontend) {
		cmd.Flags().BoolVar(&probe.enabled, "probe", false, "register a client, set and read back a value once live")
		cmd.Flags().StringVar(&probe.name, "probe-name", "probe", "client name used by --probe")
		cmd.Flags().Uint64Var(&probe.value, "probe-value", 19200000, "value set by --probe")
	}
	return cmd
}

// node is one running side: a session, its transport and the owner loops.
type node struct {
	cfg     config.Config
	log     zerolog.Logger
	sess    *session.Session
	mgr     *backend.Manager
	events  chan channel.PeerEvent
	serveWS *http.Server

	// peerSeen is set once the expected peer has announced itself; owned by
	// peerLoop.
	peerSeen bool
}

func newNode(cfg config.Config, log zerolog.Logger) (*node, error) {
	n := &node{
		cfg:    cfg,
		log:    log,
		events: make(chan channel.PeerEvent, eventQueueDepth),
	}
	if cfg.Role == config.RoleBackend {
		mgr, err := backend.New(backend.Config{
			MaxClients:   cfg.MaxClients,
			ValueCeiling: cfg.ValueCeiling,
			Owner:        cfg.Session.ExpectedPeer,
		}, n.log.With().Str("component", "backend").Logger())
		if err != nil {
			return nil, err
		}
		n.mgr = mgr
	}
	return n, nil
}

// attach builds the session over registrar.
func (n *node) attach(registrar channel.Registrar) error {
	opts := []session.Option{session.WithLogger(n.log.With().Str("component", "session").Logger())}
	if n.mgr != nil {
		opts = append(opts, session.WithHandler(n.mgr))
	}
	sess, err := session.New(n.cfg.Session, registrar, opts...)
	if err != nil {
		return err
	}
	n.sess = sess
	return nil
}

func runNode(ctx context.Context, cfg config.Config, probe probeOptions) error {
	n, err := newNode(cfg, logging.Component(string(cfg.Role)).With().Str("identity", cfg.Session.Identity).Logger())
	if err != nil {
		return err
	}

	registrar, cleanup, err := n.transport(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := n.attach(registrar); err != nil {
		return err
	}
	sess := n.sess

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.peerLoop(gctx) })
	g.Go(func() error {
		if err := sess.Supervise(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if n.serveWS != nil {
		g.Go(func() error { return n.serveWebsocket(gctx) })
	}
	if cfg.Admin.Listen != "" {
		var list func() []clients.Slot
		if n.mgr != nil {
			list = n.mgr.Clients
		}
		srv := admin.New(cfg.Session.Identity, sess, list, n.log.With().Str("component", "admin").Logger())
		g.Go(func() error { return srv.Serve(gctx, cfg.Admin.Listen) })
	}
	if probe.enabled {
		g.Go(func() error { return n.probe(gctx, probe) })
	}

	n.log.Info().
		Str("transport", string(cfg.Transport)).
		Str("peer", cfg.Session.ExpectedPeer).
		Dur("call_timeout", cfg.Session.CallTimeout).
		Msg("node started")

	<-gctx.Done()
	shutdownErr := sess.Shutdown()
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, shutdownErr)
}

// transport builds the registrar for cfg and arranges for peer events to
// reach the event queue.
func (n *node) transport(ctx context.Context) (channel.Registrar, func(), error) {
	cfg := n.cfg
	maxFrame := cfg.Session.MaxFrameSize
	label := cfg.Session.Label
	tlog := n.log.With().Str("component", string(cfg.Transport)).Logger()

	switch cfg.Transport {
	case config.TransportWebsocket:
		if cfg.Role == config.RoleBackend {
			srv := wschan.NewServer(label, maxFrame, n.notify, tlog).RequireToken(auth.FromConfig(cfg.Websocket.Token))
			mux := http.NewServeMux()
			mux.Handle(cfg.Websocket.Path, srv)
			n.serveWS = &http.Server{Addr: cfg.Websocket.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			return srv, func() { _ = srv.Close() }, nil
		}
		// Dialing is the registration, so the peer counts as ready up front.
		n.notify(channel.PeerEvent{Peer: cfg.Session.ExpectedPeer, Status: channel.PeerReady})
		return &wschan.Dialer{URL: cfg.Websocket.URL, Identity: cfg.Session.Identity, Token: cfg.Websocket.Token, Max: maxFrame, Log: tlog}, func() {}, nil

	case config.TransportNATS:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("rmbridge-"+cfg.Session.Identity))
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect %s: %w", cfg.NATS.URL, err)
		}
		bus, err := natschan.New(nc, natschan.Config{
			Label:        label,
			Identity:     cfg.Session.Identity,
			Peer:         cfg.Session.ExpectedPeer,
			MaxFrameSize: maxFrame,
		}, tlog)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		if err := bus.Watch(n.notify); err != nil {
			nc.Close()
			return nil, nil, err
		}
		if err := bus.Hello(); err != nil {
			nc.Close()
			return nil, nil, err
		}
		return bus, func() {
			_ = bus.Down()
			_ = bus.Close()
			nc.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("transport %q runs only under the loopback command", cfg.Transport)
	}
}

// notify queues a peer event without blocking the transport.
func (n *node) notify(ev channel.PeerEvent) {
	select {
	case n.events <- ev:
	default:
		n.log.Warn().Str("event", ev.String()).Msg("peer event queue full; event dropped")
	}
}

// peerLoop feeds peer events to the session and retries failed registrations.
func (n *node) peerLoop(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.events:
			err := n.handlePeerEvent(ctx, ev)
			if err == nil {
				attempt = 0
				continue
			}
			if errors.Is(err, session.ErrClosed) {
				return nil
			}
			attempt++
			delay := n.cfg.Session.Backoff.Delay(attempt, rng)
			n.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("registration failed")
			time.AfterFunc(delay, func() { n.notify(ev) })
		}
	}
}

// handlePeerEvent forwards ev to the session. On the backend, a frontend that
// leaves or announces itself again is a new incarnation, so the clients the
// previous one registered are dropped.
func (n *node) handlePeerEvent(ctx context.Context, ev channel.PeerEvent) error {
	if n.mgr != nil && ev.Peer == n.cfg.Session.ExpectedPeer {
		switch ev.Status {
		case channel.PeerDown:
			n.mgr.Reset()
		case channel.PeerReady:
			if n.peerSeen {
				n.mgr.Reset()
			}
		}
	}
	err := n.sess.HandlePeerEvent(ctx, ev)
	if err == nil && ev.Peer == n.cfg.Session.ExpectedPeer && ev.Status == channel.PeerReady {
		n.peerSeen = true
	}
	return err
}

func (n *node) serveWebsocket(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- n.serveWS.ListenAndServe() }()
	n.log.Info().Str("addr", n.cfg.Websocket.Listen).Str("path", n.cfg.Websocket.Path).Msg("websocket listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = n.serveWS.Shutdown(shutdownCtx)
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// probe exercises every request once the session is live.
func (n *node) probe(ctx context.Context, opts probeOptions) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for n.sess.State() != session.StateRegistered {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	client, err := frontend.New(n.sess, n.cfg.MaxClients, n.log.With().Str("component", "frontend").Logger())
	if err != nil {
		return err
	}
	h, err := client.Register(ctx, 1, 1, protocol.ClientDesc{Name: opts.name})
	if err != nil {
		return fmt.Errorf("probe register: %w", err)
	}
	applied, err := client.SetValue(ctx, h, protocol.ClientData{NumHWBlocks: 1}, opts.value)
	if err != nil {
		return fmt.Errorf("probe set value: %w", err)
	}
	got, err := client.GetValue(ctx, h)
	if err != nil {
		return fmt.Errorf("probe get value: %w", err)
	}
	if err := client.Deregister(ctx, h); err != nil {
		return fmt.Errorf("probe deregister: %w", err)
	}
	n.log.Info().
		Uint32("client_id", h.ID).
		Uint64("requested", opts.value).
		Uint64("applied", applied).
		Uint64("read_back", got.Cur).
		Msg("probe complete")
	return nil
}
