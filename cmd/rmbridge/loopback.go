package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/rmbridge/internal/backend"
	"github.com/danmuck/rmbridge/internal/channel"
	"github.com/danmuck/rmbridge/internal/channel/memchan"
	"github.com/danmuck/rmbridge/internal/config"
	"github.com/danmuck/rmbridge/internal/frontend"
	"github.com/danmuck/rmbridge/internal/logging"
	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/danmuck/rmbridge/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type loopbackReport struct {
	Calls    int64
	Elapsed  time.Duration
	Clients  int
	Leftover int
}

func newLoopbackCommand() *cobra.Command {
	var callers int
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run both sides in-process and drive concurrent calls through them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, config.RoleFrontend)
			if err != nil {
				return err
			}
			log := logging.Component("loopback")
			report, err := runLoopback(cmd.Context(), cfg, callers, log)
			if err != nil {
				return err
			}
			log.Info().
				Int64("calls", report.Calls).
				Int("clients", report.Clients).
				Int("leftover_pending", report.Leftover).
				Dur("elapsed", report.Elapsed).
				Msg("loopback complete")
			return nil
		},
	}
	cmd.Flags().IntVarP(&callers, "callers", "n", 16, "concurrent callers, each driving one client")
	return cmd
}

// runLoopback joins a backend and a frontend session over memchan and has
// each caller register, set, read back and deregister one client.
func runLoopback(ctx context.Context, cfg config.Config, callers int, log zerolog.Logger) (loopbackReport, error) {
	if callers <= 0 || callers > cfg.MaxClients {
		return loopbackReport{}, fmt.Errorf("callers must be in [1, %d]", cfg.MaxClients)
	}
	a, b := memchan.NewLink(cfg.Session.MaxFrameSize, 0)

	mgr, err := backend.New(backend.Config{MaxClients: cfg.MaxClients, ValueCeiling: cfg.ValueCeiling}, log.With().Str("side", "backend").Logger())
	if err != nil {
		return loopbackReport{}, err
	}
	backCfg := cfg.Session
	backCfg.Identity, backCfg.ExpectedPeer = "backend", "frontend"
	back, err := session.New(backCfg, b, session.WithHandler(mgr), session.WithLogger(log.With().Str("side", "backend").Logger()))
	if err != nil {
		return loopbackReport{}, err
	}
	defer back.Shutdown()

	frontCfg := cfg.Session
	frontCfg.Identity, frontCfg.ExpectedPeer = "frontend", "backend"
	front, err := session.New(frontCfg, a, session.WithLogger(log.With().Str("side", "frontend").Logger()))
	if err != nil {
		return loopbackReport{}, err
	}
	defer front.Shutdown()

	if err := back.HandlePeerEvent(ctx, channel.PeerEvent{Peer: "frontend", Status: channel.PeerReady}); err != nil {
		return loopbackReport{}, err
	}
	if err := front.HandlePeerEvent(ctx, channel.PeerEvent{Peer: "backend", Status: channel.PeerReady}); err != nil {
		return loopbackReport{}, err
	}

	client, err := frontend.New(front, cfg.MaxClients, log.With().Str("side", "frontend").Logger())
	if err != nil {
		return loopbackReport{}, err
	}

	var calls atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			name := fmt.Sprintf("loop-%02d", i)
			h, err := client.Register(gctx, 1, uint32(i), protocol.ClientDesc{ID: uint32(i), Name: name})
			if err != nil {
				return fmt.Errorf("%s register: %w", name, err)
			}
			want := uint64(i+1) * 1000
			if _, err := client.SetValue(gctx, h, protocol.ClientData{NumHWBlocks: 1}, want); err != nil {
				return fmt.Errorf("%s set value: %w", name, err)
			}
			got, err := client.GetValue(gctx, h)
			if err != nil {
				return fmt.Errorf("%s get value: %w", name, err)
			}
			if cfg.ValueCeiling == 0 && got.Cur != want {
				return fmt.Errorf("%s read back %d, want %d", name, got.Cur, want)
			}
			if err := client.Deregister(gctx, h); err != nil {
				return fmt.Errorf("%s deregister: %w", name, err)
			}
			calls.Add(4)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return loopbackReport{}, err
	}
	return loopbackReport{
		Calls:    calls.Load(),
		Elapsed:  time.Since(start),
		Clients:  len(mgr.Clients()),
		Leftover: front.Pending(),
	}, nil
}
