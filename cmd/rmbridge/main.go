package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/rmbridge/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "rmbridge",
		Short:         "Correlated request/response bridge for resource management between domains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to rmbridge TOML config")
	root.AddCommand(
		newNodeCommand("backend", "Run the executing side and answer resource requests"),
		newNodeCommand("frontend", "Run the calling side and optionally probe the backend"),
		newLoopbackCommand(),
		newConfiggenCommand(),
	)
	return root
}

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("rmbridge failed")
		stop()
		os.Exit(1)
	}
}
