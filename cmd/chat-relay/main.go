package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal().Err(err).Msg("chat-relay")
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-relay",
		Short:         "Ретранслятор чата Twitch с потоком SSE и догрузкой пропусков",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
