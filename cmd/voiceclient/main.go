// Command voiceclient is a headless voice channel participant. It joins a
// channel through a relay server, negotiates peer connections with the other
// participants and logs presence, link and speaking changes.
//
//	voiceclient join --user alice --channel general-voice --server http://localhost:8080
//	voiceclient demo --peers 3
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:          "voiceclient",
		Short:        "Headless voice channel participant",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(level)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(lvl)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "info", "Log level (debug, info, warn, error)")
	root.AddCommand(buildJoinCmd(), buildDemoCmd())
	return root
}
