package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"opsqueue/internal/config"
)

func Run() {
	var command = &cobra.Command{
		Use:   "opsqueue",
		Short: "Durable command queue for catalog and listing operations",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(config.Load().Log)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	command.AddCommand(apiCmd())
	command.AddCommand(workerCmd())
	command.AddCommand(enqueueCmd())

	if err := command.Execute(); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}

func setupLogger(cfg config.Log) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
}
