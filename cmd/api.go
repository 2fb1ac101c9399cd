package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"opsqueue/internal/api"
	"opsqueue/internal/config"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			log.Info().Msgf("API server using redis %s, key prefix %s", cfg.Redis.Addr, cfg.Redis.KeyPrefix)
			server := api.NewServer()
			server.Run(port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
