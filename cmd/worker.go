package cmd

import (
	"github.com/spf13/cobra"

	"opsqueue/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		concurrency  int
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return worker.Run(worker.Config{
				ConsumerName: consumerName,
				Concurrency:  concurrency,
			})
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().IntVar(&concurrency, "concurrency", 0, "Number of competing execution loops (0 uses WORKER_CONCURRENCY)")

	return command
}
