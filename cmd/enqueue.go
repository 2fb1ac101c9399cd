package cmd

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"opsqueue/internal/config"
	"opsqueue/internal/infra/redisq"
	"opsqueue/internal/metrics"
	"opsqueue/internal/usecase"
)

func enqueueCmd() *cobra.Command {
	var (
		commandType string
		payload     string
		priority    int
		maxAttempts int
	)

	var command = &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a single command",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg := config.Load()
			cli := redisq.New(cfg.Redis)
			if err := cli.Connect(ctx); err != nil {
				return err
			}
			defer cli.Close()

			ledger := usecase.NewLedger(
				redisq.NewStore(cli),
				redisq.NewLogStream(cli),
				metrics.Noop{},
				redisq.NewAuditStream(cli, cfg.Ledger.AuditStreamMaxLen),
			)
			ledger.DefaultMaxAttempts = cfg.Ledger.DefaultMaxAttempts

			req := usecase.EnqueueRequest{
				Type:        commandType,
				Payload:     json.RawMessage(payload),
				MaxAttempts: maxAttempts,
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			res, err := usecase.Enqueuer{Ledger: ledger}.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	command.Flags().StringVar(&commandType, "type", "", "Command type, e.g. SCRAPE_SUPPLIER")
	command.Flags().StringVar(&payload, "payload", "{}", "Command payload as JSON")
	command.Flags().IntVar(&priority, "priority", usecase.DefaultPriority, "Priority between 0 and 1000")
	command.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (0 uses LEDGER_DEFAULT_MAX_ATTEMPTS)")
	_ = command.MarkFlagRequired("type")

	return command
}
