// Package worker runs the execution loop and the automatic-retry sweeper against the shared ledger.
package worker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"opsqueue/internal/config"
	"opsqueue/internal/domain"
	"opsqueue/internal/infra/httpexec"
	"opsqueue/internal/infra/redisq"
	"opsqueue/internal/metrics"
	"opsqueue/internal/ports"
	"opsqueue/internal/usecase"
)

// Config carries the command-line overrides of the worker.
type Config struct {
	ConsumerName string
	Concurrency  int
}

func Run(cfg Config) error {
	appCfg := config.Load()
	cli := redisq.New(appCfg.Redis)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Close()

	executors, err := httpexec.FromConfig(appCfg.Worker.Executors, appCfg.Worker.ExecutorTimeout)
	if err != nil {
		return err
	}
	if len(executors) == 0 {
		log.Warn().Msg("WORKER_EXECUTORS is empty, every claimed command will fail as unsupported")
	}

	err = run(ctx, cli, appCfg, cfg, executors)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}

func run(ctx context.Context, cli *redisq.Client, appCfg *config.Config, cfg Config, executors map[domain.CommandType]ports.Executor) error {
	store := redisq.NewStore(cli)
	logs := redisq.NewLogStream(cli)
	retries := redisq.NewRetrySchedule(cli)

	ledger := usecase.NewLedger(
		store,
		logs,
		metrics.NewPrometheusObserver(),
		redisq.NewAuditStream(cli, appCfg.Ledger.AuditStreamMaxLen),
		usecase.LogNotifier{},
	)
	ledger.DefaultMaxAttempts = appCfg.Ledger.DefaultMaxAttempts

	concurrency := appCfg.Worker.Concurrency
	if cfg.Concurrency > 0 {
		concurrency = cfg.Concurrency
	}

	consumer := usecase.Consumer{
		Ledger:             ledger,
		Executors:          executors,
		Retries:            retries,
		ConsumerName:       cfg.ConsumerName,
		Concurrency:        concurrency,
		PollInterval:       appCfg.Worker.PollInterval,
		CheckpointInterval: appCfg.Worker.CheckpointInterval,
		BaseBackoff:        appCfg.Worker.BaseBackoff,
		MaxBackoff:         appCfg.Worker.MaxBackoff,
		ExecutorTimeout:    appCfg.Worker.ExecutorTimeout,
		ReporterBuffer:     appCfg.Worker.ReporterBuffer,
	}
	sweeper := usecase.AutoRetrier{
		Ledger:   ledger,
		Schedule: retries,
		Interval: appCfg.Worker.RetrySweepInterval,
	}

	log.Info().
		Str("consumer", cfg.ConsumerName).
		Int("concurrency", concurrency).
		Int("executors", len(executors)).
		Msg("worker started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Ctx(ctx).Error().Err(err).Msg("retry sweeper stopped with error")
			return err
		}
		return nil
	})
	g.Go(func() error { return consumer.Run(ctx) })
	if appCfg.Worker.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, appCfg.Worker.MetricsAddr) })
	}
	return g.Wait()
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("worker metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
