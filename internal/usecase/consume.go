package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
	"opsqueue/pkg/backoff"
)

const finalizeTimeout = 10 * time.Second

// Consumer is the worker execution loop: claim, execute, report, finish.
type Consumer struct {
	Ledger             *Ledger
	Executors          map[domain.CommandType]ports.Executor
	Retries            ports.RetryScheduler
	ConsumerName       string
	Concurrency        int
	PollInterval       time.Duration
	CheckpointInterval time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	ExecutorTimeout    time.Duration
	ReporterBuffer     int
}

// Run starts Concurrency competing loops and blocks until ctx is done.
func (c Consumer) Run(ctx context.Context) error {
	n := max(c.Concurrency, 1)
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= n; i++ {
		name := c.ConsumerName
		if n > 1 {
			name = fmt.Sprintf("%s-%d", c.ConsumerName, i)
		}
		g.Go(func() error { return c.loop(ctx, name) })
	}
	return g.Wait()
}

func (c Consumer) loop(ctx context.Context, worker string) error {
	poll := c.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, err := c.RunOnce(ctx, worker)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("worker", worker).Msg("claim failed")
		}
		if ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// RunOnce claims and executes at most one command. It reports whether a command was processed.
func (c Consumer) RunOnce(ctx context.Context, worker string) (bool, error) {
	cmd, err := c.Ledger.Claim(ctx, worker)
	if err != nil || cmd == nil {
		return false, err
	}
	c.process(ctx, worker, cmd)
	return true, nil
}

func (c Consumer) process(ctx context.Context, worker string, cmd *domain.Command) {
	logger := log.Ctx(ctx).With().
		Str("command_id", cmd.ID).
		Str("type", string(cmd.Type)).
		Str("worker", worker).
		Int("attempt", cmd.Attempts).
		Logger()
	ctx = logger.WithContext(ctx)
	// bookkeeping must land even when the worker is shutting down
	bookCtx := context.WithoutCancel(ctx)

	exec, ok := c.Executors[cmd.Type]
	if !ok {
		c.finish(bookCtx, worker, cmd, domain.Fatal(domain.CodeUnsupported, nil, "no executor registered for %s", cmd.Type), 0)
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.ExecutorTimeout > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, c.ExecutorTimeout)
		defer cancel()
	}

	rep := NewReporter(bookCtx, c.Ledger, cmd, worker, c.ReporterBuffer)
	stopWatch := c.watchCancellation(execCtx, cmd.ID, cancel)

	start := time.Now()
	err := runExecutor(execCtx, exec, cmd, rep)
	elapsed := time.Since(start)

	stopWatch()
	if dropped := rep.Close(); dropped > 0 {
		logger.Warn().Int64("dropped", dropped).Msg("reporter dropped updates")
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = domain.Transient(domain.CodeTimeout, err, "worker %s stopped during execution", worker)
	case errors.Is(execCtx.Err(), context.Canceled):
		err = domain.Fatal(domain.CodeInternalError, err, "executor stopped: command left EXECUTING")
	}
	c.finish(bookCtx, worker, cmd, err, elapsed)
}

// finish appends the explanation line synchronously, then records the outcome.
func (c Consumer) finish(ctx context.Context, worker string, cmd *domain.Command, execErr error, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()
	logger := zerolog.Ctx(ctx)

	requested := domain.StatusSucceeded
	var (
		code domain.ErrorCode
		msg  string
	)
	level, line := "info", fmt.Sprintf("attempt %d/%d succeeded in %s", cmd.Attempts, cmd.MaxAttempts, elapsed.Round(time.Millisecond))
	if ee := domain.ClassifyError(execErr); ee != nil {
		requested = statusForClass(ee.Class)
		code = ee.Code
		msg = ee.Error()
		if ee.Message != "" {
			msg = ee.Message
		}
		level, line = "error", fmt.Sprintf("attempt %d/%d failed: [%s] %s", cmd.Attempts, cmd.MaxAttempts, code, msg)
	}

	if _, err := c.Ledger.AppendLog(ctx, cmd.ID, level, worker, line); err != nil {
		logger.Warn().Err(err).Msg("failed to append final log line")
	}

	final, err := c.Ledger.Finish(ctx, cmd.ID, requested, code, msg, worker)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Info().Err(err).Msg("finish rejected, command changed while executing")
			return
		}
		logger.Error().Err(err).Msg("failed to finish command")
		return
	}
	c.Ledger.Metrics.ObserveExecution(string(cmd.Type), string(final.Status), elapsed)

	if final.Status == domain.StatusFailedRetryable && c.Retries != nil {
		delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, final.Attempts)
		if err := c.Retries.Schedule(ctx, final.ID, c.Ledger.Now().Add(delay)); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
			return
		}
		logger.Info().Dur("delay", delay).Msg("retry scheduled")
	}
}

// watchCancellation polls the ledger at every checkpoint and cancels the executor once the
// command is no longer EXECUTING.
func (c Consumer) watchCancellation(ctx context.Context, id string, cancel context.CancelFunc) (stop func()) {
	interval := c.CheckpointInterval
	if interval <= 0 {
		return func() {}
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur, err := c.Ledger.Get(ctx, id)
			if err != nil {
				continue
			}
			if cur.Status != domain.StatusExecuting {
				zerolog.Ctx(ctx).Info().Str("status", string(cur.Status)).Msg("command left EXECUTING, stopping executor")
				cancel()
				return
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func runExecutor(ctx context.Context, exec ports.Executor, cmd *domain.Command, rep ports.Reporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Str("stack", string(debug.Stack())).Msgf("executor panic: %v", r)
			err = domain.Fatal(domain.CodeWorkerPanic, nil, "panic: %v", r)
		}
	}()
	return exec.Execute(ctx, cmd.Clone(), rep)
}

func statusForClass(class domain.ErrorClass) domain.Status {
	switch class {
	case domain.ClassTransient:
		return domain.StatusFailedRetryable
	case domain.ClassValidation:
		return domain.StatusHumanRequired
	}
	return domain.StatusFailedFatal
}
