package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"opsqueue/internal/domain"
	"opsqueue/internal/metrics"
	"opsqueue/internal/ports"
)

var _ ports.Reporter = (*Reporter)(nil)

type report struct {
	progress *domain.Progress
	level    string
	message  string
}

// Reporter buffers an executor's log lines and progress updates and writes them from a single
// goroutine. Log and Progress never block; when the buffer is full the report is dropped.
type Reporter struct {
	ledger  *Ledger
	cmd     *domain.Command
	logger  string
	metrics metrics.LedgerObserver
	now     func() time.Time

	ch      chan report
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	etaMu      sync.Mutex
	phase      string
	phaseStart time.Time
	phaseDone  int64
}

// NewReporter starts the writer goroutine; ctx must outlive the executor so the last reports land.
func NewReporter(ctx context.Context, l *Ledger, cmd *domain.Command, logger string, buffer int) *Reporter {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Reporter{
		ledger:  l,
		cmd:     cmd,
		logger:  logger,
		metrics: l.Metrics,
		now:     l.Now,
		ch:      make(chan report, buffer),
		done:    make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *Reporter) Log(level, message string) {
	r.offer(report{level: level, message: message})
}

func (r *Reporter) Progress(phase string, done int64, total *int64, message string) {
	now := r.now()
	p := domain.Progress{
		Phase:      phase,
		Done:       done,
		Total:      total,
		ETASeconds: r.eta(phase, done, total, now),
		Message:    message,
		UpdatedAt:  now,
	}
	r.offer(report{progress: &p})
}

// Close drains the buffer and stops the writer. It returns how many reports were dropped.
func (r *Reporter) Close() int64 {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
	return r.dropped.Load()
}

func (r *Reporter) offer(rep report) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- rep:
	default:
		r.dropped.Add(1)
		r.metrics.RecordReporterDrop(string(r.cmd.Type))
	}
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	for rep := range r.ch {
		if rep.progress != nil {
			if err := r.ledger.SetProgress(ctx, r.cmd.ID, *rep.progress); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("command_id", r.cmd.ID).Msg("failed to store progress")
			}
			continue
		}
		if _, err := r.ledger.AppendLog(ctx, r.cmd.ID, rep.level, r.logger, rep.message); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("command_id", r.cmd.ID).Msg("failed to append log line")
		}
	}
}

// eta extrapolates the rate observed since the current phase started.
func (r *Reporter) eta(phase string, done int64, total *int64, now time.Time) *int64 {
	r.etaMu.Lock()
	defer r.etaMu.Unlock()
	if phase != r.phase || done < r.phaseDone {
		r.phase = phase
		r.phaseStart = now
		r.phaseDone = done
		return nil
	}
	if total == nil || *total < done {
		return nil
	}
	progressed := done - r.phaseDone
	if progressed <= 0 {
		return nil
	}
	elapsed := now.Sub(r.phaseStart)
	perItem := elapsed / time.Duration(progressed)
	secs := int64((perItem * time.Duration(*total-done)).Round(time.Second) / time.Second)
	return &secs
}
