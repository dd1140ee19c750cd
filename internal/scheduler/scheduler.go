package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/events"
	obsmetrics "github.com/smallbiznis/cohere/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobOutboxDrain = "outbox_drain"
	JobUnpaidSweep = "unpaid_sweep"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// Drainer delivers due outbox events, including delayed cancellation jobs.
type Drainer interface {
	DrainOnce(ctx context.Context) (int, error)
}

// Sweeper cancels unpaid payments whose cancellation job never ran.
type Sweeper interface {
	SweepUnpaid(ctx context.Context, limit int) (int, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Dispatcher *events.Dispatcher
	Checkout   checkoutdomain.Service
	Clock      clock.Clock               `optional:"true"`
	Metrics    *obsmetrics.WorkerMetrics `optional:"true"`
	Config     Config                    `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.WorkerMetrics
	drainer Drainer
	sweeper Sweeper

	mu        sync.Mutex
	lastSweep time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Dispatcher == nil || p.Checkout == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Worker()
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   clk,
		metrics: m,
		drainer: p.Dispatcher,
		sweeper: p.Checkout,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	run := s.startJobRun(name, batchSize)
	s.logJobStart(run)
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(run)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up where this one stopped
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobOutboxDrain, s.isJobEnabled(JobOutboxDrain), func(ctx context.Context) error {
			return s.runJob(ctx, JobOutboxDrain, s.cfg.MaxDrainBatches, 30*time.Second, s.OutboxDrainJob)
		}},
		{JobUnpaidSweep, s.isJobEnabled(JobUnpaidSweep) && s.sweepDue(), func(ctx context.Context) error {
			return s.runJob(ctx, JobUnpaidSweep, s.cfg.SweepLimit, time.Minute, s.UnpaidSweepJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) sweepDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < s.cfg.SweepInterval {
		return false
	}
	s.lastSweep = now
	return true
}

// OutboxDrainJob delivers due outbox batches until the backlog is empty or the batch
// budget is spent.
func (s *Scheduler) OutboxDrainJob(ctx context.Context, run *jobRun) error {
	for i := 0; i < s.cfg.MaxDrainBatches; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delivered, err := s.drainer.DrainOnce(ctx)
		run.AddProcessed(delivered)
		s.metrics.AddBatchProcessed(JobOutboxDrain, "outbox_events", delivered)
		if err != nil {
			s.logSchedulerError(run, "scheduler.outbox.drain.failed", JobOutboxDrain, err)
			return err
		}
		if delivered == 0 {
			s.metrics.IncBatchDeferred(JobOutboxDrain, obsmetrics.WorkerBatchDeferredReasonSkipLockedEmpty)
			return nil
		}
	}
	return nil
}

func (s *Scheduler) UnpaidSweepJob(ctx context.Context, run *jobRun) error {
	swept, err := s.sweeper.SweepUnpaid(ctx, s.cfg.SweepLimit)
	run.AddProcessed(swept)
	s.metrics.AddBatchProcessed(JobUnpaidSweep, "payments", swept)
	if err != nil {
		s.logSchedulerError(run, "scheduler.sweep.failed", JobUnpaidSweep, err)
	}
	return err
}
