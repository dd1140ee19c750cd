package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/cohere/internal/clock"
	obsmetrics "github.com/smallbiznis/cohere/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubDrainer struct {
	batches []int
	calls   int
	err     error
}

func (d *stubDrainer) DrainOnce(context.Context) (int, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	if d.calls > len(d.batches) {
		return 0, nil
	}
	return d.batches[d.calls-1], nil
}

type stubSweeper struct {
	calls int
	swept int
}

func (s *stubSweeper) SweepUnpaid(context.Context, int) (int, error) {
	s.calls++
	return s.swept, nil
}

func newTestScheduler(t *testing.T, registry *prometheus.Registry, cfg Config) (*Scheduler, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	return &Scheduler{
		log:     zap.NewNop(),
		cfg:     cfg.withDefaults(),
		genID:   node,
		clock:   clk,
		metrics: obsmetrics.NewWorkerMetrics(registry, obsmetrics.Config{ServiceName: "cohere", Environment: "test"}),
		drainer: &stubDrainer{},
		sweeper: &stubSweeper{},
	}, clk
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	s, _ := newTestScheduler(t, registry, Config{})

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context, _ *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{"service": "cohere", "env": "test", "job": "timeout_job"}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "cohere_worker_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "cohere",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.WorkerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "cohere_worker_job_errors_total", errorLabels))
}

func TestOutboxDrainStopsWhenBacklogIsEmpty(t *testing.T) {
	registry := prometheus.NewRegistry()
	s, _ := newTestScheduler(t, registry, Config{EnabledJobs: []string{JobOutboxDrain}})
	drainer := &stubDrainer{batches: []int{100, 100, 7}}
	s.drainer = drainer

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 4, drainer.calls)

	labels := map[string]string{"service": "cohere", "env": "test", "job": JobOutboxDrain, "resource": "outbox_events"}
	assert.Equal(t, float64(207), getCounterValue(t, registry, "cohere_worker_batch_processed_total", labels))
}

func TestOutboxDrainRespectsBatchBudget(t *testing.T) {
	s, _ := newTestScheduler(t, prometheus.NewRegistry(), Config{MaxDrainBatches: 2, EnabledJobs: []string{JobOutboxDrain}})
	drainer := &stubDrainer{batches: []int{100, 100, 100}}
	s.drainer = drainer

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 2, drainer.calls)
}

func TestDrainFailureIsReturned(t *testing.T) {
	s, _ := newTestScheduler(t, prometheus.NewRegistry(), Config{EnabledJobs: []string{JobOutboxDrain}})
	s.drainer = &stubDrainer{err: errors.New("claim outbox: connection refused")}

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobOutboxDrain)
}

func TestUnpaidSweepRunsOncePerInterval(t *testing.T) {
	s, clk := newTestScheduler(t, prometheus.NewRegistry(), Config{SweepInterval: 10 * time.Minute})
	sweeper := &stubSweeper{swept: 2}
	s.sweeper = sweeper

	require.NoError(t, s.RunOnce(context.Background()))
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, sweeper.calls)

	clk.Advance(10 * time.Minute)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 2, sweeper.calls)
}

func TestDisabledJobsDoNotRun(t *testing.T) {
	s, _ := newTestScheduler(t, prometheus.NewRegistry(), Config{EnabledJobs: []string{JobOutboxDrain}})
	sweeper := &stubSweeper{}
	s.sweeper = sweeper

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Zero(t, sweeper.calls)
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
