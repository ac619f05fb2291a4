package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/AdFactory/internal/domain/task"
)

const meterName = "adfactory"

// Metrics holds all engine metric instruments. It satisfies the engine's
// observer interface.
type Metrics struct {
	TasksStarted   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	PollRequests   metric.Int64Counter
	TaskDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("adfactory.tasks.started",
		metric.WithDescription("Number of task attempts started"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("adfactory.tasks.completed",
		metric.WithDescription("Number of tasks completed with a validated result"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("adfactory.tasks.failed",
		metric.WithDescription("Number of tasks failed, by error kind"))
	if err != nil {
		return nil, err
	}

	m.PollRequests, err = meter.Int64Counter("adfactory.poll.requests",
		metric.WithDescription("Number of status poll requests, by outcome"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("adfactory.task.duration_seconds",
		metric.WithDescription("Task attempt duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskStarted records the start of a task attempt.
func (m *Metrics) TaskStarted(ctx context.Context, kind task.Kind) {
	m.TasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task.kind", string(kind))))
}

// TaskFinished records a terminal task attempt and its duration.
func (m *Metrics) TaskFinished(ctx context.Context, t task.Task, elapsed time.Duration) {
	kind := attribute.String("task.kind", string(t.Kind))
	switch t.Status {
	case task.StatusCompleted:
		m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(kind))
	case task.StatusError:
		m.TasksFailed.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("error.kind", string(t.ErrorKind))))
	}
	m.TaskDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(kind, attribute.String("task.status", string(t.Status))))
}

// PollObserved records one poll request outcome.
func (m *Metrics) PollObserved(ctx context.Context, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.PollRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
