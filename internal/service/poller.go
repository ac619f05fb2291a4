package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/AdFactory/internal/config"
	"github.com/Strob0t/AdFactory/internal/domain/jobstatus"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/generation"
)

// Observer receives engine measurements. The otel Metrics type implements it.
type Observer interface {
	TaskStarted(ctx context.Context, kind task.Kind)
	TaskFinished(ctx context.Context, t task.Task, elapsed time.Duration)
	PollObserved(ctx context.Context, ok bool)
}

type nopObserver struct{}

func (nopObserver) TaskStarted(context.Context, task.Kind)                 {}
func (nopObserver) TaskFinished(context.Context, task.Task, time.Duration) {}
func (nopObserver) PollObserved(context.Context, bool)                     {}

// Poller follows a remote job until it reaches a terminal state.
type Poller struct {
	gen          generation.Service
	validator    *ResultValidator
	observer     Observer
	maxTransient int
}

// NewPoller creates a Poller. maxTransient consecutive failed polls end the
// task with a connection-lost error.
func NewPoller(gen generation.Service, validator *ResultValidator, observer Observer, maxTransient int) *Poller {
	if observer == nil {
		observer = nopObserver{}
	}
	if maxTransient < 1 {
		maxTransient = 1
	}
	return &Poller{gen: gen, validator: validator, observer: observer, maxTransient: maxTransient}
}

// PollOnce performs one status query. A failed query is a transient error.
func (p *Poller) PollOnce(ctx context.Context, remoteJobID string) (jobstatus.Snapshot, error) {
	snap, err := p.gen.Poll(ctx, remoteJobID)
	if err != nil {
		if ctx.Err() != nil {
			return jobstatus.Snapshot{}, ctx.Err()
		}
		p.observer.PollObserved(ctx, false)
		return jobstatus.Snapshot{}, task.TransientError(err)
	}
	p.observer.PollObserved(ctx, true)
	return snap, nil
}

// PollUntilTerminal polls every policy.Interval until the job succeeds with
// a reachable result, fails, or policy.Timeout elapses. onProgress receives
// the mapped display progress of every non-terminal reply.
//
// It returns ctx.Err() as soon as ctx is cancelled.
func (p *Poller) PollUntilTerminal(ctx context.Context, remoteJobID string, policy config.PollPolicy, onProgress func(float64)) (string, error) {
	deadline := time.Now().Add(policy.Timeout)
	timer := time.NewTimer(0)
	defer timer.Stop()

	fails := 0
	claimed := false
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		snap, err := p.PollOnce(ctx, remoteJobID)
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			fails++
			slog.Warn("poll failed", "remote_job_id", remoteJobID, "consecutive", fails, "error", err)
			if fails >= p.maxTransient {
				return "", task.ConnectionLostError(fails, err)
			}
		default:
			fails = 0
			switch snap.Phase {
			case jobstatus.PhaseFailed:
				return "", task.RemoteFailure(snap.Error)
			case jobstatus.PhaseSucceeded:
				if err := p.validator.Validate(ctx, snap.ResultRef); err != nil {
					if ctx.Err() != nil {
						return "", ctx.Err()
					}
					return "", err
				}
				return snap.ResultRef, nil
			default:
				if snap.ClaimedSuccess && !claimed {
					claimed = true
					slog.Warn("success without result", "remote_job_id", remoteJobID)
				}
				if onProgress != nil {
					onProgress(task.MapRemote(snap.Progress))
				}
			}
		}

		if !time.Now().Before(deadline) {
			return "", task.TimeoutError(policy.Timeout)
		}
		timer.Reset(policy.Interval)
	}
}
