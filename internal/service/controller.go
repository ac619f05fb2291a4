package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cfotel "github.com/Strob0t/AdFactory/internal/adapter/otel"
	"github.com/Strob0t/AdFactory/internal/config"
	"github.com/Strob0t/AdFactory/internal/domain"
	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
)

// engine bundles the collaborators shared by all task controllers.
type engine struct {
	registry  *Registry
	submitter *Submitter
	poller    *Poller
	observer  Observer
	policies  map[task.Kind]config.PollPolicy
	cadence   time.Duration

	// onComplete runs once per accepted transition into completed.
	onComplete func(t task.Task, b *batch.Batch)
}

// TaskController drives one task through its lifecycle. Only its own
// goroutine writes the task's registry entry while an attempt runs.
type TaskController struct {
	id    string
	batch *batch.Batch
	eng   *engine

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskController(id string, b *batch.Batch, eng *engine) *TaskController {
	done := make(chan struct{})
	close(done)
	return &TaskController{id: id, batch: b, eng: eng, done: done}
}

// Start launches an attempt bound to parent.
func (c *TaskController) Start(parent context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(parent)
}

func (c *TaskController) startLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		defer cancel()
		c.run(ctx)
	}()
}

// Retry resets a terminal task, optionally replacing its instruction or
// asset, and starts a new attempt. A task that is still running yields
// domain.ErrConflict.
func (c *TaskController) Retry(parent context.Context, in task.RetryInput) (task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.eng.registry.Get(c.id)
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", c.id, domain.ErrNotFound)
	}
	if !cur.Status.IsTerminal() {
		return task.Task{}, fmt.Errorf("task %s is %s: %w", c.id, cur.Status, domain.ErrConflict)
	}
	if in.Instruction != nil && strings.TrimSpace(*in.Instruction) == "" {
		return task.Task{}, fmt.Errorf("%w: instruction must not be empty", domain.ErrValidation)
	}

	// The previous attempt has written its terminal state; wait for its
	// goroutine to exit before the entry is reset.
	<-c.done

	next, ok, err := c.eng.registry.Apply(c.id, task.Reset(in))
	if err != nil {
		return task.Task{}, err
	}
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", c.id, domain.ErrConflict)
	}
	c.startLocked(parent)
	return next, nil
}

// Cancel stops the running attempt, if any.
func (c *TaskController) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Done is closed when the current attempt's goroutine has exited.
func (c *TaskController) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *TaskController) run(ctx context.Context) {
	start := time.Now()
	t, ok := c.eng.registry.Get(c.id)
	if !ok {
		return
	}
	log := slog.With("task_id", t.ID, "batch_id", t.BatchID, "attempt", t.Attempt)

	c.eng.observer.TaskStarted(ctx, t.Kind)
	ctx, span := cfotel.StartTaskSpan(ctx, t.ID, t.BatchID, string(t.Kind), t.Attempt)

	err := c.execute(ctx, &t)
	if err != nil && ctx.Err() != nil {
		err = task.CancelledError()
	}
	cfotel.EndSpan(span, err)

	var final task.Task
	if err != nil {
		final, ok = c.apply(task.Fail(err))
		log.Warn("task failed", "error_kind", task.KindOf(err), "error", err)
	} else {
		final, ok = c.apply(task.Complete(t.ResultRef))
		if ok {
			log.Info("task completed", "result_ref", t.ResultRef)
			if c.eng.onComplete != nil {
				c.eng.onComplete(final, c.batch)
			}
		}
	}
	if ok {
		c.eng.observer.TaskFinished(context.WithoutCancel(ctx), final, time.Since(start))
	}
}

// execute runs the attempt's steps in order. On success t.ResultRef holds
// the validated result.
func (c *TaskController) execute(ctx context.Context, t *task.Task) error {
	shared := &c.batch.Shared

	if _, ok := c.apply(task.Transition(task.StatusUploading)); !ok {
		return errAttemptSuperseded
	}
	stepCtx, span := cfotel.StartStepSpan(ctx, "upload")
	assetURL, err := c.eng.submitter.PrepareAsset(stepCtx, t, shared)
	cfotel.EndSpan(span, err)
	if err != nil {
		return err
	}

	if _, ok := c.apply(task.Transition(task.StatusSubmitting)); !ok {
		return errAttemptSuperseded
	}
	stepCtx, span = cfotel.StartStepSpan(ctx, "submit")
	jobID, err := c.submitWithSyntheticProgress(stepCtx, t, shared, assetURL)
	cfotel.EndSpan(span, err)
	if err != nil {
		return err
	}

	p := task.Transition(task.StatusProcessing)
	p.RemoteJobID = &jobID
	if _, ok := c.apply(p); !ok {
		return errAttemptSuperseded
	}
	slog.Debug("remote job created", "task_id", t.ID, "remote_job_id", jobID)

	stepCtx, span = cfotel.StartStepSpan(ctx, "poll")
	ref, err := c.eng.poller.PollUntilTerminal(stepCtx, jobID, c.eng.policies[t.Kind], func(v float64) {
		c.apply(task.ProgressTo(v))
	})
	cfotel.EndSpan(span, err)
	if err != nil {
		return err
	}
	t.ResultRef = ref
	return nil
}

// submitWithSyntheticProgress runs the submit call while raising progress
// on a fixed cadence. All registry writes stay on the controller goroutine.
func (c *TaskController) submitWithSyntheticProgress(ctx context.Context, t *task.Task, shared *batch.SharedConfig, assetURL string) (string, error) {
	type result struct {
		jobID string
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		id, err := c.eng.submitter.Submit(ctx, t, shared, assetURL)
		resCh <- result{jobID: id, err: err}
	}()

	cadence := c.eng.cadence
	if cadence <= 0 {
		cadence = time.Second
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case r := <-resCh:
			return r.jobID, r.err
		case <-ticker.C:
			cur, ok := c.eng.registry.Get(c.id)
			if !ok || cur.Status != task.StatusSubmitting {
				continue
			}
			c.apply(task.ProgressTo(task.NextSynthetic(cur.Progress)))
		}
	}
}

var errAttemptSuperseded = errors.New("task state changed outside its controller")

func (c *TaskController) apply(p task.Patch) (task.Task, bool) {
	next, ok, err := c.eng.registry.Apply(c.id, p)
	if err != nil {
		slog.Error("registry write failed", "task_id", c.id, "error", err)
		return next, false
	}
	return next, ok
}
