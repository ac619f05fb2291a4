package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain"
	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/broadcast"
	mq "github.com/Strob0t/AdFactory/internal/port/messagequeue"
)

func TestRunBatchMixedOutcome(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{
		"line one": {processing(0), processing(40), succeeded("https://cdn.test/one.mp4")},
		"line two": {failed(10, "Content policy violation")},
	})
	te := newTestEngine(t, gen, nil)

	// Record progress per task to check it never decreases.
	var (
		mu       sync.Mutex
		progress = map[string][]float64{}
	)
	te.svc.registry.Subscribe(func(ch Change) {
		mu.Lock()
		progress[ch.Next.ID] = append(progress[ch.Next.ID], ch.Next.Progress)
		mu.Unlock()
	})

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("line one", "line two", "   "))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks (blank input skipped), got %d", len(tasks))
	}
	if tasks[0].DisplayName != "Australian Life Insurance 1" || tasks[1].DisplayName != "Australian Life Insurance 2" {
		t.Errorf("display names = %q, %q", tasks[0].DisplayName, tasks[1].DisplayName)
	}
	te.wait(t, b.ID)

	got, err := te.svc.Tasks(b.ID)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	one, two := got[0], got[1]
	if one.Status != task.StatusCompleted || one.Progress != 100 || one.ResultRef != "https://cdn.test/one.mp4" {
		t.Errorf("task 1 = %s/%v/%q, want completed/100 with result", one.Status, one.Progress, one.ResultRef)
	}
	if two.Status != task.StatusError || two.Error != "Content policy violation" || two.ErrorKind != task.ErrKindRemoteFailure {
		t.Errorf("task 2 = %s/%q/%s, want remote failure text", two.Status, two.Error, two.ErrorKind)
	}

	sum, err := te.svc.Summary(b.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !sum.Finished || sum.CompletedCount != 1 || sum.Total != 2 || sum.FailedCount != 1 {
		t.Errorf("summary = %+v", sum)
	}

	mu.Lock()
	for id, seq := range progress {
		for i := 1; i < len(seq); i++ {
			if seq[i] < seq[i-1] {
				t.Errorf("task %s progress decreased: %v", id, seq)
				break
			}
		}
		for _, p := range seq[:len(seq)-1] {
			if p > 98 {
				t.Errorf("task %s reported %v before completion", id, p)
			}
		}
	}
	mu.Unlock()

	// The shared source was uploaded once and reused by both tasks.
	if n := gen.uploadCount(); n != 1 {
		t.Errorf("expected 1 upload, got %d", n)
	}
	for _, job := range gen.videoJobs {
		if len(job.ImageURLs) != 1 || !strings.HasPrefix(job.ImageURLs[0], "https://cdn.test/actor_") {
			t.Errorf("video job images = %v", job.ImageURLs)
		}
		if job.AspectRatio != "9:16" {
			t.Errorf("aspect ratio = %q, want default 9:16", job.AspectRatio)
		}
	}

	select {
	case r := <-te.store.saved:
		if r.TaskID != one.ID || r.ResultRef != one.ResultRef || r.SourceRef == "" {
			t.Errorf("saved result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completed task was not persisted")
	}
	if _, err := te.store.GetBatch(context.Background(), b.ID); err != nil {
		t.Errorf("batch record not persisted: %v", err)
	}

	waitFor(t, "completion event", func() bool { return te.queue.count(mq.SubjectTaskCompleted) == 1 })
	waitFor(t, "batch finished event", func() bool { return te.hub.count(broadcast.EventBatchFinished) == 1 })
	waitFor(t, "batch finished message", func() bool { return te.queue.count(mq.SubjectBatchFinished) == 1 })
	if te.hub.count(broadcast.EventBatchCreated) != 1 {
		t.Errorf("expected one batch.created event")
	}
}

func TestRunBatchUnreachableResult(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{
		"ghost": {succeeded("https://cdn.test/missing.mp4")},
	})
	te := newTestEngine(t, gen, nil)
	te.prober.bad["https://cdn.test/missing.mp4"] = true

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("ghost"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)

	got, _ := te.svc.GetTask(tasks[0].ID)
	if got.Status != task.StatusError || got.ErrorKind != task.ErrKindUnreachable {
		t.Fatalf("task = %s/%s, want unreachable error", got.Status, got.ErrorKind)
	}
	if got.Progress >= 100 {
		t.Errorf("progress = %v, 100 is reserved for validated results", got.Progress)
	}
	if te.queue.count(mq.SubjectTaskCompleted) != 0 {
		t.Error("unreachable result must not publish a completion")
	}
}

func TestRunBatchTaskErrors(t *testing.T) {
	tests := []struct {
		name     string
		steps    []pollStep
		setup    func(*mockGen)
		wantKind task.ErrorKind
	}{
		{
			name:     "connection lost after consecutive poll failures",
			steps:    []pollStep{processing(5), pollErr(), pollErr(), pollErr()},
			wantKind: task.ErrKindConnectionLost,
		},
		{
			name:     "missing job id",
			setup:    func(g *mockGen) { g.emptyID = true },
			wantKind: task.ErrKindSubmission,
		},
		{
			name:     "submit transport failure",
			setup:    func(g *mockGen) { g.submitErr = errors.New("dial tcp: refused") },
			wantKind: task.ErrKindSubmission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scripts := map[string][]pollStep{}
			if tt.steps != nil {
				scripts["doomed"] = tt.steps
			}
			gen := newMockGen(scripts)
			if tt.setup != nil {
				tt.setup(gen)
			}
			te := newTestEngine(t, gen, nil)

			b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("doomed"))
			if err != nil {
				t.Fatalf("RunBatch: %v", err)
			}
			te.wait(t, b.ID)

			got, _ := te.svc.GetTask(tasks[0].ID)
			if got.Status != task.StatusError || got.ErrorKind != tt.wantKind {
				t.Fatalf("task = %s/%s (%s), want %s", got.Status, got.ErrorKind, got.Error, tt.wantKind)
			}
		})
	}
}

func TestRunBatchTransientFailuresRecover(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{
		"flaky": {pollErr(), pollErr(), processing(50), pollErr(), succeeded("https://cdn.test/flaky.mp4")},
	})
	te := newTestEngine(t, gen, nil)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("flaky"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)

	got, _ := te.svc.GetTask(tasks[0].ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.Error)
	}
}

func TestRunBatchPollingTimeout(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Video.Timeout = 30 * time.Millisecond
	te := newTestEngine(t, newMockGen(nil), cfg)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("never ends"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)

	got, _ := te.svc.GetTask(tasks[0].ID)
	if got.ErrorKind != task.ErrKindTimeout || !strings.Contains(got.Error, "timed out") {
		t.Fatalf("task = %s/%q, want polling timeout", got.ErrorKind, got.Error)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	te := newTestEngine(t, newMockGen(nil), nil)

	req := videoRequest("  ", "")
	if _, _, err := te.svc.RunBatch(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if te.gen.uploadCount() != 0 {
		t.Error("no upload may happen for an invalid batch")
	}
}

func TestCreateBatchSharedUploadFailureAborts(t *testing.T) {
	gen := newMockGen(nil)
	gen.uploadErr = errors.New("503 service unavailable")
	te := newTestEngine(t, gen, nil)

	_, _, err := te.svc.RunBatch(context.Background(), videoRequest("line"))
	if !errors.Is(err, task.ErrUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if batches, _ := te.svc.ListBatches(context.Background(), "", 0); len(batches) != 0 {
		t.Errorf("no batch may be recorded, got %d", len(batches))
	}
}

func TestCreateBatchPersistenceFailureIsLogged(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{"ok": {succeeded("https://cdn.test/ok.mp4")}})
	te := newTestEngine(t, gen, nil)
	te.store.createErr = errors.New("database down")

	b, _, err := te.svc.RunBatch(context.Background(), videoRequest("ok"))
	if err != nil {
		t.Fatalf("persistence failure must not fail the batch: %v", err)
	}
	te.wait(t, b.ID)
	if sum, _ := te.svc.Summary(b.ID); sum.CompletedCount != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestAddTask(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{
		"first":  {succeeded("https://cdn.test/1.mp4")},
		"second": {succeeded("https://cdn.test/2.mp4")},
	})
	te := newTestEngine(t, gen, nil)

	b, _, err := te.svc.RunBatch(context.Background(), videoRequest("first"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)

	added, err := te.svc.AddTask(context.Background(), b.ID, batch.Input{Instruction: "second"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if added.DisplayName != "Clip 2" {
		t.Errorf("display name = %q, want Clip 2", added.DisplayName)
	}
	te.wait(t, b.ID)

	sum, _ := te.svc.Summary(b.ID)
	if sum.Total != 2 || sum.CompletedCount != 2 || !sum.Finished {
		t.Errorf("summary = %+v", sum)
	}
	if n := gen.uploadCount(); n != 1 {
		t.Errorf("added task must reuse the cached source, got %d uploads", n)
	}

	if _, err := te.svc.AddTask(context.Background(), "missing", batch.Input{Instruction: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := te.svc.AddTask(context.Background(), b.ID, batch.Input{Instruction: " "}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{
		"bad take":  {failed(10, "rejected")},
		"good take": {processing(60), succeeded("https://cdn.test/good.mp4")},
	})
	te := newTestEngine(t, gen, nil)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("bad take"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)
	id := tasks[0].ID

	text := "good take"
	reset, err := te.svc.Retry(context.Background(), id, task.RetryInput{Instruction: &text})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if reset.Attempt != 2 || reset.Error != "" || reset.Status != task.StatusPreparing || reset.Progress != 0 {
		t.Errorf("reset task = %+v", reset)
	}
	te.wait(t, b.ID)

	got, _ := te.svc.GetTask(id)
	if got.Status != task.StatusCompleted || got.Instruction != "good take" || got.ResultRef != "https://cdn.test/good.mp4" {
		t.Fatalf("retried task = %+v", got)
	}
	if got.DisplayName != tasks[0].DisplayName {
		t.Errorf("retry must keep the display name")
	}

	if _, err := te.svc.Retry(context.Background(), "nope", task.RetryInput{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRetryLeavesSiblingsUntouched(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{
		"alpha take":   {failed(10, "rejected")},
		"bravo take":   {succeeded("https://cdn.test/done.mp4")},
		"charlie take": {processing(50)},
		"delta take":   {processing(30), succeeded("https://cdn.test/retried.mp4")},
		"echo take":    {succeeded("https://cdn.test/echo.mp4")},
	})
	te := newTestEngine(t, gen, nil)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("alpha take", "bravo take", "charlie take"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	failedID, doneID, runningID := tasks[0].ID, tasks[1].ID, tasks[2].ID
	status := func(id string) task.Status {
		got, _ := te.svc.GetTask(id)
		return got.Status
	}
	waitFor(t, "initial outcomes", func() bool {
		return status(failedID) == task.StatusError &&
			status(doneID) == task.StatusCompleted &&
			status(runningID) == task.StatusProcessing
	})
	before, _ := te.svc.GetTask(doneID)

	text := "delta take"
	if _, err := te.svc.Retry(context.Background(), failedID, task.RetryInput{Instruction: &text}); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitFor(t, "retried task completes", func() bool { return status(failedID) == task.StatusCompleted })

	after, _ := te.svc.GetTask(doneID)
	if after.Status != before.Status || after.Progress != before.Progress ||
		after.ResultRef != before.ResultRef || after.Attempt != before.Attempt {
		t.Errorf("completed sibling changed: before=%s/%v/%q after=%s/%v/%q",
			before.Status, before.Progress, before.ResultRef, after.Status, after.Progress, after.ResultRef)
	}
	if got := status(runningID); got != task.StatusProcessing {
		t.Errorf("running sibling = %s, want processing", got)
	}
	sum, _ := te.svc.Summary(b.ID)
	if sum.Total != 3 || sum.CompletedCount != 2 || sum.ActiveCount != 1 || sum.Finished {
		t.Errorf("summary with one task running = %+v", sum)
	}
	if n := te.queue.count(mq.SubjectBatchFinished); n != 0 {
		t.Errorf("batch finished published %d times while a task runs", n)
	}

	// Ending the last task finishes the batch.
	gen.setScript("charlie take", []pollStep{failed(50, "late failure")})
	te.wait(t, b.ID)
	waitFor(t, "first batch finished message", func() bool { return te.queue.count(mq.SubjectBatchFinished) == 1 })

	// Retrying after the finish reopens the batch, which finishes again.
	text = "echo take"
	if _, err := te.svc.Retry(context.Background(), runningID, task.RetryInput{Instruction: &text}); err != nil {
		t.Fatalf("Retry after finish: %v", err)
	}
	te.wait(t, b.ID)
	waitFor(t, "second batch finished message", func() bool { return te.queue.count(mq.SubjectBatchFinished) == 2 })

	sum, _ = te.svc.Summary(b.ID)
	if !sum.Finished || sum.CompletedCount != 3 || sum.FailedCount != 0 {
		t.Errorf("final summary = %+v", sum)
	}
	if got, _ := te.svc.GetTask(doneID); got.ResultRef != before.ResultRef || got.Attempt != before.Attempt {
		t.Errorf("completed sibling changed by second retry: %+v", got)
	}
}

func TestRetryRunningTaskConflicts(t *testing.T) {
	te := newTestEngine(t, newMockGen(nil), nil)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("slow"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	waitFor(t, "processing", func() bool {
		got, _ := te.svc.GetTask(tasks[0].ID)
		return got.Status == task.StatusProcessing
	})

	if _, err := te.svc.Retry(context.Background(), tasks[0].ID, task.RetryInput{}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := te.svc.DeleteBatch(context.Background(), b.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict deleting a live batch, got %v", err)
	}
}

func TestCancelBatch(t *testing.T) {
	te := newTestEngine(t, newMockGen(nil), nil)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("a", "b"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	waitFor(t, "both processing", func() bool {
		for _, tk := range tasks {
			got, _ := te.svc.GetTask(tk.ID)
			if got.Status != task.StatusProcessing {
				return false
			}
		}
		return true
	})

	n, err := te.svc.CancelBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled %d tasks, want 2", n)
	}
	te.wait(t, b.ID)

	for _, tk := range tasks {
		got, _ := te.svc.GetTask(tk.ID)
		if got.Status != task.StatusError || got.ErrorKind != task.ErrKindCancelled {
			t.Errorf("task %s = %s/%s, want cancelled", got.ID, got.Status, got.ErrorKind)
		}
	}

	// Cancelled tasks remain retryable.
	if _, err := te.svc.Retry(context.Background(), tasks[0].ID, task.RetryInput{}); err != nil {
		t.Errorf("retry after cancel: %v", err)
	}
}

func TestHandleCancelMessage(t *testing.T) {
	te := newTestEngine(t, newMockGen(nil), nil)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("a"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if err := te.svc.HandleCancelMessage(context.Background(), mq.SubjectBatchCancel, []byte(`{"batch_id":"`+b.ID+`"}`)); err != nil {
		t.Fatalf("HandleCancelMessage: %v", err)
	}
	te.wait(t, b.ID)
	if got, _ := te.svc.GetTask(tasks[0].ID); got.ErrorKind != task.ErrKindCancelled {
		t.Errorf("error kind = %s, want cancelled", got.ErrorKind)
	}

	if err := te.svc.HandleCancelMessage(context.Background(), mq.SubjectBatchCancel, []byte(`{"batch_id":"unknown"}`)); err != nil {
		t.Errorf("unknown batch must be ignored, got %v", err)
	}
	if err := te.svc.HandleCancelMessage(context.Background(), mq.SubjectBatchCancel, []byte(`{`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestDeleteBatch(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{"done": {succeeded("https://cdn.test/d.mp4")}})
	te := newTestEngine(t, gen, nil)

	b, _, err := te.svc.RunBatch(context.Background(), videoRequest("done"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)

	if err := te.svc.DeleteBatch(context.Background(), b.ID); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if _, err := te.svc.Summary(b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected batch gone from memory, got %v", err)
	}
	if _, err := te.store.GetBatch(context.Background(), b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected batch gone from store, got %v", err)
	}
	if err := te.svc.DeleteBatch(context.Background(), b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestAddTaskAfterConcurrentDelete(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{"done": {succeeded("https://cdn.test/d.mp4")}})
	te := newTestEngine(t, gen, nil)

	b, _, err := te.svc.RunBatch(context.Background(), videoRequest("done"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)

	// AddTask resolved the batch, then a delete landed before registration.
	live, err := te.svc.liveBatch(b.ID)
	if err != nil {
		t.Fatalf("liveBatch: %v", err)
	}
	if err := te.svc.DeleteBatch(context.Background(), b.ID); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if _, _, err := te.svc.add(live, batch.Input{Instruction: "late"}, "Clip 2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for a deleted batch, got %v", err)
	}
	if n := te.svc.registry.Count(b.ID); n != 0 {
		t.Errorf("deleted batch has %d registered tasks", n)
	}
	te.svc.mu.RLock()
	n := len(te.svc.controllers)
	te.svc.mu.RUnlock()
	if n != 0 {
		t.Errorf("expected no controllers after delete, got %d", n)
	}
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	te := newTestEngine(t, newMockGen(nil), nil)

	b, tasks, err := te.svc.RunBatch(context.Background(), videoRequest("forever"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	waitFor(t, "processing", func() bool {
		got, _ := te.svc.GetTask(tasks[0].ID)
		return got.Status == task.StatusProcessing
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := te.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got, _ := te.svc.GetTask(tasks[0].ID); got.ErrorKind != task.ErrKindCancelled {
		t.Errorf("error kind = %s, want cancelled", got.ErrorKind)
	}
	if _, err := te.svc.AddTask(context.Background(), b.ID, batch.Input{Instruction: "late"}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected conflict after shutdown, got %v", err)
	}
}

func TestRunRemix(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{
		"nano-banana-pro":     {succeeded("https://cdn.test/nano.png")},
		"flux-pro":            {failed(0, "model busy")},
		"stable-diffusion-xl": {succeeded("https://cdn.test/sdxl.png")},
	})
	te := newTestEngine(t, gen, nil)

	req := &batch.RemixRequest{
		Name:      "Winter remix",
		CreatedBy: "tester",
		Sources: []batch.Source{
			{Name: "hero.png", Asset: "data:image/png;base64,SEVSTw=="},
			{Name: "promo.png", Asset: "https://cdn.test/promo.png"},
		},
		VariationsPerImage: 3,
		OfferContext:       "50% off",
		CustomPrompt:       "warmer tones",
	}
	b, tasks, err := te.svc.RunRemix(context.Background(), req)
	if err != nil {
		t.Fatalf("RunRemix: %v", err)
	}
	if len(tasks) != 6 {
		t.Fatalf("expected 6 tasks, got %d", len(tasks))
	}
	wantModels := []string{"nano-banana-pro", "flux-pro", "stable-diffusion-xl"}
	for i, tk := range tasks {
		if tk.Kind != task.KindImage {
			t.Errorf("task %d kind = %s", i, tk.Kind)
		}
		if tk.Model != wantModels[i%3] {
			t.Errorf("task %d model = %s, want %s", i, tk.Model, wantModels[i%3])
		}
		if !strings.Contains(tk.Instruction, "Context: 50% off.") || !strings.Contains(tk.Instruction, "Direction: warmer tones") {
			t.Errorf("task %d instruction = %q", i, tk.Instruction)
		}
	}
	if tasks[0].DisplayName != "hero.png variation 1" || tasks[5].DisplayName != "promo.png variation 3" {
		t.Errorf("display names = %q, %q", tasks[0].DisplayName, tasks[5].DisplayName)
	}
	if n := gen.uploadCount(); n != 1 {
		t.Errorf("only the inline source is uploaded, got %d uploads", n)
	}
	te.wait(t, b.ID)

	sum, _ := te.svc.Summary(b.ID)
	if !sum.Finished || sum.CompletedCount != 4 || sum.FailedCount != 2 {
		t.Errorf("summary = %+v", sum)
	}
	for _, job := range gen.imageJobs {
		if job.Resolution != "1K" || job.OutputFormat != "png" || len(job.ImageURLs) != 1 {
			t.Errorf("image job = %+v", job)
		}
	}
}

func TestRunRemixUploadFailureAborts(t *testing.T) {
	gen := newMockGen(nil)
	gen.uploadErr = errors.New("boom")
	te := newTestEngine(t, gen, nil)

	_, tasks, err := te.svc.RunRemix(context.Background(), &batch.RemixRequest{
		Sources:            []batch.Source{{Name: "a.png", Asset: "data:image/png;base64,QQ=="}},
		VariationsPerImage: 2,
	})
	if !errors.Is(err, task.ErrUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("no task may start, got %d", len(tasks))
	}
}

func TestListBatchesAndHistory(t *testing.T) {
	gen := newMockGen(map[string][]pollStep{"h": {succeeded("https://cdn.test/h.mp4")}})
	te := newTestEngine(t, gen, nil)

	b, _, err := te.svc.RunBatch(context.Background(), videoRequest("h"))
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	te.wait(t, b.ID)
	select {
	case <-te.store.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("result was not persisted")
	}

	list, err := te.svc.ListBatches(context.Background(), "", 10)
	if err != nil || len(list) != 1 || list[0].WorkspaceID != batch.DefaultWorkspace {
		t.Fatalf("ListBatches = %+v, %v", list, err)
	}
	hist, err := te.svc.History(context.Background(), b.ID)
	if err != nil || len(hist) != 1 || hist[0].ResultRef != "https://cdn.test/h.mp4" {
		t.Fatalf("History = %+v, %v", hist, err)
	}

	got, live, err := te.svc.GetBatch(context.Background(), b.ID)
	if err != nil || !live || got.ID != b.ID {
		t.Fatalf("GetBatch = %+v, %v, %v", got, live, err)
	}
}
