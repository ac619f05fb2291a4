package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/AdFactory/internal/config"
	"github.com/Strob0t/AdFactory/internal/domain"
	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/database"
	mq "github.com/Strob0t/AdFactory/internal/port/messagequeue"
)

// BatchService coordinates batches: it creates their records, launches one
// TaskController per task and projects batch aggregates from the registry.
type BatchService struct {
	cfg      *config.Engine
	store    database.Store
	assets   *AssetService
	registry *Registry
	events   *EventSink
	notify   *NotificationService
	eng      *engine
	newID    func() string
	now      func() time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu          sync.RWMutex
	batches     map[string]*batch.Batch
	controllers map[string]*TaskController
	closed      bool

	pending sync.WaitGroup // in-flight result writes
}

// BatchDeps holds the collaborators of a BatchService. Store, Events and
// Notifications may be nil.
type BatchDeps struct {
	Store         database.Store
	Assets        *AssetService
	Submitter     *Submitter
	Poller        *Poller
	Events        *EventSink
	Notifications *NotificationService
	Observer      Observer
}

// NewBatchService creates a BatchService. Every task runs under a context
// derived from the service's own root, which Shutdown cancels.
func NewBatchService(cfg *config.Engine, deps BatchDeps) *BatchService {
	observer := deps.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	registry := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &BatchService{
		cfg:         cfg,
		store:       deps.Store,
		assets:      deps.Assets,
		registry:    registry,
		events:      deps.Events,
		notify:      deps.Notifications,
		newID:       func() string { return uuid.New().String() },
		now:         time.Now,
		rootCtx:     ctx,
		rootCancel:  cancel,
		batches:     make(map[string]*batch.Batch),
		controllers: make(map[string]*TaskController),
	}
	s.eng = &engine{
		registry:  registry,
		submitter: deps.Submitter,
		poller:    deps.Poller,
		observer:  observer,
		policies: map[task.Kind]config.PollPolicy{
			task.KindVideo: cfg.Video,
			task.KindImage: cfg.Image,
		},
		cadence:    cfg.SyntheticCadence,
		onComplete: s.taskCompleted,
	}

	registry.Subscribe(s.onChange)
	return s
}

// CreateBatch validates the shared configuration, publishes the shared
// source asset and records the batch. An upload failure aborts creation
// since every task depends on the asset.
func (s *BatchService) CreateBatch(ctx context.Context, req *batch.CreateRequest) (*batch.Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	shared := req.Shared
	s.applyDefaults(&shared)

	if shared.SourceAsset != "" {
		url, err := s.assets.Resolve(ctx, shared.SourceAsset, "actor")
		if err != nil {
			return nil, fmt.Errorf("upload batch source: %w", err)
		}
		shared.SourceAsset = url
	}

	return s.register(ctx, req.Name, req.WorkspaceID, req.CreatedBy, shared)
}

// RunBatch creates a batch and launches one task per non-empty input.
func (s *BatchService) RunBatch(ctx context.Context, req *batch.CreateRequest) (*batch.Batch, []task.Task, error) {
	b, err := s.CreateBatch(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var inputs []batch.Input
	for _, in := range req.Inputs {
		if !in.IsEmpty() {
			inputs = append(inputs, in)
		}
	}
	s.announce(b, len(inputs))
	var (
		tasks = make([]task.Task, 0, len(inputs))
		ctrls = make([]*TaskController, 0, len(inputs))
	)
	for i, in := range inputs {
		name := in.DisplayName
		if name == "" {
			name = presetDisplayName(b.Shared.Preset, i)
		}
		c, t, err := s.add(b, in, name)
		if err != nil {
			s.startAll(ctrls)
			return b, tasks, err
		}
		ctrls = append(ctrls, c)
		tasks = append(tasks, t)
	}
	s.startAll(ctrls)

	slog.Info("batch started", "batch_id", b.ID, "kind", b.Shared.Kind, "tasks", len(tasks))
	return b, tasks, nil
}

// RunRemix uploads every source image in parallel, then launches
// len(Sources) x VariationsPerImage image tasks with models assigned
// round-robin. Any upload failure aborts the batch before a task starts.
func (s *BatchService) RunRemix(ctx context.Context, req *batch.RemixRequest) (*batch.Batch, []task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	urls := make([]string, len(req.Sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range req.Sources {
		g.Go(func() error {
			url, err := s.assets.Resolve(gctx, src.Asset, "source")
			if err != nil {
				return fmt.Errorf("upload source %q: %w", src.Name, err)
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	shared := batch.SharedConfig{
		Kind:        task.KindImage,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
		Context:     strings.TrimSpace(req.OfferContext),
	}
	s.applyDefaults(&shared)

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Remix %s", s.now().Format("2006-01-02 15:04"))
	}
	b, err := s.register(ctx, name, req.WorkspaceID, req.CreatedBy, shared)
	if err != nil {
		return nil, nil, err
	}

	total := len(req.Sources) * req.VariationsPerImage
	s.announce(b, total)

	prompt := RemixPrompt(req.OfferContext, req.CustomPrompt)
	var (
		tasks = make([]task.Task, 0, total)
		ctrls = make([]*TaskController, 0, total)
	)
	for i, src := range req.Sources {
		srcName := src.Name
		if srcName == "" {
			srcName = fmt.Sprintf("Image %d", i+1)
		}
		for v := 0; v < req.VariationsPerImage; v++ {
			in := batch.Input{
				Instruction: prompt,
				AssetRef:    urls[i],
				Model:       remixModel(req.Models, v),
			}
			c, t, err := s.add(b, in, fmt.Sprintf("%s variation %d", srcName, v+1))
			if err != nil {
				s.startAll(ctrls)
				return b, tasks, err
			}
			ctrls = append(ctrls, c)
			tasks = append(tasks, t)
		}
	}
	s.startAll(ctrls)

	slog.Info("remix batch started", "batch_id", b.ID, "sources", len(req.Sources), "tasks", len(tasks))
	return b, tasks, nil
}

// AddTask appends a task to a running or finished batch.
func (s *BatchService) AddTask(ctx context.Context, batchID string, in batch.Input) (task.Task, error) {
	if in.IsEmpty() {
		return task.Task{}, fmt.Errorf("%w: instruction must not be empty", domain.ErrValidation)
	}
	b, err := s.liveBatch(batchID)
	if err != nil {
		return task.Task{}, err
	}
	name := in.DisplayName
	if name == "" {
		name = clipDisplayName(s.registry.Count(batchID))
	}
	c, t, err := s.add(b, in, name)
	if err != nil {
		return task.Task{}, err
	}
	c.Start(s.rootCtx)
	slog.Info("task added", "batch_id", batchID, "task_id", t.ID)
	return t, nil
}

// Retry restarts a terminal task.
func (s *BatchService) Retry(_ context.Context, taskID string, in task.RetryInput) (task.Task, error) {
	s.mu.RLock()
	c, ok := s.controllers[taskID]
	closed := s.closed
	s.mu.RUnlock()
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if closed {
		return task.Task{}, fmt.Errorf("engine is shutting down: %w", domain.ErrConflict)
	}
	t, err := c.Retry(s.rootCtx, in)
	if err != nil {
		return task.Task{}, err
	}
	slog.Info("task retried", "task_id", taskID, "attempt", t.Attempt)
	return t, nil
}

// CancelBatch stops every in-flight task of a batch and returns how many
// were running. Cancelled tasks end in error and remain retryable.
func (s *BatchService) CancelBatch(_ context.Context, batchID string) (int, error) {
	if _, err := s.liveBatch(batchID); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range s.registry.BatchTasks(batchID) {
		if t.Status.IsTerminal() {
			continue
		}
		s.mu.RLock()
		c := s.controllers[t.ID]
		s.mu.RUnlock()
		if c != nil {
			c.Cancel()
			n++
		}
	}
	slog.Info("batch cancelled", "batch_id", batchID, "tasks", n)
	return n, nil
}

// Summary projects the aggregate state of a live batch.
func (s *BatchService) Summary(batchID string) (batch.Summary, error) {
	if _, err := s.liveBatch(batchID); err != nil {
		return batch.Summary{}, err
	}
	return s.registry.Summary(batchID), nil
}

// Tasks returns snapshots of a live batch's tasks in creation order.
func (s *BatchService) Tasks(batchID string) ([]task.Task, error) {
	if _, err := s.liveBatch(batchID); err != nil {
		return nil, err
	}
	return s.registry.BatchTasks(batchID), nil
}

// GetTask returns a snapshot of one live task.
func (s *BatchService) GetTask(taskID string) (task.Task, error) {
	t, ok := s.registry.Get(taskID)
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return t, nil
}

// GetBatch returns a live batch, falling back to the persisted record.
func (s *BatchService) GetBatch(ctx context.Context, id string) (*batch.Batch, bool, error) {
	if b, err := s.liveBatch(id); err == nil {
		return b, true, nil
	}
	if s.store == nil {
		return nil, false, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
	}
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

// ListBatches returns persisted batches, newest first. Without a store it
// lists the batches held in memory.
func (s *BatchService) ListBatches(ctx context.Context, workspaceID string, limit int) ([]batch.Batch, error) {
	if s.store != nil {
		return s.store.ListBatches(ctx, workspaceID, limit)
	}

	s.mu.RLock()
	out := make([]batch.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if workspaceID == "" || b.WorkspaceID == workspaceID {
			out = append(out, *b)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b batch.Batch) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns the persisted results of a batch.
func (s *BatchService) History(ctx context.Context, batchID string) ([]database.TaskResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("batch %s history: %w", batchID, domain.ErrNotFound)
	}
	return s.store.ListBatchTasks(ctx, batchID)
}

// DeleteBatch removes a batch and its results. A live batch with active
// tasks yields domain.ErrConflict.
func (s *BatchService) DeleteBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	_, live := s.batches[batchID]
	if live {
		if sum := s.registry.Summary(batchID); sum.ActiveCount > 0 {
			s.mu.Unlock()
			return fmt.Errorf("batch %s has %d active tasks: %w", batchID, sum.ActiveCount, domain.ErrConflict)
		}
		for _, t := range s.registry.BatchTasks(batchID) {
			delete(s.controllers, t.ID)
		}
		delete(s.batches, batchID)
		s.registry.RemoveBatch(batchID)
	}
	s.mu.Unlock()

	if s.store == nil {
		if !live {
			return fmt.Errorf("batch %s: %w", batchID, domain.ErrNotFound)
		}
		return nil
	}
	if err := s.store.DeleteBatch(ctx, batchID); err != nil {
		if live && errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	slog.Info("batch deleted", "batch_id", batchID)
	return nil
}

// Wait blocks until every task of a batch has stopped running or ctx ends.
func (s *BatchService) Wait(ctx context.Context, batchID string) error {
	if _, err := s.liveBatch(batchID); err != nil {
		return err
	}
	for _, t := range s.registry.BatchTasks(batchID) {
		s.mu.RLock()
		c := s.controllers[t.ID]
		s.mu.RUnlock()
		if c == nil {
			continue
		}
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// HandleCancelMessage is the queue handler for batches.cancel.
func (s *BatchService) HandleCancelMessage(ctx context.Context, _ string, data []byte) error {
	var p mq.BatchCancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal cancel payload: %w", err)
	}
	_, err := s.CancelBatch(ctx, p.BatchID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("cancel for unknown batch ignored", "batch_id", p.BatchID)
		return nil
	}
	return err
}

// Shutdown cancels every running task and waits for the controllers to
// record their final state, or for ctx to end.
func (s *BatchService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ctrls := make([]*TaskController, 0, len(s.controllers))
	for _, c := range s.controllers {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()

	s.rootCancel()
	for _, c := range ctrls {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	written := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(written)
	}()
	select {
	case <-written:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- internals ---

func (s *BatchService) applyDefaults(shared *batch.SharedConfig) {
	if shared.AspectRatio == "" {
		shared.AspectRatio = s.cfg.DefaultAspectRatio
	}
	switch shared.Kind {
	case task.KindVideo:
		if shared.Preset == "" {
			shared.Preset = s.cfg.DefaultPreset
		}
		if shared.Voice.Gender == "" {
			shared.Voice.Gender = batch.GenderMale
		}
	case task.KindImage:
		if shared.Resolution == "" {
			shared.Resolution = s.cfg.DefaultImageQuality
		}
	}
}

// register stores a new batch in memory and persists its record. A
// persistence failure is logged and does not fail the batch.
func (s *BatchService) register(ctx context.Context, name, workspaceID, createdBy string, shared batch.SharedConfig) (*batch.Batch, error) {
	if workspaceID == "" {
		workspaceID = batch.DefaultWorkspace
	}
	if name == "" {
		name = fmt.Sprintf("Batch %s", s.now().Format("2006-01-02 15:04"))
	}
	b := &batch.Batch{
		ID:          s.newID(),
		DisplayName: name,
		Shared:      shared,
		WorkspaceID: workspaceID,
		CreatedBy:   createdBy,
		CreatedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("engine is shutting down: %w", domain.ErrConflict)
	}
	s.batches[b.ID] = b
	s.mu.Unlock()

	if s.store != nil {
		pctx, cancel := s.sideEffectContext(ctx)
		defer cancel()
		if err := s.store.CreateBatch(pctx, b); err != nil {
			slog.Error("failed to persist batch record", "batch_id", b.ID, "error", err)
		}
	}
	return b, nil
}

// add inserts a task in the registry and creates its controller. The
// caller starts it once every sibling is registered, so a batch cannot
// report finished while it is still being filled. It fails with
// domain.ErrNotFound once b has been deleted.
func (s *BatchService) add(b *batch.Batch, in batch.Input, displayName string) (*TaskController, task.Task, error) {
	t := task.New(s.newID(), b.ID, b.Shared.Kind, displayName, strings.TrimSpace(in.Instruction), s.now().UTC())
	t.AssetRef = in.AssetRef
	t.Model = in.Model

	c := newTaskController(t.ID, b, s.eng)

	// Held across the insert so a concurrent DeleteBatch sees either no
	// task or a registered one.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, task.Task{}, fmt.Errorf("engine is shutting down: %w", domain.ErrConflict)
	}
	if s.batches[b.ID] != b {
		return nil, task.Task{}, fmt.Errorf("batch %s: %w", b.ID, domain.ErrNotFound)
	}
	if err := s.registry.Insert(t); err != nil {
		return nil, task.Task{}, err
	}
	s.controllers[t.ID] = c
	return c, t, nil
}

func (s *BatchService) startAll(ctrls []*TaskController) {
	for _, c := range ctrls {
		c.Start(s.rootCtx)
	}
}

func (s *BatchService) liveBatch(id string) (*batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

func (s *BatchService) announce(b *batch.Batch, taskCount int) {
	if s.events != nil {
		s.events.BatchCreated(b, taskCount)
	}
}

// onChange is the registry listener that forwards changes to the event
// sink and reports finished batches.
func (s *BatchService) onChange(ch Change) {
	if s.events != nil {
		s.events.OnChange(ch)
	}
	if !ch.BatchFinished {
		return
	}
	sum := s.registry.Summary(ch.Next.BatchID)
	if s.events != nil {
		s.events.BatchFinished(sum)
	}
	slog.Info("batch finished", "batch_id", sum.BatchID, "completed", sum.CompletedCount, "total", sum.Total)

	if s.notify.NotifierCount() == 0 {
		return
	}
	b, err := s.liveBatch(sum.BatchID)
	if err != nil {
		return
	}
	note := batchNotification(b, sum)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := s.sideEffectContext(context.Background())
		defer cancel()
		s.notify.Notify(ctx, note)
	}()
}

// taskCompleted persists a validated result. It runs on the controller
// goroutine but never blocks it on the store.
func (s *BatchService) taskCompleted(t task.Task, b *batch.Batch) {
	if s.events != nil {
		s.events.TaskCompleted(t)
	}
	if s.store == nil {
		return
	}

	result := &database.TaskResult{
		TaskID:      t.ID,
		BatchID:     t.BatchID,
		Kind:        t.Kind,
		DisplayName: t.DisplayName,
		Instruction: t.Instruction,
		ResultRef:   t.ResultRef,
		SourceRef:   firstNonEmpty(t.AssetRef, b.Shared.SourceAsset),
		Model:       firstNonEmpty(t.Model, b.Shared.Model),
		AspectRatio: b.Shared.AspectRatio,
		Gender:      string(b.Shared.Voice.Gender),
		CreatedBy:   b.CreatedBy,
		CreatedAt:   s.now().UTC(),
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := s.sideEffectContext(context.Background())
		defer cancel()
		if err := s.store.SaveTaskResult(ctx, result); err != nil {
			slog.Error("failed to save task result", "task_id", result.TaskID, "batch_id", result.BatchID, "error", err)
		}
	}()
}

func (s *BatchService) sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.cfg.SideEffectTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.SideEffectTimeout)
	}
	return context.WithCancel(ctx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
