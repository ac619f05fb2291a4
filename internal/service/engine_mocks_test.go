package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AdFactory/internal/config"
	"github.com/Strob0t/AdFactory/internal/domain"
	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/jobstatus"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/database"
	"github.com/Strob0t/AdFactory/internal/port/generation"
	"github.com/Strob0t/AdFactory/internal/port/messagequeue"
	"github.com/Strob0t/AdFactory/internal/resilience"
)

// pollStep is one scripted status reply.
type pollStep struct {
	snap jobstatus.Snapshot
	err  error
}

func processing(p float64) pollStep {
	return pollStep{snap: jobstatus.Snapshot{Phase: jobstatus.PhaseProcessing, Progress: p}}
}

func succeeded(ref string) pollStep {
	return pollStep{snap: jobstatus.Snapshot{Phase: jobstatus.PhaseSucceeded, Progress: 100, ResultRef: ref}}
}

// claimedSuccess is a success code that arrived without a result reference.
func claimedSuccess() pollStep {
	return pollStep{snap: jobstatus.Snapshot{Phase: jobstatus.PhaseProcessing, Progress: 100, ClaimedSuccess: true}}
}

func failed(p float64, msg string) pollStep {
	return pollStep{snap: jobstatus.Snapshot{Phase: jobstatus.PhaseFailed, Progress: p, Error: msg}}
}

func pollErr() pollStep {
	return pollStep{err: errors.New("connection reset")}
}

// mockGen is a scripted generation service. A submitted job is keyed by the
// first script key contained in its prompt; polls replay that script and
// repeat its last step. Jobs without a script stay processing forever.
type mockGen struct {
	mu        sync.Mutex
	scripts   map[string][]pollStep
	uploads   []generation.UploadRequest
	videoJobs []generation.VideoJob
	imageJobs []generation.ImageJob
	polls     map[string]int

	uploadErr error
	submitErr error
	emptyID   bool
}

func newMockGen(scripts map[string][]pollStep) *mockGen {
	if scripts == nil {
		scripts = map[string][]pollStep{}
	}
	return &mockGen{scripts: scripts, polls: map[string]int{}}
}

// setScript replaces the script of key and replays it from the start.
func (g *mockGen) setScript(key string, steps []pollStep) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[key] = steps
	g.polls["job-"+key] = 0
}

func (g *mockGen) Upload(_ context.Context, req generation.UploadRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	g.uploads = append(g.uploads, req)
	return "https://cdn.test/" + req.FileName, nil
}

func (g *mockGen) SubmitVideo(_ context.Context, job generation.VideoJob) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.videoJobs = append(g.videoJobs, job)
	return g.jobIDLocked(job.Prompt)
}

func (g *mockGen) SubmitImage(_ context.Context, job generation.ImageJob) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.imageJobs = append(g.imageJobs, job)
	return g.jobIDLocked(job.Prompt + "|" + job.Model)
}

func (g *mockGen) jobIDLocked(prompt string) (string, error) {
	if g.submitErr != nil {
		return "", g.submitErr
	}
	if g.emptyID {
		return "", task.SubmissionError("")
	}
	for key := range g.scripts {
		if strings.Contains(prompt, key) {
			return "job-" + key, nil
		}
	}
	return "job-unscripted", nil
}

func (g *mockGen) Poll(ctx context.Context, id string) (jobstatus.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return jobstatus.Snapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	steps := g.scripts[strings.TrimPrefix(id, "job-")]
	if len(steps) == 0 {
		return jobstatus.Snapshot{Phase: jobstatus.PhaseProcessing}, nil
	}
	n := g.polls[id]
	g.polls[id] = n + 1
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n].snap, steps[n].err
}

func (g *mockGen) uploadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.uploads)
}

// mockProber rejects the references in bad.
type mockProber struct {
	bad map[string]bool
}

func (p *mockProber) Probe(_ context.Context, ref string) error {
	if p.bad[ref] {
		return errors.New("status 404")
	}
	return nil
}

// mockStore is an in-memory database.Store.
type mockStore struct {
	mu        sync.Mutex
	batches   map[string]*batch.Batch
	results   []database.TaskResult
	createErr error
	saved     chan database.TaskResult
}

func newMockStore() *mockStore {
	return &mockStore{batches: map[string]*batch.Batch{}, saved: make(chan database.TaskResult, 64)}
}

func (s *mockStore) CreateBatch(_ context.Context, b *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *mockStore) GetBatch(_ context.Context, id string) (*batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (s *mockStore) ListBatches(_ context.Context, _ string, _ int) ([]batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]batch.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, *b)
	}
	return out, nil
}

func (s *mockStore) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.batches, id)
	return nil
}

func (s *mockStore) SaveTaskResult(_ context.Context, r *database.TaskResult) error {
	s.mu.Lock()
	s.results = append(s.results, *r)
	s.mu.Unlock()
	select {
	case s.saved <- *r:
	default:
	}
	return nil
}

func (s *mockStore) ListBatchTasks(_ context.Context, batchID string) ([]database.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.TaskResult
	for _, r := range s.results {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

// mockQueue records published messages.
type mockQueue struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) count(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.published {
		if m.subject == subject {
			n++
		}
	}
	return n
}

// mockBroadcaster records dashboard event types.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *mockBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// memCache is a map-backed cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// testEngine is a BatchService wired to mocks with millisecond timings.
type testEngine struct {
	svc    *BatchService
	gen    *mockGen
	prober *mockProber
	store  *mockStore
	queue  *mockQueue
	hub    *mockBroadcaster
	events *EventSink
}

func testEngineConfig() *config.Engine {
	return &config.Engine{
		Video:               config.PollPolicy{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second},
		Image:               config.PollPolicy{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second},
		SyntheticCadence:    2 * time.Millisecond,
		MaxTransientFails:   3,
		MaxInFlight:         4,
		SideEffectTimeout:   time.Second,
		DefaultPreset:       PresetAustralianLifeInsurance,
		DefaultAspectRatio:  "9:16",
		DefaultImageQuality: "1K",
	}
}

func newTestEngine(t *testing.T, gen *mockGen, cfg *config.Engine) *testEngine {
	t.Helper()
	if cfg == nil {
		cfg = testEngineConfig()
	}
	te := &testEngine{
		gen:    gen,
		prober: &mockProber{bad: map[string]bool{}},
		store:  newMockStore(),
		queue:  &mockQueue{},
		hub:    &mockBroadcaster{},
	}
	pool := resilience.NewPool(cfg.MaxInFlight)
	assets := NewAssetService(gen, &memCache{}, time.Hour, "test/images", pool)
	te.events = NewEventSink(te.hub, te.queue, time.Second)
	te.svc = NewBatchService(cfg, BatchDeps{
		Store:     te.store,
		Assets:    assets,
		Submitter: NewSubmitter(gen, assets, pool),
		Poller:    NewPoller(gen, NewResultValidator(te.prober, time.Second), nil, cfg.MaxTransientFails),
		Events:    te.events,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = te.svc.Shutdown(ctx)
		te.events.Close()
	})
	return te
}

func (te *testEngine) wait(t *testing.T, batchID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := te.svc.Wait(ctx, batchID); err != nil {
		t.Fatalf("wait for batch %s: %v", batchID, err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func videoRequest(scripts ...string) *batch.CreateRequest {
	inputs := make([]batch.Input, len(scripts))
	for i, s := range scripts {
		inputs[i] = batch.Input{Instruction: s}
	}
	return &batch.CreateRequest{
		Name:      "Spring run",
		CreatedBy: "tester",
		Shared: batch.SharedConfig{
			Kind:        task.KindVideo,
			SourceAsset: "data:image/jpeg;base64,QUNUT1I=",
			Voice:       batch.Voice{Gender: batch.GenderMale},
		},
		Inputs: inputs,
	}
}
