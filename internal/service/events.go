package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/broadcast"
	mq "github.com/Strob0t/AdFactory/internal/port/messagequeue"
)

const eventBufferSize = 1024

// TaskEvent is the dashboard payload for a task change.
type TaskEvent struct {
	task.Task
}

// ScopeBatchID limits delivery to clients watching the task's batch.
func (e TaskEvent) ScopeBatchID() string { return e.BatchID }

// BatchEvent is the dashboard payload for batch lifecycle events.
type BatchEvent struct {
	Batch   *batch.Batch  `json:"batch,omitempty"`
	Summary batch.Summary `json:"summary"`
}

// ScopeBatchID limits delivery to clients watching the batch.
func (e BatchEvent) ScopeBatchID() string { return e.Summary.BatchID }

type outboundEvent struct {
	wsType  string
	wsBody  any
	subject string
	payload any
}

// EventSink fans registry changes out to dashboards and the message queue.
// Events are delivered in order by one goroutine so that a slow broker never
// stalls a task controller. When the buffer is full, events are dropped.
type EventSink struct {
	hub     broadcast.Broadcaster
	queue   mq.Queue
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	events chan outboundEvent
	done   chan struct{}
}

// NewEventSink starts the delivery goroutine. hub and queue may be nil.
func NewEventSink(hub broadcast.Broadcaster, queue mq.Queue, timeout time.Duration) *EventSink {
	s := &EventSink{
		hub:     hub,
		queue:   queue,
		timeout: timeout,
		events:  make(chan outboundEvent, eventBufferSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// OnChange is a registry Listener.
func (s *EventSink) OnChange(ch Change) {
	t := ch.Next
	s.enqueue(outboundEvent{
		wsType:  broadcast.EventTaskStatus,
		wsBody:  TaskEvent{Task: t},
		subject: mq.SubjectTaskStatus,
		payload: mq.TaskStatusPayload{
			TaskID:      t.ID,
			BatchID:     t.BatchID,
			Status:      string(t.Status),
			Progress:    t.Progress,
			RemoteJobID: t.RemoteJobID,
			Error:       t.Error,
			ErrorKind:   string(t.ErrorKind),
			Attempt:     t.Attempt,
		},
	})
}

// TaskCompleted publishes a validated result.
func (s *EventSink) TaskCompleted(t task.Task) {
	s.enqueue(outboundEvent{
		subject: mq.SubjectTaskCompleted,
		payload: mq.TaskCompletedPayload{
			TaskID:      t.ID,
			BatchID:     t.BatchID,
			Kind:        string(t.Kind),
			DisplayName: t.DisplayName,
			ResultRef:   t.ResultRef,
			Attempt:     t.Attempt,
		},
	})
}

// BatchCreated announces a new batch.
func (s *EventSink) BatchCreated(b *batch.Batch, taskCount int) {
	s.enqueue(outboundEvent{
		wsType:  broadcast.EventBatchCreated,
		wsBody:  BatchEvent{Batch: b, Summary: batch.Summary{BatchID: b.ID, Total: taskCount, ActiveCount: taskCount}},
		subject: mq.SubjectBatchCreated,
		payload: mq.BatchCreatedPayload{
			BatchID:   b.ID,
			Name:      b.DisplayName,
			Kind:      string(b.Shared.Kind),
			TaskCount: taskCount,
			CreatedBy: b.CreatedBy,
		},
	})
}

// BatchFinished announces that every task of a batch is terminal.
func (s *EventSink) BatchFinished(sum batch.Summary) {
	s.enqueue(outboundEvent{
		wsType:  broadcast.EventBatchFinished,
		wsBody:  BatchEvent{Summary: sum},
		subject: mq.SubjectBatchFinished,
		payload: mq.BatchFinishedPayload{
			BatchID:        sum.BatchID,
			Total:          sum.Total,
			CompletedCount: sum.CompletedCount,
			FailedCount:    sum.FailedCount,
		},
	})
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *EventSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *EventSink) enqueue(ev outboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn("event buffer full, dropping event", "subject", ev.subject, "type", ev.wsType)
	}
}

func (s *EventSink) run() {
	defer close(s.done)
	for ev := range s.events {
		s.deliver(ev)
	}
}

func (s *EventSink) deliver(ev outboundEvent) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.hub != nil && ev.wsType != "" {
		s.hub.BroadcastEvent(ctx, ev.wsType, ev.wsBody)
	}
	if s.queue != nil && ev.subject != "" {
		data, err := json.Marshal(ev.payload)
		if err != nil {
			slog.Error("marshal event payload", "subject", ev.subject, "error", err)
			return
		}
		if err := s.queue.Publish(ctx, ev.subject, data); err != nil {
			slog.Error("failed to publish event", "subject", ev.subject, "error", err)
		}
	}
}
