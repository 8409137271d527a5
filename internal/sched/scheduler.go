// Package sched drives the engines: named periodic jobs plus an inbox of
// external events, both delivered into the same handler set. Per-engine
// single-flight is expressed as a size-1 inbox per handler.
package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind routes an inbox event to its handlers.
type EventKind string

const (
	EventTick     EventKind = "tick"
	EventAlert    EventKind = "alert"
	EventCloseAll EventKind = "close_all"
)

// Event is one unit of work delivered to handlers.
type Event struct {
	Kind    EventKind
	Payload any
	At      time.Time
}

// Handler processes one event.
type Handler func(ctx context.Context, event Event)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler owns the job tickers and the event inbox.
type Scheduler struct {
	logger *zap.Logger

	mu       sync.Mutex
	jobs     []Job
	handlers map[EventKind][]handlerSlot
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// handlerSlot is a handler with its size-1 inbox.
type handlerSlot struct {
	name  string
	inbox chan Event
}

// New creates a scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger.Named("sched"),
		handlers: make(map[EventKind][]handlerSlot),
	}
}

// AddJob registers a periodic job. Must be called before Start.
func (s *Scheduler) AddJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Subscribe registers a handler for an event kind. Each handler drains its
// own size-1 inbox on a dedicated goroutine, so a slow handler drops
// bursts instead of queueing them.
func (s *Scheduler) Subscribe(name string, kind EventKind, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := handlerSlot{name: name, inbox: make(chan Event, 1)}
	s.handlers[kind] = append(s.handlers[kind], slot)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range slot.inbox {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			handler(ctx, event)
			cancel()
		}
	}()
}

// Deliver posts an event to every subscribed handler. A handler whose inbox
// is full (a cycle already pending) skips this delivery.
func (s *Scheduler) Deliver(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	s.mu.Lock()
	slots := append([]handlerSlot{}, s.handlers[event.Kind]...)
	s.mu.Unlock()

	for _, slot := range slots {
		select {
		case slot.inbox <- event:
		default:
			s.logger.Debug("handler busy, event dropped",
				zap.String("handler", slot.name),
				zap.String("kind", string(event.Kind)))
		}
	}
}

// Start launches every job ticker. Jobs run until the context is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	jobs := append([]Job{}, s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			s.logger.Info("job scheduled",
				zap.String("job", job.Name),
				zap.Duration("interval", job.Interval))
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					job.Run(ctx)
				}
			}
		}()
	}
}

// Stop cancels the jobs and closes every inbox.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for _, slots := range s.handlers {
		for _, slot := range slots {
			close(slot.inbox)
		}
	}
	s.handlers = make(map[EventKind][]handlerSlot)
	s.mu.Unlock()

	s.wg.Wait()
}
