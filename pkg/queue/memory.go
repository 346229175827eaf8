// Copyright 2024-2026 Aiku AI

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Memory is an in-process Queue. Jobs are lost when the process exits.
type Memory struct {
	name string
	log  zerolog.Logger

	mu      sync.Mutex
	jobs    []Job
	closed  bool
	notify  chan struct{}
	stats   Stats
	working bool
}

// Stats counts finished jobs.
type Stats struct {
	Pending   int
	Completed int
	Failed    int
}

func NewMemory(name string, log zerolog.Logger) *Memory {
	return &Memory{
		name:   name,
		log:    log.With().Str("component", "queue").Str("queue", name).Logger(),
		notify: make(chan struct{}, 1),
	}
}

func (q *Memory) Name() string {
	return q.name
}

func (q *Memory) Enqueue(_ context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixMilli()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *Memory) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Memory) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]
	return job, true
}

// Process runs h on each job in order. Only one Process call may run at a
// time.
func (q *Memory) Process(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.working {
		q.mu.Unlock()
		return fmt.Errorf("queue %s already has a consumer", q.name)
	}
	q.working = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.working = false
		q.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		job, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}
		err := h(ctx, job)
		q.mu.Lock()
		if err != nil {
			q.stats.Failed++
		} else {
			q.stats.Completed++
		}
		q.mu.Unlock()
		if err != nil {
			q.log.Err(err).Str("target", job.Target).Str("kind", string(job.Kind)).Msg("Job failed")
		}
	}
}

func (q *Memory) Empty(_ context.Context) error {
	q.mu.Lock()
	dropped := len(q.jobs)
	q.jobs = nil
	q.mu.Unlock()
	if dropped > 0 {
		q.log.Info().Int("dropped", dropped).Msg("Emptied queue")
	}
	return nil
}

// Stats returns job counters.
func (q *Memory) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Pending = len(q.jobs)
	return st
}

func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
