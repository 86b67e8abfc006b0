package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suPer8Hu/tomodachi-api/internal/common"
)

// Record is a finished job kept for its retention window.
type Record struct {
	Job        Job
	Err        string
	FinishedAt time.Time
}

// Memory is a process-local queue. Jobs are lost on restart.
type Memory struct {
	mu        sync.Mutex
	ready     map[string]chan *Job
	pending   map[string]struct{}
	opts      map[string]Options
	timers    map[*time.Timer]struct{}
	completed []Record
	failed    []Record
	closed    bool
	done      chan struct{}
	capacity  int
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		ready:    make(map[string]chan *Job),
		pending:  make(map[string]struct{}),
		opts:     make(map[string]Options),
		timers:   make(map[*time.Timer]struct{}),
		done:     make(chan struct{}),
		capacity: 1024,
		now:      time.Now,
	}
}

func (m *Memory) channel(name string) chan *Job {
	ch, ok := m.ready[name]
	if !ok {
		ch = make(chan *Job, m.capacity)
		m.ready[name] = ch
	}
	return ch
}

func (m *Memory) Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}
	opts = opts.withDefaults()
	id := opts.JobID
	if id == "" {
		id = common.MustULID()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("queue: closed")
	}
	if _, dup := m.pending[id]; dup {
		return id, nil
	}
	m.pending[id] = struct{}{}
	m.opts[id] = opts

	job := &Job{
		ID:          id,
		Name:        name,
		Payload:     body,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  m.now(),
	}
	m.scheduleLocked(job, opts.Delay)
	return id, nil
}

func (m *Memory) scheduleLocked(job *Job, delay time.Duration) {
	ch := m.channel(job.Name)
	if delay <= 0 {
		m.pushLocked(ch, job)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, t)
		if !m.closed {
			m.pushLocked(ch, job)
		}
	})
	m.timers[t] = struct{}{}
}

// pushLocked hands a full channel off to a goroutine that gives up on Close.
func (m *Memory) pushLocked(ch chan *Job, job *Job) {
	select {
	case ch <- job:
	default:
		done := m.done
		go func() {
			select {
			case ch <- job:
			case <-done:
			}
		}()
	}
}

func (m *Memory) Consume(ctx context.Context, name string, h Handler, opts ConsumeOptions) error {
	n := opts.Concurrency
	if n <= 0 {
		n = 1
	}
	m.mu.Lock()
	ch := m.channel(name)
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-ch:
					m.run(ctx, job, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (m *Memory) run(ctx context.Context, job *Job, h Handler) {
	job.Attempt++
	err := h(ctx, job)

	m.mu.Lock()
	defer m.mu.Unlock()
	opts := m.opts[job.ID]
	switch {
	case err == nil:
		m.finishLocked(job)
		m.completed = prune(append(m.completed, Record{Job: *job, FinishedAt: m.now()}), opts.RemoveOnComplete, m.now())
	case IsPermanent(err) || job.Final():
		m.finishLocked(job)
		m.failed = prune(append(m.failed, Record{Job: *job, Err: err.Error(), FinishedAt: m.now()}), opts.RemoveOnFail, m.now())
		slog.Warn("job failed", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "err", err)
	default:
		wait := Backoff(job.Backoff, job.Attempt)
		slog.Info("job retry scheduled", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "in", wait, "err", err)
		if !m.closed {
			m.scheduleLocked(job, wait)
		}
	}
}

func (m *Memory) finishLocked(job *Job) {
	delete(m.pending, job.ID)
	delete(m.opts, job.ID)
}

func prune(recs []Record, keep Retention, now time.Time) []Record {
	if keep.Age > 0 {
		i := 0
		for i < len(recs) && now.Sub(recs[i].FinishedAt) > keep.Age {
			i++
		}
		recs = recs[i:]
	}
	if keep.Count > 0 && len(recs) > keep.Count {
		recs = recs[len(recs)-keep.Count:]
	}
	return recs
}

func (m *Memory) Completed() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.completed...)
}

func (m *Memory) Failed() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.failed...)
}

// Pending counts jobs that are delayed, waiting, running or awaiting a retry.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Watch blocks until ctx is done or the queue is closed. The memory queue
// has no connection to lose.
func (m *Memory) Watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-m.done:
	}
	return nil
}

// Close stops scheduled deliveries. Running handlers are not interrupted.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for t := range m.timers {
		t.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	return nil
}
