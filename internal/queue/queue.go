// Package queue is the durable background work queue behind the message
// pipeline. Delivery is at least once; handlers must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job is one delivery of a queued job. Attempt starts at 1.
type Job struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int
	Backoff     time.Duration
	EnqueuedAt  time.Time
}

// Final reports whether a failure of this attempt ends the job.
func (j *Job) Final() bool { return j.Attempt >= j.MaxAttempts }

func (j *Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

// Retention bounds how long finished jobs are remembered. Zero fields mean
// no bound on that axis.
type Retention struct {
	Age   time.Duration
	Count int
}

type Options struct {
	// JobID lets the caller pick the id. The memory driver skips a pending
	// job with the same id; rabbitmq publishes it again, and handlers rely on
	// their own ledger to drop the duplicate.
	JobID            string
	Delay            time.Duration
	Attempts         int
	Backoff          time.Duration
	RemoveOnComplete Retention
	RemoveOnFail     Retention
}

func DefaultOptions() Options {
	return Options{
		Delay:            5 * time.Second,
		Attempts:         5,
		Backoff:          2 * time.Second,
		RemoveOnComplete: Retention{Age: 10 * time.Minute, Count: 100},
		RemoveOnFail:     Retention{Age: time.Hour},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

type Handler func(ctx context.Context, job *Job) error

type ConsumeOptions struct {
	Concurrency int
}

type Producer interface {
	Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error)
}

type Consumer interface {
	// Consume blocks until ctx is done or the driver fails.
	Consume(ctx context.Context, name string, h Handler, opts ConsumeOptions) error
}

const maxBackoff = time.Minute

// Backoff is the exponential delay before attempt+1: base, 2*base, 4*base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

var (
	_ Producer = (*Memory)(nil)
	_ Consumer = (*Memory)(nil)
	_ Producer = (*Rabbit)(nil)
	_ Consumer = (*Rabbit)(nil)
)
