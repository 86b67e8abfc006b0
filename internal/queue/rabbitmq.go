package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
)

const (
	hdrJobID       = "x-job-id"
	hdrJobName     = "x-job-name"
	hdrAttempts    = "x-attempts"
	hdrMaxAttempts = "x-max-attempts"
	hdrBackoffMS   = "x-backoff-ms"
	hdrEnqueuedAt  = "x-enqueued-at"
	hdrError       = "x-error"
)

// Rabbit is the durable driver. One broker queue carries every job name:
//
//	<q>         ready jobs
//	<q>.delay   delayed first deliveries, dead-lettered into <q> on expiry
//	<q>.retry   backoff waits, dead-lettered into <q> on expiry
//	<q>.failed  exhausted jobs, dropped by the broker after the failed retention age
//
// Completed jobs are acked and forgotten; their bookkeeping lives in the job ledger.
// Publishes run in confirm mode and return only once the broker has taken the job.
type Rabbit struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex
	ch *amqp.Channel

	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
}

func DialRabbit(url, queue string, failedAge time.Duration) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue, failedAge); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	return &Rabbit{
		conn:       conn,
		queue:      queue,
		ch:         ch,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chClosed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// Watch blocks until ctx is done or the broker connection or the publishing
// channel closes. Nothing reconnects: the returned error is meant to stop the
// process so its supervisor starts a fresh one.
func (r *Rabbit) Watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-r.connClosed:
		return closedError("connection", err)
	case err := <-r.chClosed:
		return closedError("channel", err)
	}
}

func closedError(what string, err *amqp.Error) error {
	if err == nil {
		return fmt.Errorf("queue: rabbitmq %s closed", what)
	}
	return fmt.Errorf("queue: rabbitmq %s closed: %w", what, err)
}

func declareTopology(ch *amqp.Channel, queue string, failedAge time.Duration) error {
	backToMain := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}

	failedArgs := amqp.Table{}
	if failedAge > 0 {
		failedArgs["x-message-ttl"] = failedAge.Milliseconds()
	}

	decls := []struct {
		name string
		args amqp.Table
	}{
		{queue, nil},
		{queue + ".delay", backToMain},
		{queue + ".retry", backToMain},
		{queue + ".failed", failedArgs},
	}
	for _, d := range decls {
		if _, err := ch.QueueDeclare(
			d.name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			d.args,
		); err != nil {
			return fmt.Errorf("queue declare %s: %w", d.name, err)
		}
	}
	return nil
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	if r.ch != nil {
		_ = r.ch.Close()
	}
	r.mu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *Rabbit) Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}
	opts = opts.withDefaults()
	job := &Job{
		ID:          opts.JobID,
		Name:        name,
		Payload:     body,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  time.Now(),
	}
	if job.ID == "" {
		job.ID = common.MustULID()
	}

	target := r.queue
	if opts.Delay > 0 {
		target = r.queue + ".delay"
	}
	if err := r.publish(ctx, target, toPublishing(job, 0, opts.Delay, "")); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (r *Rabbit) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.Lock()
	conf, err := r.ch.PublishWithDeferredConfirmWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		msg,
	)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	if conf == nil {
		// channel not in confirm mode
		return nil
	}
	return awaitConfirm(cctx, routingKey, conf)
}

// confirmation is the part of amqp.DeferredConfirmation publish waits on.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

func awaitConfirm(ctx context.Context, routingKey string, conf confirmation) error {
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: confirm: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked the message", routingKey)
	}
	return nil
}

// toPublishing encodes a job whose previous attempts count is done. A positive
// wait becomes the per-message TTL on a delay or retry queue.
func toPublishing(job *Job, done int, wait time.Duration, lastErr string) amqp.Publishing {
	h := amqp.Table{
		hdrJobID:       job.ID,
		hdrJobName:     job.Name,
		hdrAttempts:    int64(done),
		hdrMaxAttempts: int64(job.MaxAttempts),
		hdrBackoffMS:   job.Backoff.Milliseconds(),
		hdrEnqueuedAt:  job.EnqueuedAt.UnixMilli(),
	}
	if lastErr != "" {
		h[hdrError] = lastErr
	}
	p := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.Name,
		Headers:      h,
		Body:         job.Payload,
		Timestamp:    time.Now(),
	}
	if wait > 0 {
		p.Expiration = strconv.FormatInt(wait.Milliseconds(), 10)
	}
	return p
}

// fromDelivery decodes the job and sets Attempt to the attempt now starting.
func fromDelivery(d amqp.Delivery) (*Job, error) {
	id, _ := d.Headers[hdrJobID].(string)
	if id == "" {
		id = d.MessageId
	}
	if id == "" {
		return nil, errors.New("queue: delivery without job id")
	}
	name, _ := d.Headers[hdrJobName].(string)
	if name == "" {
		name = d.Type
	}
	job := &Job{
		ID:          id,
		Name:        name,
		Payload:     json.RawMessage(d.Body),
		Attempt:     int(headerInt(d.Headers, hdrAttempts)) + 1,
		MaxAttempts: int(headerInt(d.Headers, hdrMaxAttempts)),
		Backoff:     time.Duration(headerInt(d.Headers, hdrBackoffMS)) * time.Millisecond,
	}
	if ms := headerInt(d.Headers, hdrEnqueuedAt); ms > 0 {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultOptions().Attempts
	}
	if job.Backoff <= 0 {
		job.Backoff = DefaultOptions().Backoff
	}
	return job, nil
}

func headerInt(h amqp.Table, key string) int64 {
	switch v := h[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	case uint8:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (r *Rabbit) Consume(ctx context.Context, name string, h Handler, opts ConsumeOptions) error {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()

	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	slog.Info("consumer started", "queue", r.queue, "job", name, "concurrency", concurrency)

	// worker pool
	deliveries := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				r.handle(ctx, workerID, name, d, h)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer shutting down", "queue", r.queue)
			close(deliveries)
			wg.Wait()
			return nil
		case d, ok := <-msgs:
			if !ok {
				close(deliveries)
				wg.Wait()
				return errors.New("queue: delivery channel closed")
			}
			deliveries <- d
		}
	}
}

func (r *Rabbit) handle(ctx context.Context, workerID int, name string, d amqp.Delivery, h Handler) {
	job, err := fromDelivery(d)
	if err != nil || job.Name != name {
		slog.Error("bad delivery dropped", "worker", workerID, "job", name, "err", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	herr := h(ctx, job)

	// settle even when shutdown cancelled ctx
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case herr == nil:
		if err := d.Ack(false); err != nil {
			slog.Error("ack failed", "worker", workerID, "job_id", job.ID, "err", err)
		}
		return
	case IsPermanent(herr) || job.Final():
		err = r.publish(sctx, r.queue+".failed", toPublishing(job, job.Attempt, 0, herr.Error()))
		slog.Warn("job failed", "worker", workerID, "job_id", job.ID, "attempt", job.Attempt,
			"cost", time.Since(start), "err", herr)
	default:
		wait := Backoff(job.Backoff, job.Attempt)
		err = r.publish(sctx, r.queue+".retry", toPublishing(job, job.Attempt, wait, herr.Error()))
		slog.Info("job retry scheduled", "worker", workerID, "job_id", job.ID, "attempt", job.Attempt,
			"in", wait, "err", herr)
	}

	if err != nil {
		// the broker keeps the original delivery and hands it out again
		slog.Error("reschedule failed, requeueing", "job_id", job.ID, "err", err)
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		slog.Error("ack failed", "worker", workerID, "job_id", job.ID, "err", err)
	}
}
