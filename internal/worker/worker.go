// Package worker runs the bounded-concurrency job dispatch loop: N
// goroutines blocking on the same Redis list, each taking one job at a
// time through to a terminal status document.
package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/jobstore"
	"github.com/muco1999/xray-agent/internal/logging"
	"github.com/muco1999/xray-agent/internal/metrics"
)

// HandlerFunc executes one job's payload and returns its result, or a
// *apierr.ServiceError describing why it failed.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Runtime dispatches dequeued envelopes to registered per-kind handlers.
type Runtime struct {
	store       *jobstore.Store
	handlers    map[jobstore.Kind]HandlerFunc
	concurrency int
	dequeueWait time.Duration
	debug       bool

	metrics *metrics.Metrics
	log     *logging.Logger
}

// New builds a Runtime. Register handlers with Handle before calling Run.
func New(store *jobstore.Store, concurrency int, dequeueWait time.Duration, debug bool, m *metrics.Metrics, log *logging.Logger) *Runtime {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runtime{
		store:       store,
		handlers:    make(map[jobstore.Kind]HandlerFunc),
		concurrency: concurrency,
		dequeueWait: dequeueWait,
		debug:       debug,
		metrics:     m,
		log:         log,
	}
}

// Handle registers the handler invoked for jobs of the given kind.
func (r *Runtime) Handle(kind jobstore.Kind, fn HandlerFunc) {
	r.handlers[kind] = fn
}

// Run blocks until ctx is cancelled, running concurrency worker goroutines.
func (r *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (r *Runtime) loop(ctx context.Context, workerID int) {
	const minBackoff, maxBackoff = 500 * time.Millisecond, 5 * time.Second
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := r.store.Dequeue(ctx, r.dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if r.log != nil {
				r.log.WithField("error", err).WithField("worker", workerID).Warn("dequeue failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		if env == nil {
			continue // dequeue wait timed out, nothing queued
		}
		r.process(ctx, env)
	}
}

func (r *Runtime) process(ctx context.Context, env *jobstore.Envelope) {
	// A job already taken off the queue runs, and has its status written, on
	// a context that shutdown does not cancel.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	outcome := "done"
	defer func() {
		if r.metrics != nil {
			r.metrics.JobsTotal.WithLabelValues(string(env.Kind), outcome).Inc()
			r.metrics.JobDuration.WithLabelValues(string(env.Kind)).Observe(time.Since(start).Seconds())
		}
	}()

	if err := r.store.SetRunning(ctx, env.ID); err != nil && r.log != nil {
		r.log.WithField("error", err).WithField("job_id", env.ID).Warn("set running failed")
	}

	handler, ok := r.handlers[env.Kind]
	if !ok {
		outcome = "error"
		_ = r.store.SetError(ctx, env.ID, "UNKNOWN_KIND", "no handler registered for job kind", "", r.debug)
		return
	}

	result, err := handler(ctx, env.Payload)
	if err != nil {
		outcome = "error"
		se, _ := apierr.As(err)
		errType, message, trace := "INTERNAL_ERROR", err.Error(), ""
		if se != nil {
			errType = string(se.Code)
			message = se.Message
			if se.Err != nil {
				trace = se.Err.Error()
			}
		}
		if werr := r.store.SetError(ctx, env.ID, errType, message, trace, r.debug); werr != nil && r.log != nil {
			r.log.WithField("error", werr).WithField("job_id", env.ID).Warn("set error failed")
		}
		return
	}

	if werr := r.store.SetDone(ctx, env.ID, result); werr != nil && r.log != nil {
		r.log.WithField("error", werr).WithField("job_id", env.ID).Warn("set done failed")
	}
}
