// Package telemetry records every verified and rejected signature attempt:
// fast counters in a shared Redis, a durable append-only log in SQLite, and
// OpenTelemetry metrics. Recording never blocks the response path; the
// recorder owns a bounded queue and drops the oldest event under pressure.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/openbotauth/botgate/pkg/logger"
	"github.com/openbotauth/botgate/pkg/verifier"
)

// DefaultQueueSize bounds the in-flight event queue.
const DefaultQueueSize = 1024

// consumeTimeout bounds the sink writes for one event.
const consumeTimeout = 5 * time.Second

// Recorder implements verifier.Observer. A nil Recorder is a valid no-op.
type Recorder struct {
	queue    chan verifier.Attempt
	counters *RedisCounters
	log      *AttemptLog
	metrics  *meters

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCounters attaches the Redis counter sink.
func WithCounters(c *RedisCounters) RecorderOption {
	return func(r *Recorder) { r.counters = c }
}

// WithAttemptLog attaches the durable SQLite log.
func WithAttemptLog(l *AttemptLog) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// WithQueueSize overrides the queue bound.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) { r.queue = make(chan verifier.Attempt, n) }
}

// NewRecorder creates a Recorder and starts its consumer goroutine.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		queue:   make(chan verifier.Attempt, DefaultQueueSize),
		metrics: newMeters(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.consume()
	return r
}

// Observe implements verifier.Observer. It never blocks: when the queue is
// full the oldest event is dropped to make room.
func (r *Recorder) Observe(a verifier.Attempt) {
	if r == nil {
		return
	}
	select {
	case r.queue <- a:
		return
	default:
	}
	select {
	case <-r.queue:
	default:
	}
	select {
	case r.queue <- a:
	default:
	}
}

// Close stops the consumer after draining queued events.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	if r.log != nil {
		return r.log.Close()
	}
	return nil
}

func (r *Recorder) consume() {
	defer close(r.done)
	for {
		select {
		case a := <-r.queue:
			r.record(a)
		case <-r.stop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case a := <-r.queue:
					r.record(a)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) record(a verifier.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), consumeTimeout)
	defer cancel()

	r.metrics.record(ctx, a)

	if r.counters != nil {
		if err := r.counters.Record(ctx, a); err != nil {
			logger.Warnw("failed to update telemetry counters", "error", err)
		}
	}
	if r.log != nil {
		if err := r.log.Append(ctx, a); err != nil {
			logger.Warnw("failed to append telemetry log row", "error", err)
		}
	}
}
