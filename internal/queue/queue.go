// Package queue buffers agent events and flushes them in batches.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"example.com/tracker/internal/logging"
	"example.com/tracker/internal/metrics"
	"example.com/tracker/internal/transport"
	"example.com/tracker/internal/wire"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
)

// Sender delivers an encoded body. transport.Chain satisfies it.
type Sender interface {
	Send(url string, body []byte, opts transport.Options)
}

// Options tune a Queue. Zero values fall back to the defaults above.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Queue is an ordered in-memory buffer. A flush removes the whole buffer in
// one critical section before anything is encoded or sent, so events recorded
// meanwhile start the next batch. Failed sends are not retried.
type Queue struct {
	url       string
	sender    Sender
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	events []wire.Event

	inflight sync.WaitGroup

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// New returns a queue posting batches to url through sender.
func New(sender Sender, url string, opts Options) *Queue {
	q := &Queue{
		url:       url,
		sender:    sender,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		logger:    opts.Logger,
	}
	if q.batchSize <= 0 {
		q.batchSize = DefaultBatchSize
	}
	if q.interval <= 0 {
		q.interval = DefaultFlushInterval
	}
	if q.logger == nil {
		q.logger = logging.Discard()
	}
	return q
}

// Record appends e. Reaching the batch size hands the buffer to an
// asynchronous flush.
func (q *Queue) Record(e wire.Event) {
	metrics.EventsRecorded.WithLabelValues(string(e.Type)).Inc()

	q.mu.Lock()
	q.events = append(q.events, e)
	var batch []wire.Event
	if len(q.events) >= q.batchSize {
		batch = q.takeLocked()
	}
	q.mu.Unlock()

	if batch != nil {
		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			q.deliver(batch, "threshold", false)
		}()
	}
}

// Flush sends whatever is queued. sync marks the page-hide/unload path. An
// empty queue is a no-op.
func (q *Queue) Flush(sync bool) {
	trigger := "manual"
	if sync {
		trigger = "sync"
	}
	q.flush(trigger, sync)
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Start runs the periodic flush until ctx is done or Stop is called. Calling
// Start again replaces the previous loop.
func (q *Queue) Start(ctx context.Context) {
	q.Stop()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	q.loopMu.Lock()
	q.stopLoop = cancel
	q.loopDone = done
	q.loopMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.flush("timer", false)
			}
		}
	}()
}

// Stop ends the periodic flush and waits for the loop to exit.
func (q *Queue) Stop() {
	q.loopMu.Lock()
	cancel, done := q.stopLoop, q.loopDone
	q.stopLoop, q.loopDone = nil, nil
	q.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the timer, flushes synchronously and waits for pending
// asynchronous flushes until ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.Stop()
	q.flush("sync", true)

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) flush(trigger string, sync bool) {
	q.mu.Lock()
	batch := q.takeLocked()
	q.mu.Unlock()
	q.deliver(batch, trigger, sync)
}

func (q *Queue) takeLocked() []wire.Event {
	if len(q.events) == 0 {
		return nil
	}
	batch := q.events
	q.events = nil
	return batch
}

func (q *Queue) deliver(batch []wire.Event, trigger string, sync bool) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Debug("flush panic recovered", "trigger", trigger, "panic", fmt.Sprint(r))
		}
	}()
	body, err := wire.Seal(wire.BatchPayload{Events: batch})
	if err != nil {
		q.logger.Debug("batch dropped", "trigger", trigger, "events", len(batch), "error", err)
		return
	}
	metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
	q.sender.Send(q.url, body, transport.Options{Sync: sync})
}
