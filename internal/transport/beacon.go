package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"example.com/tracker/internal/logging"
)

// Beacon is the detached strategy used while the agent is going away. Send
// only enqueues; a background dispatcher owns the request from then on and
// Close drains whatever is still queued.
type Beacon struct {
	client *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	jobs   chan beaconJob
	closed bool
	wg     sync.WaitGroup
}

type beaconJob struct {
	url  string
	body []byte
}

// NewBeacon starts a dispatcher with room for buffer pending requests.
func NewBeacon(timeout time.Duration, buffer int, logger *slog.Logger) *Beacon {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = logging.Discard()
	}
	b := &Beacon{
		client: &http.Client{Timeout: timeout},
		logger: logger,
		jobs:   make(chan beaconJob, buffer),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

func (b *Beacon) Name() string { return "beacon" }

func (b *Beacon) Detached() bool { return true }

// Available is false once closed or while the queue is full.
func (b *Beacon) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed && len(b.jobs) < cap(b.jobs)
}

// Send queues the request and returns immediately. ctx is ignored: the
// request must outlive its caller.
func (b *Beacon) Send(_ context.Context, url string, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrRejected
	}
	select {
	case b.jobs <- beaconJob{url: url, body: body}:
		return nil
	default:
		return ErrRejected
	}
}

// Close stops accepting requests and waits for queued ones until ctx is done.
func (b *Beacon) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.jobs)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Beacon) dispatch() {
	defer b.wg.Done()
	for job := range b.jobs {
		if err := post(context.Background(), b.client, job.url, job.body); err != nil {
			b.logger.Debug("beacon delivery failed", "url", job.url, "error", err)
		}
	}
}
