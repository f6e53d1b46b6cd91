// Package transport ships encoded payloads to the collection endpoints using
// the best strategy available at call time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"example.com/tracker/internal/logging"
	"example.com/tracker/internal/metrics"
)

// ContentType is sent by every strategy.
const ContentType = "application/json"

// ErrRejected is returned by a detached strategy that could not accept the
// request; the chain then moves on to the next strategy.
var ErrRejected = errors.New("request rejected by transport")

// Strategy is one way of delivering a request body.
type Strategy interface {
	Name() string
	Available() bool
	// Detached strategies return as soon as the request is accepted and
	// finish it independently of the caller, even during shutdown.
	Detached() bool
	Send(ctx context.Context, url string, body []byte) error
}

// Options qualify one Send.
type Options struct {
	// Sync marks the page-hide/unload path.
	Sync bool
}

// Chain tries its strategies in priority order. Send never blocks on the
// network, never returns an error and never retries.
type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewChain builds a chain over strategies in priority order. timeout bounds
// every attached request.
func NewChain(logger *slog.Logger, timeout time.Duration, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = logging.Discard()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Chain{strategies: strategies, timeout: timeout, logger: logger}
}

// Send delivers body to url on a best-effort basis.
func (c *Chain) Send(url string, body []byte, opts Options) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("transport panic recovered", "panic", fmt.Sprint(r))
		}
	}()

	for _, s := range c.candidates(opts) {
		if s.Detached() {
			err := s.Send(context.Background(), url, body)
			if errors.Is(err, ErrRejected) {
				metrics.Deliveries.WithLabelValues(s.Name(), "rejected").Inc()
				continue
			}
			c.record(s, url, err)
			return
		}
		c.wg.Add(1)
		go func(s Strategy) {
			defer c.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Debug("transport panic recovered", "strategy", s.Name(), "panic", fmt.Sprint(r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			c.record(s, url, s.Send(ctx, url, body))
		}(s)
		return
	}
	metrics.Deliveries.WithLabelValues("none", "dropped").Inc()
	c.logger.Debug("no transport available, payload dropped", "url", url, "bytes", len(body))
}

// Wait blocks until every attached request has finished or ctx is done.
func (c *Chain) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// candidates orders the available strategies for one call: the unload path
// prefers detached strategies, everything else skips them.
func (c *Chain) candidates(opts Options) []Strategy {
	var detached, attached []Strategy
	for _, s := range c.strategies {
		if !s.Available() {
			continue
		}
		if s.Detached() {
			detached = append(detached, s)
		} else {
			attached = append(attached, s)
		}
	}
	if opts.Sync {
		return append(detached, attached...)
	}
	return attached
}

func (c *Chain) record(s Strategy, url string, err error) {
	if err != nil {
		metrics.Deliveries.WithLabelValues(s.Name(), "error").Inc()
		c.logger.Debug("delivery failed", "strategy", s.Name(), "url", url, "error", err)
		return
	}
	metrics.Deliveries.WithLabelValues(s.Name(), "ok").Inc()
}

// Close waits for attached requests, then releases strategies holding
// resources (the beacon dispatcher).
func (c *Chain) Close(ctx context.Context) error {
	err := c.Wait(ctx)
	for _, s := range c.strategies {
		closer, ok := s.(interface{ Close(context.Context) error })
		if !ok {
			continue
		}
		if cerr := closer.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewDefault builds the standard beacon, keepalive, basic chain.
func NewDefault(logger *slog.Logger, timeout time.Duration) *Chain {
	return NewChain(logger, timeout,
		NewBeacon(timeout, 16, logger),
		NewKeepalive(timeout),
		NewBasic(timeout),
	)
}
