package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPStrategy posts the body with an http.Client and waits for the answer.
type HTTPStrategy struct {
	name     string
	client   *http.Client
	disabled atomic.Bool
}

// NewKeepalive returns the primary attached strategy: pooled persistent
// connections so requests in flight are not torn down between flushes, and no
// cookie jar so credentials are never attached.
func NewKeepalive(timeout time.Duration) *HTTPStrategy {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4
	tr.IdleConnTimeout = 90 * time.Second
	return &HTTPStrategy{
		name:   "keepalive",
		client: &http.Client{Timeout: timeout, Transport: tr},
	}
}

// NewBasic returns the last-resort strategy: one connection per request.
func NewBasic(timeout time.Duration) *HTTPStrategy {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableKeepAlives = true
	return &HTTPStrategy{
		name:   "basic",
		client: &http.Client{Timeout: timeout, Transport: tr},
	}
}

func (h *HTTPStrategy) Name() string { return h.name }

func (h *HTTPStrategy) Available() bool { return h.client != nil && !h.disabled.Load() }

func (h *HTTPStrategy) Detached() bool { return false }

// Disable takes the strategy out of rotation, emulating a host without it.
func (h *HTTPStrategy) Disable() { h.disabled.Store(true) }

func (h *HTTPStrategy) Send(ctx context.Context, url string, body []byte) error {
	return post(ctx, h.client, url, body)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("collector responded with %s", resp.Status)
	}
	return nil
}
