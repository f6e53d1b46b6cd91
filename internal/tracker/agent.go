// Package tracker is the visitor-tracking agent: identity, sensors, batching
// and delivery for one page load. Hosts translate browser signals into the
// Handle* calls; nothing in this package ever panics into the host.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"example.com/tracker/internal/identity"
	"example.com/tracker/internal/logging"
	"example.com/tracker/internal/metrics"
	"example.com/tracker/internal/queue"
	"example.com/tracker/internal/transport"
	"example.com/tracker/internal/wire"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var mobileUserAgent = regexp.MustCompile(`(?i)Mobi|Android|iPhone|iPad|iPod|BlackBerry|IEMobile|Opera Mini|webOS`)

// processIdentity backs agents built without WithIdentity. Keys are prefixed
// with the site id, so every agent for a site in this process shares one
// visitor and one rolling session, the way a browser profile would.
var processIdentity = identity.NewMemoryStorage()

// Option customises an Agent.
type Option func(*Agent)

// WithIdentity supplies the identity store. The default keeps both ids in
// process memory, shared by all agents of the same site.
func WithIdentity(store *identity.Store) Option {
	return func(a *Agent) { a.ident = store }
}

// WithSender supplies the delivery path. The default is transport.NewDefault,
// owned and closed by the agent.
func WithSender(sender queue.Sender) Option {
	return func(a *Agent) { a.sender = sender }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent tracks one page load.
type Agent struct {
	cfg         Config
	page        Page
	device      wire.Device
	utm         *wire.UTM
	mobile      bool
	eventsURL   string
	identifyURL string

	ident       *identity.Store
	sender      queue.Sender
	ownedChain  *transport.Chain
	queue       *queue.Queue
	logger      *slog.Logger
	now         func() time.Time
	sensorHook  func(sensor string)
	lifetimeCtx context.Context

	mu        sync.Mutex
	started   bool
	closed    bool
	visitorID string
	startedAt time.Time

	scroll     scrollState
	timing     timeOnPageState
	engagement engagementState
	forms      map[*Form]struct{}
	downloads  map[string]struct{}
	exitFired  bool
}

// New builds an agent for page. It does nothing until Start.
func New(cfg Config, page Page, opts ...Option) (*Agent, error) {
	if cfg.SiteID == "" {
		return nil, ErrMissingSiteID
	}
	cfg = cfg.withDefaults()
	a := &Agent{
		cfg:  cfg,
		page: page,
		device: wire.Device{
			UserAgent: page.UserAgent,
			Screen:    page.Screen.String(),
			Language:  page.Language,
		},
		utm:       wire.ExtractUTM(page.URL),
		mobile:    mobileUserAgent.MatchString(page.UserAgent),
		forms:     make(map[*Form]struct{}),
		downloads: make(map[string]struct{}),
		scroll:    newScrollState(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.ident == nil {
		a.ident = identity.NewStore(processIdentity, processIdentity, identity.Options{
			KeyPrefix: cfg.SiteID + ":",
			Now:       a.now,
			Logger:    a.logger,
		})
	}
	if a.sender == nil {
		a.ownedChain = transport.NewDefault(a.logger, cfg.SendTimeout)
		a.sender = a.ownedChain
	}

	base := cfg.APIBaseFor(page.URL)
	a.eventsURL = base + cfg.EventsPath
	a.identifyURL = base + cfg.IdentifyPath
	a.queue = queue.New(a.sender, a.eventsURL, queue.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		Logger:        a.logger,
	})
	return a, nil
}

// SiteID returns the workspace the agent reports to.
func (a *Agent) SiteID() string { return a.cfg.SiteID }

// VisitorID returns the resolved visitor id, empty before Start.
func (a *Agent) VisitorID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visitorID
}

// EventsURL is the batch collection endpoint for this page.
func (a *Agent) EventsURL() string { return a.eventsURL }

// IdentifyURL is the identify endpoint for this page.
func (a *Agent) IdentifyURL() string { return a.identifyURL }

// Start resolves identity, starts the periodic flush and records the page
// view. The flush timer runs until ctx is done or the agent is closed.
// Calling Start twice has no further effect.
func (a *Agent) Start(ctx context.Context) {
	a.guard("page-view", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.started || a.closed {
			return
		}
		a.started = true
		a.lifetimeCtx = context.WithoutCancel(ctx)
		now := a.now()
		a.startedAt = now
		a.visitorID = a.ident.ResolveVisitorID(ctx)
		a.timing.show(now)
		a.queue.Start(ctx)

		a.recordLocked(wire.TypeView, "page_view", map[string]any{
			"title":    a.page.Title,
			"path":     pagePath(a.page.URL),
			"referrer": referrerOrDirect(a.page.Referrer),
			"viewport": a.page.Viewport.String(),
			"screen":   a.page.Screen.String(),
		})
	})
}

// Track records a custom event on behalf of host code.
func (a *Agent) Track(name string, props map[string]any) {
	a.guard("custom", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		a.recordLocked(wire.TypeCustom, name, props)
	})
}

// Flush sends whatever is queued without waiting for the timer.
func (a *Agent) Flush() {
	a.guard("flush", func() { a.queue.Flush(false) })
}

// Close stops the timer, flushes synchronously and waits for deliveries the
// agent owns until ctx is done. Further signals are ignored.
func (a *Agent) Close(ctx context.Context) error {
	var err error
	a.guard("close", func() {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.closed = true
		a.scroll.stopTimer()
		a.mu.Unlock()

		err = a.queue.Close(ctx)
		if a.ownedChain != nil {
			if cerr := a.ownedChain.Close(ctx); cerr != nil && err == nil {
				err = cerr
			}
			return
		}
		if w, ok := a.sender.(interface{ Wait(context.Context) error }); ok {
			if werr := w.Wait(ctx); werr != nil && err == nil {
				err = werr
			}
		}
	})
	return err
}

func (a *Agent) activeLocked() bool {
	return a.started && !a.closed
}

// recordLocked stamps and queues one event. Callers hold a.mu.
func (a *Agent) recordLocked(typ wire.EventType, name string, props map[string]any) {
	if props == nil {
		props = map[string]any{}
	}
	ctx := a.lifetimeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	a.queue.Record(wire.Event{
		SiteID:     a.cfg.SiteID,
		VisitorID:  a.visitorID,
		SessionID:  a.ident.ResolveOrRolloverSession(ctx),
		Type:       typ,
		Name:       name,
		Properties: props,
		URL:        a.page.URL,
		Referrer:   a.page.Referrer,
		Device:     a.device,
		UTM:        a.utm,
		Timestamp:  a.now().UTC().Format(timestampLayout),
	})
}

// guard isolates one sensor: a panic is logged and counted, never rethrown.
func (a *Agent) guard(sensor string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SensorPanics.WithLabelValues(sensor).Inc()
			a.logger.Debug("sensor panic recovered", "sensor", sensor, "panic", fmt.Sprint(r))
		}
	}()
	if a.sensorHook != nil {
		a.sensorHook(sensor)
	}
	fn()
}

func (a *Agent) elapsedLocked() time.Duration {
	if a.startedAt.IsZero() {
		return 0
	}
	return a.now().Sub(a.startedAt)
}
