package tracker

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"example.com/tracker/internal/queue"
)

const (
	DefaultDevAPIBase     = "http://localhost:8082"
	DefaultProdAPIBase    = "https://collect.tracker.example"
	DefaultEventsPath     = "/cdn/fonts/woff2.json"
	DefaultIdentifyPath   = "/cdn/assets/manifest.json"
	DefaultScrollDebounce = 150 * time.Millisecond
	DefaultEngagementIdle = 30 * time.Second
	DefaultSendTimeout    = 10 * time.Second
)

// ErrMissingSiteID is returned when Config.SiteID is empty.
var ErrMissingSiteID = errors.New("site id required")

// Config controls one agent. Zero values take the defaults above.
type Config struct {
	SiteID string

	// APIBase, when set, is used for every page. Otherwise pages served from
	// a localhost host talk to DevAPIBase and everything else to ProdAPIBase.
	APIBase     string
	DevAPIBase  string
	ProdAPIBase string

	EventsPath   string
	IdentifyPath string

	BatchSize     int
	FlushInterval time.Duration
	// ScrollDebounce below zero applies every scroll immediately.
	ScrollDebounce time.Duration
	EngagementIdle time.Duration
	SendTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DevAPIBase == "" {
		c.DevAPIBase = DefaultDevAPIBase
	}
	if c.ProdAPIBase == "" {
		c.ProdAPIBase = DefaultProdAPIBase
	}
	if c.EventsPath == "" {
		c.EventsPath = DefaultEventsPath
	}
	if c.IdentifyPath == "" {
		c.IdentifyPath = DefaultIdentifyPath
	}
	if c.BatchSize <= 0 {
		c.BatchSize = queue.DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = queue.DefaultFlushInterval
	}
	if c.ScrollDebounce == 0 {
		c.ScrollDebounce = DefaultScrollDebounce
	}
	if c.EngagementIdle <= 0 {
		c.EngagementIdle = DefaultEngagementIdle
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// APIBaseFor picks the collection origin for a page URL.
func (c Config) APIBaseFor(pageURL string) string {
	c = c.withDefaults()
	if c.APIBase != "" {
		return strings.TrimRight(c.APIBase, "/")
	}
	if u, err := url.Parse(pageURL); err == nil && strings.Contains(u.Hostname(), "localhost") {
		return strings.TrimRight(c.DevAPIBase, "/")
	}
	return strings.TrimRight(c.ProdAPIBase, "/")
}
