package collector

import (
	"time"

	"example.com/tracker/internal/wire"
)

// Event models a single append-only row in the collector database.
type Event struct {
	ID          int64          `json:"id,omitempty"`
	SiteID      string         `json:"site_id"`
	VisitorID   string         `json:"visitor_id"`
	SessionID   string         `json:"session_id"`
	Type        wire.EventType `json:"type"`
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	Referrer    string         `json:"referrer,omitempty"`
	UTMSource   string         `json:"utm_source,omitempty"`
	UTMMedium   string         `json:"utm_medium,omitempty"`
	UTMCampaign string         `json:"utm_campaign,omitempty"`
	Properties  map[string]any `json:"properties"`
	Device      wire.Device    `json:"device"`
	Timestamp   time.Time      `json:"timestamp"`
	DedupeKey   string         `json:"dedupe_key"`
	IngestedAt  time.Time      `json:"ingested_at"`
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	SiteID    string
	VisitorID string
	Type      wire.EventType
	Limit     int
}

// Lead is an identified visitor: one email per site, linked to every visitor
// id that submitted it.
type Lead struct {
	SiteID      string    `json:"site_id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	Company     string    `json:"company,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	FullName    string    `json:"full_name,omitempty"`
	UTMSource   string    `json:"utm_source,omitempty"`
	Visitors    []string  `json:"visitors"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IngestSummary reports what happened to one batch.
type IngestSummary struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}
