package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/tracker/internal/wire"
)

// Store encapsulates access to the collector SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore constructs a collector data access object.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init applies schema changes for the event and lead tables.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			referrer TEXT,
			utm_source TEXT,
			utm_medium TEXT,
			utm_campaign TEXT,
			properties TEXT NOT NULL,
			device TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			ingested_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_visitor ON events(visitor_id, timestamp DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_events_site ON events(site_id, timestamp DESC);`,
		`CREATE TABLE IF NOT EXISTS leads (
			site_id TEXT NOT NULL,
			email TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			utm_source TEXT,
			first_seen_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (site_id, email)
		);`,
		`CREATE TABLE IF NOT EXISTS lead_visitors (
			site_id TEXT NOT NULL,
			email TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			linked_at TIMESTAMP NOT NULL,
			PRIMARY KEY (site_id, email, visitor_id),
			FOREIGN KEY (site_id, email) REFERENCES leads(site_id, email) ON DELETE CASCADE
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply collector schema: %w", err)
		}
	}
	return nil
}

// InsertEvent stores an event unless a duplicate already exists. Returns true when inserted.
func (s *Store) InsertEvent(ctx context.Context, event Event) (bool, error) {
	props, err := json.Marshal(event.Properties)
	if err != nil {
		return false, fmt.Errorf("marshal properties: %w", err)
	}
	device, err := json.Marshal(event.Device)
	if err != nil {
		return false, fmt.Errorf("marshal device: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(site_id, visitor_id, session_id, type, name, url, referrer,
			utm_source, utm_medium, utm_campaign, properties, device, timestamp, dedupe_key, ingested_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		 ON CONFLICT(dedupe_key) DO NOTHING`,
		event.SiteID,
		event.VisitorID,
		event.SessionID,
		string(event.Type),
		event.Name,
		event.URL,
		nullIfEmpty(event.Referrer),
		nullIfEmpty(event.UTMSource),
		nullIfEmpty(event.UTMMedium),
		nullIfEmpty(event.UTMCampaign),
		string(props),
		string(device),
		event.Timestamp.UTC(),
		event.DedupeKey,
		utcOrNil(event.IngestedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func utcOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// LatestAttribution returns the most recent non-empty utm_source for a visitor.
func (s *Store) LatestAttribution(ctx context.Context, siteID, visitorID string) (string, bool, error) {
	var utm sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT utm_source FROM events
		 WHERE site_id = ? AND visitor_id = ? AND utm_source IS NOT NULL AND utm_source != ''
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, siteID, visitorID).Scan(&utm)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("latest attribution: %w", err)
	}
	return utm.String, utm.Valid, nil
}

// ListEvents returns events filtered by site, visitor or type for debugging.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args := []any{}
	clauses := []string{"1 = 1"}
	if filter.SiteID != "" {
		clauses = append(clauses, "site_id = ?")
		args = append(args, filter.SiteID)
	}
	if filter.VisitorID != "" {
		clauses = append(clauses, "visitor_id = ?")
		args = append(args, filter.VisitorID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	query := fmt.Sprintf(`SELECT id, site_id, visitor_id, session_id, type, name, url, referrer,
			utm_source, utm_medium, utm_campaign, properties, device, timestamp, dedupe_key, ingested_at
		FROM events WHERE %s ORDER BY timestamp DESC, id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			typ        string
			propsJSON  string
			deviceJSON string
			referrer   sql.NullString
			source     sql.NullString
			medium     sql.NullString
			campaign   sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&e.SiteID,
			&e.VisitorID,
			&e.SessionID,
			&typ,
			&e.Name,
			&e.URL,
			&referrer,
			&source,
			&medium,
			&campaign,
			&propsJSON,
			&deviceJSON,
			&e.Timestamp,
			&e.DedupeKey,
			&e.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = wire.EventType(typ)
		e.Referrer = referrer.String
		e.UTMSource = source.String
		e.UTMMedium = medium.String
		e.UTMCampaign = campaign.String
		if err := json.Unmarshal([]byte(propsJSON), &e.Properties); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
		if err := json.Unmarshal([]byte(deviceJSON), &e.Device); err != nil {
			return nil, fmt.Errorf("decode device: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter events: %w", err)
	}
	return events, nil
}

// UpsertLead records email for the site and links visitorID to it. Non-empty
// profile fields replace stored ones; empty ones keep what is there. The
// first attribution seen for the lead is kept. Returns true when the lead is
// new.
func (s *Store) UpsertLead(ctx context.Context, lead Lead, visitorID string) (bool, error) {
	at := lead.UpdatedAt.UTC()
	if lead.UpdatedAt.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lead upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM leads WHERE site_id = ? AND email = ?`, lead.SiteID, lead.Email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup lead: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leads(site_id, email, first_name, last_name, company, phone, full_name, utm_source, first_seen_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(site_id, email) DO UPDATE SET
			first_name = COALESCE(NULLIF(excluded.first_name, ''), leads.first_name),
			last_name = COALESCE(NULLIF(excluded.last_name, ''), leads.last_name),
			company = COALESCE(NULLIF(excluded.company, ''), leads.company),
			phone = COALESCE(NULLIF(excluded.phone, ''), leads.phone),
			full_name = COALESCE(NULLIF(excluded.full_name, ''), leads.full_name),
			utm_source = COALESCE(leads.utm_source, excluded.utm_source),
			updated_at = excluded.updated_at`,
		lead.SiteID, lead.Email, lead.FirstName, lead.LastName, lead.Company, lead.Phone, lead.FullName,
		nullIfEmpty(lead.UTMSource), at, at,
	)
	if err != nil {
		return false, fmt.Errorf("upsert lead: %w", err)
	}

	if visitorID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO lead_visitors(site_id, email, visitor_id, linked_at) VALUES(?, ?, ?, ?)
			 ON CONFLICT(site_id, email, visitor_id) DO NOTHING`,
			lead.SiteID, lead.Email, visitorID, at,
		)
		if err != nil {
			return false, fmt.Errorf("link visitor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lead upsert: %w", err)
	}
	return exists == 0, nil
}

// GetLead fetches a lead and its linked visitors. Returns sql.ErrNoRows when
// the email is unknown for the site.
func (s *Store) GetLead(ctx context.Context, siteID, email string) (Lead, error) {
	var (
		lead   Lead
		source sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT site_id, email, first_name, last_name, company, phone, full_name, utm_source, first_seen_at, updated_at
		 FROM leads WHERE site_id = ? AND email = ?`, siteID, email)
	if err := row.Scan(&lead.SiteID, &lead.Email, &lead.FirstName, &lead.LastName, &lead.Company,
		&lead.Phone, &lead.FullName, &source, &lead.FirstSeenAt, &lead.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, err
		}
		return Lead{}, fmt.Errorf("get lead: %w", err)
	}
	lead.UTMSource = source.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT visitor_id FROM lead_visitors WHERE site_id = ? AND email = ? ORDER BY linked_at, visitor_id`,
		siteID, email)
	if err != nil {
		return Lead{}, fmt.Errorf("list lead visitors: %w", err)
	}
	defer rows.Close()
	lead.Visitors = []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return Lead{}, fmt.Errorf("scan lead visitor: %w", err)
		}
		lead.Visitors = append(lead.Visitors, v)
	}
	if err := rows.Err(); err != nil {
		return Lead{}, fmt.Errorf("iter lead visitors: %w", err)
	}
	return lead, nil
}
