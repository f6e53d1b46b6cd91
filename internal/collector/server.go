// Package collector is the receiving end of the agent's wire contract: it
// decodes batches and identifies, stores them in SQLite, links leads and
// optionally forwards everything to RabbitMQ.
package collector

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/tracker/internal/metrics"
	"example.com/tracker/internal/tracker"
	"example.com/tracker/internal/wire"
)

const defaultMaxBodyBytes = 1 << 20

var validate = validator.New()

// Options configures the public surface of the collector.
type Options struct {
	EventsPath     string
	IdentifyPath   string
	AllowedOrigins []string
	// RateLimit requests per RateWindow per client IP on the ingest
	// endpoints; zero disables limiting.
	RateLimit    int
	RateWindow   time.Duration
	MaxBodyBytes int64
	// AccessKey, when set, must be sent as X-Access-Key on the read API.
	AccessKey string
}

// Server exposes the ingest endpoints the agent posts to plus a small
// read API for inspecting what was collected.
type Server struct {
	store     *Store
	linker    LeadLinker
	forwarder Forwarder
	logger    *slog.Logger
	opts      Options
}

// NewServer creates a collector server with the required collaborators wired
// in. forwarder may be nil.
func NewServer(store *Store, linker LeadLinker, forwarder Forwarder, logger *slog.Logger, opts Options) *Server {
	if opts.EventsPath == "" {
		opts.EventsPath = tracker.DefaultEventsPath
	}
	if opts.IdentifyPath == "" {
		opts.IdentifyPath = tracker.DefaultIdentifyPath
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		store:     store,
		linker:    linker,
		forwarder: forwarder,
		logger:    logger,
		opts:      opts,
	}
}

// Router configures all collector routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Beacons are cross-origin and never carry credentials.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimit, s.opts.RateWindow))
		}
		r.Post(s.opts.EventsPath, s.handleEvents)
		r.Post(s.opts.IdentifyPath, s.handleIdentify)
	})

	r.Route("/collector", func(r chi.Router) {
		r.Use(s.requireAccessKey)
		r.Get("/events", s.handleListEvents)
		r.Get("/leads/{email}", s.handleGetLead)
	})

	return r
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, "events")
	if !ok {
		return
	}
	var batch wire.BatchPayload
	if err := wire.Open(body, &batch); err != nil {
		metrics.CollectorRejected.WithLabelValues("events", "decode").Inc()
		writeError(w, http.StatusBadRequest, "decode batch: %v", err)
		return
	}
	if len(batch.Events) == 0 {
		metrics.CollectorRejected.WithLabelValues("events", "empty").Inc()
		writeError(w, http.StatusBadRequest, "batch has no events")
		return
	}

	now := time.Now().UTC()
	var (
		summary  IngestSummary
		accepted []wire.Event
	)
	for _, in := range batch.Events {
		event, err := toEvent(in, now)
		if err != nil {
			summary.Rejected++
			metrics.CollectorRejected.WithLabelValues("events", "invalid").Inc()
			s.logger.Debug("event rejected", "site_id", in.SiteID, "type", in.Type, "error", err)
			continue
		}
		inserted, err := s.store.InsertEvent(r.Context(), event)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "insert event: %v", err)
			return
		}
		if !inserted {
			summary.Duplicates++
			continue
		}
		summary.Accepted++
		metrics.CollectorEvents.WithLabelValues(string(event.Type)).Inc()
		accepted = append(accepted, in)
	}

	if len(accepted) > 0 {
		s.forward(r.Context(), RoutingKeyEvents, wire.BatchPayload{Events: accepted})
	}
	s.logger.Info("batch ingested", "accepted", summary.Accepted, "duplicates", summary.Duplicates, "rejected", summary.Rejected)
	writeJSON(w, http.StatusAccepted, summary)
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, "identify")
	if !ok {
		return
	}
	var payload wire.IdentifyPayload
	if err := wire.Open(body, &payload); err != nil {
		metrics.CollectorRejected.WithLabelValues("identify", "decode").Inc()
		writeError(w, http.StatusBadRequest, "decode identify: %v", err)
		return
	}
	payload.Email = NormalizeEmail(payload.Email)
	if strings.TrimSpace(payload.SiteID) == "" || strings.TrimSpace(payload.VisitorID) == "" {
		metrics.CollectorRejected.WithLabelValues("identify", "invalid").Inc()
		writeError(w, http.StatusBadRequest, "site and visitor are required")
		return
	}
	if err := validate.Var(payload.Email, "required,email"); err != nil {
		metrics.CollectorRejected.WithLabelValues("identify", "invalid").Inc()
		writeError(w, http.StatusBadRequest, "email must be a valid address")
		return
	}
	if s.linker == nil {
		writeError(w, http.StatusServiceUnavailable, "lead linker not configured")
		return
	}

	result, err := s.linker.Link(r.Context(), LinkInput{
		SiteID:     payload.SiteID,
		VisitorID:  payload.VisitorID,
		Email:      payload.Email,
		Profile:    payload.Profile,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("lead link failed", "site_id", payload.SiteID, "visitor_id", payload.VisitorID, "error", err)
		writeError(w, http.StatusBadGateway, "link lead: %v", err)
		return
	}
	metrics.CollectorIdentifies.Inc()
	s.forward(r.Context(), RoutingKeyIdentify, payload)

	s.logger.Info("visitor identified", "site_id", payload.SiteID, "visitor_id", payload.VisitorID, "created", result.Created, "workflow_id", result.WorkflowID)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := EventFilter{
		SiteID:    q.Get("site_id"),
		VisitorID: q.Get("visitor_id"),
		Type:      wire.EventType(q.Get("type")),
		Limit:     parseIntDefault(q.Get("limit"), 50),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type %q", filter.Type)
		return
	}
	events, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events: %v", err)
		return
	}
	if events == nil {
		events = []Event{}
	}
	s.logger.Info("events listed", "site_id", filter.SiteID, "visitor_id", filter.VisitorID, "count", len(events))
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	siteID := strings.TrimSpace(r.URL.Query().Get("site_id"))
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "site_id required")
		return
	}
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}
	lead, err := s.store.GetLead(r.Context(), siteID, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get lead: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) requireAccessKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AccessKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		accessKey := strings.TrimSpace(r.Header.Get("X-Access-Key"))
		if accessKey == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Access-Key header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(accessKey), []byte(s.opts.AccessKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid access key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, endpoint string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.CollectorRejected.WithLabelValues(endpoint, "too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds %d bytes", tooLarge.Limit)
			return nil, false
		}
		metrics.CollectorRejected.WithLabelValues(endpoint, "read").Inc()
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return nil, false
	}
	return body, true
}

// forward publishes payload as plain JSON. Failures are logged; ingestion
// never depends on the broker.
func (s *Server) forward(ctx context.Context, routingKey string, payload any) {
	if s.forwarder == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("forward marshal failed", "routing_key", routingKey, "error", err)
		return
	}
	if err := s.forwarder.Forward(ctx, routingKey, uuid.NewString(), body); err != nil {
		s.logger.Warn("forward failed", "routing_key", routingKey, "error", err)
	}
}

// toEvent validates one wire event and converts it to a row.
func toEvent(in wire.Event, receivedAt time.Time) (Event, error) {
	if strings.TrimSpace(in.SiteID) == "" || strings.TrimSpace(in.VisitorID) == "" {
		return Event{}, errors.New("site_id and visitor_id are required")
	}
	if !in.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", in.Type)
	}
	ts, err := parseTime(in.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("timestamp: %w", err)
	}
	props := in.Properties
	if props == nil {
		props = map[string]any{}
	}
	event := Event{
		SiteID:     in.SiteID,
		VisitorID:  in.VisitorID,
		SessionID:  in.SessionID,
		Type:       in.Type,
		Name:       in.Name,
		URL:        in.URL,
		Referrer:   in.Referrer,
		Properties: props,
		Device:     in.Device,
		Timestamp:  ts,
		IngestedAt: receivedAt,
	}
	if in.UTM != nil {
		event.UTMSource = in.UTM.Source
		event.UTMMedium = in.UTM.Medium
		event.UTMCampaign = in.UTM.Campaign
	}
	event.DedupeKey = dedupeKey(in)
	return event, nil
}

// dedupeKey is stable for the same observation so a batch delivered twice
// is stored once.
func dedupeKey(e wire.Event) string {
	props, _ := json.Marshal(e.Properties)
	name := strings.Join([]string{e.SiteID, e.VisitorID, e.SessionID, string(e.Type), e.Name, e.Timestamp, string(props)}, "\x1f")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func parseTime(value string) (time.Time, error) {
	formats := []string{time.RFC3339Nano, time.RFC3339}
	for _, format := range formats {
		if ts, err := time.Parse(format, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("invalid time format, use RFC3339")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
