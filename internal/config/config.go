// Package config loads agent and collector settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"example.com/tracker/internal/tracker"
)

var validate = validator.New()

// Agent configures an embedded tracking agent and its identity storage.
type Agent struct {
	SiteID      string `validate:"required"`
	APIBase     string `validate:"omitempty,url"`
	DevAPIBase  string `validate:"omitempty,url"`
	ProdAPIBase string `validate:"omitempty,url"`

	EventsPath   string `validate:"omitempty,startswith=/"`
	IdentifyPath string `validate:"omitempty,startswith=/"`

	BatchSize      int `validate:"gte=0"`
	FlushInterval  time.Duration
	ScrollDebounce time.Duration
	EngagementIdle time.Duration
	SendTimeout    time.Duration

	// Durable identity lives in sqlite at StorePath, or in Redis when
	// RedisURL is set. Both empty keeps identity in memory.
	StorePath string
	RedisURL  string `validate:"omitempty,url"`

	LogFormat string `validate:"omitempty,oneof=json console"`
	LogLevel  string `validate:"omitempty,oneof=debug info warn warning error"`
}

// Tracker converts the loaded settings into an agent config.
func (a Agent) Tracker() tracker.Config {
	return tracker.Config{
		SiteID:         a.SiteID,
		APIBase:        a.APIBase,
		DevAPIBase:     a.DevAPIBase,
		ProdAPIBase:    a.ProdAPIBase,
		EventsPath:     a.EventsPath,
		IdentifyPath:   a.IdentifyPath,
		BatchSize:      a.BatchSize,
		FlushInterval:  a.FlushInterval,
		ScrollDebounce: a.ScrollDebounce,
		EngagementIdle: a.EngagementIdle,
		SendTimeout:    a.SendTimeout,
	}
}

// Collector configures the reference collector service.
type Collector struct {
	Addr   string `validate:"required"`
	DBPath string `validate:"required"`

	EventsPath   string `validate:"required,startswith=/"`
	IdentifyPath string `validate:"required,startswith=/"`

	// RateLimit requests per RateWindow per client IP; zero disables.
	RateLimit      int           `validate:"gte=0"`
	RateWindow     time.Duration `validate:"required_with=RateLimit"`
	AllowedOrigins []string
	MaxBodyBytes   int64 `validate:"gt=0"`
	AccessKey      string

	// Forwarding to RabbitMQ is enabled when RabbitURL is set.
	RabbitURL      string `validate:"omitempty,url"`
	RabbitExchange string `validate:"required_with=RabbitURL"`

	// Lead linking runs through Temporal when TemporalAddress is set,
	// otherwise inline.
	TemporalAddress   string
	TemporalNamespace string `validate:"required_with=TemporalAddress"`

	LogFormat string `validate:"omitempty,oneof=json console"`
	LogLevel  string `validate:"omitempty,oneof=debug info warn warning error"`
}

// LoadAgent reads TRACKER_* variables. Files are .env files to seed the
// environment from; missing files are ignored and real variables win.
func LoadAgent(files ...string) (*Agent, error) {
	_ = godotenv.Load(files...)

	cfg := &Agent{
		SiteID:         getEnv("TRACKER_SITE_ID", ""),
		APIBase:        getEnv("TRACKER_API_BASE", ""),
		DevAPIBase:     getEnv("TRACKER_DEV_API_BASE", tracker.DefaultDevAPIBase),
		ProdAPIBase:    getEnv("TRACKER_PROD_API_BASE", tracker.DefaultProdAPIBase),
		EventsPath:     getEnv("TRACKER_EVENTS_PATH", tracker.DefaultEventsPath),
		IdentifyPath:   getEnv("TRACKER_IDENTIFY_PATH", tracker.DefaultIdentifyPath),
		BatchSize:      getInt("TRACKER_BATCH_SIZE", 10),
		FlushInterval:  getDuration("TRACKER_FLUSH_INTERVAL", 5*time.Second),
		ScrollDebounce: getDuration("TRACKER_SCROLL_DEBOUNCE", tracker.DefaultScrollDebounce),
		EngagementIdle: getDuration("TRACKER_ENGAGEMENT_IDLE", tracker.DefaultEngagementIdle),
		SendTimeout:    getDuration("TRACKER_SEND_TIMEOUT", tracker.DefaultSendTimeout),
		StorePath:      getEnv("TRACKER_STORE_PATH", ""),
		RedisURL:       getEnv("TRACKER_REDIS_URL", ""),
		LogFormat:      getEnv("LOG_FORMAT", ""),
		LogLevel:       getEnv("LOG_LEVEL", ""),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	return cfg, nil
}

// LoadCollector reads COLLECTOR_* variables, see LoadAgent for files.
func LoadCollector(files ...string) (*Collector, error) {
	_ = godotenv.Load(files...)

	cfg := &Collector{
		Addr:              getEnv("COLLECTOR_ADDR", ":8082"),
		DBPath:            getEnv("COLLECTOR_DB_PATH", "collector.db"),
		EventsPath:        getEnv("TRACKER_EVENTS_PATH", tracker.DefaultEventsPath),
		IdentifyPath:      getEnv("TRACKER_IDENTIFY_PATH", tracker.DefaultIdentifyPath),
		RateLimit:         getInt("COLLECTOR_RATE_LIMIT", 120),
		RateWindow:        getDuration("COLLECTOR_RATE_WINDOW", time.Minute),
		AllowedOrigins:    getList("COLLECTOR_ALLOWED_ORIGINS", []string{"*"}),
		MaxBodyBytes:      int64(getInt("COLLECTOR_MAX_BODY_BYTES", 1<<20)),
		AccessKey:         getEnv("COLLECTOR_ACCESS_KEY", ""),
		RabbitURL:         getEnv("RABBITMQ_URL", ""),
		RabbitExchange:    getEnv("RABBITMQ_EXCHANGE", "tracker.events"),
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", ""),
		TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", "default"),
		LogFormat:         getEnv("LOG_FORMAT", ""),
		LogLevel:          getEnv("LOG_LEVEL", ""),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	return cfg, nil
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getList(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
