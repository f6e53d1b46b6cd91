package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"example.com/tracker/internal/config"
	"example.com/tracker/internal/identity"
	"example.com/tracker/internal/logging"
	"example.com/tracker/internal/replay"
	"example.com/tracker/internal/sqliteutil"
	"example.com/tracker/internal/tracker"
	"example.com/tracker/internal/transport"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "optional .env file seeding the environment")
		file    = flag.String("file", "-", "JSON-lines recording to replay, - for stdin")
		siteID  = flag.String("site", "", "site id (overrides TRACKER_SITE_ID)")
		apiBase = flag.String("api-base", "", "collection origin for every page (overrides TRACKER_API_BASE)")
	)
	flag.Parse()

	if *siteID != "" {
		_ = os.Setenv("TRACKER_SITE_ID", *siteID)
	}
	if *apiBase != "" {
		_ = os.Setenv("TRACKER_API_BASE", *apiBase)
	}
	cfg, err := config.LoadAgent(*envFile)
	if err != nil {
		logging.New().Error("load config failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewWithWriter(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	signals, err := readRecording(*file)
	if err != nil {
		logger.Error("read recording failed", "file", *file, "error", err)
		os.Exit(1)
	}

	durable, closeDurable, err := openDurable(ctx, cfg, logger)
	if err != nil {
		logger.Error("open identity storage failed", "error", err)
		os.Exit(1)
	}
	defer closeDurable()

	agentLogger := logger.With("component", "tracker")
	store := identity.NewStore(durable, identity.NewMemoryStorage(), identity.Options{
		KeyPrefix: cfg.SiteID + ":",
		Logger:    agentLogger,
	})
	chain := transport.NewDefault(logger.With("component", "transport"), cfg.SendTimeout)

	player := replay.NewPlayer(cfg.Tracker(), logger.With("component", "replay"),
		tracker.WithIdentity(store),
		tracker.WithSender(chain),
		tracker.WithLogger(agentLogger),
	)

	started := time.Now()
	stats, playErr := player.Play(ctx, signals)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
	defer cancel()
	if err := chain.Close(closeCtx); err != nil {
		logger.Warn("pending deliveries abandoned", "error", err)
	}

	if playErr != nil {
		logger.Error("replay failed", "pages", stats.Pages, "signals", stats.Signals, "error", playErr)
		os.Exit(1)
	}
	attrs := []any{"pages", stats.Pages, "signals", stats.Signals, "elapsed", time.Since(started)}
	if agent := player.Agent(); agent != nil {
		attrs = append(attrs, "visitor_id", agent.VisitorID())
	}
	logger.Info("replay finished", attrs...)
}

func readRecording(path string) ([]replay.Signal, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return replay.Parse(r)
}

// openDurable picks the visitor id storage: Redis, then sqlite, then memory.
func openDurable(ctx context.Context, cfg *config.Agent, logger *slog.Logger) (identity.Storage, func(), error) {
	switch {
	case cfg.RedisURL != "":
		client, err := identity.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("identity in redis")
		return identity.NewRedisStorage(client, "tracker:"), func() { _ = client.Close() }, nil
	case cfg.StorePath != "":
		db, err := sqliteutil.Open(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		storage := identity.NewSQLiteStorage(db)
		if err := storage.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("identity in sqlite", "path", cfg.StorePath)
		return storage, func() { _ = db.Close() }, nil
	default:
		return identity.NewMemoryStorage(), func() {}, nil
	}
}
