package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"example.com/tracker/internal/collector"
	"example.com/tracker/internal/config"
	"example.com/tracker/internal/logging"
	"example.com/tracker/internal/sqliteutil"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "optional .env file seeding the environment")
		dbPath  = flag.String("db", "", "path to the collector sqlite database file (overrides COLLECTOR_DB_PATH)")
		addr    = flag.String("addr", "", "HTTP listen address (overrides COLLECTOR_ADDR)")
	)
	flag.Parse()

	cfg, err := config.LoadCollector(*envFile)
	if err != nil {
		logging.New().Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx := context.Background()
	logger := logging.NewWithWriter(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	db, err := sqliteutil.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open collector db failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := collector.NewStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Error("init collector schema failed", "error", err)
		os.Exit(1)
	}

	var linker collector.LeadLinker = collector.NewInlineLinker(store, logger)
	if cfg.TemporalAddress != "" {
		temporalClient, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
		})
		if err != nil {
			logger.Error("connect temporal failed", "address", cfg.TemporalAddress, "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()

		w := collector.RegisterLinkWorker(temporalClient, store, logger)
		if err := w.Start(); err != nil {
			logger.Error("start temporal worker failed", "error", err)
			os.Exit(1)
		}
		defer w.Stop()
		linker = collector.NewTemporalLinker(temporalClient, logger)
		logger.Info("lead linking via temporal", "address", cfg.TemporalAddress, "task_queue", collector.LinkTaskQueue())
	}

	var forwarder collector.Forwarder
	if cfg.RabbitURL != "" {
		amqpForwarder, err := collector.NewAMQPForwarder(cfg.RabbitURL, cfg.RabbitExchange, logger.With("component", "collector.forward"))
		if err != nil {
			logger.Error("connect rabbitmq failed", "error", err)
			os.Exit(1)
		}
		defer amqpForwarder.Close()
		forwarder = amqpForwarder
		logger.Info("forwarding to rabbitmq", "exchange", cfg.RabbitExchange)
	}

	serverLogger := logger.With("component", "collector.http")
	server := &http.Server{
		Addr: cfg.Addr,
		Handler: collector.NewServer(store, linker, forwarder, serverLogger, collector.Options{
			EventsPath:     cfg.EventsPath,
			IdentifyPath:   cfg.IdentifyPath,
			AllowedOrigins: cfg.AllowedOrigins,
			RateLimit:      cfg.RateLimit,
			RateWindow:     cfg.RateWindow,
			MaxBodyBytes:   cfg.MaxBodyBytes,
			AccessKey:      cfg.AccessKey,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		serverLogger.Info("collector listening", "addr", cfg.Addr, "db", cfg.DBPath, "events_path", cfg.EventsPath, "identify_path", cfg.IdentifyPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("collector server error", "error", err)
		}
	}()

	waitForShutdown(serverLogger, server)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("collector stopped")
}
