package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/api"
	"github.com/t77yq/sla-tracker/internal/config"
	"github.com/t77yq/sla-tracker/internal/directory"
	"github.com/t77yq/sla-tracker/internal/events"
	"github.com/t77yq/sla-tracker/internal/monitor"
	"github.com/t77yq/sla-tracker/internal/notify"
	"github.com/t77yq/sla-tracker/internal/scheduler"
	"github.com/t77yq/sla-tracker/internal/storage"
	"github.com/t77yq/sla-tracker/internal/tracker"
)

func main() {
	configDir := flag.String("config", "./config", "directory containing config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Log.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("app", cfg.App.Name))

	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open SLA store", zap.Error(err))
	}
	defer store.Close()

	dir, err := directory.NewFileDirectory(logger, cfg.Directory.Path)
	if err != nil {
		logger.Fatal("Failed to load directory", zap.Error(err))
	}

	metrics := monitor.NewMetrics()

	var emailSender notify.EmailSender = notify.NewLogEmailSender(logger)
	if cfg.SMTP.Enabled {
		emailSender = notify.NewSMTPSender(logger, notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	}

	var (
		nc         *nats.Conn
		js         nats.JetStreamContext
		chatSender notify.ChatSender = notify.NewLogChatSender(logger)
	)
	if cfg.NATS.Enabled {
		nc = connectNATS(logger, cfg.NATS)
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		chatSender = notify.NewNATSChatSender(logger, nc)
	}

	dispatcher := notify.NewDispatcher(logger, store, dir, emailSender, chatSender, metrics)

	var lock tracker.RunLock = scheduler.NewLocalRunLock()
	if cfg.Scheduler.Lock == config.LockRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		lock = scheduler.NewRedisRunLock(logger, client, cfg.Redis.LockTTL)
	}

	trk := tracker.New(logger, store, dir, dispatcher, lock, metrics, tracker.Config{
		InstanceTimeout: cfg.Scheduler.InstanceTimeout,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		Backoff: &tracker.ExponentialBackoff{
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
	})

	handle, err := scheduler.NewHandle(logger, cfg.Scheduler.Spec, trk)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	if cfg.Retention.Runs > 0 {
		err = handle.AddMaintenance("prune-runs", "@daily", func(ctx context.Context) {
			cutoff := time.Now().Add(-cfg.Retention.Runs)
			if _, err := store.DeleteRunsBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to prune run audits", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("Failed to register run retention", zap.Error(err))
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := handle.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Catch up on anything that escalated while the service was down
	go func() {
		if _, err := handle.RunNow(context.Background()); err != nil {
			logger.Error("Startup reconciliation failed", zap.Error(err))
		}
	}()

	var listener *events.Listener
	if js != nil {
		listener = events.NewListener(logger, js, trk, metrics)
		if err := listener.Start(ctx); err != nil {
			logger.Fatal("Failed to start activity listener", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(logger, store, trk, handle, metrics).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if listener != nil {
		listener.Stop()
	}

	select {
	case <-handle.Stop().Done():
		logger.Info("Scheduler stopped")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached, a reconciliation run may not have completed")
	}

	logger.Info("Server shutting down gracefully")
}

// connectNATS dials with the reconnect options of a long-running consumer, retrying the first connect
func connectNATS(logger *zap.Logger, cfg config.NATSConfig) *nats.Conn {
	opts := []nats.Option{
		nats.Name("sla-tracker"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc
}
