package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"botlogs/services/console/internal/api"
	"botlogs/services/console/internal/artifacts"
	"botlogs/services/console/internal/config"
	"botlogs/services/console/internal/console"
	"botlogs/services/console/internal/events"
	"botlogs/services/console/internal/handoff"
	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/mutation"
	"botlogs/services/console/internal/pagecache"
	"botlogs/services/console/internal/prefs"
	"botlogs/services/console/internal/query"
	"botlogs/services/console/internal/store"
)

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "console", Instance: cfg.InstanceID})
	health := map[string]api.HealthChecker{}

	client := logsapi.NewClient(cfg.LogsAPIBaseURL, cfg.LogsAPITimeout(), logger.With("component", "logsapi"))
	cache, err := pagecache.New(client, pagecache.Options{
		MaxEntries: cfg.CacheMaxEntries,
		FreshFor:   cfg.CacheFreshFor(),
		Logger:     logger.With("component", "pagecache"),
	})
	if err != nil {
		return fmt.Errorf("page cache: %w", err)
	}
	defer cache.Close()

	var redisClient *redis.Client
	if cfg.PrefsBackend == "redis" || cfg.InvalidationStream != "" {
		redisClient, err = dialRedis(cfg.RedisAddr)
		if err != nil {
			if cfg.PrefsBackend == "redis" {
				return fmt.Errorf("redis unavailable for preferences: %w", err)
			}
			logger.Warn("redis unavailable, cache invalidations stay local", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			health["redis"] = redisHealth{client: redisClient}
		}
	}

	var publisher events.Publisher = events.NewNoopPublisher()
	if redisClient != nil && cfg.InvalidationStream != "" {
		publisher = events.NewRedisPublisher(redisClient, cfg.InvalidationStream)
	}
	defer publisher.Close()
	broadcaster := events.NewBroadcaster(cache, publisher, cfg.InstanceID, logger.With("component", "events"))

	journal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer journal.Close()
	if checker, ok := journal.(api.HealthChecker); ok {
		health["postgres"] = checker
	}

	openPrefs, err := preferenceOpener(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	var channel *handoff.Channel
	if cfg.AnalyticsOrigin != "" && cfg.HandoffSecret != "" {
		signer, err := handoff.NewSigner(cfg.HandoffSecret, nil)
		if err != nil {
			return fmt.Errorf("handoff signer: %w", err)
		}
		channel, err = handoff.NewChannel(handoff.Options{
			AllowedOrigin: cfg.AnalyticsOrigin,
			Timeout:       cfg.HandoffTimeout(),
			Signer:        signer,
			Logger:        logger.With("component", "handoff"),
		})
		if err != nil {
			return fmt.Errorf("handoff channel: %w", err)
		}
	} else {
		logger.Info("analytics handoff disabled", "reason", "ANALYTICS_ORIGIN or HANDOFF_SECRET not set")
	}

	artifactStore, err := openArtifactStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer artifactStore.Close()
	loader := artifacts.NewLoader(client, artifactStore, cfg.LogsAPITimeout(), logger.With("component", "artifacts"))

	manager, err := console.NewManager(console.Deps{
		Cache:       cache,
		Remote:      client,
		Records:     client,
		Invalidator: broadcaster,
		Journal:     journal,
		OpenPrefs:   openPrefs,
		Handoff:     channel,
		Codec:       query.Codec{},
		Logger:      logger.With("component", "sessions"),
		TTL:         cfg.SessionTTL(),
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	defer manager.Shutdown()

	if redisClient != nil && cfg.InvalidationStream != "" {
		subscriber := events.NewRedisSubscriber(redisClient, cfg.InvalidationStream, cfg.InstanceID, logger.With("component", "events"))
		go func() {
			if err := subscriber.Run(ctx, broadcaster.Apply); err != nil {
				logger.Error("invalidation subscriber stopped", "error", err)
			}
		}()
	}
	startMaintenanceLoops(ctx, manager, journal, cfg.MaintenanceInterval(), cfg.JournalRetention(), logger.With("component", "maintenance"))

	handler := api.NewHandler(api.Options{
		Sessions:                manager,
		Cache:                   cache,
		Records:                 client,
		Artifacts:               loader,
		Handoff:                 channel,
		OpenPrefs:               openPrefs,
		Health:                  health,
		Logger:                  logger.With("component", "api"),
		CORSAllowedOrigins:      cfg.CORSAllowedOrigins,
		RateLimitRequestsPerSec: cfg.RateLimitRequestsPerSec,
		RateLimitBurst:          cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("console listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxTimeout); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func dialRedis(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type redisHealth struct {
	client *redis.Client
}

func (h redisHealth) Health(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

func openJournal(ctx context.Context, cfg config.Config, logger *slog.Logger) (mutation.Journal, error) {
	switch strings.ToLower(cfg.JournalBackend) {
	case "postgres":
		db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		logger.Info("mutation journal", "backend", "postgres")
		return db, nil
	case "none":
		return mutation.NoopJournal{}, nil
	default:
		logger.Info("mutation journal", "backend", "memory")
		return mutation.NewMemoryJournal(), nil
	}
}

func preferenceOpener(cfg config.Config, client *redis.Client, logger *slog.Logger) (console.PrefsOpener, error) {
	switch strings.ToLower(cfg.PrefsBackend) {
	case "redis":
		if client == nil {
			return nil, errors.New("redis preference backend requires REDIS_ADDR")
		}
		prefsLogger := logger.With("component", "prefs")
		return func(ctx context.Context, deviceID string) (prefs.Store, error) {
			return prefs.NewRedisStore(ctx, client, cfg.PrefsChannelPrefix, deviceID, prefsLogger)
		}, nil
	case "memory":
		devices := prefs.NewDevices("")
		return func(_ context.Context, deviceID string) (prefs.Store, error) {
			return devices.Open(deviceID)
		}, nil
	default:
		devices := prefs.NewDevices(cfg.PrefsDir)
		return func(_ context.Context, deviceID string) (prefs.Store, error) {
			return devices.Open(deviceID)
		}, nil
	}
}

func openArtifactStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (artifacts.Store, error) {
	if cfg.S3Bucket == "" {
		return artifacts.NewNoopStore(), nil
	}
	s3Store, err := artifacts.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	logger.Info("artifact store", "bucket", cfg.S3Bucket)
	return s3Store, nil
}
