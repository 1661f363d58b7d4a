package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gitlab.com/secp/services/lightrelay/internal/bridge"
	"gitlab.com/secp/services/lightrelay/internal/config"
	"gitlab.com/secp/services/lightrelay/internal/db"
	"gitlab.com/secp/services/lightrelay/internal/logger"
	"gitlab.com/secp/services/lightrelay/internal/mapstore"
	"gitlab.com/secp/services/lightrelay/internal/ratelimit"
	"gitlab.com/secp/services/lightrelay/internal/relay"
)

func main() {
	fs := pflag.NewFlagSet("lightrelay", pflag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file (overrides RELAY_CONFIG)")
	port := fs.String("port", "", "listen port (overrides PORT)")
	store := fs.String("map-store", "", "map store: file, redis, postgres or s3 (overrides MAP_STORE)")
	logLevel := fs.String("log-level", "", "log level (overrides LOG_LEVEL)")
	fs.Parse(os.Args[1:])

	if *configPath != "" {
		os.Setenv("RELAY_CONFIG", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *store != "" {
		cfg.Maps.Store = *store
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "lightrelay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("relay stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting light relay", zap.String("addr", cfg.Addr()), zap.String("map_store", cfg.Maps.Store))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	database, err := db.Open(startCtx, db.Options{
		PostgresURL:   cfg.Database.URL,
		RedisURL:      cfg.Redis.URL,
		RedisPassword: cfg.Redis.Password,
		RequireRedis:  cfg.Maps.Store == "redis",
	}, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	store, err := openMapStore(startCtx, cfg, database)
	if err != nil {
		return err
	}

	persister := mapstore.NewPersister(store, cfg.Maps.SaveDebounce, nil, log.Named("maps"))
	// a broken document starts the relay with no maps rather than not at all
	if n, err := persister.Load(startCtx); err != nil {
		log.Warn("failed to load room maps, starting empty", zap.Error(err))
	} else {
		log.Info("loaded room maps", zap.Int("rooms", n))
	}

	coord := relay.New(relay.NewRegistry(), persister, nil, log.Named("relay"), relay.Options{
		ProbeWindow:       cfg.Rooms.ProbeWindow,
		LegacyBroadcast:   cfg.Legacy.Broadcast,
		LegacyPassthrough: cfg.Legacy.Passthrough,
	})

	opts := relay.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Health:         database.Health,
	}
	if cfg.RateLimit.ConnectPerMinute > 0 {
		if database.Redis != nil {
			opts.Limiter = ratelimit.NewLimiter(database.Redis, cfg.RateLimit.ConnectPerMinute, time.Minute, log.Named("ratelimit"))
		} else {
			log.Warn("CONNECT_RATE_LIMIT set without redis, handshakes are not limited")
		}
	}
	server := relay.NewServer(coord, log.Named("http"), opts)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go coord.RunReaper(ctx, cfg.Rooms.ReapInterval, cfg.Rooms.IdleTTL)

	if cfg.MQTT.Broker != "" {
		mqttClient, err := bridge.NewClient(bridge.ClientOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, log.Named("mqtt"))
		if err != nil {
			log.Warn("failed to connect to MQTT broker, bridge disabled", zap.Error(err))
		} else {
			defer mqttClient.Disconnect()
			b := bridge.New(mqttClient, coord, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, log.Named("bridge"))
			go func() {
				if err := b.Start(ctx); err != nil {
					log.Error("mqtt bridge failed", zap.Error(err))
					return
				}
				b.Stop()
			}()
		}
	}

	httpServer := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     server.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	coord.Close()
	if err := persister.Flush(shutdownCtx); err != nil {
		log.Error("failed to flush room maps", zap.Error(err))
	}

	log.Info("server exited gracefully")
	return nil
}

// openMapStore builds the backend named by cfg.Maps.Store.
func openMapStore(ctx context.Context, cfg *config.Config, database *db.DB) (mapstore.Store, error) {
	switch cfg.Maps.Store {
	case "", "file":
		return mapstore.NewFileStore(cfg.Maps.File), nil
	case "redis":
		if database.Redis == nil {
			return nil, errors.New("map store redis requires REDIS_URL")
		}
		return mapstore.NewRedisStore(database.Redis, cfg.Maps.RedisKey), nil
	case "postgres":
		if database.Postgres == nil {
			return nil, errors.New("map store postgres requires DATABASE_URL")
		}
		store := mapstore.NewPostgresStore(database.Postgres)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		return mapstore.NewS3Store(ctx, mapstore.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Object:    cfg.S3.Object,
			UseSSL:    cfg.S3.UseSSL,
		})
	}
	return nil, fmt.Errorf("unknown map store %q", cfg.Maps.Store)
}
