package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/config"
	"github.com/MarcoPoloResearchLab/vanish/internal/database"
	"github.com/MarcoPoloResearchLab/vanish/internal/events"
	"github.com/MarcoPoloResearchLab/vanish/internal/logging"
	"github.com/MarcoPoloResearchLab/vanish/internal/metrics"
	"github.com/MarcoPoloResearchLab/vanish/internal/realtime"
	"github.com/MarcoPoloResearchLab/vanish/internal/server"
	"github.com/MarcoPoloResearchLab/vanish/internal/store"
	"github.com/MarcoPoloResearchLab/vanish/internal/threads"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const redisConnectTimeout = 5 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vanish-api",
		Short: "Vanish ephemeral encrypted relay",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("public-base-url", defaults.GetString("http.public_base_url"), "Scheme and host used in invite links")
	cmd.PersistentFlags().Bool("hsts", defaults.GetBool("http.hsts"), "Send Strict-Transport-Security")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed for CORS and WebSocket upgrades (default any)")
	cmd.PersistentFlags().StringSlice("trusted-proxies", nil, "Proxy IPs or CIDRs whose X-Forwarded-* headers are honoured (default none)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("store", defaults.GetString("store.backend"), "Thread store backend (redis, sqlite, memory)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("store.redis_url"), "Redis connection URL")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("store.sqlite_path"), "SQLite database path")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("store.sweep_interval"), "SQLite expiry sweep interval")
	cmd.PersistentFlags().Float64("rate-limit-rps", defaults.GetFloat64("ratelimit.rps"), "Sustained API requests per second per client")
	cmd.PersistentFlags().Int("rate-limit-burst", defaults.GetInt("ratelimit.burst"), "API request burst per client")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("realtime.send_buffer"), "Outbound frames buffered per realtime connection")
	cmd.PersistentFlags().String("amqp-url", defaults.GetString("events.amqp_url"), "RabbitMQ URL for lifecycle events (disabled when empty)")
	cmd.PersistentFlags().String("events-exchange", defaults.GetString("events.exchange"), "RabbitMQ topic exchange for lifecycle events")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.public_base_url", "public-base-url")
	bindFlag(cmd, "http.hsts", "hsts")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "store.backend", "store")
	bindFlag(cmd, "store.redis_url", "redis-url")
	bindFlag(cmd, "store.sqlite_path", "sqlite-path")
	bindFlag(cmd, "store.sweep_interval", "sweep-interval")
	bindFlag(cmd, "ratelimit.rps", "rate-limit-rps")
	bindFlag(cmd, "ratelimit.burst", "rate-limit-burst")
	bindFlag(cmd, "realtime.send_buffer", "send-buffer")
	bindFlag(cmd, "events.amqp_url", "amqp-url")
	bindFlag(cmd, "events.exchange", "events-exchange")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	threadStore, closeStore, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	threadService, err := threads.NewService(threads.ServiceConfig{
		Store:      threadStore,
		Clock:      time.Now,
		IDProvider: threads.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	publisher := openPublisher(appConfig, logger)
	defer publisher.Close() //nolint:errcheck

	collectors := metrics.New()
	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize: appConfig.RealtimeSendBuffer,
		Logger:     logger,
		Evictions:  collectors,
	})
	coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
		Threads:  threadService,
		Hub:      hub,
		Recorder: collectors,
		Events:   publisher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Threads:        threadService,
		Coordinator:    coordinator,
		Metrics:        collectors,
		Logger:         logger,
		PublicBaseURL:  appConfig.PublicBaseURL,
		HSTS:           appConfig.HSTS,
		AllowedOrigins: appConfig.AllowedOrigins,
		TrustedProxies: appConfig.TrustedProxies,
		RateLimit: server.RateLimitConfig{
			RPS:   appConfig.RateLimitRPS,
			Burst: appConfig.RateLimitBurst,
		},
	})
	if err != nil {
		return err
	}

	// Realtime sessions inherit baseCtx; cancelling it closes them on shutdown.
	baseCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", threadStore.Name()),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
		cancelSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGracePeriod)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore builds the configured backend. A Redis primary always has an
// in-memory fallback so the relay keeps serving when Redis is unreachable.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch appConfig.StoreBackend {
	case config.StoreRedis:
		fallback := store.NewMemory(store.MemoryConfig{})
		connectCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
		defer cancel()
		primary, err := store.NewRedis(connectCtx, store.RedisConfig{URL: appConfig.RedisURL, Logger: logger})
		var failover *store.Failover
		if err != nil {
			logger.Warn("redis unavailable, serving from memory", zap.Error(err))
			failover = store.NewFailover(nil, fallback, logger)
		} else {
			failover = store.NewFailover(primary, fallback, logger)
		}
		return failover, closeWithLog(failover, logger), nil
	case config.StoreSQLite:
		db, err := database.OpenSQLite(appConfig.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		backend, err := store.NewSQLite(store.SQLiteConfig{
			Database:      db,
			SweepInterval: appConfig.SweepInterval,
			Logger:        logger,
		})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		closeBackend := closeWithLog(backend, logger)
		return backend, func() {
			closeBackend()
			_ = sqlDB.Close()
		}, nil
	case config.StoreMemory:
		backend := store.NewMemory(store.MemoryConfig{})
		return backend, closeWithLog(backend, logger), nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", appConfig.StoreBackend)
	}
}

func openPublisher(appConfig config.AppConfig, logger *zap.Logger) events.Publisher {
	if appConfig.EventsAMQPURL == "" {
		return events.NewNoop()
	}
	publisher, err := events.NewRabbit(appConfig.EventsAMQPURL, appConfig.EventsExchange)
	if err != nil {
		logger.Warn("lifecycle events disabled: broker unavailable", zap.Error(err))
		return events.NewNoop()
	}
	logger.Info("publishing lifecycle events", zap.String("exchange", appConfig.EventsExchange))
	return publisher
}

func closeWithLog(backend store.Store, logger *zap.Logger) func() {
	return func() {
		if err := backend.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}
}
