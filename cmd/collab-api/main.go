package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bidroom/collab/internal/auth"
	"github.com/bidroom/collab/internal/config"
	"github.com/bidroom/collab/internal/conflicts"
	"github.com/bidroom/collab/internal/database"
	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/ids"
	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/logging"
	"github.com/bidroom/collab/internal/messages"
	"github.com/bidroom/collab/internal/notifications"
	"github.com/bidroom/collab/internal/retry"
	"github.com/bidroom/collab/internal/server"
	"github.com/bidroom/collab/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-api",
		Short: "Proposal collaboration backend: section locks, conflicts, notifications",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newHoldLockCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (default: any)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	flags.String("lock-backend", defaults.GetString("locks.backend"), "Section lock storage (database, redis)")
	flags.String("redis-url", "", "Redis URL shared by API instances")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "locks.backend", "lock-backend")
	bindFlag(cmd, "redis.url", "redis-url")
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

func relayPolicy(cfg config.RelayConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffCap,
		Multiplier:  cfg.BackoffMultiplier,
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	policy := relayPolicy(appConfig.Relay)
	broker := feed.NewBroker()
	defer broker.Close()
	var publisher feed.Publisher = broker

	var redisClient *redis.Client
	if appConfig.RedisURL != "" {
		options, err := redis.ParseURL(appConfig.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(options)
		defer redisClient.Close()
		if err := redisClient.Ping(signalCtx).Err(); err != nil {
			return err
		}
		bridge := feed.NewRedisBridge(redisClient, broker, logger)
		publisher = bridge
		go runFeedBridge(signalCtx, bridge, policy, logger)
	}

	var lockStore locks.Store
	if appConfig.Locks.Backend == config.LockBackendRedis {
		lockStore, err = locks.NewRedisStore(redisClient)
	} else {
		lockStore, err = locks.NewGormStore(db)
	}
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()
	lockManager, err := locks.NewManager(locks.ManagerConfig{
		Store:         lockStore,
		Publisher:     publisher,
		IDProvider:    idProvider,
		LeaseDuration: appConfig.Locks.LeaseDuration,
		SweepInterval: appConfig.Locks.SweepInterval,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	go lockManager.Run(signalCtx)

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Publisher:  publisher,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	conflictService, err := conflicts.NewService(conflicts.ServiceConfig{
		Database:      db,
		Notifications: notificationService,
		Locks:         lockManager,
		IDProvider:    idProvider,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	messageService, err := messages.NewService(messages.ServiceConfig{
		Database:      db,
		Publisher:     publisher,
		Notifications: notificationService,
		IDProvider:    idProvider,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	userDirectory, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:         sessionValidator,
		Users:            userDirectory,
		Locks:            lockManager,
		Conflicts:        conflictService,
		Notifications:    notificationService,
		Messages:         messageService,
		Feed:             broker,
		RateLimiter:      server.NewUserRateLimiter(appConfig.RateLimit.RequestsPerSecond, appConfig.RateLimit.Burst, time.Now),
		AllowedOrigins:   appConfig.AllowedOrigins,
		LockPollInterval: appConfig.Locks.PollInterval,
		RetryPolicy:      policy,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return signalCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("lock_backend", appConfig.Locks.Backend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runFeedBridge keeps the Redis bridge subscribed, reconnecting with the
// relay policy until ctx ends or the attempts are exhausted.
func runFeedBridge(ctx context.Context, bridge *feed.RedisBridge, policy retry.Policy, logger *zap.Logger) {
	for ctx.Err() == nil {
		err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
			return bridge.Run(ctx)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("feed bridge stopped", zap.Error(err))
			return
		}
	}
}
