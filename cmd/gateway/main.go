package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabgw/gateway/internal/agenda"
	"github.com/collabgw/gateway/internal/auth"
	"github.com/collabgw/gateway/internal/chat"
	"github.com/collabgw/gateway/internal/config"
	"github.com/collabgw/gateway/internal/logging"
	"github.com/collabgw/gateway/internal/metrics"
	"github.com/collabgw/gateway/internal/notes"
	"github.com/collabgw/gateway/internal/presence"
	"github.com/collabgw/gateway/internal/server"
	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/collabgw/gateway/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Real-time collaboration gateway",
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
	cmd.PersistentFlags().String("port", defaults.GetString("PORT"), "HTTP listen port")
	cmd.PersistentFlags().String("redis-host", defaults.GetString("REDIS_HOST"), "Redis host")
	cmd.PersistentFlags().String("redis-port", defaults.GetString("REDIS_PORT"), "Redis port")
	cmd.PersistentFlags().String("log-level", defaults.GetString("LOG_LEVEL"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("cors-origin", defaults.GetString("CORS_ORIGIN"), "Allowed CORS origin")
	cmd.PersistentFlags().String("jwt-secret", "", "Symmetric secret for bearer-token verification (overrides env)")

	bindFlag(cmd, "PORT", "port")
	bindFlag(cmd, "REDIS_HOST", "redis-host")
	bindFlag(cmd, "REDIS_PORT", "redis-port")
	bindFlag(cmd, "LOG_LEVEL", "log-level")
	bindFlag(cmd, "CORS_ORIGIN", "cors-origin")
	bindFlag(cmd, "JWT_SECRET", "jwt-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.IsProduction())
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store := sharedstate.New(sharedstate.Config{
		Addr:                 appConfig.RedisAddress(),
		CacheTTL:             appConfig.CacheTTL,
		CacheEnabled:         true,
		FailureThreshold:     appConfig.FailureThreshold,
		ResetTimeout:         appConfig.ResetTimeout,
		MaxReconnectAttempts: appConfig.MaxReconnectAttempts,
		Logger:               logger,
	})
	defer store.Close() //nolint:errcheck

	metricsRegistry := metrics.New(metrics.Thresholds{
		HighLatencyMS:    appConfig.HighLatencyMS,
		HighErrorRatePct: appConfig.HighErrorRatePct,
		HighMemoryPct:    appConfig.HighMemoryPct,
	}, store, store, logger)

	verifier := auth.NewTokenVerifier([]byte(appConfig.JWTSecret), time.Now)
	revoker := auth.NewRevoker(store)
	rateLimiter := auth.NewRateLimiter(appConfig.MaxConnectionsPerMinute, appConfig.RateLimitWindow, time.Now)

	hub := transport.NewHub()
	workspaceHandler := presence.NewWorkspaceHandler(hub, store, metricsRegistry, logger, appConfig.ReconnectGrace)
	collectionHandler := presence.NewCollectionHandler(hub, store, metricsRegistry, logger)
	chatHandler := chat.NewHandler(hub, store, metricsRegistry, logger, appConfig.MessageLimit, appConfig.TypingTimeout)
	notesHandler := notes.NewHandler(hub, store, metricsRegistry, logger)
	agendaHandler := agenda.NewHandler(hub, metricsRegistry, logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go metricsRegistry.Start(runCtx)
	go rateLimiter.Run(runCtx)
	go workspaceHandler.Run(runCtx)
	go chatHandler.Run(runCtx)

	router := server.NewRouter(server.Dependencies{
		Store:         store,
		Metrics:       metricsRegistry,
		Verifier:      verifier,
		Revoker:       revoker,
		RateLimiter:   rateLimiter,
		Hub:           hub,
		Workspace:     workspaceHandler,
		Collection:    collectionHandler,
		Chat:          chatHandler,
		Notes:         notesHandler,
		Agenda:        agendaHandler,
		CORSOrigin:    appConfig.CORSOrigin,
		MetricsAPIKey: appConfig.MetricsAPIKey,
		Production:    appConfig.IsProduction(),
		Environment:   appConfig.Environment,
		StartedAt:     time.Now(),
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: router,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cancelRun()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
