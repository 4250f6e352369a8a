package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
	"github.com/arcadia-research/colloquy/backend/internal/collab"
	"github.com/arcadia-research/colloquy/backend/internal/config"
	"github.com/arcadia-research/colloquy/backend/internal/database"
	"github.com/arcadia-research/colloquy/backend/internal/history"
	"github.com/arcadia-research/colloquy/backend/internal/logging"
	"github.com/arcadia-research/colloquy/backend/internal/participants"
	"github.com/arcadia-research/colloquy/backend/internal/proposals"
	"github.com/arcadia-research/colloquy/backend/internal/server"
	"github.com/arcadia-research/colloquy/backend/internal/storage"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "colloquy-api",
		Short: "Colloquy collaborative review backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.issuer"), "Expected bearer token issuer")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("debounce-seconds", defaults.GetInt("collab.debounce_seconds"), "Quiet period before a dirty document is persisted")
	cmd.PersistentFlags().Int("max-debounce-seconds", defaults.GetInt("collab.max_debounce_seconds"), "Ceiling on persistence delay under continuous edits")
	cmd.PersistentFlags().Int("idle-timeout-seconds", defaults.GetInt("collab.idle_timeout_seconds"), "Idle interval before a session is detached")
	cmd.PersistentFlags().Int("capability-ttl-seconds", defaults.GetInt("auth.capability_ttl_seconds"), "Capability cache TTL")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "collab.debounce_seconds", "debounce-seconds")
	bindFlag(cmd, "collab.max_debounce_seconds", "max-debounce-seconds")
	bindFlag(cmd, "collab.idle_timeout_seconds", "idle-timeout-seconds")
	bindFlag(cmd, "auth.capability_ttl_seconds", "capability-ttl-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Clock:         time.Now,
	})
	if err != nil {
		return err
	}

	capabilities, err := auth.NewCapabilityResolver(auth.CapabilityResolverConfig{
		Database: db,
		Logger:   logger,
		CacheTTL: appConfig.CapabilityCacheTTL,
	})
	if err != nil {
		return err
	}

	store, err := storage.NewGormAdapter(db, time.Now)
	if err != nil {
		return err
	}

	historyService, err := history.NewService(history.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	participantService, err := participants.NewService(participants.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	proposalService, err := proposals.NewService(proposals.ServiceConfig{
		Database: db,
		Recorder: historyService,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	manager, err := collab.NewManager(collab.ManagerConfig{
		Store:       store,
		Recorder:    historyService,
		Engines:     collab.FieldMapFactory{},
		Logger:      logger,
		Clock:       time.Now,
		Debounce:    appConfig.Debounce,
		MaxDebounce: appConfig.MaxDebounce,
		IdleTimeout: appConfig.IdleTimeout,
	})
	if err != nil {
		return err
	}
	manager.Start()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: verifier,
		Capabilities:  capabilities,
		Manager:       manager,
		History:       historyService,
		Proposals:     proposalService,
		Participants:  participantService,
		Logger:        logger,
		IdleTimeout:   appConfig.IdleTimeout,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("session flush incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
