package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campuspulse/backend/internal/analysis"
	"github.com/campuspulse/backend/internal/auth"
	"github.com/campuspulse/backend/internal/config"
	"github.com/campuspulse/backend/internal/database"
	"github.com/campuspulse/backend/internal/feedback"
	"github.com/campuspulse/backend/internal/logging"
	"github.com/campuspulse/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse-api",
		Short: "CampusPulse anonymous feedback backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("staff-token-ttl-minutes", defaults.GetInt("staff.token_ttl_minutes"), "Staff token TTL in minutes")
	cmd.PersistentFlags().String("staff-access-key", "", "Staff access key (overrides env)")
	cmd.PersistentFlags().String("staff-signing-secret", "", "Staff token signing secret (overrides env)")
	cmd.PersistentFlags().String("summarizer-model", defaults.GetString("summarizer.model"), "Summarizer model name")
	cmd.PersistentFlags().String("summarizer-base-url", defaults.GetString("summarizer.base_url"), "Summarizer API base URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "staff.token_ttl_minutes", "staff-token-ttl-minutes")
	bindFlag(cmd, "staff.access_key", "staff-access-key")
	bindFlag(cmd, "staff.signing_secret", "staff-signing-secret")
	bindFlag(cmd, "summarizer.model", "summarizer-model")
	bindFlag(cmd, "summarizer.base_url", "summarizer-base-url")
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.StaffSigningSecret),
		AccessKey:     appConfig.StaffAccessKey,
		Issuer:        "pulse-auth",
		Audience:      "pulse-api",
		TokenTTL:      appConfig.StaffTokenTTL,
	})

	ledger, err := feedback.NewLedger(feedback.LedgerConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	contentStore, err := feedback.NewContentStore(feedback.ContentStoreConfig{
		Database:   db,
		IDProvider: feedback.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	likeCounter, err := feedback.NewLikeCounter(feedback.LikeCounterConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	cache, err := analysis.NewCache(analysis.CacheConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var summarizer analysis.Summarizer
	if appConfig.SummarizerAPIKey != "" {
		openAISummarizer, err := analysis.NewOpenAISummarizer(analysis.OpenAISummarizerConfig{
			APIKey:  appConfig.SummarizerAPIKey,
			Model:   appConfig.SummarizerModel,
			BaseURL: appConfig.SummarizerBaseURL,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		summarizer = openAISummarizer
	} else {
		logger.Warn("summarizer api key not configured, analyses degrade to cached or placeholder payloads")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenIssuer:   tokenIssuer,
		Ledger:        ledger,
		ContentStore:  contentStore,
		LikeCounter:   likeCounter,
		AnalysisCache: cache,
		Summarizer:    summarizer,
		Realtime:      server.NewRealtimeDispatcher(),
		Logger:        logger,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
