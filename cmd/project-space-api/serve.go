package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/auth"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/config"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/database"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/events"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/logging"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/metrics"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/server"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/users"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	metricsNamespace  = "project_space"
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	heartbeatInterval = 25 * time.Second
	sessionLeeway     = 30 * time.Second
)

func runServer(parent context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	resetPolicy, err := votes.ParseResetPolicy(appConfig.ResetPolicy)
	if err != nil {
		return err
	}

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = database.Close(db)
	}()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
		Leeway:        sessionLeeway,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceMetrics := metrics.New(metricsNamespace)
	dispatcher := server.NewRealtimeDispatcher()
	notifiers := []votes.Notifier{serviceMetrics, dispatcher}

	publishers, err := openPublishers(ctx, appConfig, logger)
	defer closePublishers(publishers, logger)
	if err != nil {
		return err
	}
	for _, publisher := range publishers {
		notifiers = append(notifiers, publisher)
	}

	repository, err := votes.NewRepository(votes.RepositoryConfig{
		Database:    db,
		Logger:      logger,
		Notifier:    events.NewFanout(notifiers...),
		ResetPolicy: resetPolicy,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Votes:             repository,
		Sessions:          sessionValidator,
		Users:             userService,
		Realtime:          dispatcher,
		Metrics:           serviceMetrics,
		Logger:            logger,
		AllowedOrigins:    appConfig.CORSAllowedOrigins,
		HeartbeatInterval: heartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vote api listening",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("reset_policy", string(resetPolicy)),
			zap.Int("notifiers", len(notifiers)))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("graceful shutdown failed", zap.Error(shutdownErr))
			return shutdownErr
		}
		logger.Info("vote api stopped")
		return nil
	case serveErr, ok := <-errCh:
		if ok && serveErr != nil {
			logger.Error("http server failed", zap.Error(serveErr))
			return serveErr
		}
		return nil
	}
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
}

type votePublisher interface {
	votes.Notifier
	io.Closer
}

// openPublishers connects the optional Kafka and Redis sinks. Publishers opened
// before a failure are returned so the caller can close them.
func openPublishers(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) ([]votePublisher, error) {
	publishers := make([]votePublisher, 0, 2)
	if len(appConfig.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaPublisherConfig{
			Brokers: appConfig.KafkaBrokers,
			Topic:   appConfig.KafkaTopic,
			Logger:  logger,
		})
		if err != nil {
			return publishers, fmt.Errorf("kafka publisher: %w", err)
		}
		publishers = append(publishers, kafkaPublisher)
		logger.Info("kafka vote publisher enabled", zap.Strings("brokers", appConfig.KafkaBrokers), zap.String("topic", appConfig.KafkaTopic))
	}
	if appConfig.RedisURL != "" {
		redisPublisher, err := events.NewRedisPublisher(ctx, events.RedisPublisherConfig{
			URL:     appConfig.RedisURL,
			Channel: appConfig.RedisChannel,
			Logger:  logger,
		})
		if err != nil {
			return publishers, fmt.Errorf("redis publisher: %w", err)
		}
		publishers = append(publishers, redisPublisher)
		logger.Info("redis vote publisher enabled", zap.String("channel", appConfig.RedisChannel))
	}
	return publishers, nil
}

func closePublishers(publishers []votePublisher, logger *zap.Logger) {
	for _, publisher := range publishers {
		if err := publisher.Close(); err != nil {
			logger.Warn("vote publisher close failed", zap.Error(err))
		}
	}
}
