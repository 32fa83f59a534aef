package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cutline/api/internal/app"
	"cutline/api/internal/config"
	"cutline/api/internal/email"
	"cutline/api/internal/history"
	"cutline/api/internal/logging"
	"cutline/api/internal/search"
	"cutline/api/internal/session"
	"cutline/api/internal/storage"
	"cutline/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Ints64("versions", applied).Msg("applied migrations")
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.HistoryDir).Msg("failed to create history dir")
	}

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, logger, dataStore, history.New(cfg.HistoryDir))

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info().Msg("using redis for refresh sessions")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		service.UseSessions(redisStore)
	} else {
		logger.Info().Msg("using postgres for refresh sessions")
	}

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		engine = meili
	}
	searchService := search.NewService(engine, search.NewPgFTS(db), logger)
	defer searchService.Wait()
	service.UseSearch(searchService)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := storage.NewMinio(storage.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage setup failed")
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = objects.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("object storage unavailable, uploads will fail until it recovers")
		}
		service.UseFiles(objects)
	} else {
		logger.Info().Msg("object storage not configured, file uploads disabled")
	}

	mailer := email.NewNotifier(email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}), cfg.AppBaseURL, logger)
	defer mailer.Wait()
	service.UseNotifier(mailer)

	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("search bootstrap failed, will retry on next restart")
	}

	httpServer := app.NewHTTPServer(service, logger, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("cutline api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
