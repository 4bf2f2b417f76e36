package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/blob"
	"github.com/stillwater-app/journal-server-go/internal/config"
	"github.com/stillwater-app/journal-server-go/internal/database"
	"github.com/stillwater-app/journal-server-go/internal/events"
	"github.com/stillwater-app/journal-server-go/internal/handler"
	"github.com/stillwater-app/journal-server-go/internal/jobs"
	"github.com/stillwater-app/journal-server-go/internal/middleware"
	"github.com/stillwater-app/journal-server-go/internal/redis"
	"github.com/stillwater-app/journal-server-go/internal/repository"
	"github.com/stillwater-app/journal-server-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	kek, err := cfg.KEK()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid key encryption key")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	blobStore, err := blob.NewS3Store(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init blob store")
	}
	log.Info().Str("bucket", cfg.S3Bucket).Msg("blob store ready")

	userRepo := repository.NewUserRepository(db.DB)
	journalRepo := repository.NewJournalRepository(db.DB)
	masterKeyRepo := repository.NewMasterKeyRepository(db.DB)

	broker := events.NewBroker(redisClient)
	defer broker.Close()

	masterKeyService := service.NewMasterKeyService(
		userRepo, masterKeyRepo, blobStore, kek, cfg.MasterKeyCacheTTL(),
	)
	deviceKeyService := service.NewDeviceKeyService(
		redisClient, cfg.DeviceKeyTTL(), cfg.DevicePayloadTTL(), cfg.KeyIssueCooldown(),
	)
	streamService := service.NewStreamService(journalRepo, masterKeyService, config.StreamStepTimeout)
	admissionService := service.NewAdmissionService(redisClient)
	journalService := service.NewJournalService(
		journalRepo, userRepo, masterKeyService, streamService, admissionService, deviceKeyService,
	)

	authMiddleware := middleware.NewAuthMiddleware(userRepo, cfg.AuthSecret)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	deviceKeyHandler := handler.NewDeviceKeyHandler(deviceKeyService)
	journalHandler := handler.NewJournalHandler(journalService, deviceKeyService)
	jobsHandler := handler.NewJobsHandler(broker, admissionService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Post("/device-keys", deviceKeyHandler.Begin)
		r.Mount("/journal/entries", journalHandler.Routes())
		r.Mount("/jobs", jobsHandler.Routes())
	})

	repairJob := jobs.NewRepairJob(
		journalRepo, journalService, config.RepairJobInterval, config.PendingAdmissionMaxAge,
	)
	repairJob.Start()
	defer repairJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
