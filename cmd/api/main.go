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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/speakwise/analysis-service/backend/internal/adapters/cache"
	"github.com/speakwise/analysis-service/backend/internal/adapters/database"
	"github.com/speakwise/analysis-service/backend/internal/adapters/events"
	"github.com/speakwise/analysis-service/backend/internal/api/handlers"
	"github.com/speakwise/analysis-service/backend/internal/api/routes"
	"github.com/speakwise/analysis-service/backend/internal/application/services"
	"github.com/speakwise/analysis-service/backend/internal/domain/providers"
	"github.com/speakwise/analysis-service/backend/internal/domain/repositories"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/clients/postgres"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/clients/redis"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
	"github.com/speakwise/analysis-service/backend/pkg/config"
)

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Server.Env, cfg.Log.Level)
	if envErr != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize PostgreSQL client")
	}
	defer pgClient.Close()

	if cfg.Database.AutoMigrate {
		if err := migrate(&cfg.Database); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	healthHandler := handlers.NewHealthHandler()
	healthHandler.Register("postgres", pgClient)

	adapterOpts := []database.AnalysisAdapterOption{database.WithQueryMetrics(metrics)}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(&cfg.Redis)
		if err != nil {
			// Redis only accelerates reads and carries events; run without it
			log.Warn().Err(err).Msg("Redis unavailable, continuing without cache and events")
			redisClient = nil
		} else {
			defer redisClient.Close()
			healthHandler.Register("redis", redisClient)
		}
	}

	var cacheProvider providers.CacheProvider
	if redisClient != nil {
		cacheProvider = cache.NewRedisAdapter(redisClient)
		if cfg.Analysis.CountCacheTTL > 0 {
			adapterOpts = append(adapterOpts, database.WithCountCache(cacheProvider, cfg.Analysis.CountCacheTTL))
		}
	}

	var analysisRepo repositories.AnalysisRepository = database.NewAnalysisAdapter(pgClient, adapterOpts...)
	if cacheProvider != nil && cfg.Analysis.CacheTTL > 0 {
		analysisRepo = database.NewCachedAnalysisAdapter(analysisRepo, cacheProvider, cfg.Analysis.CacheTTL, metrics)
	}

	analysisService := services.NewAnalysisService(analysisRepo)
	analysisService.SetMetrics(metrics)
	if redisClient != nil && cfg.Analysis.EventsEnabled {
		eventBus := events.NewRedisEventBus(redisClient)
		defer eventBus.Close()
		analysisService.SetEventBus(eventBus)
	}

	router := routes.NewRouter(
		handlers.NewAnalysisHandler(analysisService),
		healthHandler,
		cfg.CORS.AllowedOrigins,
		metrics,
	)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router.SetupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Str("env", cfg.Server.Env).Msg("analysis API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	log.Info().Msg("server stopped")
}

func migrate(cfg *config.DatabaseConfig) error {
	migrator, err := postgres.NewMigrator(cfg)
	if err != nil {
		return err
	}
	defer migrator.Close()

	return migrator.Up()
}
