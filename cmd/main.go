/**
 * @description
 * This is the main entry point for the rewards-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * schema migrations, the rate limiter, message brokers, the repository, the settlement
 * engine, background workers and the HTTP server. It wires everything together and starts
 * the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed rate limiting.
 * - github.com/joho/godotenv: Local .env loading.
 * - gopkg.in/natefinch/lumberjack.v2: Log file rotation.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/qrcode: Broker client and check-in code encoder.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/trashtotech/rewards-service/internal/api"
	"github.com/trashtotech/rewards-service/internal/app"
	"github.com/trashtotech/rewards-service/internal/config"
	"github.com/trashtotech/rewards-service/internal/domain"
	"github.com/trashtotech/rewards-service/internal/metrics"
	"github.com/trashtotech/rewards-service/internal/points"
	"github.com/trashtotech/rewards-service/internal/store"
	"github.com/trashtotech/rewards-service/pkg/qrcode"
	rmrabbit "github.com/trashtotech/rewards-service/pkg/rabbitmq"
	"gopkg.in/natefinch/lumberjack.v2"
)

const consumerPrefetch = 16

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\"failed to load .env file\" err=%v", err)
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}

	logOutput := configureLogging(cfg)
	jobLogger := slog.New(slog.NewJSONHandler(logOutput, nil))

	log.Printf("level=info component=bootstrap msg=\"starting rewards-service\" port=%s", cfg.ServerPort)

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if cfg.AutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(rootCtx, 2*time.Minute)
		err := store.Migrate(migrateCtx, cfg.DatabaseURL)
		cancelMigrate()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
	}

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(rootCtx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	estimator, err := buildEstimator(cfg.RateTablePath)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rate table invalid\" path=%s err=%v", cfg.RateTablePath, err)
	}

	limiter, redisClient := buildRateLimiter(rootCtx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	rewardsMetrics := metrics.Rewards()
	repository := store.NewPostgresRepository(dbpool, cfg.RewardsExchange)
	rewardsService := app.NewService(
		repository,
		estimator,
		limiter,
		qrcode.NewEncoder(cfg.QRCodeSize),
		rewardsMetrics,
		app.Config{
			UpfrontRate:            cfg.UpfrontRate,
			HistoryLimit:           cfg.HistoryLimit,
			ScheduleLimitPerMinute: cfg.ScheduleRateLimitPerMinute,
		},
	)

	var workers sync.WaitGroup
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events stay in the outbox and asynchronous confirmations are disabled\" env=RABBITMQ_URL")
	} else {
		dispatcher := app.NewOutboxDispatcher(repository, publisherFactory(cfg.RabbitMQURL), cfg.OutboxBatchSize, cfg.OutboxPollInterval, rewardsMetrics)
		workers.Add(1)
		go func() {
			defer workers.Done()
			dispatcher.Run(rootCtx)
		}()

		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, consumerPrefetch)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; asynchronous confirmations disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			confirmations := app.NewConfirmationConsumer(rewardsService)
			bindings := map[string]rmrabbit.Handler{
				domain.RoutingKeyVisitConfirmRequested: confirmations.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(rootCtx, cfg.RewardsExchange, cfg.ConfirmQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"confirmation consumer start failed\" err=%v", err)
			}
		}
	}

	scheduler := app.NewScheduler(rewardsService, jobLogger, cfg.ReconcileSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewRewardsHandlers(rewardsService)
	router := api.RewardsRoutes(handlers, api.NewAuthenticator(cfg.JWTSecret), rewardsMetrics, api.RouteOptions{
		AllowedOrigins:    cfg.AllowedOrigins(),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=bootstrap msg=\"scheduler jobs still running at shutdown\"")
	}
	workers.Wait()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// configureLogging tees the standard logger into a rotating file when LOG_FILE
// is set and returns the writer the job logger should use.
func configureLogging(cfg config.Config) io.Writer {
	if strings.TrimSpace(cfg.LogFile) == "" {
		return os.Stdout
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	out := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(out)
	log.Printf("level=info component=bootstrap msg=\"file logging enabled\" path=%s max_size_mb=%d", cfg.LogFile, cfg.LogMaxSizeMB)
	return out
}

func buildEstimator(rateTablePath string) (*points.Estimator, error) {
	table := points.DefaultRateTable()
	if strings.TrimSpace(rateTablePath) != "" {
		loaded, err := points.LoadRateTable(rateTablePath)
		if err != nil {
			return nil, err
		}
		table = loaded
		log.Printf("level=info component=bootstrap msg=\"rate table loaded\" path=%s categories=%d", rateTablePath, len(table.Categories))
	}
	return points.NewEstimator(table)
}

// buildRateLimiter prefers Redis so limits hold across replicas and falls back
// to an in-process limiter when Redis is missing or unreachable.
func buildRateLimiter(ctx context.Context, cfg config.Config) (app.RateLimiter, *redis.Client) {
	local := app.NewLocalRateLimiter()
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process rate limiting\" env=REDIS_URL")
		return local, nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process rate limiting\" err=%v", err)
		return local, nil
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; limiter will fall back per request\" err=%v", err)
	} else {
		log.Println("level=info component=bootstrap msg=\"redis connected\"")
	}
	return app.NewFallbackRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix), local), redisClient
}

func publisherFactory(amqpURL string) app.PublisherFactory {
	return func() (rmrabbit.Publisher, error) {
		producer, err := rmrabbit.NewEventProducer(amqpURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}
