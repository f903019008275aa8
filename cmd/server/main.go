package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promo-engine/internal/config"
	"promo-engine/internal/database"
	"promo-engine/internal/handlers"
	"promo-engine/internal/kafka"
	"promo-engine/internal/logger"
	"promo-engine/internal/metrics"
	"promo-engine/internal/models"
	"promo-engine/internal/redis"
	"promo-engine/internal/repository"
	"promo-engine/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Фабричные функции для подключения внешних сервисов (подменяемые в тестах).
var (
	dbConnect        = database.Connect
	redisConnect     = redis.Connect
	newKafkaProducer = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
	kafkaHealthCheck = handlers.CheckKafkaHealth
	loadConfig       = config.Load
	newLogger        = logger.New
)

// application агрегирует собранные зависимости.
type application struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.DB
	redis    *redis.Client
	producer *kafka.Producer
	consumer *kafka.Consumer
	router   chi.Router
	server   *http.Server
}

// routeDeps объединяет обработчики для регистрации маршрутов.
type routeDeps struct {
	codes       *handlers.DiscountCodeHandler
	redemptions *handlers.RedemptionHandler
	stats       *handlers.StatsHandler
	health      *handlers.HealthHandler
	rateLimit   *handlers.RateLimitHandler
	limiter     *services.RateLimiter
	metrics     *metrics.Metrics
	log         *logger.Logger
}

func main() {
	app, err := buildApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build app: %v\n", err)
		os.Exit(1)
	}
	app.log.Info("Starting promo engine server...")

	go func() {
		app.log.WithField("address", app.server.Addr).Info("HTTP server starting")
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = app.consumer.Stop()
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.WithError(err).Error("Server forced to shutdown")
	}
	_ = app.producer.Close()
	_ = app.redis.Close()
	_ = app.db.Close()
	app.log.Info("Server exited")
}

// buildApplication создает все зависимости (подменяемые в тестах).
func buildApplication() (*application, error) {
	cfg := loadConfig()
	log := newLogger(&cfg.Logger)

	db, err := dbConnect(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
		log.Info("Database schema applied")
	}

	redisClient, err := redisConnect(&cfg.Redis, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	producer, err := newKafkaProducer(&cfg.Kafka, log)
	if err != nil {
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	consumer, err := newKafkaConsumer(&cfg.Kafka, log)
	if err != nil {
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	m := metrics.New()
	store := repository.NewPostgresStore(db, log)

	statsService := services.NewStatsService(store, redisClient, log, &cfg.Stats)
	codeService := services.NewDiscountCodeService(store, producer, statsService, log)
	redemptionService := services.NewRedemptionService(store, producer, statsService, m, log, &cfg.Redemption)
	rateLimiter := services.NewRateLimiter(redisClient, log, &cfg.RateLimit)

	deps := routeDeps{
		codes:       handlers.NewDiscountCodeHandler(codeService, log),
		redemptions: handlers.NewRedemptionHandler(redemptionService, log),
		stats:       handlers.NewStatsHandler(statsService, log),
		health:      handlers.NewHealthHandler(db, redisClient, cfg.Kafka.Brokers, kafkaHealthCheck),
		rateLimit:   handlers.NewRateLimitHandler(rateLimiter, log, &cfg.RateLimit),
		limiter:     rateLimiter,
		metrics:     m,
		log:         log,
	}

	registerEventHandlers(consumer, statsService, log)
	if err := consumer.Start(); err != nil {
		_ = consumer.Stop()
		_ = producer.Close()
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("kafka consumer start: %w", err)
	}

	router := setupRoutes(deps)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &application{
		cfg:      cfg,
		log:      log,
		db:       db,
		redis:    redisClient,
		producer: producer,
		consumer: consumer,
		router:   router,
		server:   server,
	}, nil
}

// setupRoutes настраивает маршруты HTTP сервера
func setupRoutes(d routeDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check endpoints
	r.Get("/health", d.health.Health)
	r.Get("/health/readiness", d.health.Readiness)
	r.Get("/health/liveness", d.health.Liveness)
	r.Method(http.MethodGet, "/metrics", d.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/discount-codes", func(r chi.Router) {
			r.Get("/", d.codes.ListDiscountCodes)
			r.Post("/", d.codes.CreateDiscountCode)

			r.Route("/{code}", func(r chi.Router) {
				r.Get("/", d.codes.GetDiscountCode)
				r.Put("/", d.codes.UpdateDiscountCode)
				r.Post("/activate", d.codes.Activate)
				r.Post("/deactivate", d.codes.Deactivate)
				r.Get("/redemptions", d.redemptions.ListRedemptions)
				r.Get("/reconcile", d.redemptions.Reconcile)

				// Checkout endpoints, каждый со своим окном лимита
				r.With(handlers.RateLimit(d.limiter.ForRoute("redeem"), d.log)).Post("/redeem", d.redemptions.Redeem)
				r.With(handlers.RateLimit(d.limiter.ForRoute("preview"), d.log)).Post("/preview", d.redemptions.Preview)
			})
		})

		r.Get("/stats", d.stats.GetStats)
		r.Get("/rate-limit/status", d.rateLimit.Status)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "Route not found")
	})

	return r
}

// registerEventHandlers регистрирует обработчики событий Kafka.
// Изменения с других инстансов сбрасывают локально кешированную статистику.
func registerEventHandlers(consumer *kafka.Consumer, stats services.StatsInvalidator, log *logger.Logger) {
	eventLog := log.WithComponent("events")
	invalidate := func(ctx context.Context, event *models.Event) error {
		eventLog.WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Debug("Invalidating stats cache on event")
		stats.Invalidate(ctx)
		return nil
	}

	consumer.RegisterHandler(models.EventTypeDiscountRedeemed, invalidate)
	consumer.RegisterHandler(models.EventTypeDiscountCodeCreated, invalidate)
	consumer.RegisterHandler(models.EventTypeDiscountCodeUpdated, invalidate)
	consumer.RegisterHandler(models.EventTypeDiscountCodeStatusChanged, invalidate)
}

// corsMiddleware и другие helper функции
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	type errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}
