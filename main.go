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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"

	"ms-checkout/internal/analytics"
	analytics_api "ms-checkout/internal/analytics/api"
	"ms-checkout/internal/auth"
	"ms-checkout/internal/config"
	"ms-checkout/internal/database"
	"ms-checkout/internal/database/migrations"
	"ms-checkout/internal/inventory"
	"ms-checkout/internal/kafka"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/order"
	"ms-checkout/internal/order/order_api"
	rediswrap "ms-checkout/internal/order/redis"
	"ms-checkout/internal/payment"
	"ms-checkout/internal/payment/services"
	"ms-checkout/internal/promo"
	"ms-checkout/internal/refund"
	"ms-checkout/internal/scheduler"
	"ms-checkout/internal/sse"
	"ms-checkout/internal/tickets"
	qr "ms-checkout/internal/tickets/qr_genrator"
	"ms-checkout/internal/tickets/ticket_api"
)

func prepareSchema(ctx context.Context, cfg config.DatabaseConfig, bunDB *bun.DB, log *logger.Logger) error {
	if cfg.Driver == database.DriverSQLite {
		log.Info("DATABASE", "Creating schema from models (sqlite)")
		return database.CreateSchema(ctx, bunDB)
	}
	if !cfg.AutoMigrate {
		log.Info("MIGRATION", "Auto-migration disabled")
		return nil
	}

	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
		MigrationsDir: cfg.MigrationsDir,
		AutoMigrate:   cfg.AutoMigrate,
	}, log)
	if err := runner.Initialize(); err != nil {
		return err
	}
	defer runner.Close()
	return runner.RunMigrations()
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection error: %w", err)
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	return client, nil
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger("checkout-service", cfg.Log.Dir, logger.ParseLevel(cfg.Log.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("APP", "Starting checkout service initialization")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	if err := prepareSchema(ctx, cfg.Database, bunDB, log); err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("Schema setup failed: %v", err))
	}

	redisClient, err := connectRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("REDIS", err.Error())
	}
	defer redisClient.Close()
	rds := rediswrap.NewRedis(redisClient, log)

	var events payment.EventPublisher = kafka.DisabledProducer{Logger: log}
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, kafka.Topics(cfg.Kafka.Topics), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics, log)
		defer producer.Close()
		events = producer

		consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.PaymentConfirmations, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		log.Info("KAFKA", "Kafka producer and consumer initialized")
	} else {
		log.Warn("KAFKA", "Kafka disabled, order events are logged only")
	}

	emitter := sse.NewCheckoutEventEmitter(events)

	gateway, err := services.NewStripeService(cfg.Stripe, log)
	if err != nil {
		log.Fatal("STRIPE", err.Error())
	}

	qrGen, err := qr.NewQRGenerator(cfg.Checkout.QRSecret)
	if err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid QR secret: %v", err))
	}

	ledger := inventory.NewLedger(cfg.Checkout.ReservationTTL)
	ticketService := tickets.NewTicketService(bunDB, qrGen, log)
	reconciler := payment.NewReconciler(bunDB, gateway, ledger, ticketService, rds, rds, emitter,
		cfg.Checkout.Currency, cfg.Stripe.WebhookSecret, log)
	orderService := order.NewOrderService(bunDB, ledger, promo.NewEngine(log), rds, emitter, cfg.Checkout.Currency, log)
	orderService.Payments = reconciler
	orderService.SweepSize = cfg.Checkout.SweepBatchSize
	refundService := refund.NewService(bunDB, gateway, ledger, ticketService, rds, emitter, log)

	sweeper, err := scheduler.NewSweeper(orderService, cfg.Checkout.SweepInterval, log)
	if err != nil {
		log.Fatal("SWEEP", err.Error())
	}
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("SWEEP", err.Error())
	}
	defer sweeper.Shutdown()

	if err := rds.EnableExpiryNotifications(ctx); err != nil {
		log.Warn("REDIS", fmt.Sprintf("%v; relying on the periodic sweep", err))
	}
	pubsub, err := rds.SubscribeExpiredHolds(ctx, sweeper.OnHoldExpired)
	if err != nil {
		log.Warn("REDIS", fmt.Sprintf("Hold expiry subscription failed: %v", err))
	} else {
		defer pubsub.Close()
	}

	if consumer != nil {
		go func() {
			if err := consumer.Start(ctx, reconciler.HandleConfirmation); err != nil {
				log.Error("KAFKA", fmt.Sprintf("Payment confirmation consumer stopped: %v", err))
			}
		}()
	}

	authMiddleware, err := auth.New(ctx, cfg.Auth, log)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}

	orderHandler := order_api.NewHandler(orderService, reconciler, refundService, ticketService, log)
	sseHandler := order_api.NewSSEHandler(orderService, emitter, log)
	ticketHandler := ticket_api.NewHandler(ticketService, log)
	analyticsHandler := analytics_api.NewHandler(analytics.NewService(bunDB, ledger, log), cfg.Auth.Admins, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	// --- Public Routes ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/webhooks/stripe", orderHandler.StripeWebhook)

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Route("/api", func(r chi.Router) {
			orderHandler.Routes(r)
			sseHandler.Routes(r)
			ticketHandler.Routes(r)
			analyticsHandler.RegisterRoutes(r)
		})
	})
	log.Info("ROUTER", "Order, payment, ticket and analytics routes registered under /api")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Checkout service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "Checkout service shutdown complete")
	}
}
