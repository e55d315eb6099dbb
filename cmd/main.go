/**
 * @description
 * This is the main entry point for the vending-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, vendor adapters, message brokers, repositories, the core purchase
 * orchestrator, and the HTTP server. It wires everything together and starts
 * the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/vendors/...: The upstream supplier adapters.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/billpoint/vending-service/internal/api"
	"github.com/billpoint/vending-service/internal/app"
	"github.com/billpoint/vending-service/internal/config"
	"github.com/billpoint/vending-service/internal/store"
	rmrabbit "github.com/billpoint/vending-service/pkg/rabbitmq"
	"github.com/billpoint/vending-service/pkg/vendors"
	"github.com/billpoint/vending-service/pkg/vendors/clubkonnect"
	"github.com/billpoint/vending-service/pkg/vendors/gsubz"
	"github.com/billpoint/vending-service/pkg/vendors/payscribe"
	"github.com/billpoint/vending-service/pkg/vendors/vtpass"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env for local development; production supplies real env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting vending-service\" port=%s simulate=%t", cfg.ServerPort, cfg.SimulateVendors)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Optional Redis for distributed purchase rate limiting.
	var redisClient *redis.Client
	if cfg.PurchaseRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; purchase rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; purchase rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; purchase rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Register vendor adapters. An adapter without credentials is skipped
	// unless global simulation is on.
	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		log.Fatalf("level=fatal component=bootstrap msg=\"no vendor adapters configured\"")
	}
	for _, a := range adapters {
		log.Printf("level=info component=bootstrap msg=\"vendor registered\" vendor=%s", a.Name())
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Health manager with periodic balance probes.
	healthManager := app.NewHealthManager(adapters)
	if err := healthManager.StartProbes(cfg.HealthProbeCron); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"health probe schedule invalid\" err=%v", err)
	}
	defer healthManager.StopProbes()

	router := app.NewRouter(repository, healthManager, adapters, app.RouterConfig{
		DefaultVendor: cfg.DefaultVendor,
		LoadBalance:   cfg.VendorLoadBalance,
		Priorities:    vendorPriorities(cfg.VendorPriority),
	})
	pricingEngine := app.NewPricingEngine(repository)

	purchaseService := app.NewService(repository, router, healthManager, pricingEngine, publisher, app.ServiceConfig{
		MaxVendorAttempts: cfg.MaxVendorAttempts,
	})
	walletService := app.NewWalletService(repository, publisher, app.WalletConfig{
		PINMaxAttempts:        cfg.TransactionPINMaxAttempts,
		PINLockoutDurationSec: cfg.TransactionPINLockoutSecs,
	})

	// Reconciliation sweep for purchases stuck in pending.
	reconciler := app.NewReconciler(purchaseService, repository, app.ReconcilerConfig{})
	if err := reconciler.Start(cfg.ReconcileCron); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconcile schedule invalid\" err=%v", err)
	}
	defer reconciler.Stop()

	var limiter *app.RedisPurchaseRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisPurchaseRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers.
	handlers := api.NewVendingHandlers(
		purchaseService,
		walletService,
		healthManager,
		reconciler,
		repository,
		limiter,
		cfg.PurchaseRateLimitPerMinute,
	)

	// Set up the HTTP router and define the API routes.
	httpRouter := chi.NewRouter()
	httpRouter.Mount("/vending", api.VendingRoutes(handlers, cfg.JWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: httpRouter,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// vendorPriorities parses the comma-separated VENDOR_PRIORITY list into
// per-vendor ranks; earlier names win score ties in the router.
func vendorPriorities(list string) map[string]int {
	priorities := make(map[string]int)
	for i, name := range strings.Split(list, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			priorities[trimmed] = i
		}
	}
	return priorities
}

// buildAdapters registers every vendor with credentials, or every vendor in
// simulation mode when SIMULATE_VENDORS is set.
func buildAdapters(cfg config.Config) []vendor.Adapter {
	var adapters []vendor.Adapter

	if cfg.SimulateVendors || (cfg.VTPassAPIKey != "" && cfg.VTPassSecretKey != "") {
		adapters = append(adapters, vtpass.NewClient(vtpass.Config{
			BaseURL:                   cfg.VTPassBaseURL,
			APIKey:                    cfg.VTPassAPIKey,
			SecretKey:                 cfg.VTPassSecretKey,
			Simulate:                  cfg.SimulateVendors,
			CompletesAfterHTTPTimeout: true,
		}))
	}
	if cfg.SimulateVendors || (cfg.ClubkonnectUserID != "" && cfg.ClubkonnectAPIKey != "") {
		adapters = append(adapters, clubkonnect.NewClient(clubkonnect.Config{
			BaseURL:  cfg.ClubkonnectBaseURL,
			UserID:   cfg.ClubkonnectUserID,
			APIKey:   cfg.ClubkonnectAPIKey,
			Simulate: cfg.SimulateVendors,
		}))
	}
	if cfg.SimulateVendors || (cfg.PayscribeEmail != "" && cfg.PayscribePassword != "") {
		adapters = append(adapters, payscribe.NewClient(payscribe.Config{
			BaseURL:                   cfg.PayscribeBaseURL,
			Email:                     cfg.PayscribeEmail,
			Password:                  cfg.PayscribePassword,
			Simulate:                  cfg.SimulateVendors,
			CompletesAfterHTTPTimeout: true,
		}))
	}
	if cfg.SimulateVendors || cfg.GsubzAPIToken != "" {
		adapters = append(adapters, gsubz.NewClient(gsubz.Config{
			BaseURL:  cfg.GsubzBaseURL,
			APIToken: cfg.GsubzAPIToken,
			Simulate: cfg.SimulateVendors,
		}))
	}

	return adapters
}
