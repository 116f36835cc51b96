package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"veilchat/internal/config"
	"veilchat/internal/crypto"
	"veilchat/internal/database"
	"veilchat/internal/handlers"
	"veilchat/internal/jobs"
	"veilchat/internal/logging"
	"veilchat/internal/middleware"
	"veilchat/internal/services"
	"veilchat/pkg/auth"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	logging.Init(cfg.Environment)

	if cfg.JWTSecret == "" || cfg.UserHashSalt == "" || cfg.MasterKey == "" {
		if cfg.IsProduction() {
			log.Fatal("❌ JWT_SECRET, USER_HASH_SALT and VAULT_MASTER_KEY are required in production")
		}
		log.Println("⚠️ Running with development secrets; do not use in production")
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = "dev-only-jwt-secret-0123456789abcdef"
		}
		if cfg.UserHashSalt == "" {
			cfg.UserHashSalt = "dev-only-salt"
		}
		if cfg.MasterKey == "" {
			cfg.MasterKey = "dev-only-master-key-0123456789abcdef"
		}
	}

	mongodb, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ MongoDB connection failed: %v", err)
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mongodb.Initialize(initCtx); err != nil {
		cancelInit()
		log.Fatalf("❌ MongoDB initialization failed: %v", err)
	}
	cancelInit()

	redisSvc, err := services.NewRedisService(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Redis connection failed: %v", err)
	}

	jwtAuth, err := auth.NewLocalJWTAuth(cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		log.Fatalf("❌ JWT setup failed: %v", err)
	}

	vault, err := crypto.NewVaultService(cfg.MasterKey, mongodb.Collection(database.VaultKeysCollection))
	if err != nil {
		log.Fatalf("❌ Vault setup failed: %v", err)
	}

	store := services.NewMongoDocumentStore(mongodb, services.StoreOptions{
		Timeout:     cfg.StoreTimeout,
		MaxRetries:  cfg.StoreMaxRetries,
		BaseBackoff: cfg.StoreBaseBackoff,
	})
	cache := services.NewCacheTier(cfg.HotCachePerUser, cfg.WarmCachePerUser, cfg.CacheSlidingTTL)
	repo := services.NewChatRepository(store, cache, vault)
	conns := services.NewConnectionManager()
	metrics := services.InitMetrics(conns)
	profile := services.NewUserProfileService(mongodb.Collection(database.UserProfilesCollection))
	stepUp := services.NewStepUpService(mongodb.Collection(database.UserDevicesCollection))
	queue := services.NewWorkerQueue(redisSvc, cfg.PreprocessQueueKey, cfg.WorkerEventChannel)

	deps := &handlers.Deps{
		Cfg:       cfg,
		Repo:      repo,
		Conns:     conns,
		Profile:   profile,
		Queue:     queue,
		Expensive: services.NewExpensiveOpLimiter(redisSvc, cfg.ExpensiveRatePerMinute),
		Metrics:   metrics,
	}

	handlers.RegisterWorkerIngress(queue, deps)
	ingressCtx, stopIngress := context.WithCancel(context.Background())
	queue.Start(ingressCtx)

	scheduler, err := jobs.NewScheduler(conns, cache, metrics, cfg.HeartbeatInterval, cfg.HeartbeatMissThreshold)
	if err != nil {
		log.Fatalf("❌ Scheduler setup failed: %v", err)
	}
	scheduler.Start()

	app := fiber.New(fiber.Config{
		AppName:               "veilchat",
		DisableStartupMessage: cfg.IsProduction(),
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	app.Use(recover.New())

	prom := fiberprometheus.New("veilchat")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	healthHandler := handlers.NewHealthHandler(mongodb, redisSvc)
	app.Get("/healthz", healthHandler.Health)

	stepUpHandler := handlers.NewStepUpHandler(stepUp, cfg.UserHashSalt)
	authMW := middleware.AuthMiddleware(jwtAuth)
	stepUpGroup := app.Group("/auth/step-up", middleware.StepUpLimiter(), authMW)
	stepUpGroup.Post("/code", stepUpHandler.Code)
	stepUpGroup.Post("/verify", stepUpHandler.Verify)

	wsHandler := handlers.NewWebSocketHandler(deps, stepUp)
	app.Use("/ws", middleware.WSConnectLimiter(cfg.WSConnectsPerMinute), authMW, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.Handle))

	go func() {
		log.Printf("🚀 veilchat sync server listening on :%s", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	stopIngress()
	if err := scheduler.Stop(); err != nil {
		log.Printf("⚠️ Scheduler shutdown: %v", err)
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("⚠️ Server shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mongodb.Close(shutdownCtx); err != nil {
		log.Printf("⚠️ MongoDB shutdown: %v", err)
	}
	if err := redisSvc.Close(); err != nil {
		log.Printf("⚠️ Redis shutdown: %v", err)
	}
	log.Println("👋 Goodbye")
}
