package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/messaging-backend/config"
	"github.com/marketlink/messaging-backend/internal/auth"
	"github.com/marketlink/messaging-backend/internal/database"
	"github.com/marketlink/messaging-backend/internal/events"
	"github.com/marketlink/messaging-backend/internal/handlers"
	"github.com/marketlink/messaging-backend/internal/middleware"
	"github.com/marketlink/messaging-backend/internal/service"
	"github.com/marketlink/messaging-backend/internal/store"
	"github.com/marketlink/messaging-backend/internal/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Open the store
	var st store.Store
	switch cfg.Database.Driver {
	case "memory":
		log.Println("Using in-memory store (development mode)")
		st = store.NewMemoryStore()
	default:
		db, err := database.NewPostgresDB(cfg.GetDSN())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		log.Println("Running database migrations...")
		if err := database.RunMigrations(db.DB); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Println("Migrations completed successfully")

		st = store.NewPostgresStore(db)
	}

	// Connect to Redis; without it the system runs in poll-only mode.
	var bus *events.RedisBus
	var publisher events.Publisher = events.Nop{}
	bus, err = events.NewRedisBus(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		log.Println("Running without Redis - push delivery disabled, polling unaffected")
		bus = nil
	} else {
		defer bus.Close()
		publisher = bus
	}

	// Initialize services
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)
	conversations := service.NewConversationService(st, nil)
	messages := service.NewMessageService(st, publisher, cfg.Messaging.PageSize, cfg.Messaging.SendRetryAttempts)
	tracker := service.NewUnreadTracker(st)
	gateway := service.NewDeliveryGateway(st, cfg.Messaging.PollMaxMessages)

	// Heal any counter drift left by a crash before serving traffic.
	if err := tracker.HealAll(context.Background()); err != nil {
		log.Printf("Warning: startup unread heal failed: %v", err)
	}

	// Initialize handlers
	convHandler := handlers.NewConversationHandler(conversations, tracker)
	msgHandler := handlers.NewMessageHandler(messages)
	deliveryHandler := handlers.NewDeliveryHandler(gateway)

	// WebSocket push layer (only if Redis is available)
	var wsHandler *websocket.Handler
	if bus != nil {
		hub := websocket.NewHub(bus, st)
		go hub.Run()
		wsHandler = websocket.NewHandler(hub, jwtService, cfg.CORS.AllowedOrigins)
	}

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec)
	rateLimiter.Cleanup()

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Middleware
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket endpoint (only if Redis is available)
	if wsHandler != nil {
		router.GET("/ws", wsHandler.HandleWebSocket)
	}

	// Internal routes for trusted collaborators (assistant senders)
	internal := router.Group("/internal")
	internal.Use(middleware.InternalAuthMiddleware(cfg.API.KeyHeader, cfg.API.InternalKey))
	{
		internal.POST("/messages", msgHandler.SendAssistant)
	}

	// Protected routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtService))
	{
		// Conversation routes
		api.POST("/conversations", convHandler.CreateOrGet)
		api.GET("/conversations", convHandler.List)
		api.GET("/conversations/:id", convHandler.Get)
		api.POST("/conversations/:id/close", convHandler.Close)
		api.POST("/conversations/:id/observer", convHandler.AttachObserver)
		api.GET("/conversations/:id/unread", convHandler.Unread)
		api.POST("/conversations/:id/recompute", convHandler.Recompute)

		// Message routes
		api.GET("/conversations/:id/messages", msgHandler.List)
		api.POST("/conversations/:id/messages", middleware.RateLimitMiddleware(rateLimiter), msgHandler.Send)
		api.POST("/conversations/:id/read", msgHandler.AcknowledgeRead)

		// Delivery gateway
		api.GET("/sync", deliveryHandler.Sync)
	}

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Starting messaging server on %s (env: %s)", addr, cfg.Server.Env)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
