package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisClient "github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"trade-sniper/internal/api/handlers"
	"trade-sniper/internal/config"
	"trade-sniper/internal/domain"
	"trade-sniper/internal/infrastructure/feed"
	"trade-sniper/internal/infrastructure/mysql"
	"trade-sniper/internal/infrastructure/redis"
	"trade-sniper/internal/infrastructure/trade"
	"trade-sniper/internal/infrastructure/vision"
	"trade-sniper/internal/ratelimit"
	"trade-sniper/internal/services"
	"trade-sniper/pkg/logger"
)

func main() {
	log := logger.New()
	log.Info("Starting Trade Sniper Service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("Configuration loaded", "summary", cfg.GetConfigString())

	if cfg.Trade.SessionID == "" {
		log.Error("No trade session id supplied, set TRADE_SESSION_ID")
		os.Exit(1)
	}

	// Initialize Redis
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.Error("Failed to connect to MySQL", "error", err)
		os.Exit(1)
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			log.Error("Failed to close MySQL connection", "error", err)
		}
	}(db)

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.Error("Failed to ping MySQL", "error", err)
		os.Exit(1)
	}
	log.Info("Connected to MySQL")

	// Infrastructure
	eventPublisher := redis.NewEventPublisher(rdb)
	cooldownCache := redis.NewCooldownCache(rdb)
	seenCache := redis.NewSeenCache(rdb)
	listingRepo := mysql.NewMySQLListingRepository(db)
	auditRepo := mysql.NewMySQLAuditRepository(db)

	tradeClient := trade.NewClient(cfg.Trade.Host, cfg.Trade.SessionID, log)

	visionClient := vision.NewClient(cfg.Automation.MouseMovement, log)
	if err := visionClient.Start(cfg.Vision.Command, cfg.Vision.Args...); err != nil {
		log.Error("Failed to start vision service", "error", err)
		os.Exit(1)
	}
	defer visionClient.Close()

	// Rate limiter: one jittered channel for connection opens, one fixed
	// channel for REST calls.
	limiter := ratelimit.New(map[domain.Channel]ratelimit.ChannelConfig{
		domain.ChannelConnect: {
			MinSpacing: cfg.Sniper.ConnectSpacingMin,
			MaxSpacing: cfg.Sniper.ConnectSpacingMax,
		},
		domain.ChannelREST: {
			MinSpacing: cfg.Sniper.RESTSpacing,
		},
	}, log)

	// Services
	fetcher := services.NewFetcher(tradeClient, limiter, listingRepo, log)
	travelQueue := services.NewTravelQueue(tradeClient, limiter, eventPublisher,
		cfg.Sniper.RetryBase, cfg.Sniper.MaxRetries, log)

	region := domain.RegionBounds{
		X:      cfg.Detection.RegionX,
		Y:      cfg.Detection.RegionY,
		Width:  cfg.Detection.RegionWidth,
		Height: cfg.Detection.RegionHeight,
	}
	orchestrator := services.NewOrchestrator(
		cfg.Automation,
		region,
		cfg.Detection.ConfidenceThreshold,
		cfg.Sniper.TravelCooldown,
		travelQueue,
		visionClient,
		eventPublisher,
		cooldownCache,
		auditRepo,
		log,
	)

	dialer := func(ctx context.Context, sub *domain.SearchSubscription, h feed.Handler) (io.Closer, error) {
		return feed.Dial(ctx, tradeClient.LiveFeedURL(sub.League, sub.ID), tradeClient.WSHeader(), sub.ID, h, log)
	}
	supervisor := services.NewSupervisor(cfg.Sniper, dialer, limiter, fetcher, eventPublisher, seenCache, log)
	supervisor.OnListings(orchestrator.HandleListings)

	sweeper := services.NewSweeper(supervisor, eventPublisher, 2*cfg.Sniper.HeartbeatTimeout, log)
	if err := sweeper.Start(); err != nil {
		log.Error("Failed to start sweeper", "error", err)
		os.Exit(1)
	}

	// Tap the event channel into the debug log so a headless run can be
	// followed without a UI subscribed.
	tapCtx, tapCancel := context.WithCancel(context.Background())
	defer tapCancel()
	eventTap := redis.NewRedisEventSubscriber(rdb, log)
	go func() {
		err := eventTap.Subscribe(tapCtx, func(event *domain.Event) error {
			log.Debug("Event", "type", event.Type, "search_id", event.SearchID,
				"session_id", event.SessionID, "step", event.Step, "message", event.Message)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Event tap stopped", "error", err)
		}
	}()

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: `{"time":"${time_rfc3339}","id":"${id}","remote_ip":"${remote_ip}","host":"${host}","method":"${method}","uri":"${uri}","status":${status},"error":"${error}","latency":${latency},"latency_human":"${latency_human}"}` + "\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			echo.GET, echo.POST, echo.DELETE, echo.OPTIONS,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
		},
	}))

	sniperHandler := handlers.NewSniperHandler(supervisor, orchestrator, listingRepo, cfg.Trade.League, log)

	api := e.Group("/api/v1")
	api.POST("/searches", sniperHandler.AddSearch)
	api.DELETE("/searches/:id", sniperHandler.RemoveSearch)
	api.GET("/searches", sniperHandler.ListSearches)
	api.GET("/searches/:id/listings", sniperHandler.RecentListings)
	api.GET("/status", sniperHandler.GetStatus)
	api.POST("/automation/start", sniperHandler.StartAutomation)
	api.POST("/automation/stop", sniperHandler.StopAutomation)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "trade-sniper",
			"timestamp": time.Now().Format(time.RFC3339),
			"league":    cfg.Trade.League,
		})
	})

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info("Starting control API", "address", serverAddr)

	go func() {
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down trade sniper service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sweeper.Stop(); err != nil {
		log.Error("Failed to stop sweeper", "error", err)
	}
	if err := orchestrator.Stop(); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		log.Error("Failed to stop automation", "error", err)
	}
	supervisor.DisconnectAll()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Trade sniper service stopped")
}
