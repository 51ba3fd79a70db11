package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "request-portal/api/swagger" // swagger docs
	"request-portal/internal/config"
	"request-portal/internal/database"
	"request-portal/internal/document"
	"request-portal/internal/handler"
	"request-portal/internal/logger"
	"request-portal/internal/middleware"
	"request-portal/internal/notify"
	"request-portal/internal/observability"
	"request-portal/internal/repository"
	"request-portal/internal/sequence"
	"request-portal/internal/service"
	"request-portal/internal/storage"
	"request-portal/internal/sweeper"
	"request-portal/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var version = "dev"

// @title           Request Portal API
// @version         1.0
// @description     Purchase, maintenance and IT request approvals with documents and notifications.
// @host            localhost:8080
// @BasePath        /api
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg := config.MustLoad()
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)
	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}

	db, err := database.NewConnection(cfg.Database, cfg.OTEL.Enabled)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	// Repositories
	userRepo := repository.NewUserRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	sideEffectRepo := repository.NewSideEffectRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	statisticsRepo := repository.NewStatisticsRepository(db)
	txManager := repository.NewTransactionManager(db)

	// Infrastructure
	var counter sequence.Counter = sequence.NewDBCounter(db)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using database counters")
		} else {
			counter = sequence.NewRedisCounter(client)
			defer client.Close()
		}
	}

	var store storage.ObjectStore = storage.NewMemoryStore()
	if cfg.Storage.Enabled {
		s3Store, err := storage.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			log.Fatal().Err(err).Msg("object storage setup failed")
		}
		store = s3Store
	} else {
		log.Warn().Msg("object storage disabled, files are kept in memory")
	}

	wsHub := websocket.NewHub()
	go wsHub.Run()

	var mailer notify.Mailer
	if cfg.SMTP.Enabled {
		mailer = notify.NewSMTPMailer(cfg.SMTP)
	}
	notifier := notify.NewService(notificationRepo, userRepo, wsHub, mailer, cfg.Server.PublicURL)

	// Services
	secret := []byte(cfg.JWT.Secret)
	userService := service.NewUserService(userRepo, secret, time.Duration(cfg.JWT.ExpirationHours)*time.Hour)
	requestService := service.NewRequestService(service.RequestServiceDeps{
		Requests:    requestRepo,
		Users:       userRepo,
		SideEffects: sideEffectRepo,
		Tx:          txManager,
		Store:       store,
		Renderer:    document.NewPDFRenderer(cfg.Server.CompanyName),
		Notifier:    notifier,
		IDs:         sequence.NewGenerator(counter, requestRepo),
		RootFolder:  cfg.Storage.RootFolder,
	})
	notificationService := service.NewNotificationService(notificationRepo)
	statisticsService := service.NewStatisticsService(statisticsRepo)

	var sw *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		sw = sweeper.New(sideEffectRepo, requestService, sweeper.Options{
			Schedule:    cfg.Sweeper.Schedule,
			MaxAttempts: cfg.Sweeper.MaxAttempts,
			BatchSize:   cfg.Sweeper.BatchSize,
		}, log.Logger)
		if err := sw.Start(); err != nil {
			log.Fatal().Err(err).Msg("sweeper schedule invalid")
		}
	}

	// Handlers
	auth := middleware.NewAuth(secret)
	userHandler := handler.NewUserHandler(userService, auth)
	requestHandler := handler.NewRequestHandler(requestService, auth, cfg.Server.MaxUploadBytes)
	notificationHandler := handler.NewNotificationHandler(notificationService, auth)
	statisticsHandler := handler.NewStatisticsHandler(statisticsService, auth)

	// Router
	router := gin.New()
	router.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.Metrics())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.CorsAllowedOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", middleware.HeaderRequestID}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.ExposeHeaders = []string{middleware.HeaderRequestID, "Content-Disposition"}
	router.Use(cors.New(corsConfig))
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws", "/metrics", "/api/files"})))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/health", func(c *gin.Context) {
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, secret)
	})

	api := router.Group("/api")
	api.Use(middleware.NewRateLimiter(cfg.Rate.RPS, cfg.Rate.Burst, middleware.KeyByUserOrIP()).Handler())
	userHandler.RegisterRoutes(api)
	requestHandler.RegisterRoutes(api)
	notificationHandler.RegisterRoutes(api)
	statisticsHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if sw != nil {
		sw.Stop()
	}
	wsHub.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
