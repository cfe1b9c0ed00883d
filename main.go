package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/haibanh/checkout-service/apperrors"
	"github.com/haibanh/checkout-service/clients"
	"github.com/haibanh/checkout-service/config"
	"github.com/haibanh/checkout-service/controllers"
	"github.com/haibanh/checkout-service/database"
	"github.com/haibanh/checkout-service/events"
	"github.com/haibanh/checkout-service/logger"
	"github.com/haibanh/checkout-service/middleware"
	"github.com/haibanh/checkout-service/models"
	aws_pkg "github.com/haibanh/checkout-service/pkg/aws"
	"github.com/haibanh/checkout-service/repository"
	"github.com/haibanh/checkout-service/routes"
	"github.com/haibanh/checkout-service/services"
	"go.uber.org/zap"
)

const serviceName = "checkout-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("development")
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// AWS clients
	awsCfg, awsErr := aws_pkg.LoadAWSConfig(ctx)
	var sink io.Writer
	var metricsClient *aws_pkg.MetricsClient
	if awsErr == nil {
		if w, err := aws_pkg.NewCloudWatchLogsWriter(ctx, awsCfg, serviceName); err == nil && w != nil {
			sink = w
		}
		metricsClient = aws_pkg.NewMetricsClient(awsCfg)
	}
	logger.InitializeWithWriter(cfg.Env, sink)
	defer logger.Log.Sync() //nolint:errcheck
	if awsErr != nil {
		logger.Log.Warn("AWS config unavailable, SNS and CloudWatch disabled", zap.Error(awsErr))
	}

	db, err := database.ConnectPostgres(cfg.DSN(), logger.Log, &models.CheckoutSession{}, &models.SettlementItem{})
	if err != nil {
		logger.Log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db) //nolint:errcheck

	sessionRepo := repository.NewGormCheckoutSessionRepository(db)

	var codeStore repository.OrderCodeStore = repository.NewSessionOrderCodeStore(sessionRepo)
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Log.Warn("Redis unavailable, order codes checked against the database", zap.Error(err))
		} else {
			defer redisClient.Close() //nolint:errcheck
			codeStore = repository.NewRedisOrderCodeStore(redisClient)
		}
	}

	publisher := newPublisher(cfg, awsCfg, awsErr)
	defer publisher.Close() //nolint:errcheck
	broker := events.NewBroker(publisher, logger.Log)

	// Provider and DI chain
	storefront := clients.NewStorefrontClient(cfg.APIBaseURL, cfg.BackendTimeout, logger.Log)
	verifier := clients.NewVerificationClient(cfg.VerificationURL, cfg.VerificationTimeout)

	var recorder services.MetricsRecorder
	if metricsClient.IsEnabled() {
		recorder = metricsClient
	}

	issuer := services.NewOrderCodeIssuer(codeStore, logger.Log)
	settlement := services.NewSettlementApplier(storefront, sessionRepo, broker, recorder, logger.Log, cfg.SettlementRetries)
	checkout := services.NewCheckoutService(storefront, verifier, sessionRepo, issuer, settlement, recorder, nil, logger.Log,
		services.CheckoutOptions{
			PollInterval:    cfg.PollInterval,
			PollMaxInterval: cfg.PollMaxInterval,
			PollDeadline:    cfg.PollDeadline,
			PollMaxAttempts: cfg.PollMaxAttempts,
			ServiceToken:    cfg.ServiceToken,
			View: services.ViewOptions{
				Bank:          cfg.Bank,
				RedirectPath:  cfg.RedirectPath,
				RedirectDelay: cfg.RedirectDelay,
			},
		})
	cartService := services.NewCartService(storefront, broker)

	if n, err := checkout.ResumeOpen(ctx); err != nil {
		logger.Log.Error("Failed to resume open checkout sessions", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("Resumed open checkout sessions", zap.Int("count", n))
	}
	go checkout.RunSettlementRecovery(ctx, cfg.SettlementRecovery)

	limiter := middleware.NewRateLimiter(ctx, middleware.PerMinute(cfg.RateLimitPerMinute), cfg.RateLimitBurst, 10*time.Minute)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(logger.RequestLogger())
	r.Use(apperrors.ErrorMiddleware())
	r.Use(middleware.MetricsMiddleware(metricsClient, serviceName))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "healthy",
			"service":       serviceName,
			"live_sessions": checkout.LiveSessions(),
		})
	})

	routes.RegisterRoutes(r,
		controllers.NewCheckoutController(checkout),
		controllers.NewCartController(cartService, broker, 0),
		middleware.AuthMiddleware(cfg.JWTSecret, cfg.TrustGatewayHeader),
		middleware.RateLimitMiddleware(limiter),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Log.Info("Checkout service started", zap.String("port", cfg.Port), zap.String("event_bus", cfg.EventBus))
	<-ctx.Done()
	logger.Log.Info("Shutting down checkout service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := checkout.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Pollers did not stop in time", zap.Error(err))
	}
	logger.Log.Info("Server exited cleanly")
}

func newPublisher(cfg *config.Config, awsCfg sdkaws.Config, awsErr error) events.Publisher {
	switch cfg.EventBus {
	case "sns":
		if awsErr != nil {
			logger.Log.Warn("SNS selected but AWS config unavailable, cart events stay local")
			return events.NopPublisher{}
		}
		return events.NewSNSPublisher(aws_pkg.NewSNSClient(awsCfg), cfg.CartEventsTopicARN)
	case "kafka":
		return events.NewKafkaPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaCartTopic)
	default:
		return events.NopPublisher{}
	}
}
