package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/vehicle-insurance-auth/api/swagger"
	"github.com/noah-isme/vehicle-insurance-auth/internal/handler"
	"github.com/noah-isme/vehicle-insurance-auth/internal/middleware"
	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	"github.com/noah-isme/vehicle-insurance-auth/internal/repository"
	"github.com/noah-isme/vehicle-insurance-auth/internal/service"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/cache"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/config"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/database"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/events"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/logger"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/mailer"
	corsmiddleware "github.com/noah-isme/vehicle-insurance-auth/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/vehicle-insurance-auth/pkg/middleware/requestid"
)

// @title Vehicle Insurance Auth API
// @version 1.0.0
// @description Registration, login, refresh token rotation and email verification
// @BasePath /api
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	rdb, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	} else {
		logr.Info("redis not configured, verification resend cooldown disabled")
	}

	publisher := events.New(cfg.Events, logr)
	defer func() {
		if err := publisher.Close(); err != nil {
			logr.Warn("failed to close event publisher", zap.Error(err))
		}
	}()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	validate := service.NewValidator()
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	refreshRepo := repository.NewRefreshTokenRepository(db)
	verificationRepo := repository.NewEmailVerificationRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cooldownRepo := repository.NewCooldownRepository(rdb, "verify:cooldown:")

	verificationSvc := service.NewEmailVerificationService(
		userRepo, verificationRepo, cooldownRepo, mailer.New(cfg.SMTP, logr), auditRepo, validate, logr,
		service.EmailVerificationConfig{
			BaseURL:        cfg.Email.VerifyBaseURL,
			TokenTTL:       cfg.Email.VerifyTTL,
			ResendCooldown: cfg.Email.ResendCooldown,
		},
	).WithEvents(publisher).WithMetrics(metrics)

	authSvc := service.NewAuthService(
		userRepo, refreshRepo, auditRepo, service.NewBcryptHasher(cfg.Password.BcryptCost), service.NewTokenIssuer(cfg.JWT), validate, logr,
		service.AuthConfig{
			RefreshTokenExpiry:   cfg.JWT.RefreshExpiration,
			AutoSendVerification: cfg.Email.AutoSendVerification,
		},
	).WithEvents(publisher).WithMetrics(metrics).WithVerification(verificationSvc)

	authHandler := handler.NewAuthHandler(authSvc, handler.CookieOptions{
		Secure:     cfg.Cookie.Secure,
		Domain:     cfg.Cookie.Domain,
		AccessTTL:  cfg.JWT.Expiration,
		RefreshTTL: cfg.JWT.RefreshExpiration,
	})
	verificationHandler := handler.NewEmailVerificationHandler(verificationSvc)

	checks := map[string]handler.Pinger{"postgres": db}
	if rdb != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	metricsHandler := handler.NewMetricsHandler(metrics, checks)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics, "/metrics", "/health"))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", middleware.AuditFailures(auditRepo, logr, models.AuditActionLoginFailed, models.AuditResourceAuth), authHandler.Login)
	auth.POST("/refresh", middleware.OptionalJWT(authSvc), authHandler.Refresh)

	secured := auth.Group("")
	secured.Use(middleware.JWT(authSvc))
	secured.POST("/logout", authHandler.Logout)
	secured.GET("/me", authHandler.Me)
	secured.GET("/sessions", authHandler.Sessions)

	users := api.Group("/users")
	users.Use(middleware.JWT(authSvc))
	users.GET("/:id/sessions", middleware.RBAC(string(models.RoleAdmin), middleware.RoleSelf), authHandler.UserSessions)

	api.POST("/resend-verification", verificationHandler.Resend)
	api.GET("/verify-email", verificationHandler.Verify)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
