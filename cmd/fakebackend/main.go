// Command fakebackend serves the login, refresh, CSRF and Context Proxy
// endpoints the client expects, for local development and demos.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paybychance/paybychance/internal/config"
	"github.com/paybychance/paybychance/internal/handlers"
	"github.com/paybychance/paybychance/internal/middleware"
	"github.com/paybychance/paybychance/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadBackend()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	refreshStore, err := initRefreshStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize refresh token store")
	}

	jwtService, err := service.NewJWTService(&cfg.Backend, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}
	userService, err := service.NewUserService(cfg.Backend.Users, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize user service")
	}
	actionService := service.NewActionService(logger)

	router := handlers.NewRouter(handlers.RouterDeps{
		Auth:           handlers.NewAuthHandlers(userService, jwtService, refreshStore, logger),
		Proxy:          handlers.NewProxyHandlers(actionService, logger),
		AuthMiddleware: middleware.NewAuthMiddleware(jwtService, refreshStore, logger),
		CSRF:           middleware.NewCSRF("X-CSRF-Token", []string{"/context-proxy/v1/csrf"}, logger),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Backend.Port,
		Handler:      router,
		ReadTimeout:  cfg.Backend.ReadTimeout,
		WriteTimeout: cfg.Backend.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Backend.Port).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initRefreshStore(cfg *config.Config, logger *logrus.Logger) (service.RefreshStore, error) {
	if cfg.Backend.RefreshStore != "redis" {
		logger.Info("Using in-memory refresh token store")
		return service.NewMemoryRefreshStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return service.NewRedisRefreshStore(client, logger), nil
}
