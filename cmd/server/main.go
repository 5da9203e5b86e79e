package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devdesk-terminal/host/api/handlers"
	"github.com/devdesk-terminal/host/internal/config"
	"github.com/devdesk-terminal/host/internal/db"
	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/repository"
	"github.com/devdesk-terminal/host/internal/session"
	"github.com/devdesk-terminal/host/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewDefault().Fatal("failed to load config", zap.Error(err))
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logging.NewDefault().Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		log.Fatal("failed to create database directory", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.Storage.TranscriptDir, 0o755); err != nil {
		log.Fatal("failed to create transcript directory", zap.Error(err))
	}

	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	repo := repository.NewSessionRepository(database)

	manager := session.NewManager(repo, session.Config{
		TranscriptDir: cfg.Storage.TranscriptDir,
		MaxSessions:   cfg.Session.MaxSessions,
	}, log)
	defer manager.Close()

	wsHandler := ws.NewHandler(manager, log)
	sessionHandler := handlers.NewSessionHandler(manager)
	attachHandler := handlers.NewWebSocketHandler(wsHandler, log)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		attachHandler.RegisterRoutes(api)
	}

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("shutdown did not complete cleanly", zap.Error(err))
		}
		manager.Close()
	}()

	log.Info("server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
}
