package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/delivery"
	"github.com/Tyrowin/gochat-relay/internal/logger"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	dotenv := flag.String("env-file", ".env", "optional dotenv file")
	addr := flag.String("a", "", "listen address, overrides SERVER_PORT")
	level := flag.String("l", "", "log level, overrides LOG_LEVEL")
	flag.Parse()

	cfg, err := server.LoadConfig(*dotenv)
	if err != nil {
		return exitConfig, err
	}
	if *addr != "" {
		cfg.Port = *addr
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		return exitConfig, fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Log

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = uuid.NewString()
		log.Warn("JWT_SECRET not set, tokens will not survive a restart")
	}

	badgerPath := cfg.BadgerPath
	if cfg.InMemory() {
		badgerPath = ""
	}
	db, err := storage.Open(badgerPath, log)
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("closing BadgerDB")
		_ = db.Close()
	}()

	messages := storage.NewMessageStore(db, log, cfg.HistoryLimit)
	users := storage.NewUserStore(db)

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return exitConfig, err
	}
	authService := auth.NewService(users, tokens, log)

	meter := otel.Meter("github.com/Tyrowin/gochat-relay")
	registry := presence.NewRegistry(log)
	if err := registry.RegisterMetrics(meter); err != nil {
		return exitRuntime, fmt.Errorf("presence metrics: %w", err)
	}

	engine, err := delivery.NewEngine(messages, registry, log, meter, delivery.Options{
		PersistTimeout:   cfg.PersistTimeout,
		DeliveryTimeout:  cfg.DeliveryTimeout,
		MaxContentLength: cfg.MaxContentLength,
	})
	if err != nil {
		return exitRuntime, fmt.Errorf("delivery engine: %w", err)
	}

	var identifier server.Identifier
	if cfg.RequireToken {
		identifier = authService
	}
	manager := server.NewManager(registry, engine, identifier, log, server.ConnectionOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		SendBufferSize: cfg.SendBufferSize,
		RateLimit:      cfg.RateLimit(),
	})
	go manager.Run()

	handlers := server.NewHandlers(manager, authService, messages, registry, cfg.Origins(), log)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	log.Info("relay started",
		zap.String("addr", cfg.Port),
		zap.Bool("requireToken", cfg.RequireToken),
		zap.Bool("inMemory", cfg.InMemory()))

	code := exitOK
	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("server failed", zap.Error(err))
			code = exitRuntime
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	var shutdownErr error
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := manager.Shutdown(cfg.ShutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("connection manager: %w", err))
	}
	if shutdownErr != nil && code == exitOK {
		code = exitRuntime
	}
	return code, shutdownErr
}
