package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/logger"
	"go.uber.org/zap"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer blocks serving until the server is shut down. A clean shutdown
// returns nil.
func StartServer(server *http.Server) error {
	logger.Log.Info("server listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	logger.Log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	logger.Log.Info("HTTP server shutdown completed")
	return nil
}
