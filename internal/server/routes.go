package server

import (
	"net/http"

	"github.com/Tyrowin/gochat-relay/internal/logger"
	"github.com/go-chi/chi/v5"
)

// SetupRoutes mounts every endpoint on a chi router wrapped in the request logger.
func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger)

	r.Get("/", h.Health)
	r.Get("/ws", h.WebSocket)
	r.Get("/test", h.TestPage)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})
	r.Get("/protected", h.Protected)
	r.Get("/messages/{peerId}", h.History)
	r.Get("/presence/{userId}", h.Presence)

	return r
}
