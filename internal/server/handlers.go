package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/presence"
	"github.com/Tyrowin/gochat-relay/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// HistoryReader returns a conversation in timestamp order.
type HistoryReader interface {
	Range(ctx context.Context, a, b chat.UserID) ([]chat.StoredMessage, error)
}

// PresenceReader exposes the live handles of a user.
type PresenceReader interface {
	Lookup(userID chat.UserID) []presence.Handle
}

// Handlers serves the HTTP side of the relay.
type Handlers struct {
	manager  *Manager
	auth     *auth.Service
	history  HistoryReader
	presence PresenceReader
	upgrader websocket.Upgrader
	log      *zap.Logger
}

type messageResponse struct {
	Message string `json:"message"`
}

type registerResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type loginResponse struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

type protectedResponse struct {
	Message string       `json:"message"`
	User    userResponse `json:"user"`
}

type userResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type presenceResponse struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

func NewHandlers(manager *Manager, authService *auth.Service, history HistoryReader,
	presenceReader PresenceReader, origins []string, log *zap.Logger) *Handlers {
	policy := newOriginPolicy(origins, log.Named("origin"))
	return &Handlers{
		manager:  manager,
		auth:     authService,
		history:  history,
		presence: presenceReader,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		log: log.Named("http"),
	}
}

// WebSocket upgrades the request and hands the socket to the manager.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	if _, err := h.manager.Accept(conn, r.RemoteAddr); err != nil {
		h.log.Info("connection refused", zap.Error(err))
	}
}

// Health responds with a plain text message indicating the server is running.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "GoChat relay is running!")
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
		return
	}

	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Message: "User registered successfully",
		UserID:  user.ID.String(),
	})
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
		return
	}

	token, err := h.auth.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Message: "Login successful", Token: token})
}

// Protected echoes the caller's claims. A missing token is 401, a bad one 400.
func (h *Handlers) Protected(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) == "" {
		writeJSON(w, http.StatusUnauthorized, messageResponse{Message: "No token provided"})
		return
	}

	claims, err := h.auth.Claims(header)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid token"})
		return
	}

	writeJSON(w, http.StatusOK, protectedResponse{
		Message: "Protected data",
		User:    userResponse{UserID: claims.UserID.String(), Username: claims.Username},
	})
}

// History returns the caller's conversation with peerId, oldest first.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Identify(r.Header.Get("Authorization"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	peerID := chat.UserID(chi.URLParam(r, "peerId"))
	if peerID.Empty() {
		h.writeError(w, chat.ErrInvalidRequest)
		return
	}

	messages, err := h.history.Range(r.Context(), userID, peerID)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", chat.ErrPersistence, err))
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(messages, func(m chat.StoredMessage, _ int) MessagePayload {
		return NewMessagePayload(m)
	}))
}

func (h *Handlers) Presence(w http.ResponseWriter, r *http.Request) {
	userID := chat.UserID(chi.URLParam(r, "userId"))
	handles := h.presence.Lookup(userID)

	writeJSON(w, http.StatusOK, presenceResponse{
		UserID:      userID.String(),
		Online:      len(handles) > 0,
		Connections: len(handles),
	})
}

// writeError maps domain errors to a status and a client-facing message.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status, message := http.StatusInternalServerError, "Server error"

	switch {
	case errors.Is(err, storage.ErrUserAlreadyExists):
		status, message = http.StatusBadRequest, "Email already exists"
	case errors.Is(err, auth.ErrInvalidCredentials):
		status, message = http.StatusBadRequest, "Invalid email or password"
	case errors.Is(err, auth.ErrInvalidRegistration):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrInvalidRequest):
		status, message = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, auth.ErrUnauthorized):
		status, message = http.StatusUnauthorized, "Unauthorized"
	}

	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, messageResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
