package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/envelope"
	"github.com/pliu/murmur/internal/middleware"
	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/protocol"
	"github.com/pliu/murmur/internal/store"
)

const (
	searchLimit    = 20
	minLoginLength = 3
	maxLoginLength = 32
	maxStatusBytes = 256
)

// Presence reports whether a user is connected and when they were last seen.
type Presence interface {
	LastSeen(userID string) (bool, int64)
}

// StatusNotifier pushes a status change to a user's live presence subscribers.
type StatusNotifier interface {
	Status(fromID string, u *protocol.StatusUpdate) int
}

type UserHandler struct {
	Store    store.Store
	Presence Presence
	Notifier StatusNotifier
	Log      *zap.Logger
}

type Profile struct {
	models.User
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen,omitempty"`
}

type LoginRequest struct {
	Login string `json:"login"`
}

type KeysRequest struct {
	PublicKey          string `json:"publicKey"`
	EncryptedSecretKey string `json:"encryptedSecretKey,omitempty"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

func (h *UserHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query, middleware.UserID(r.Context()), searchLimit)
	if err != nil {
		h.Log.Error("search users", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	user, err := h.Store.GetUserByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Log.Error("get user", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	p := Profile{User: user.Public()}
	if h.Presence != nil {
		p.Online, p.LastSeen = h.Presence.LastSeen(id)
	}
	writeJSON(w, http.StatusOK, p)
}

// GetMe returns the caller's own record, including fields hidden from others.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(r.Context(), middleware.UserID(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Log.Error("get me", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) ClaimLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !validLogin(req.Login) {
		http.Error(w, "invalid login", http.StatusBadRequest)
		return
	}

	err := h.Store.ClaimLogin(r.Context(), middleware.UserID(r.Context()), req.Login)
	switch {
	case errors.Is(err, store.ErrLoginTaken):
		http.Error(w, "Login already taken", http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
	case err != nil:
		h.Log.Error("claim login", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *UserHandler) SetKeys(w http.ResponseWriter, r *http.Request) {
	var req KeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := envelope.ValidatePublicKey(req.PublicKey); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.Store.SetKeys(r.Context(), middleware.UserID(r.Context()), req.PublicKey, req.EncryptedSecretKey)
	h.writeUpdate(w, "set keys", err)
}

func (h *UserHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Status) > maxStatusBytes {
		http.Error(w, "status too long", http.StatusBadRequest)
		return
	}

	userID := middleware.UserID(r.Context())
	if err := h.Store.SetStatus(r.Context(), userID, req.Status); err != nil {
		h.writeUpdate(w, "set status", err)
		return
	}
	if h.Notifier != nil {
		h.Notifier.Status(userID, &protocol.StatusUpdate{Status: req.Status})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) writeUpdate(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
	case err != nil:
		h.Log.Error(op, zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// validLogin accepts 3 to 32 lowercase letters, digits, dots and underscores.
func validLogin(login string) bool {
	if len(login) < minLoginLength || len(login) > maxLoginLength {
		return false
	}
	for _, c := range login {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
