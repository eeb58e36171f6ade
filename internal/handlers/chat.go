package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/middleware"
	"github.com/pliu/murmur/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type ChatHandler struct {
	Store         store.Store
	ChatListLimit int
	Log           *zap.Logger
}

// GetMessages returns one page of the conversation with peerId, oldest first.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	peerID := mux.Vars(r)["peerId"]

	limit, ok := queryInt(r, "limit", defaultPageSize)
	if !ok || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	messages, err := h.Store.GetConversation(r.Context(), userID, peerID, limit, offset)
	if err != nil {
		h.Log.Error("get conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	chats, err := h.Store.GetChatSummaries(r.Context(), userID, h.ChatListLimit)
	if err != nil {
		h.Log.Error("get chats", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// DeleteChat removes the whole conversation with peerId for both parties.
func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	peerID := mux.Vars(r)["peerId"]

	n, err := h.Store.DeleteConversation(r.Context(), userID, peerID)
	if err != nil {
		h.Log.Error("delete conversation", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
