package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/accounts"
	"github.com/pliu/murmur/internal/models"
)

// TokenIssuer signs a bearer token for a verified user.
type TokenIssuer interface {
	Issue(userID, phone string) (string, error)
}

type AuthHandler struct {
	Accounts *accounts.Service
	Codes    *accounts.Codes
	Tokens   TokenIssuer
	Log      *zap.Logger
}

type CodeRequest struct {
	Phone string `json:"phone"`
}

// SessionRequest signs in a phone. PreviousToken, when set, is a still-valid
// token of an earlier identity whose messages should follow this sign-in.
type SessionRequest struct {
	Phone         string `json:"phone"`
	Code          string `json:"code"`
	PreviousToken string `json:"previousToken,omitempty"`
}

type SessionResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		http.Error(w, "phone required", http.StatusBadRequest)
		return
	}

	if err := h.Codes.Request(r.Context(), req.Phone); err != nil {
		h.Log.Warn("issue verification code", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.Accounts.SignIn(r.Context(), req.Phone, req.Code, req.PreviousToken)
	if errors.Is(err, accounts.ErrVerificationFailed) {
		http.Error(w, "Invalid verification code", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.Log.Error("sign in", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	token, err := h.Tokens.Issue(user.ID, user.Phone)
	if err != nil {
		h.Log.Error("issue token", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Token: token, User: *user})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
