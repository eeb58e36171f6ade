package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/pliu/murmur/internal/middleware"
	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/store/sqlstore"
)

func newTestStore(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// asUser attaches an authenticated user id the way AuthMiddleware does.
func asUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
}

func seedUser(t *testing.T, st *sqlstore.SQLStore, id, phone, login string) {
	t.Helper()
	if err := st.UpsertUser(context.Background(), &models.User{ID: id, Phone: phone, Login: login, CreatedAt: 1}); err != nil {
		t.Fatalf("Failed to create user %s: %v", id, err)
	}
}

func seedMessage(t *testing.T, st *sqlstore.SQLStore, id, from, to string, createdAt int64) {
	t.Helper()
	m := &models.Message{ID: id, SenderID: from, RecipientID: to, CreatedAt: createdAt, ContentType: models.ContentText}
	if err := st.SaveMessage(context.Background(), m); err != nil {
		t.Fatalf("Failed to save message %s: %v", id, err)
	}
}
