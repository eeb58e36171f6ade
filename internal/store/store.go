package store

import (
	"context"
	"errors"

	"github.com/pliu/murmur/internal/models"
)

var (
	// ErrNotFound also covers "exists but the caller may not touch it".
	ErrNotFound   = errors.New("not found")
	ErrLoginTaken = errors.New("login already taken")
)

type Store interface {
	// User operations
	UpsertUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	SearchUsers(ctx context.Context, prefix, excludeID string, limit int) ([]models.User, error)
	ClaimLogin(ctx context.Context, userID, login string) error
	SetKeys(ctx context.Context, userID, publicKey, encryptedSecretKey string) error
	SetStatus(ctx context.Context, userID, status string) error

	// Message operations
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetConversation(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error)
	GetChatSummaries(ctx context.Context, userID string, limit int) ([]models.ChatSummary, error)
	DeleteMessage(ctx context.Context, id, userID string) (*models.Message, error)
	DeleteConversation(ctx context.Context, userID, peerID string) (int64, error)
	MarkRead(ctx context.Context, readerID, peerID string, ids []string, at int64) ([]string, error)
	TogglePin(ctx context.Context, id, userID string) (*models.Message, error)
	ToggleReaction(ctx context.Context, id, userID, emoji string) (*models.Message, error)
	EditMessage(ctx context.Context, id, senderID string, body models.SealedBody, at int64) (*models.Message, error)
	MigrateOrphan(ctx context.Context, orphanID, newID string) (int64, error)

	Close() error
}
