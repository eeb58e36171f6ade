// Package accounts turns a verified phone number into a stable identity.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/store"
)

// IdentityVerifier resolves a bearer token to the identity it was issued for.
type IdentityVerifier interface {
	Verify(token string) (string, error)
}

type Service struct {
	store    store.Store
	verifier PhoneVerifier
	previous IdentityVerifier
	log      *zap.Logger
	nowFn    func() time.Time
}

// NewService builds the sign-in service. previous may be nil, in which case
// orphaned identities are never adopted at sign-in.
func NewService(st store.Store, verifier PhoneVerifier, previous IdentityVerifier, log *zap.Logger) *Service {
	return &Service{store: st, verifier: verifier, previous: previous, log: log, nowFn: time.Now}
}

// SignIn verifies phone and returns its user, creating one on first sight.
// previousToken is a still-valid token of an earlier identity; when that
// identity no longer has a user record, its messages move to the returned user.
func (s *Service) SignIn(ctx context.Context, phone, code, previousToken string) (*models.User, error) {
	if phone == "" {
		return nil, ErrVerificationFailed
	}
	if err := s.verifier.Verify(ctx, phone, code); err != nil {
		return nil, err
	}

	user, err := s.ensureUser(ctx, phone)
	if err != nil {
		return nil, err
	}

	if previousID := s.previousIdentity(previousToken); previousID != "" && previousID != user.ID {
		if err := s.adoptOrphan(ctx, previousID, user.ID); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// previousIdentity returns the identity token proves, or "" when it proves none.
func (s *Service) previousIdentity(token string) string {
	if token == "" || s.previous == nil {
		return ""
	}
	id, err := s.previous.Verify(token)
	if err != nil {
		s.log.Debug("ignoring unverifiable previous token", zap.Error(err))
		return ""
	}
	return id
}

func (s *Service) ensureUser(ctx context.Context, phone string) (*models.User, error) {
	user, err := s.store.GetUserByPhone(ctx, phone)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup phone: %w", err)
	}

	user = &models.User{
		ID:        uuid.NewString(),
		Phone:     phone,
		CreatedAt: s.nowFn().UnixMilli(),
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		// Lost a race with a concurrent sign-in for the same phone.
		if existing, lookupErr := s.store.GetUserByPhone(ctx, phone); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user created", zap.String("user_id", user.ID))
	return user, nil
}

func (s *Service) adoptOrphan(ctx context.Context, orphanID, userID string) error {
	_, err := s.store.GetUserByID(ctx, orphanID)
	if err == nil {
		// Still a live account; its history is not ours to take.
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup previous identity: %w", err)
	}
	moved, err := s.MigrateOrphan(ctx, orphanID, userID)
	if err != nil {
		return err
	}
	if moved > 0 {
		s.log.Info("migrated orphaned identity", zap.String("from", orphanID), zap.String("to", userID), zap.Int64("messages", moved))
	}
	return nil
}

// MigrateOrphan rewrites every message referencing orphanID to userID.
func (s *Service) MigrateOrphan(ctx context.Context, orphanID, userID string) (int64, error) {
	if orphanID == "" || userID == "" || orphanID == userID {
		return 0, fmt.Errorf("invalid migration %q -> %q", orphanID, userID)
	}
	moved, err := s.store.MigrateOrphan(ctx, orphanID, userID)
	if err != nil {
		return 0, fmt.Errorf("migrate orphan: %w", err)
	}
	return moved, nil
}
