package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/store"
)

func TestUpsertAndGetUser(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	createUser(t, "u1", "+15550001", "")

	user, err := testStore.GetUserByPhone(ctx, "+15550001")
	if err != nil {
		t.Fatalf("Failed to get user by phone: %v", err)
	}
	if user.ID != "u1" || user.Login != "" {
		t.Errorf("unexpected user: %+v", user)
	}

	// Same phone under another id violates uniqueness.
	err = testStore.UpsertUser(ctx, &models.User{ID: "u2", Phone: "+15550001", CreatedAt: 2})
	if err == nil {
		t.Error("Expected error when reusing a phone number, got nil")
	}

	_, err = testStore.GetUserByID(ctx, "nonexistent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	createUser(t, "alice", "+1", "alice")
	createUser(t, "alex", "+2", "alex")
	createUser(t, "bob", "+3", "bob")
	createUser(t, "al_x", "+4", "al_x")

	users, err := testStore.SearchUsers(context.Background(), "al", "alice", 10)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}
	for _, u := range users {
		if u.ID == "alice" {
			t.Error("search must exclude the caller")
		}
		if u.Phone != "" {
			t.Error("search results must not expose phone numbers")
		}
	}

	users, _ = testStore.SearchUsers(context.Background(), "al_", "", 10)
	if len(users) != 1 || users[0].ID != "al_x" {
		t.Errorf("underscore must match literally, got %+v", users)
	}
}

func TestClaimLogin(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	createUser(t, "u1", "+1", "")
	createUser(t, "u2", "+2", "")

	if err := testStore.ClaimLogin(ctx, "u1", "neo"); err != nil {
		t.Fatalf("ClaimLogin failed: %v", err)
	}
	// Reclaiming your own login is fine.
	if err := testStore.ClaimLogin(ctx, "u1", "neo"); err != nil {
		t.Fatalf("ClaimLogin by holder failed: %v", err)
	}
	if err := testStore.ClaimLogin(ctx, "u2", "neo"); !errors.Is(err, store.ErrLoginTaken) {
		t.Errorf("Expected ErrLoginTaken, got %v", err)
	}
	if err := testStore.ClaimLogin(ctx, "ghost", "trinity"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
	}

	user, _ := testStore.GetUserByLogin(ctx, "neo")
	if user == nil || user.ID != "u1" {
		t.Errorf("Expected neo to belong to u1, got %+v", user)
	}
}

func TestSetKeysAndStatus(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	createUser(t, "u1", "+1", "")
	if err := testStore.SetKeys(ctx, "u1", "pub", "wrapped"); err != nil {
		t.Fatalf("SetKeys failed: %v", err)
	}
	if err := testStore.SetStatus(ctx, "u1", "away"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	user, _ := testStore.GetUserByID(ctx, "u1")
	if user.PublicKey != "pub" || user.EncryptedSecretKey != "wrapped" || user.Status != "away" {
		t.Errorf("unexpected user after updates: %+v", user)
	}

	if err := testStore.SetStatus(ctx, "ghost", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
