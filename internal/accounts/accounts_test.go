package accounts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pliu/murmur/internal/models"
	"github.com/pliu/murmur/internal/store/sqlstore"
)

// captureSender remembers the last code sent to each phone.
type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *captureSender) SendCode(_ context.Context, phone, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = map[string]string{}
	}
	s.codes[phone] = code
	return nil
}

func (s *captureSender) last(phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[phone]
}

func TestCodesRequestAndVerify(t *testing.T) {
	sender := &captureSender{}
	codes := NewCodes(sender, time.Minute, "")
	ctx := context.Background()

	if err := codes.Request(ctx, "+1555"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	code := sender.last("+1555")
	if len(code) != codeDigits {
		t.Fatalf("Expected %d-digit code, got %q", codeDigits, code)
	}

	if err := codes.Verify(ctx, "+1999", code); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("code must be bound to its phone, got %v", err)
	}
	if err := codes.Verify(ctx, "+1555", code); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if err := codes.Verify(ctx, "+1555", code); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("code must be single use, got %v", err)
	}
}

func TestCodesExpireAndLockOut(t *testing.T) {
	sender := &captureSender{}
	codes := NewCodes(sender, time.Minute, "")
	now := time.Unix(1_000, 0)
	codes.nowFn = func() time.Time { return now }
	ctx := context.Background()

	if err := codes.Request(ctx, "+1555"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := codes.Verify(ctx, "+1555", sender.last("+1555")); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expired code accepted: %v", err)
	}

	if err := codes.Request(ctx, "+1555"); err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	good := sender.last("+1555")
	wrong := "000000"
	if good == wrong {
		wrong = "111111"
	}
	for i := 0; i < maxAttempts; i++ {
		_ = codes.Verify(ctx, "+1555", wrong)
	}
	if err := codes.Verify(ctx, "+1555", good); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("code should be discarded after %d failures, got %v", maxAttempts, err)
	}
}

func TestCodesSweep(t *testing.T) {
	codes := NewCodes(&captureSender{}, time.Minute, "")
	now := time.Unix(1_000, 0)
	codes.nowFn = func() time.Time { return now }
	ctx := context.Background()

	_ = codes.Request(ctx, "+1")
	_ = codes.Request(ctx, "+2")
	if n := codes.Sweep(now.Add(30 * time.Second)); n != 0 {
		t.Errorf("nothing should expire yet, swept %d", n)
	}
	if n := codes.Sweep(now.Add(2 * time.Minute)); n != 2 {
		t.Errorf("Expected 2 swept, got %d", n)
	}
}

// tokenMap stands in for the token verifier: token -> identity.
type tokenMap map[string]string

func (m tokenMap) Verify(token string) (string, error) {
	if id, ok := m[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

func newTestService(t *testing.T) (*Service, *sqlstore.SQLStore) {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st, NewCodes(&captureSender{}, time.Minute, "424242"), tokenMap{"tok-ghost": "ghost"}, zaptest.NewLogger(t)), st
}

func TestSignInCreatesOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.SignIn(ctx, "+1555", "424242", "")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	second, err := svc.SignIn(ctx, "+1555", "424242", "")
	if err != nil {
		t.Fatalf("second SignIn failed: %v", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Errorf("Expected a stable id, got %q and %q", first.ID, second.ID)
	}

	if _, err := svc.SignIn(ctx, "+1555", "bad", ""); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("Expected ErrVerificationFailed, got %v", err)
	}
}

func TestSignInMigratesOrphan(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	friend, err := svc.SignIn(ctx, "+1000", "424242", "")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	for _, m := range []*models.Message{
		{ID: "m1", SenderID: "ghost", RecipientID: friend.ID, CreatedAt: 1, ContentType: models.ContentText},
		{ID: "m2", SenderID: friend.ID, RecipientID: "ghost", CreatedAt: 2, ContentType: models.ContentText},
	} {
		if err := st.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	user, err := svc.SignIn(ctx, "+1555", "424242", "tok-ghost")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	msgs, err := st.GetConversation(ctx, user.ID, friend.ID, 10, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 migrated messages, got %d", len(msgs))
	}
	if msgs[0].SenderID != user.ID || msgs[1].RecipientID != user.ID {
		t.Errorf("messages not rewritten: %+v", msgs)
	}
}

func TestSignInRequiresProofOfPreviousIdentity(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	friend, _ := svc.SignIn(ctx, "+1000", "424242", "")
	if err := st.SaveMessage(ctx, &models.Message{ID: "m1", SenderID: friend.ID, RecipientID: "ghost", CreatedAt: 1, ContentType: models.ContentText}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	// A bare id or a forged token proves nothing.
	for _, previous := range []string{"ghost", "tok-forged"} {
		if _, err := svc.SignIn(ctx, "+1555", "424242", previous); err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}
	}
	msg, err := st.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.RecipientID != "ghost" {
		t.Errorf("messages moved without proof, recipient is now %q", msg.RecipientID)
	}
}

func TestSignInLeavesLiveAccountAlone(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	other, _ := svc.SignIn(ctx, "+1000", "424242", "")
	peer, _ := svc.SignIn(ctx, "+2000", "424242", "")
	if err := st.SaveMessage(ctx, &models.Message{ID: "m1", SenderID: other.ID, RecipientID: peer.ID, CreatedAt: 1, ContentType: models.ContentText}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	svc.previous = tokenMap{"tok-other": other.ID}
	if _, err := svc.SignIn(ctx, "+1555", "424242", "tok-other"); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	msg, err := st.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.SenderID != other.ID {
		t.Errorf("a live account's messages must not move, sender is now %q", msg.SenderID)
	}
}
