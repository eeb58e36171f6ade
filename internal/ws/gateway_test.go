package ws

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"

	"github.com/pliu/murmur/internal/protocol"
	"github.com/pliu/murmur/internal/ratelimit"
	"github.com/pliu/murmur/internal/relay"
	"github.com/pliu/murmur/internal/store/sqlstore"
)

type staticVerifier map[string]string

func (v staticVerifier) Verify(token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

type testEnv struct {
	hub    *Hub
	store  *sqlstore.SQLStore
	server *httptest.Server
}

func newTestEnv(t *testing.T, maxFrames int) *testEnv {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	log := zap.NewNop()
	hub := NewHub(log, nil)
	gw := NewGateway(GatewayConfig{
		Hub:      hub,
		Verifier: staticVerifier{"tok-alice": "alice", "tok-bob": "bob"},
		Limiter:  ratelimit.New(time.Minute, maxFrames),
		Messages: relay.NewMessages(st, hub, log, relay.Options{}),
		Signals:  relay.NewSignals(hub, log),
		Store:    st,
		Log:      log,
	})
	server := httptest.NewServer(gw)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		st.Close()
	})
	return &testEnv{hub: hub, store: st, server: server}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and waits until the hub has bound userID.
func (e *testEnv) connect(t *testing.T, token, userID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, token)
	deadline := time.Now().Add(2 * time.Second)
	for !e.hub.IsOnline(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// expect reads frames until one of type want arrives, skipping others.
func expect(t *testing.T, conn *websocket.Conn, want string) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if f.Type == want {
			return f
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	raw, err := protocol.Encode(frameType, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sealedSend(t *testing.T, id, to string) protocol.SendMessage {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		t.Fatalf("nonce: %v", err)
	}
	enc := base64.StdEncoding.EncodeToString
	ct := enc(box.Seal(nil, []byte("hello"), &n, pub, priv))
	return protocol.SendMessage{
		ID:              id,
		To:              to,
		CreatedAt:       time.Now().UnixMilli(),
		Nonce:           enc(n[:]),
		Ciphertext:      ct,
		SenderPublicKey: enc(pub[:]),
		SelfNonce:       enc(n[:]),
		SelfCiphertext:  ct,
	}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, 100)
	conn := env.dial(t, "nope")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseUnauthorized) {
		t.Fatalf("expected close %d, got %v", CloseUnauthorized, err)
	}
	if env.hub.Count() != 0 {
		t.Errorf("rejected connection must not be bound")
	}
}

func TestGatewaySendDeliverRead(t *testing.T) {
	env := newTestEnv(t, 100)
	alice := env.connect(t, "tok-alice", "alice")
	bob := env.connect(t, "tok-bob", "bob")

	write(t, alice, protocol.TypeMessageSend, sealedSend(t, "m1", "bob"))

	f := expect(t, bob, protocol.TypeMessageReceive)
	var received protocol.ReceivedMessage
	if err := json.Unmarshal(f.Payload, &received); err != nil {
		t.Fatalf("decode receive: %v", err)
	}
	if received.ID != "m1" || received.From != "alice" {
		t.Errorf("unexpected receive %+v", received)
	}
	expect(t, alice, protocol.TypeMessageDelivered)

	write(t, bob, protocol.TypeMessageRead, protocol.ReadReceipt{PeerID: "alice", IDs: []string{"m1"}})
	f = expect(t, alice, protocol.TypeMessageRead)
	var notice protocol.ReadNotice
	if err := json.Unmarshal(f.Payload, &notice); err != nil {
		t.Fatalf("decode read: %v", err)
	}
	if notice.By != "bob" || len(notice.IDs) != 1 || notice.IDs[0] != "m1" {
		t.Errorf("unexpected read notice %+v", notice)
	}
}

func TestGatewayOfflineRecipientThenPresence(t *testing.T) {
	env := newTestEnv(t, 100)
	alice := env.connect(t, "tok-alice", "alice")

	write(t, alice, protocol.TypeMessageSend, sealedSend(t, "m1", "bob"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := env.store.GetMessage(context.Background(), "m1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.connect(t, "tok-bob", "bob")
	f := expect(t, alice, protocol.TypePresence)
	var p protocol.Presence
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if p.UserID != "bob" || !p.Online {
		t.Errorf("expected bob online, got %+v", p)
	}

	msg, err := env.store.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.DeliveredAt != nil {
		t.Errorf("message sent while bob was offline must stay undelivered")
	}
}

func TestGatewaySupersedesOldConnection(t *testing.T) {
	env := newTestEnv(t, 100)
	bob := env.connect(t, "tok-bob", "bob")
	first := env.connect(t, "tok-alice", "alice")

	// Exchanging a message makes bob a presence subscriber of alice.
	write(t, first, protocol.TypeMessageSend, sealedSend(t, "m1", "bob"))
	expect(t, bob, protocol.TypeMessageReceive)

	second := env.dial(t, "tok-alice")

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, CloseSuperseded) {
			t.Fatalf("expected close %d, got %v", CloseSuperseded, err)
		}
		break
	}

	write(t, second, protocol.TypeTyping, protocol.Typing{To: "bob", IsTyping: true})
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := bob.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == protocol.TypePresence {
			var p protocol.Presence
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				t.Fatalf("decode presence: %v", err)
			}
			if p.UserID == "alice" && !p.Online {
				t.Fatalf("alice flickered offline during supersede: %+v", p)
			}
			continue
		}
		if f.Type != protocol.TypeTyping {
			continue
		}
		var notice protocol.TypingNotice
		if err := json.Unmarshal(f.Payload, &notice); err != nil {
			t.Fatalf("decode typing: %v", err)
		}
		if notice.From != "alice" || !notice.IsTyping {
			t.Errorf("unexpected typing notice %+v", notice)
		}
		break
	}
	if !env.hub.IsOnline("alice") {
		t.Error("alice should still be online through the newer connection")
	}
}

func TestGatewaySurvivesStoreFailure(t *testing.T) {
	env := newTestEnv(t, 100)
	alice := env.connect(t, "tok-alice", "alice")
	bob := env.connect(t, "tok-bob", "bob")

	env.store.Close()
	write(t, alice, protocol.TypeMessageSend, sealedSend(t, "m1", "bob"))
	write(t, alice, protocol.TypeTyping, protocol.Typing{To: "bob", IsTyping: true})

	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := bob.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == protocol.TypeMessageReceive {
			t.Fatal("a message that failed to persist must not be forwarded")
		}
		if f.Type == protocol.TypeTyping {
			break
		}
	}

	write(t, bob, protocol.TypeTyping, protocol.Typing{To: "alice", IsTyping: true})
	expect(t, alice, protocol.TypeTyping)
	if !env.hub.IsOnline("alice") || !env.hub.IsOnline("bob") {
		t.Error("a store failure must not disconnect anyone")
	}
}

func TestGatewayRateLimit(t *testing.T) {
	env := newTestEnv(t, 2)
	alice := env.connect(t, "tok-alice", "alice")
	bob := env.connect(t, "tok-bob", "bob")

	for i := 0; i < 3; i++ {
		write(t, alice, protocol.TypeTyping, protocol.Typing{To: "bob", IsTyping: true})
	}
	f := expect(t, alice, protocol.TypeError)
	var e protocol.Error
	if err := json.Unmarshal(f.Payload, &e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if e.Code != protocol.CodeRateLimited {
		t.Errorf("expected %s, got %+v", protocol.CodeRateLimited, e)
	}

	expect(t, bob, protocol.TypeTyping)
	if !env.hub.IsOnline("alice") {
		t.Error("rate limiting must not disconnect")
	}
}

func TestGatewaySurvivesMalformedFrames(t *testing.T) {
	env := newTestEnv(t, 100)
	alice := env.connect(t, "tok-alice", "alice")
	bob := env.connect(t, "tok-bob", "bob")

	for _, junk := range []string{
		`not json`,
		`{"payload":{}}`,
		`{"type":"message.send","payload":{"to":"bob"}}`,
		`{"type":"no.such.type","payload":{}}`,
		`{"type":"typing","payload":{"to":"bob","isTyping":true,"pad":"` + strings.Repeat("x", 70*1024) + `"}}`,
	} {
		if err := alice.WriteMessage(websocket.TextMessage, []byte(junk)); err != nil {
			t.Fatalf("write junk: %v", err)
		}
	}
	bad := sealedSend(t, "m-bad", "bob")
	bad.Nonce = base64.StdEncoding.EncodeToString([]byte("short"))
	write(t, alice, protocol.TypeMessageSend, bad)

	write(t, alice, protocol.TypeTyping, protocol.Typing{To: "bob", IsTyping: false})
	f := expect(t, bob, protocol.TypeTyping)
	var notice protocol.TypingNotice
	if err := json.Unmarshal(f.Payload, &notice); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if notice.IsTyping {
		t.Error("the oversized typing frame should have been dropped")
	}
	if _, err := env.store.GetMessage(context.Background(), "m-bad"); err == nil {
		t.Error("message with an invalid envelope must not be stored")
	}
}

func TestGatewayUnauthorizedDeleteIsSilent(t *testing.T) {
	env := newTestEnv(t, 100)
	alice := env.connect(t, "tok-alice", "alice")
	bob := env.connect(t, "tok-bob", "bob")

	write(t, alice, protocol.TypeMessageSend, sealedSend(t, "m1", "bob"))
	expect(t, bob, protocol.TypeMessageReceive)

	write(t, bob, protocol.TypeMessageDelete, protocol.DeleteMessage{ID: "m1"})
	write(t, bob, protocol.TypeMessagePin, protocol.PinMessage{ID: "m1"})

	// Frames from one connection are handled in order, so the pin echo
	// arrives after any delete broadcast would have.
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := bob.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == protocol.TypeMessageDeleted {
			t.Fatal("bob must not be able to delete alice's message")
		}
		if f.Type == protocol.TypeMessagePinned {
			break
		}
	}
	if _, err := env.store.GetMessage(context.Background(), "m1"); err != nil {
		t.Errorf("message should survive: %v", err)
	}
}

func TestHubPresenceOnDisconnect(t *testing.T) {
	env := newTestEnv(t, 100)
	alice := env.connect(t, "tok-alice", "alice")
	bob := env.connect(t, "tok-bob", "bob")

	write(t, alice, protocol.TypeMessageSend, sealedSend(t, "m1", "bob"))
	expect(t, bob, protocol.TypeMessageReceive)

	alice.Close()
	f := expect(t, bob, protocol.TypePresence)
	var p protocol.Presence
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if p.UserID != "alice" || p.Online || p.LastSeen == 0 {
		t.Errorf("expected alice offline with lastSeen, got %+v", p)
	}
	if online, seen := env.hub.LastSeen("alice"); online || seen == 0 {
		t.Errorf("LastSeen: online=%v seen=%d", online, seen)
	}
}
