package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/protocol"
)

// Hub maps each identity to at most one live connection and fans presence
// changes out to the identities that have exchanged messages with it.
type Hub struct {
	// presenceMu orders binding changes together with the presence frames
	// they produce, so a stale offline notice cannot follow a newer online one.
	presenceMu sync.Mutex

	mu       sync.RWMutex
	clients  map[string]*Client
	lastSeen map[string]int64

	subMu       sync.RWMutex
	subscribers map[string]map[string]struct{}

	log     *zap.Logger
	metrics *Metrics
	nowFn   func() time.Time
}

func NewHub(log *zap.Logger, metrics *Metrics) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		lastSeen:    make(map[string]int64),
		subscribers: make(map[string]map[string]struct{}),
		log:         log,
		metrics:     metrics,
		nowFn:       time.Now,
	}
}

// Bind makes c the live connection for its identity. A previous connection
// for the same identity is closed with CloseSuperseded; subscribers see no
// presence change in that case.
func (h *Hub) Bind(c *Client) {
	h.presenceMu.Lock()
	h.mu.Lock()
	prev := h.clients[c.userID]
	h.clients[c.userID] = c
	h.mu.Unlock()
	if prev == nil || prev == c {
		h.notifyPresence(c.userID, true, 0)
	}
	h.presenceMu.Unlock()

	if prev != nil && prev != c {
		h.log.Info("connection superseded", zap.String("user_id", c.userID), zap.String("old_conn", prev.id), zap.String("new_conn", c.id))
		h.metrics.recordClose("superseded")
		prev.CloseWith(CloseSuperseded, "superseded by a newer connection")
	}
}

// Unbind removes c if it is still the live connection for its identity and
// reports whether it was.
func (h *Hub) Unbind(c *Client) bool {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	h.mu.Lock()
	if cur, ok := h.clients[c.userID]; !ok || cur != c {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c.userID)
	seen := h.nowFn().UnixMilli()
	h.lastSeen[c.userID] = seen
	h.mu.Unlock()

	h.notifyPresence(c.userID, false, seen)
	return true
}

func (h *Hub) Lookup(userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[userID]
	return c, ok
}

func (h *Hub) IsOnline(userID string) bool {
	_, ok := h.Lookup(userID)
	return ok
}

// LastSeen reports whether userID is online and, if not, when it was last
// disconnected. Zero means never seen since start.
func (h *Hub) LastSeen(userID string) (bool, int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[userID]; ok {
		return true, 0
	}
	return false, h.lastSeen[userID]
}

func (h *Hub) SendTo(userID string, frame []byte) bool {
	c, ok := h.Lookup(userID)
	if !ok {
		h.metrics.recordPush("offline")
		return false
	}
	if !c.Send(frame) {
		h.metrics.recordPush("dropped")
		return false
	}
	h.metrics.recordPush("queued")
	return true
}

// Subscribe registers observer for presence and status changes of subject.
func (h *Hub) Subscribe(observer, subject string) {
	if observer == subject {
		return
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	set, ok := h.subscribers[subject]
	if !ok {
		set = make(map[string]struct{})
		h.subscribers[subject] = set
	}
	set[observer] = struct{}{}
}

// Fanout queues frame for every live subscriber of subject.
func (h *Hub) Fanout(subject string, frame []byte) int {
	h.subMu.RLock()
	observers := make([]string, 0, len(h.subscribers[subject]))
	for id := range h.subscribers[subject] {
		observers = append(observers, id)
	}
	h.subMu.RUnlock()

	n := 0
	for _, id := range observers {
		if h.SendTo(id, frame) {
			n++
		}
	}
	return n
}

// notifyPresence tells subject's subscribers that it went online or offline.
// Callers hold presenceMu.
func (h *Hub) notifyPresence(subject string, online bool, lastSeen int64) {
	p := protocol.Presence{UserID: subject, Online: online, LastSeen: lastSeen}
	frame, err := protocol.Encode(protocol.TypePresence, p)
	if err != nil {
		h.log.Error("encode presence", zap.Error(err))
		return
	}
	h.Fanout(subject, frame)
}

// Count returns the number of bound identities.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client with a going-away close frame.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
}
