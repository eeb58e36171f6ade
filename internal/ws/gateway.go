package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/envelope"
	"github.com/pliu/murmur/internal/protocol"
	"github.com/pliu/murmur/internal/ratelimit"
	"github.com/pliu/murmur/internal/relay"
	"github.com/pliu/murmur/internal/store"
)

const (
	defaultMaxFrameBytes = 64 * 1024
	defaultPeerSeedLimit = 50
	dispatchTimeout      = 10 * time.Second
)

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type GatewayConfig struct {
	Hub      *Hub
	Verifier TokenVerifier
	Limiter  *ratelimit.Limiter
	Messages *relay.Messages
	Signals  *relay.Signals
	Store    store.Store
	Log      *zap.Logger
	Metrics  *Metrics

	MaxFrameBytes int
	SendBuffer    int
	// PeerSeedLimit bounds how many recent peers are subscribed to on connect.
	PeerSeedLimit int
	CheckOrigin   func(r *http.Request) bool
}

// Gateway upgrades HTTP requests to sockets and runs one receive loop per
// connection.
type Gateway struct {
	hub      *Hub
	verifier TokenVerifier
	limiter  *ratelimit.Limiter
	messages *relay.Messages
	signals  *relay.Signals
	store    store.Store
	log      *zap.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	maxFrameBytes int64
	sendBuffer    int
	peerSeedLimit int
}

func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		hub:           cfg.Hub,
		verifier:      cfg.Verifier,
		limiter:       cfg.Limiter,
		messages:      cfg.Messages,
		signals:       cfg.Signals,
		store:         cfg.Store,
		log:           cfg.Log,
		metrics:       cfg.Metrics,
		maxFrameBytes: int64(cfg.MaxFrameBytes),
		sendBuffer:    cfg.SendBuffer,
		peerSeedLimit: cfg.PeerSeedLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	if g.maxFrameBytes <= 0 {
		g.maxFrameBytes = defaultMaxFrameBytes
	}
	if g.peerSeedLimit <= 0 {
		g.peerSeedLimit = defaultPeerSeedLimit
	}
	if g.upgrader.CheckOrigin == nil {
		g.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	userID, err := g.verifier.Verify(token)
	if err != nil || userID == "" {
		g.log.Debug("rejecting unauthenticated connection", zap.Error(err))
		g.metrics.recordClose("unauthorized")
		msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := newClient(conn, userID, g.sendBuffer, g.log)
	go client.writePump()

	g.seedSubscriptions(userID)
	g.hub.Bind(client)
	g.metrics.incConn()
	client.log.Info("connection bound")

	g.readLoop(client)

	g.hub.Unbind(client)
	client.close()
	g.metrics.decConn()
	client.log.Info("connection closed")
}

// bearerToken reads the token from the query string, where browsers can set
// it, or from an Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

// seedSubscriptions restores presence links to recent peers so presence works
// before the first message of this process lifetime.
func (g *Gateway) seedSubscriptions(userID string) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	chats, err := g.store.GetChatSummaries(ctx, userID, g.peerSeedLimit)
	if err != nil {
		g.log.Warn("load chat peers", zap.String("user_id", userID), zap.Error(err))
		return
	}
	for _, c := range chats {
		g.hub.Subscribe(userID, c.PeerID)
		g.hub.Subscribe(c.PeerID, userID)
	}
}

func (g *Gateway) readLoop(c *Client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		data, err := io.ReadAll(io.LimitReader(r, g.maxFrameBytes+1))
		if err != nil {
			return
		}
		oversized := int64(len(data)) > g.maxFrameBytes
		if oversized {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return
			}
		}

		if !g.limiter.Admit(c.userID) {
			g.metrics.recordDrop("rate_limited")
			g.sendError(c, protocol.CodeRateLimited, "too many frames")
			continue
		}
		switch {
		case msgType != websocket.TextMessage:
			g.metrics.recordDrop("binary")
			continue
		case oversized:
			g.metrics.recordDrop("oversized")
			continue
		}

		g.handleFrame(c, data)
	}
}

func (g *Gateway) handleFrame(c *Client, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			g.metrics.recordDrop("panic")
			c.log.Error("frame handler panic", zap.Any("panic", rec))
		}
	}()

	in, err := protocol.Decode(data)
	if err != nil {
		g.metrics.recordDrop("malformed")
		c.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	op := protocol.TypeOf(in)
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	err = g.dispatch(ctx, c, in)
	g.metrics.observe(op, start, err)
	switch {
	case err == nil:
	case errors.Is(err, envelope.ErrInvalid):
		g.metrics.recordDrop("malformed")
		c.log.Debug("dropping frame with invalid envelope", zap.String("type", op), zap.Error(err))
	default:
		c.log.Warn("frame failed", zap.String("type", op), zap.Error(err))
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, in protocol.Inbound) error {
	switch f := in.(type) {
	case *protocol.SendMessage:
		return g.messages.Send(ctx, c.userID, f)
	case *protocol.ReadReceipt:
		return g.messages.MarkRead(ctx, c.userID, f)
	case *protocol.DeleteMessage:
		return g.messages.Delete(ctx, c.userID, f)
	case *protocol.EditMessage:
		return g.messages.Edit(ctx, c.userID, f)
	case *protocol.PinMessage:
		return g.messages.Pin(ctx, c.userID, f)
	case *protocol.ReactMessage:
		return g.messages.React(ctx, c.userID, f)
	case *protocol.Typing:
		g.signals.Typing(c.userID, f)
	case *protocol.StatusUpdate:
		g.signals.Status(c.userID, f)
	case *protocol.CallSignal:
		g.signals.Call(c.userID, f)
	case protocol.Unknown:
		g.metrics.recordDrop("unknown_type")
		c.log.Debug("dropping unknown frame type", zap.String("type", f.Type))
	}
	return nil
}

func (g *Gateway) sendError(c *Client, code, msg string) {
	frame, err := protocol.Encode(protocol.TypeError, protocol.Error{Code: code, Message: msg})
	if err != nil {
		return
	}
	c.Send(frame)
}
