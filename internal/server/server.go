package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pliu/murmur/internal/accounts"
	"github.com/pliu/murmur/internal/auth"
	"github.com/pliu/murmur/internal/config"
	"github.com/pliu/murmur/internal/email"
	"github.com/pliu/murmur/internal/handlers"
	"github.com/pliu/murmur/internal/middleware"
	"github.com/pliu/murmur/internal/ratelimit"
	"github.com/pliu/murmur/internal/relay"
	"github.com/pliu/murmur/internal/store"
	"github.com/pliu/murmur/internal/ws"
)

const readHeaderTimeout = 5 * time.Second

// Server wires the store, relays and gateway behind one HTTP listener.
type Server struct {
	cfg     config.Config
	log     *zap.Logger
	store   store.Store
	tokens  *auth.Tokens
	hub     *ws.Hub
	limiter *ratelimit.Limiter
	codes   *accounts.Codes
	router  *mux.Router
	reg     *prometheus.Registry

	httpServer *http.Server
	adminHTTP  *http.Server
	ready      atomic.Bool
}

func New(cfg config.Config, logger *zap.Logger, st store.Store, tokens *auth.Tokens) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := ws.NewMetrics(reg)

	s := &Server{
		cfg:     cfg,
		log:     logger,
		store:   st,
		tokens:  tokens,
		hub:     ws.NewHub(logger.Named("hub"), metrics),
		limiter: ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxFrames),
		codes:   accounts.NewCodes(codeSender(cfg, logger), cfg.Auth.CodeTTL, cfg.Auth.DevCode),
		reg:     reg,
	}

	messages := relay.NewMessages(st, s.hub, logger.Named("relay"), relay.Options{MaxReadBatch: cfg.Relay.MaxReadBatch})
	signals := relay.NewSignals(s.hub, logger.Named("signals"))
	gateway := ws.NewGateway(ws.GatewayConfig{
		Hub:           s.hub,
		Verifier:      tokens,
		Limiter:       s.limiter,
		Messages:      messages,
		Signals:       signals,
		Store:         st,
		Log:           logger.Named("gateway"),
		Metrics:       metrics,
		MaxFrameBytes: cfg.Gateway.MaxFrameBytes,
		SendBuffer:    cfg.Gateway.SendBuffer,
		PeerSeedLimit: cfg.Relay.ChatListLimit,
	})

	authHandler := &handlers.AuthHandler{
		Accounts: accounts.NewService(st, s.codes, tokens, logger.Named("accounts")),
		Codes:    s.codes,
		Tokens:   tokens,
		Log:      logger,
	}
	chatHandler := &handlers.ChatHandler{Store: st, ChatListLimit: cfg.Relay.ChatListLimit, Log: logger}
	userHandler := &handlers.UserHandler{Store: st, Presence: s.hub, Notifier: signals, Log: logger}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger.Named("http")))

	r.HandleFunc("/session/code", authHandler.RequestCode).Methods("POST")
	r.HandleFunc("/session", authHandler.Session).Methods("POST")
	r.Handle("/ws", gateway)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(tokens))
	api.HandleFunc("/messages/{peerId}", chatHandler.GetMessages).Methods("GET")
	api.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")
	api.HandleFunc("/chats/{peerId}", chatHandler.DeleteChat).Methods("DELETE")
	api.HandleFunc("/users/search", userHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/users/{id}", userHandler.GetUser).Methods("GET")
	api.HandleFunc("/me", userHandler.GetMe).Methods("GET")
	api.HandleFunc("/me/login", userHandler.ClaimLogin).Methods("PUT")
	api.HandleFunc("/me/keys", userHandler.SetKeys).Methods("PUT")
	api.HandleFunc("/me/status", userHandler.SetStatus).Methods("PUT")

	s.router = r
	return s
}

func codeSender(cfg config.Config, logger *zap.Logger) accounts.CodeSender {
	if cfg.SMS.SMTPHost == "" {
		return accounts.LogSender{Log: logger.Named("sms")}
	}
	sender := email.NewSender(cfg.SMS.SMTPHost, cfg.SMS.SMTPPort, cfg.SMS.Username, cfg.SMTPPassword(), cfg.SMS.From, cfg.SMS.AddressFormat)
	sender.CodeTTL = cfg.Auth.CodeTTL
	return sender
}

// Handler exposes the routed API, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down within the grace period.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddress, err)
	}

	s.limiter.StartSweeper(ctx, s.cfg.RateLimit.SweepInterval)
	s.codes.StartSweeper(ctx, s.cfg.Auth.CodeTTL)
	s.startAdminServer()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("http server listening", zap.String("address", s.cfg.HTTPAddress))
	s.ready.Store(true)
	err = s.httpServer.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	<-stopped
	return nil
}

func (s *Server) startAdminServer() {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.readyz)

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not_ready"))
}

// Shutdown stops accepting requests and closes every live socket.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server shutdown", zap.Error(err))
		}
	}
	// Hijacked sockets are invisible to http.Server.Shutdown.
	s.hub.Close()

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	s.log.Info("http server stopped")
}
