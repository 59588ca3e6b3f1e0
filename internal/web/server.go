package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/coordination"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/registry"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/nats-io/nats.go"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour // 30 days
)

// Deps are the components the API reads from. Store, Registry and Client
// are optional; the routes backed by them answer 503 when missing.
type Deps struct {
	Store    *store.Store
	Manager  *coordination.Manager
	Engine   *consensus.Engine
	Registry *registry.Registry
	Client   *natsbus.Client
	Events   *events.Emitter
}

type Server struct {
	store     *store.Store
	manager   *coordination.Manager
	engine    *consensus.Engine
	registry  *registry.Registry
	nats      *natsbus.Client
	events    *events.Emitter
	hub       *Hub
	cfg       config.WebConfig
	swarmID   string
	version   string
	startedAt time.Time
	password  *password

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token → expiry
}

func NewServer(swarmID string, deps Deps, cfg config.WebConfig, version string) (*Server, error) {
	pw, err := newPassword(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("derive web password: %w", err)
	}
	return &Server{
		store:     deps.Store,
		manager:   deps.Manager,
		engine:    deps.Engine,
		registry:  deps.Registry,
		nats:      deps.Client,
		events:    deps.Events,
		hub:       NewHub(),
		cfg:       cfg,
		swarmID:   swarmID,
		version:   version,
		startedAt: time.Now(),
		password:  pw,
		sessions:  make(map[string]time.Time),
	}, nil
}

// Handler returns the API mux wrapped in CORS and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints (public)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	unsubscribe, err := s.subscribeEvents()
	if err != nil {
		return err
	}
	defer unsubscribe()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.password != nil {
			// Public endpoints: login, auth check and liveness
			switch r.URL.Path {
			case "/api/login", "/api/auth/check", "/api/health":
				next.ServeHTTP(w, r)
				return
			}

			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// validSession reports whether the request carries a live session cookie,
// refreshing its expiry when it does.
func (s *Server) validSession(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return false
	}

	s.sessionMu.Lock()
	expiry, ok := s.sessions[cookie.Value]
	if ok && time.Now().Before(expiry) {
		s.sessions[cookie.Value] = time.Now().Add(sessionMaxAge)
		s.sessionMu.Unlock()
		s.setSessionCookie(w, cookie.Value)
		return true
	}
	if ok {
		delete(s.sessions, cookie.Value)
	}
	s.sessionMu.Unlock()
	return false
}

// checkAuth validates session cookie or Basic Auth. Returns true if authenticated.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.validSession(w, r) {
		return true
	}

	// Basic Auth for programmatic API access
	if _, pass, ok := r.BasicAuth(); ok && s.password.Match(pass) {
		return true
	}

	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	s.sessionMu.Unlock()

	return token, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.password == nil {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.password.Match(body.Password) {
		slog.Warn("web login failed", "remote", r.RemoteAddr)
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, token)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	// No auth configured, the client can skip login
	if s.password == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.validSession(w, r) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// subscribeEvents feeds the hub. Events come off NATS when a client is
// wired, so every host process publishing to the swarm shows up; otherwise
// straight from the in-process emitter.
func (s *Server) subscribeEvents() (func(), error) {
	if s.nats != nil {
		sub, err := s.nats.Subscribe(natsbus.TopicEventsSwarm(s.swarmID), func(msg *nats.Msg) {
			var event events.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				slog.Warn("invalid NATS event payload", "error", err)
				return
			}
			s.hub.Broadcast(event)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe events: %w", err)
		}
		return func() { _ = sub.Unsubscribe() }, nil
	}

	if s.events == nil {
		return func() {}, nil
	}
	ch, cancel := s.events.Subscribe(256)
	go func() {
		for ev := range ch {
			s.hub.Broadcast(ev)
		}
	}()
	return cancel, nil
}
