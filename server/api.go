package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"hashpass/config"
	"hashpass/logger"
	"hashpass/metrics"
)

// Server wires the HTTP surface to the engine, hub, and stores.
type Server struct {
	engine    *Engine
	hub       *Hub
	sessions  *SessionStore
	blacklist *Blacklist
	turnstile *TurnstileVerifier
	audit     *AuditLog

	adminToken string
	adminGuard *adminGuard
	staticDir  string

	httpServer *http.Server
}

func NewServer(cfg *config.Config, engine *Engine, hub *Hub, sessions *SessionStore,
	blacklist *Blacklist, turnstile *TurnstileVerifier, audit *AuditLog) *Server {

	s := &Server{
		engine:     engine,
		hub:        hub,
		sessions:   sessions,
		blacklist:  blacklist,
		turnstile:  turnstile,
		audit:      audit,
		adminToken: cfg.AdminToken,
		adminGuard: newAdminGuard(),
		staticDir:  cfg.Files.StaticDir,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/puzzle", s.withSession(s.handlePuzzle))
	mux.HandleFunc("POST /api/verify", s.withSession(s.handleVerify))
	mux.HandleFunc("GET /api/turnstile/config", s.handleTurnstileConfig)
	mux.HandleFunc("GET /api/dev/trace", s.handleDevTrace)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	s.registerAdminRoutes(mux)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
	mux.HandleFunc("GET /", s.handleIndex)

	handler := s.securityHeaders(s.userAgentFilter(mux))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	return s
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// clientIP prefers the CDN-provided header and falls back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// securityHeaders applies a strict CSP and the usual hardening headers
// to every response.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self' 'wasm-unsafe-eval' https://challenges.cloudflare.com; "+
				"frame-src https://challenges.cloudflare.com; connect-src 'self' wss:; "+
				"style-src 'self' 'unsafe-inline'; img-src 'self' data:")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

// userAgentFilter hides the API from non-browser clients: everything
// under /api/ except health and the admin plane returns 404 for
// automation user agents.
func (s *Server) userAgentFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") &&
			r.URL.Path != "/api/health" &&
			!strings.HasPrefix(r.URL.Path, "/api/admin") {
			if !allowedUserAgent(r.Header.Get("User-Agent")) {
				http.NotFound(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withSession enforces the bearer session token and its IP binding.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "Authorization required")
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Malformed authorization header")
			return
		}
		ip := clientIP(r)
		if s.blacklist.Contains(ip) {
			writeError(w, http.StatusForbidden, "Access denied")
			return
		}
		if !s.sessions.Validate(token, ip) {
			writeError(w, http.StatusUnauthorized, "Invalid or expired session")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	seed := s.engine.Seed()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":              "ok",
		"current_seed_prefix": seed[:8],
	})
}

func (s *Server) handlePuzzle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Puzzle())
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var sub Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed submission")
		return
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inviteCode, err := s.engine.Submit(r.Context(), sub, clientIP(r))
	if err != nil {
		var se *SubmitError
		if errors.As(err, &se) {
			writeError(w, se.Status, se.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "Verification failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"invite_code": inviteCode})
}

func (s *Server) handleTurnstileConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"siteKey":  s.turnstile.SiteKey(),
		"testMode": s.turnstile.TestMode(),
	})
}

// handleDevTrace returns the trace blob the front end embeds in
// submissions, in the same shape a CDN worker would produce.
func (s *Server) handleDevTrace(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ip=%s\nts=%d\nvisit_scheme=https\nuag=%s\n",
		clientIP(r), time.Now().Unix(), r.Header.Get("User-Agent"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
}

// maxNonceSpeed mirrors the engine's current setting for the hub's
// overspeed routing.
func (s *Server) maxNonceSpeed() float64 {
	return s.engine.MaxNonceSpeed()
}
