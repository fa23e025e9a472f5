package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"hashpass/config"
	"hashpass/logger"
	"hashpass/pow"
)

const (
	// adminFailureThreshold failed auths from one IP trigger a lockout.
	adminFailureThreshold = 10

	// adminLockoutBase is the first lockout duration; it doubles with
	// every further failure past the threshold, capped at one hour.
	adminLockoutBase = 5 * time.Minute
	adminLockoutMax  = time.Hour

	// adminStatusInterval is the admin WebSocket push period.
	adminStatusInterval = 2 * time.Second
)

type adminFailState struct {
	limiter     *rate.Limiter
	failures    int
	lockedUntil time.Time
}

// adminGuard throttles admin authentication per client IP: a token
// bucket smooths bursts, and repeated failures escalate into an
// exponential lockout.
type adminGuard struct {
	mu   sync.Mutex
	byIP map[string]*adminFailState
}

func newAdminGuard() *adminGuard {
	return &adminGuard{byIP: make(map[string]*adminFailState)}
}

func (g *adminGuard) state(ip string) *adminFailState {
	st, ok := g.byIP[ip]
	if !ok {
		// 1 attempt/sec sustained, small burst for dashboards.
		st = &adminFailState{limiter: rate.NewLimiter(rate.Limit(1), 10)}
		g.byIP[ip] = st
	}
	return st
}

// allow reports whether the IP may attempt admin auth right now.
func (g *adminGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(ip)
	if time.Now().Before(st.lockedUntil) {
		return false
	}
	return st.limiter.Allow()
}

// fail records a failed auth; past the threshold the IP is locked out
// with doubling duration.
func (g *adminGuard) fail(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(ip)
	st.failures++
	if st.failures >= adminFailureThreshold {
		lockout := adminLockoutBase << (st.failures - adminFailureThreshold)
		if lockout > adminLockoutMax || lockout <= 0 {
			lockout = adminLockoutMax
		}
		st.lockedUntil = time.Now().Add(lockout)
		logger.Warn("admin auth lockout", "ip", ip, "failures", st.failures, "duration", lockout)
	}
}

// success clears the failure counter.
func (g *adminGuard) success(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(ip)
	st.failures = 0
	st.lockedUntil = time.Time{}
}

// adminAuthorized checks the presented token in constant time.
func (s *Server) adminAuthorized(token string) bool {
	if s.adminToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

// withAdmin enforces the shared admin bearer token with brute-force
// lockout. The token may also arrive as a query parameter, which the
// admin WebSocket requires.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.adminGuard.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "Too many failed attempts")
			return
		}
		if s.adminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "Admin token not configured")
			return
		}

		token := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
		if !s.adminAuthorized(token) {
			s.adminGuard.fail(ip)
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		s.adminGuard.success(ip)
		next(w, r)
	}
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/status", s.withAdmin(s.handleAdminStatus))
	mux.HandleFunc("GET /api/admin/miners", s.withAdmin(s.handleAdminMiners))
	mux.HandleFunc("GET /api/admin/sessions", s.withAdmin(s.handleAdminSessions))
	mux.HandleFunc("GET /api/admin/blacklist", s.withAdmin(s.handleAdminBlacklist))
	mux.HandleFunc("GET /api/admin/logs", s.withAdmin(s.handleAdminLogs))
	mux.HandleFunc("GET /api/admin/logs/stats", s.withAdmin(s.handleAdminLogStats))
	mux.HandleFunc("POST /api/admin/difficulty", s.withAdmin(s.handleAdminDifficulty))
	mux.HandleFunc("POST /api/admin/timing", s.withAdmin(s.handleAdminTiming))
	mux.HandleFunc("POST /api/admin/argon2", s.withAdmin(s.handleAdminArgon2))
	mux.HandleFunc("POST /api/admin/workers", s.withAdmin(s.handleAdminWorkers))
	mux.HandleFunc("POST /api/admin/secret", s.withAdmin(s.handleAdminSecret))
	mux.HandleFunc("POST /api/admin/ban", s.withAdmin(s.handleAdminBan))
	mux.HandleFunc("POST /api/admin/unban", s.withAdmin(s.handleAdminUnban))
	mux.HandleFunc("POST /api/admin/kick", s.withAdmin(s.handleAdminKick))
	mux.HandleFunc("POST /api/admin/kick-all", s.withAdmin(s.handleAdminKickAll))
	mux.HandleFunc("POST /api/admin/reset", s.withAdmin(s.handleAdminReset))
	mux.HandleFunc("POST /api/admin/clear-sessions", s.withAdmin(s.handleAdminClearSessions))
	mux.HandleFunc("GET /api/admin/ws", s.withAdmin(s.handleAdminWebSocket))
}

// adminStatus is the full dashboard snapshot.
type adminStatus struct {
	Engine           EngineStatus `json:"engine"`
	ConnectedClients int          `json:"connected_clients"`
	Sessions         int          `json:"sessions"`
	BlacklistSize    int          `json:"blacklist_size"`
	AuditRecords     int          `json:"audit_records"`
	HashrateHistory  []chartPoint `json:"hashrate_history"`
}

func (s *Server) statusSnapshot() adminStatus {
	return adminStatus{
		Engine:           s.engine.Status(),
		ConnectedClients: s.hub.Count(),
		Sessions:         s.sessions.Count(),
		BlacklistSize:    len(s.blacklist.List()),
		AuditRecords:     s.audit.Count(),
		HashrateHistory:  s.hub.HashrateHistory(),
	}
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleAdminMiners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"miners": s.hub.MinerStats()})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Snapshot()})
}

func (s *Server) handleAdminBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"blacklist": s.blacklist.List()})
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	records, total, qerr := s.audit.Query(q.Get("file"), q.Get("search"), offset, limit)
	if qerr != nil {
		writeError(w, http.StatusBadRequest, qerr.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
		"files":   s.audit.Files(),
	})
}

func (s *Server) handleAdminLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.Stats())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body")
		return false
	}
	return true
}

func (s *Server) handleAdminDifficulty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Difficulty    *int `json:"difficulty"`
		MinDifficulty *int `json:"min_difficulty"`
		MaxDifficulty *int `json:"max_difficulty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	min, max := s.engine.DifficultyRange()
	if req.MinDifficulty != nil || req.MaxDifficulty != nil {
		if req.MinDifficulty == nil || req.MaxDifficulty == nil {
			writeError(w, http.StatusBadRequest, "min_difficulty and max_difficulty must be set together")
			return
		}
		min, max = *req.MinDifficulty, *req.MaxDifficulty
		if min < 1 || min > 32 || max < 1 || max > 32 || min > max {
			writeError(w, http.StatusBadRequest, "difficulty range must satisfy 1 <= min <= max <= 32")
			return
		}
	}
	// The requested difficulty is checked against the range from the
	// same request, so nothing applies unless both are consistent.
	if req.Difficulty != nil && (*req.Difficulty < min || *req.Difficulty > max) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("difficulty must be %d-%d", min, max))
		return
	}
	if req.MinDifficulty != nil {
		s.engine.SetDifficultyRange(min, max)
	}
	if req.Difficulty != nil {
		s.engine.SetDifficulty(*req.Difficulty)
	}
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleAdminTiming(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetTime    *float64 `json:"target_time"`
		TargetTimeout *float64 `json:"target_timeout"`
		MaxNonceSpeed *float64 `json:"max_nonce_speed"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TargetTime != nil {
		if *req.TargetTime <= 0 {
			writeError(w, http.StatusBadRequest, "target_time must be positive")
			return
		}
		s.engine.SetTargetTime(*req.TargetTime)
	}
	if req.TargetTimeout != nil {
		if *req.TargetTimeout <= 0 {
			writeError(w, http.StatusBadRequest, "target_timeout must be positive")
			return
		}
		s.engine.SetTargetTimeout(*req.TargetTimeout)
	}
	if req.MaxNonceSpeed != nil {
		if *req.MaxNonceSpeed < 0 {
			writeError(w, http.StatusBadRequest, "max_nonce_speed cannot be negative")
			return
		}
		s.engine.SetMaxNonceSpeed(*req.MaxNonceSpeed)
	}
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleAdminArgon2(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeCost    uint32 `json:"time_cost"`
		MemoryCost  uint32 `json:"memory_cost"`
		Parallelism uint8  `json:"parallelism"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TimeCost < 1 || req.TimeCost > 10 {
		writeError(w, http.StatusBadRequest, "time_cost must be 1-10")
		return
	}
	if req.MemoryCost < 1024 || req.MemoryCost > 1048576 {
		writeError(w, http.StatusBadRequest, "memory_cost must be 1024-1048576 KiB")
		return
	}
	if req.Parallelism < 1 || req.Parallelism > 8 {
		writeError(w, http.StatusBadRequest, "parallelism must be 1-8")
		return
	}
	s.engine.SetArgon2(pow.Params{
		TimeCost:    req.TimeCost,
		MemoryKB:    req.MemoryCost,
		Parallelism: req.Parallelism,
	})
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleAdminWorkers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerCount int `json:"worker_count"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerCount < 1 || req.WorkerCount > 32 {
		writeError(w, http.StatusBadRequest, "worker_count must be 1-32")
		return
	}
	s.engine.SetWorkerCount(req.WorkerCount)
	writeJSON(w, http.StatusOK, s.statusSnapshot())
}

func (s *Server) handleAdminSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	secret := req.Secret
	if secret == "" {
		secret = newHMACSecret()
	} else if err := config.ValidateHMACSecret(secret); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.SetHMACSecret(secret)
	logger.Info("invite-code secret rotated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

// newHMACSecret returns a fresh 256-bit hex secret.
func newHMACSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("hmac secret generation failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (s *Server) handleAdminBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if !decodeBody(w, r, &req) || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip required")
		return
	}

	added := s.blacklist.Ban(req.IP)
	revoked := s.sessions.RevokeByIP(req.IP)
	kicked := s.hub.KickIP(req.IP, websocket.CloseNormalClosure, "Kicked by admin")
	logger.Info("ip banned", "ip", req.IP, "revoked_sessions", revoked, "kicked", kicked)

	writeJSON(w, http.StatusOK, map[string]any{
		"banned":           req.IP,
		"newly_added":      added,
		"revoked_sessions": revoked,
		"kicked":           kicked,
	})
}

func (s *Server) handleAdminUnban(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if !decodeBody(w, r, &req) || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip required")
		return
	}
	removed := s.blacklist.Unban(req.IP)
	writeJSON(w, http.StatusOK, map[string]any{"unbanned": req.IP, "was_banned": removed})
}

func (s *Server) handleAdminKick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if !decodeBody(w, r, &req) || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip required")
		return
	}
	kicked := s.hub.KickIP(req.IP, websocket.CloseNormalClosure, "Kicked by admin")
	writeJSON(w, http.StatusOK, map[string]any{"ip": req.IP, "kicked": kicked})
}

func (s *Server) handleAdminKickAll(w http.ResponseWriter, r *http.Request) {
	n := s.hub.KickAll(websocket.CloseNormalClosure, "Kicked by admin")
	logger.Info("all miners kicked", "count", n)
	writeJSON(w, http.StatusOK, map[string]any{"kicked": n})
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	s.engine.ForceReset()
	logger.Info("puzzle reset by admin")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleAdminClearSessions(w http.ResponseWriter, r *http.Request) {
	revoked := s.sessions.RevokeAll()
	removed := s.sessions.Sweep()
	logger.Info("all sessions cleared", "revoked", revoked, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked, "removed": removed})
}

type statusUpdateMessage struct {
	Type          string      `json:"type"`
	Status        adminStatus `json:"status"`
	TotalHashrate float64     `json:"total_hashrate"`
	ActiveMiners  int         `json:"active_miners"`
}

// handleAdminWebSocket pushes a STATUS_UPDATE snapshot every 2 s.
func (s *Server) handleAdminWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("admin websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain reads so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(adminStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			total, active := s.hub.AggregateHashrate()
			msg := statusUpdateMessage{
				Type:          "STATUS_UPDATE",
				Status:        s.statusSnapshot(),
				TotalHashrate: total,
				ActiveMiners:  active,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Error("status update marshal failed", "error", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
