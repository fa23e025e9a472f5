package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"hashpass/logger"
)

// sweepInterval is how often expired and revoked sessions are removed.
const sweepInterval = 60 * time.Second

// Session is a bearer credential issued after a successful CAPTCHA
// handshake. It is bound to the client IP for its whole lifetime and
// survives disconnects for a bounded grace period so miners can
// reconnect without re-solving the CAPTCHA.
type Session struct {
	Token          string
	IP             string
	CreatedAt      time.Time
	Connected      bool
	DisconnectedAt time.Time
	Revoked        bool

	client *Client
}

// SessionStore issues, validates, and garbage-collects session tokens.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	expiry      time.Duration // grace period after disconnect
	absoluteTTL time.Duration // 0 disables the absolute bound
}

func NewSessionStore(expiry, absoluteTTL time.Duration) *SessionStore {
	return &SessionStore{
		sessions:    make(map[string]*Session),
		expiry:      expiry,
		absoluteTTL: absoluteTTL,
	}
}

func newSessionToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// The process cannot operate without a CSPRNG.
		panic("session token generation failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Generate creates a session for the client and returns its token.
func (s *SessionStore) Generate(c *Client, ip string) string {
	token := newSessionToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = &Session{
		Token:     token,
		IP:        ip,
		CreatedAt: time.Now(),
		Connected: true,
		client:    c,
	}
	return token
}

// Validate reports whether the token authorizes a request from the
// given IP. Unknown, revoked, IP-mismatched, and expired tokens fail.
// The revocation check runs before anything else so a ban cannot be
// sidestepped by an old token.
func (s *SessionStore) Validate(token, requestIP string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(token, requestIP) != nil
}

func (s *SessionStore) validateLocked(token, requestIP string) *Session {
	sess, ok := s.sessions[token]
	if !ok || sess.Revoked {
		return nil
	}
	if sess.IP != requestIP {
		return nil
	}
	if !sess.Connected && time.Since(sess.DisconnectedAt) > s.expiry {
		return nil
	}
	if s.absoluteTTL > 0 && time.Since(sess.CreatedAt) > s.absoluteTTL {
		return nil
	}
	return sess
}

// Reconnect validates the token against the IP and, on success,
// re-binds it to the new client connection.
func (s *SessionStore) Reconnect(token, requestIP string, c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.validateLocked(token, requestIP)
	if sess == nil {
		return false
	}
	sess.client = c
	sess.Connected = true
	sess.DisconnectedAt = time.Time{}
	return true
}

// MarkDisconnected flags every session bound to the client as
// disconnected and starts its expiry clock. The session itself is kept
// so the client can reconnect.
func (s *SessionStore) MarkDisconnected(c *Client) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.client == c {
			sess.client = nil
			sess.Connected = false
			sess.DisconnectedAt = now
		}
	}
}

// RevokeByIP revokes every session bound to the IP and returns how many
// were affected. Idempotent.
func (s *SessionStore) RevokeByIP(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.IP == ip && !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n
}

// RevokeAll revokes every session and returns the count.
func (s *SessionStore) RevokeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n
}

// Sweep permanently removes revoked and expired sessions, returning the
// number removed.
func (s *SessionStore) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, sess := range s.sessions {
		expired := !sess.Connected && now.Sub(sess.DisconnectedAt) > s.expiry
		stale := s.absoluteTTL > 0 && now.Sub(sess.CreatedAt) > s.absoluteTTL
		if sess.Revoked || expired || stale {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until the context is cancelled.
func (s *SessionStore) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.Debug("session sweep", "removed", n)
			}
		}
	}
}

func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SessionInfo is the admin-facing view of one session. Only a token
// prefix is exposed.
type SessionInfo struct {
	TokenPreview   string `json:"token_preview"`
	IP             string `json:"ip"`
	CreatedAt      string `json:"created_at"`
	Connected      bool   `json:"connected"`
	DisconnectedAt string `json:"disconnected_at,omitempty"`
	Revoked        bool   `json:"revoked"`
}

// Snapshot lists all sessions for the admin dashboard.
func (s *SessionStore) Snapshot() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := SessionInfo{
			TokenPreview: sess.Token[:8] + "...",
			IP:           sess.IP,
			CreatedAt:    sess.CreatedAt.UTC().Format(time.RFC3339),
			Connected:    sess.Connected,
			Revoked:      sess.Revoked,
		}
		if !sess.DisconnectedAt.IsZero() {
			info.DisconnectedAt = sess.DisconnectedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out
}
