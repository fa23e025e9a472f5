package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"hashpass/logger"
)

// wsReadLimit bounds inbound WebSocket messages; clients only ever send
// small control messages.
const wsReadLimit = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Miners embed the widget from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type sessionTokenMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type pongMessage struct {
	Type   string `json:"type"`
	Online int    `json:"online"`
}

type clientMessage struct {
	Type    string `json:"type"`
	Payload struct {
		Rate json.Number `json:"rate"`
	} `json:"payload"`
}

// handleWebSocket runs the admission pipeline and then the per-client
// message loop. The `token` query parameter is a session token on
// reconnect and a CAPTCHA response on first connect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "ip", ip, "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := &Client{conn: conn, ip: ip, connectedAt: time.Now()}

	if !allowedUserAgent(r.Header.Get("User-Agent")) {
		c.sendClose(websocket.ClosePolicyViolation, "Access denied")
		return
	}
	if s.blacklist.Contains(ip) {
		c.sendClose(websocket.ClosePolicyViolation, "Access denied")
		return
	}

	// Reconnect path: a valid session token re-binds without a CAPTCHA
	// re-challenge, atomically replacing any previous connection from
	// the same IP.
	if token != "" && s.sessions.Validate(token, ip) {
		if prev, ok := s.hub.GetByIP(ip); ok && prev != c {
			prev.sendClose(websocket.CloseNormalClosure, "Replaced by new connection")
			s.hub.Unregister(prev)
		}
		s.hub.Register(c)
		s.sessions.Reconnect(token, ip, c)
		logger.Info("miner reconnected", "ip", ip)
		s.readLoop(c)
		return
	}

	// First connection: the token is a CAPTCHA response.
	if _, ok := s.hub.GetByIP(ip); ok {
		c.sendClose(websocket.ClosePolicyViolation, "Duplicate connection from same IP")
		return
	}
	if err := s.turnstile.Verify(token, ip); err != nil {
		logger.Warn("captcha rejected", "ip", ip, "error", err)
		c.sendClose(websocket.ClosePolicyViolation, err.Error())
		return
	}

	s.hub.Register(c)
	sessionToken := s.sessions.Generate(c, ip)
	if err := c.send(sessionTokenMessage{Type: "SESSION_TOKEN", Token: sessionToken}); err != nil {
		s.hub.Unregister(c)
		_ = conn.Close()
		return
	}
	logger.Info("miner connected", "ip", ip)
	s.readLoop(c)
}

// readLoop consumes client messages until the connection drops. The
// disconnect handler installed on the hub stops the mining timer and
// starts the session expiry clock.
func (s *Server) readLoop(c *Client) {
	defer func() {
		_ = c.conn.Close()
		s.hub.Unregister(c)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read error", "ip", c.ip, "error", err)
			}
			return
		}

		// Bare "ping" text is accepted alongside the JSON form.
		if string(data) == "ping" {
			_ = c.send(pongMessage{Type: "PONG", Online: s.hub.Count()})
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("unparseable client message", "ip", c.ip)
			continue
		}

		switch msg.Type {
		case "ping":
			_ = c.send(pongMessage{Type: "PONG", Online: s.hub.Count()})
		case "mining_start":
			s.engine.MiningStart(c)
		case "mining_stop":
			s.engine.MiningStop(c)
		case "hashrate":
			rate, err := msg.Payload.Rate.Float64()
			if err != nil {
				continue
			}
			s.hub.RecordHashrate(c, rate, s.maxNonceSpeed())
		default:
			// Unknown types are ignored for forward compatibility.
		}
	}
}
