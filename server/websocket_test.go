package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// stubTurnstile points the verifier at a local siteverify stub.
func stubTurnstile(t *testing.T, s *Server, success bool) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if success {
			w.Write([]byte(`{"success": true}`))
		} else {
			w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response"]}`))
		}
	}))
	t.Cleanup(srv.Close)
	s.turnstile = NewTurnstileVerifier("site", "secret", false)
	s.turnstile.endpoint = srv.URL
}

func wsDial(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"User-Agent": {browserUA}})
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

func readWS(t *testing.T, conn *websocket.Conn) ([]byte, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	return data, err
}

// connectMiner completes the first-connect handshake and returns the
// connection plus the issued session token.
func connectMiner(t *testing.T, ts *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn, err := wsDial(t, ts, "?token=captcha-response")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	data, err := readWS(t, conn)
	if err != nil {
		t.Fatalf("read session token: %v", err)
	}
	var msg sessionTokenMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "SESSION_TOKEN" || msg.Token == "" {
		t.Fatalf("handshake message = %+v", msg)
	}
	return conn, msg.Token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketHandshakeIssuesSession(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)

	_, token := connectMiner(t, ts)

	if s.hub.Count() != 1 {
		t.Errorf("hub count = %d, want 1", s.hub.Count())
	}
	if !s.sessions.Validate(token, "127.0.0.1") {
		t.Error("issued token does not validate")
	}
}

func TestWebSocketRejectsNonBrowserUA(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?token=x"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"User-Agent": {"curl/8.4.0"}})
	if err == nil {
		conn.Close()
		t.Fatal("dial succeeded with an automation user agent")
	}
}

func TestWebSocketRejectsFailedCaptcha(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, false)

	conn, err := wsDial(t, ts, "?token=bad-captcha")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, err = readWS(t, conn)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if s.hub.Count() != 0 {
		t.Error("rejected client left in the hub")
	}
}

func TestWebSocketRejectsBlacklistedIP(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)
	s.blacklist.Ban("127.0.0.1")

	conn, err := wsDial(t, ts, "?token=x")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, err = readWS(t, conn)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Text != "Access denied" {
		t.Fatalf("expected access denied close, got %v", err)
	}
}

func TestWebSocketDuplicateIPRejected(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)

	connectMiner(t, ts)

	// Second first-connect from the same IP is refused.
	conn, err := wsDial(t, ts, "?token=captcha-response-2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, err = readWS(t, conn)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Text != "Duplicate connection from same IP" {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if s.hub.Count() != 1 {
		t.Errorf("hub count = %d, want 1", s.hub.Count())
	}
}

func TestWebSocketReconnectEvictsPrevious(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)

	first, token := connectMiner(t, ts)

	// Reconnecting with the session token replaces the old connection.
	second, err := wsDial(t, ts, "?token="+token)
	if err != nil {
		t.Fatalf("reconnect dial: %v", err)
	}

	_, err = readWS(t, first)
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("old connection: expected close, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "Replaced by new connection" {
		t.Errorf("close frame = %d %q", closeErr.Code, closeErr.Text)
	}

	waitFor(t, "hub to settle on one client", func() bool { return s.hub.Count() == 1 })

	// The replacement connection is live.
	if err := second.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write on reconnect: %v", err)
	}
	data, err := readWS(t, second)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var pong pongMessage
	if err := json.Unmarshal(data, &pong); err != nil || pong.Type != "PONG" {
		t.Errorf("pong = %s (err %v)", data, err)
	}
}

func TestWebSocketPingReportsOnline(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)
	conn, _ := connectMiner(t, ts)

	// JSON ping form.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "ping"}`)); err != nil {
		t.Fatal(err)
	}
	data, err := readWS(t, conn)
	if err != nil {
		t.Fatal(err)
	}
	var pong pongMessage
	if err := json.Unmarshal(data, &pong); err != nil {
		t.Fatal(err)
	}
	if pong.Type != "PONG" || pong.Online != 1 {
		t.Errorf("pong = %+v", pong)
	}
}

func TestWebSocketMiningMessages(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)
	conn, _ := connectMiner(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "mining_start"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mining to start", func() bool { return s.engine.Status().ActiveMiners == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "hashrate", "payload": {"rate": 42.5}}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "hashrate sample", func() bool {
		total, active := s.hub.AggregateHashrate()
		return total == 42.5 && active == 1
	})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "mining_stop"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mining to stop", func() bool { return s.engine.Status().ActiveMiners == 0 })
}

func TestWebSocketDisconnectStopsMining(t *testing.T) {
	s, ts := testServer(t, nil)
	stubTurnstile(t, s, true)
	conn, token := connectMiner(t, ts)

	// Wire the production disconnect handler.
	s.hub.SetDisconnectHandler(func(c *Client) {
		s.engine.MiningStop(c)
		s.sessions.MarkDisconnected(c)
	})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "mining_start"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mining to start", func() bool { return s.engine.Status().ActiveMiners == 1 })

	conn.Close()
	waitFor(t, "disconnect cleanup", func() bool {
		return s.hub.Count() == 0 && s.engine.Status().ActiveMiners == 0
	})

	// The session survives the disconnect for the grace period.
	if !s.sessions.Validate(token, "127.0.0.1") {
		t.Error("session dropped immediately on disconnect")
	}
}
