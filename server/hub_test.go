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

// dialTestClient upgrades one server-side connection, registers it with
// the hub, and returns the browser-side conn for reading.
func dialTestClient(t *testing.T, h *Hub, ip string) (*Client, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := &Client{conn: conn, ip: ip, connectedAt: time.Now()}
		h.Register(c)
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return <-accepted, conn
}

func TestHubRegisterUnregister(t *testing.T) {
	h := NewHub()
	c := &Client{ip: "1.2.3.4", connectedAt: time.Now()}

	h.Register(c)
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}
	if got, ok := h.GetByIP("1.2.3.4"); !ok || got != c {
		t.Error("GetByIP did not return the registered client")
	}

	if !h.Unregister(c) {
		t.Error("unregister returned false for a registered client")
	}
	if h.Unregister(c) {
		t.Error("second unregister returned true")
	}
	if _, ok := h.GetByIP("1.2.3.4"); ok {
		t.Error("IP mapping survived unregister")
	}
}

func TestHubUnregisterKeepsNewerIPMapping(t *testing.T) {
	h := NewHub()
	old := &Client{ip: "1.2.3.4"}
	h.Register(old)
	replacement := &Client{ip: "1.2.3.4"}
	h.Register(replacement)

	// Unregistering the evicted connection must not clobber the mapping
	// for the replacement.
	h.Unregister(old)
	if got, ok := h.GetByIP("1.2.3.4"); !ok || got != replacement {
		t.Error("replacement connection lost its IP mapping")
	}
}

func TestHubDisconnectHandler(t *testing.T) {
	h := NewHub()
	var gotIP string
	h.SetDisconnectHandler(func(c *Client) { gotIP = c.ip })

	c := &Client{ip: "1.2.3.4"}
	h.Register(c)
	h.Unregister(c)
	if gotIP != "1.2.3.4" {
		t.Errorf("disconnect handler saw ip %q, want 1.2.3.4", gotIP)
	}
}

func TestHubRecordHashrateBounds(t *testing.T) {
	h := NewHub()
	c := &Client{ip: "1.2.3.4"}
	h.Register(c)

	tests := []struct {
		rate float64
		want bool
	}{
		{0, true},
		{42.5, true},
		{999.9, true},
		{-1, false},
		{1000, false},
		{100000, false},
	}
	for _, tt := range tests {
		if got := h.RecordHashrate(c, tt.rate, 0); got != tt.want {
			t.Errorf("RecordHashrate(%v) = %v, want %v", tt.rate, got, tt.want)
		}
	}

	// Samples from unregistered clients are dropped.
	stranger := &Client{ip: "9.9.9.9"}
	if h.RecordHashrate(stranger, 10, 0) {
		t.Error("accepted a sample from an unregistered client")
	}
}

func TestHubOverspeedRouting(t *testing.T) {
	h := NewHub()
	c := &Client{ip: "1.2.3.4", connectedAt: time.Now()}
	h.Register(c)

	if !h.RecordHashrate(c, 500, 100) {
		t.Fatal("overspeed sample rejected outright")
	}
	total, active := h.AggregateHashrate()
	if total != 0 || active != 0 {
		t.Errorf("overspeed sample counted in aggregate: total=%v active=%d", total, active)
	}

	stats := h.MinerStats()
	if len(stats) != 1 || !stats[0].Overspeed {
		t.Errorf("miner stats = %+v, want one overspeed entry", stats)
	}

	// A sane report moves the client back into the aggregate.
	h.RecordHashrate(c, 50, 100)
	total, active = h.AggregateHashrate()
	if total != 50 || active != 1 {
		t.Errorf("total=%v active=%d, want 50/1", total, active)
	}
}

func TestHubAggregateSumsAndDropsStale(t *testing.T) {
	h := NewHub()
	c1 := &Client{ip: "1.1.1.1"}
	c2 := &Client{ip: "2.2.2.2"}
	c3 := &Client{ip: "3.3.3.3"}
	h.Register(c1)
	h.Register(c2)
	h.Register(c3)

	h.RecordHashrate(c1, 100, 0)
	h.RecordHashrate(c2, 250, 0)
	h.RecordHashrate(c3, 10, 0)

	// Age one sample past the staleness cutoff.
	h.mu.Lock()
	s := h.hashrates[c3]
	s.Timestamp = time.Now().Add(-hashrateStaleAfter - time.Second)
	h.hashrates[c3] = s
	h.mu.Unlock()

	total, active := h.AggregateHashrate()
	if total != 350 || active != 2 {
		t.Errorf("total=%v active=%d, want 350/2", total, active)
	}

	// The stale sample is gone for good, not just skipped.
	h.mu.RLock()
	_, ok := h.hashrates[c3]
	h.mu.RUnlock()
	if ok {
		t.Error("stale sample retained")
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	_, conn1 := dialTestClient(t, h, "1.1.1.1")
	_, conn2 := dialTestClient(t, h, "2.2.2.2")

	h.Broadcast(networkHashrateMessage{Type: "NETWORK_HASHRATE", TotalHashrate: 123})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg networkHashrateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "NETWORK_HASHRATE" || msg.TotalHashrate != 123 {
			t.Errorf("unexpected broadcast payload: %+v", msg)
		}
	}
}

func TestHubBroadcastPrunesDeadClients(t *testing.T) {
	h := NewHub()
	live, liveConn := dialTestClient(t, h, "1.1.1.1")
	dead, deadConn := dialTestClient(t, h, "2.2.2.2")
	_ = live

	deadConn.Close()
	dead.conn.Close()

	// First broadcast hits the closed socket and prunes it.
	h.Broadcast(map[string]string{"type": "PING"})

	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Count() != 1 {
		t.Fatalf("count = %d after pruning, want 1", h.Count())
	}

	// The surviving client still receives subsequent broadcasts.
	h.Broadcast(map[string]string{"type": "PING"})
	liveConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		if _, _, err := liveConn.ReadMessage(); err != nil {
			t.Fatalf("live client read %d: %v", i, err)
		}
	}
}

func TestHubKickIP(t *testing.T) {
	h := NewHub()
	_, conn := dialTestClient(t, h, "1.2.3.4")

	if !h.KickIP("1.2.3.4", websocket.CloseNormalClosure, "Kicked by admin") {
		t.Fatal("KickIP found no connection")
	}
	if h.KickIP("1.2.3.4", websocket.CloseNormalClosure, "Kicked by admin") {
		t.Error("second kick reported success")
	}
	if h.Count() != 0 {
		t.Errorf("count = %d after kick, want 0", h.Count())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "Kicked by admin" {
		t.Errorf("close frame = %d %q", closeErr.Code, closeErr.Text)
	}
}
