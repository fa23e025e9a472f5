package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"hashpass/logger"
	"hashpass/metrics"
)

const (
	// hashrateStaleAfter drops per-client samples not refreshed in time.
	hashrateStaleAfter = 10 * time.Second

	// aggregateInterval is the NETWORK_HASHRATE fan-out period.
	aggregateInterval = 5 * time.Second

	// maxReportedHashrate bounds a single client report (exclusive).
	maxReportedHashrate = 1000.0

	// chartCapacity bounds the dashboard histories.
	chartCapacity = 50
)

// Client is one accepted WebSocket miner connection.
type Client struct {
	conn        *websocket.Conn
	ip          string
	connectedAt time.Time

	writeMu sync.Mutex
}

// send marshals v and writes it as a text message. Gorilla allows one
// concurrent writer, so writes are serialized per connection.
func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// sendClose writes a close control frame with the given code and reason
// and closes the socket.
func (c *Client) sendClose(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

type hashrateSample struct {
	Rate        float64
	Timestamp   time.Time
	IP          string
	ConnectedAt time.Time
}

// Hub tracks accepted connections, enforces the one-connection-per-IP
// invariant together with the admission pipeline, and fans broadcasts
// out to all miners.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	byIP      map[string]*Client
	hashrates map[*Client]hashrateSample
	overspeed map[*Client]hashrateSample

	hashrateHistory *chartHistory

	// onDisconnect is called for every pruned or unregistered client,
	// outside the hub lock.
	onDisconnect func(*Client)
}

func NewHub() *Hub {
	return &Hub{
		clients:         make(map[*Client]struct{}),
		byIP:            make(map[string]*Client),
		hashrates:       make(map[*Client]hashrateSample),
		overspeed:       make(map[*Client]hashrateSample),
		hashrateHistory: newChartHistory(chartCapacity),
	}
}

// SetDisconnectHandler installs the callback run after a client is
// removed. Must be called before the hub is used.
func (h *Hub) SetDisconnectHandler(fn func(*Client)) {
	h.onDisconnect = fn
}

// Register adds the client and makes it the connection for its IP.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.byIP[c.ip] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(n))
}

// Unregister removes the client and its samples. Reports whether the
// client was present.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		delete(h.hashrates, c)
		delete(h.overspeed, c)
		if h.byIP[c.ip] == c {
			delete(h.byIP, c.ip)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(n))
	if ok && h.onDisconnect != nil {
		h.onDisconnect(c)
	}
	return ok
}

// GetByIP returns the active connection for an IP, if any.
func (h *Hub) GetByIP(ip string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byIP[ip]
	return c, ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast sends v to every connected client concurrently. Clients
// whose send fails are closed and pruned; failures never propagate to
// the caller. Broadcasts must not run while the engine mutex is held.
func (h *Hub) Broadcast(v any) {
	clients := h.snapshot()
	if len(clients) == 0 {
		return
	}

	var failedMu sync.Mutex
	var failed []*Client

	g := new(errgroup.Group)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			if err := c.send(v); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range failed {
		logger.Debug("pruning unreachable client", "ip", c.ip)
		_ = c.conn.Close()
		h.Unregister(c)
	}
}

// RecordHashrate stores a client-reported sample. Samples outside
// [0, 1000) are rejected; samples above maxSpeed (when positive) are
// kept in a parallel overspeed map for observability but excluded from
// the aggregate.
func (h *Hub) RecordHashrate(c *Client, rate, maxSpeed float64) bool {
	if rate < 0 || rate >= maxReportedHashrate {
		return false
	}
	sample := hashrateSample{
		Rate:        rate,
		Timestamp:   time.Now(),
		IP:          c.ip,
		ConnectedAt: c.connectedAt,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	if maxSpeed > 0 && rate > maxSpeed {
		h.overspeed[c] = sample
		delete(h.hashrates, c)
		return true
	}
	h.hashrates[c] = sample
	delete(h.overspeed, c)
	return true
}

// AggregateHashrate drops stale samples and returns the network total
// and the number of contributing miners.
func (h *Hub) AggregateHashrate() (total float64, active int) {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, sample := range h.hashrates {
		if now.Sub(sample.Timestamp) > hashrateStaleAfter {
			delete(h.hashrates, c)
			continue
		}
		total += sample.Rate
		active++
	}
	for c, sample := range h.overspeed {
		if now.Sub(sample.Timestamp) > hashrateStaleAfter {
			delete(h.overspeed, c)
		}
	}
	return total, active
}

// networkHashrateMessage is the periodic fan-out payload.
type networkHashrateMessage struct {
	Type          string  `json:"type"`
	TotalHashrate float64 `json:"total_hashrate"`
	ActiveMiners  int     `json:"active_miners"`
	Timestamp     float64 `json:"timestamp"`
}

// RunAggregator periodically aggregates hashrate, updates the chart
// history and gauges, and broadcasts NETWORK_HASHRATE.
func (h *Hub) RunAggregator(ctx context.Context) {
	ticker := time.NewTicker(aggregateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, active := h.AggregateHashrate()

			h.mu.Lock()
			h.hashrateHistory.Add(total)
			h.mu.Unlock()

			metrics.NetworkHashrate.Set(total)
			h.Broadcast(networkHashrateMessage{
				Type:          "NETWORK_HASHRATE",
				TotalHashrate: total,
				ActiveMiners:  active,
				Timestamp:     float64(time.Now().UnixMilli()) / 1000,
			})
		}
	}
}

// HashrateHistory returns the bounded network hashrate chart.
func (h *Hub) HashrateHistory() []chartPoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hashrateHistory.Points()
}

// MinerInfo is the admin-facing view of one reporting miner.
type MinerInfo struct {
	IP          string  `json:"ip"`
	Rate        float64 `json:"rate"`
	ConnectedAt string  `json:"connected_at"`
	LastReport  string  `json:"last_report"`
	Overspeed   bool    `json:"overspeed"`
}

// MinerStats lists the current hashrate samples, overspeed included.
func (h *Hub) MinerStats() []MinerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MinerInfo, 0, len(h.hashrates)+len(h.overspeed))
	add := func(s hashrateSample, overspeed bool) {
		out = append(out, MinerInfo{
			IP:          s.IP,
			Rate:        s.Rate,
			ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
			LastReport:  s.Timestamp.UTC().Format(time.RFC3339),
			Overspeed:   overspeed,
		})
	}
	for _, s := range h.hashrates {
		add(s, false)
	}
	for _, s := range h.overspeed {
		add(s, true)
	}
	return out
}

// KickIP closes the connection for an IP with the given close code.
// Reports whether a connection was found.
func (h *Hub) KickIP(ip string, code int, reason string) bool {
	c, ok := h.GetByIP(ip)
	if !ok {
		return false
	}
	c.sendClose(code, reason)
	h.Unregister(c)
	return true
}

// KickAll closes every connection and returns the count.
func (h *Hub) KickAll(code int, reason string) int {
	clients := h.snapshot()
	for _, c := range clients {
		c.sendClose(code, reason)
		h.Unregister(c)
	}
	return len(clients)
}
