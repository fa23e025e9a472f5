package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"hashpass/logger"
)

// Blacklist is the set of banned client IPs, persisted to a JSON file
// so bans survive restarts. An empty path disables persistence.
type Blacklist struct {
	mu   sync.RWMutex
	ips  map[string]struct{}
	path string
}

func NewBlacklist(path string) *Blacklist {
	b := &Blacklist{
		ips:  make(map[string]struct{}),
		path: path,
	}
	b.load()
	return b
}

func (b *Blacklist) load() {
	if b.path == "" {
		return
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read blacklist file", "path", b.path, "error", err)
		}
		return
	}
	var ips []string
	if err := json.Unmarshal(data, &ips); err != nil {
		logger.Warn("malformed blacklist file, starting empty", "path", b.path, "error", err)
		return
	}
	for _, ip := range ips {
		b.ips[ip] = struct{}{}
	}
}

// save writes the set atomically via a temp file rename. Callers hold
// at least a read lock.
func (b *Blacklist) save() error {
	if b.path == "" {
		return nil
	}
	ips := make([]string, 0, len(b.ips))
	for ip := range b.ips {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	data, err := json.MarshalIndent(ips, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling blacklist: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing blacklist temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replacing blacklist file: %w", err)
	}
	return nil
}

// Ban adds the IP and reports whether it was newly added.
func (b *Blacklist) Ban(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ips[ip]; ok {
		return false
	}
	b.ips[ip] = struct{}{}
	if err := b.save(); err != nil {
		logger.Error("failed to persist blacklist", "error", err)
	}
	return true
}

// Unban removes the IP and reports whether it was present.
func (b *Blacklist) Unban(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ips[ip]; !ok {
		return false
	}
	delete(b.ips, ip)
	if err := b.save(); err != nil {
		logger.Error("failed to persist blacklist", "error", err)
	}
	return true
}

func (b *Blacklist) Contains(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[ip]
	return ok
}

// List returns the banned IPs in sorted order.
func (b *Blacklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ips := make([]string, 0, len(b.ips))
	for ip := range b.ips {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}
