//go:build js && wasm
// +build js,wasm

// Package main implements the WebAssembly browser miner for HashPass.
//
// This package compiles to WASM and provides JavaScript bindings for
// solving the server's Argon2d puzzle in the browser. Each Web Worker
// loads its own instance and scans a disjoint nonce range; the page
// collects hashrate samples and forwards them over the WebSocket.
//
// The miner exposes a HashPassMiner global object in JavaScript:
//
//	HashPassMiner.setPuzzle({seed: "...", difficulty: 12, timeCost: 3,
//	    memoryCost: 65536, parallelism: 1});
//	const r = HashPassMiner.mine(visitorId, traceData, startNonce, endNonce);
//	const stats = HashPassMiner.getStats();
package main

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"syscall/js"
	"time"

	"hashpass/argon2d"
	"hashpass/pow"
)

// Puzzle is the work unit fetched from the puzzle endpoint.
type Puzzle struct {
	Seed        string `json:"seed"`
	Difficulty  int    `json:"difficulty"`
	TimeCost    uint32 `json:"time_cost"`
	MemoryCost  uint32 `json:"memory_cost"`
	Parallelism uint8  `json:"parallelism"`
}

// MinerStats holds current mining statistics.
type MinerStats struct {
	HashRate     float64 `json:"hashRate"`
	TotalHashes  int64   `json:"totalHashes"`
	Solutions    int64   `json:"solutions"`
	IsRunning    bool    `json:"isRunning"`
	ElapsedTime  int64   `json:"elapsedTime"`
	CurrentNonce int64   `json:"currentNonce"`
}

// WebMiner tracks the current puzzle and mining statistics for one WASM
// instance. All operations are safe for concurrent access from
// JavaScript callbacks and Go goroutines.
type WebMiner struct {
	mu           sync.RWMutex
	running      bool
	hashRate     float64
	totalHashes  int64
	solutions    int64
	startTime    time.Time
	puzzle       *Puzzle
	stopChan     chan struct{}
	onStats      js.Value
	currentNonce int64
}

var miner *WebMiner

func main() {
	miner = &WebMiner{}

	js.Global().Set("HashPassMiner", js.ValueOf(map[string]interface{}{
		"setPuzzle": js.FuncOf(setPuzzle),
		"mine":      js.FuncOf(mineNonceRange),
		"start":     js.FuncOf(start),
		"stop":      js.FuncOf(stop),
		"getStats":  js.FuncOf(getStats),
		"onStats":   js.FuncOf(onStats),
		"hash":      js.FuncOf(hashOne),
		"version":   js.FuncOf(version),
	}))

	// Keep the Go program running for the page's lifetime.
	select {}
}

func version(this js.Value, args []js.Value) interface{} {
	return "HashPassMiner WASM v1.0.0"
}

// setPuzzle installs the current puzzle. Stale results are discarded
// server-side, so the page calls this on every PUZZLE_RESET.
func setPuzzle(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 || args[0].Type() != js.TypeObject {
		return map[string]interface{}{
			"success": false,
			"error":   "Puzzle object required",
		}
	}

	obj := args[0]
	p := &Puzzle{
		Seed:        obj.Get("seed").String(),
		Difficulty:  obj.Get("difficulty").Int(),
		TimeCost:    uint32(obj.Get("timeCost").Int()),
		MemoryCost:  uint32(obj.Get("memoryCost").Int()),
		Parallelism: uint8(obj.Get("parallelism").Int()),
	}

	miner.mu.Lock()
	miner.puzzle = p
	miner.currentNonce = 0
	miner.mu.Unlock()

	return map[string]interface{}{
		"success": true,
		"message": "Puzzle set",
	}
}

// start marks the miner running and begins the stats reporter.
func start(this js.Value, args []js.Value) interface{} {
	miner.mu.Lock()
	defer miner.mu.Unlock()

	if miner.running {
		return map[string]interface{}{
			"success": false,
			"error":   "Miner already running",
		}
	}

	miner.running = true
	miner.startTime = time.Now()
	miner.stopChan = make(chan struct{})

	go miner.reportStats()

	return map[string]interface{}{
		"success": true,
		"message": "Miner started",
	}
}

// stop halts mining.
func stop(this js.Value, args []js.Value) interface{} {
	miner.mu.Lock()
	defer miner.mu.Unlock()

	if !miner.running {
		return map[string]interface{}{
			"success": false,
			"error":   "Miner not running",
		}
	}

	miner.running = false
	close(miner.stopChan)

	return map[string]interface{}{
		"success":     true,
		"message":     "Miner stopped",
		"totalHashes": miner.totalHashes,
		"solutions":   miner.solutions,
	}
}

// getStats returns current mining statistics.
func getStats(this js.Value, args []js.Value) interface{} {
	miner.mu.RLock()
	defer miner.mu.RUnlock()

	elapsed := int64(0)
	if miner.running {
		elapsed = int64(time.Since(miner.startTime).Seconds())
	}

	return map[string]interface{}{
		"hashRate":     miner.hashRate,
		"totalHashes":  miner.totalHashes,
		"solutions":    miner.solutions,
		"isRunning":    miner.running,
		"elapsedTime":  elapsed,
		"currentNonce": miner.currentNonce,
	}
}

// onStats registers a callback for periodic stats updates.
func onStats(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 || args[0].Type() != js.TypeFunction {
		return false
	}
	miner.mu.Lock()
	miner.onStats = args[0]
	miner.mu.Unlock()
	return true
}

// mineNonceRange scans [startNonce, endNonce) against the installed
// puzzle. Argon2d is memory-hard, so ranges should be small enough to
// keep the worker responsive; the page re-invokes with the next range.
func mineNonceRange(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return map[string]interface{}{
			"found": false,
			"error": "Required: visitorId, traceData",
		}
	}

	visitorID := args[0].String()
	traceData := args[1].String()
	startNonce := int64(0)
	endNonce := int64(256)
	if len(args) > 2 {
		startNonce = int64(args[2].Int())
	}
	if len(args) > 3 {
		endNonce = int64(args[3].Int())
	}

	miner.mu.RLock()
	p := miner.puzzle
	miner.mu.RUnlock()
	if p == nil {
		return map[string]interface{}{
			"found": false,
			"error": "No puzzle set",
		}
	}

	salt := []byte(p.Seed + visitorID + traceData)
	hashCount := int64(0)
	startTime := time.Now()

	for nonce := startNonce; nonce < endNonce; nonce++ {
		hash := argon2d.Key([]byte(strconv.FormatInt(nonce, 10)), salt,
			p.TimeCost, p.MemoryCost, p.Parallelism, pow.HashLen)
		hashCount++

		miner.mu.Lock()
		miner.totalHashes++
		miner.currentNonce = nonce
		miner.mu.Unlock()

		if pow.LeadingZeroBits(hash) >= p.Difficulty {
			hashRate := rateSince(startTime, hashCount)

			miner.mu.Lock()
			miner.solutions++
			miner.hashRate = hashRate
			miner.mu.Unlock()

			return map[string]interface{}{
				"found":    true,
				"nonce":    nonce,
				"hash":     hex.EncodeToString(hash),
				"seed":     p.Seed,
				"hashes":   hashCount,
				"hashRate": hashRate,
			}
		}
	}

	hashRate := rateSince(startTime, hashCount)
	miner.mu.Lock()
	miner.hashRate = hashRate
	miner.mu.Unlock()

	return map[string]interface{}{
		"found":    false,
		"hashes":   hashCount,
		"hashRate": hashRate,
	}
}

// hashOne computes a single Argon2d hash, used by the page for
// self-checks before submitting.
func hashOne(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return ""
	}
	miner.mu.RLock()
	p := miner.puzzle
	miner.mu.RUnlock()
	if p == nil {
		return ""
	}
	nonce := args[0].String()
	salt := args[1].String()
	hash := argon2d.Key([]byte(nonce), []byte(salt),
		p.TimeCost, p.MemoryCost, p.Parallelism, pow.HashLen)
	return hex.EncodeToString(hash)
}

func rateSince(start time.Time, hashes int64) float64 {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(hashes) / elapsed
}

// reportStats periodically invokes the JavaScript stats callback.
func (m *WebMiner) reportStats() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.mu.RLock()
			if !m.onStats.IsUndefined() && m.onStats.Type() == js.TypeFunction {
				stats := MinerStats{
					HashRate:     m.hashRate,
					TotalHashes:  m.totalHashes,
					Solutions:    m.solutions,
					IsRunning:    m.running,
					ElapsedTime:  int64(time.Since(m.startTime).Seconds()),
					CurrentNonce: m.currentNonce,
				}
				statsJSON, _ := json.Marshal(stats)
				m.onStats.Invoke(string(statsJSON))
			}
			m.mu.RUnlock()
		}
	}
}
