package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"hashpass/config"
	"hashpass/logger"
	"hashpass/metrics"
	"hashpass/pow"
)

// timeoutCheckInterval is the timeout watcher wake-up period.
const timeoutCheckInterval = 5 * time.Second

// Submission is a solution posted to the verify endpoint.
type Submission struct {
	VisitorID     string `json:"visitorId"`
	Nonce         int64  `json:"nonce"`
	SubmittedSeed string `json:"submittedSeed"`
	TraceData     string `json:"traceData"`
	Hash          string `json:"hash"`
}

// Validate bounds every field before any of it reaches the engine.
func (s *Submission) Validate() error {
	if s.VisitorID == "" || len(s.VisitorID) > 128 {
		return fmt.Errorf("visitorId must be 1-128 characters")
	}
	if s.Nonce < 0 || s.Nonce > 1<<53 {
		return fmt.Errorf("nonce out of range")
	}
	if len(s.SubmittedSeed) > 128 {
		return fmt.Errorf("submittedSeed too long")
	}
	if len(s.TraceData) > 2048 {
		return fmt.Errorf("traceData too long")
	}
	if s.Hash == "" || len(s.Hash) > 256 {
		return fmt.Errorf("hash must be 1-256 characters")
	}
	return nil
}

// SubmitError is a typed verify failure carrying its HTTP status.
type SubmitError struct {
	Status  int
	Message string
}

func (e *SubmitError) Error() string { return e.Message }

func errPuzzleStale() *SubmitError {
	return &SubmitError{http.StatusConflict, "Puzzle expired: another solution was already accepted"}
}

// Engine owns the puzzle state. A single mutex guards the seed, the
// mining timer, the difficulty controller, and the verification
// parameters; holding it across the worker-pool verification is what
// serializes winners.
type Engine struct {
	mu sync.Mutex

	seed            string
	puzzleStart     time.Time
	totalMiningTime time.Duration
	lastStateChange time.Time
	miningActive    bool
	activeMiners    map[*Client]struct{}

	dc            *DifficultyController
	argon2        pow.Params
	hmacSecret    string
	maxNonceSpeed float64
	workerCount   int
	targetTimeout float64

	solveHistory *chartHistory

	pool    *pow.Pool
	hub     *Hub
	audit   *AuditLog
	webhook *WebhookNotifier
}

func NewEngine(cfg *config.Config, pool *pow.Pool, hub *Hub, audit *AuditLog, webhook *WebhookNotifier) *Engine {
	e := &Engine{
		seed:         newSeed(),
		puzzleStart:  time.Now(),
		activeMiners: make(map[*Client]struct{}),
		dc:           NewDifficultyController(cfg.Difficulty, cfg.MinDifficulty, cfg.MaxDifficulty, cfg.TargetTime),
		argon2: pow.Params{
			TimeCost:    cfg.Argon2.TimeCost,
			MemoryKB:    cfg.Argon2.MemoryCost,
			Parallelism: cfg.Argon2.Parallelism,
		},
		hmacSecret:    cfg.HMACSecret,
		maxNonceSpeed: cfg.MaxNonceSpeed,
		workerCount:   cfg.WorkerCount,
		targetTimeout: cfg.TargetTimeout,
		solveHistory:  newChartHistory(chartCapacity),
		pool:          pool,
		hub:           hub,
		audit:         audit,
		webhook:       webhook,
	}
	if audit != nil {
		if times := audit.RecentSolveTimes(emaWindow); len(times) > 0 {
			e.dc.WarmStart(times)
			logger.Info("difficulty EMA warm-started from audit log", "samples", len(times))
		}
	}
	metrics.Difficulty.Set(float64(e.dc.Difficulty()))
	return e
}

// newSeed returns 16 cryptographically random bytes hex-encoded.
func newSeed() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("seed generation failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Seed returns the current puzzle seed.
func (e *Engine) Seed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seed
}

// PuzzleResponse is the public view of the current puzzle.
type PuzzleResponse struct {
	Seed            string  `json:"seed"`
	Difficulty      int     `json:"difficulty"`
	TimeCost        uint32  `json:"time_cost"`
	MemoryCost      uint32  `json:"memory_cost"`
	Parallelism     uint8   `json:"parallelism"`
	HashLen         int     `json:"hash_len"`
	WorkerCount     int     `json:"worker_count"`
	TargetTime      float64 `json:"target_time"`
	PuzzleStartTime float64 `json:"puzzle_start_time"`
}

func (e *Engine) Puzzle() PuzzleResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PuzzleResponse{
		Seed:            e.seed,
		Difficulty:      e.dc.Difficulty(),
		TimeCost:        e.argon2.TimeCost,
		MemoryCost:      e.argon2.MemoryKB,
		Parallelism:     e.argon2.Parallelism,
		HashLen:         pow.HashLen,
		WorkerCount:     e.workerCount,
		TargetTime:      e.dc.TargetTime(),
		PuzzleStartTime: unixSeconds(e.puzzleStart),
	}
}

// MiningStart adds the connection to the active-miner set; the mining
// timer starts running when the set becomes non-empty.
func (e *Engine) MiningStart(c *Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.activeMiners[c]; ok {
		return
	}
	e.activeMiners[c] = struct{}{}
	if !e.miningActive {
		e.miningActive = true
		e.lastStateChange = time.Now()
	}
	metrics.ActiveMiners.Set(float64(len(e.activeMiners)))
}

// MiningStop removes the connection from the active set, folding the
// elapsed interval into the accumulator when the set empties. Also
// called on disconnect.
func (e *Engine) MiningStop(c *Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.activeMiners[c]; !ok {
		return
	}
	delete(e.activeMiners, c)
	if len(e.activeMiners) == 0 && e.miningActive {
		e.totalMiningTime += time.Since(e.lastStateChange)
		e.miningActive = false
	}
	metrics.ActiveMiners.Set(float64(len(e.activeMiners)))
}

// miningTimeLocked returns the accumulated mining time, including the
// currently running interval. Callers hold e.mu.
func (e *Engine) miningTimeLocked(now time.Time) float64 {
	total := e.totalMiningTime
	if e.miningActive {
		total += now.Sub(e.lastStateChange)
	}
	return total.Seconds()
}

// MiningTime returns the accumulator in seconds. It only grows while at
// least one miner is active, so idle wall-clock time never distorts
// difficulty decisions.
func (e *Engine) MiningTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.miningTimeLocked(time.Now())
}

// Submit runs the single-winner critical section and returns the invite
// code on success. Failures are *SubmitError values.
//
// The cheap checks run before the mutex so that the many concurrent
// losers racing a just-solved puzzle are rejected without contending;
// the seed is double-checked inside the lock to keep exactly one winner.
func (e *Engine) Submit(ctx context.Context, sub Submission, requestIP string) (string, error) {
	if sub.SubmittedSeed != e.Seed() {
		metrics.Submissions.WithLabelValues("stale").Inc()
		return "", errPuzzleStale()
	}
	if !strings.Contains(sub.TraceData, "ip="+requestIP) {
		metrics.Submissions.WithLabelValues("identity_mismatch").Inc()
		return "", &SubmitError{http.StatusForbidden, "Identity mismatch"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sub.SubmittedSeed != e.seed {
		metrics.Submissions.WithLabelValues("stale").Inc()
		return "", errPuzzleStale()
	}

	now := time.Now()
	solveTime := e.miningTimeLocked(now)

	if e.maxNonceSpeed > 0 && solveTime > 0 {
		speed := float64(sub.Nonce) / solveTime
		if speed > e.maxNonceSpeed {
			metrics.Submissions.WithLabelValues("speed").Inc()
			return "", &SubmitError{http.StatusBadRequest,
				fmt.Sprintf("Nonce speed too high: %.0f nonces/s", speed)}
		}
	}

	oldDifficulty := e.dc.Difficulty()
	result, err := e.pool.Verify(ctx, pow.Job{
		Nonce:       sub.Nonce,
		Seed:        e.seed,
		VisitorID:   sub.VisitorID,
		TraceData:   sub.TraceData,
		ClaimedHash: sub.Hash,
		Difficulty:  oldDifficulty,
		Params:      e.argon2,
	})
	if err != nil {
		return "", &SubmitError{http.StatusServiceUnavailable, "Verification unavailable"}
	}
	if !result.Valid {
		metrics.Submissions.WithLabelValues("bad_solution").Inc()
		return "", &SubmitError{http.StatusBadRequest, result.Reason}
	}

	inviteCode := pow.InviteCode(e.hmacSecret, sub.VisitorID, sub.Nonce, e.seed)
	solvedSeed := e.seed

	if e.webhook != nil {
		go e.webhook.NotifySolve(inviteCode, sub.VisitorID, requestIP, oldDifficulty, solveTime)
	}

	newDifficulty, reason := e.dc.RecordSolve(solveTime)
	e.solveHistory.Add(solveTime)

	snapshot := e.resetLocked(now, solveTime)

	metrics.Submissions.WithLabelValues("accepted").Inc()
	metrics.PuzzlesSolved.Inc()
	metrics.InviteCodesIssued.Inc()
	metrics.SolveTime.Observe(solveTime)

	if e.audit != nil {
		go e.audit.Append(AuditRecord{
			Timestamp:        time.Now().UTC().Format(time.RFC3339),
			InviteCode:       inviteCode,
			VisitorID:        sub.VisitorID,
			Nonce:            sub.Nonce,
			Hash:             sub.Hash,
			Seed:             solvedSeed,
			RealIP:           requestIP,
			TraceData:        sub.TraceData,
			Difficulty:       oldDifficulty,
			SolveTime:        solveTime,
			NewDifficulty:    newDifficulty,
			AdjustmentReason: reason,
		})
	}

	go e.hub.Broadcast(snapshot)

	logger.Info("puzzle solved",
		"ip", requestIP,
		"visitor", sub.VisitorID,
		"nonce", sub.Nonce,
		"solve_time", fmt.Sprintf("%.1fs", solveTime),
		"difficulty", fmt.Sprintf("%d->%d", oldDifficulty, newDifficulty))

	return inviteCode, nil
}

// puzzleResetMessage is broadcast to all miners after every reset.
type puzzleResetMessage struct {
	Type             string  `json:"type"`
	Seed             string  `json:"seed"`
	Difficulty       int     `json:"difficulty"`
	SolveTime        float64 `json:"solve_time"`
	AverageSolveTime float64 `json:"average_solve_time"`
	PuzzleStartTime  float64 `json:"puzzle_start_time"`
}

// resetLocked regenerates the puzzle and returns the PUZZLE_RESET
// snapshot built under the lock. Callers hold e.mu and broadcast the
// snapshot after releasing it.
func (e *Engine) resetLocked(now time.Time, solveTime float64) puzzleResetMessage {
	e.seed = newSeed()
	e.puzzleStart = now
	e.totalMiningTime = 0
	e.miningActive = false
	e.activeMiners = make(map[*Client]struct{})
	metrics.ActiveMiners.Set(0)
	metrics.Difficulty.Set(float64(e.dc.Difficulty()))

	ema, _ := e.dc.EMA()
	return puzzleResetMessage{
		Type:             "PUZZLE_RESET",
		Seed:             e.seed,
		Difficulty:       e.dc.Difficulty(),
		SolveTime:        solveTime,
		AverageSolveTime: ema,
		PuzzleStartTime:  unixSeconds(now),
	}
}

// RunTimeoutWatcher forces a puzzle reset whenever accumulated mining
// time reaches the timeout, injecting the timeout as a virtual solve so
// chronic starvation keeps driving difficulty down. The check is
// idempotent across resets because every reset zeroes the accumulator.
func (e *Engine) RunTimeoutWatcher(ctx context.Context) {
	ticker := time.NewTicker(timeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkTimeout()
		}
	}
}

func (e *Engine) checkTimeout() {
	e.mu.Lock()
	now := time.Now()
	timeout := e.targetTimeout
	if e.miningTimeLocked(now) < timeout {
		e.mu.Unlock()
		return
	}
	newDifficulty, reason := e.dc.RecordSolve(timeout)
	e.solveHistory.Add(timeout)
	snapshot := e.resetLocked(now, timeout)
	e.mu.Unlock()

	metrics.PuzzleTimeouts.Inc()
	logger.Info("puzzle timed out, difficulty lowered",
		"timeout", fmt.Sprintf("%.0fs", timeout),
		"difficulty", newDifficulty,
		"reason", reason)
	e.hub.Broadcast(snapshot)
}

// ForceReset resets the puzzle without recording a solve and broadcasts
// the new state. Used by the control plane.
func (e *Engine) ForceReset() {
	e.mu.Lock()
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// Control-plane mutations. Every change to the puzzle's economic
// parameters resets the puzzle immediately so no client can straddle
// the old and new parameters. Range checks happen at the admin HTTP
// layer; these apply the already-validated values.

func (e *Engine) SetDifficulty(d int) {
	e.mu.Lock()
	e.dc.SetDifficulty(d)
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

// DifficultyRange returns the current clamp range.
func (e *Engine) DifficultyRange() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dc.Range()
}

func (e *Engine) SetDifficultyRange(min, max int) {
	e.mu.Lock()
	e.dc.SetRange(min, max)
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

func (e *Engine) SetTargetTime(t float64) {
	e.mu.Lock()
	e.dc.SetTargetTime(t)
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

func (e *Engine) SetTargetTimeout(t float64) {
	e.mu.Lock()
	e.targetTimeout = t
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

func (e *Engine) SetArgon2(p pow.Params) {
	e.mu.Lock()
	e.argon2 = p
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

// SetWorkerCount updates the worker hint clients receive in the puzzle
// response, so the change also forces a reset.
func (e *Engine) SetWorkerCount(n int) {
	e.mu.Lock()
	e.workerCount = n
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

func (e *Engine) SetMaxNonceSpeed(v float64) {
	e.mu.Lock()
	e.maxNonceSpeed = v
	e.mu.Unlock()
}

// SetHMACSecret rotates the invite-code secret, invalidating all codes
// issued under the previous one, and resets the puzzle.
func (e *Engine) SetHMACSecret(secret string) {
	e.mu.Lock()
	e.hmacSecret = secret
	snapshot := e.resetLocked(time.Now(), 0)
	e.mu.Unlock()
	e.hub.Broadcast(snapshot)
}

// EngineStatus is the control-plane snapshot of the engine state.
type EngineStatus struct {
	Seed             string       `json:"seed"`
	Difficulty       int          `json:"difficulty"`
	DifficultyFloat  float64      `json:"difficulty_float"`
	MinDifficulty    int          `json:"min_difficulty"`
	MaxDifficulty    int          `json:"max_difficulty"`
	TargetTime       float64      `json:"target_time"`
	TargetTimeout    float64      `json:"target_timeout"`
	AverageSolveTime float64      `json:"average_solve_time"`
	MaxNonceSpeed    float64      `json:"max_nonce_speed"`
	WorkerCount      int          `json:"worker_count"`
	TimeCost         uint32       `json:"time_cost"`
	MemoryCost       uint32       `json:"memory_cost"`
	Parallelism      uint8        `json:"parallelism"`
	MiningTime       float64      `json:"mining_time"`
	MiningActive     bool         `json:"is_mining_active"`
	ActiveMiners     int          `json:"active_miners"`
	PuzzleStartTime  float64      `json:"puzzle_start_time"`
	SolveTimeHistory []chartPoint `json:"solve_time_history"`
}

func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	min, max := e.dc.Range()
	ema, _ := e.dc.EMA()
	return EngineStatus{
		Seed:             e.seed,
		Difficulty:       e.dc.Difficulty(),
		DifficultyFloat:  e.dc.Float(),
		MinDifficulty:    min,
		MaxDifficulty:    max,
		TargetTime:       e.dc.TargetTime(),
		TargetTimeout:    e.targetTimeout,
		AverageSolveTime: ema,
		MaxNonceSpeed:    e.maxNonceSpeed,
		WorkerCount:      e.workerCount,
		TimeCost:         e.argon2.TimeCost,
		MemoryCost:       e.argon2.MemoryKB,
		Parallelism:      e.argon2.Parallelism,
		MiningTime:       e.miningTimeLocked(time.Now()),
		MiningActive:     e.miningActive,
		ActiveMiners:     len(e.activeMiners),
		PuzzleStartTime:  unixSeconds(e.puzzleStart),
		SolveTimeHistory: e.solveHistory.Points(),
	}
}

// HMACSecret returns the current invite-code secret.
func (e *Engine) HMACSecret() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hmacSecret
}

// MaxNonceSpeed returns the current nonce-speed limit (0 = disabled).
func (e *Engine) MaxNonceSpeed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxNonceSpeed
}
