package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hashpass/logger"
)

// auditRotateAt is the record count that triggers rotation into a
// timestamped archive.
const auditRotateAt = 1000

// AuditRecord is one solved puzzle as persisted to the verify log.
type AuditRecord struct {
	Timestamp        string  `json:"timestamp"`
	InviteCode       string  `json:"invite_code"`
	VisitorID        string  `json:"visitor_id"`
	Nonce            int64   `json:"nonce"`
	Hash             string  `json:"hash"`
	Seed             string  `json:"seed"`
	RealIP           string  `json:"real_ip"`
	TraceData        string  `json:"trace_data"`
	Difficulty       int     `json:"difficulty"`
	SolveTime        float64 `json:"solve_time"`
	NewDifficulty    int     `json:"new_difficulty"`
	AdjustmentReason string  `json:"adjustment_reason"`
}

// AuditLog persists solve records to a JSON array file. Appends are
// serialized by a mutex; the process is the only writer. When the
// array reaches auditRotateAt records it is moved to a timestamped
// archive next to the live file.
type AuditLog struct {
	mu      sync.Mutex
	path    string
	records []AuditRecord
}

// NewAuditLog opens (or creates) the log at path. A malformed existing
// file is kept aside and the log starts empty. An empty path disables
// persistence but keeps the in-memory record list working.
func NewAuditLog(path string) *AuditLog {
	a := &AuditLog{path: path}
	if path == "" {
		return a
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read audit log", "path", path, "error", err)
		}
		return a
	}
	if err := json.Unmarshal(data, &a.records); err != nil {
		logger.Warn("malformed audit log, starting empty", "path", path, "error", err)
		a.records = nil
	}
	return a
}

// Append adds one record, rotating first if the file is full. Write
// errors are logged and swallowed; losing an audit record must never
// fail a verify response.
func (a *AuditLog) Append(rec AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.records) >= auditRotateAt {
		if err := a.rotateLocked(); err != nil {
			logger.Error("audit log rotation failed", "error", err)
		}
	}

	a.records = append(a.records, rec)
	if err := a.writeLocked(); err != nil {
		logger.Error("audit log write failed", "error", err)
	}
}

// rotateLocked moves the current records into an archive file named
// after the rotation moment and empties the live log.
func (a *AuditLog) rotateLocked() error {
	if a.path == "" {
		a.records = nil
		return nil
	}
	base := strings.TrimSuffix(a.path, filepath.Ext(a.path))
	archive := fmt.Sprintf("%s_%s.json", base, time.Now().Format("20060102_150405"))

	data, err := json.MarshalIndent(a.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling archive: %w", err)
	}
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		return fmt.Errorf("writing archive %s: %w", archive, err)
	}
	a.records = nil
	return nil
}

// writeLocked persists the live array atomically.
func (a *AuditLog) writeLocked() error {
	if a.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(a.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling audit log: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing audit temp file: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("replacing audit log: %w", err)
	}
	return nil
}

// RecentSolveTimes returns up to n most recent solve times, oldest
// first, for warm-starting the difficulty EMA.
func (a *AuditLog) RecentSolveTimes(n int) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := len(a.records) - n
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(a.records)-start)
	for _, rec := range a.records[start:] {
		out = append(out, rec.SolveTime)
	}
	return out
}

func (a *AuditLog) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Files lists the live log and its archives, newest last. Admin log
// queries are constrained to these names so the endpoint can never be
// steered at an arbitrary file.
func (a *AuditLog) Files() []string {
	if a.path == "" {
		return nil
	}
	base := strings.TrimSuffix(a.path, filepath.Ext(a.path))
	matches, err := filepath.Glob(base + "_*.json")
	if err != nil {
		matches = nil
	}
	sort.Strings(matches)
	if _, err := os.Stat(a.path); err == nil {
		matches = append(matches, a.path)
	}
	for i, m := range matches {
		matches[i] = filepath.Base(m)
	}
	return matches
}

// Query returns a page of records from the named log file (empty means
// the live log), filtered by a case-insensitive substring over invite
// code, visitor id, and IP. It returns the page and the total matching
// count.
func (a *AuditLog) Query(file, search string, offset, limit int) ([]AuditRecord, int, error) {
	records, err := a.readFile(file)
	if err != nil {
		return nil, 0, err
	}

	if search != "" {
		needle := strings.ToLower(search)
		filtered := records[:0:0]
		for _, rec := range records {
			if strings.Contains(strings.ToLower(rec.InviteCode), needle) ||
				strings.Contains(strings.ToLower(rec.VisitorID), needle) ||
				strings.Contains(strings.ToLower(rec.RealIP), needle) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	total := len(records)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return records[offset:end], total, nil
}

func (a *AuditLog) readFile(file string) ([]AuditRecord, error) {
	if file == "" || file == filepath.Base(a.path) {
		a.mu.Lock()
		defer a.mu.Unlock()
		out := make([]AuditRecord, len(a.records))
		copy(out, a.records)
		return out, nil
	}

	allowed := false
	for _, known := range a.Files() {
		if file == known {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("unknown log file %q", file)
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(a.path), file))
	if err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	var records []AuditRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing log file: %w", err)
	}
	return records, nil
}

// AuditStats aggregates invite issuance across the live log and all
// archives.
type AuditStats struct {
	TotalSolves      int     `json:"total_solves"`
	UniqueVisitors   int     `json:"unique_visitors"`
	UniqueIPs        int     `json:"unique_ips"`
	AverageSolveTime float64 `json:"average_solve_time"`
	Files            int     `json:"files"`
}

func (a *AuditLog) Stats() AuditStats {
	visitors := make(map[string]struct{})
	ips := make(map[string]struct{})
	var total int
	var solveSum float64

	files := a.Files()
	if len(files) == 0 {
		files = []string{""}
	}
	for _, f := range files {
		records, err := a.readFile(f)
		if err != nil {
			continue
		}
		for _, rec := range records {
			total++
			solveSum += rec.SolveTime
			visitors[rec.VisitorID] = struct{}{}
			ips[rec.RealIP] = struct{}{}
		}
	}

	stats := AuditStats{
		TotalSolves:    total,
		UniqueVisitors: len(visitors),
		UniqueIPs:      len(ips),
		Files:          len(files),
	}
	if total > 0 {
		stats.AverageSolveTime = solveSum / float64(total)
	}
	return stats
}
