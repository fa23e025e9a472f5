// Package pow contains the pure proof-of-work verification primitives:
// the Argon2d solution check, invite code derivation, and the worker
// pool that keeps hash verification off the request goroutines.
package pow

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"

	"hashpass/argon2d"
)

// HashLen is the fixed Argon2d output length in bytes.
const HashLen = 32

// Params are the tunable Argon2d cost parameters. The hash length and
// variant are fixed.
type Params struct {
	TimeCost    uint32 `json:"time_cost"`
	MemoryKB    uint32 `json:"memory_cost"`
	Parallelism uint8  `json:"parallelism"`
}

// Result is the outcome of a solution check. Reason is empty when the
// solution is valid.
type Result struct {
	Valid    bool
	Reason   string
	ZeroBits int
}

// LeadingZeroBits returns the number of leading zero bits of the hash
// interpreted as a big-endian integer.
func LeadingZeroBits(hash []byte) int {
	n := 0
	for _, b := range hash {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// VerifySolution recomputes the Argon2d hash of the decimal nonce with
// salt seed+visitorID+traceData and checks it against the claimed hash
// and the difficulty (required leading zero bits of the 256-bit output).
//
// The hash comparison is constant time. The function is pure and safe
// for concurrent use.
func VerifySolution(nonce int64, seed, visitorID, traceData, claimedHash string, difficulty int, p Params) Result {
	password := []byte(strconv.FormatInt(nonce, 10))
	salt := []byte(seed + visitorID + traceData)

	raw := argon2d.Key(password, salt, p.TimeCost, p.MemoryKB, p.Parallelism, HashLen)
	computed := hex.EncodeToString(raw)

	if subtle.ConstantTimeCompare([]byte(computed), []byte(claimedHash)) != 1 {
		return Result{Reason: "Hash mismatch"}
	}

	zeroBits := LeadingZeroBits(raw)
	if zeroBits < difficulty {
		return Result{
			Reason:   fmt.Sprintf("Hash does not meet difficulty requirement (%d needed, got %d)", difficulty, zeroBits),
			ZeroBits: zeroBits,
		}
	}
	return Result{Valid: true, ZeroBits: zeroBits}
}
