package pow

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hashpass/argon2d"
)

// Cheap parameters keep the tests fast; correctness does not depend on
// the cost settings.
var testParams = Params{TimeCost: 1, MemoryKB: 8, Parallelism: 1}

// findNonce searches for a nonce whose hash has at least the requested
// number of leading zero bits and returns the nonce with its hex hash.
func findNonce(t *testing.T, seed, visitorID, traceData string, difficulty int) (int64, string) {
	t.Helper()
	salt := []byte(seed + visitorID + traceData)
	for nonce := int64(0); nonce < 100000; nonce++ {
		raw := argon2d.Key([]byte(strconv.FormatInt(nonce, 10)), salt,
			testParams.TimeCost, testParams.MemoryKB, testParams.Parallelism, HashLen)
		if LeadingZeroBits(raw) >= difficulty {
			return nonce, hex.EncodeToString(raw)
		}
	}
	t.Fatal("no nonce found within search bound")
	return 0, ""
}

func TestVerifySolutionAccept(t *testing.T) {
	seed := "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	nonce, hash := findNonce(t, seed, "v1", "ip=1.2.3.4\nts=0", 4)

	res := VerifySolution(nonce, seed, "v1", "ip=1.2.3.4\nts=0", hash, 4, testParams)
	require.True(t, res.Valid, "reason: %s", res.Reason)
	assert.GreaterOrEqual(t, res.ZeroBits, 4)
}

func TestVerifySolutionHashMismatch(t *testing.T) {
	seed := "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	nonce, hash := findNonce(t, seed, "v1", "trace", 1)

	// Flip one hex digit of the claimed hash.
	bad := []byte(hash)
	if bad[0] == 'f' {
		bad[0] = '0'
	} else {
		bad[0] = 'f'
	}
	res := VerifySolution(nonce, seed, "v1", "trace", string(bad), 1, testParams)
	assert.False(t, res.Valid)
	assert.Equal(t, "Hash mismatch", res.Reason)
}

func TestVerifySolutionDifficultyNotMet(t *testing.T) {
	seed := "ffeeddccbbaa99887766554433221100"
	// Find a nonce with fewer than 20 leading zero bits but a correct hash.
	salt := []byte(seed + "v1" + "trace")
	var nonce int64
	var hash string
	var got int
	for n := int64(0); ; n++ {
		raw := argon2d.Key([]byte(strconv.FormatInt(n, 10)), salt, 1, 8, 1, HashLen)
		if zb := LeadingZeroBits(raw); zb < 20 {
			nonce, hash, got = n, hex.EncodeToString(raw), zb
			break
		}
	}

	res := VerifySolution(nonce, seed, "v1", "trace", hash, 20, testParams)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "difficulty requirement")
	assert.Contains(t, res.Reason, "(20 needed")
	assert.Equal(t, got, res.ZeroBits)
}

func TestVerifySolutionSaltBinding(t *testing.T) {
	seed := "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	nonce, hash := findNonce(t, seed, "v1", "trace", 1)

	// The same hash must not verify against a different visitor or seed.
	res := VerifySolution(nonce, seed, "v2", "trace", hash, 1, testParams)
	assert.False(t, res.Valid)
	res = VerifySolution(nonce, "00000000000000000000000000000000", "v1", "trace", hash, 1, testParams)
	assert.False(t, res.Valid)
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		hash []byte
		want int
	}{
		{[]byte{0x80, 0x00}, 0},
		{[]byte{0x40, 0x00}, 1},
		{[]byte{0x0f, 0xff}, 4},
		{[]byte{0x00, 0xff}, 8},
		{[]byte{0x00, 0x01}, 15},
		{[]byte{0x00, 0x00}, 16},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LeadingZeroBits(tc.hash), "hash %x", tc.hash)
	}
}

func TestInviteCodeDeterministic(t *testing.T) {
	c1 := InviteCode("secret-hex", "visitor-1", 424242, "aabbccdd")
	c2 := InviteCode("secret-hex", "visitor-1", 424242, "aabbccdd")
	assert.Equal(t, c1, c2)
	assert.Len(t, c1, InviteCodeLen)
}

func TestInviteCodeSecretRotation(t *testing.T) {
	before := InviteCode("old-secret", "visitor-1", 7, "seed")
	after := InviteCode("new-secret", "visitor-1", 7, "seed")
	assert.NotEqual(t, before, after)
}

func TestInviteCodeInputBinding(t *testing.T) {
	base := InviteCode("s", "v", 1, "seed")
	assert.NotEqual(t, base, InviteCode("s", "w", 1, "seed"))
	assert.NotEqual(t, base, InviteCode("s", "v", 2, "seed"))
	assert.NotEqual(t, base, InviteCode("s", "v", 1, "daes"))
}

func TestPoolVerify(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	seed := "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	nonce, hash := findNonce(t, seed, "v1", "trace", 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := pool.Verify(context.Background(), Job{
				Nonce: nonce, Seed: seed, VisitorID: "v1", TraceData: "trace",
				ClaimedHash: hash, Difficulty: 2, Params: testParams,
			})
			assert.NoError(t, err)
			assert.True(t, res.Valid)
		}()
	}
	wg.Wait()
}

func TestPoolVerifyCancelled(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	// Park the only worker so the submission below cannot be handed off.
	gate := make(chan Result)
	pool.tasks <- task{job: Job{Params: testParams}, result: gate}
	defer func() { <-gate }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Verify(ctx, Job{Params: testParams, ClaimedHash: "00"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultPoolSize(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultPoolSize(), 1)
}
