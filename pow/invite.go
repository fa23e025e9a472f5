package pow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// InviteCodeLen is the number of characters handed out to a winner.
const InviteCodeLen = 10

// InviteCode derives the invite code for a winning submission: the
// first 10 characters of the URL-safe base64 encoding of
// HMAC-SHA256(secret, "visitorID:nonce:seed"). Rotating the secret
// invalidates every previously issued code.
func InviteCode(secret, visitorID string, nonce int64, seed string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:%s", visitorID, nonce, seed)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))[:InviteCodeLen]
}
