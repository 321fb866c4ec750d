package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// Header carries the body signature on every outgoing delivery. Receivers
// recompute the HMAC over the raw body to authenticate the sender.
const Header = "X-Webhook-Signature"

// Sign computes HMAC-SHA256 of the body using the webhook secret and returns
// the hex-encoded signature.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that the given signature matches the HMAC-SHA256 of body
// with the given secret.
func Verify(body []byte, secret, signature string) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NewSecret generates a 32-byte random signing secret, hex-encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
