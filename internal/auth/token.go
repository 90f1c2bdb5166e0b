// Package auth issues participant access tokens and verifies signed robot
// callbacks.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidSignature = errors.New("invalid signature")

const SignatureHeader = "X-Robot-Signature"

// NewParticipantToken returns an opaque token for a participant link.
func NewParticipantToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TokensEqual compares a presented token against the stored one in constant
// time. An empty stored token never matches.
func TokensEqual(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return hmac.Equal([]byte(stored), []byte(presented))
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret []byte, body []byte) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

func VerifySignature(secret []byte, body []byte, signature string) error {
	if len(secret) == 0 || signature == "" {
		return ErrInvalidSignature
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}
