package webhook

import (
	"crypto/rand"
	"encoding/hex"
)

const secretBytes = 32

// generateSecret produces a fresh 32-byte random secret, hex-encoded to 64
// characters, for a webhook subscription's transport (spec.md §4.7
// "Subscribe / unsubscribe"). Adapted from the teacher's
// crypto/rand.Int-based password generator, simplified to raw bytes since a
// webhook secret has no charset constraint.
func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
