package commitment

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SecretSize is the number of random bytes in a generated commitment secret.
const SecretSize = 32

// Digest binds a move to a caller-chosen secret. The binding is scoped to a
// single duel and player so a digest cannot be replayed in another duel or
// mirrored back by the opponent.
func Digest(duelID uint64, player string, move uint8, secret []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d|", duelID, player, move)
	h.Write(secret)

	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the digest and compares in constant time. A mismatch is
// reported as false, never as an error.
func Verify(duelID uint64, player string, move uint8, secret []byte, digest string) bool {
	computed := Digest(duelID, player, move, secret)

	return hmac.Equal([]byte(computed), []byte(digest))
}

// NewSecret returns a fresh high-entropy secret for a commitment.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)

	_, err := rand.Read(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	return secret, nil
}
