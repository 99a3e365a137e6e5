package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash returns the hex SHA-256 digest of text. Use it for values that are
// compared but never recovered.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// VerifyHash compares text against a digest from Hash in constant time.
func VerifyHash(text, digest string) bool {
	want := Hash(text)
	got := strings.ToLower(digest)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// GenerateKey returns 32 random bytes, base64 encoded, suitable for
// MASTER_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	buf := make([]byte, KeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
