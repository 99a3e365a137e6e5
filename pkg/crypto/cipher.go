// Package crypto protects tenant secrets at rest.
//
// Every value is sealed with AES-256-GCM under a key derived from the master
// key and a per-value random salt. The stored blob is self-describing:
//
//	base64( salt(64) || nonce(16) || tag(16) || ciphertext )
//
// so decryption needs nothing but the blob and the master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
)

const (
	SaltSize  = 64
	NonceSize = 16
	TagSize   = 16
	KeySize   = 32

	// DefaultIterations is the PBKDF2-HMAC-SHA512 work factor for stored blobs.
	// Changing it makes existing blobs undecryptable.
	DefaultIterations = 100_000

	headerSize = SaltSize + NonceSize + TagSize

	// MinFrameSize is the smallest decoded blob that can hold a non-empty secret.
	MinFrameSize = headerSize + 1
)

// blobEncoding rejects non-zero padding bits, so each blob has exactly one
// accepted text form.
var blobEncoding = base64.StdEncoding.Strict()

// Cipher binds a master key to the blob format. It is safe for concurrent use.
type Cipher struct {
	masterKey  []byte
	iterations int
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithIterations overrides the KDF work factor. Blobs only decrypt under the
// iteration count they were sealed with.
func WithIterations(n int) Option {
	return func(c *Cipher) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// NewCipher returns a Cipher for masterKey. An empty key is a configuration error.
func NewCipher(masterKey string, opts ...Option) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("%w: master encryption key is not set", apperrors.ErrConfiguration)
	}
	c := &Cipher{
		masterKey:  []byte(masterKey),
		iterations: DefaultIterations,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encrypt seals plaintext under masterKey with the default work factor.
func Encrypt(plaintext, masterKey string) (string, error) {
	c, err := NewCipher(masterKey)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob, masterKey string) (string, error) {
	if blob == "" {
		return "", fmt.Errorf("%w: encrypted value is empty", apperrors.ErrInvalidInput)
	}
	c, err := NewCipher(masterKey)
	if err != nil {
		return "", err
	}
	return c.Decrypt(blob)
}

// Encrypt seals plaintext with a fresh salt and nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: plaintext is empty", apperrors.ErrInvalidInput)
	}

	frame := make([]byte, headerSize, headerSize+len(plaintext)+TagSize)
	salt := frame[:SaltSize]
	nonce := frame[SaltSize : SaltSize+NonceSize]
	if _, err := rand.Read(frame[:SaltSize+NonceSize]); err != nil {
		return "", fmt.Errorf("failed to read random salt and nonce: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	// Seal appends ciphertext||tag; the tag moves in front of the ciphertext.
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ctLen := len(sealed) - TagSize
	copy(frame[SaltSize+NonceSize:headerSize], sealed[ctLen:])
	frame = append(frame, sealed[:ctLen]...)

	return blobEncoding.EncodeToString(frame), nil
}

// Decrypt authenticates and opens blob. Any authentication failure is
// reported as ErrIntegrity; no unauthenticated bytes are ever returned.
func (c *Cipher) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", fmt.Errorf("%w: encrypted value is empty", apperrors.ErrInvalidInput)
	}

	frame, err := blobEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: encrypted value is not valid base64", apperrors.ErrIntegrity)
	}
	if len(frame) < MinFrameSize {
		return "", fmt.Errorf("%w: encrypted value is shorter than %d bytes", apperrors.ErrInvalidInput, MinFrameSize)
	}

	salt := frame[:SaltSize]
	nonce := frame[SaltSize : SaltSize+NonceSize]
	tag := frame[SaltSize+NonceSize : headerSize]
	ciphertext := frame[headerSize:]

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", apperrors.ErrIntegrity)
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, c.iterations, KeySize, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// IsValidEncrypted is a structural check only: the value decodes and is long
// enough to be a blob. It does not prove the value decrypts.
func IsValidEncrypted(blob string) bool {
	if blob == "" {
		return false
	}
	frame, err := blobEncoding.DecodeString(blob)
	if err != nil {
		return false
	}
	return len(frame) >= MinFrameSize
}
