package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen  = 16
	nonceLen = 12
	tagLen   = 16
	keyLen   = 32
)

// ErrDecryptFailed is returned on tag mismatch or a malformed blob.
// Decryption fails closed: a tampered credential never comes back as
// plaintext.
var ErrDecryptFailed = errors.New("vault: decryption failed")

// Crypter performs authenticated encryption of credential blobs. Each
// blob gets its own key, derived from the master passphrase and a
// random per-blob salt via PBKDF2-SHA256, then sealed with AES-256-GCM.
// Stored layout: salt ‖ nonce ‖ tag ‖ ciphertext.
type Crypter struct {
	masterKey  []byte
	iterations int
}

// NewCrypter creates a crypter. iterations must be at least 100k; the
// config layer validates this before we get here.
func NewCrypter(masterKey string, iterations int) *Crypter {
	return &Crypter{
		masterKey:  []byte(masterKey),
		iterations: iterations,
	}
}

// Encrypt seals plaintext into a self-contained blob.
func (c *Crypter) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: generating salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	// Seal appends ciphertext ‖ tag; the stored layout wants the tag
	// ahead of the ciphertext.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	blob := make([]byte, 0, saltLen+nonceLen+tagLen+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Decrypt is the exact inverse of Encrypt.
func (c *Crypter) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltLen+nonceLen+tagLen {
		return nil, ErrDecryptFailed
	}
	salt := blob[:saltLen]
	nonce := blob[saltLen : saltLen+nonceLen]
	tag := blob[saltLen+nonceLen : saltLen+nonceLen+tagLen]
	ct := blob[saltLen+nonceLen+tagLen:]

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (c *Crypter) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, c.iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}
	return gcm, nil
}
