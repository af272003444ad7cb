// Package token seals issuance session IDs into opaque, self-expiring
// tokens. A token is XChaCha20-Poly1305 encrypted, so a forged or expired
// token is rejected before any store lookup happens.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	log "github.com/sirupsen/logrus"
)

type Sealer interface {
	Seal(sessionID string, now time.Time) (string, error)
	Open(token string, now time.Time) (string, error)
}

type chachaSealer struct {
	aead        cipher.AEAD
	maxLifetime time.Duration
}

// NewSealer creates a Sealer with a process-lifetime random key. Tokens do
// not survive a restart; the sessions they reference are hour-scoped anyway.
func NewSealer(maxLifetime time.Duration) Sealer {
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := rand.Read(key)
	if err != nil {
		log.WithError(err).Fatal("failed to generate session token key")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		log.WithError(err).Fatal("failed to construct chacha sealer")
	}

	return &chachaSealer{
		aead:        aead,
		maxLifetime: maxLifetime,
	}
}

func (s *chachaSealer) Seal(sessionID string, now time.Time) (string, error) {
	msg := make([]byte, 8+len(sessionID))
	binary.LittleEndian.PutUint64(msg, uint64(now.Unix()))
	copy(msg[8:], sessionID)

	cryptNonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(msg)+s.aead.Overhead())
	_, err := rand.Read(cryptNonce)
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce for token sealing: %w", err)
	}

	sealed := s.aead.Seal(cryptNonce, cryptNonce, msg, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *chachaSealer) Open(tok string, now time.Time) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", fmt.Errorf("failed to b64 decode token: %w", err)
	}

	if len(sealed) < s.aead.NonceSize() {
		return "", fmt.Errorf("token too small (%d bytes, expected at least %d)", len(sealed), s.aead.NonceSize())
	}

	cryptNonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, cryptNonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	if len(plaintext) <= 8 {
		return "", fmt.Errorf("decrypted token was %d bytes, expected more than 8", len(plaintext))
	}

	issuedAt := time.Unix(int64(binary.LittleEndian.Uint64(plaintext[:8])), 0)
	expiry := issuedAt.Add(s.maxLifetime)
	if now.After(expiry) {
		return "", fmt.Errorf("token expired %.0f seconds ago", now.Sub(expiry).Seconds())
	}

	return string(plaintext[8:]), nil
}
