// Package encrypted decorates a Secure Storage backend with authenticated
// encryption so the persisted refresh token is never written in plaintext.
package encrypted

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
)

const keyInfo = "authsession/storage/v1"

var (
	ErrEmptySecret = errors.New("encryption secret is empty")
	ErrDecrypt     = errors.New("stored value cannot be decrypted")
)

// Backend is the wrapped storage.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Storage struct {
	next Backend
	aead cipher.AEAD
}

// New derives a 256-bit key from secret with HKDF-SHA256 and wraps next.
func New(next Backend, secret string) (*Storage, error) {
	const op = "storage.encrypted.New"

	if secret == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrEmptySecret)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{next: next, aead: aead}, nil
}

func (s *Storage) Get(ctx context.Context, key string) (string, error) {
	const op = "storage.encrypted.Get"

	sealed, err := s.next.Get(ctx, key)
	if err != nil {
		return "", err
	}

	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", fmt.Errorf("%s: %w: %w", op, storage.ErrCorrupt, ErrDecrypt)
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]

	// The key name is bound as associated data so a value cannot be moved between keys.
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, storage.ErrCorrupt, ErrDecrypt)
	}

	return string(plain), nil
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	const op = "storage.encrypted.Set"

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))

	return s.next.Set(ctx, key, base64.RawStdEncoding.EncodeToString(sealed))
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.next.Delete(ctx, key)
}
