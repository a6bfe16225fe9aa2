package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealBroken reports a stored value that fails authentication.
var ErrSealBroken = errors.New("sealed value failed authentication")

// Sealed encrypts values at rest with XChaCha20-Poly1305. The key name is bound as
// additional data so a payload cannot be replayed under another collection.
type Sealed struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealed wraps inner with a 32 byte key.
func NewSealed(inner Store, key []byte) (*Sealed, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) Get(ctx context.Context, key string) (Item, error) {
	it, err := s.inner.Get(ctx, key)
	if err != nil || len(it.Value) == 0 {
		return it, err
	}
	ns := s.aead.NonceSize()
	if len(it.Value) < ns+s.aead.Overhead() {
		return Item{}, fmt.Errorf("open %s: %w", key, ErrSealBroken)
	}
	plain, err := s.aead.Open(nil, it.Value[:ns], it.Value[ns:], []byte(key))
	if err != nil {
		return Item{}, fmt.Errorf("open %s: %w", key, ErrSealBroken)
	}
	return Item{Value: plain, Revision: it.Revision}, nil
}

func (s *Sealed) Put(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return 0, fmt.Errorf("nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, value, []byte(key))
	return s.inner.Put(ctx, key, sealed, expectedRevision)
}

func (s *Sealed) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *Sealed) Close() error { return s.inner.Close() }
