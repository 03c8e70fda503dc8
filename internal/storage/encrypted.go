package storage

import (
	"fmt"

	"github.com/vitalog/client/internal/crypto/atrest"
)

// Encrypted wraps a Store, sealing every value with XChaCha20-Poly1305.
// The salt key is passed through untouched so the derivation salt can live
// next to the ciphertext.
type Encrypted struct {
	inner Store
	key   []byte
}

// NewEncrypted wraps inner with a 32-byte store key (see atrest.DeriveKey).
func NewEncrypted(inner Store, key []byte) (*Encrypted, error) {
	if len(key) != atrest.KeyLen {
		return nil, fmt.Errorf("store key must be %d bytes", atrest.KeyLen)
	}
	return &Encrypted{inner: inner, key: key}, nil
}

func (s *Encrypted) Get(key string) ([]byte, error) {
	v, err := s.inner.Get(key)
	if err != nil || v == nil {
		return nil, err
	}
	if key == KeySalt {
		return v, nil
	}
	pt, err := atrest.Open(s.key, key, v)
	if err != nil {
		return nil, fmt.Errorf("unseal %s: %w", key, err)
	}
	return pt, nil
}

func (s *Encrypted) Put(key string, value []byte) error {
	if key == KeySalt {
		return s.inner.Put(key, value)
	}
	sealed, err := atrest.Seal(s.key, key, value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.inner.Put(key, sealed)
}

func (s *Encrypted) Delete(key string) error { return s.inner.Delete(key) }

func (s *Encrypted) Close() error { return s.inner.Close() }
