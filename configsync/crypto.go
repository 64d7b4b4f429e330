package configsync

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

// sealVersion prefixes every sealed payload and dump.
const sealVersion byte = 1

// sealer encrypts and authenticates wrapper payloads.
type sealer interface {
	seal(plain []byte) ([]byte, error)
	open(data []byte) ([]byte, error)
}

// symmetricSealer is XChaCha20-Poly1305 under one fixed key.
// Format: [version][24-byte nonce][ciphertext+tag].
type symmetricSealer struct {
	aead cipher.AEAD
}

func newSymmetricSealer(key []byte) (*symmetricSealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20-poly1305: %w", err)
	}

	return &symmetricSealer{aead: aead}, nil
}

func (s *symmetricSealer) seal(plain []byte) ([]byte, error) {
	out := make([]byte, 1+s.aead.NonceSize(), 1+s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	out[0] = sealVersion

	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return s.aead.Seal(out, out[1:], plain, out[:1]), nil
}

func (s *symmetricSealer) open(data []byte) ([]byte, error) {
	headerLen := 1 + s.aead.NonceSize()
	if len(data) < headerLen+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", apperrors.ErrDecrypt, len(data))
	}

	if data[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", apperrors.ErrDecrypt, data[0])
	}

	plain, err := s.aead.Open(nil, data[1:headerLen], data[headerLen:], data[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDecrypt, err)
	}

	return plain, nil
}

// userSealer returns the payload sealer for a user variant. Every
// device of the account derives the same key from the seed.
func userSealer(id *Identity, v Variant) (*symmetricSealer, error) {
	return newSymmetricSealer(id.DeriveKey("payload/" + v.DumpName()))
}
