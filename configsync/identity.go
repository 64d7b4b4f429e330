package configsync

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

// Key prefixes distinguishing the kind of identity a PubKey names.
const (
	prefixUser     = "05"
	prefixGroup    = "03"
	prefixBlinded  = "15"
	prefixBlinded2 = "25"

	pubKeyHexLen = 66
	seedSize     = 32
)

// PubKey is a hex public key with a one-byte type prefix: 05 for an
// account (X25519), 03 for a group (Ed25519), 15 and 25 for blinded ids.
type PubKey string

// IsGroup reports whether pk names a group.
func (pk PubKey) IsGroup() bool {
	return len(pk) == pubKeyHexLen && strings.HasPrefix(string(pk), prefixGroup)
}

// IsUser reports whether pk names an account.
func (pk PubKey) IsUser() bool {
	return len(pk) == pubKeyHexLen && strings.HasPrefix(string(pk), prefixUser)
}

// IsBlinded reports whether pk is a blinded community id.
func (pk PubKey) IsBlinded() bool {
	return strings.HasPrefix(string(pk), prefixBlinded) || strings.HasPrefix(string(pk), prefixBlinded2)
}

// Short abbreviates pk for logs.
func (pk PubKey) Short() string {
	if len(pk) <= 10 {
		return string(pk)
	}

	return string(pk[:10]) + ".."
}

// Bytes returns the 32 key bytes without the prefix.
func (pk PubKey) Bytes() ([]byte, error) {
	if len(pk) != pubKeyHexLen {
		return nil, fmt.Errorf("public key %q has length %d", pk.Short(), len(pk))
	}

	return hex.DecodeString(string(pk[2:]))
}

// GroupPubKey returns the group id for an Ed25519 group public key.
func GroupPubKey(pub ed25519.PublicKey) PubKey {
	return PubKey(prefixGroup + hex.EncodeToString(pub))
}

// Identity is the local account's key material, derived from a 32-byte
// seed.
type Identity struct {
	seed   []byte
	edPriv ed25519.PrivateKey
	xPriv  []byte
	xPub   []byte
}

// GenerateSeed returns a fresh random account seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}

	return seed, nil
}

// NewIdentity derives the account keys from seed. The X25519 key is the
// Montgomery form of the Ed25519 key, so both share one scalar.
func NewIdentity(seed []byte) (*Identity, error) {
	if len(seed) != seedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", apperrors.ErrMissingKey, seedSize, len(seed))
	}

	edPriv := ed25519.NewKeyFromSeed(seed)

	h := sha512.Sum512(seed)
	scalar := h[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	xPub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving x25519 key: %w", err)
	}

	return &Identity{
		seed:   append([]byte(nil), seed...),
		edPriv: edPriv,
		xPriv:  append([]byte(nil), scalar...),
		xPub:   xPub,
	}, nil
}

// PubKey returns the account id (05 + X25519 public key).
func (id *Identity) PubKey() PubKey {
	return PubKey(prefixUser + hex.EncodeToString(id.xPub))
}

// Ed25519Public returns the account signing key.
func (id *Identity) Ed25519Public() ed25519.PublicKey {
	return id.edPriv.Public().(ed25519.PublicKey)
}

// Sign signs msg with the account key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.edPriv, msg)
}

// x25519Keys returns copies of the account encryption key pair.
func (id *Identity) x25519Keys() (pub, priv *[32]byte) {
	pub, priv = new([32]byte), new([32]byte)
	copy(pub[:], id.xPub)
	copy(priv[:], id.xPriv)

	return pub, priv
}

// DeriveKey derives a 32-byte symmetric key for label from the seed.
func (id *Identity) DeriveKey(label string) []byte {
	h, err := blake3.NewKeyed(id.seed)
	if err != nil {
		panic("configsync: keyed hash rejected a checked seed: " + err.Error())
	}

	h.Write([]byte("confsync/" + label))

	return h.Sum(nil)[:32]
}
