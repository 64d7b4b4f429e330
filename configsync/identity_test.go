package configsync

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

func TestNewIdentity_Deterministic(t *testing.T) {
	a := testIdentity(t, 1)
	b := testIdentity(t, 1)
	c := testIdentity(t, 2)

	assert.Equal(t, a.PubKey(), b.PubKey())
	assert.NotEqual(t, a.PubKey(), c.PubKey())
	assert.True(t, a.PubKey().IsUser())
	assert.False(t, a.PubKey().IsGroup())
}

func TestNewIdentity_BadSeed(t *testing.T) {
	_, err := NewIdentity([]byte("short"))
	assert.ErrorIs(t, err, apperrors.ErrMissingKey)
}

func TestIdentity_SignVerifies(t *testing.T) {
	id := testIdentity(t, 3)
	sig := id.Sign([]byte("payload"))

	assert.True(t, ed25519.Verify(id.Ed25519Public(), []byte("payload"), sig))
}

func TestIdentity_DeriveKeyPerLabel(t *testing.T) {
	id := testIdentity(t, 4)

	k1 := id.DeriveKey("dump")
	k2 := id.DeriveKey("payload/ContactsConfig")

	assert.Len(t, k1, 32)
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, testIdentity(t, 4).DeriveKey("dump"), "same seed derives the same key")
}

func TestGenerateSeed(t *testing.T) {
	seed, err := GenerateSeed()
	require.NoError(t, err)
	assert.Len(t, seed, seedSize)

	_, err = NewIdentity(seed)
	assert.NoError(t, err)
}

func TestPubKey_Classification(t *testing.T) {
	gid, _ := newGroupKey(t)

	assert.True(t, gid.IsGroup())
	assert.False(t, gid.IsUser())
	assert.True(t, PubKey("15abcdef").IsBlinded())
	assert.True(t, PubKey("25abcdef").IsBlinded())
	assert.False(t, userPubKey(7).IsBlinded())
	assert.Equal(t, "05abcd", PubKey("05abcd").Short())
	assert.Equal(t, "0507070707..", userPubKey(7).Short())

	raw, err := userPubKey(7).Bytes()
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	_, err = PubKey("05ab").Bytes()
	assert.Error(t, err)
}
