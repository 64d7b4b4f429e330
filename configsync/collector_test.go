package configsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/confsync/internal/swarm"
)

func TestPendingChangesForUs_FreshAccount(t *testing.T) {
	reg := NewRegistry(testIdentity(t, 1))

	changes, err := PendingChangesForUs(reg)
	require.NoError(t, err)
	assert.True(t, changes.Empty(), "untouched variants have nothing to push")

	for _, v := range RequiredUserVariants {
		_, err := reg.User(v)
		assert.NoError(t, err, "%s was initialized on demand", v)
	}
}

func TestPendingChangesForUs_CollectsInVariantOrder(t *testing.T) {
	reg := newTestRegistry(t, testIdentity(t, 1))

	c, _ := reg.Contacts()
	require.NoError(t, c.Set(Contact{ID: userPubKey(1), Name: "one"}))

	p, _ := reg.Profile()
	require.NoError(t, p.SetName("me"))

	changes, err := PendingChangesForUs(reg)
	require.NoError(t, err)
	require.Len(t, changes.Messages, 2)

	assert.Equal(t, UserProfile, changes.Messages[0].Variant)
	assert.Equal(t, swarm.NamespaceUserProfile, changes.Messages[0].Namespace)
	assert.Equal(t, Contacts, changes.Messages[1].Variant)
	assert.Equal(t, int64(1), changes.Messages[1].Seqno)
	assert.Empty(t, changes.AllOldHashes)
}

func TestPendingChangesForUs_OldHashesDeduplicated(t *testing.T) {
	reg := newTestRegistry(t, testIdentity(t, 1))
	p, _ := reg.Profile()

	require.NoError(t, p.SetName("one"))
	_, err := p.Push()
	require.NoError(t, err)
	p.ConfirmPushed(1, "h1")

	require.NoError(t, p.SetName("two"))

	changes, err := PendingChangesForUs(reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, changes.AllOldHashes)

	again, err := PendingChangesForUs(reg)
	require.NoError(t, err)
	assert.Equal(t, changes.Messages[0].Seqno, again.Messages[0].Seqno, "retry re-sends the same seqno")
}

func TestPendingChangesForGroup_KeysFirst(t *testing.T) {
	id := testIdentity(t, 1)
	reg := newTestRegistry(t, id)
	gid, priv := newGroupKey(t)

	m, err := reg.InitMetaGroup(gid, priv, nil)
	require.NoError(t, err)

	require.NoError(t, m.Members.Set(Member{ID: id.PubKey(), Admin: true}))
	require.NoError(t, m.Info.SetName("g"))
	require.NoError(t, m.Keys.Rotate(nil))

	changes, err := PendingChangesForGroup(reg, gid)
	require.NoError(t, err)
	require.Len(t, changes.Messages, 3)

	assert.Equal(t, GroupKeys, changes.Messages[0].Variant)
	assert.True(t, changes.Messages[0].HasSeqno)
	assert.Equal(t, int64(0), changes.Messages[0].Seqno, "keys are sequenced by generation")
	assert.Equal(t, GroupInfo, changes.Messages[1].Variant)
	assert.Equal(t, GroupMembers, changes.Messages[2].Variant)
}
