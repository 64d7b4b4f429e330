package configsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

type groupFixture struct {
	admin, member *Identity
	gid           PubKey
	meta          *MetaGroup
	keys          ConfigMessage
	info          ConfigMessage
	members       ConfigMessage
}

// newGroupFixture creates an admin-side group with one rotation, a
// name and one member, and pushes all three parts.
func newGroupFixture(t *testing.T) groupFixture {
	t.Helper()

	f := groupFixture{admin: testIdentity(t, 1), member: testIdentity(t, 2)}

	gid, priv := newGroupKey(t)
	f.gid = gid

	m, err := newMetaGroup(f.admin, gid, priv, nil)
	require.NoError(t, err)
	f.meta = m

	require.NoError(t, m.Keys.Rotate([]PubKey{f.member.PubKey()}))
	require.NoError(t, m.Info.SetName("Team"))
	require.NoError(t, m.Members.Set(Member{ID: f.member.PubKey(), Name: "member", Invited: true}))

	f.keys = pushMessage(t, m.Keys, "k1")
	f.info = pushMessage(t, m.Info, "i1")
	f.members = pushMessage(t, m.Members, "m1")

	return f
}

func TestMetaGroup_InfoBeforeKeysIsDeferred(t *testing.T) {
	f := newGroupFixture(t)

	mm, err := newMetaGroup(f.member, f.gid, nil, nil)
	require.NoError(t, err)

	res := mm.Merge(nil, []ConfigMessage{f.info}, []ConfigMessage{f.members})
	assert.Equal(t, 0, res.Accepted())
	assert.Equal(t, 2, res.Deferred)
	assert.Empty(t, res.Failed)
	assert.Empty(t, mm.Info.Name())

	dump, err := mm.Dump()
	require.NoError(t, err)

	restored, err := newMetaGroup(f.member, f.gid, nil, dump.Data)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Deferred(), "deferred items survive a restart")

	res = restored.Merge([]ConfigMessage{f.keys}, nil, nil)
	assert.Equal(t, []string{"k1"}, res.Keys)
	assert.Equal(t, []string{"i1"}, res.Info)
	assert.Equal(t, []string{"m1"}, res.Members)
	assert.Equal(t, 0, res.Deferred)

	assert.Equal(t, "Team", restored.Info.Name())

	got, ok := restored.Members.Get(f.member.PubKey())
	require.True(t, ok)
	assert.Equal(t, "member", got.Name)
}

func TestMetaGroup_KeysFirstInSameBatch(t *testing.T) {
	f := newGroupFixture(t)

	mm, err := newMetaGroup(f.member, f.gid, nil, nil)
	require.NoError(t, err)

	res := mm.Merge([]ConfigMessage{f.keys}, []ConfigMessage{f.info}, []ConfigMessage{f.members})
	assert.Equal(t, 3, res.Accepted())
	assert.Equal(t, 0, res.Deferred)
	assert.Equal(t, "Team", mm.Info.Name())
}

func TestMetaGroup_NonAdminIsReadOnly(t *testing.T) {
	f := newGroupFixture(t)

	mm, err := newMetaGroup(f.member, f.gid, nil, nil)
	require.NoError(t, err)
	mm.Merge([]ConfigMessage{f.keys}, []ConfigMessage{f.info}, []ConfigMessage{f.members})

	assert.False(t, mm.IsAdmin())
	assert.False(t, mm.NeedsPush(), "members never push group data")
	assert.ErrorIs(t, mm.Info.SetName("renamed"), apperrors.ErrNotAdmin)
	assert.ErrorIs(t, mm.Keys.Rotate(nil), apperrors.ErrNotAdmin)
	assert.False(t, mm.Members.Erase(f.member.PubKey()))
}

func TestMetaGroup_ForeignKeysMessageHasNoKey(t *testing.T) {
	f := newGroupFixture(t)
	outsider := testIdentity(t, 3)

	om, err := newMetaGroup(outsider, f.gid, nil, nil)
	require.NoError(t, err)

	res := om.Merge([]ConfigMessage{f.keys}, []ConfigMessage{f.info}, nil)
	assert.Equal(t, []string{"k1"}, res.Keys, "keys message is valid, just not for us")
	assert.Empty(t, om.Keys.Generations())
	assert.Equal(t, 1, res.Deferred)
}

func TestMetaGroup_RejectsBadSignature(t *testing.T) {
	f := newGroupFixture(t)

	tampered := f.keys
	tampered.Hash = "k2"
	tampered.Data = append([]byte(nil), f.keys.Data...)
	tampered.Data[len(tampered.Data)/2] ^= 0xff

	mm, err := newMetaGroup(f.member, f.gid, nil, nil)
	require.NoError(t, err)

	res := mm.Merge([]ConfigMessage{tampered}, nil, nil)
	assert.Empty(t, res.Keys)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0], apperrors.ErrDecrypt)
}

func TestMetaGroup_AdminWithoutKeysCannotPush(t *testing.T) {
	admin := testIdentity(t, 1)
	gid, priv := newGroupKey(t)

	m, err := newMetaGroup(admin, gid, priv, nil)
	require.NoError(t, err)
	require.NoError(t, m.Info.SetName("x"))

	_, err = m.Info.Push()
	assert.ErrorIs(t, err, apperrors.ErrMissingKey)
}

func TestMetaGroup_AdminKeyMustMatch(t *testing.T) {
	gid, _ := newGroupKey(t)
	_, otherPriv := newGroupKey(t)

	_, err := newMetaGroup(testIdentity(t, 1), gid, otherPriv, nil)
	assert.Error(t, err)
}

func TestMetaGroup_DumpGenerations(t *testing.T) {
	f := newGroupFixture(t)
	assert.True(t, f.meta.NeedsDump())

	d, err := f.meta.Dump()
	require.NoError(t, err)

	f.meta.MarkDumped(d.Generation)
	assert.False(t, f.meta.NeedsDump())

	require.NoError(t, f.meta.Info.SetDescription("about"))
	assert.True(t, f.meta.NeedsDump())
}

func TestMetaGroup_WrapperPanicsForUserVariant(t *testing.T) {
	f := newGroupFixture(t)

	assert.Panics(t, func() { f.meta.wrapper(Contacts) })
	assert.Equal(t, GroupKeys, f.meta.wrapper(GroupKeys).Variant())
}
