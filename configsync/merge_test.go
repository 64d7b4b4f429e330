package configsync

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/confsync/internal/logging"
	"github.com/alexjbarnes/confsync/internal/swarm"
)

type mergeFixture struct {
	id      *Identity
	reg     *Registry
	store   *fakeStore
	queue   *recordingQueue
	dumps   *DumpStore
	handler *MergeHandler
	marks   interface{ Watermark(string) int64 }
}

func newMergeFixture(t *testing.T, seed byte) *mergeFixture {
	t.Helper()

	id := testIdentity(t, seed)
	st := newTestState(t)
	f := &mergeFixture{
		id:    id,
		reg:   newTestRegistry(t, id),
		store: newFakeStore(),
		queue: &recordingQueue{},
		dumps: newTestDumpStore(t, st, id),
		marks: st,
	}

	r := NewReconciler(ReconcilerDeps{Registry: f.reg, Store: f.store, Dumps: f.dumps, Cursors: st}, logging.Discard())
	f.handler = NewMergeHandler(f.reg, f.dumps, r, f.queue, st, true, logging.Discard())

	return f
}

func retrieved(v Variant, msg ConfigMessage, ts int64) swarm.RetrievedMessage {
	return swarm.RetrievedMessage{Hash: msg.Hash, Namespace: v.Namespace(), Data: msg.Data, Timestamp: ts}
}

func TestHandleUser_MergesPersistsAndReconciles(t *testing.T) {
	f := newMergeFixture(t, 1)
	ctx := context.Background()

	other := newTestRegistry(t, testIdentity(t, 1))
	contacts, _ := other.Contacts()
	require.NoError(t, contacts.Set(Contact{ID: userPubKey(0xd), Name: "Dan", Approved: true}))
	msg := retrieved(Contacts, pushMessage(t, contacts, "h1"), 1234)

	require.NoError(t, f.handler.HandleUser(ctx, []swarm.RetrievedMessage{msg}))

	dan, ok := f.store.conversation(string(userPubKey(0xd)))
	require.True(t, ok)
	assert.Equal(t, "Dan", dan.Name)
	assert.Equal(t, int64(1234), f.marks.Watermark(Contacts.DumpName()))
	assert.Empty(t, f.queue.queued(), "nothing local to push")

	recs, err := f.dumps.LoadAll()
	require.NoError(t, err)

	var names []string
	for _, rec := range recs {
		names = append(names, rec.Name)
	}

	assert.Contains(t, names, Contacts.DumpName())

	local, _ := f.reg.Contacts()
	assert.Equal(t, []string{"h1"}, local.CurrentHashes())

	require.NoError(t, f.handler.HandleUser(ctx, []swarm.RetrievedMessage{msg}), "re-delivery is a no-op")
	assert.Equal(t, int64(1234), f.marks.Watermark(Contacts.DumpName()))
	assert.False(t, local.NeedsPush())
}

func TestHandleUser_LocalChangesQueueAPush(t *testing.T) {
	f := newMergeFixture(t, 1)

	local, _ := f.reg.Contacts()
	require.NoError(t, local.Set(Contact{ID: userPubKey(0xa), Name: "Ann"}))

	other := newTestRegistry(t, testIdentity(t, 1))
	remote, _ := other.Contacts()
	require.NoError(t, remote.Set(Contact{ID: userPubKey(0xd), Name: "Dan"}))
	msg := retrieved(Contacts, pushMessage(t, remote, "h1"), 99)

	require.NoError(t, f.handler.HandleUser(context.Background(), []swarm.RetrievedMessage{msg}))

	assert.Equal(t, []PubKey{f.id.PubKey()}, f.queue.queued())

	_, ok := local.Get(userPubKey(0xa))
	assert.True(t, ok)
	_, ok = local.Get(userPubKey(0xd))
	assert.True(t, ok)
}

func TestHandleUser_IgnoresForeignNamespaces(t *testing.T) {
	f := newMergeFixture(t, 1)

	err := f.handler.HandleUser(context.Background(), []swarm.RetrievedMessage{
		{Hash: "x", Namespace: swarm.NamespaceLegacyClosedGroup, Data: []byte("whatever")},
		{Hash: "y", Namespace: GroupInfo.Namespace(), Data: []byte("whatever")},
	})
	require.NoError(t, err)
	assert.Empty(t, f.queue.queued())
}

func TestHandleUser_ForeignAccountDataRejected(t *testing.T) {
	f := newMergeFixture(t, 1)

	stranger := newTestRegistry(t, testIdentity(t, 2))
	p, _ := stranger.Profile()
	require.NoError(t, p.SetName("mallory"))
	msg := retrieved(UserProfile, pushMessage(t, p, "h1"), 50)

	require.NoError(t, f.handler.HandleUser(context.Background(), []swarm.RetrievedMessage{msg}))

	mine, _ := f.reg.Profile()
	assert.Empty(t, mine.Name())
	assert.Zero(t, f.marks.Watermark(UserProfile.DumpName()), "rejected messages do not move the watermark")
}

func TestHandleGroup_KeysApplyBeforeInfo(t *testing.T) {
	admin := newMergeFixture(t, 1)
	member := newMergeFixture(t, 2)
	ctx := context.Background()

	gid, priv := newGroupKey(t)

	am, err := admin.reg.InitMetaGroup(gid, priv, nil)
	require.NoError(t, err)
	require.NoError(t, am.Keys.Rotate([]PubKey{member.id.PubKey()}))
	require.NoError(t, am.Info.SetName("Team"))
	require.NoError(t, am.Members.Set(Member{ID: admin.id.PubKey(), Admin: true}))
	require.NoError(t, am.Members.Set(Member{ID: member.id.PubKey()}))

	keys := retrieved(GroupKeys, pushMessage(t, am.Keys, "k1"), 1)
	info := retrieved(GroupInfo, pushMessage(t, am.Info, "i1"), 2)
	members := retrieved(GroupMembers, pushMessage(t, am.Members, "m1"), 3)

	mm, err := member.reg.InitMetaGroup(gid, nil, nil)
	require.NoError(t, err)
	member.store.convos[string(gid)] = Conversation{ID: string(gid), Type: ConversationGroup, ActiveAt: 1}

	require.NoError(t, member.handler.HandleGroup(ctx, gid, []swarm.RetrievedMessage{info, members, keys}))

	assert.Equal(t, "Team", mm.Info.Name())
	assert.Zero(t, mm.Deferred())
	assert.Empty(t, member.queue.queued(), "members never push group config")

	c, _ := member.store.conversation(string(gid))
	assert.Equal(t, "Team", c.Name)
	assert.Equal(t, []string{string(admin.id.PubKey())}, c.Admins)

	recs, err := member.dumps.LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, MetaGroupDumpName(gid), recs[0].Name)
}

func TestHandleGroup_UnknownGroup(t *testing.T) {
	f := newMergeFixture(t, 1)
	gid, _ := newGroupKey(t)

	assert.Error(t, f.handler.HandleGroup(context.Background(), gid, nil))
}

func TestHandleUser_LogsRejectedMessages(t *testing.T) {
	f := newMergeFixture(t, 1)

	var logs bytes.Buffer
	h := NewMergeHandler(f.reg, f.dumps, nil, f.queue, nil, false, slog.New(slog.NewTextHandler(&logs, nil)))

	other := newTestRegistry(t, testIdentity(t, 1))
	contacts, _ := other.Contacts()
	require.NoError(t, contacts.Set(Contact{ID: userPubKey(0xd), Name: "Dan"}))

	good := retrieved(Contacts, pushMessage(t, contacts, "h1"), 10)
	junk := retrieved(Contacts, ConfigMessage{Hash: "junk", Data: []byte("not a sealed payload")}, 11)

	require.NoError(t, h.HandleUser(context.Background(), []swarm.RetrievedMessage{junk, good}))

	local, _ := f.reg.Contacts()
	dan, ok := local.Get(userPubKey(0xd))
	require.True(t, ok, "the readable message is still merged")
	assert.Equal(t, "Dan", dan.Name)

	assert.Contains(t, logs.String(), "config message rejected")
	assert.Contains(t, logs.String(), "junk")
}
