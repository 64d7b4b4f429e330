package configsync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/confsync/internal/logging"
)

type fakeExpiry struct {
	mu    sync.Mutex
	calls map[string][]StoredMessage
}

func (f *fakeExpiry) UpdateExpiry(_ context.Context, convo string, msgs []StoredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.calls == nil {
		f.calls = make(map[string][]StoredMessage)
	}

	f.calls[convo] = append(f.calls[convo], msgs...)

	return nil
}

type reconcileFixture struct {
	id         *Identity
	reg        *Registry
	store      *fakeStore
	subs       *fakeSubs
	membership *fakeMembership
	expiry     *fakeExpiry
	focused    string
	r          *Reconciler
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()

	id := testIdentity(t, 1)
	f := &reconcileFixture{
		id:         id,
		reg:        newTestRegistry(t, id),
		store:      newFakeStore(),
		subs:       newFakeSubs(),
		membership: &fakeMembership{fail: make(map[string]bool)},
		expiry:     &fakeExpiry{},
	}

	f.r = NewReconciler(ReconcilerDeps{
		Registry:   f.reg,
		Store:      f.store,
		Membership: f.membership,
		Subs:       f.subs,
		Expiry:     f.expiry,
		Focused:    func() string { return f.focused },
	}, logging.Discard())

	return f
}

func (f *reconcileFixture) private(b byte, extra func(*Conversation)) string {
	c := Conversation{ID: string(userPubKey(b)), Type: ConversationPrivate, ActiveAt: 1000, Approved: true}
	if extra != nil {
		extra(&c)
	}

	f.store.convos[c.ID] = c

	return c.ID
}

func TestReconcileProfile_UpdatesOwnConversation(t *testing.T) {
	f := newReconcileFixture(t)
	me := string(f.id.PubKey())
	f.store.convos[me] = Conversation{ID: me, Type: ConversationPrivate, IsMe: true, ActiveAt: 1}

	p, _ := f.reg.Profile()
	require.NoError(t, p.SetName("Alice"))
	require.NoError(t, p.SetPicture(ProfilePicture{URL: "https://files/1", Key: []byte("0123456789abcdef0123456789abcdef")}))
	require.NoError(t, p.SetNoteToSelfPriority(3))

	require.NoError(t, f.r.Reconcile(context.Background(), UserProfile))

	c, _ := f.store.conversation(me)
	assert.Equal(t, "Alice", c.Name)
	assert.Equal(t, "https://files/1", c.AvatarURL)
	assert.Equal(t, int64(3), c.Priority)
}

func TestReconcileProfile_NoOwnConversation(t *testing.T) {
	f := newReconcileFixture(t)
	require.NoError(t, f.r.Reconcile(context.Background(), UserProfile))
	assert.Empty(t, f.store.convos)
}

func TestReconcileContacts_AddsRemovesUpdates(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	a := f.private(0xa, nil)
	b := f.private(0xb, func(c *Conversation) { c.Name = "old" })
	c := f.private(0xc, nil)
	f.store.addMessage(StoredMessage{ID: "m1", ConversationID: a})

	contacts, _ := f.reg.Contacts()
	require.NoError(t, contacts.Set(Contact{ID: userPubKey(0xb), Name: "Bob", Approved: true}))
	require.NoError(t, contacts.Set(Contact{ID: userPubKey(0xc), Approved: true}))
	require.NoError(t, contacts.Set(Contact{ID: userPubKey(0xd), Name: "Dan", CreatedAt: 1700000000}))

	require.NoError(t, f.r.Reconcile(ctx, Contacts))

	assert.Equal(t, []string{b, c, string(userPubKey(0xd))}, f.store.ids(ConversationPrivate))
	assert.Equal(t, 1, f.store.clearedCounts[a], "removed conversation lost its messages")

	bob, _ := f.store.conversation(b)
	assert.Equal(t, "Bob", bob.Name)

	dan, _ := f.store.conversation(string(userPubKey(0xd)))
	assert.Equal(t, int64(1700000000000), dan.ActiveAt)
	assert.False(t, dan.Approved)
}

func TestReconcileContacts_IgnoresUntrackedConversations(t *testing.T) {
	f := newReconcileFixture(t)

	inactive := f.private(0x1, func(c *Conversation) { c.ActiveAt = 0 })
	blinded := "15" + string(userPubKey(0x2))[2:]
	f.store.convos[blinded] = Conversation{ID: blinded, Type: ConversationPrivate, ActiveAt: 5}
	me := string(f.id.PubKey())
	f.store.convos[me] = Conversation{ID: me, Type: ConversationPrivate, IsMe: true, ActiveAt: 5}

	require.NoError(t, f.r.Reconcile(context.Background(), Contacts))

	_, ok := f.store.conversation(inactive)
	assert.True(t, ok)
	_, ok = f.store.conversation(blinded)
	assert.True(t, ok)
	_, ok = f.store.conversation(me)
	assert.True(t, ok)
}

func TestReconcileContacts_KeepsFocusedUnapproved(t *testing.T) {
	f := newReconcileFixture(t)

	request := f.private(0xe, func(c *Conversation) { c.Approved = false })
	approved := f.private(0xf, nil)
	f.focused = request

	require.NoError(t, f.r.Reconcile(context.Background(), Contacts))

	_, ok := f.store.conversation(request)
	assert.True(t, ok, "open message request survives")
	_, ok = f.store.conversation(approved)
	assert.False(t, ok)

	f.focused = ""
	require.NoError(t, f.r.Reconcile(context.Background(), Contacts))

	_, ok = f.store.conversation(request)
	assert.False(t, ok, "removed once no longer focused")
}

func TestReconcileContacts_HidingClearsMessagesOnce(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	b := f.private(0xb, nil)
	f.store.addMessage(StoredMessage{ID: "m1", ConversationID: b})

	contacts, _ := f.reg.Contacts()
	require.NoError(t, contacts.Set(Contact{ID: userPubKey(0xb), Approved: true, Priority: PriorityHidden}))

	require.NoError(t, f.r.Reconcile(ctx, Contacts))
	require.NoError(t, f.r.Reconcile(ctx, Contacts))

	assert.Equal(t, 1, f.store.clearedCounts[b])

	c, ok := f.store.conversation(b)
	require.True(t, ok, "hidden contacts keep their conversation")
	assert.Equal(t, PriorityHidden, c.Priority)
}

func TestReconcileVolatile_AdvancesReadPosition(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	b := f.private(0xb, nil)
	f.store.addMessage(StoredMessage{ID: "m1", ConversationID: b, SentAt: 100, ExpiresAfterRead: true})
	f.store.addMessage(StoredMessage{ID: "m2", ConversationID: b, SentAt: 200})
	f.store.addMessage(StoredMessage{ID: "m3", ConversationID: b, SentAt: 300, ExpiresAfterRead: true})

	volatile, _ := f.reg.ConvoInfoVolatile()
	require.NoError(t, volatile.Set(VolatileEntry{Kind: VolatileOneToOne, ConversationID: b, LastRead: 250}))
	require.NoError(t, volatile.Set(VolatileEntry{Kind: VolatileOneToOne, ConversationID: string(userPubKey(0x9)), LastRead: 1}))

	require.NoError(t, f.r.Reconcile(ctx, ConvoInfoVolatile))
	f.r.Wait()

	c, _ := f.store.conversation(b)
	assert.Equal(t, int64(250), c.LastRead)

	f.expiry.mu.Lock()
	calls := f.expiry.calls[b]
	f.expiry.mu.Unlock()
	require.Len(t, calls, 1, "only delete-after-read messages get new expiries")
	assert.Equal(t, "m1", calls[0].ID)

	f.store.mu.Lock()
	read := []bool{f.store.messages[b][0].Read, f.store.messages[b][1].Read, f.store.messages[b][2].Read}
	f.store.mu.Unlock()
	assert.Equal(t, []bool{true, true, false}, read)
}

func TestReconcileVolatile_NeverMovesReadBackwards(t *testing.T) {
	f := newReconcileFixture(t)
	b := f.private(0xb, func(c *Conversation) { c.LastRead = 500 })

	volatile, _ := f.reg.ConvoInfoVolatile()
	require.NoError(t, volatile.Set(VolatileEntry{Kind: VolatileOneToOne, ConversationID: b, LastRead: 250, Unread: true}))

	require.NoError(t, f.r.Reconcile(context.Background(), ConvoInfoVolatile))

	c, _ := f.store.conversation(b)
	assert.Equal(t, int64(500), c.LastRead)
	assert.True(t, c.Unread)
}

const testServerKey = "a03c383cf63c3c4efe67acc52112a6dd734b3a946b9545f488aaa93da7991238"

func TestReconcileCommunities_JoinsAndLeaves(t *testing.T) {
	f := newReconcileFixture(t)

	stale := "https://old.example/room"
	f.store.convos[stale] = Conversation{ID: stale, Type: ConversationCommunity, ActiveAt: 1}

	good := Community{BaseURL: "https://open.example", Room: "Lounge", PubKeyHex: testServerKey}
	bad := Community{BaseURL: "https://down.example", Room: "void", PubKeyHex: testServerKey}
	f.membership.fail[bad.ConversationID()] = true

	groups, _ := f.reg.UserGroups()
	require.NoError(t, groups.SetCommunity(good))
	require.NoError(t, groups.SetCommunity(bad))

	require.NoError(t, f.r.Reconcile(context.Background(), UserGroups))

	assert.Equal(t, []string{good.ConversationID()}, f.membership.joined)
	assert.Equal(t, []string{stale}, f.membership.left)
	assert.Equal(t, []string{good.ConversationID()}, f.store.ids(ConversationCommunity), "failing entry is skipped, others proceed")
	assert.Equal(t, "https://open.example/lounge", good.ConversationID())
}

func TestReconcileLegacyGroups_CachesKeypairAndSubscribes(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	gid := userPubKey(0x42)
	groups, _ := f.reg.UserGroups()
	require.NoError(t, groups.SetLegacyGroup(LegacyGroup{
		ID:        gid,
		Name:      "Old Friends",
		Members:   map[PubKey]bool{f.id.PubKey(): true, userPubKey(0x7): false},
		EncPubKey: []byte("pub"),
		EncSecKey: []byte("sec"),
		JoinedAt:  1700000000,
	}))

	gone := string(userPubKey(0x43))
	f.store.convos[gone] = Conversation{ID: gone, Type: ConversationLegacy, ActiveAt: 1}
	f.subs.AddGroup(PubKey(gone))

	require.NoError(t, f.r.Reconcile(ctx, UserGroups))

	c, ok := f.store.conversation(string(gid))
	require.True(t, ok)
	assert.Equal(t, "Old Friends", c.Name)
	assert.Equal(t, []string{string(f.id.PubKey())}, c.Admins)
	assert.Len(t, c.Members, 2)
	assert.Equal(t, int64(1700000000000), c.ActiveAt)

	assert.Equal(t, []byte("sec"), f.store.keypairs[string(gid)].SecKey)
	assert.True(t, f.subs.has(gid))
	assert.False(t, f.subs.has(PubKey(gone)))
	_, ok = f.store.conversation(gone)
	assert.False(t, ok)
}

func TestReconcileGroups_InitializesAndRemoves(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	st := newTestState(t)
	dumps := newTestDumpStore(t, st, f.id)
	f.r.dumps = dumps
	f.r.cursors = st

	kept, keptKey := newGroupKey(t)
	kicked, _ := newGroupKey(t)
	gone, goneKey := newGroupKey(t)

	groups, _ := f.reg.UserGroups()
	require.NoError(t, groups.SetGroup(Group{ID: kept, Name: "Team", SecretKey: keptKey}))
	require.NoError(t, groups.SetGroup(Group{ID: kicked, Name: "Ex", Kicked: true}))

	_, err := f.reg.InitMetaGroup(gone, goneKey, nil)
	require.NoError(t, err)
	f.store.convos[string(gone)] = Conversation{ID: string(gone), Type: ConversationGroup, ActiveAt: 1}
	f.subs.AddGroup(gone)
	require.NoError(t, dumps.Save(gone, MetaGroupDumpName(gone), []byte("dump")))
	require.NoError(t, st.SetCursor(string(gone), 11, "h1"))

	require.NoError(t, f.r.Reconcile(ctx, UserGroups))

	m, err := f.reg.Group(kept)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin())
	assert.True(t, f.subs.has(kept))

	_, err = f.reg.Group(kicked)
	require.NoError(t, err, "kicked groups still get a read-only wrapper")
	assert.False(t, f.subs.has(kicked))

	k, _ := f.store.conversation(string(kicked))
	assert.True(t, k.Kicked)

	_, err = f.reg.Group(gone)
	assert.Error(t, err, "freed")
	assert.False(t, f.subs.has(gone))
	_, ok := f.store.conversation(string(gone))
	assert.False(t, ok)
	assert.Empty(t, st.Cursor(string(gone), 11))

	recs, err := dumps.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReconcileGroup_AppliesInfoAndMembers(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	gid, priv := newGroupKey(t)
	m, err := f.reg.InitMetaGroup(gid, priv, nil)
	require.NoError(t, err)
	require.NoError(t, m.Keys.Rotate(nil))
	require.NoError(t, m.Info.SetName("Team"))
	require.NoError(t, m.Info.SetExpireTimer(3600))
	require.NoError(t, m.Members.Set(Member{ID: f.id.PubKey(), Admin: true}))
	require.NoError(t, m.Members.Set(Member{ID: userPubKey(0x7)}))

	require.NoError(t, f.r.ReconcileGroup(ctx, gid), "no local conversation yet")
	assert.Empty(t, f.store.convos)

	f.store.convos[string(gid)] = Conversation{ID: string(gid), Type: ConversationGroup, ActiveAt: 1}
	require.NoError(t, f.r.ReconcileGroup(ctx, gid))

	c, _ := f.store.conversation(string(gid))
	assert.Equal(t, "Team", c.Name)
	assert.Equal(t, int64(3600), c.ExpireTimer)
	assert.Equal(t, []string{string(f.id.PubKey())}, c.Admins)
	assert.Len(t, c.Members, 2)

	require.NoError(t, m.Info.Destroy())
	require.NoError(t, f.r.ReconcileGroup(ctx, gid))

	c, _ = f.store.conversation(string(gid))
	assert.True(t, c.Destroyed)
}

func TestReconcile_PanicsForGroupVariants(t *testing.T) {
	f := newReconcileFixture(t)
	assert.Panics(t, func() { _ = f.r.Reconcile(context.Background(), GroupInfo) })
}
