package configsync

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/confsync/internal/logging"
	"github.com/alexjbarnes/confsync/internal/state"
)

func testIdentity(t *testing.T, b byte) *Identity {
	t.Helper()

	id, err := NewIdentity(bytes.Repeat([]byte{b}, seedSize))
	require.NoError(t, err)

	return id
}

// newTestRegistry returns a registry with every user variant fresh.
func newTestRegistry(t *testing.T, id *Identity) *Registry {
	t.Helper()

	reg := NewRegistry(id)
	for _, v := range RequiredUserVariants {
		_, err := reg.InitUser(v, nil)
		require.NoError(t, err)
	}

	return reg
}

func newTestState(t *testing.T) *state.State {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func newTestDumpStore(t *testing.T, st *state.State, id *Identity) *DumpStore {
	t.Helper()

	d, err := NewDumpStore(st, id, logging.Discard())
	require.NoError(t, err)

	return d
}

func newGroupKey(t *testing.T) (PubKey, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return GroupPubKey(pub), priv
}

// pushMessage pushes w and wraps the payload as a retrieved message.
func pushMessage(t *testing.T, w ConfigWrapper, hash string) ConfigMessage {
	t.Helper()

	data, err := w.Push()
	require.NoError(t, err)
	require.NotNil(t, data, "expected something to push")

	return ConfigMessage{Hash: hash, Data: data.Data}
}

// fakeStore is an in-memory LocalStore.
type fakeStore struct {
	mu            sync.Mutex
	convos        map[string]Conversation
	messages      map[string][]StoredMessage
	keypairs      map[string]LegacyKeypair
	clearedCounts map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convos:        make(map[string]Conversation),
		messages:      make(map[string][]StoredMessage),
		keypairs:      make(map[string]LegacyKeypair),
		clearedCounts: make(map[string]int),
	}
}

func (f *fakeStore) GetAllConversations(context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Conversation, 0, len(f.convos))
	for _, id := range slices.Sorted(maps.Keys(f.convos)) {
		out = append(out, f.convos[id])
	}

	return out, nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.convos[id]
	if !ok {
		return nil, nil
	}

	return &c, nil
}

func (f *fakeStore) SaveConversation(_ context.Context, c Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.convos[c.ID] = c

	return nil
}

func (f *fakeStore) RemoveConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.convos, id)

	return nil
}

func (f *fakeStore) RemoveAllMessagesInConversation(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.messages[id])
	delete(f.messages, id)
	f.clearedCounts[id]++

	return n, nil
}

func (f *fakeStore) GetMessageByID(_ context.Context, id string) (*StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID == id {
				return &m, nil
			}
		}
	}

	return nil, nil
}

func (f *fakeStore) MarkReadUntil(_ context.Context, id string, until int64) ([]StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []StoredMessage

	for i, m := range f.messages[id] {
		if !m.Read && m.SentAt <= until {
			f.messages[id][i].Read = true
			out = append(out, m)
		}
	}

	return out, nil
}

func (f *fakeStore) AddLegacyGroupKeypairIfMissing(_ context.Context, kp LegacyKeypair) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.keypairs[kp.GroupID]; ok && bytes.Equal(cur.PubKey, kp.PubKey) {
		return false, nil
	}

	f.keypairs[kp.GroupID] = kp

	return true, nil
}

func (f *fakeStore) addMessage(m StoredMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
}

func (f *fakeStore) conversation(id string) (Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.convos[id]

	return c, ok
}

func (f *fakeStore) ids(kind ConversationType) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string

	for _, id := range slices.Sorted(maps.Keys(f.convos)) {
		if f.convos[id].Type == kind && !f.convos[id].IsMe {
			out = append(out, id)
		}
	}

	return out
}

// fakeSubs records polling subscriptions.
type fakeSubs struct {
	mu     sync.Mutex
	groups map[PubKey]bool
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{groups: make(map[PubKey]bool)}
}

func (f *fakeSubs) AddGroup(id PubKey) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.groups[id] = true
}

func (f *fakeSubs) RemoveGroup(id PubKey) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.groups, id)
}

func (f *fakeSubs) has(id PubKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.groups[id]
}

// fakeMembership records community joins and leaves.
type fakeMembership struct {
	mu     sync.Mutex
	joined []string
	left   []string
	fail   map[string]bool
}

func (f *fakeMembership) JoinCommunity(_ context.Context, c Community) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail[c.ConversationID()] {
		return fmt.Errorf("room %s unreachable", c.Room)
	}

	f.joined = append(f.joined, c.ConversationID())

	return nil
}

func (f *fakeMembership) LeaveCommunity(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.left = append(f.left, id)

	return nil
}

// recordingQueue records queued owners.
type recordingQueue struct {
	mu     sync.Mutex
	owners []PubKey
}

func (q *recordingQueue) QueueNewJobIfNeeded(owner PubKey) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.owners = append(q.owners, owner)
}

func (q *recordingQueue) queued() []PubKey {
	q.mu.Lock()
	defer q.mu.Unlock()

	return slices.Clone(q.owners)
}

// userPubKey returns a well-formed account id built from b.
func userPubKey(b byte) PubKey {
	return PubKey(prefixUser + strings.Repeat(fmt.Sprintf("%02x", b), 32))
}
