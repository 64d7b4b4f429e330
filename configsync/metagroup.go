package configsync

import (
	"crypto/ed25519"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/alexjbarnes/confsync/internal/codec"
)

// maxDeferred bounds how many undecryptable items a group keeps
// waiting for their key.
const maxDeferred = 256

type deferredItem struct {
	Variant Variant       `cbor:"v"`
	Message ConfigMessage `cbor:"m"`
}

type metaDump struct {
	Keys     []byte         `cbor:"keys"`
	Info     []byte         `cbor:"info"`
	Members  []byte         `cbor:"members"`
	Deferred []deferredItem `cbor:"deferred,omitempty"`
}

// MetaGroup bundles the Keys, Info and Members wrappers of one group.
// They are dumped together as a single record.
type MetaGroup struct {
	ID      PubKey
	Keys    *GroupKeysConfig
	Info    *GroupInfoConfig
	Members *GroupMembersConfig

	mu       sync.Mutex
	deferred map[string]deferredItem
	// deferGen counts changes to deferred; deferDumped is the value at
	// the last durable dump.
	deferGen    uint64
	deferDumped uint64
	// dumpGens maps a meta dump generation to its parts' generations.
	dumpSeq  uint64
	dumpGens map[uint64][4]uint64
}

// MetaMergeResult reports what a group merge applied.
type MetaMergeResult struct {
	Keys    []string
	Info    []string
	Members []string
	// Deferred is the number of items still waiting for a key.
	Deferred int
	Failed   []error
}

// Accepted returns the total number of newly applied items.
func (r MetaMergeResult) Accepted() int {
	return len(r.Keys) + len(r.Info) + len(r.Members)
}

func newMetaGroup(id *Identity, group PubKey, admin ed25519.PrivateKey, dump []byte) (*MetaGroup, error) {
	var d metaDump
	if dump != nil {
		if err := codec.Unpack(dump, &d); err != nil {
			return nil, fmt.Errorf("decoding meta dump of %s: %w", group.Short(), err)
		}
	}

	keys, err := newGroupKeys(id, group, admin, d.Keys)
	if err != nil {
		return nil, err
	}

	s := groupSealer{keys: keys}

	info, err := newWrapper(GroupInfo, s, d.Info)
	if err != nil {
		return nil, err
	}

	members, err := newWrapper(GroupMembers, s, d.Members)
	if err != nil {
		return nil, err
	}

	info.readOnly = admin == nil
	members.readOnly = admin == nil

	m := &MetaGroup{
		ID:       group,
		Keys:     keys,
		Info:     &GroupInfoConfig{Wrapper: info},
		Members:  &GroupMembersConfig{Wrapper: members},
		deferred: make(map[string]deferredItem),
		dumpGens: make(map[uint64][4]uint64),
	}

	for _, item := range d.Deferred {
		m.deferred[item.Message.Hash] = item
	}

	return m, nil
}

// wrapper returns the sub-wrapper for v.
func (m *MetaGroup) wrapper(v Variant) ConfigWrapper {
	switch v {
	case GroupKeys:
		return m.Keys
	case GroupInfo:
		return m.Info
	case GroupMembers:
		return m.Members
	case UserProfile, Contacts, UserGroups, ConvoInfoVolatile:
		panic(fmt.Sprintf("configsync: %s is not a group variant", v))
	default:
		panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
	}
}

// IsAdmin reports whether this device holds the group secret key.
func (m *MetaGroup) IsAdmin() bool {
	return m.Keys.IsAdmin()
}

// NeedsPush reports whether any part has something to push.
func (m *MetaGroup) NeedsPush() bool {
	return m.Keys.NeedsPush() || m.Info.NeedsPush() || m.Members.NeedsPush()
}

// NeedsDump reports whether any part changed since the last dump.
func (m *MetaGroup) NeedsDump() bool {
	m.mu.Lock()
	deferChanged := m.deferGen != m.deferDumped
	m.mu.Unlock()

	return deferChanged || m.Keys.NeedsDump() || m.Info.NeedsDump() || m.Members.NeedsDump()
}

// Merge applies keys first, then info and members together with any
// items deferred earlier. Items sealed under a generation we do not
// hold yet are kept and retried on the next merge.
func (m *MetaGroup) Merge(keys, info, members []ConfigMessage) MetaMergeResult {
	var res MetaMergeResult

	res.Keys, res.Failed = m.Keys.merge(keys)

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := map[Variant][]ConfigMessage{
		GroupInfo:    slices.Clone(info),
		GroupMembers: slices.Clone(members),
	}

	for _, hash := range slices.Sorted(maps.Keys(m.deferred)) {
		item := m.deferred[hash]
		pending[item.Variant] = append(pending[item.Variant], item.Message)
	}

	before := len(m.deferred)
	clear(m.deferred)

	for _, v := range []Variant{GroupInfo, GroupMembers} {
		w := m.Info.Wrapper
		if v == GroupMembers {
			w = m.Members.Wrapper
		}

		accepted, deferred, failed := w.merge(pending[v])
		res.Failed = append(res.Failed, failed...)

		if v == GroupInfo {
			res.Info = accepted
		} else {
			res.Members = accepted
		}

		for _, msg := range deferred {
			if len(m.deferred) >= maxDeferred {
				res.Failed = append(res.Failed, fmt.Errorf("dropping %s: too many deferred items", msg.Hash))
				continue
			}

			m.deferred[msg.Hash] = deferredItem{Variant: v, Message: msg}
		}
	}

	if len(m.deferred) != before || before > 0 {
		m.deferGen++
	}

	res.Deferred = len(m.deferred)

	return res
}

// Deferred returns the number of items waiting for a key.
func (m *MetaGroup) Deferred() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.deferred)
}

// Dump serializes all three parts and the deferred items.
func (m *MetaGroup) Dump() (DumpData, error) {
	kd, err := m.Keys.Dump()
	if err != nil {
		return DumpData{}, err
	}

	id, err := m.Info.Dump()
	if err != nil {
		return DumpData{}, err
	}

	md, err := m.Members.Dump()
	if err != nil {
		return DumpData{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d := metaDump{Keys: kd.Data, Info: id.Data, Members: md.Data}
	for _, hash := range slices.Sorted(maps.Keys(m.deferred)) {
		d.Deferred = append(d.Deferred, m.deferred[hash])
	}

	data, err := codec.Pack(d)
	if err != nil {
		return DumpData{}, fmt.Errorf("encoding meta dump: %w", err)
	}

	m.dumpSeq++
	m.dumpGens[m.dumpSeq] = [4]uint64{kd.Generation, id.Generation, md.Generation, m.deferGen}

	return DumpData{Data: data, Generation: m.dumpSeq}, nil
}

// MarkDumped marks every part as durable up to the given meta dump.
func (m *MetaGroup) MarkDumped(generation uint64) {
	m.mu.Lock()
	gens, ok := m.dumpGens[generation]
	for seq := range m.dumpGens {
		if seq <= generation {
			delete(m.dumpGens, seq)
		}
	}

	if ok && gens[3] > m.deferDumped {
		m.deferDumped = gens[3]
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.Keys.MarkDumped(gens[0])
	m.Info.MarkDumped(gens[1])
	m.Members.MarkDumped(gens[2])
}
