package configsync

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/alexjbarnes/confsync/internal/codec"
	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

const groupKeySize = 32

// keysMessage distributes one key generation. Keys maps a member id to
// the generation key sealed anonymously to that member.
type keysMessage struct {
	Generation uint64            `cbor:"g"`
	Keys       map[string][]byte `cbor:"k"`
	CreatedAt  int64             `cbor:"t"`
}

type pendingKeys struct {
	Generation uint64 `cbor:"g"`
	Data       []byte `cbor:"d"`
}

type keysDump struct {
	Keys    map[uint64][]byte `cbor:"keys"`
	Pending []pendingKeys     `cbor:"pending,omitempty"`
	Applied []string          `cbor:"applied,omitempty"`
}

// GroupKeysConfig holds a group's key generations. Only admins rotate;
// every member learns new generations by merging keys messages.
type GroupKeysConfig struct {
	group    PubKey
	groupPub ed25519.PublicKey
	admin    ed25519.PrivateKey
	identity *Identity
	now      func() time.Time

	mu         sync.Mutex
	keys       map[uint64][]byte
	pending    []pendingKeys // unconfirmed rotations, oldest first
	applied    *lru.Cache[string, struct{}]
	generation uint64
	dumped     uint64
}

func newGroupKeys(id *Identity, group PubKey, admin ed25519.PrivateKey, dump []byte) (*GroupKeysConfig, error) {
	pub, err := group.Bytes()
	if err != nil || !group.IsGroup() {
		return nil, fmt.Errorf("%q is not a group key", group.Short())
	}

	if admin != nil && !slices.Equal(admin.Public().(ed25519.PublicKey), ed25519.PublicKey(pub)) {
		return nil, fmt.Errorf("admin key does not match group %s", group.Short())
	}

	applied, err := lru.New[string, struct{}](appliedHashCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating applied-hash cache: %w", err)
	}

	k := &GroupKeysConfig{
		group:    group,
		groupPub: pub,
		admin:    admin,
		identity: id,
		now:      time.Now,
		keys:     make(map[uint64][]byte),
		applied:  applied,
	}

	if dump == nil {
		return k, nil
	}

	var d keysDump
	if err := codec.Unpack(dump, &d); err != nil {
		return nil, fmt.Errorf("decoding keys dump: %w", err)
	}

	maps.Copy(k.keys, d.Keys)
	k.pending = d.Pending

	for _, h := range d.Applied {
		k.applied.Add(h, struct{}{})
	}

	return k, nil
}

// Variant returns GroupKeys.
func (k *GroupKeysConfig) Variant() Variant {
	return GroupKeys
}

// IsAdmin reports whether this device can rotate keys and sign group
// data.
func (k *GroupKeysConfig) IsAdmin() bool {
	return k.admin != nil
}

// Generations returns every known generation, ascending.
func (k *GroupKeysConfig) Generations() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	return slices.Sorted(maps.Keys(k.keys))
}

// current returns the newest generation and its key.
func (k *GroupKeysConfig) current() (uint64, []byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.keys) == 0 {
		return 0, nil, false
	}

	gen := slices.Max(slices.Collect(maps.Keys(k.keys)))

	return gen, k.keys[gen], true
}

func (k *GroupKeysConfig) key(gen uint64) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, ok := k.keys[gen]

	return key, ok
}

// Rotate creates the next key generation and seals it for every
// recipient. The admin's own account is always included.
func (k *GroupKeysConfig) Rotate(recipients []PubKey) error {
	if k.admin == nil {
		return fmt.Errorf("%w: rotating keys of %s", apperrors.ErrNotAdmin, k.group.Short())
	}

	key := make([]byte, groupKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating group key: %w", err)
	}

	all := append(slices.Clone(recipients), k.identity.PubKey())
	slices.Sort(all)
	all = slices.Compact(all)

	k.mu.Lock()
	defer k.mu.Unlock()

	var gen uint64
	if len(k.keys) > 0 {
		gen = slices.Max(slices.Collect(maps.Keys(k.keys))) + 1
	}

	msg := keysMessage{Generation: gen, Keys: make(map[string][]byte, len(all)), CreatedAt: k.now().UnixMilli()}

	for _, member := range all {
		raw, err := member.Bytes()
		if err != nil || !member.IsUser() {
			return fmt.Errorf("recipient %q is not an account id", member.Short())
		}

		var pub [32]byte
		copy(pub[:], raw)

		sealed, err := box.SealAnonymous(nil, key, &pub, rand.Reader)
		if err != nil {
			return fmt.Errorf("sealing key for %s: %w", member.Short(), err)
		}

		msg.Keys[string(member)] = sealed
	}

	body, err := codec.Pack(msg)
	if err != nil {
		return fmt.Errorf("encoding keys message: %w", err)
	}

	data := signFrame(k.admin, body)

	k.keys[gen] = key
	k.pending = append(k.pending, pendingKeys{Generation: gen, Data: data})
	k.generation++

	return nil
}

// NeedsPush reports whether a rotation awaits confirmation.
func (k *GroupKeysConfig) NeedsPush() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.pending) > 0
}

// NeedsDump reports whether state changed since the last MarkDumped.
func (k *GroupKeysConfig) NeedsDump() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.generation != k.dumped
}

// Push returns the oldest unconfirmed keys message, sequenced by its
// generation. Later rotations follow in subsequent pushes.
func (k *GroupKeysConfig) Push() (*PushData, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.pending) == 0 {
		return nil, nil
	}

	p := k.pending[0]

	return &PushData{Variant: GroupKeys, Data: p.Data, Seqno: int64(p.Generation), HasSeqno: true}, nil
}

// ConfirmPushed drops the rotation of generation seqno once stored.
// Confirmations for other generations leave the pending list alone.
func (k *GroupKeysConfig) ConfirmPushed(seqno int64, hash string) {
	if hash == "" || seqno < 0 {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	i := slices.IndexFunc(k.pending, func(p pendingKeys) bool {
		return p.Generation == uint64(seqno)
	})
	if i < 0 {
		return
	}

	k.applied.Add(hash, struct{}{})
	k.pending = slices.Delete(k.pending, i, i+1)
	k.generation++
}

// Merge verifies incoming keys messages and extracts any generation
// sealed for this account. Messages not addressed to us are still
// accepted.
func (k *GroupKeysConfig) Merge(msgs []ConfigMessage) []string {
	accepted, _ := k.merge(msgs)
	return accepted
}

func (k *GroupKeysConfig) merge(msgs []ConfigMessage) (accepted []string, failed []error) {
	self := string(k.identity.PubKey())
	pub, priv := k.identity.x25519Keys()

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, m := range msgs {
		if m.Hash == "" || k.applied.Contains(m.Hash) {
			continue
		}

		body, err := verifyFrame(k.groupPub, m.Data)
		if err != nil {
			failed = append(failed, fmt.Errorf("keys %s: %w", m.Hash, err))
			continue
		}

		var msg keysMessage
		if err := codec.Unpack(body, &msg); err != nil {
			failed = append(failed, fmt.Errorf("decoding keys %s: %w", m.Hash, err))
			continue
		}

		if sealed, ok := msg.Keys[self]; ok {
			key, ok := box.OpenAnonymous(nil, sealed, pub, priv)
			if !ok || len(key) != groupKeySize {
				failed = append(failed, fmt.Errorf("%w: keys %s generation %d", apperrors.ErrDecrypt, m.Hash, msg.Generation))
				continue
			}

			if _, known := k.keys[msg.Generation]; !known {
				k.keys[msg.Generation] = key
			}
		}

		k.applied.Add(m.Hash, struct{}{})
		accepted = append(accepted, m.Hash)
	}

	if len(accepted) > 0 {
		k.generation++
	}

	return accepted, failed
}

// Dump serializes known generations and any pending rotation.
func (k *GroupKeysConfig) Dump() (DumpData, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := codec.Pack(keysDump{Keys: k.keys, Pending: k.pending, Applied: k.applied.Keys()})
	if err != nil {
		return DumpData{}, fmt.Errorf("encoding keys dump: %w", err)
	}

	return DumpData{Data: data, Generation: k.generation}, nil
}

// MarkDumped records that the dump taken at generation is durable.
func (k *GroupKeysConfig) MarkDumped(generation uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if generation > k.dumped {
		k.dumped = generation
	}
}

// --- signed frames and the group data sealer ---

// signFrame returns [version][body][64-byte signature].
func signFrame(priv ed25519.PrivateKey, body []byte) []byte {
	out := make([]byte, 0, 1+len(body)+ed25519.SignatureSize)
	out = append(out, sealVersion)
	out = append(out, body...)

	return append(out, ed25519.Sign(priv, out)...)
}

func verifyFrame(pub ed25519.PublicKey, data []byte) ([]byte, error) {
	if len(data) < 1+ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: frame too short", apperrors.ErrDecrypt)
	}

	signed, sig := data[:len(data)-ed25519.SignatureSize], data[len(data)-ed25519.SignatureSize:]
	if signed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", apperrors.ErrDecrypt, signed[0])
	}

	if !ed25519.Verify(pub, signed, sig) {
		return nil, fmt.Errorf("%w: bad group signature", apperrors.ErrDecrypt)
	}

	return signed[1:], nil
}

// groupSealer encrypts Info and Members under the newest key generation
// and signs with the group key. Format, inside a signed frame:
// [8-byte generation][24-byte nonce][ciphertext+tag].
type groupSealer struct {
	keys *GroupKeysConfig
}

func (s groupSealer) seal(plain []byte) ([]byte, error) {
	if s.keys.admin == nil {
		return nil, fmt.Errorf("%w: sealing data for %s", apperrors.ErrNotAdmin, s.keys.group.Short())
	}

	gen, key, ok := s.keys.current()
	if !ok {
		return nil, fmt.Errorf("%w: group %s has no key generation", apperrors.ErrMissingKey, s.keys.group.Short())
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20-poly1305: %w", err)
	}

	body := make([]byte, 8+aead.NonceSize(), 8+aead.NonceSize()+len(plain)+aead.Overhead())
	binary.BigEndian.PutUint64(body, gen)

	if _, err := rand.Read(body[8:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	body = aead.Seal(body, body[8:], plain, body[:8])

	return signFrame(s.keys.admin, body), nil
}

func (s groupSealer) open(data []byte) ([]byte, error) {
	body, err := verifyFrame(s.keys.groupPub, data)
	if err != nil {
		return nil, err
	}

	if len(body) < 8+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: group payload too short", apperrors.ErrDecrypt)
	}

	gen := binary.BigEndian.Uint64(body)

	key, ok := s.keys.key(gen)
	if !ok {
		return nil, fmt.Errorf("%w: generation %d of %s", apperrors.ErrMissingKey, gen, s.keys.group.Short())
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20-poly1305: %w", err)
	}

	nonce := body[8 : 8+aead.NonceSize()]

	plain, err := aead.Open(nil, nonce, body[8+aead.NonceSize():], body[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrDecrypt, err)
	}

	return plain, nil
}
