package configsync

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alexjbarnes/confsync/internal/codec"
	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

// appliedHashCapacity bounds how many merged hashes a wrapper remembers.
const appliedHashCapacity = 2048

// ConfigMessage is one retrieved config item.
type ConfigMessage struct {
	Hash      string
	Data      []byte
	Timestamp int64
}

// PushData is the outgoing payload of one wrapper.
type PushData struct {
	Variant Variant
	Data    []byte
	// Seqno is the key generation for GroupKeys.
	Seqno    int64
	HasSeqno bool
	// Obsolete are stored hashes this push supersedes.
	Obsolete []string
}

// DumpData is a serialized wrapper plus the generation it captures.
// Pass Generation to MarkDumped once Data is durable.
type DumpData struct {
	Data       []byte
	Generation uint64
}

// ConfigWrapper is the behaviour shared by every variant.
type ConfigWrapper interface {
	Variant() Variant
	NeedsPush() bool
	NeedsDump() bool
	Push() (*PushData, error)
	ConfirmPushed(seqno int64, hash string)
	Merge(msgs []ConfigMessage) []string
	Dump() (DumpData, error)
	MarkDumped(generation uint64)
}

type payload struct {
	Seqno int64 `cbor:"s"`
	Doc   Doc   `cbor:"d"`
}

type pendingPush struct {
	Seqno    int64    `cbor:"s"`
	Data     []byte   `cbor:"d"`
	Obsolete []string `cbor:"o,omitempty"`
}

type wrapperDump struct {
	Variant       Variant      `cbor:"variant"`
	Node          string       `cbor:"node"`
	Clock         int64        `cbor:"clock"`
	Doc           Doc          `cbor:"doc"`
	Seqno         int64        `cbor:"seqno"`
	Dirty         bool         `cbor:"dirty,omitempty"`
	Pending       *pendingPush `cbor:"pending,omitempty"`
	ConfirmedHash string       `cbor:"confirmed,omitempty"`
	Obsolete      []string     `cbor:"obsolete,omitempty"`
	Applied       []string     `cbor:"applied,omitempty"`
}

// Wrapper is a mergeable, sealed, sequenced document. The typed
// variants embed it. All methods are safe for concurrent use.
type Wrapper struct {
	variant Variant
	sealer  sealer
	now     func() time.Time
	// readOnly rejects local mutation; set for group data held by
	// non-admin members.
	readOnly bool

	mu            sync.Mutex
	node          string
	clock         int64
	doc           Doc
	seqno         int64
	dirty         bool
	pending       *pendingPush
	confirmedHash string
	obsolete      map[string]struct{}
	applied       *lru.Cache[string, struct{}]
	generation    uint64
	dumped        uint64
}

// newWrapper builds a live wrapper, fresh when dump is nil.
func newWrapper(v Variant, s sealer, dump []byte) (*Wrapper, error) {
	applied, err := lru.New[string, struct{}](appliedHashCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating applied-hash cache: %w", err)
	}

	w := &Wrapper{
		variant:  v,
		sealer:   s,
		now:      time.Now,
		node:     uuid.NewString(),
		doc:      make(Doc),
		obsolete: make(map[string]struct{}),
		applied:  applied,
	}

	if dump == nil {
		return w, nil
	}

	var d wrapperDump
	if err := codec.Unpack(dump, &d); err != nil {
		return nil, fmt.Errorf("decoding %s dump: %w", v, err)
	}

	if d.Variant != v {
		return nil, fmt.Errorf("dump holds %s, expected %s", d.Variant, v)
	}

	w.node = d.Node
	w.clock = d.Clock
	w.seqno = d.Seqno
	w.dirty = d.Dirty
	w.pending = d.Pending
	w.confirmedHash = d.ConfirmedHash

	if d.Doc != nil {
		w.doc = d.Doc
	}

	for _, h := range d.Obsolete {
		w.obsolete[h] = struct{}{}
	}

	for _, h := range d.Applied {
		w.applied.Add(h, struct{}{})
	}

	return w, nil
}

// Variant returns the variant w manages.
func (w *Wrapper) Variant() Variant {
	return w.variant
}

// NeedsPush reports whether local changes are not yet confirmed stored.
func (w *Wrapper) NeedsPush() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.dirty || w.pending != nil
}

// NeedsDump reports whether state changed since the last MarkDumped.
func (w *Wrapper) NeedsDump() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.generation != w.dumped
}

// Seqno returns the latest pushed or merged sequence number.
func (w *Wrapper) Seqno() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.seqno
}

// Push returns the payload for pending changes, or nil when there is
// nothing to push. Without a mutation since the previous Push, the
// same seqno and data are returned again.
func (w *Wrapper) Push() (*PushData, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirty && w.pending == nil {
		return nil, nil
	}

	if w.dirty {
		seq := w.seqno + 1

		plain, err := codec.Pack(payload{Seqno: seq, Doc: w.doc})
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", w.variant, err)
		}

		data, err := w.sealer.seal(plain)
		if err != nil {
			return nil, fmt.Errorf("sealing %s payload: %w", w.variant, err)
		}

		w.seqno = seq
		w.pending = &pendingPush{Seqno: seq, Data: data, Obsolete: w.supersededLocked()}
		w.dirty = false
		w.generation++
	}

	return &PushData{
		Variant:  w.variant,
		Data:     w.pending.Data,
		Seqno:    w.pending.Seqno,
		HasSeqno: true,
		Obsolete: slices.Clone(w.pending.Obsolete),
	}, nil
}

func (w *Wrapper) supersededLocked() []string {
	out := slices.Sorted(maps.Keys(w.obsolete))
	if w.confirmedHash != "" && !slices.Contains(out, w.confirmedHash) {
		out = append(out, w.confirmedHash)
	}

	return out
}

// ConfirmPushed records that the push with seqno was stored as hash.
// Only the latest pending seqno clears the pending state; a stale one
// just marks its hash obsolete.
func (w *Wrapper) ConfirmPushed(seqno int64, hash string) {
	if hash == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.applied.Add(hash, struct{}{})

	if w.pending != nil && w.pending.Seqno == seqno {
		for _, h := range w.pending.Obsolete {
			delete(w.obsolete, h)
		}

		w.confirmedHash = hash
		w.pending = nil
		w.generation++

		return
	}

	if hash != w.confirmedHash {
		w.obsolete[hash] = struct{}{}
		w.generation++
	}
}

// CurrentHashes returns the hash representing the confirmed state.
func (w *Wrapper) CurrentHashes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.confirmedHash == "" {
		return nil
	}

	return []string{w.confirmedHash}
}

// Merge folds incoming messages into the document and returns the
// hashes that were newly applied. Already-applied hashes and messages
// that fail to open are skipped.
func (w *Wrapper) Merge(msgs []ConfigMessage) []string {
	accepted, _, _ := w.merge(msgs)
	return accepted
}

type incomingPayload struct {
	hash string
	p    payload
}

// merge is Merge that also reports messages sealed under a key this
// wrapper does not hold yet, and per-message failures.
func (w *Wrapper) merge(msgs []ConfigMessage) (accepted []string, deferred []ConfigMessage, failed []error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var in []incomingPayload

	seen := make(map[string]bool, len(msgs))

	for _, m := range msgs {
		if m.Hash == "" || seen[m.Hash] || w.applied.Contains(m.Hash) {
			continue
		}

		seen[m.Hash] = true

		plain, err := w.sealer.open(m.Data)
		if errors.Is(err, apperrors.ErrMissingKey) {
			deferred = append(deferred, m)
			continue
		}

		if err != nil {
			failed = append(failed, fmt.Errorf("opening %s: %w", m.Hash, err))
			continue
		}

		var p payload
		if err := codec.Unpack(plain, &p); err != nil {
			failed = append(failed, fmt.Errorf("decoding %s: %w", m.Hash, err))
			continue
		}

		in = append(in, incomingPayload{hash: m.Hash, p: p})
	}

	if len(in) == 0 {
		return nil, deferred, failed
	}

	old := w.doc
	merged := old.clone()

	for _, item := range in {
		_, t := merged.mergeFrom(item.p.Doc)
		w.clock = max(w.clock, t)
	}

	highest := slices.MaxFunc(in, func(a, b incomingPayload) int {
		if c := cmp.Compare(a.p.Seqno, b.p.Seqno); c != 0 {
			return c
		}

		return strings.Compare(a.hash, b.hash)
	})

	w.doc = merged
	w.seqno = max(w.seqno, highest.p.Seqno)

	for _, item := range in {
		w.applied.Add(item.hash, struct{}{})
		accepted = append(accepted, item.hash)
	}

	switch {
	case !w.dirty && equalDocs(merged, highest.p.Doc):
		// The newest stored message is exactly our state.
		w.markObsoleteLocked(w.confirmedHash, highest.hash)

		for _, item := range in {
			w.markObsoleteLocked(item.hash, highest.hash)
		}

		w.confirmedHash = highest.hash
		delete(w.obsolete, highest.hash)

		if w.pending != nil && highest.p.Seqno >= w.pending.Seqno {
			w.pending = nil
		}
	case !w.readOnly && (!equalDocs(merged, old) || (w.confirmedHash == "" && w.pending == nil)):
		// Nothing stored holds the merged state yet.
		w.dirty = true

		for _, item := range in {
			w.markObsoleteLocked(item.hash, "")
		}
	default:
		// We already hold a stored superset, or cannot push at all.
		for _, item := range in {
			w.markObsoleteLocked(item.hash, w.confirmedHash)
		}
	}

	w.generation++

	return accepted, deferred, failed
}

func (w *Wrapper) markObsoleteLocked(hash, keep string) {
	if hash != "" && hash != keep {
		w.obsolete[hash] = struct{}{}
	}
}

// Dump serializes the wrapper. It does not clear NeedsDump.
func (w *Wrapper) Dump() (DumpData, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d := wrapperDump{
		Variant:       w.variant,
		Node:          w.node,
		Clock:         w.clock,
		Doc:           w.doc,
		Seqno:         w.seqno,
		Dirty:         w.dirty,
		Pending:       w.pending,
		ConfirmedHash: w.confirmedHash,
		Obsolete:      slices.Sorted(maps.Keys(w.obsolete)),
		Applied:       w.applied.Keys(),
	}

	data, err := codec.Pack(d)
	if err != nil {
		return DumpData{}, fmt.Errorf("encoding %s dump: %w", w.variant, err)
	}

	return DumpData{Data: data, Generation: w.generation}, nil
}

// MarkDumped records that the dump taken at generation is durable.
func (w *Wrapper) MarkDumped(generation uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if generation > w.dumped {
		w.dumped = generation
	}
}

// --- record access for typed wrappers ---

func (w *Wrapper) tickLocked() int64 {
	w.clock = max(w.now().UnixMilli(), w.clock+1)
	return w.clock
}

// setFields writes fields into record key, creating or reviving it.
// Fields whose encoded value is unchanged are not touched, so a no-op
// update leaves the wrapper clean.
func (w *Wrapper) setFields(key string, fields map[string]any) (bool, error) {
	if w.readOnly {
		return false, fmt.Errorf("%w: %s is read-only", apperrors.ErrNotAdmin, w.variant)
	}

	encoded := make(map[string][]byte, len(fields))

	for name, v := range fields {
		enc, err := codec.Marshal(v)
		if err != nil {
			return false, fmt.Errorf("encoding %s.%s: %w", key, name, err)
		}

		encoded[name] = enc
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.doc[key]
	revive := !ok || !rec.live()

	if !ok {
		rec = make(Record, len(fields)+1)
		w.doc[key] = rec
	}

	var ts int64

	stamp := func() int64 {
		if ts == 0 {
			ts = w.tickLocked()
		}

		return ts
	}

	if revive {
		enc, _ := codec.Marshal(false)
		rec[deletedField] = Field{Value: enc, Time: stamp(), Node: w.node}
	}

	for _, name := range slices.Sorted(maps.Keys(encoded)) {
		enc := encoded[name]
		if cur, ok := rec[name]; ok && !revive && bytes.Equal(cur.Value, enc) {
			continue
		}

		rec[name] = Field{Value: enc, Time: stamp(), Node: w.node}
	}

	if ts == 0 {
		return false, nil
	}

	w.dirty = true
	w.generation++

	return true, nil
}

// removeRecord tombstones key. It reports whether a live record existed
// and was removed.
func (w *Wrapper) removeRecord(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.doc[key]
	if w.readOnly || !ok || !rec.live() {
		return false
	}

	enc, _ := codec.Marshal(true)
	rec[deletedField] = Field{Value: enc, Time: w.tickLocked(), Node: w.node}
	w.dirty = true
	w.generation++

	return true
}

// record returns a copy of the live record at key.
func (w *Wrapper) record(key string) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.doc[key]
	if !ok || !rec.live() {
		return nil, false
	}

	return maps.Clone(rec), true
}

// records returns copies of every live record, keyed by record key.
func (w *Wrapper) records() map[string]Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]Record, len(w.doc))
	for k, rec := range w.doc {
		if rec.live() {
			out[k] = maps.Clone(rec)
		}
	}

	return out
}

// Describe renders the live document one field per line, sorted, for
// debug diffs and the inspect command.
func (w *Wrapper) Describe() string {
	recs := w.records()

	var b strings.Builder

	for _, key := range slices.Sorted(maps.Keys(recs)) {
		rec := recs[key]
		for _, name := range slices.Sorted(maps.Keys(rec)) {
			if name == deletedField {
				continue
			}

			diag, err := codec.Diagnose(rec[name].Value)
			if err != nil {
				diag = "<invalid>"
			}

			fmt.Fprintf(&b, "%s.%s = %s\n", key, name, diag)
		}
	}

	return b.String()
}

// fieldValue decodes field name of rec into T, returning the zero value
// when absent or malformed.
func fieldValue[T any](rec Record, name string) T {
	var v T

	if f, ok := rec[name]; ok {
		_ = codec.Unmarshal(f.Value, &v)
	}

	return v
}
