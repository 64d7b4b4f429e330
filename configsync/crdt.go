package configsync

import (
	"bytes"
	"maps"

	"github.com/alexjbarnes/confsync/internal/codec"
)

// deletedField marks a record as removed. It is an ordinary LWW field
// so a later re-add wins over an earlier removal.
const deletedField = "deleted"

// Field is one last-writer-wins register.
type Field struct {
	Value codec.RawMessage `cbor:"v"`
	// Time is a hybrid logical clock reading in milliseconds.
	Time int64 `cbor:"t"`
	// Node identifies the writing wrapper instance.
	Node string `cbor:"n"`
}

// wins reports whether f beats other: later time, then larger node id,
// then larger encoded value. The order is total so merges converge.
func (f Field) wins(other Field) bool {
	if f.Time != other.Time {
		return f.Time > other.Time
	}

	if f.Node != other.Node {
		return f.Node > other.Node
	}

	return bytes.Compare(f.Value, other.Value) > 0
}

// Record is the set of fields for one entry (a contact, a group, ...).
type Record map[string]Field

// Doc is the whole state of one wrapper.
type Doc map[string]Record

func (d Doc) clone() Doc {
	out := make(Doc, len(d))
	for k, rec := range d {
		out[k] = maps.Clone(rec)
	}

	return out
}

// mergeFrom folds src into d field by field. It returns whether d
// changed and the highest field time seen in src.
func (d Doc) mergeFrom(src Doc) (changed bool, maxTime int64) {
	for key, srcRec := range src {
		dstRec, ok := d[key]
		if !ok {
			dstRec = make(Record, len(srcRec))
			d[key] = dstRec
		}

		for name, f := range srcRec {
			maxTime = max(maxTime, f.Time)

			cur, ok := dstRec[name]
			if !ok || f.wins(cur) {
				dstRec[name] = f
				changed = true
			}
		}
	}

	return changed, maxTime
}

// live reports whether rec has not been removed.
func (r Record) live() bool {
	f, ok := r[deletedField]
	if !ok {
		return true
	}

	var deleted bool
	if err := codec.Unmarshal(f.Value, &deleted); err != nil {
		return true
	}

	return !deleted
}

// equalDocs compares two documents by their deterministic encoding.
func equalDocs(a, b Doc) bool {
	ea, errA := codec.Marshal(a)
	eb, errB := codec.Marshal(b)

	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
