package configsync

import (
	"fmt"
	"slices"

	"github.com/alexjbarnes/confsync/internal/swarm"
)

// OutgoingMessage is one store sub-request of a sync batch.
type OutgoingMessage struct {
	Variant   Variant
	Namespace swarm.Namespace
	Data      []byte
	Seqno     int64
	HasSeqno  bool
}

// PendingChanges is everything one sync job has to send for an owner.
type PendingChanges struct {
	Messages     []OutgoingMessage
	AllOldHashes []string
}

// Empty reports whether there is nothing to send.
func (p PendingChanges) Empty() bool {
	return len(p.Messages) == 0
}

func (p *PendingChanges) add(data *PushData) {
	p.Messages = append(p.Messages, OutgoingMessage{
		Variant:   data.Variant,
		Namespace: data.Variant.Namespace(),
		Data:      data.Data,
		Seqno:     data.Seqno,
		HasSeqno:  data.HasSeqno,
	})
	p.AllOldHashes = append(p.AllOldHashes, data.Obsolete...)
}

func (p *PendingChanges) finish() {
	slices.Sort(p.AllOldHashes)
	p.AllOldHashes = slices.Compact(p.AllOldHashes)
}

// PendingChangesForUs collects pushes for the account's required
// variants. A variant never initialized is created fresh, so first
// launch state is still considered.
func PendingChangesForUs(reg *Registry) (PendingChanges, error) {
	var out PendingChanges

	for _, v := range RequiredUserVariants {
		w, err := reg.GetOrInit(reg.Account(), v, nil)
		if err != nil {
			return PendingChanges{}, err
		}

		if !w.NeedsPush() {
			continue
		}

		data, err := w.Push()
		if err != nil {
			return PendingChanges{}, fmt.Errorf("pushing %s: %w", v, err)
		}

		if data != nil {
			out.add(data)
		}
	}

	out.finish()

	return out, nil
}

// PendingChangesForGroup collects pushes for a group in Keys, Info,
// Members order. Parts with nothing to push are skipped.
func PendingChangesForGroup(reg *Registry, group PubKey) (PendingChanges, error) {
	m, err := reg.Group(group)
	if err != nil {
		return PendingChanges{}, err
	}

	var out PendingChanges

	for _, v := range groupVariants {
		w := m.wrapper(v)
		if !w.NeedsPush() {
			continue
		}

		data, err := w.Push()
		if err != nil {
			return PendingChanges{}, fmt.Errorf("pushing %s of %s: %w", v, group.Short(), err)
		}

		if data != nil {
			out.add(data)
		}
	}

	out.finish()

	return out, nil
}
