package configsync

import (
	"fmt"
)

// VolatileKind says which sort of conversation a volatile entry is for.
type VolatileKind string

const (
	VolatileOneToOne  VolatileKind = "1"
	VolatileCommunity VolatileKind = "c"
	VolatileLegacy    VolatileKind = "l"
	VolatileGroup     VolatileKind = "g"
)

// VolatileKinds lists every kind in reconciliation order.
var VolatileKinds = []VolatileKind{VolatileOneToOne, VolatileCommunity, VolatileLegacy, VolatileGroup}

// VolatileEntry is the cross-device read position of one conversation.
type VolatileEntry struct {
	Kind VolatileKind
	// ConversationID is a PubKey for 1:1 and groups, a community
	// conversation id for communities.
	ConversationID string
	// LastRead is unix milliseconds.
	LastRead int64
	// Unread is the explicit "marked unread" flag.
	Unread bool
}

func volatileKey(kind VolatileKind, id string) string {
	return string(kind) + ":" + id
}

// ConvoInfoVolatileConfig is the ConvoInfoVolatile variant.
type ConvoInfoVolatileConfig struct {
	*Wrapper
}

func newConvoInfoVolatile(s sealer, dump []byte) (*ConvoInfoVolatileConfig, error) {
	w, err := newWrapper(ConvoInfoVolatile, s, dump)
	if err != nil {
		return nil, err
	}

	return &ConvoInfoVolatileConfig{Wrapper: w}, nil
}

// Get returns the entry for a conversation.
func (c *ConvoInfoVolatileConfig) Get(kind VolatileKind, id string) (VolatileEntry, bool) {
	rec, ok := c.record(volatileKey(kind, id))
	if !ok {
		return VolatileEntry{}, false
	}

	return VolatileEntry{
		Kind:           kind,
		ConversationID: id,
		LastRead:       fieldValue[int64](rec, "read"),
		Unread:         fieldValue[bool](rec, "unread"),
	}, true
}

// Set stores an entry. A local write never moves LastRead backwards.
func (c *ConvoInfoVolatileConfig) Set(e VolatileEntry) error {
	switch e.Kind {
	case VolatileOneToOne, VolatileCommunity, VolatileLegacy, VolatileGroup:
	default:
		return fmt.Errorf("unknown volatile kind %q", e.Kind)
	}

	if cur, ok := c.Get(e.Kind, e.ConversationID); ok && cur.LastRead > e.LastRead {
		e.LastRead = cur.LastRead
	}

	_, err := c.setFields(volatileKey(e.Kind, e.ConversationID), map[string]any{
		"read":   e.LastRead,
		"unread": e.Unread,
	})

	return err
}

// Erase removes a conversation's entry.
func (c *ConvoInfoVolatileConfig) Erase(kind VolatileKind, id string) bool {
	return c.removeRecord(volatileKey(kind, id))
}

// All returns every entry of kind ordered by conversation id.
func (c *ConvoInfoVolatileConfig) All(kind VolatileKind) []VolatileEntry {
	return collect(c.records(), string(kind)+":", func(id string, rec Record) VolatileEntry {
		return VolatileEntry{
			Kind:           kind,
			ConversationID: id,
			LastRead:       fieldValue[int64](rec, "read"),
			Unread:         fieldValue[bool](rec, "unread"),
		}
	})
}
