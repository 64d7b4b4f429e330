package configsync

import (
	"maps"
	"slices"

	"golang.org/x/text/unicode/norm"
)

const infoRecord = "info"

// GroupInfoConfig is the GroupInfo variant: name, description, avatar,
// disappearing timer and the destroyed flag.
type GroupInfoConfig struct {
	*Wrapper
}

func (g *GroupInfoConfig) rec() Record {
	rec, _ := g.record(infoRecord)
	return rec
}

func (g *GroupInfoConfig) set(name string, v any) error {
	_, err := g.setFields(infoRecord, map[string]any{name: v})
	return err
}

// Name returns the group name.
func (g *GroupInfoConfig) Name() string { return fieldValue[string](g.rec(), "name") }

// SetName sets the group name, NFC-normalized.
func (g *GroupInfoConfig) SetName(name string) error { return g.set("name", norm.NFC.String(name)) }

// Description returns the group description.
func (g *GroupInfoConfig) Description() string { return fieldValue[string](g.rec(), "desc") }

// SetDescription sets the group description.
func (g *GroupInfoConfig) SetDescription(d string) error { return g.set("desc", norm.NFC.String(d)) }

// CreatedAt returns the creation time in unix seconds.
func (g *GroupInfoConfig) CreatedAt() int64 { return fieldValue[int64](g.rec(), "created") }

// SetCreatedAt sets the creation time.
func (g *GroupInfoConfig) SetCreatedAt(ts int64) error { return g.set("created", ts) }

// DeleteBefore returns the time before which members drop messages.
func (g *GroupInfoConfig) DeleteBefore() int64 { return fieldValue[int64](g.rec(), "delete_before") }

// SetDeleteBefore sets the message purge cutoff.
func (g *GroupInfoConfig) SetDeleteBefore(ts int64) error { return g.set("delete_before", ts) }

// ExpireTimer returns the disappear-after-send timer in seconds.
func (g *GroupInfoConfig) ExpireTimer() int64 { return fieldValue[int64](g.rec(), "exp_timer") }

// SetExpireTimer sets the disappear-after-send timer.
func (g *GroupInfoConfig) SetExpireTimer(seconds int64) error {
	return g.set("exp_timer", max(seconds, 0))
}

// Picture returns the group avatar.
func (g *GroupInfoConfig) Picture() ProfilePicture {
	return fieldValue[ProfilePicture](g.rec(), "pic")
}

// SetPicture sets the group avatar.
func (g *GroupInfoConfig) SetPicture(p ProfilePicture) error { return g.set("pic", p) }

// Destroyed reports whether an admin destroyed the group.
func (g *GroupInfoConfig) Destroyed() bool { return fieldValue[bool](g.rec(), "destroyed") }

// Destroy marks the group destroyed. It cannot be undone.
func (g *GroupInfoConfig) Destroy() error { return g.set("destroyed", true) }

// Member is one entry of the GroupMembers variant.
type Member struct {
	ID       PubKey
	Name     string
	Admin    bool
	Invited  bool
	Promoted bool
	Accepted bool
	Picture  ProfilePicture
}

// GroupMembersConfig is the GroupMembers variant.
type GroupMembersConfig struct {
	*Wrapper
}

func memberFromRecord(id string, rec Record) Member {
	return Member{
		ID:       PubKey(id),
		Name:     fieldValue[string](rec, "name"),
		Admin:    fieldValue[bool](rec, "admin"),
		Invited:  fieldValue[bool](rec, "invited"),
		Promoted: fieldValue[bool](rec, "promoted"),
		Accepted: fieldValue[bool](rec, "accepted"),
		Picture:  fieldValue[ProfilePicture](rec, "pic"),
	}
}

// Get returns a member by id.
func (g *GroupMembersConfig) Get(id PubKey) (Member, bool) {
	rec, ok := g.record(string(id))
	if !ok {
		return Member{}, false
	}

	return memberFromRecord(string(id), rec), true
}

// Set adds or updates a member.
func (g *GroupMembersConfig) Set(m Member) error {
	_, err := g.setFields(string(m.ID), map[string]any{
		"name":     norm.NFC.String(m.Name),
		"admin":    m.Admin,
		"invited":  m.Invited,
		"promoted": m.Promoted,
		"accepted": m.Accepted,
		"pic":      m.Picture,
	})

	return err
}

// Erase removes a member.
func (g *GroupMembersConfig) Erase(id PubKey) bool {
	return g.removeRecord(string(id))
}

// All returns every member ordered by id.
func (g *GroupMembersConfig) All() []Member {
	recs := g.records()
	out := make([]Member, 0, len(recs))

	for _, id := range slices.Sorted(maps.Keys(recs)) {
		out = append(out, memberFromRecord(id, recs[id]))
	}

	return out
}

// IDs returns every member id ordered.
func (g *GroupMembersConfig) IDs() []PubKey {
	members := g.All()
	out := make([]PubKey, len(members))

	for i, m := range members {
		out[i] = m.ID
	}

	return out
}
