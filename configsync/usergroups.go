package configsync

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Record key prefixes inside the UserGroups document.
const (
	communityPrefix = "c:"
	legacyPrefix    = "l:"
	groupPrefix     = "g:"
)

// Community is a joined open group room.
type Community struct {
	BaseURL string
	Room    string
	// PubKeyHex is the server's X25519 public key.
	PubKeyHex string
	Priority  int64
}

// ConversationID is the local conversation id for the room: base URL
// and lower-cased room token.
func (c Community) ConversationID() string {
	return strings.TrimRight(strings.ToLower(c.BaseURL), "/") + "/" + strings.ToLower(c.Room)
}

func (c Community) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("community base url %q is invalid", c.BaseURL)
	}

	if c.Room == "" {
		return fmt.Errorf("community room is empty")
	}

	if len(c.PubKeyHex) != 64 {
		return fmt.Errorf("community server key has length %d", len(c.PubKeyHex))
	}

	return nil
}

// LegacyGroup is a pre-v2 closed group. It has no meta wrapper, so the
// member list lives here.
type LegacyGroup struct {
	ID       PubKey
	Name     string
	Members  map[PubKey]bool // value is the admin flag
	Priority int64
	// EncPubKey and EncSecKey are the shared X25519 keypair.
	EncPubKey         []byte
	EncSecKey         []byte
	DisappearingTimer int64
	JoinedAt          int64
}

// Admins returns the admin ids, sorted.
func (g LegacyGroup) Admins() []PubKey {
	var out []PubKey

	for id, admin := range g.Members {
		if admin {
			out = append(out, id)
		}
	}

	slices.Sort(out)

	return out
}

// MemberIDs returns every member id, sorted.
func (g LegacyGroup) MemberIDs() []PubKey {
	return slices.Sorted(maps.Keys(g.Members))
}

// Group is a v2 group entry.
type Group struct {
	ID   PubKey
	Name string
	// SecretKey is the group Ed25519 private key, held by admins only.
	SecretKey []byte
	// AuthData lets a non-admin member authenticate to the group swarm.
	AuthData  []byte
	Priority  int64
	Invited   bool
	Kicked    bool
	Destroyed bool
	JoinedAt  int64
}

// IsAdmin reports whether the entry holds the group secret key.
func (g Group) IsAdmin() bool {
	return len(g.SecretKey) == 64
}

// UserGroupsConfig is the UserGroups variant holding communities,
// legacy groups and v2 groups.
type UserGroupsConfig struct {
	*Wrapper
}

func newUserGroups(s sealer, dump []byte) (*UserGroupsConfig, error) {
	w, err := newWrapper(UserGroups, s, dump)
	if err != nil {
		return nil, err
	}

	return &UserGroupsConfig{Wrapper: w}, nil
}

// --- communities ---

func communityFromRecord(rec Record) Community {
	return Community{
		BaseURL:   fieldValue[string](rec, "url"),
		Room:      fieldValue[string](rec, "room"),
		PubKeyHex: fieldValue[string](rec, "pubkey"),
		Priority:  fieldValue[int64](rec, "priority"),
	}
}

// GetCommunity returns the community with the given conversation id.
func (u *UserGroupsConfig) GetCommunity(conversationID string) (Community, bool) {
	rec, ok := u.record(communityPrefix + conversationID)
	if !ok {
		return Community{}, false
	}

	return communityFromRecord(rec), true
}

// SetCommunity adds or updates a community.
func (u *UserGroupsConfig) SetCommunity(c Community) error {
	if err := c.validate(); err != nil {
		return err
	}

	_, err := u.setFields(communityPrefix+c.ConversationID(), map[string]any{
		"url":      strings.TrimRight(c.BaseURL, "/"),
		"room":     c.Room,
		"pubkey":   strings.ToLower(c.PubKeyHex),
		"priority": c.Priority,
	})

	return err
}

// EraseCommunity removes a community by conversation id.
func (u *UserGroupsConfig) EraseCommunity(conversationID string) bool {
	return u.removeRecord(communityPrefix + conversationID)
}

// Communities returns every community ordered by conversation id.
func (u *UserGroupsConfig) Communities() []Community {
	return collect(u.records(), communityPrefix, func(_ string, rec Record) Community {
		return communityFromRecord(rec)
	})
}

// --- legacy groups ---

func legacyFromRecord(id string, rec Record) LegacyGroup {
	members := make(map[PubKey]bool)
	for k, v := range fieldValue[map[string]bool](rec, "members") {
		members[PubKey(k)] = v
	}

	return LegacyGroup{
		ID:                PubKey(id),
		Name:              fieldValue[string](rec, "name"),
		Members:           members,
		Priority:          fieldValue[int64](rec, "priority"),
		EncPubKey:         fieldValue[[]byte](rec, "enc_pub"),
		EncSecKey:         fieldValue[[]byte](rec, "enc_sec"),
		DisappearingTimer: fieldValue[int64](rec, "disappear"),
		JoinedAt:          fieldValue[int64](rec, "joined"),
	}
}

// GetLegacyGroup returns a legacy group by id.
func (u *UserGroupsConfig) GetLegacyGroup(id PubKey) (LegacyGroup, bool) {
	rec, ok := u.record(legacyPrefix + string(id))
	if !ok {
		return LegacyGroup{}, false
	}

	return legacyFromRecord(string(id), rec), true
}

// SetLegacyGroup adds or updates a legacy group.
func (u *UserGroupsConfig) SetLegacyGroup(g LegacyGroup) error {
	if !g.ID.IsUser() {
		return fmt.Errorf("legacy group id %q is malformed", g.ID.Short())
	}

	members := make(map[string]bool, len(g.Members))
	for k, v := range g.Members {
		members[string(k)] = v
	}

	_, err := u.setFields(legacyPrefix+string(g.ID), map[string]any{
		"name":      norm.NFC.String(g.Name),
		"members":   members,
		"priority":  g.Priority,
		"enc_pub":   g.EncPubKey,
		"enc_sec":   g.EncSecKey,
		"disappear": g.DisappearingTimer,
		"joined":    g.JoinedAt,
	})

	return err
}

// EraseLegacyGroup removes a legacy group.
func (u *UserGroupsConfig) EraseLegacyGroup(id PubKey) bool {
	return u.removeRecord(legacyPrefix + string(id))
}

// LegacyGroups returns every legacy group ordered by id.
func (u *UserGroupsConfig) LegacyGroups() []LegacyGroup {
	return collect(u.records(), legacyPrefix, legacyFromRecord)
}

// --- v2 groups ---

func groupFromRecord(id string, rec Record) Group {
	return Group{
		ID:        PubKey(id),
		Name:      fieldValue[string](rec, "name"),
		SecretKey: fieldValue[[]byte](rec, "secret"),
		AuthData:  fieldValue[[]byte](rec, "auth"),
		Priority:  fieldValue[int64](rec, "priority"),
		Invited:   fieldValue[bool](rec, "invited"),
		Kicked:    fieldValue[bool](rec, "kicked"),
		Destroyed: fieldValue[bool](rec, "destroyed"),
		JoinedAt:  fieldValue[int64](rec, "joined"),
	}
}

// GetGroup returns a v2 group by id.
func (u *UserGroupsConfig) GetGroup(id PubKey) (Group, bool) {
	rec, ok := u.record(groupPrefix + string(id))
	if !ok {
		return Group{}, false
	}

	return groupFromRecord(string(id), rec), true
}

// SetGroup adds or updates a v2 group.
func (u *UserGroupsConfig) SetGroup(g Group) error {
	if !g.ID.IsGroup() {
		return fmt.Errorf("group id %q is not a group key", g.ID.Short())
	}

	_, err := u.setFields(groupPrefix+string(g.ID), map[string]any{
		"name":      norm.NFC.String(g.Name),
		"secret":    g.SecretKey,
		"auth":      g.AuthData,
		"priority":  g.Priority,
		"invited":   g.Invited,
		"kicked":    g.Kicked,
		"destroyed": g.Destroyed,
		"joined":    g.JoinedAt,
	})

	return err
}

// EraseGroup removes a v2 group.
func (u *UserGroupsConfig) EraseGroup(id PubKey) bool {
	return u.removeRecord(groupPrefix + string(id))
}

// Groups returns every v2 group ordered by id.
func (u *UserGroupsConfig) Groups() []Group {
	return collect(u.records(), groupPrefix, groupFromRecord)
}

// collect decodes every record whose key starts with prefix, ordered by
// key.
func collect[T any](recs map[string]Record, prefix string, decode func(id string, rec Record) T) []T {
	var out []T

	for _, key := range slices.Sorted(maps.Keys(recs)) {
		id, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}

		out = append(out, decode(id, recs[key]))
	}

	return out
}
