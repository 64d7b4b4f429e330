package configsync

import (
	"fmt"
	"strings"

	"github.com/alexjbarnes/confsync/internal/swarm"
)

// Variant selects which piece of state a wrapper manages.
type Variant uint8

const (
	UserProfile Variant = iota + 1
	Contacts
	UserGroups
	ConvoInfoVolatile
	GroupKeys
	GroupInfo
	GroupMembers
)

// RequiredUserVariants are always present for the account, even before
// a first dump exists. The order is the push and merge order.
var RequiredUserVariants = []Variant{UserProfile, Contacts, UserGroups, ConvoInfoVolatile}

// groupVariants is the push order for a group: keys before the data
// they encrypt.
var groupVariants = []Variant{GroupKeys, GroupInfo, GroupMembers}

const metaGroupDumpPrefix = "MetaGroupConfig-"

func (v Variant) String() string {
	switch v {
	case UserProfile:
		return "UserProfile"
	case Contacts:
		return "Contacts"
	case UserGroups:
		return "UserGroups"
	case ConvoInfoVolatile:
		return "ConvoInfoVolatile"
	case GroupKeys:
		return "GroupKeys"
	case GroupInfo:
		return "GroupInfo"
	case GroupMembers:
		return "GroupMembers"
	default:
		panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
	}
}

// IsUser reports whether v is owned by the account.
func (v Variant) IsUser() bool {
	switch v {
	case UserProfile, Contacts, UserGroups, ConvoInfoVolatile:
		return true
	case GroupKeys, GroupInfo, GroupMembers:
		return false
	default:
		panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
	}
}

// Namespace returns the wire namespace v is stored under.
func (v Variant) Namespace() swarm.Namespace {
	switch v {
	case UserProfile:
		return swarm.NamespaceUserProfile
	case Contacts:
		return swarm.NamespaceUserContacts
	case UserGroups:
		return swarm.NamespaceUserGroups
	case ConvoInfoVolatile:
		return swarm.NamespaceConvoInfoVolatile
	case GroupKeys:
		return swarm.NamespaceClosedGroupKeys
	case GroupInfo:
		return swarm.NamespaceClosedGroupInfo
	case GroupMembers:
		return swarm.NamespaceClosedGroupMembers
	default:
		panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
	}
}

// DumpName is the variant column of a user dump record. Group variants
// share one record named by MetaGroupDumpName.
func (v Variant) DumpName() string {
	switch v {
	case UserProfile:
		return "UserConfig"
	case Contacts:
		return "ContactsConfig"
	case UserGroups:
		return "UserGroupsConfig"
	case ConvoInfoVolatile:
		return "ConvoInfoVolatileConfig"
	case GroupKeys, GroupInfo, GroupMembers:
		panic("configsync: group variants are dumped through MetaGroupDumpName")
	default:
		panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
	}
}

// VariantForNamespace maps a config namespace back to its variant.
// ok is false for namespaces that carry no config.
func VariantForNamespace(ns swarm.Namespace) (Variant, bool) {
	switch ns {
	case swarm.NamespaceUserProfile:
		return UserProfile, true
	case swarm.NamespaceUserContacts:
		return Contacts, true
	case swarm.NamespaceUserGroups:
		return UserGroups, true
	case swarm.NamespaceConvoInfoVolatile:
		return ConvoInfoVolatile, true
	case swarm.NamespaceClosedGroupKeys:
		return GroupKeys, true
	case swarm.NamespaceClosedGroupInfo:
		return GroupInfo, true
	case swarm.NamespaceClosedGroupMembers:
		return GroupMembers, true
	default:
		return 0, false
	}
}

// VariantForDumpName parses a user dump name.
func VariantForDumpName(name string) (Variant, bool) {
	for _, v := range RequiredUserVariants {
		if v.DumpName() == name {
			return v, true
		}
	}

	return 0, false
}

// MetaGroupDumpName is the dump variant name holding a whole group.
func MetaGroupDumpName(group PubKey) string {
	return metaGroupDumpPrefix + string(group)
}

// ParseMetaGroupDumpName extracts the group key from a meta dump name.
func ParseMetaGroupDumpName(name string) (PubKey, bool) {
	rest, ok := strings.CutPrefix(name, metaGroupDumpPrefix)
	if !ok {
		return "", false
	}

	pk := PubKey(rest)

	return pk, pk.IsGroup()
}
