package swarm

import "fmt"

// Namespace is the storage-network bucket a message is stored under.
// The values are wire constants shared with every other client.
type Namespace int

const (
	NamespaceLegacyClosedGroup   Namespace = -10
	NamespaceDefault             Namespace = 0
	NamespaceUserProfile         Namespace = 2
	NamespaceUserContacts        Namespace = 3
	NamespaceConvoInfoVolatile   Namespace = 4
	NamespaceUserGroups          Namespace = 5
	NamespaceClosedGroupMessages Namespace = 11
	NamespaceClosedGroupKeys     Namespace = 12
	NamespaceClosedGroupInfo     Namespace = 13
	NamespaceClosedGroupMembers  Namespace = 14
)

// UserConfigNamespaces are polled on the account's own swarm.
var UserConfigNamespaces = []Namespace{
	NamespaceUserProfile,
	NamespaceUserContacts,
	NamespaceConvoInfoVolatile,
	NamespaceUserGroups,
}

// GroupConfigNamespaces are polled on a group's swarm. Keys come first
// because the other two cannot be decrypted without them.
var GroupConfigNamespaces = []Namespace{
	NamespaceClosedGroupKeys,
	NamespaceClosedGroupInfo,
	NamespaceClosedGroupMembers,
}

func (n Namespace) String() string {
	switch n {
	case NamespaceLegacyClosedGroup:
		return "LegacyClosedGroup"
	case NamespaceDefault:
		return "Default"
	case NamespaceUserProfile:
		return "UserProfile"
	case NamespaceUserContacts:
		return "UserContacts"
	case NamespaceConvoInfoVolatile:
		return "ConvoInfoVolatile"
	case NamespaceUserGroups:
		return "UserGroups"
	case NamespaceClosedGroupMessages:
		return "ClosedGroupMessages"
	case NamespaceClosedGroupKeys:
		return "ClosedGroupKeys"
	case NamespaceClosedGroupInfo:
		return "ClosedGroupInfo"
	case NamespaceClosedGroupMembers:
		return "ClosedGroupMembers"
	default:
		return fmt.Sprintf("Namespace(%d)", int(n))
	}
}

// IsUserConfig reports whether n holds one of the account's config
// variants.
func (n Namespace) IsUserConfig() bool {
	switch n {
	case NamespaceUserProfile, NamespaceUserContacts, NamespaceConvoInfoVolatile, NamespaceUserGroups:
		return true
	default:
		return false
	}
}

// IsGroupConfig reports whether n holds one of a group's config
// variants.
func (n Namespace) IsGroupConfig() bool {
	switch n {
	case NamespaceClosedGroupKeys, NamespaceClosedGroupInfo, NamespaceClosedGroupMembers:
		return true
	default:
		return false
	}
}
