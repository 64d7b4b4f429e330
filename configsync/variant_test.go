package configsync

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alexjbarnes/confsync/internal/swarm"
)

func TestVariant_NamespaceRoundTrip(t *testing.T) {
	for _, v := range slices.Concat(RequiredUserVariants, groupVariants) {
		got, ok := VariantForNamespace(v.Namespace())
		assert.True(t, ok, v.String())
		assert.Equal(t, v, got)
	}
}

func TestVariant_NamespaceWireValues(t *testing.T) {
	assert.Equal(t, swarm.Namespace(2), UserProfile.Namespace())
	assert.Equal(t, swarm.Namespace(3), Contacts.Namespace())
	assert.Equal(t, swarm.Namespace(4), ConvoInfoVolatile.Namespace())
	assert.Equal(t, swarm.Namespace(5), UserGroups.Namespace())
	assert.Equal(t, swarm.Namespace(12), GroupKeys.Namespace())
	assert.Equal(t, swarm.Namespace(13), GroupInfo.Namespace())
	assert.Equal(t, swarm.Namespace(14), GroupMembers.Namespace())
}

func TestVariantForNamespace_NonConfig(t *testing.T) {
	for _, ns := range []swarm.Namespace{swarm.NamespaceDefault, swarm.NamespaceClosedGroupMessages, swarm.NamespaceLegacyClosedGroup} {
		_, ok := VariantForNamespace(ns)
		assert.False(t, ok, ns.String())
	}
}

func TestVariant_DumpNames(t *testing.T) {
	tests := map[Variant]string{
		UserProfile:       "UserConfig",
		Contacts:          "ContactsConfig",
		UserGroups:        "UserGroupsConfig",
		ConvoInfoVolatile: "ConvoInfoVolatileConfig",
	}

	for v, name := range tests {
		assert.Equal(t, name, v.DumpName())

		got, ok := VariantForDumpName(name)
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}

	_, ok := VariantForDumpName("MetaGroupConfig-03aa")
	assert.False(t, ok)
}

func TestVariant_GroupDumpNamePanics(t *testing.T) {
	assert.Panics(t, func() { _ = GroupInfo.DumpName() })
	assert.Panics(t, func() { _ = Variant(99).String() })
}

func TestMetaGroupDumpName_RoundTrip(t *testing.T) {
	gid, _ := newGroupKey(t)

	got, ok := ParseMetaGroupDumpName(MetaGroupDumpName(gid))
	assert.True(t, ok)
	assert.Equal(t, gid, got)

	_, ok = ParseMetaGroupDumpName("ContactsConfig")
	assert.False(t, ok)

	_, ok = ParseMetaGroupDumpName("MetaGroupConfig-05abc")
	assert.False(t, ok, "non-group key is rejected")
}
