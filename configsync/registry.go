package configsync

import (
	"crypto/ed25519"
	"fmt"
	"maps"
	"slices"
	"sync"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

// Registry owns every live wrapper: the account's user variants for the
// process lifetime and one MetaGroup per group until it is freed.
type Registry struct {
	identity *Identity

	mu     sync.RWMutex
	user   map[Variant]ConfigWrapper
	groups map[PubKey]*MetaGroup
}

// NewRegistry creates an empty registry for the account.
func NewRegistry(id *Identity) *Registry {
	return &Registry{
		identity: id,
		user:     make(map[Variant]ConfigWrapper),
		groups:   make(map[PubKey]*MetaGroup),
	}
}

// Identity returns the account key material.
func (r *Registry) Identity() *Identity {
	return r.identity
}

// Account returns the account id.
func (r *Registry) Account() PubKey {
	if r.identity == nil {
		return ""
	}

	return r.identity.PubKey()
}

func (r *Registry) newUserWrapper(v Variant, dump []byte) (ConfigWrapper, error) {
	if r.identity == nil {
		return nil, fmt.Errorf("%w: account key required for %s", apperrors.ErrMissingKey, v)
	}

	s, err := userSealer(r.identity, v)
	if err != nil {
		return nil, err
	}

	switch v {
	case UserProfile:
		return newProfile(s, dump)
	case Contacts:
		return newContacts(s, dump)
	case UserGroups:
		return newUserGroups(s, dump)
	case ConvoInfoVolatile:
		return newConvoInfoVolatile(s, dump)
	case GroupKeys, GroupInfo, GroupMembers:
		panic(fmt.Sprintf("configsync: %s is not a user variant", v))
	default:
		panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
	}
}

// InitUser creates a user wrapper from dump, or fresh when dump is nil.
// Initializing a live wrapper again is an error.
func (r *Registry) InitUser(v Variant, dump []byte) (ConfigWrapper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.user[v]; ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAlreadyInitialized, v)
	}

	w, err := r.newUserWrapper(v, dump)
	if err != nil {
		return nil, fmt.Errorf("initializing %s: %w", v, err)
	}

	r.user[v] = w

	return w, nil
}

// GetOrInit returns the live wrapper for (owner, variant), creating it
// from dump when absent. Group variants require the group entry to be
// present in UserGroups so the admin key can be found.
func (r *Registry) GetOrInit(owner PubKey, v Variant, dump []byte) (ConfigWrapper, error) {
	if owner == r.Account() {
		if !v.IsUser() {
			panic(fmt.Sprintf("configsync: %s cannot belong to the account", v))
		}

		if w, err := r.User(v); err == nil {
			return w, nil
		}

		w, err := r.InitUser(v, dump)
		if err != nil {
			// A concurrent init won.
			if existing, uerr := r.User(v); uerr == nil {
				return existing, nil
			}

			return nil, err
		}

		return w, nil
	}

	if !owner.IsGroup() || v.IsUser() {
		panic(fmt.Sprintf("configsync: %s cannot belong to %s", v, owner.Short()))
	}

	groups, err := r.UserGroups()
	if err != nil {
		return nil, err
	}

	entry, ok := groups.GetGroup(owner)
	if !ok {
		return nil, fmt.Errorf("%w: group %s is not in UserGroups", apperrors.ErrNotFound, owner.Short())
	}

	m, err := r.InitMetaGroup(owner, adminKey(entry), dump)
	if err != nil {
		return nil, err
	}

	return m.wrapper(v), nil
}

// User returns a live user wrapper.
func (r *Registry) User(v Variant) (ConfigWrapper, error) {
	if !v.IsUser() {
		panic(fmt.Sprintf("configsync: %s is not a user variant", v))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.user[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotInitialized, v)
	}

	return w, nil
}

// Profile returns the live UserProfile wrapper.
func (r *Registry) Profile() (*Profile, error) {
	w, err := r.User(UserProfile)
	if err != nil {
		return nil, err
	}

	return w.(*Profile), nil
}

// Contacts returns the live Contacts wrapper.
func (r *Registry) Contacts() (*ContactsConfig, error) {
	w, err := r.User(Contacts)
	if err != nil {
		return nil, err
	}

	return w.(*ContactsConfig), nil
}

// UserGroups returns the live UserGroups wrapper.
func (r *Registry) UserGroups() (*UserGroupsConfig, error) {
	w, err := r.User(UserGroups)
	if err != nil {
		return nil, err
	}

	return w.(*UserGroupsConfig), nil
}

// ConvoInfoVolatile returns the live ConvoInfoVolatile wrapper.
func (r *Registry) ConvoInfoVolatile() (*ConvoInfoVolatileConfig, error) {
	w, err := r.User(ConvoInfoVolatile)
	if err != nil {
		return nil, err
	}

	return w.(*ConvoInfoVolatileConfig), nil
}

// InitMetaGroup creates the meta wrapper for group. If one is already
// live it is returned unchanged, which tolerates racing initializers.
func (r *Registry) InitMetaGroup(group PubKey, admin ed25519.PrivateKey, dump []byte) (*MetaGroup, error) {
	if !group.IsGroup() {
		panic(fmt.Sprintf("configsync: %s is not a group key", group.Short()))
	}

	if r.identity == nil {
		return nil, fmt.Errorf("%w: account key required for group %s", apperrors.ErrMissingKey, group.Short())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.groups[group]; ok {
		return m, nil
	}

	m, err := newMetaGroup(r.identity, group, admin, dump)
	if err != nil {
		return nil, fmt.Errorf("initializing group %s: %w", group.Short(), err)
	}

	r.groups[group] = m

	return m, nil
}

// Group returns the live meta wrapper for group.
func (r *Registry) Group(group PubKey) (*MetaGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", apperrors.ErrNotInitialized, group.Short())
	}

	return m, nil
}

// Groups returns the ids of every live meta wrapper, sorted.
func (r *Registry) Groups() []PubKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.groups))
}

// Free releases a group's wrappers. The account's wrappers live for the
// whole process, so freeing the account panics.
func (r *Registry) Free(owner PubKey) {
	if owner == r.Account() {
		panic("configsync: the account's wrappers cannot be freed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.groups, owner)
}

// adminKey returns the group signing key held in a UserGroups entry.
func adminKey(g Group) ed25519.PrivateKey {
	if !g.IsAdmin() {
		return nil
	}

	return ed25519.PrivateKey(g.SecretKey)
}
