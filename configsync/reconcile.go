package configsync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Membership joins and leaves community rooms.
type Membership interface {
	JoinCommunity(ctx context.Context, c Community) error
	LeaveCommunity(ctx context.Context, conversationID string) error
}

// Subscriptions controls which group swarms are polled.
type Subscriptions interface {
	AddGroup(id PubKey)
	RemoveGroup(id PubKey)
}

// ExpiryUpdater requests fresh expiry timestamps for delete-after-read
// messages that just became read.
type ExpiryUpdater interface {
	UpdateExpiry(ctx context.Context, conversationID string, msgs []StoredMessage) error
}

// CursorStore holds per-destination retrieval cursors.
type CursorStore interface {
	DeleteCursorsFor(dest string) error
}

// Reconciler applies merged wrapper state to the local store. Each
// entry is reconciled on its own; a failing entry is logged and
// skipped.
type Reconciler struct {
	reg        *Registry
	store      LocalStore
	dumps      *DumpStore
	cursors    CursorStore
	membership Membership
	subs       Subscriptions
	expiry     ExpiryUpdater
	// focused returns the conversation currently open in the UI.
	focused func() string
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// ReconcilerDeps are the collaborators of a Reconciler. Membership,
// Subscriptions, Expiry and Focused may be nil.
type ReconcilerDeps struct {
	Registry   *Registry
	Store      LocalStore
	Dumps      *DumpStore
	Cursors    CursorStore
	Membership Membership
	Subs       Subscriptions
	Expiry     ExpiryUpdater
	Focused    func() string
}

// NewReconciler creates a reconciler.
func NewReconciler(deps ReconcilerDeps, logger *slog.Logger) *Reconciler {
	focused := deps.Focused
	if focused == nil {
		focused = func() string { return "" }
	}

	return &Reconciler{
		reg:        deps.Registry,
		store:      deps.Store,
		dumps:      deps.Dumps,
		cursors:    deps.Cursors,
		membership: deps.Membership,
		subs:       deps.Subs,
		expiry:     deps.Expiry,
		focused:    focused,
		logger:     logger.With(slog.String("component", "reconcile")),
		now:        time.Now,
	}
}

// Reconcile applies one user variant to the local store.
func (r *Reconciler) Reconcile(ctx context.Context, v Variant) error {
	switch v {
	case UserProfile:
		return r.reconcileProfile(ctx)
	case Contacts:
		return r.reconcileContacts(ctx)
	case UserGroups:
		return r.reconcileUserGroups(ctx)
	case ConvoInfoVolatile:
		return r.reconcileVolatile(ctx)
	case GroupKeys, GroupInfo, GroupMembers:
		panic(fmt.Sprintf("configsync: %s is reconciled per group", v))
	default:
		panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
	}
}

// Wait blocks until background side effects have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) report(pass string, failures int) {
	if failures > 0 {
		r.logger.Warn("reconciled with failures", slog.String("pass", pass), slog.Int("failures", failures))
		return
	}

	r.logger.Debug("reconciled", slog.String("pass", pass))
}

func (r *Reconciler) reconcileProfile(ctx context.Context) error {
	p, err := r.reg.Profile()
	if err != nil {
		return err
	}

	me, err := r.store.GetConversation(ctx, string(r.reg.Account()))
	if err != nil {
		return fmt.Errorf("loading own conversation: %w", err)
	}

	if me == nil {
		return nil
	}

	pic := p.Picture()

	changed := assign(&me.Name, p.Name())
	changed = assign(&me.Priority, p.NoteToSelfPriority()) || changed
	changed = assign(&me.ExpireTimer, p.NoteToSelfExpiry()) || changed
	changed = assign(&me.AvatarURL, pic.URL) || changed
	changed = assignBytes(&me.AvatarKey, pic.Key) || changed

	if !changed {
		return nil
	}

	if err := r.store.SaveConversation(ctx, *me); err != nil {
		return fmt.Errorf("saving own conversation: %w", err)
	}

	return nil
}

// --- contacts ---

func (r *Reconciler) reconcileContacts(ctx context.Context) error {
	contacts, err := r.reg.Contacts()
	if err != nil {
		return err
	}

	locals, err := r.store.GetAllConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	me := string(r.reg.Account())
	tracked := make(map[string]Conversation)

	for _, c := range locals {
		if c.Type == ConversationPrivate && c.ID != me && !c.IsMe && !PubKey(c.ID).IsBlinded() && c.Active() {
			tracked[c.ID] = c
		}
	}

	wanted := make(map[string]Contact)

	for _, ct := range contacts.All() {
		if string(ct.ID) == me {
			continue
		}

		wanted[string(ct.ID)] = ct
	}

	failures := 0
	focused := r.focused()

	for _, id := range slices.Sorted(maps.Keys(tracked)) {
		if _, ok := wanted[id]; ok {
			continue
		}

		c := tracked[id]
		if id == focused && !c.Approved && !c.ApprovedMe {
			r.logger.Debug("keeping focused unapproved conversation", slog.String("id", PubKey(id).Short()))
			continue
		}

		if err := r.removeConversation(ctx, id); err != nil {
			r.logger.Warn("removing contact conversation failed", slog.String("id", PubKey(id).Short()), slog.String("error", err.Error()))
			failures++
		}
	}

	for _, id := range slices.Sorted(maps.Keys(wanted)) {
		if err := r.syncContact(ctx, wanted[id]); err != nil {
			r.logger.Warn("syncing contact failed", slog.String("id", PubKey(id).Short()), slog.String("error", err.Error()))
			failures++
		}
	}

	r.report("contacts", failures)

	return nil
}

func (r *Reconciler) syncContact(ctx context.Context, ct Contact) error {
	local, err := r.store.GetConversation(ctx, string(ct.ID))
	if err != nil {
		return err
	}

	if local == nil {
		local = &Conversation{ID: string(ct.ID), Type: ConversationPrivate}
	} else if ct.Hidden() && local.Priority != PriorityHidden {
		n, err := r.store.RemoveAllMessagesInConversation(ctx, local.ID)
		if err != nil {
			return fmt.Errorf("clearing hidden conversation: %w", err)
		}

		r.logger.Debug("hid contact", slog.String("id", ct.ID.Short()), slog.Int("messages_removed", n))
	}

	if !applyContact(local, ct, r.now()) {
		return nil
	}

	return r.store.SaveConversation(ctx, *local)
}

// applyContact copies contact fields onto c and reports whether any
// of them changed.
func applyContact(c *Conversation, ct Contact, now time.Time) bool {
	changed := false

	if ct.Name != "" {
		changed = assign(&c.Name, ct.Name) || changed
	}

	changed = assign(&c.Nickname, ct.Nickname) || changed
	changed = assign(&c.Priority, ct.Priority) || changed
	changed = assign(&c.Approved, ct.Approved) || changed
	changed = assign(&c.ApprovedMe, ct.ApprovedMe) || changed
	changed = assign(&c.Blocked, ct.Blocked) || changed
	changed = assign(&c.ExpirationMode, ct.ExpirationMode) || changed
	changed = assign(&c.ExpireTimer, ct.ExpirationTimer) || changed

	if ct.Picture.IsSet() {
		changed = assign(&c.AvatarURL, ct.Picture.URL) || changed
		changed = assignBytes(&c.AvatarKey, ct.Picture.Key) || changed
	}

	if !c.Active() {
		activeAt := now.UnixMilli()
		if ct.CreatedAt > 0 {
			activeAt = ct.CreatedAt * 1000
		}

		changed = assign(&c.ActiveAt, activeAt) || changed
	}

	return changed
}

// --- user groups ---

func (r *Reconciler) reconcileUserGroups(ctx context.Context) error {
	groups, err := r.reg.UserGroups()
	if err != nil {
		return err
	}

	locals, err := r.store.GetAllConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	byType := make(map[ConversationType]map[string]Conversation)
	for _, c := range locals {
		if byType[c.Type] == nil {
			byType[c.Type] = make(map[string]Conversation)
		}

		byType[c.Type][c.ID] = c
	}

	r.reconcileCommunities(ctx, groups.Communities(), byType[ConversationCommunity])
	r.reconcileLegacyGroups(ctx, groups.LegacyGroups(), byType[ConversationLegacy])
	r.reconcileGroups(ctx, groups.Groups(), byType[ConversationGroup])

	return nil
}

func (r *Reconciler) reconcileCommunities(ctx context.Context, communities []Community, local map[string]Conversation) {
	failures := 0
	wanted := make(map[string]Community, len(communities))

	for _, c := range communities {
		wanted[c.ConversationID()] = c
	}

	for _, id := range slices.Sorted(maps.Keys(local)) {
		if _, ok := wanted[id]; ok {
			continue
		}

		if err := r.leaveCommunity(ctx, id); err != nil {
			r.logger.Warn("leaving community failed", slog.String("id", id), slog.String("error", err.Error()))
			failures++
		}
	}

	for _, id := range slices.Sorted(maps.Keys(wanted)) {
		c := wanted[id]

		existing, ok := local[id]
		if !ok {
			if err := r.joinCommunity(ctx, c); err != nil {
				r.logger.Warn("joining community failed", slog.String("id", id), slog.String("error", err.Error()))
				failures++
			}

			continue
		}

		if assign(&existing.Priority, c.Priority) {
			if err := r.store.SaveConversation(ctx, existing); err != nil {
				r.logger.Warn("updating community failed", slog.String("id", id), slog.String("error", err.Error()))
				failures++
			}
		}
	}

	r.report("communities", failures)
}

func (r *Reconciler) joinCommunity(ctx context.Context, c Community) error {
	if err := c.validate(); err != nil {
		return err
	}

	if r.membership != nil {
		if err := r.membership.JoinCommunity(ctx, c); err != nil {
			return err
		}
	}

	return r.store.SaveConversation(ctx, Conversation{
		ID:       c.ConversationID(),
		Type:     ConversationCommunity,
		Name:     c.Room,
		Priority: c.Priority,
		ActiveAt: r.now().UnixMilli(),
	})
}

func (r *Reconciler) leaveCommunity(ctx context.Context, id string) error {
	if r.membership != nil {
		if err := r.membership.LeaveCommunity(ctx, id); err != nil {
			return err
		}
	}

	return r.removeConversation(ctx, id)
}

func (r *Reconciler) reconcileLegacyGroups(ctx context.Context, legacy []LegacyGroup, local map[string]Conversation) {
	failures := 0
	wanted := make(map[string]LegacyGroup, len(legacy))

	for _, g := range legacy {
		wanted[string(g.ID)] = g
	}

	for _, id := range slices.Sorted(maps.Keys(local)) {
		if _, ok := wanted[id]; ok {
			continue
		}

		if err := r.removeConversation(ctx, id); err != nil {
			r.logger.Warn("removing legacy group failed", slog.String("id", PubKey(id).Short()), slog.String("error", err.Error()))
			failures++

			continue
		}

		if r.subs != nil {
			r.subs.RemoveGroup(PubKey(id))
		}
	}

	for _, id := range slices.Sorted(maps.Keys(wanted)) {
		if err := r.syncLegacyGroup(ctx, wanted[id], local); err != nil {
			r.logger.Warn("syncing legacy group failed", slog.String("id", PubKey(id).Short()), slog.String("error", err.Error()))
			failures++
		}
	}

	r.report("legacy_groups", failures)
}

func (r *Reconciler) syncLegacyGroup(ctx context.Context, g LegacyGroup, local map[string]Conversation) error {
	c, ok := local[string(g.ID)]
	if !ok {
		c = Conversation{ID: string(g.ID), Type: ConversationLegacy}
	}

	activeAt := c.ActiveAt
	if !c.Active() {
		activeAt = r.now().UnixMilli()
		if g.JoinedAt > 0 {
			activeAt = g.JoinedAt * 1000
		}
	}

	changed := !ok
	changed = assign(&c.Name, g.Name) || changed
	changed = assign(&c.Priority, g.Priority) || changed
	changed = assign(&c.ExpireTimer, g.DisappearingTimer) || changed
	changed = assign(&c.ActiveAt, activeAt) || changed
	changed = assign(&c.LastJoined, g.JoinedAt) || changed
	changed = assignStrings(&c.Members, pubKeyStrings(g.MemberIDs())) || changed
	changed = assignStrings(&c.Admins, pubKeyStrings(g.Admins())) || changed
	changed = assign(&c.Left, false) || changed

	if changed {
		if err := r.store.SaveConversation(ctx, c); err != nil {
			return err
		}
	}

	if len(g.EncPubKey) > 0 && len(g.EncSecKey) > 0 {
		added, err := r.store.AddLegacyGroupKeypairIfMissing(ctx, LegacyKeypair{
			GroupID: string(g.ID),
			PubKey:  g.EncPubKey,
			SecKey:  g.EncSecKey,
		})
		if err != nil {
			return fmt.Errorf("caching keypair: %w", err)
		}

		if added {
			r.logger.Debug("cached legacy group keypair", slog.String("id", g.ID.Short()))
		}
	}

	if r.subs != nil {
		r.subs.AddGroup(g.ID)
	}

	return nil
}

func (r *Reconciler) reconcileGroups(ctx context.Context, groups []Group, local map[string]Conversation) {
	failures := 0
	wanted := make(map[string]Group, len(groups))

	for _, g := range groups {
		wanted[string(g.ID)] = g
	}

	for _, id := range slices.Sorted(maps.Keys(local)) {
		if _, ok := wanted[id]; ok {
			continue
		}

		if err := r.removeGroupCompletely(ctx, PubKey(id)); err != nil {
			r.logger.Warn("removing group failed", slog.String("id", PubKey(id).Short()), slog.String("error", err.Error()))
			failures++
		}
	}

	for _, id := range slices.Sorted(maps.Keys(wanted)) {
		if err := r.syncGroup(ctx, wanted[id], local); err != nil {
			r.logger.Warn("syncing group failed", slog.String("id", PubKey(id).Short()), slog.String("error", err.Error()))
			failures++
		}
	}

	r.report("groups", failures)
}

func (r *Reconciler) syncGroup(ctx context.Context, g Group, local map[string]Conversation) error {
	if _, err := r.reg.InitMetaGroup(g.ID, adminKey(g), nil); err != nil {
		return err
	}

	c, ok := local[string(g.ID)]
	if !ok {
		c = Conversation{ID: string(g.ID), Type: ConversationGroup}
	}

	activeAt := c.ActiveAt
	if !c.Active() {
		activeAt = r.now().UnixMilli()
		if g.JoinedAt > 0 {
			activeAt = g.JoinedAt * 1000
		}
	}

	changed := !ok
	if g.Name != "" {
		changed = assign(&c.Name, g.Name) || changed
	}

	changed = assign(&c.Priority, g.Priority) || changed
	changed = assign(&c.InvitePending, g.Invited) || changed
	changed = assign(&c.Kicked, g.Kicked) || changed
	changed = assign(&c.Destroyed, g.Destroyed) || changed
	changed = assign(&c.LastJoined, g.JoinedAt) || changed
	changed = assign(&c.ActiveAt, activeAt) || changed

	if changed {
		if err := r.store.SaveConversation(ctx, c); err != nil {
			return err
		}
	}

	if r.subs == nil {
		return nil
	}

	if g.Kicked || g.Destroyed {
		r.subs.RemoveGroup(g.ID)
	} else {
		r.subs.AddGroup(g.ID)
	}

	return nil
}

// removeGroupCompletely drops every local trace of a group that is no
// longer in UserGroups. No leave message is sent.
func (r *Reconciler) removeGroupCompletely(ctx context.Context, id PubKey) error {
	if r.subs != nil {
		r.subs.RemoveGroup(id)
	}

	if err := r.removeConversation(ctx, string(id)); err != nil {
		return err
	}

	r.reg.Free(id)

	if r.dumps != nil {
		if err := r.dumps.DeleteAllFor(id); err != nil {
			return err
		}
	}

	if r.cursors != nil {
		if err := r.cursors.DeleteCursorsFor(string(id)); err != nil {
			return fmt.Errorf("deleting cursors: %w", err)
		}
	}

	r.logger.Info("removed group", slog.String("id", id.Short()))

	return nil
}

func (r *Reconciler) removeConversation(ctx context.Context, id string) error {
	if _, err := r.store.RemoveAllMessagesInConversation(ctx, id); err != nil {
		return fmt.Errorf("removing messages: %w", err)
	}

	if err := r.store.RemoveConversation(ctx, id); err != nil {
		return fmt.Errorf("removing conversation: %w", err)
	}

	return nil
}

// --- volatile ---

func (r *Reconciler) reconcileVolatile(ctx context.Context) error {
	volatile, err := r.reg.ConvoInfoVolatile()
	if err != nil {
		return err
	}

	failures := 0

	for _, kind := range VolatileKinds {
		for _, e := range volatile.All(kind) {
			if err := r.applyVolatile(ctx, e); err != nil {
				r.logger.Warn("applying read state failed",
					slog.String("kind", string(kind)),
					slog.String("id", e.ConversationID),
					slog.String("error", err.Error()),
				)
				failures++
			}
		}
	}

	r.report("volatile", failures)

	return nil
}

func (r *Reconciler) applyVolatile(ctx context.Context, e VolatileEntry) error {
	c, err := r.store.GetConversation(ctx, e.ConversationID)
	if err != nil {
		return err
	}

	if c == nil {
		return nil
	}

	changed := assign(&c.Unread, e.Unread)

	if e.LastRead > c.LastRead {
		c.LastRead = e.LastRead
		changed = true

		read, err := r.store.MarkReadUntil(ctx, c.ID, e.LastRead)
		if err != nil {
			return fmt.Errorf("marking read: %w", err)
		}

		r.updateExpiry(ctx, c.ID, read)
	}

	if !changed {
		return nil
	}

	return r.store.SaveConversation(ctx, *c)
}

// updateExpiry hands newly read delete-after-read messages to the
// expiry updater in the background.
func (r *Reconciler) updateExpiry(ctx context.Context, convo string, read []StoredMessage) {
	if r.expiry == nil {
		return
	}

	var msgs []StoredMessage

	for _, m := range read {
		if m.ExpiresAfterRead {
			msgs = append(msgs, m)
		}
	}

	if len(msgs) == 0 {
		return
	}

	bg := context.WithoutCancel(ctx)

	r.wg.Go(func() {
		if err := r.expiry.UpdateExpiry(bg, convo, msgs); err != nil {
			r.logger.Warn("updating expiry failed", slog.String("id", convo), slog.String("error", err.Error()))
		}
	})
}

// --- groups ---

// ReconcileGroup applies a group's Info and Members to its local
// conversation.
func (r *Reconciler) ReconcileGroup(ctx context.Context, group PubKey) error {
	m, err := r.reg.Group(group)
	if err != nil {
		return err
	}

	c, err := r.store.GetConversation(ctx, string(group))
	if err != nil {
		return fmt.Errorf("loading group conversation: %w", err)
	}

	if c == nil {
		return nil
	}

	var admins []string

	members := m.Members.All()
	ids := make([]string, len(members))

	for i, mem := range members {
		ids[i] = string(mem.ID)
		if mem.Admin {
			admins = append(admins, string(mem.ID))
		}
	}

	changed := false
	if name := m.Info.Name(); name != "" {
		changed = assign(&c.Name, name)
	}

	pic := m.Info.Picture()

	changed = assign(&c.ExpireTimer, m.Info.ExpireTimer()) || changed
	changed = assign(&c.Destroyed, c.Destroyed || m.Info.Destroyed()) || changed
	changed = assign(&c.AvatarURL, pic.URL) || changed
	changed = assignBytes(&c.AvatarKey, pic.Key) || changed
	changed = assignStrings(&c.Members, ids) || changed
	changed = assignStrings(&c.Admins, admins) || changed

	if !changed {
		return nil
	}

	if err := r.store.SaveConversation(ctx, *c); err != nil {
		return fmt.Errorf("saving group conversation: %w", err)
	}

	return nil
}

func assign[T comparable](dst *T, v T) bool {
	if *dst == v {
		return false
	}

	*dst = v

	return true
}

func assignBytes(dst *[]byte, v []byte) bool {
	if bytes.Equal(*dst, v) {
		return false
	}

	*dst = slices.Clone(v)

	return true
}

func assignStrings(dst *[]string, v []string) bool {
	if slices.Equal(*dst, v) {
		return false
	}

	*dst = slices.Clone(v)

	return true
}

func pubKeyStrings(ids []PubKey) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}

	return out
}
