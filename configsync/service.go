package configsync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
)

// ServiceState is the persistent state the service needs: jobs,
// watermarks, retrieval cursors and the linking flag.
type ServiceState interface {
	JobStore
	WatermarkStore
	PollCursors
	CursorStore
	Linking() bool
	SetLinking(linking bool) error
}

// ServiceConfig holds the timing knobs of the sync core.
type ServiceConfig struct {
	Runner        RunnerConfig
	PollInterval  time.Duration
	InviteTimeout time.Duration
	// ConfigTTL is the storage lifetime of pushed config messages.
	ConfigTTL  time.Duration
	DebugDumps bool
}

// ServiceDeps are the collaborators of a Service. Membership, Expiry,
// Focused and LegacySink may be nil.
type ServiceDeps struct {
	Registry   *Registry
	Dumps      *DumpStore
	State      ServiceState
	Sender     SwarmSender
	Store      LocalStore
	Membership Membership
	Expiry     ExpiryUpdater
	Focused    func() string
	LegacySink LegacyMessageSink
}

// Service is the entry point of the sync core: it restores wrappers,
// polls for remote changes and turns local mutations into sync jobs.
type Service struct {
	cfg    ServiceConfig
	reg    *Registry
	dumps  *DumpStore
	state  ServiceState
	store  LocalStore
	logger *slog.Logger
	now    func() time.Time

	syncer     *Syncer
	runner     *Runner
	reconciler *Reconciler
	handler    *MergeHandler
	poller     *Poller
}

// NewService wires the sync core together.
func NewService(deps ServiceDeps, cfg ServiceConfig, logger *slog.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		reg:    deps.Registry,
		dumps:  deps.Dumps,
		state:  deps.State,
		store:  deps.Store,
		logger: logger.With(slog.String("component", "service")),
		now:    time.Now,
	}

	account := deps.Registry.Account()

	s.syncer = NewSyncer(deps.Registry, deps.Dumps, deps.Sender, deps.Store, cfg.ConfigTTL, logger)

	runnerCfg := cfg.Runner
	runnerCfg.Linking = deps.State.Linking
	runnerCfg.OnFailure = s.onJobFailure
	s.runner = NewRunner(s.syncer, deps.State, account, runnerCfg, logger)

	s.reconciler = NewReconciler(ReconcilerDeps{
		Registry:   deps.Registry,
		Store:      deps.Store,
		Dumps:      deps.Dumps,
		Cursors:    deps.State,
		Membership: deps.Membership,
		Expiry:     deps.Expiry,
		Focused:    deps.Focused,
	}, logger)

	s.handler = NewMergeHandler(deps.Registry, deps.Dumps, s.reconciler, s.runner, deps.State, cfg.DebugDumps, logger)
	s.poller = NewPoller(deps.Sender, deps.State, s.handler, account, cfg.PollInterval, deps.LegacySink, logger)
	s.reconciler.subs = s.poller

	return s
}

func (s *Service) onJobFailure(owner PubKey, err error) {
	s.logger.Error("sync job failed",
		slog.String("owner", owner.Short()),
		slog.String("error", err.Error()),
	)
}

// Registry returns the wrapper registry.
func (s *Service) Registry() *Registry {
	return s.reg
}

// Poller returns the swarm poller.
func (s *Service) Poller() *Poller {
	return s.poller
}

// Bootstrap restores wrappers from dumps, creates missing user
// variants, restores groups listed in UserGroups and resumes persisted
// jobs.
func (s *Service) Bootstrap(ctx context.Context) error {
	account := s.reg.Account()

	recs, err := s.dumps.LoadAll()
	if err != nil {
		return err
	}

	groupDumps := make(map[PubKey][]byte)

	for _, rec := range recs {
		if gid, ok := ParseMetaGroupDumpName(rec.Name); ok {
			groupDumps[gid] = rec.Data
			continue
		}

		v, ok := VariantForDumpName(rec.Name)
		if !ok || rec.Owner != account {
			s.logger.Warn("ignoring dump", slog.String("owner", rec.Owner.Short()), slog.String("name", rec.Name))
			continue
		}

		if _, err := s.reg.InitUser(v, rec.Data); err != nil {
			s.logger.Warn("restoring dump failed, starting fresh",
				slog.String("variant", v.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, v := range RequiredUserVariants {
		if _, err := s.reg.User(v); err == nil {
			continue
		}

		w, err := s.reg.InitUser(v, nil)
		if err != nil {
			return err
		}

		if err := s.dumps.persistNow(account, v.DumpName(), w); err != nil {
			return err
		}

		s.logger.Info("initialized config", slog.String("variant", v.String()))
	}

	if err := s.ensureOwnConversation(ctx); err != nil {
		return err
	}

	if err := s.restoreGroups(groupDumps); err != nil {
		return err
	}

	if err := s.runner.Start(ctx); err != nil {
		return err
	}

	if s.syncer.HasPendingChanges(account) {
		s.runner.QueueNewJobIfNeeded(account)
	}

	for _, gid := range s.reg.Groups() {
		if s.syncer.HasPendingChanges(gid) {
			s.runner.QueueNewJobIfNeeded(gid)
		}
	}

	return nil
}

func (s *Service) ensureOwnConversation(ctx context.Context) error {
	account := string(s.reg.Account())

	me, err := s.store.GetConversation(ctx, account)
	if err != nil {
		return fmt.Errorf("loading own conversation: %w", err)
	}

	if me != nil {
		return nil
	}

	if err := s.store.SaveConversation(ctx, Conversation{
		ID:         account,
		Type:       ConversationPrivate,
		IsMe:       true,
		Approved:   true,
		ApprovedMe: true,
		ActiveAt:   s.now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("creating own conversation: %w", err)
	}

	return nil
}

func (s *Service) restoreGroups(groupDumps map[PubKey][]byte) error {
	groups, err := s.reg.UserGroups()
	if err != nil {
		return err
	}

	for _, g := range groups.Groups() {
		dump := groupDumps[g.ID]
		delete(groupDumps, g.ID)

		if _, err := s.reg.InitMetaGroup(g.ID, adminKey(g), dump); err != nil {
			s.logger.Warn("restoring group failed, starting fresh",
				slog.String("group", g.ID.Short()),
				slog.String("error", err.Error()),
			)

			if _, err := s.reg.InitMetaGroup(g.ID, adminKey(g), nil); err != nil {
				return err
			}
		}

		if !g.Kicked && !g.Destroyed {
			s.poller.AddGroup(g.ID)
		}
	}

	for _, g := range groups.LegacyGroups() {
		s.poller.AddGroup(g.ID)
	}

	for gid := range groupDumps {
		s.logger.Info("dropping dump of unknown group", slog.String("group", gid.Short()))

		if err := s.dumps.DeleteAllFor(gid); err != nil {
			return err
		}
	}

	return nil
}

// Run polls until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	return s.poller.Run(ctx)
}

// Stop waits for running jobs and background work. Queued jobs stay
// persisted.
func (s *Service) Stop() {
	s.runner.Stop()
	s.reconciler.Wait()
}

// WaitForSync blocks until owner has no queued or running job.
func (s *Service) WaitForSync(ctx context.Context, owner PubKey) error {
	return s.runner.Wait(ctx, owner)
}

// changed persists owner's dirty dumps and schedules a push.
func (s *Service) changed(owner PubKey) error {
	if err := s.dumps.SaveDirty(s.reg, owner); err != nil {
		return err
	}

	s.runner.QueueNewJobIfNeeded(owner)

	return nil
}

func (s *Service) userChanged(ctx context.Context, v Variant) error {
	if err := s.reconciler.Reconcile(ctx, v); err != nil {
		return err
	}

	return s.changed(s.reg.Account())
}

// SetProfileName sets the account's display name.
func (s *Service) SetProfileName(ctx context.Context, name string) error {
	p, err := s.reg.Profile()
	if err != nil {
		return err
	}

	if err := p.SetName(name); err != nil {
		return err
	}

	return s.userChanged(ctx, UserProfile)
}

// SetProfilePicture sets or clears the account's avatar.
func (s *Service) SetProfilePicture(ctx context.Context, pic ProfilePicture) error {
	p, err := s.reg.Profile()
	if err != nil {
		return err
	}

	if err := p.SetPicture(pic); err != nil {
		return err
	}

	return s.userChanged(ctx, UserProfile)
}

// UpsertContact creates or updates a contact.
func (s *Service) UpsertContact(ctx context.Context, ct Contact) error {
	contacts, err := s.reg.Contacts()
	if err != nil {
		return err
	}

	if ct.CreatedAt == 0 {
		if cur, ok := contacts.Get(ct.ID); ok {
			ct.CreatedAt = cur.CreatedAt
		} else {
			ct.CreatedAt = s.now().Unix()
		}
	}

	if err := contacts.Set(ct); err != nil {
		return err
	}

	return s.userChanged(ctx, Contacts)
}

// HideContact hides a contact's conversation and clears its messages.
func (s *Service) HideContact(ctx context.Context, id PubKey) error {
	contacts, err := s.reg.Contacts()
	if err != nil {
		return err
	}

	ct, ok := contacts.Get(id)
	if !ok {
		return fmt.Errorf("%w: contact %s", apperrors.ErrNotFound, id.Short())
	}

	ct.Priority = PriorityHidden
	if err := contacts.Set(ct); err != nil {
		return err
	}

	return s.userChanged(ctx, Contacts)
}

// RemoveContact deletes a contact and its read state.
func (s *Service) RemoveContact(ctx context.Context, id PubKey) error {
	contacts, err := s.reg.Contacts()
	if err != nil {
		return err
	}

	volatile, err := s.reg.ConvoInfoVolatile()
	if err != nil {
		return err
	}

	contacts.Erase(id)
	volatile.Erase(VolatileOneToOne, string(id))

	return s.userChanged(ctx, Contacts)
}

// JoinCommunity adds a community and joins it.
func (s *Service) JoinCommunity(ctx context.Context, c Community) error {
	groups, err := s.reg.UserGroups()
	if err != nil {
		return err
	}

	if err := groups.SetCommunity(c); err != nil {
		return err
	}

	return s.userChanged(ctx, UserGroups)
}

// LeaveCommunity removes a community and leaves it.
func (s *Service) LeaveCommunity(ctx context.Context, conversationID string) error {
	groups, err := s.reg.UserGroups()
	if err != nil {
		return err
	}

	volatile, err := s.reg.ConvoInfoVolatile()
	if err != nil {
		return err
	}

	if !groups.EraseCommunity(conversationID) {
		return fmt.Errorf("%w: community %s", apperrors.ErrNotFound, conversationID)
	}

	volatile.Erase(VolatileCommunity, conversationID)

	return s.userChanged(ctx, UserGroups)
}

// CreateGroup creates a v2 group with this account as admin and the
// given members, and distributes its first key.
func (s *Service) CreateGroup(ctx context.Context, name string, members []Member) (PubKey, error) {
	groups, err := s.reg.UserGroups()
	if err != nil {
		return "", err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating group key: %w", err)
	}

	gid := GroupPubKey(pub)
	now := s.now()

	if err := groups.SetGroup(Group{ID: gid, Name: name, SecretKey: priv, JoinedAt: now.Unix()}); err != nil {
		return "", err
	}

	m, err := s.reg.InitMetaGroup(gid, priv, nil)
	if err != nil {
		return "", err
	}

	self, _ := s.reg.Contacts()
	me := Member{ID: s.reg.Account(), Admin: true, Accepted: true}

	if p, err := s.reg.Profile(); err == nil {
		me.Name = p.Name()
		me.Picture = p.Picture()
	}

	recipients := []PubKey{me.ID}
	all := append([]Member{me}, members...)

	for _, mem := range all {
		if mem.ID != me.ID {
			mem.Invited = true
			if self != nil {
				if ct, ok := self.Get(mem.ID); ok && mem.Name == "" {
					mem.Name = ct.Name
				}
			}

			recipients = append(recipients, mem.ID)
		}

		if err := m.Members.Set(mem); err != nil {
			return "", fmt.Errorf("adding member %s: %w", mem.ID.Short(), err)
		}
	}

	if err := m.Info.SetName(name); err != nil {
		return "", err
	}

	if err := m.Info.SetCreatedAt(now.Unix()); err != nil {
		return "", err
	}

	if err := m.Keys.Rotate(recipients); err != nil {
		return "", err
	}

	if err := s.userChanged(ctx, UserGroups); err != nil {
		return "", err
	}

	if err := s.changed(gid); err != nil {
		return "", err
	}

	if err := s.reconciler.ReconcileGroup(ctx, gid); err != nil {
		return "", err
	}

	s.logger.Info("created group", slog.String("group", gid.Short()), slog.Int("members", len(all)))

	return gid, nil
}

// adminGroup returns the meta wrapper of a group this account
// administers.
func (s *Service) adminGroup(group PubKey) (*MetaGroup, error) {
	m, err := s.reg.Group(group)
	if err != nil {
		return nil, err
	}

	if !m.IsAdmin() {
		return nil, fmt.Errorf("%w: group %s", apperrors.ErrNotAdmin, group.Short())
	}

	return m, nil
}

// rekeyGroup rotates the group key for the current members and
// schedules the push.
func (s *Service) rekeyGroup(ctx context.Context, group PubKey, m *MetaGroup) error {
	if err := m.Keys.Rotate(m.Members.IDs()); err != nil {
		return err
	}

	if err := s.changed(group); err != nil {
		return err
	}

	return s.reconciler.ReconcileGroup(ctx, group)
}

// AddMembers invites members to a group this account administers and
// rotates the group key to include them. Existing members are skipped.
func (s *Service) AddMembers(ctx context.Context, group PubKey, members []Member) error {
	m, err := s.adminGroup(group)
	if err != nil {
		return err
	}

	contacts, _ := s.reg.Contacts()
	added := 0

	for _, mem := range members {
		if !mem.ID.IsUser() {
			return fmt.Errorf("member %q is not an account id", mem.ID.Short())
		}

		if _, ok := m.Members.Get(mem.ID); ok {
			continue
		}

		mem.Invited = true
		if mem.Name == "" && contacts != nil {
			if ct, ok := contacts.Get(mem.ID); ok {
				mem.Name = ct.Name
			}
		}

		if err := m.Members.Set(mem); err != nil {
			return fmt.Errorf("adding member %s: %w", mem.ID.Short(), err)
		}

		added++
	}

	if added == 0 {
		return nil
	}

	s.logger.Info("added group members", slog.String("group", group.Short()), slog.Int("added", added))

	return s.rekeyGroup(ctx, group, m)
}

// RemoveMembers removes members from a group this account administers
// and rotates the key so they cannot read later changes.
func (s *Service) RemoveMembers(ctx context.Context, group PubKey, ids []PubKey) error {
	m, err := s.adminGroup(group)
	if err != nil {
		return err
	}

	if slices.Contains(ids, s.reg.Account()) {
		return fmt.Errorf("removing ourselves from %s: leave the group instead", group.Short())
	}

	removed := 0

	for _, id := range ids {
		if m.Members.Erase(id) {
			removed++
		}
	}

	if removed == 0 {
		return fmt.Errorf("%w: members of %s", apperrors.ErrNotFound, group.Short())
	}

	s.logger.Info("removed group members", slog.String("group", group.Short()), slog.Int("removed", removed))

	return s.rekeyGroup(ctx, group, m)
}

// LeaveGroup drops a v2 group from this account and removes everything
// held locally for it: conversation, dumps, cursors, polling and any
// queued sync job.
func (s *Service) LeaveGroup(ctx context.Context, group PubKey) error {
	groups, err := s.reg.UserGroups()
	if err != nil {
		return err
	}

	volatile, err := s.reg.ConvoInfoVolatile()
	if err != nil {
		return err
	}

	if !groups.EraseGroup(group) {
		return fmt.Errorf("%w: group %s", apperrors.ErrNotFound, group.Short())
	}

	volatile.Erase(VolatileGroup, string(group))
	s.runner.Forget(group)

	if err := s.reconciler.removeGroupCompletely(ctx, group); err != nil {
		return err
	}

	return s.userChanged(ctx, UserGroups)
}

// DeleteGroup destroys a group this account administers. The destroyed
// flag is pushed so members drop the group, then the group is left
// locally. A push that does not finish in time is logged and the local
// removal still happens.
func (s *Service) DeleteGroup(ctx context.Context, group PubKey) error {
	m, err := s.adminGroup(group)
	if err != nil {
		return err
	}

	if err := m.Info.Destroy(); err != nil {
		return err
	}

	if err := s.changed(group); err != nil {
		return err
	}

	wait := s.cfg.Runner.MinSpacing + s.cfg.Runner.SettleDelay + s.cfg.Runner.JobTimeout
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	err = s.runner.Wait(waitCtx, group)
	cancel()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil || m.NeedsPush() {
		s.logger.Warn("group destruction not confirmed, removing locally",
			slog.String("group", group.Short()),
		)
	}

	return s.LeaveGroup(ctx, group)
}

// AcceptInvite joins a group we were invited to. It waits a bounded
// time for the group's first poll so the conversation shows real state;
// on timeout the join still completes.
func (s *Service) AcceptInvite(ctx context.Context, group PubKey) error {
	groups, err := s.reg.UserGroups()
	if err != nil {
		return err
	}

	g, ok := groups.GetGroup(group)
	if !ok {
		return fmt.Errorf("%w: group %s", apperrors.ErrNotFound, group.Short())
	}

	g.Invited = false
	g.JoinedAt = s.now().Unix()

	if err := groups.SetGroup(g); err != nil {
		return err
	}

	if err := s.userChanged(ctx, UserGroups); err != nil {
		return err
	}

	if err := s.poller.WaitForFirstPoll(ctx, group, s.cfg.InviteTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("group not polled yet, continuing",
			slog.String("group", group.Short()),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if err := s.reconciler.ReconcileGroup(ctx, group); err != nil && !errors.Is(err, apperrors.ErrNotInitialized) {
		return err
	}

	return nil
}

// MarkRead records the read position of a conversation.
func (s *Service) MarkRead(ctx context.Context, kind VolatileKind, conversationID string, lastRead int64) error {
	volatile, err := s.reg.ConvoInfoVolatile()
	if err != nil {
		return err
	}

	e, _ := volatile.Get(kind, conversationID)
	e.Kind = kind
	e.ConversationID = conversationID
	e.LastRead = lastRead
	e.Unread = false

	if err := volatile.Set(e); err != nil {
		return err
	}

	return s.userChanged(ctx, ConvoInfoVolatile)
}

// MarkMessageRead records the read position up to a stored message.
func (s *Service) MarkMessageRead(ctx context.Context, kind VolatileKind, messageID string) error {
	msg, err := s.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading message: %w", err)
	}

	if msg == nil {
		return fmt.Errorf("%w: message %s", apperrors.ErrNotFound, messageID)
	}

	return s.MarkRead(ctx, kind, msg.ConversationID, msg.SentAt)
}

// SetLinking toggles device linking. While set, account sync jobs are
// suppressed; clearing it schedules a job.
func (s *Service) SetLinking(linking bool) error {
	if err := s.state.SetLinking(linking); err != nil {
		return err
	}

	if !linking {
		s.runner.QueueNewJobIfNeeded(s.reg.Account())
	}

	return nil
}
