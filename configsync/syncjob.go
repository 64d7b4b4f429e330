package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
	"github.com/alexjbarnes/confsync/internal/swarm"
)

// JobOutcome is the terminal state of one sync job run.
type JobOutcome int

const (
	JobSuccess JobOutcome = iota
	JobRetry
	JobPermanentFailure
)

func (o JobOutcome) String() string {
	switch o {
	case JobSuccess:
		return "success"
	case JobRetry:
		return "retry"
	case JobPermanentFailure:
		return "permanent_failure"
	default:
		panic(fmt.Sprintf("configsync: unknown job outcome %d", int(o)))
	}
}

//go:generate mockgen -destination=mock_swarm_test.go -package=configsync . SwarmSender

// SwarmSender is the storage-network surface the sync core uses.
type SwarmSender interface {
	SendBatch(ctx context.Context, dest string, reqs []swarm.SubRequest, method swarm.Method) ([]swarm.Result, error)
	Retrieve(ctx context.Context, dest string, ns swarm.Namespace, lastHash string) ([]swarm.RetrievedMessage, error)
}

// Syncer executes sync jobs: collect, send as one sequence, confirm by
// position and persist dumps.
type Syncer struct {
	reg    *Registry
	dumps  *DumpStore
	sender SwarmSender
	store  LocalStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewSyncer creates a job executor. ttl is the storage lifetime of
// pushed config messages.
func NewSyncer(reg *Registry, dumps *DumpStore, sender SwarmSender, store LocalStore, ttl time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{
		reg:    reg,
		dumps:  dumps,
		sender: sender,
		store:  store,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "syncjob")),
	}
}

// HasPendingChanges reports whether owner still has something to push.
func (s *Syncer) HasPendingChanges(owner PubKey) bool {
	if owner.IsGroup() {
		m, err := s.reg.Group(owner)
		return err == nil && m.NeedsPush()
	}

	for _, v := range RequiredUserVariants {
		if w, err := s.reg.User(v); err == nil && w.NeedsPush() {
			return true
		}
	}

	return false
}

// RunSync runs one sync job for owner.
func (s *Syncer) RunSync(ctx context.Context, owner PubKey) (JobOutcome, error) {
	if owner.IsGroup() {
		return s.runGroup(ctx, owner)
	}

	return s.runUser(ctx, owner)
}

func (s *Syncer) runUser(ctx context.Context, owner PubKey) (JobOutcome, error) {
	if s.reg.Identity() == nil || owner != s.reg.Account() {
		return JobPermanentFailure, fmt.Errorf("%w: no signing key for %s", apperrors.ErrPrecondition, owner.Short())
	}

	convo, err := s.store.GetConversation(ctx, string(owner))
	if err != nil {
		return JobRetry, fmt.Errorf("loading own conversation: %w", err)
	}

	if convo == nil {
		return JobPermanentFailure, fmt.Errorf("%w: own conversation missing", apperrors.ErrPrecondition)
	}

	changes, err := PendingChangesForUs(s.reg)
	if err != nil {
		return JobRetry, err
	}

	return s.push(ctx, owner, changes, func(v Variant) (ConfigWrapper, error) {
		return s.reg.User(v)
	})
}

func (s *Syncer) runGroup(ctx context.Context, group PubKey) (JobOutcome, error) {
	m, err := s.reg.Group(group)
	if err != nil {
		return JobPermanentFailure, fmt.Errorf("%w: %w", apperrors.ErrPrecondition, err)
	}

	groups, err := s.reg.UserGroups()
	if err != nil {
		return JobPermanentFailure, fmt.Errorf("%w: %w", apperrors.ErrPrecondition, err)
	}

	if _, ok := groups.GetGroup(group); !ok {
		return JobPermanentFailure, fmt.Errorf("%w: group %s not in UserGroups", apperrors.ErrPrecondition, group.Short())
	}

	changes, err := PendingChangesForGroup(s.reg, group)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotAdmin) || errors.Is(err, apperrors.ErrMissingKey) {
			return JobPermanentFailure, err
		}

		return JobRetry, err
	}

	return s.push(ctx, group, changes, func(v Variant) (ConfigWrapper, error) {
		return m.wrapper(v), nil
	})
}

// push sends changes as one sequence call and confirms each stored
// message by its position in the reply.
func (s *Syncer) push(ctx context.Context, owner PubKey, changes PendingChanges, wrapperFor func(Variant) (ConfigWrapper, error)) (JobOutcome, error) {
	// Dumps go to disk first so a crash mid-push still has the new seqno.
	if err := s.dumps.SaveDirty(s.reg, owner); err != nil {
		return JobRetry, err
	}

	if changes.Empty() {
		return JobSuccess, nil
	}

	reqs := make([]swarm.SubRequest, 0, len(changes.Messages)+1)
	for _, msg := range changes.Messages {
		reqs = append(reqs, swarm.StoreRequest{Namespace: msg.Namespace, Data: msg.Data, TTL: s.ttl})
	}

	if len(changes.AllOldHashes) > 0 {
		reqs = append(reqs, swarm.DeleteHashesRequest{Hashes: changes.AllOldHashes})
	}

	results, err := s.sender.SendBatch(ctx, string(owner), reqs, swarm.MethodSequence)
	if err != nil {
		return JobRetry, fmt.Errorf("sending batch: %w", err)
	}

	if len(results) != len(reqs) {
		return JobRetry, fmt.Errorf("%w: sent %d, got %d", apperrors.ErrUnexpectedReplyCount, len(reqs), len(results))
	}

	confirmed := 0

	for i, msg := range changes.Messages {
		r := results[i]
		if !r.OK() || r.Hash == "" {
			s.logger.Warn("store rejected",
				slog.String("owner", owner.Short()),
				slog.String("variant", msg.Variant.String()),
				slog.Int("code", r.Code),
			)

			continue
		}

		w, err := wrapperFor(msg.Variant)
		if err != nil {
			return JobPermanentFailure, err
		}

		w.ConfirmPushed(msg.Seqno, r.Hash)
		confirmed++
	}

	if len(changes.AllOldHashes) > 0 && !results[len(results)-1].OK() {
		s.logger.Warn("deleting superseded hashes failed",
			slog.String("owner", owner.Short()),
			slog.Int("hashes", len(changes.AllOldHashes)),
			slog.Int("code", results[len(results)-1].Code),
		)
	}

	if err := s.dumps.SaveDirty(s.reg, owner); err != nil {
		return JobRetry, err
	}

	if confirmed == 0 {
		return JobRetry, fmt.Errorf("no store in batch of %d succeeded", len(changes.Messages))
	}

	s.logger.Info("pushed config",
		slog.String("owner", owner.Short()),
		slog.Int("confirmed", confirmed),
		slog.Int("messages", len(changes.Messages)),
	)

	return JobSuccess, nil
}
