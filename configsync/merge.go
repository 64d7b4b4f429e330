package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/alexjbarnes/confsync/internal/swarm"
)

// WatermarkStore tracks the newest merged network timestamp per user
// variant.
type WatermarkStore interface {
	AdvanceWatermark(variant string, ts int64) (int64, error)
}

// JobQueue accepts requests to schedule a sync job.
type JobQueue interface {
	QueueNewJobIfNeeded(owner PubKey)
}

type describer interface {
	Describe() string
}

// MergeHandler folds retrieved config messages into the live wrappers,
// persists the result and reconciles the local store.
type MergeHandler struct {
	reg        *Registry
	dumps      *DumpStore
	reconciler *Reconciler
	jobs       JobQueue
	marks      WatermarkStore
	debugDumps bool
	logger     *slog.Logger
}

// NewMergeHandler creates a handler. With debugDumps set, each merge
// logs a patch of the wrapper state before and after.
func NewMergeHandler(reg *Registry, dumps *DumpStore, reconciler *Reconciler, jobs JobQueue, marks WatermarkStore, debugDumps bool, logger *slog.Logger) *MergeHandler {
	return &MergeHandler{
		reg:        reg,
		dumps:      dumps,
		reconciler: reconciler,
		jobs:       jobs,
		marks:      marks,
		debugDumps: debugDumps,
		logger:     logger.With(slog.String("component", "merge")),
	}
}

// HandleUser merges a batch retrieved from the account swarm.
// Messages outside the user config namespaces are ignored.
func (h *MergeHandler) HandleUser(ctx context.Context, msgs []swarm.RetrievedMessage) error {
	byVariant := make(map[Variant][]swarm.RetrievedMessage)

	for _, m := range msgs {
		v, ok := VariantForNamespace(m.Namespace)
		if !ok || !v.IsUser() {
			h.logger.Debug("ignoring message", slog.String("namespace", m.Namespace.String()))
			continue
		}

		byVariant[v] = append(byVariant[v], m)
	}

	var errs []error

	needsPush := false
	owner := h.reg.Account()

	for _, v := range RequiredUserVariants {
		batch := byVariant[v]
		if len(batch) == 0 {
			continue
		}

		w, err := h.reg.User(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		before := h.describe(w)
		accepted, failed := mergeReporting(w, toConfigMessages(batch))

		for _, err := range failed {
			h.logger.Warn("config message rejected", slog.String("variant", v.String()), slog.String("error", err.Error()))
		}

		h.logger.Debug("merged",
			slog.String("variant", v.String()),
			slog.Int("received", len(batch)),
			slog.Int("accepted", len(accepted)),
		)

		if len(accepted) > 0 {
			h.logDiff(v.String(), before, h.describe(w))
		}

		if err := h.dumps.persist(owner, v.DumpName(), w); err != nil {
			errs = append(errs, err)
		}

		if ts := maxAcceptedTimestamp(batch, accepted); ts > 0 && h.marks != nil {
			if _, err := h.marks.AdvanceWatermark(v.DumpName(), ts); err != nil {
				errs = append(errs, fmt.Errorf("advancing %s watermark: %w", v, err))
			}
		}

		if len(accepted) > 0 && h.reconciler != nil {
			if err := h.reconciler.Reconcile(ctx, v); err != nil {
				errs = append(errs, fmt.Errorf("reconciling %s: %w", v, err))
			}
		}

		needsPush = needsPush || w.NeedsPush()
	}

	if needsPush && h.jobs != nil {
		h.jobs.QueueNewJobIfNeeded(owner)
	}

	return errors.Join(errs...)
}

// HandleGroup merges a batch retrieved from a group swarm. Keys are
// applied before Info and Members regardless of arrival order.
func (h *MergeHandler) HandleGroup(ctx context.Context, group PubKey, msgs []swarm.RetrievedMessage) error {
	m, err := h.reg.Group(group)
	if err != nil {
		return err
	}

	var keys, info, members []ConfigMessage

	for _, msg := range msgs {
		v, ok := VariantForNamespace(msg.Namespace)
		if !ok {
			continue
		}

		cm := toConfigMessage(msg)

		switch v {
		case GroupKeys:
			keys = append(keys, cm)
		case GroupInfo:
			info = append(info, cm)
		case GroupMembers:
			members = append(members, cm)
		case UserProfile, Contacts, UserGroups, ConvoInfoVolatile:
			h.logger.Debug("ignoring user message in group swarm", slog.String("group", group.Short()))
		default:
			panic(fmt.Sprintf("configsync: unknown variant %d", uint8(v)))
		}
	}

	if len(keys)+len(info)+len(members) == 0 && m.Deferred() == 0 {
		return nil
	}

	before := h.describeGroup(m)
	res := m.Merge(keys, info, members)

	for _, err := range res.Failed {
		h.logger.Warn("group message rejected", slog.String("group", group.Short()), slog.String("error", err.Error()))
	}

	h.logger.Debug("merged group",
		slog.String("group", group.Short()),
		slog.Int("accepted", res.Accepted()),
		slog.Int("deferred", res.Deferred),
	)

	if res.Accepted() > 0 {
		h.logDiff(MetaGroupDumpName(group), before, h.describeGroup(m))
	}

	if err := h.dumps.persist(group, MetaGroupDumpName(group), m); err != nil {
		return err
	}

	if res.Accepted() > 0 && h.reconciler != nil {
		if err := h.reconciler.ReconcileGroup(ctx, group); err != nil {
			return fmt.Errorf("reconciling group %s: %w", group.Short(), err)
		}
	}

	if m.IsAdmin() && m.NeedsPush() && h.jobs != nil {
		h.jobs.QueueNewJobIfNeeded(group)
	}

	return nil
}

// failingMerger is a wrapper that reports why messages were skipped.
type failingMerger interface {
	merge(msgs []ConfigMessage) (accepted []string, deferred []ConfigMessage, failed []error)
}

func mergeReporting(w ConfigWrapper, msgs []ConfigMessage) ([]string, []error) {
	if fm, ok := w.(failingMerger); ok {
		accepted, _, failed := fm.merge(msgs)
		return accepted, failed
	}

	return w.Merge(msgs), nil
}

func (h *MergeHandler) describe(w ConfigWrapper) string {
	if !h.debugDumps {
		return ""
	}

	if d, ok := w.(describer); ok {
		return d.Describe()
	}

	return ""
}

func (h *MergeHandler) describeGroup(m *MetaGroup) string {
	if !h.debugDumps {
		return ""
	}

	return "# info\n" + m.Info.Describe() + "# members\n" + m.Members.Describe()
}

func (h *MergeHandler) logDiff(name, before, after string) {
	if !h.debugDumps || before == after {
		return
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(before, after)

	h.logger.Debug("state changed",
		slog.String("dump", name),
		slog.String("patch", dmp.PatchToText(patches)),
	)
}

func toConfigMessage(m swarm.RetrievedMessage) ConfigMessage {
	return ConfigMessage{Hash: m.Hash, Data: m.Data, Timestamp: m.Timestamp}
}

func toConfigMessages(msgs []swarm.RetrievedMessage) []ConfigMessage {
	out := make([]ConfigMessage, len(msgs))
	for i, m := range msgs {
		out[i] = toConfigMessage(m)
	}

	return out
}

func maxAcceptedTimestamp(msgs []swarm.RetrievedMessage, accepted []string) int64 {
	var ts int64

	for _, m := range msgs {
		if slices.Contains(accepted, m.Hash) {
			ts = max(ts, m.Timestamp)
		}
	}

	return ts
}
