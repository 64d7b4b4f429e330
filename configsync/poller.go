package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/confsync/internal/swarm"
)

// maxConcurrentGroupPolls bounds how many group swarms are polled at
// once.
const maxConcurrentGroupPolls = 4

// PollCursors persists the last retrieved hash per destination and
// namespace.
type PollCursors interface {
	Cursor(dest string, namespace int) string
	SetCursor(dest string, namespace int, hash string) error
}

// LegacyMessageSink receives messages from legacy group swarms, which
// carry no config variants.
type LegacyMessageSink func(ctx context.Context, group PubKey, msgs []swarm.RetrievedMessage)

type pollTarget struct {
	first  chan struct{}
	polled bool
}

// Poller retrieves config messages from the account swarm and every
// subscribed group swarm and hands them to the merge handler.
type Poller struct {
	sender   SwarmSender
	cursors  PollCursors
	handler  *MergeHandler
	account  PubKey
	interval time.Duration
	legacy   LegacyMessageSink
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[PubKey]*pollTarget
}

// NewPoller creates a poller for the account. legacy may be nil.
func NewPoller(sender SwarmSender, cursors PollCursors, handler *MergeHandler, account PubKey, interval time.Duration, legacy LegacyMessageSink, logger *slog.Logger) *Poller {
	return &Poller{
		sender:   sender,
		cursors:  cursors,
		handler:  handler,
		account:  account,
		interval: interval,
		legacy:   legacy,
		logger:   logger.With(slog.String("component", "poller")),
		groups:   make(map[PubKey]*pollTarget),
	}
}

// AddGroup subscribes to a group swarm. Adding twice is a no-op.
func (p *Poller) AddGroup(id PubKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.targetLocked(id)
}

func (p *Poller) targetLocked(id PubKey) *pollTarget {
	t, ok := p.groups[id]
	if !ok {
		t = &pollTarget{first: make(chan struct{})}
		p.groups[id] = t
		p.logger.Debug("subscribed", slog.String("group", id.Short()))
	}

	return t
}

// RemoveGroup stops polling a group swarm.
func (p *Poller) RemoveGroup(id PubKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.groups[id]; ok {
		delete(p.groups, id)
		p.logger.Debug("unsubscribed", slog.String("group", id.Short()))
	}
}

// Subscribed returns the polled group ids, sorted.
func (p *Poller) Subscribed() []PubKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Sorted(maps.Keys(p.groups))
}

// Run polls immediately and then on every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce retrieves every subscribed destination once.
func (p *Poller) PollOnce(ctx context.Context) error {
	var errs []error

	if p.account != "" {
		if err := p.pollUser(ctx); err != nil {
			errs = append(errs, fmt.Errorf("polling account: %w", err))
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentGroupPolls)

	var mu sync.Mutex

	for _, id := range p.Subscribed() {
		g.Go(func() error {
			var err error
			if id.IsGroup() {
				err = p.pollGroup(ctx, id)
			} else {
				err = p.pollLegacy(ctx, id)
			}

			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("polling %s: %w", id.Short(), err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// retrieve fetches new messages of every namespace for dest and
// returns them with the cursor updates to apply once they are handled.
func (p *Poller) retrieve(ctx context.Context, dest PubKey, namespaces []swarm.Namespace) ([]swarm.RetrievedMessage, map[swarm.Namespace]string, error) {
	var all []swarm.RetrievedMessage

	next := make(map[swarm.Namespace]string)

	for _, ns := range namespaces {
		msgs, err := p.sender.Retrieve(ctx, string(dest), ns, p.cursors.Cursor(string(dest), int(ns)))
		if err != nil {
			return nil, nil, err
		}

		if len(msgs) == 0 {
			continue
		}

		all = append(all, msgs...)
		next[ns] = msgs[len(msgs)-1].Hash
	}

	return all, next, nil
}

func (p *Poller) advance(dest PubKey, next map[swarm.Namespace]string) error {
	for ns, hash := range next {
		if err := p.cursors.SetCursor(string(dest), int(ns), hash); err != nil {
			return fmt.Errorf("saving cursor: %w", err)
		}
	}

	return nil
}

func (p *Poller) pollUser(ctx context.Context) error {
	msgs, next, err := p.retrieve(ctx, p.account, swarm.UserConfigNamespaces)
	if err != nil {
		return err
	}

	if len(msgs) == 0 {
		return nil
	}

	if err := p.handler.HandleUser(ctx, msgs); err != nil {
		return err
	}

	return p.advance(p.account, next)
}

func (p *Poller) pollGroup(ctx context.Context, id PubKey) error {
	msgs, next, err := p.retrieve(ctx, id, swarm.GroupConfigNamespaces)
	if err != nil {
		return err
	}

	if err := p.handler.HandleGroup(ctx, id, msgs); err != nil {
		return err
	}

	if err := p.advance(id, next); err != nil {
		return err
	}

	p.markPolled(id)

	return nil
}

func (p *Poller) pollLegacy(ctx context.Context, id PubKey) error {
	msgs, next, err := p.retrieve(ctx, id, []swarm.Namespace{swarm.NamespaceLegacyClosedGroup})
	if err != nil {
		return err
	}

	if len(msgs) > 0 && p.legacy != nil {
		p.legacy(ctx, id, msgs)
	}

	if err := p.advance(id, next); err != nil {
		return err
	}

	p.markPolled(id)

	return nil
}

func (p *Poller) markPolled(id PubKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.groups[id]
	if !ok || t.polled {
		return
	}

	t.polled = true
	close(t.first)
}

// WaitForFirstPoll subscribes to id if needed and blocks until its
// swarm has been polled once, timeout passes or ctx ends.
func (p *Poller) WaitForFirstPoll(ctx context.Context, id PubKey, timeout time.Duration) error {
	p.mu.Lock()
	t := p.targetLocked(id)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.first:
		return nil
	case <-timer.C:
		return fmt.Errorf("first poll of %s: %w", id.Short(), context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}
}
