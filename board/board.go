// Package board owns the task, list and group pipelines of one client.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/coordinator"
	"taskboard/domain"
	"taskboard/gateway"
	"taskboard/notify"
	"taskboard/selector"
	"taskboard/store"
)

// ErrUnknownTask is returned when a task id is not in the mirror.
var ErrUnknownTask = errors.New("task not in mirror")

// Gateways bundles one gateway per collection.
type Gateways struct {
	Tasks  gateway.Gateway[domain.Task]
	Lists  gateway.Gateway[domain.List]
	Groups gateway.Gateway[domain.Group]
}

// HTTPGateways builds REST gateways that share opts.
func HTTPGateways(opts gateway.Options) (Gateways, error) {
	tasks, err := gateway.NewHTTP[domain.Task](opts)
	if err != nil {
		return Gateways{}, err
	}
	lists, err := gateway.NewHTTP[domain.List](opts)
	if err != nil {
		return Gateways{}, err
	}
	groups, err := gateway.NewHTTP[domain.Group](opts)
	if err != nil {
		return Gateways{}, err
	}
	return Gateways{Tasks: tasks, Lists: lists, Groups: groups}, nil
}

// Board is created once per process and passed to whatever needs the mirror.
type Board struct {
	Tasks  *coordinator.Coordinator[domain.Task]
	Lists  *coordinator.Coordinator[domain.List]
	Groups *coordinator.Coordinator[domain.Group]

	userID string
	logger *log.Logger
}

// Options configures a Board.
type Options struct {
	Policy coordinator.Policy
	Logger *log.Logger
	// UserID filters change events in Watch; empty accepts every event.
	UserID string
}

// New wires a store and coordinator per collection.
func New(gws Gateways, opts Options) *Board {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	copts := []coordinator.Option{coordinator.WithPolicy(opts.Policy), coordinator.WithLogger(logger)}
	return &Board{
		Tasks:  coordinator.New(gws.Tasks, store.New[domain.Task](logger), copts...),
		Lists:  coordinator.New(gws.Lists, store.New[domain.List](logger), copts...),
		Groups: coordinator.New(gws.Groups, store.New[domain.Group](logger), copts...),
		userID: opts.UserID,
		logger: logger,
	}
}

// Refresh fetches all three collections concurrently. Each collection settles
// on its own; the returned error joins every failure.
func (b *Board) Refresh(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, len(domain.Kinds))
	)
	for i, kind := range domain.Kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.Fetch(ctx, kind)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Fetch reloads one collection.
func (b *Board) Fetch(ctx context.Context, kind domain.Kind) error {
	var err error
	switch kind {
	case domain.KindTask:
		err = b.Tasks.FetchAll(ctx)
	case domain.KindList:
		err = b.Lists.FetchAll(ctx)
	case domain.KindGroup:
		err = b.Groups.FetchAll(ctx)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", kind, err)
	}
	return nil
}

// ToggleTaskCompletion flips the completed flag of a mirrored task through a
// confirmed update.
func (b *Board) ToggleTaskCompletion(ctx context.Context, id string) (domain.Task, error) {
	task, ok := selector.ByID(b.Tasks.Store().Snapshot(), id)
	if !ok {
		return domain.Task{}, fmt.Errorf("toggle %s: %w", id, ErrUnknownTask)
	}
	return b.Tasks.Update(ctx, id, domain.Fields{"completed": !task.Completed})
}

// DanglingReferences reports soft references to records the mirror lacks.
func (b *Board) DanglingReferences() []selector.Dangling {
	return selector.DanglingReferences(
		b.Tasks.Store().Snapshot(),
		b.Lists.Store().Snapshot(),
		b.Groups.Store().Snapshot(),
	)
}

// HandleEvent refetches the collection an event refers to.
func (b *Board) HandleEvent(ctx context.Context, ev notify.Event) {
	if b.userID != "" && ev.UserID != "" && ev.UserID != b.userID {
		return
	}
	entry := b.logger.WithFields(log.Fields{"kind": ev.Kind, "op": ev.Op, "id": ev.ID})
	entry.Debug("remote change")
	if err := b.Fetch(ctx, ev.Kind); err != nil {
		entry.WithError(err).Warn("refetch after remote change failed")
	}
}

// Watch refetches collections as change events arrive on channel until ctx
// is done.
func (b *Board) Watch(ctx context.Context, rc *redis.Client, channel string) {
	notify.Subscribe(ctx, b.logger, rc, channel, b.HandleEvent)
}

// Wait blocks until every request issued through the board has settled.
func (b *Board) Wait() {
	b.Tasks.Wait()
	b.Lists.Wait()
	b.Groups.Wait()
}
