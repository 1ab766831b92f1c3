// Package gatewaytest provides an in-memory gateway whose calls can be held,
// failed or reordered by a test.
package gatewaytest

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"taskboard/domain"
	"taskboard/gateway"
)

// Op names a gateway call.
type Op string

const (
	OpList   Op = "list"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Call describes an intercepted gateway call.
type Call struct {
	Op     Op
	ID     string
	Fields domain.Fields
	// Seq numbers calls in arrival order starting at 1.
	Seq int
}

// Fake is an in-memory Gateway. Ids are assigned sequentially ("1", "2", ...).
type Fake[T domain.Entity[T]] struct {
	// Hook runs before a call is served. It may block to delay settlement;
	// a non-nil error fails the call without touching the fake's records.
	Hook func(ctx context.Context, c Call) error

	mu     sync.Mutex
	items  []T
	nextID int
	seq    int
	calls  []Call
}

// NewFake returns a fake seeded with items.
func NewFake[T domain.Entity[T]](items ...T) *Fake[T] {
	f := &Fake[T]{}
	f.Seed(items...)
	return f
}

// Seed replaces the fake's records. Records without id get one assigned.
func (f *Fake[T]) Seed(items ...T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = f.items[:0]
	for _, it := range items {
		if it.EntityID() == "" {
			it = it.WithID(f.assignLocked())
		}
		f.items = append(f.items, it)
	}
}

// Items returns the fake's current records.
func (f *Fake[T]) Items() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]T, len(f.items))
	copy(out, f.items)
	return out
}

// Calls returns every call seen so far.
func (f *Fake[T]) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake[T]) List(ctx context.Context) ([]T, error) {
	if err := f.intercept(ctx, Call{Op: OpList}); err != nil {
		return nil, err
	}
	return f.Items(), nil
}

func (f *Fake[T]) Create(ctx context.Context, payload T) (T, error) {
	var zero T
	if err := f.intercept(ctx, Call{Op: OpCreate}); err != nil {
		return zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	created := payload.WithID(f.assignLocked())
	f.items = append(f.items, created)
	return created, nil
}

func (f *Fake[T]) Update(ctx context.Context, id string, fields domain.Fields) (T, error) {
	var zero T
	if err := f.intercept(ctx, Call{Op: OpUpdate, ID: id, Fields: fields}); err != nil {
		return zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, it := range f.items {
		if it.EntityID() != id {
			continue
		}
		updated, err := domain.ApplyFields(it, fields)
		if err != nil {
			return zero, &gateway.StatusError{Op: "update", Kind: domain.KindOf[T](), Status: http.StatusBadRequest, Message: err.Error()}
		}
		f.items[i] = updated
		return updated, nil
	}
	return zero, &gateway.StatusError{Op: "update", Kind: domain.KindOf[T](), Status: http.StatusNotFound}
}

func (f *Fake[T]) Delete(ctx context.Context, id string) error {
	if err := f.intercept(ctx, Call{Op: OpDelete, ID: id}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, it := range f.items {
		if it.EntityID() == id {
			f.items = append(f.items[:i:i], f.items[i+1:]...)
			break
		}
	}
	return nil
}

func (f *Fake[T]) intercept(ctx context.Context, c Call) error {
	f.mu.Lock()
	f.seq++
	c.Seq = f.seq
	f.calls = append(f.calls, c)
	hook := f.Hook
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, c)
}

func (f *Fake[T]) assignLocked() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

var _ gateway.Gateway[domain.Task] = (*Fake[domain.Task])(nil)
