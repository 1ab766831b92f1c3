// Package coordinator turns consumer mutations into tracked remote requests
// and reconciles their confirmed results into a store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/gateway"
	"taskboard/store"
	"taskboard/telemetry"
)

// Policy decides which settlement wins when requests for the same entity overlap.
type Policy int

const (
	// LastSettled applies every settlement in completion order.
	LastSettled Policy = iota
	// LastIssued drops a settlement when a newer request for the same entity
	// (or, for fetch-all, a newer fetch-all) has already been applied. Failed
	// requests never supersede older ones.
	LastIssued
)

func (p Policy) String() string {
	if p == LastIssued {
		return "last-issued"
	}
	return "last-settled"
}

// ParsePolicy accepts "last-settled" or "last-issued".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "last-settled":
		return LastSettled, nil
	case "last-issued":
		return LastIssued, nil
	}
	return LastSettled, fmt.Errorf("unknown sequencing policy %q", s)
}

// ErrEmptyID is returned when an update or delete names no entity.
var ErrEmptyID = errors.New("entity id is required")

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	policy Policy
	logger *log.Logger
}

// WithPolicy selects the sequencing policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the logger used for anomalies and request events.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Coordinator issues requests for one collection. Requests never wait on each
// other; each settled request produces at most one store write.
type Coordinator[T domain.Entity[T]] struct {
	gw     gateway.Gateway[T]
	st     *store.Store[T]
	policy Policy
	logger *log.Logger
	kind   domain.Kind

	seq      atomic.Uint64
	inflight atomic.Int64
	wg       sync.WaitGroup

	mu           sync.Mutex
	applied      map[string]uint64
	pending      map[string]int
	fetchIssued  uint64
	fetchApplied uint64

	// applyMu orders check-and-write pairs under LastIssued.
	applyMu sync.Mutex
}

// New wires a coordinator between gw and st.
func New[T domain.Entity[T]](gw gateway.Gateway[T], st *store.Store[T], opts ...Option) *Coordinator[T] {
	o := options{logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Coordinator[T]{
		gw:     gw,
		st:     st,
		policy: o.policy,
		logger: o.logger,
		kind:   domain.KindOf[T](),

		applied: map[string]uint64{},
		pending: map[string]int{},
	}
}

// Store returns the store this coordinator reconciles into.
func (c *Coordinator[T]) Store() *store.Store[T] { return c.st }

// Policy returns the sequencing policy in use.
func (c *Coordinator[T]) Policy() Policy { return c.policy }

// FetchAll reloads the whole collection. The store is marked loading before
// the request goes out; on failure it is marked failed with the error text and
// its items are left as they were.
func (c *Coordinator[T]) FetchAll(ctx context.Context) (err error) {
	seq := c.begin()
	defer c.end()
	req, ctx := c.trace(ctx, "fetch_all", "", seq)
	defer func() { req.End(0, err) }()

	c.mu.Lock()
	if seq > c.fetchIssued {
		c.fetchIssued = seq
	}
	c.mu.Unlock()

	c.st.SetLoading()
	start := time.Now()
	items, err := c.gw.List(ctx)
	req.Observe("gateway", time.Since(start))

	if err != nil {
		req.SetErrorStage("gateway")
		msg := err.Error()
		if !c.reconcileFetch(seq, false, func() { c.st.SetFailed(msg) }) {
			c.stale(req, "fetch_all", "", seq)
		}
		return err
	}
	if !c.reconcileFetch(seq, true, func() { c.st.ReplaceAll(items) }) {
		c.stale(req, "fetch_all", "", seq)
		return nil
	}
	req.Set("items", len(items))
	return nil
}

// Create stores payload remotely and appends the confirmed record. payload
// must not carry an id.
func (c *Coordinator[T]) Create(ctx context.Context, payload T) (created T, err error) {
	seq := c.begin()
	defer c.end()
	req, ctx := c.trace(ctx, "create", "", seq)
	defer func() { req.End(0, err) }()

	if payload.EntityID() != "" {
		req.SetErrorStage("validate")
		return created, domain.ErrIDAssigned
	}
	if err := payload.Validate(); err != nil {
		req.SetErrorStage("validate")
		return created, fmt.Errorf("create %s: %w", c.kind, err)
	}

	start := time.Now()
	created, err = c.gw.Create(ctx, payload)
	req.Observe("gateway", time.Since(start))
	if err != nil {
		req.SetErrorStage("gateway")
		return created, err
	}
	if created.EntityID() == "" {
		req.SetErrorStage("reconcile")
		return created, fmt.Errorf("create %s: %w", c.kind, domain.ErrMissingID)
	}
	req.Set("entity_id", created.EntityID())
	c.reconcile(created.EntityID(), seq, func() { c.st.UpsertOne(created, store.Created) })
	return created, nil
}

// Update applies fields to the record with the given id and stores the
// server confirmed result.
func (c *Coordinator[T]) Update(ctx context.Context, id string, fields domain.Fields) (updated T, err error) {
	seq := c.begin()
	defer c.end()
	req, ctx := c.trace(ctx, "update", id, seq)
	defer func() { req.End(0, err) }()

	if id == "" {
		req.SetErrorStage("validate")
		return updated, ErrEmptyID
	}
	c.track(id)
	defer c.untrack(id, false)

	start := time.Now()
	updated, err = c.gw.Update(ctx, id, fields)
	req.Observe("gateway", time.Since(start))
	if err != nil {
		req.SetErrorStage("gateway")
		return updated, err
	}
	if updated.EntityID() != id {
		req.SetErrorStage("reconcile")
		return updated, fmt.Errorf("update %s: server returned id %q for %q", c.kind, updated.EntityID(), id)
	}
	if !c.reconcile(id, seq, func() { c.st.UpsertOne(updated, store.Updated) }) {
		c.stale(req, "update", id, seq)
	}
	return updated, nil
}

// Replace overwrites every field of the stored record with item's.
func (c *Coordinator[T]) Replace(ctx context.Context, item T) (T, error) {
	fields, err := domain.ReplacementFields(item)
	if err != nil {
		return item, fmt.Errorf("replace %s: %w", c.kind, err)
	}
	return c.Update(ctx, item.EntityID(), fields)
}

// Delete removes the record remotely, then locally. Deleting an id the
// mirror does not hold is not an error.
func (c *Coordinator[T]) Delete(ctx context.Context, id string) (err error) {
	seq := c.begin()
	defer c.end()
	req, ctx := c.trace(ctx, "delete", id, seq)
	defer func() { req.End(0, err) }()

	if id == "" {
		req.SetErrorStage("validate")
		return ErrEmptyID
	}
	c.track(id)
	applied := false
	defer func() { c.untrack(id, applied) }()

	start := time.Now()
	err = c.gw.Delete(ctx, id)
	req.Observe("gateway", time.Since(start))
	if err != nil {
		req.SetErrorStage("gateway")
		return err
	}
	applied = c.reconcile(id, seq, func() { req.Set("removed", c.st.RemoveOne(id)) })
	if !applied {
		c.stale(req, "delete", id, seq)
	}
	return nil
}

// Inflight returns the number of requests issued but not yet settled.
func (c *Coordinator[T]) Inflight() int {
	return int(c.inflight.Load())
}

// Wait blocks until every issued request has settled. Stop issuing new
// requests before calling it.
func (c *Coordinator[T]) Wait() {
	c.wg.Wait()
}

func (c *Coordinator[T]) begin() uint64 {
	c.wg.Add(1)
	c.inflight.Add(1)
	return c.seq.Add(1)
}

func (c *Coordinator[T]) end() {
	c.inflight.Add(-1)
	c.wg.Done()
}

func (c *Coordinator[T]) track(id string) {
	c.mu.Lock()
	c.pending[id]++
	c.mu.Unlock()
}

// untrack ends a request for id. When nothing else for id is in flight and
// forget is set, the applied mark is dropped as well.
func (c *Coordinator[T]) untrack(id string, forget bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id]--
	if c.pending[id] > 0 {
		return
	}
	delete(c.pending, id)
	if forget {
		delete(c.applied, id)
	}
}

// reconcile runs write for a successful settlement unless, under LastIssued,
// a newer request for id has already been applied.
func (c *Coordinator[T]) reconcile(id string, seq uint64, write func()) bool {
	if c.policy != LastIssued {
		write()
		return true
	}
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.mu.Lock()
	if seq < c.applied[id] {
		c.mu.Unlock()
		return false
	}
	c.applied[id] = seq
	c.mu.Unlock()
	write()
	return true
}

// reconcileFetch is reconcile for fetch-all. A failure is only recorded when
// it belongs to the newest fetch-all and nothing newer has succeeded.
func (c *Coordinator[T]) reconcileFetch(seq uint64, ok bool, write func()) bool {
	if c.policy != LastIssued {
		write()
		return true
	}
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.mu.Lock()
	if seq < c.fetchApplied || (!ok && seq != c.fetchIssued) {
		c.mu.Unlock()
		return false
	}
	if ok {
		c.fetchApplied = seq
	}
	c.mu.Unlock()
	write()
	return true
}

func (c *Coordinator[T]) stale(req *telemetry.Request, op, id string, seq uint64) {
	req.Set("stale", true)
	c.logger.WithFields(log.Fields{
		"kind": c.kind,
		"op":   op,
		"id":   id,
		"seq":  seq,
	}).Warn("discarding settlement superseded by a newer request")
}

func (c *Coordinator[T]) trace(ctx context.Context, op, id string, seq uint64) (*telemetry.Request, context.Context) {
	base := map[string]any{
		"entity.kind": string(c.kind),
		"sync.op":     op,
		"sync.seq":    seq,
		"sync.policy": c.policy.String(),
	}
	if id != "" {
		base["entity.id"] = id
	}
	return telemetry.Start(ctx, c.logger, "taskboard.sync."+op, "taskboard.sync", "sync.request", "taskboard.sync", base)
}
