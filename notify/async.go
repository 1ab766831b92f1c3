package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// AsyncOptions sizes an Async publisher.
type AsyncOptions struct {
	Workers int
	Buffer  int
	// Timeout bounds each background publish.
	Timeout time.Duration
	// Handoff is how long Publish waits for buffer space before publishing inline.
	Handoff time.Duration
	Logger  *log.Logger
}

// Async moves publishing off the caller's path onto a fixed set of workers.
// When the buffer stays full past the handoff window the event is published
// inline instead of dropped.
type Async struct {
	next   Publisher
	opts   AsyncOptions
	jobs   chan Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the workers.
func NewAsync(next Publisher, opts AsyncOptions) *Async {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	a := &Async{next: next, opts: opts, jobs: make(chan Event, opts.Buffer)}
	for i := 0; i < opts.Workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}
	a.opts.Logger.WithFields(log.Fields{"workers": opts.Workers, "buffer": opts.Buffer}).Debug("event publisher started")
	return a
}

func (a *Async) worker(id int) {
	defer a.wg.Done()
	for ev := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.Timeout)
		err := a.next.Publish(ctx, ev)
		cancel()
		if err != nil {
			a.opts.Logger.WithError(err).WithFields(log.Fields{
				"kind":   ev.Kind,
				"op":     ev.Op,
				"id":     ev.ID,
				"worker": id,
			}).Error("publish failed")
		}
	}
}

// Publish hands ev to a worker. The caller's context only applies when the
// event ends up published inline.
func (a *Async) Publish(ctx context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return a.next.Publish(ctx, ev)
	}
	select {
	case a.jobs <- ev:
		return nil
	default:
	}
	if a.opts.Handoff > 0 {
		timer := time.NewTimer(a.opts.Handoff)
		defer timer.Stop()
		select {
		case a.jobs <- ev:
			return nil
		case <-timer.C:
		}
	}
	a.opts.Logger.Warn("event buffer saturated; publishing inline")
	return a.next.Publish(ctx, ev)
}

// Close stops accepting background work and waits for queued events.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()
	a.wg.Wait()
}
