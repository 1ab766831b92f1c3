package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
)

type fakeQueue struct {
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func sampleEvent() Event {
	return Event{Kind: domain.KindTask, Op: OpUpdated, ID: "42", UserID: "u1", Time: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestRedisPublisherPublishesJSON(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	ctx := context.Background()

	pubsub := rc.Subscribe(ctx, "changes")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan string, 1)
	go func() {
		msg := <-pubsub.Channel()
		done <- msg.Payload
	}()

	if err := NewRedisPublisher(rc, "changes").Publish(ctx, sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case pl := <-done:
		var got Event
		if err := sonic.ConfigStd.Unmarshal([]byte(pl), &got); err != nil {
			t.Fatalf("decode payload %s: %v", pl, err)
		}
		if got != sampleEvent() {
			t.Fatalf("unexpected event %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message received")
	}
}

func TestQueuePublisherEnqueues(t *testing.T) {
	q := &fakeQueue{}
	p := &QueuePublisher{q: q}
	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(q.messages))
	}
	var got Event
	if err := sonic.ConfigStd.Unmarshal([]byte(q.messages[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "42" || got.Kind != domain.KindTask {
		t.Fatalf("unexpected event %#v", got)
	}

	q.err = errors.New("queue unavailable")
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected enqueue error")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	first := &recordingPublisher{err: errors.New("first")}
	second := &recordingPublisher{}
	err := Multi{first, second, Nop{}}.Publish(context.Background(), sampleEvent())
	if err == nil || err.Error() != "first" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("every publisher should receive the event")
	}
}

func TestSubscribeDeliversAndSkipsGarbage(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	logger, hook := test.NewNullLogger()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 1)
	stopped := make(chan struct{})
	go func() {
		Subscribe(ctx, logger, rc, "changes", func(_ context.Context, ev Event) { got <- ev })
		close(stopped)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.PubSubNumSub("changes")["changes"] == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not established")
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.Publish("changes", "not json")
	payload, _ := sonic.ConfigStd.Marshal(sampleEvent())
	m.Publish("changes", string(payload))

	select {
	case ev := <-got:
		if ev != sampleEvent() {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "unable to parse change event" {
		t.Fatalf("expected parse error to be logged, got %#v", entry)
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Subscribe did not return after cancel")
	}
}

type blockingPublisher struct {
	mu      sync.Mutex
	release chan struct{}
	events  []Event
}

func (b *blockingPublisher) Publish(ctx context.Context, ev Event) error {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *blockingPublisher) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestAsyncDeliversOnClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	next := &blockingPublisher{}
	a := NewAsync(next, AsyncOptions{Workers: 2, Buffer: 8, Logger: logger})
	for i := 0; i < 5; i++ {
		if err := a.Publish(context.Background(), sampleEvent()); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	a.Close()
	if n := next.count(); n != 5 {
		t.Fatalf("expected 5 delivered events, got %d", n)
	}
	// Publishing after close goes straight through.
	if err := a.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if n := next.count(); n != 6 {
		t.Fatalf("expected inline delivery after close, got %d", n)
	}
	a.Close()
}

func TestAsyncPublishesInlineWhenSaturated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	release := make(chan struct{})
	slow := &blockingPublisher{release: release}
	a := NewAsync(slow, AsyncOptions{Workers: 1, Buffer: 0, Handoff: 200 * time.Millisecond, Logger: logger})

	// The single worker takes the first event and blocks on release.
	if err := a.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	inline := make(chan error, 1)
	go func() { inline <- a.Publish(context.Background(), sampleEvent()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		saturated := false
		for _, e := range hook.AllEntries() {
			if e.Message == "event buffer saturated; publishing inline" {
				saturated = true
			}
		}
		if saturated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected saturation warning")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	if err := <-inline; err != nil {
		t.Fatalf("inline publish: %v", err)
	}
	a.Close()
	if n := slow.count(); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}
