package coordinator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/gateway"
	"taskboard/gateway/gatewaytest"
	"taskboard/store"
	"taskboard/telemetry/telemetrytest"
)

func newHarness(t *testing.T, policy Policy, seed ...domain.Task) (*Coordinator[domain.Task], *gatewaytest.Fake[domain.Task], *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	fake := gatewaytest.NewFake(seed...)
	st := store.New[domain.Task](logger)
	return New[domain.Task](fake, st, WithPolicy(policy), WithLogger(logger)), fake, hook
}

func waitFor(t *testing.T, ch <-chan gatewaytest.Call) gatewaytest.Call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for gateway call")
	}
	return gatewaytest.Call{}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for request to settle")
	}
	return nil
}

func TestFetchAllLifecycle(t *testing.T) {
	c, fake, _ := newHarness(t, LastSettled, domain.Task{ID: "1", Title: "A"})
	arrived := make(chan gatewaytest.Call, 1)
	release := make(chan struct{})
	fake.Hook = func(ctx context.Context, call gatewaytest.Call) error {
		arrived <- call
		<-release
		return nil
	}

	if st := c.Store().Snapshot(); st.Phase != domain.PhaseIdle || len(st.Items) != 0 {
		t.Fatalf("unexpected initial state: %#v", st)
	}

	done := make(chan error, 1)
	go func() { done <- c.FetchAll(context.Background()) }()
	waitFor(t, arrived)

	if st := c.Store().Snapshot(); st.Phase != domain.PhaseLoading {
		t.Fatalf("expected loading while in flight, got %s", st.Phase)
	}
	if c.Inflight() != 1 {
		t.Fatalf("expected 1 inflight request, got %d", c.Inflight())
	}

	close(release)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	st := c.Store().Snapshot()
	if st.Phase != domain.PhaseSucceeded {
		t.Fatalf("expected succeeded, got %s", st.Phase)
	}
	if !reflect.DeepEqual(st.Items, []domain.Task{{ID: "1", Title: "A"}}) {
		t.Fatalf("unexpected items: %#v", st.Items)
	}
	c.Wait()
	if c.Inflight() != 0 {
		t.Fatalf("expected no inflight requests, got %d", c.Inflight())
	}
}

func TestFetchAllFailureKeepsItems(t *testing.T) {
	c, fake, _ := newHarness(t, LastSettled, domain.Task{ID: "1", Title: "A"})
	if err := c.FetchAll(context.Background()); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	before := c.Store().Snapshot().Items

	fake.Hook = func(context.Context, gatewaytest.Call) error { return errors.New("network down") }
	err := c.FetchAll(context.Background())
	if err == nil || err.Error() != "network down" {
		t.Fatalf("expected network down, got %v", err)
	}
	st := c.Store().Snapshot()
	if st.Phase != domain.PhaseFailed || st.Err != "network down" {
		t.Fatalf("unexpected failed state: %#v", st)
	}
	if !reflect.DeepEqual(st.Items, before) {
		t.Fatalf("items changed on failure: %#v", st.Items)
	}

	fake.Hook = nil
	if err := c.FetchAll(context.Background()); err != nil {
		t.Fatalf("recovery fetch: %v", err)
	}
	if st := c.Store().Snapshot(); st.Err != "" || st.Phase != domain.PhaseSucceeded {
		t.Fatalf("expected error cleared by successful fetch, got %#v", st)
	}
}

func TestCreateThenFetchAllHasIDOnce(t *testing.T) {
	c, _, _ := newHarness(t, LastSettled, domain.Task{Title: "seed"})
	ctx := context.Background()

	created, err := c.Create(ctx, domain.Task{Title: "new"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	count := 0
	for _, it := range c.Store().Snapshot().Items {
		if it.ID == created.ID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected created id once, found %d times", count)
	}
}

func TestCreateRoundTrip(t *testing.T) {
	c, _, _ := newHarness(t, LastSettled)
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	payload := domain.Task{
		Title:         "Write report",
		Description:   "quarterly",
		Status:        domain.TaskPending,
		Priority:      domain.PriorityHigh,
		ListID:        "l1",
		GroupID:       "g1",
		AssignedUsers: []string{"sam"},
		StartDate:     &start,
		EndDate:       &end,
	}

	created, err := c.Create(context.Background(), payload)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected server assigned id")
	}
	if !reflect.DeepEqual(created.WithID(""), payload) {
		t.Fatalf("non-id fields differ:\n got %#v\nwant %#v", created.WithID(""), payload)
	}
	if items := c.Store().Snapshot().Items; len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("unexpected items after create: %#v", items)
	}
	if c.Store().Snapshot().Phase != domain.PhaseIdle {
		t.Fatalf("create must not change the collection phase")
	}
}

func TestCreateRejectsAssignedID(t *testing.T) {
	c, fake, _ := newHarness(t, LastSettled)
	if _, err := c.Create(context.Background(), domain.Task{ID: "x", Title: "A"}); !errors.Is(err, domain.ErrIDAssigned) {
		t.Fatalf("expected ErrIDAssigned, got %v", err)
	}
	if _, err := c.Create(context.Background(), domain.Task{Title: " "}); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("invalid payloads must not reach the gateway")
	}
}

func TestMutationFailureLeavesStore(t *testing.T) {
	c, fake, _ := newHarness(t, LastSettled, domain.Task{ID: "1", Title: "A"})
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	before := c.Store().Snapshot()

	boom := errors.New("boom")
	fake.Hook = func(context.Context, gatewaytest.Call) error { return boom }

	if _, err := c.Create(ctx, domain.Task{Title: "B"}); !errors.Is(err, boom) {
		t.Fatalf("expected create failure, got %v", err)
	}
	if _, err := c.Update(ctx, "1", domain.Fields{"title": "Z"}); !errors.Is(err, boom) {
		t.Fatalf("expected update failure, got %v", err)
	}
	if err := c.Delete(ctx, "1"); !errors.Is(err, boom) {
		t.Fatalf("expected delete failure, got %v", err)
	}

	after := c.Store().Snapshot()
	if !reflect.DeepEqual(after.Items, before.Items) || after.Phase != domain.PhaseSucceeded || after.Err != "" {
		t.Fatalf("store changed after failed mutations: %#v", after)
	}
}

func TestUpdateNotFoundPropagates(t *testing.T) {
	c, _, _ := newHarness(t, LastSettled)
	_, err := c.Update(context.Background(), "missing", domain.Fields{"title": "X"})
	if !gateway.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.Update(context.Background(), "", domain.Fields{}); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

func TestReplaceClearsFields(t *testing.T) {
	c, _, _ := newHarness(t, LastSettled, domain.Task{ID: "1", Title: "A", ListID: "l1"})
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	got, err := c.Replace(ctx, domain.Task{ID: "1", Title: "B"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got.ListID != "" || got.Title != "B" {
		t.Fatalf("unexpected replacement: %#v", got)
	}
	if items := c.Store().Snapshot().Items; items[0].ListID != "" {
		t.Fatalf("store not reconciled: %#v", items)
	}
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	c, fake, _ := newHarness(t, LastSettled, domain.Task{ID: "2", Title: "B"})
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	before := c.Store().Snapshot()
	if err := c.Delete(ctx, "1"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if err := c.Delete(ctx, "1"); err != nil {
		t.Fatalf("second delete absent: %v", err)
	}
	after := c.Store().Snapshot()
	if !reflect.DeepEqual(after.Items, before.Items) {
		t.Fatalf("items changed: %#v", after.Items)
	}
	if len(fake.Items()) != 1 {
		t.Fatalf("remote lost a record: %#v", fake.Items())
	}
}

func TestDeleteRemovesConfirmed(t *testing.T) {
	c, _, _ := newHarness(t, LastSettled, domain.Task{ID: "1", Title: "A"}, domain.Task{ID: "2", Title: "B"})
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if err := c.Delete(ctx, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	items := c.Store().Snapshot().Items
	if len(items) != 1 || items[0].ID != "2" {
		t.Fatalf("unexpected items: %#v", items)
	}
}

// concurrentUpdates issues update X then update Y for the same task, and lets
// them settle in reverse order.
func concurrentUpdates(t *testing.T, policy Policy) (*Coordinator[domain.Task], *test.Hook) {
	t.Helper()
	c, fake, hook := newHarness(t, policy, domain.Task{ID: "1", Title: "A"})
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}

	arrived := make(chan gatewaytest.Call, 2)
	releases := map[string]chan struct{}{"X": make(chan struct{}), "Y": make(chan struct{})}
	fake.Hook = func(ctx context.Context, call gatewaytest.Call) error {
		if call.Op != gatewaytest.OpUpdate {
			return nil
		}
		arrived <- call
		<-releases[call.Fields["title"].(string)]
		return nil
	}

	doneX := make(chan error, 1)
	go func() {
		_, err := c.Update(ctx, "1", domain.Fields{"title": "X"})
		doneX <- err
	}()
	waitFor(t, arrived)

	doneY := make(chan error, 1)
	go func() {
		_, err := c.Update(ctx, "1", domain.Fields{"title": "Y"})
		doneY <- err
	}()
	waitFor(t, arrived)

	close(releases["Y"])
	if err := waitErr(t, doneY); err != nil {
		t.Fatalf("update Y: %v", err)
	}
	close(releases["X"])
	if err := waitErr(t, doneX); err != nil {
		t.Fatalf("update X: %v", err)
	}
	return c, hook
}

func TestConcurrentUpdatesLastSettledWins(t *testing.T) {
	c, _ := concurrentUpdates(t, LastSettled)
	items := c.Store().Snapshot().Items
	if len(items) != 1 || items[0].Title != "X" {
		t.Fatalf("expected last settled title X, got %#v", items)
	}
}

func TestConcurrentUpdatesLastIssuedWins(t *testing.T) {
	c, hook := concurrentUpdates(t, LastIssued)
	items := c.Store().Snapshot().Items
	if len(items) != 1 || items[0].Title != "Y" {
		t.Fatalf("expected last issued title Y, got %#v", items)
	}
	var stale bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, "superseded") {
			stale = true
		}
	}
	if !stale {
		t.Fatalf("expected stale settlement warning")
	}
}

func TestFailedNewerUpdateDoesNotDiscardOlder(t *testing.T) {
	c, fake, hook := newHarness(t, LastIssued, domain.Task{ID: "1", Title: "A"})
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}

	arrived := make(chan gatewaytest.Call, 1)
	release := make(chan struct{})
	fake.Hook = func(ctx context.Context, call gatewaytest.Call) error {
		if call.Op != gatewaytest.OpUpdate {
			return nil
		}
		if call.Fields["title"] == "Y" {
			return errors.New("write rejected")
		}
		arrived <- call
		<-release
		return nil
	}

	doneX := make(chan error, 1)
	go func() {
		_, err := c.Update(ctx, "1", domain.Fields{"title": "X"})
		doneX <- err
	}()
	waitFor(t, arrived)

	if _, err := c.Update(ctx, "1", domain.Fields{"title": "Y"}); err == nil {
		t.Fatalf("expected update Y to fail")
	}
	close(release)
	if err := waitErr(t, doneX); err != nil {
		t.Fatalf("update X: %v", err)
	}

	server := fake.Items()
	items := c.Store().Snapshot().Items
	if len(items) != 1 || items[0].Title != "X" || server[0].Title != "X" {
		t.Fatalf("mirror %#v does not match server %#v", items, server)
	}
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "superseded") {
			t.Fatalf("unexpected stale warning: %s", e.Message)
		}
	}
}

func TestDeleteForgetsSequencing(t *testing.T) {
	c, _, _ := newHarness(t, LastIssued, domain.Task{ID: "1", Title: "A"}, domain.Task{ID: "2", Title: "B"})
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	for _, id := range []string{"1", "2"} {
		if _, err := c.Update(ctx, id, domain.Fields{"title": "edited"}); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}
	if err := c.Delete(ctx, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.applied["1"]; ok {
		t.Fatalf("deleted id still tracked: %v", c.applied)
	}
	if _, ok := c.applied["2"]; !ok {
		t.Fatalf("expected id 2 to stay tracked: %v", c.applied)
	}
	if len(c.pending) != 0 {
		t.Fatalf("expected no pending requests, got %v", c.pending)
	}
}

func fetchOverlap(t *testing.T, policy Policy) *Coordinator[domain.Task] {
	t.Helper()
	c, fake, _ := newHarness(t, policy, domain.Task{ID: "1", Title: "A"})

	arrived := make(chan gatewaytest.Call, 1)
	release := make(chan struct{})
	fake.Hook = func(ctx context.Context, call gatewaytest.Call) error {
		if call.Op == gatewaytest.OpList && call.Seq == 1 {
			arrived <- call
			<-release
			return errors.New("network down")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.FetchAll(context.Background()) }()
	waitFor(t, arrived)

	if err := c.FetchAll(context.Background()); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	close(release)
	if err := waitErr(t, done); err == nil {
		t.Fatalf("expected first fetch to fail")
	}
	return c
}

func TestOverlappingFetchLastSettled(t *testing.T) {
	c := fetchOverlap(t, LastSettled)
	st := c.Store().Snapshot()
	if st.Phase != domain.PhaseFailed || st.Err != "network down" {
		t.Fatalf("expected late failure to win, got %#v", st)
	}
	if len(st.Items) != 1 {
		t.Fatalf("items must survive the failure: %#v", st.Items)
	}
}

func TestOverlappingFetchLastIssued(t *testing.T) {
	c := fetchOverlap(t, LastIssued)
	st := c.Store().Snapshot()
	if st.Phase != domain.PhaseSucceeded || st.Err != "" {
		t.Fatalf("expected superseded failure to be ignored, got %#v", st)
	}
}

func TestRequestsAreTraced(t *testing.T) {
	tp, exporter, restore := telemetrytest.SetupTestTracer(t)
	defer restore()

	c, _, hook := newHarness(t, LastSettled)
	ctx := context.Background()
	created, err := c.Create(ctx, domain.Task{Title: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tp.ForceFlush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "taskboard.sync.create" || spans[1].Name != "taskboard.sync.delete" {
		t.Fatalf("unexpected span names: %s, %s", spans[0].Name, spans[1].Name)
	}
	attrs := telemetrytest.AttributesToMap(spans[1].Attributes)
	if attrs["entity.id"] != created.ID || attrs["entity.kind"] != "Task" {
		t.Fatalf("unexpected span attributes: %#v", attrs)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Data["event.domain"] != "taskboard.sync" {
		t.Fatalf("expected observability log entry, got %#v", entry)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": LastSettled, "last-settled": LastSettled, "last-issued": LastIssued} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("newest"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
