package telemetry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/codes"

	"taskboard/telemetry/telemetrytest"
)

func TestRequestEndProducesObservabilityEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	tp, exporter, restore := telemetrytest.SetupTestTracer(t)
	defer restore()

	req, ctx := Start(context.Background(), logger, "taskboard.test", "taskboard.sync", "sync.request", "taskboard.sync", map[string]any{"entity.kind": "Task"})
	if ctx == nil {
		t.Fatalf("expected span context")
	}
	req.start = req.start.Add(-20 * time.Millisecond)
	req.Observe("gateway", 5*time.Millisecond)
	req.Observe("ignored", 0)
	req.Set("items", 3)
	req.End(http.StatusOK, nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != EventName {
		t.Fatalf("unexpected log entry: %#v", entry)
	}
	if entry.Data["severity_text"] != "INFO" || entry.Data["severity_number"] != 9 {
		t.Fatalf("unexpected severity: %v/%v", entry.Data["severity_text"], entry.Data["severity_number"])
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id, got %#v", entry.Data["trace_id"])
	}
	attrs, ok := entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes not logged as map: %#v", entry.Data["attributes"])
	}
	if attrs["entity.kind"] != "Task" || attrs["taskboard.sync.items"] != 3 {
		t.Fatalf("unexpected attributes: %#v", attrs)
	}
	if _, ok := attrs["taskboard.sync.ignored_ms"]; ok {
		t.Fatalf("zero duration should not be recorded")
	}
	if total, _ := attrs["taskboard.sync.total_ms"].(float64); total < 20 {
		t.Fatalf("unexpected total_ms: %#v", attrs["taskboard.sync.total_ms"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "taskboard.test" || span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span: %s %v", span.Name, span.Status.Code)
	}
	spanAttrs := telemetrytest.AttributesToMap(span.Attributes)
	if code, ok := spanAttrs["http.status_code"].(int64); !ok || code != http.StatusOK {
		t.Fatalf("unexpected status attribute: %#v", spanAttrs["http.status_code"])
	}
	var found bool
	for _, ev := range span.Events {
		if ev.Name == EventName {
			found = true
			evAttrs := telemetrytest.AttributesToMap(ev.Attributes)
			if evAttrs["event.domain"] != "taskboard.sync" || evAttrs["event.name"] != "sync.request" {
				t.Fatalf("unexpected span event attributes: %#v", evAttrs)
			}
		}
	}
	if !found {
		t.Fatalf("expected %s span event, got %#v", EventName, span.Events)
	}
}

func TestRequestEndWithErrorSetsSpanStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp, exporter, restore := telemetrytest.SetupTestTracer(t)
	defer restore()

	req, _ := Start(context.Background(), logger, "taskboard.test", "d", "n", "p", nil)
	req.SetErrorStage("gateway")
	boom := errors.New("network down")
	req.End(0, boom)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	span := exporter.GetSpans()[0]
	if span.Status.Code != codes.Error || span.Status.Description != boom.Error() {
		t.Fatalf("unexpected span status: %#v", span.Status)
	}
	entry := hook.LastEntry()
	if entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level, got %v", entry.Level)
	}
	attrs := entry.Data["attributes"].(map[string]any)
	if attrs["p.error_stage"] != "gateway" || attrs["error.message"] != boom.Error() {
		t.Fatalf("unexpected attributes: %#v", attrs)
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "none", status: 0, wantText: "INFO", wantNumber: 9},
		{name: "warn", status: http.StatusBadRequest, wantText: "WARN", wantNumber: 13},
		{name: "error", status: http.StatusInternalServerError, wantText: "ERROR", wantNumber: 17},
		{name: "errorFromErr", status: 0, err: errors.New("x"), wantText: "ERROR", wantNumber: 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotText, gotNumber := SeverityForStatus(tt.status, tt.err)
			if gotText != tt.wantText || gotNumber != tt.wantNumber {
				t.Fatalf("SeverityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, gotText, gotNumber, tt.wantText, tt.wantNumber)
			}
		})
	}
}

func TestNilRequestIsSafe(t *testing.T) {
	var r *Request
	r.Set("a", 1)
	r.Observe("b", time.Second)
	r.SetErrorStage("c")
	r.End(200, nil)
}

