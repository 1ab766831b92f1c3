// Package telemetry records one span and one structured log event per request.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventName is the log message and span event name of every observability record.
const EventName = "observability.event"

const tracerName = "taskboard"

// Request accumulates timings and attributes for a single request.
type Request struct {
	logger      *log.Logger
	span        trace.Span
	start       time.Time
	eventDomain string
	eventName   string
	prefix      string
	attrs       map[string]any
	errorStage  string
}

// Start opens a span named spanName. Attribute keys set later are prefixed
// with prefix; base attributes are recorded verbatim.
func Start(ctx context.Context, logger *log.Logger, spanName, eventDomain, eventName, prefix string, base map[string]any) (*Request, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	r := &Request{
		logger:      logger,
		span:        span,
		start:       time.Now(),
		eventDomain: eventDomain,
		eventName:   eventName,
		prefix:      prefix,
		attrs:       make(map[string]any, len(base)+4),
	}
	for k, v := range base {
		r.attrs[k] = v
	}
	return r, spanCtx
}

// Set records a prefixed attribute.
func (r *Request) Set(key string, value any) {
	if r == nil {
		return
	}
	r.attrs[r.prefix+"."+key] = value
}

// Observe records a stage duration in milliseconds. Non-positive durations are ignored.
func (r *Request) Observe(stage string, d time.Duration) {
	if r == nil || d <= 0 {
		return
	}
	r.Set(stage+"_ms", DurationToMillis(d))
}

// SetErrorStage names the stage that failed.
func (r *Request) SetErrorStage(stage string) {
	if r == nil || stage == "" {
		return
	}
	r.errorStage = stage
}

// End closes the span and emits the log event. status is an HTTP status or
// zero when the request has none.
func (r *Request) End(status int, err error) {
	if r == nil {
		return
	}
	r.Set("total_ms", DurationToMillis(time.Since(r.start)))
	if status != 0 {
		r.attrs["http.status_code"] = status
	}
	if r.errorStage != "" {
		r.Set("error_stage", r.errorStage)
	}
	if err != nil {
		r.attrs["error.message"] = err.Error()
	}

	sevText, sevNumber := SeverityForStatus(status, err)
	kvs := toAttributes(r.attrs)

	if r.span != nil {
		r.span.SetAttributes(kvs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", r.eventName),
			attribute.String("event.domain", r.eventDomain),
			attribute.String("severity_text", sevText),
			attribute.Int("severity_number", sevNumber),
		}, kvs...)
		r.span.AddEvent(EventName, trace.WithAttributes(eventAttrs...))
		if sevText == "ERROR" {
			desc := "request failed"
			if err != nil {
				desc = err.Error()
			} else if status != 0 {
				desc = http.StatusText(status)
			}
			r.span.SetStatus(codes.Error, desc)
		} else {
			r.span.SetStatus(codes.Ok, "")
		}
		r.span.End()
	}

	if r.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      r.eventName,
		"event.domain":    r.eventDomain,
		"severity_text":   sevText,
		"severity_number": sevNumber,
		"attributes":      r.attrs,
	}
	if r.span != nil {
		if sc := r.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	r.logger.WithFields(fields).Log(levelFor(sevText), EventName)
}

// SeverityForStatus maps an outcome to OpenTelemetry severity text and number.
func SeverityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

// DurationToMillis converts d to fractional milliseconds.
func DurationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func levelFor(sevText string) log.Level {
	switch sevText {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	}
	return log.InfoLevel
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case uint64:
			out = append(out, attribute.Int64(k, int64(v)))
		case float64:
			out = append(out, attribute.Float64(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return out
}
