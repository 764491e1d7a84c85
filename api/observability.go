package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "prism-calendar/api"
	requestSpanName    = "prism.calendar.request"
	requestEventName   = "prism.calendar.request"
	requestEventDomain = "app"
	observabilityEvent = "observability.event"
)

// requestMetrics follows one HTTP intent. Log ends the span and emits one
// observability event, both as a log entry and as a span event.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	method string
	start  time.Time

	authDuration    time.Duration
	sessionDuration time.Duration
	intentDuration  time.Duration
	ownerID         string
	intent          string
	writes          int
	duplicate       bool
	errorStage      string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.request.method", method),
		),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		method: method,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration)    { m.authDuration = positive(d) }
func (m *requestMetrics) ObserveSession(d time.Duration) { m.sessionDuration = positive(d) }
func (m *requestMetrics) ObserveIntent(d time.Duration)  { m.intentDuration = positive(d) }

func (m *requestMetrics) SetOwner(ownerID string) { m.ownerID = ownerID }
func (m *requestMetrics) SetIntent(intent string) { m.intent = intent }
func (m *requestMetrics) SetDuplicate(dup bool)   { m.duplicate = dup }

func (m *requestMetrics) SetWrites(n int) {
	if n < 0 {
		n = 0
	}
	m.writes = n
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" || m.errorStage != "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":              m.route,
		"http.request.method":     m.method,
		"http.status_code":        status,
		"prism.request.total_ms":  durationToMillis(time.Since(m.start)),
		"prism.request.writes":    m.writes,
		"prism.request.duplicate": m.duplicate,
	}
	if m.intent != "" {
		attrs["prism.request.intent"] = m.intent
	}
	if m.ownerID != "" {
		attrs["prism.owner_id"] = m.ownerID
	}
	if m.authDuration > 0 {
		attrs["prism.request.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.sessionDuration > 0 {
		attrs["prism.request.session_ms"] = durationToMillis(m.sessionDuration)
	}
	if m.intentDuration > 0 {
		attrs["prism.request.intent_ms"] = durationToMillis(m.intentDuration)
	}
	if m.errorStage != "" {
		attrs["prism.request.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	if m.logger != nil {
		entry := m.logger.WithFields(fields)
		switch severityText {
		case "ERROR":
			entry.Error(observabilityEvent)
		case "WARN":
			entry.Warn(observabilityEvent)
		default:
			entry.Info(observabilityEvent)
		}
	}

	kvs := toKeyValues(attrs)
	m.span.SetAttributes(kvs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(append(kvs,
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	)...))
	if severityText == "ERROR" {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()
}

// severityForStatus maps a response onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	default:
		return "INFO", 9
	}
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
