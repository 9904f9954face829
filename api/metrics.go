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
	boardEventName   = "board.request"
	boardEventDomain = "kanban"
	boardSpanName    = "api.board_request"
	boardAttrPrefix  = "kanban.board."
	tracerName       = "kanban-sync/api"
)

type boardRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	route          string
	start          time.Time
	authDuration   time.Duration
	viewDuration   time.Duration
	encodeDuration time.Duration
	tasksReturned  int
	pendingWrites  int
	errorStage     string
}

// newBoardRequestMetrics starts the request span. The returned context carries
// it and should replace the request context.
func newBoardRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*boardRequestMetrics, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, boardSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &boardRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, spanCtx
}

func (m *boardRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *boardRequestMetrics) ObserveView(d time.Duration) {
	if d > 0 {
		m.viewDuration = d
	}
}

func (m *boardRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *boardRequestMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

func (m *boardRequestMetrics) SetPendingWrites(n int) {
	if n < 0 {
		n = 0
	}
	m.pendingWrites = n
}

func (m *boardRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log ends the span and emits one observability.event record.
func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Float64(boardAttrPrefix+"total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int(boardAttrPrefix+"tasks_returned", m.tasksReturned),
		attribute.Int(boardAttrPrefix+"pending_writes", m.pendingWrites),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64(boardAttrPrefix+"auth_ms", durationToMillis(m.authDuration)))
	}
	if m.viewDuration > 0 {
		attrs = append(attrs, attribute.Float64(boardAttrPrefix+"view_ms", durationToMillis(m.viewDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64(boardAttrPrefix+"encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(boardAttrPrefix+"error_stage", m.errorStage))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", boardEventName),
			attribute.String("event.domain", boardEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case severityText == "ERROR":
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	values := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		values[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      boardEventName,
		"event.domain":    boardEventDomain,
		"attributes":      values,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"http.status":     status,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityText), "observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	}
	return log.InfoLevel
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
