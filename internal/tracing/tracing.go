// Package tracing wires the gateway's OTel SDK: a process-wide
// TracerProvider whose spans are logged through slog rather than shipped to
// a collector — this build carries no OTLP exporter. Of
// config.TelemetryConfig only ServiceName is used, attached to every span
// log line; Endpoint and the other export settings are not read.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/goclaw"

// Init installs a process-wide TracerProvider and returns a shutdown func
// the caller must run before exiting. serviceName is attached to every
// logged span.
func Init(serviceName string) func(context.Context) error {
	if serviceName == "" {
		serviceName = "goclaw-gateway"
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&slogProcessor{service: serviceName}))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the gateway's shared tracer. Safe to call before Init;
// otel falls back to a no-op tracer until a provider is installed.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// SetErr records err on span and marks it failed, matching the teacher's
// loop_tracing.go "status=error + error string" span shape.
func SetErr(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// slogProcessor implements sdktrace.SpanProcessor by logging each completed
// span; there is no collector wired up in this build.
type slogProcessor struct {
	service string
}

func (p *slogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *slogProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		"service", p.service,
		"span", s.Name(),
		"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
		"trace_id", s.SpanContext().TraceID().String(),
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	if status := s.Status(); status.Code == codes.Error {
		attrs = append(attrs, "error", status.Description)
		slog.Error("span", attrs...)
		return
	}
	slog.Debug("span", attrs...)
}

func (p *slogProcessor) Shutdown(context.Context) error { return nil }

func (p *slogProcessor) ForceFlush(context.Context) error { return nil }
