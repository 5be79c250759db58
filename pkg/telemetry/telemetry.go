// Package telemetry provides OpenTelemetry tracing helpers for the SDK.
// Spans are created through the global tracer provider, so they are no-ops
// until the application installs one.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by the SDK.
const InstrumentationName = "github.com/eyepop-ai/eyepop-sdk-go"

// Common attribute keys.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	RequestIDKey      = "eyepop.request_id"

	SessionIDKey = "eyepop.session_id"
	PopIDKey     = "eyepop.pop_id"
	PushKindKey  = "eyepop.push"

	JobIDKey    = "eyepop.job_id"
	JobPhaseKey = "eyepop.job_phase"

	ScopeKindKey = "eyepop.scope_kind"
)

// Tracer returns a tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// HTTPAttributes creates request span attributes. The route is the path
// template, never the concrete path, to keep cardinality bounded.
func HTTPAttributes(method, route, requestID string, statusCode int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
	}
	if requestID != "" {
		attrs = append(attrs, attribute.String(RequestIDKey, requestID))
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int(HTTPStatusCodeKey, statusCode))
	}
	return attrs
}

// SessionAttributes describes a worker session.
func SessionAttributes(sessionID, popID, push string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if popID != "" {
		attrs = append(attrs, attribute.String(PopIDKey, popID))
	}
	if push != "" {
		attrs = append(attrs, attribute.String(PushKindKey, push))
	}
	return attrs
}

// JobAttributes describes a job.
func JobAttributes(jobID, phase string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(JobIDKey, jobID)}
	if phase != "" {
		attrs = append(attrs, attribute.String(JobPhaseKey, phase))
	}
	return attrs
}
