package observability

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ActivationHeader carries the activation id assigned by a worker agent.
const ActivationHeader = "X-Meteor-Activation"

// HTTPMiddleware traces requests to an HTTP worker agent. Spans are named
// meteor.agent.<route>. Saturation replies (429, 503) are recorded as
// throttled, not failed. Other 4xx and 5xx replies mark the span as an error.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, agentSpanName(r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				AttrBackend.String("http"),
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(
			attribute.Int("http.response.status_code", rw.statusCode),
			attribute.Int64("http.response.body.size", rw.bytesWritten),
		)
		if id := rw.Header().Get(ActivationHeader); id != "" {
			span.SetAttributes(AttrActivationID.String(id))
		}

		switch {
		case rw.statusCode == http.StatusTooManyRequests || rw.statusCode == http.StatusServiceUnavailable:
			span.SetAttributes(AttrThrottled.Bool(true))
			span.AddEvent("throttled")
		case rw.statusCode >= 400:
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

func agentSpanName(path string) string {
	route := strings.Trim(path, "/")
	switch route {
	case "invoke", "runtime", "health":
		return "meteor.agent." + route
	default:
		return "meteor.agent.http"
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
