package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// probe captures what the downstream handler wrote so the response can be
// reported after the fact. Implicit 200s (handlers that never call
// WriteHeader) are reported as 200.
type probe struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (p *probe) WriteHeader(code int) {
	p.code = code
	p.ResponseWriter.WriteHeader(code)
}

func (p *probe) Write(b []byte) (int, error) {
	n, err := p.ResponseWriter.Write(b)
	p.bytes += n
	return n, err
}

// Instrument wraps the local metrics listener's mux with request telemetry:
// a server span per request, latency on [Metrics.HTTPRequestDuration] tagged
// with path and status code, and an X-Correlation-ID response header carrying
// the trace ID. Incoming W3C trace context is honored, so a scrape initiated
// by a traced collector joins the collector's trace.
//
// Completions are logged at debug level. The listener is scraped on an
// interval; anything louder would drown the session logs.
func Instrument(m *Metrics, next http.Handler) http.Handler {
	propagator := propagation.TraceContext{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)

		if cid := CorrelationID(ctx); cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}

		p := &probe{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()

		defer func() {
			elapsed := time.Since(start)
			if m.HTTPRequestDuration != nil {
				m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
					attribute.String("path", r.URL.Path),
					attribute.Int("code", p.code),
				))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(p.code))
			span.End()

			Logger(ctx).Debug("listener request",
				"method", r.Method,
				"path", r.URL.Path,
				"code", p.code,
				"bytes", p.bytes,
				"elapsed", elapsed,
			)
		}()

		next.ServeHTTP(p, r.WithContext(ctx))
	})
}
