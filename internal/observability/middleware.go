package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunIDKey tags spans that belong to one run.
const RunIDKey = attribute.Key("kodo.run_id")

const runsPrefix = "/v1/runs/"

// Route maps a request path onto its route template so that run IDs do not
// become metric labels. The run ID is returned separately, empty when the
// path does not address a run.
func Route(path string) (route, runID string) {
	rest, ok := strings.CutPrefix(path, runsPrefix)
	if !ok || rest == "" {
		return path, ""
	}
	id, action, _ := strings.Cut(rest, "/")
	route = runsPrefix + "{id}"
	if action != "" {
		route += "/" + action
	}
	return route, id
}

// MetricsMiddleware records request count, latency and in-flight requests
// per route, and opens a span per request when tracer is non-nil. Requests
// addressing a run carry its ID on the span.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route, runID := Route(r.URL.Path)

			var span trace.Span
			if tracer != nil {
				attrs := []attribute.KeyValue{
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
				}
				if runID != "" {
					attrs = append(attrs, RunIDKey.String(runID))
				}
				_, span = tracer.Start(r.Context(), r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(attrs...))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				} else if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			}
			return err
		}
	}
}
