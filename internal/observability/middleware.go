package observability

import (
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests outside the registered routes so scanners
// for random paths cannot grow the metric label set.
const unmatchedRoute = "other"

// MetricsMiddleware records a span and request metrics for every admin API
// call. routes lists the paths worth their own label. Either of metrics and
// tracer may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, routes ...string) okapi.Middleware {
	known := make(map[string]bool, len(routes))
	for _, r := range routes {
		known[r] = true
	}

	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := r.URL.Path
			if !known[route] {
				route = unmatchedRoute
			}

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.request.method", r.Method),
						attribute.String("http.route", route),
					))
				defer span.End()
			}

			start := time.Now()
			err := next(c)

			status := c.Response().StatusCode()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordHTTP(r.Method, route, status, time.Since(start))

			if span != nil {
				span.SetAttributes(attribute.Int("http.response.status_code", status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
			}
			return err
		}
	}
}
