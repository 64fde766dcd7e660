package observability

import (
	"encoding/binary"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/warrantyfunnel/api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/warrantyfunnel/api/internal/platform/observability")

// redactedQueryParams carry customer identifiers or session payloads and never reach span attributes.
var redactedQueryParams = []string{"email", "restore", "quote", "session_id", "ref", "reference"}

// cloudTrace is the X-Cloud-Trace-Context value: TRACE_ID/SPAN_ID;o=OPTIONS, with a 32 hex digit
// trace id and a decimal span id.
type cloudTrace struct {
	traceID trace.TraceID
	spanID  trace.SpanID
	sampled bool
}

func parseCloudTrace(header string) (cloudTrace, bool) {
	traceHex, rest, ok := strings.Cut(strings.TrimSpace(header), "/")
	if !ok || len(traceHex) != 32 {
		return cloudTrace{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return cloudTrace{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseCloudSpanID(spanPart)
	if !ok {
		return cloudTrace{}, false
	}
	return cloudTrace{traceID: traceID, spanID: spanID, sampled: strings.TrimSpace(options) == "o=1"}, true
}

// parseCloudSpanID reads the decimal form; some proxies forward 16 hex digits instead.
func parseCloudSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)
	var id trace.SpanID
	if num, err := strconv.ParseUint(value, 10, 64); err == nil {
		binary.BigEndian.PutUint64(id[:], num)
		return id, id.IsValid()
	}
	if len(value) == 16 {
		if parsed, err := trace.SpanIDFromHex(value); err == nil {
			return parsed, true
		}
	}
	return trace.SpanID{}, false
}

func (c cloudTrace) spanContext() trace.SpanContext {
	var flags trace.TraceFlags
	if c.sampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    c.traceID,
		SpanID:     c.spanID,
		TraceFlags: flags,
		Remote:     true,
	})
}

func (c cloudTrace) String() string {
	if !c.traceID.IsValid() || !c.spanID.IsValid() {
		return ""
	}
	option := "0"
	if c.sampled {
		option = "1"
	}
	return c.traceID.String() + "/" + strconv.FormatUint(binary.BigEndian.Uint64(c.spanID[:]), 10) + ";o=" + option
}

// TraceMiddleware continues an incoming Cloud Trace context, starts the server span, and records
// the trace on the request context. The span is renamed to the matched route once routing is done
// so quote and checkout spans group by endpoint rather than by raw path.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if incoming, ok := parseCloudTrace(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, incoming.spanContext())
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+requestPath(r),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(r)...),
			)
			defer span.End()

			sc := span.SpanContext()
			ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			})
			outgoing := cloudTrace{traceID: sc.TraceID(), spanID: sc.SpanID(), sampled: sc.IsSampled()}
			if header := outgoing.String(); header != "" {
				w.Header().Set(cloudTraceHeader, header)
			}

			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)

			if route := routePattern(r); route != "" {
				span.SetName(r.Method + " " + SanitizeRoute(route))
			}
		})
	}
}

func requestPath(r *http.Request) string {
	if r == nil || r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLScheme(scheme),
		semconv.URLPath(requestPath(r)),
	}
	if target := redactedRequestURI(r.URL); target != "" {
		attrs = append(attrs, semconv.URLFull(target))
	}
	if r.Host != "" {
		attrs = append(attrs, semconv.ServerAddress(r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, semconv.UserAgentOriginal(ua))
	}
	if op := operationFromPath(requestPath(r)); op != "" {
		attrs = append(attrs, attribute.String("funnel.operation", op))
	}
	return attrs
}

func redactedRequestURI(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.RequestURI()
	}
	query := u.Query()
	for _, key := range redactedQueryParams {
		if query.Has(key) {
			query.Set(key, "REDACTED")
		}
	}
	clone := *u
	clone.RawQuery = query.Encode()
	return clone.RequestURI()
}
