package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BuildInfo provides build identity for response headers
type BuildInfo interface {
	AppVersion() string
	AppCommit() string
}

// BuildHeaders middleware adds X-App-Version and X-App-Commit headers
// to all responses so a client can tell which build served it
func BuildHeaders(info BuildInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.AppVersion()
				c := info.AppCommit()
				if v != "" {
					w.Header().Set("X-App-Version", v)
				}
				if c != "" {
					// Use short commit for header (first 12 chars)
					headerCommit := c
					if len(headerCommit) > 12 {
						headerCommit = headerCommit[:12]
					}
					w.Header().Set("X-App-Commit", headerCommit)
				}
				// Enrich the current trace span with build identity
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("app.version", v))
					}
					if c != "" {
						span.SetAttributes(attribute.String("app.commit", c))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
