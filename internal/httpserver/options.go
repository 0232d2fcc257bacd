package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/miniblog-server/internal/health"
	"github.com/keithlinneman/miniblog-server/internal/httpmw"
	"github.com/keithlinneman/miniblog-server/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe
	BuildInfo    httpmw.BuildInfo // For X-App-Version and X-App-Commit headers

	// APIRoutes mounts the application routes on the router.
	APIRoutes func(chi.Router)

	// MaxBodyBytes caps request bodies on the public server. Zero uses
	// a default sized for post submissions.
	MaxBodyBytes int64
}
