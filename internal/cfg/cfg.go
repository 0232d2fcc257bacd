package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/miniblog-server/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// Store. Empty DSN selects the in-memory store.
	DatabaseDSN string

	// Identity. Exactly one of ClerkSecretKey or JWTSecret must be set.
	ClerkSecretKey string
	JWTSecret      string

	// Regeneration cache windows.
	CacheSWR      time.Duration
	CacheHardTTL  time.Duration
	CacheIdleTTL  time.Duration
	RenderTimeout time.Duration

	// Write endpoint rate limiting.
	WriteRPS   float64
	WriteBurst int

	// Optional artifact export to S3.
	EnableArtifactExport bool
	ArtifactS3Bucket     string
	ArtifactS3Prefix     string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.DatabaseDSN, "database-dsn", "", "postgres DSN (empty selects the in-memory store)")
	fs.StringVar(&c.ClerkSecretKey, "clerk-secret-key", "", "Clerk secret key for credential verification")
	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HMAC secret for self-issued JWT verification")
	fs.DurationVar(&c.CacheSWR, "cache-swr", 30*time.Second, "window where cached artifacts are served as-is")
	fs.DurationVar(&c.CacheHardTTL, "cache-hard-ttl", 10*time.Minute, "age past which reads block on a fresh render")
	fs.DurationVar(&c.CacheIdleTTL, "cache-idle-ttl", 15*time.Minute, "idle time before cache entries are evicted")
	fs.DurationVar(&c.RenderTimeout, "render-timeout", 10*time.Second, "bound on a single render attempt")
	fs.Float64Var(&c.WriteRPS, "write-rps", 5, "sustained writes per second allowed per client")
	fs.IntVar(&c.WriteBurst, "write-burst", 10, "write burst size allowed per client")
	fs.BoolVar(&c.EnableArtifactExport, "enable-artifact-export", false, "Export committed artifacts to S3")
	fs.StringVar(&c.ArtifactS3Bucket, "artifact-s3-bucket", "", "s3 bucket name to export artifacts to")
	fs.StringVar(&c.ArtifactS3Prefix, "artifact-s3-prefix", "artifacts", "s3 prefix (key) to export artifacts under")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// Pyroscope tenant
	if c.EnablePyroscope {
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Identity: exactly one verifier backend.
	switch {
	case c.ClerkSecretKey == "" && c.JWTSecret == "":
		errs = append(errs, fmt.Errorf("one of CLERK_SECRET_KEY or JWT_SECRET is required"))
	case c.ClerkSecretKey != "" && c.JWTSecret != "":
		errs = append(errs, fmt.Errorf("CLERK_SECRET_KEY and JWT_SECRET are mutually exclusive"))
	}

	// Cache windows
	if c.CacheSWR <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_SWR must be positive (got %s)", c.CacheSWR))
	}
	if c.CacheHardTTL <= c.CacheSWR {
		errs = append(errs, fmt.Errorf("CACHE_HARD_TTL %s must exceed CACHE_SWR %s", c.CacheHardTTL, c.CacheSWR))
	}
	if c.CacheIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_IDLE_TTL must be positive (got %s)", c.CacheIdleTTL))
	}
	if c.RenderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RENDER_TIMEOUT must be positive (got %s)", c.RenderTimeout))
	}

	// Rate limits
	if c.WriteRPS <= 0 {
		errs = append(errs, fmt.Errorf("WRITE_RPS must be positive (got %.2f)", c.WriteRPS))
	}
	if c.WriteBurst < 1 {
		errs = append(errs, fmt.Errorf("WRITE_BURST must be at least 1 (got %d)", c.WriteBurst))
	}

	// Artifact export
	if c.EnableArtifactExport {
		if c.ArtifactS3Bucket == "" {
			errs = append(errs, fmt.Errorf("ARTIFACT_S3_BUCKET is required when ENABLE_ARTIFACT_EXPORT=true"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
