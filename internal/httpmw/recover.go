package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/xerrors"
)

// Recover converts handler panics into 500 responses. The panic value and
// stack are logged; onPanic (if set) is invoked for metrics.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// http.ErrAbortHandler is the sanctioned way to abort a
				// response; let the server handle it.
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				logger.With(
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
