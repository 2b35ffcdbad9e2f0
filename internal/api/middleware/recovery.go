package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Recoverer returns middleware that recovers from panics, logs the stack trace
// using slog, and returns a 500 Internal Server Error JSON response.
// It should be mounted after StructuredLogger so the request ID is available.
func Recoverer(next http.Handler) http.Handler {
	return recoverWith(next, func(w http.ResponseWriter) {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	})
}

// TwiMLRecoverer is Recoverer for provider webhooks: the caller hears doc
// (a hang-up document) instead of the provider's generic application error.
func TwiMLRecoverer(doc []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return recoverWith(next, func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusOK)
			w.Write(doc) //nolint:errcheck
		})
	}
}

func recoverWith(next http.Handler, respond func(http.ResponseWriter)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			slog.Error("panic recovered",
				"request_id", chimw.GetReqID(r.Context()),
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			respond(w)
		}()

		next.ServeHTTP(w, r)
	})
}
