package audit

import (
	"net/http"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// DeniedMiddleware records every 401 or 403 response as an access denied
// event. actor extracts whatever identity the request carried; it may
// return an empty string.
func DeniedMiddleware(log *Log, actor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if wrapped.statusCode != http.StatusUnauthorized && wrapped.statusCode != http.StatusForbidden {
				return
			}
			who := ""
			if actor != nil {
				who = actor(r)
			}
			if who == "" {
				who = "anonymous"
			}
			log.LogEvent(Event{
				Actor:  who,
				Action: EventTypeAccessDenied,
				Target: r.Method + " " + r.URL.Path,
				Result: ResultDenied,
				Metadata: map[string]string{
					"remote_addr": r.RemoteAddr,
					"status":      http.StatusText(wrapped.statusCode),
				},
			})
		})
	}
}
