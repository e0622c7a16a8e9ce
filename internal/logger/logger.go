package logger

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process-wide logger. JSON output in production; a
// console writer with caller info when dev is true.
func Setup(dev bool) zerolog.Logger {
	var log zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return log
}

// RequestLogger wraps an http.Handler, attaching request-scoped fields to
// the logger carried on the request context and logging one line per
// request on completion.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			reqLog := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ctx := reqLog.WithContext(r.Context())

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			ev := reqLog.Info()
			if sw.status >= 500 {
				ev = reqLog.Error()
			}
			ev.Int("status", sw.status).
				Dur("duration", time.Since(started)).
				Msg("http request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
