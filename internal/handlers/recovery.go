package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// trackingWriter records whether the response has been committed.
type trackingWriter struct {
	http.ResponseWriter
	committed bool
}

// recoverer turns a panic in next into a 500 JSON error while nothing has been written yet. Once
// the response is committed the connection is aborted instead.
func (m Main) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}

			m.logger.Error("Panic recovered",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String(errLoggerKey, fmt.Sprint(v)),
				slog.String("stack", string(debug.Stack())))

			if tw.committed {
				panic(http.ErrAbortHandler)
			}
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
		}()

		next.ServeHTTP(tw, r)
	})
}

func (w *trackingWriter) WriteHeader(status int) {
	w.committed = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.committed = true
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Flush() {
	w.committed = true
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
