// logging.go — access-лог Folio через slog.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// accessWriter перехватывает статус и объём ответа для access-лога.
// Статус по умолчанию 200: handler может ответить телом без WriteHeader.
type accessWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (aw *accessWriter) WriteHeader(code int) {
	aw.status = code
	aw.ResponseWriter.WriteHeader(code)
}

func (aw *accessWriter) Write(b []byte) (int, error) {
	n, err := aw.ResponseWriter.Write(b)
	aw.bytes += int64(n)
	return n, err
}

// Unwrap отдаёт исходный ResponseWriter для http.ResponseController.
func (aw *accessWriter) Unwrap() http.ResponseWriter {
	return aw.ResponseWriter
}

// RequestLogger возвращает access-лог middleware. Каждый завершённый
// запрос пишется одной записью; клиентские ошибки идут уровнем WARN,
// серверные — ERROR.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	accessLog := logger.With(slog.String("component", "access"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aw := &accessWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(aw, r)

			var level slog.Level
			switch {
			case aw.status >= 500:
				level = slog.LevelError
			case aw.status >= 400:
				level = slog.LevelWarn
			default:
				level = slog.LevelInfo
			}

			accessLog.LogAttrs(r.Context(), level, "Запрос обработан",
				slog.String("method", r.Method),
				slog.String("uri", r.URL.RequestURI()),
				slog.Int("status", aw.status),
				slog.Int64("bytes", aw.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
