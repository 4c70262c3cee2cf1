// metrics.go — Prometheus HTTP метрики captionhub.
// Регистрирует метрики: ch_http_requests_total, ch_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ch_http_requests_total",
			Help: "Общее количество HTTP-запросов к captionhub",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ch_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к captionhub в секундах",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Длительность загрузок включает весь конвейер Caption Service,
// поэтому верхние бакеты гистограммы расширены до минуты.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет идентификаторы в пути на {id}, чтобы
// количество лейблов метрик не росло с числом подписей.
// /api/v1/captions/a1b2c3d4-.../vote → /api/v1/captions/{id}/vote
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/me", "/api/v1/me/votes",
		"/api/v1/captions", "/api/v1/uploads",
		"/auth/login", "/auth/callback", "/auth/logout":
		return path
	}

	const captionsPrefix = "/api/v1/captions/"
	if rest, ok := strings.CutPrefix(path, captionsPrefix); ok && rest != "" {
		if _, suffix, found := strings.Cut(rest, "/"); found {
			return captionsPrefix + "{id}/" + suffix
		}
		return captionsPrefix + "{id}"
	}

	// Неизвестные пути сводятся к одному лейблу
	return "other"
}
