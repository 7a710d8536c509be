package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat API.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_active_connections",
			Help: "Number of active presence websocket connections.",
		},
	)
	eventPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_event_publish_errors_total",
			Help: "Total number of chat event publish errors.",
		},
	)
	syncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sync_runs_total",
			Help: "Client sync runs by result.",
		},
		[]string{"result"},
	)
	syncPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sync_pushes_total",
			Help: "Chats pushed to the server during sync, by outcome.",
		},
		[]string{"outcome"},
	)
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_loads_total",
			Help: "Client chat list loads by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		eventPublishErrorsTotal,
		syncRunsTotal,
		syncPushesTotal,
		loadsTotal,
	)
}

// ResponseRecorder captures the status code written by a handler.
type ResponseRecorder struct {
	http.ResponseWriter
	Status int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	if rec, ok := w.(*ResponseRecorder); ok {
		return rec
	}
	return &ResponseRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.Status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *ResponseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.Status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncEventPublishError() {
	eventPublishErrorsTotal.Inc()
}

func IncSyncRun(result string) {
	syncRunsTotal.WithLabelValues(result).Inc()
}

func IncSyncPush(outcome string) {
	syncPushesTotal.WithLabelValues(outcome).Inc()
}

func IncLoad(status string) {
	loadsTotal.WithLabelValues(status).Inc()
}
