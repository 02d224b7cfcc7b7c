package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/target/mmk-ledger/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Ledger *service.LedgerService
	// Optional: result streaming. Stream routes are omitted when nil.
	Notifier *service.ResultNotifier
	// Optional: Prometheus registry backing /metrics and request metrics.
	Registry *prometheus.Registry
	Logger   *slog.Logger

	// Write endpoints share one token bucket. Zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	// MaxBodyBytes caps request bodies on write endpoints. Zero disables the cap.
	MaxBodyBytes int64
	// StreamsDone ends open result streams when closed. Optional.
	StreamsDone <-chan struct{}
	// CheckOrigin overrides the websocket same-origin check when set.
	CheckOrigin func(r *http.Request) bool
}

// NewRouter creates the API handler with logging, panic recovery and
// request metrics applied.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	msgs := &MessageHandlers{Svc: services.Ledger, Logger: logger}
	writes := []func(http.Handler) http.Handler{
		RateLimit(services.RateLimitRPS, services.RateLimitBurst),
		MaxBody(services.MaxBodyBytes),
	}
	registerMessageRoutes(mux, msgs, writes)

	if services.Notifier != nil {
		streams := &StreamHandlers{Notifier: services.Notifier, Logger: logger, Done: services.StreamsDone}
		streams.Upgrader.CheckOrigin = services.CheckOrigin
		route(mux, "GET /api/stream", http.HandlerFunc(streams.SSE))
		route(mux, "GET /api/stream/ws", http.HandlerFunc(streams.Websocket))
	}

	health := healthHandler(services.Ledger)
	route(mux, "GET /healthz", health)
	route(mux, "HEAD /healthz", health)

	var handler http.Handler = mux
	if services.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(services.Registry, promhttp.HandlerOpts{}))
		handler = NewMetrics(services.Registry).Middleware(handler)
	}

	return Chain(handler, Recover(logger), Logging(logger))
}

func registerMessageRoutes(mux *http.ServeMux, h *MessageHandlers, writes []func(http.Handler) http.Handler) {
	route(mux, "POST /api/messages", Chain(http.HandlerFunc(h.Submit), writes...))
	route(mux, "POST /api/messages/bulk", Chain(http.HandlerFunc(h.Bulk), writes...))
	route(mux, "POST /api/messages/import", Chain(http.HandlerFunc(h.Import), writes...))
	route(mux, "POST /api/messages/{id}/{action}", Chain(http.HandlerFunc(h.Transition), writes...))
	route(mux, "DELETE /api/messages/{id}", Chain(http.HandlerFunc(h.Delete), writes...))

	route(mux, "GET /api/messages", http.HandlerFunc(h.List))
	route(mux, "GET /api/messages/recent", http.HandlerFunc(h.Recent))
	route(mux, "GET /api/messages/{id}", http.HandlerFunc(h.Get))
	route(mux, "GET /api/stats", http.HandlerFunc(h.Stats))
}

// route registers h under pattern and labels its metrics with the pattern.
func route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, WithRoute(pattern, h))
}
