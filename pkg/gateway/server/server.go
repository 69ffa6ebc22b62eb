package server

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hwbuddy/hwbuddy-live/pkg/core/capture"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/docstore"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/session"
	"github.com/hwbuddy/hwbuddy-live/pkg/core/upload"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/config"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/handlers"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/lifecycle"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/live/sessions"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/metrics"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/mw"
	"github.com/hwbuddy/hwbuddy-live/pkg/gateway/ratelimit"
)

// Deps are the long-lived components the routes serve. Store, Metrics and
// ReadyChecks are optional.
type Deps struct {
	Registry    *session.Registry
	Store       docstore.Store
	Capture     *capture.Rendezvous
	Live        *sessions.Manager
	Ingress     *upload.Ingress
	Lifecycle   *lifecycle.Lifecycle
	Metrics     *metrics.Metrics
	ReadyChecks map[string]func(ctx context.Context) error
}

type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *slog.Logger
	mux     *http.ServeMux
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.UploadRPS,
			Burst: cfg.UploadBurst,
		}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	sh := handlers.SessionsHandler{Registry: s.deps.Registry, Store: s.deps.Store, Logger: s.logger}
	limited := func(h http.Handler) http.Handler {
		return mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, h)
	}

	s.mux.Handle("GET /{$}", handlers.BannerHandler{Lifecycle: s.deps.Lifecycle})
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /health", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.deps.Lifecycle, Checks: s.deps.ReadyChecks})

	s.mux.HandleFunc("POST /sessions", sh.Create)
	s.mux.HandleFunc("GET /sessions/{id}/status", sh.Status)
	s.mux.HandleFunc("DELETE /sessions/{id}", sh.Delete)
	s.mux.HandleFunc("GET /sessions/{id}/command", sh.Command)
	s.mux.HandleFunc("GET /sessions/{id}/image", sh.Image)

	s.mux.Handle("POST /sessions/{id}/upload_image", limited(handlers.UploadHandler{Ingress: s.deps.Ingress, Logger: s.logger}))
	s.mux.Handle("GET /sessions/{id}/image_status", handlers.ImageStatusHandler{Ingress: s.deps.Ingress})
	s.mux.Handle("POST /sessions/{id}/capture", limited(handlers.CaptureHandler{Capturer: s.deps.Capture, Logger: s.logger}))
	s.mux.Handle("POST /take_picture", limited(handlers.TakePictureHandler{
		Registry: s.deps.Registry,
		Capturer: s.deps.Capture,
		Timeout:  s.cfg.LegacyTakePictureTimeout,
		Logger:   s.logger,
	}))

	s.mux.Handle("GET /ws/audio/{id}", handlers.LiveHandler{
		Live:           s.deps.Live,
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		Lifecycle:      s.deps.Lifecycle,
		Logger:         s.logger,
	})

	s.mux.Handle("GET /debug/sessions", handlers.DebugSessionsHandler{
		Registry: s.deps.Registry,
		Live:     s.deps.Live,
		Captures: s.deps.Capture,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// SetDraining flips readiness to false and refuses new live connections.
func (s *Server) SetDraining() {
	s.deps.Lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells connected clients the server is going away
// and returns how many were told.
func (s *Server) WarnLiveSessionsDraining() int {
	if s.deps.Live == nil {
		return 0
	}
	return s.deps.Live.WarnAll("server_draining", "The tutor is restarting. Please reconnect in a moment.")
}

// WaitLiveSessions blocks until every live connection ended or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	if s.deps.Live == nil {
		return true
	}
	return s.deps.Live.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	if s.deps.Live == nil {
		return 0
	}
	return s.deps.Live.CancelAll()
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return otelhttp.NewHandler(h, "hwbuddy-live",
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/health", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
}
