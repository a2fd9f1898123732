package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/metrics"
)

// Routes builds the router with every application route.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/health", HealthHandler)
	r.Get("/test", TestPageHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ws", s.handleNotificationSocket)
	r.Get("/ws/chat/{groupID}", s.handleGroupSocket)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit.APIRequestsPerMinute, time.Minute))
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.origins.corsOrigins(),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(httprate.LimitByIP(s.cfg.RateLimit.APIRequestsPerMinute, time.Minute))
		r.Use(s.auth.Authenticate)

		r.Get("/users/active", s.handleActiveUsers)
		r.Get("/messages", s.handleMessages)
		r.Get("/groups", s.handleListGroups)
		r.Get("/groups/{groupID}/active_users", s.handleGroupActiveUsers)

		r.With(auth.RequireUser).Post("/groups", s.handleCreateGroup)
		r.With(auth.RequireUser).Post("/groups/join", s.handleJoinGroup)
	})

	return r
}

// requestLogger logs each request and records its latency by route pattern.
// Websocket upgrades are logged when they arrive; their lifetime is the
// session's, not a request's.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			logging.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("websocket upgrade request")
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(elapsed.Seconds())

		logging.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Msg("http request")
	})
}
