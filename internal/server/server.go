package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/models"
)

// GroupStore is the group catalogue behind the REST endpoints.
type GroupStore interface {
	CreateGroup(ctx context.Context, name string, creator models.UserID) (models.Group, error)
	ListGroups(ctx context.Context) ([]models.Group, error)
	JoinGroup(ctx context.Context, user models.UserID, group models.GroupID) (bool, error)
}

// Server owns the HTTP surface: websocket endpoints bridged into the chat
// core, and the REST API.
type Server struct {
	cfg      Config
	chat     *chat.Service
	auth     *auth.Service
	groups   GroupStore
	origins  *originPolicy
	upgrader websocket.Upgrader
	validate *validator.Validate
	sessions sessionTracker
	httpSrv  *http.Server
}

// New builds a Server. cfg is expected to have passed through LoadConfig or
// NewConfig.
func New(cfg Config, chatSvc *chat.Service, authSvc *auth.Service, groups GroupStore) *Server {
	s := &Server{
		cfg:      cfg,
		chat:     chatSvc,
		auth:     authSvc,
		groups:   groups,
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.httpSrv = CreateServer(cfg.Port, s.Routes())
	return s
}

// Config returns the configuration the server was built with.
func (s *Server) Config() Config {
	return s.cfg
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe serves HTTP, or HTTPS when TLS is configured, until
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	return StartServer(s.httpSrv, s.cfg.TLS)
}

// Shutdown stops accepting requests, waits for in-flight requests, then
// waits for websocket sessions to finish, all within ctx's deadline.
// Sessions end once the chat service closes their connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := ShutdownServer(ctx, s.httpSrv); err != nil {
		return err
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return s.sessions.Wait(timeout)
}

// WaitSessions blocks until every websocket session has finished or timeout
// elapses.
func (s *Server) WaitSessions(timeout time.Duration) error {
	return s.sessions.Wait(timeout)
}

// ActiveSessions returns the number of websocket sessions still running.
func (s *Server) ActiveSessions() int {
	return s.sessions.Active()
}
