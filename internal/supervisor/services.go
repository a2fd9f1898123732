package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/groupchat/internal/logging"
)

// HTTPServer is the subset of server.Server the HTTP service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService wraps an HTTPServer as a suture service.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService creates the service. A non-positive shutdownTimeout
// means 10s.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}

// Runner is a component that runs until its context is canceled, such as
// chat.Service.
type Runner interface {
	Run(ctx context.Context) error
}

// ChatService runs the chat core's lifecycle: on shutdown it closes every
// live connection so that sessions unwind.
type ChatService struct {
	runner Runner
}

// NewChatService wraps runner.
func NewChatService(runner Runner) *ChatService {
	return &ChatService{runner: runner}
}

// Serve implements suture.Service.
func (c *ChatService) Serve(ctx context.Context) error {
	return c.runner.Run(ctx)
}

func (c *ChatService) String() string {
	return "chat-service"
}

// GarbageCollector reclaims storage space. Returning nil means one pass ran.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// StoreGCService periodically runs value log garbage collection.
type StoreGCService struct {
	gc           GarbageCollector
	interval     time.Duration
	discardRatio float64
}

// NewStoreGCService creates the service. A non-positive interval means 10m.
func NewStoreGCService(gc GarbageCollector, interval time.Duration, discardRatio float64) *StoreGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StoreGCService{gc: gc, interval: interval, discardRatio: discardRatio}
}

// Serve implements suture.Service. GC errors are logged, not returned, so a
// failing pass does not count as a service failure.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := s.gc.RunGC(s.discardRatio); err != nil {
				logging.Warn().Err(err).Msg("store garbage collection failed")
				continue
			}
			logging.Debug().Dur("duration", time.Since(start)).Msg("store garbage collection finished")
		}
	}
}

func (s *StoreGCService) String() string {
	return "store-gc"
}
