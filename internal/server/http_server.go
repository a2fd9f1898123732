package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/groupchat/internal/logging"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it stops. It serves
// HTTPS when tls is enabled. http.ErrServerClosed is reported as nil.
func StartServer(server *http.Server, tls TLSConfig) error {
	var err error
	if tls.Enabled() {
		logging.Info().Str("addr", server.Addr).Msg("server listening (TLS)")
		err = server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		logging.Info().Str("addr", server.Addr).Msg("server listening")
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until ctx is done.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	logging.Info().Msg("shutting down HTTP server")

	if err := server.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	logging.Info().Msg("HTTP server shutdown completed")
	return nil
}
