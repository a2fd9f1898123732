package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/server"
	"github.com/Tyrowin/groupchat/internal/store"
	"github.com/Tyrowin/groupchat/internal/supervisor"
)

func main() {
	// A missing .env file is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn().Err(err).Msg("failed to read .env file")
	}

	cfg, err := server.LoadConfig("")
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("presence_policy", cfg.Chat.PresencePolicy).
		Bool("tls", cfg.TLS.Enabled()).
		Msg("starting group chat server")

	st, err := store.Open(store.Options{
		Dir:        cfg.Store.DataDir,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
		SessionTTL: cfg.Store.SessionTTL,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}

	if err := run(cfg, st); err != nil {
		logging.Error().Err(err).Msg("server stopped with error")
	}

	if err := st.Close(); err != nil {
		logging.Error().Err(err).Msg("failed to close store")
	}
	logging.Info().Msg("server stopped")
}

func run(cfg *server.Config, st *store.Store) error {
	policy, err := chat.ParsePresencePolicy(cfg.Chat.PresencePolicy)
	if err != nil {
		return err
	}

	authSvc := auth.NewService(st)
	chatSvc := chat.NewService(chat.NewRegistry(policy), authSvc, st, st, chat.ServiceConfig{
		SendBuffer:   cfg.Chat.SendBuffer,
		HistoryLimit: cfg.Chat.HistoryLimit,
	})
	srv := server.New(*cfg, chatSvc, authSvc, st)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if cfg.Store.GCInterval > 0 && !cfg.Store.InMemory {
		tree.AddDataService(supervisor.NewStoreGCService(st, cfg.Store.GCInterval, cfg.Store.GCDiscardRatio))
	}
	tree.AddCoreService(supervisor.NewChatService(chatSvc))
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(ctx)
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received; stopping services")
		err = <-errCh
	case err = <-errCh:
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}
	return err
}
