package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/models"
)

// ErrUnauthenticated is returned when a group connection presents no session,
// a session that does not resolve, or a session whose user no longer exists.
var ErrUnauthenticated = errors.New("chat: unauthenticated")

// CloseUnauthorized is the close code sent to rejected group connections.
const CloseUnauthorized = 4401

// History limits.
const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// IdentityResolver maps a session credential to the authenticated user.
type IdentityResolver interface {
	ResolveSession(ctx context.Context, credential string) (models.Identity, error)
}

// MessageStore is the append-only per-group message log.
type MessageStore interface {
	Append(ctx context.Context, group models.GroupID, author models.UserID, text string) (models.StoredMessage, error)
	RecentMessages(ctx context.Context, group models.GroupID, limit int) ([]models.StoredMessage, error)
}

// UserDirectory looks users up by id. Unknown ids are absent from the result.
type UserDirectory interface {
	UsersByID(ctx context.Context, ids []models.UserID) (map[models.UserID]models.User, error)
}

// Frame is one inbound event read from a peer.
type Frame struct {
	Text   string
	Binary bool
}

// Peer is the transport side of one live connection.
type Peer interface {
	// Attach starts delivering conn's outbound queue to the remote end. When
	// the queue is closed the transport closes itself.
	Attach(conn *Conn)

	// Receive blocks for the next inbound frame. An error means the
	// transport is gone.
	Receive() (Frame, error)

	// Reject closes the transport with code before any admission.
	Reject(code int, reason string) error

	// RemoteAddr is used for logging only.
	RemoteAddr() string
}

// ServiceConfig tunes a Service.
type ServiceConfig struct {
	// SendBuffer is each connection's outbound queue capacity.
	SendBuffer int

	// HistoryLimit is used when History is called with limit <= 0.
	HistoryLimit int
}

// Service runs the group session protocol and answers presence and history
// queries on top of one Registry.
type Service struct {
	registry    *Registry
	broadcaster *Broadcaster
	identities  IdentityResolver
	messages    MessageStore
	users       UserDirectory
	cfg         ServiceConfig
}

// NewService wires the core around registry.
func NewService(registry *Registry, identities IdentityResolver, messages MessageStore, users UserDirectory, cfg ServiceConfig) *Service {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > MaxHistoryLimit {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{
		registry:    registry,
		broadcaster: NewBroadcaster(registry),
		identities:  identities,
		messages:    messages,
		users:       users,
		cfg:         cfg,
	}
}

// Registry returns the registry the service runs on.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Broadcaster returns the service's broadcast engine.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// NotifyGroupCreated pushes a new-group notice to every unscoped connection.
func (s *Service) NotifyGroupCreated(group models.Group) int {
	return s.broadcaster.BroadcastGlobal(GroupCreatedNotice(group.Name))
}

// ActiveUsers lists users present anywhere, ascending by id.
func (s *Service) ActiveUsers(ctx context.Context) ([]models.UserView, error) {
	return s.resolveUsers(ctx, s.registry.UsersPresentGlobally())
}

// ActiveUsersInGroup lists users with a live connection to group, ascending by id.
func (s *Service) ActiveUsersInGroup(ctx context.Context, group models.GroupID) ([]models.UserView, error) {
	return s.resolveUsers(ctx, s.registry.UsersPresentIn(group))
}

func (s *Service) resolveUsers(ctx context.Context, ids []models.UserID) ([]models.UserView, error) {
	if len(ids) == 0 {
		return []models.UserView{}, nil
	}
	found, err := s.users.UsersByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	views := make([]models.UserView, 0, len(found))
	for _, id := range ids {
		if u, ok := found[id]; ok {
			views = append(views, models.UserView{ID: u.ID, Username: u.Username})
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

// History returns up to limit of group's most recent messages in ascending
// order, with authors resolved to display names.
func (s *Service) History(ctx context.Context, group models.GroupID, limit int) ([]models.MessageView, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	msgs, err := s.messages.RecentMessages(ctx, group, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	authorIDs := make([]models.UserID, 0, len(msgs))
	seen := make(map[models.UserID]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.AuthorID]; !ok {
			seen[m.AuthorID] = struct{}{}
			authorIDs = append(authorIDs, m.AuthorID)
		}
	}

	names := map[models.UserID]models.User{}
	if len(authorIDs) > 0 {
		if names, err = s.users.UsersByID(ctx, authorIDs); err != nil {
			return nil, fmt.Errorf("resolve authors: %w", err)
		}
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		author := models.PlaceholderName(m.AuthorID)
		if u, ok := names[m.AuthorID]; ok {
			author = u.Username
		}
		views = append(views, models.MessageView{
			ID:        m.ID,
			GroupID:   m.GroupID,
			Author:    author,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return views, nil
}

// Run blocks until ctx is done, then closes every live connection so that
// each session unwinds through its Closing state.
func (s *Service) Run(ctx context.Context) error {
	<-ctx.Done()
	n := s.registry.CloseAll()
	logging.Info().Int("connections", n).Msg("chat service stopped; closed live connections")
	return ctx.Err()
}
