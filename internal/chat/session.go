package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/metrics"
	"github.com/Tyrowin/groupchat/internal/models"
)

// session tracks one connection's position in the lifecycle.
type session struct {
	state State
	log   zerolog.Logger
}

func newSession(peer Peer, kind string) *session {
	return &session{
		state: StateConnecting,
		log: logging.With().
			Str("remote_addr", peer.RemoteAddr()).
			Str("session", kind).
			Logger(),
	}
}

func (s *session) advance(next State) {
	if !CanTransition(s.state, next) {
		s.log.Error().Stringer("from", s.state).Stringer("to", next).Msg("illegal session transition")
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", next).Msg("session transition")
	s.state = next
}

// ServeGroup runs the group session protocol for peer on group until the
// transport goes away. credential is the caller's session token.
//
// An unauthenticated caller is rejected with CloseUnauthorized before it is
// admitted and ServeGroup returns an error wrapping ErrUnauthenticated.
// Otherwise the connection is admitted, "joined" is announced, and each
// non-blank text frame is persisted and then broadcast. When the transport
// closes the connection is evicted and "left" is announced.
func (s *Service) ServeGroup(ctx context.Context, peer Peer, group models.GroupID, credential string) error {
	sess := newSession(peer, "group")
	sess.log = sess.log.With().Int64("group_id", int64(group)).Logger()
	sess.advance(StateAuthenticating)

	user, err := s.authenticate(ctx, credential)
	if err != nil {
		metrics.AuthRejections.Inc()
		sess.log.Info().Err(err).Msg("group connection rejected")
		if rerr := peer.Reject(CloseUnauthorized, "unauthorized"); rerr != nil {
			sess.log.Debug().Err(rerr).Msg("reject close failed")
		}
		sess.advance(StateClosed)
		return err
	}

	sess.log = sess.log.With().Int64("user_id", int64(user.ID)).Logger()
	conn := NewConn(s.cfg.SendBuffer, WithGroup(group), WithUser(user))
	peer.Attach(conn)
	s.registry.Admit(conn)
	sess.advance(StateJoined)
	sess.log.Info().Str("conn_id", conn.ID().String()).Msg("user joined group")

	defer s.leaveGroup(sess, conn, group, user)

	s.broadcaster.Broadcast(group, JoinedAnnouncement(user.Username))
	sess.advance(StateRelaying)
	s.relay(ctx, sess, peer, group, user)
	return nil
}

func (s *Service) authenticate(ctx context.Context, credential string) (models.Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return models.Identity{}, fmt.Errorf("%w: no session credential", ErrUnauthenticated)
	}
	user, err := s.identities.ResolveSession(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return models.Identity{}, err
		}
		return models.Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return user, nil
}

// relay processes inbound frames in arrival order until Receive fails.
func (s *Service) relay(ctx context.Context, sess *session, peer Peer, group models.GroupID, user models.Identity) {
	for {
		frame, err := peer.Receive()
		if err != nil {
			sess.log.Debug().Err(err).Msg("receive ended")
			return
		}
		if frame.Binary {
			metrics.InboundDropped.WithLabelValues("binary").Inc()
			continue
		}
		text := strings.TrimSpace(frame.Text)
		if text == "" {
			metrics.InboundDropped.WithLabelValues("empty").Inc()
			continue
		}
		s.publish(ctx, sess, group, user, text)
	}
}

// publish persists text and only then broadcasts it, using the stored record's
// timestamp. A failed append drops the message; the session carries on.
func (s *Service) publish(ctx context.Context, sess *session, group models.GroupID, user models.Identity, text string) {
	msg, err := s.messages.Append(ctx, group, user.ID, text)
	if err != nil {
		metrics.PersistFailures.Inc()
		sess.log.Error().Err(err).Msg("message append failed; not broadcast")
		return
	}
	metrics.MessagesPersisted.Inc()

	payload, err := EncodeChatEvent(user.Username, msg)
	if err != nil {
		sess.log.Error().Err(err).Int64("message_id", int64(msg.ID)).Msg("encode chat event")
		return
	}
	s.broadcaster.Broadcast(group, payload)
}

func (s *Service) leaveGroup(sess *session, conn *Conn, group models.GroupID, user models.Identity) {
	sess.advance(StateClosing)
	s.registry.Evict(conn)
	conn.Close()
	s.broadcaster.Broadcast(group, LeftAnnouncement(user.Username))
	sess.advance(StateClosed)
	sess.log.Info().Str("conn_id", conn.ID().String()).Msg("user left group")
}

// ServeNotifications runs the unscoped notification channel for peer. No
// authentication is required; inbound frames are read and discarded.
func (s *Service) ServeNotifications(_ context.Context, peer Peer) error {
	sess := newSession(peer, "notifications")

	conn := NewConn(s.cfg.SendBuffer)
	peer.Attach(conn)
	s.registry.Admit(conn)
	sess.advance(StateJoined)
	sess.advance(StateRelaying)

	defer func() {
		sess.advance(StateClosing)
		s.registry.Evict(conn)
		conn.Close()
		sess.advance(StateClosed)
	}()

	for {
		if _, err := peer.Receive(); err != nil {
			sess.log.Debug().Err(err).Msg("receive ended")
			return nil
		}
	}
}
