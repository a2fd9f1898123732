package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/models"
	"github.com/Tyrowin/groupchat/internal/store"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("error writing JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail})
}

// respondInternal logs err with the request id and answers 500.
func respondInternal(w http.ResponseWriter, r *http.Request, err error) {
	logging.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")
	respondError(w, http.StatusInternalServerError, "Internal server error")
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Group chat server is running!")
}

// groupIDParam reads the {groupID} route parameter.
func groupIDParam(r *http.Request) (models.GroupID, error) {
	id, err := parseID(chi.URLParam(r, "groupID"))
	return models.GroupID(id), err
}

// handleGroupSocket upgrades to a websocket and runs the group session
// protocol. Authentication happens after the upgrade so that a rejected
// caller sees close code 4401 rather than an HTTP error.
func (s *Server) handleGroupSocket(w http.ResponseWriter, r *http.Request) {
	group, err := groupIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid group id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	peer := newPeer(conn, r.RemoteAddr, s.cfg)
	s.sessions.add()
	defer s.sessions.done()
	defer peer.finish()

	if err := s.chat.ServeGroup(r.Context(), peer, group, auth.SessionToken(r)); err != nil &&
		!errors.Is(err, chat.ErrUnauthenticated) {
		logging.Warn().Err(err).Int64("group_id", int64(group)).Msg("group session ended with error")
	}
}

// handleNotificationSocket serves the unscoped channel. No credential is
// required.
func (s *Server) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	peer := newPeer(conn, r.RemoteAddr, s.cfg)
	s.sessions.add()
	defer s.sessions.done()
	defer peer.finish()

	if err := s.chat.ServeNotifications(r.Context(), peer); err != nil {
		logging.Warn().Err(err).Msg("notification session ended with error")
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.auth.Register(r.Context(), auth.Credentials{Username: req.Username, Password: req.Password})
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		respondError(w, http.StatusBadRequest, "User exists")
	case errors.Is(err, auth.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, inputDetail(err))
	case err != nil:
		respondInternal(w, r, err)
	default:
		respondJSON(w, http.StatusCreated, models.UserView{ID: user.ID, Username: user.Username})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, user, err := s.auth.Login(r.Context(), auth.Credentials{Username: req.Username, Password: req.Password})
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, http.StatusBadRequest, "Invalid credentials")
	case err != nil:
		respondInternal(w, r, err)
	default:
		auth.SetSessionCookie(w, token, s.cfg.TLS.Enabled())
		respondJSON(w, http.StatusOK, models.UserView{ID: user.ID, Username: user.Username})
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), auth.SessionToken(r)); err != nil {
		respondInternal(w, r, err)
		return
	}
	auth.ClearSessionCookie(w)
	respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.chat.ActiveUsers(r.Context())
	if err != nil {
		respondInternal(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

func (s *Server) handleGroupActiveUsers(w http.ResponseWriter, r *http.Request) {
	group, err := groupIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid group id")
		return
	}
	users, err := s.chat.ActiveUsersInGroup(r.Context(), group)
	if err != nil {
		respondInternal(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	group, err := parseID(query.Get("group_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "group_id is required")
		return
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	history, err := s.chat.History(r.Context(), models.GroupID(group), limit)
	if err != nil {
		respondInternal(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.groups.ListGroups(r.Context())
	if err != nil {
		respondInternal(w, r, err)
		return
	}
	views := make([]models.GroupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, models.GroupView{ID: g.ID, Name: g.Name})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFrom(r.Context())

	req, err := decodeCreateGroup(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		if req.Name == "" {
			respondError(w, http.StatusBadRequest, "Empty name")
		} else {
			respondError(w, http.StatusBadRequest, "Name too long")
		}
		return
	}

	group, err := s.groups.CreateGroup(r.Context(), req.Name, caller.ID)
	switch {
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusBadRequest, "Group exists")
		return
	case err != nil:
		respondInternal(w, r, err)
		return
	}

	delivered := s.chat.NotifyGroupCreated(group)
	logging.Info().
		Int64("group_id", int64(group.ID)).
		Str("name", group.Name).
		Int64("creator", int64(caller.ID)).
		Int("notified", delivered).
		Msg("group created")
	respondJSON(w, http.StatusOK, models.GroupView{ID: group.ID, Name: group.Name})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFrom(r.Context())

	req, err := decodeJoinGroup(r)
	if err == nil {
		err = s.validate.Struct(req)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid group id")
		return
	}

	joined, err := s.groups.JoinGroup(r.Context(), caller.ID, req.GroupID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Not found")
		return
	case err != nil:
		respondInternal(w, r, err)
		return
	}
	if joined {
		logging.Info().Int64("group_id", int64(req.GroupID)).Int64("user_id", int64(caller.ID)).Msg("user joined group membership")
	}
	respondJSON(w, http.StatusOK, okResponse{OK: true})
}

// inputDetail strips the sentinel prefix from a validation error.
func inputDetail(err error) string {
	return strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": ")
}
