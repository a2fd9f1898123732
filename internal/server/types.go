package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/groupchat/internal/models"
)

var errBadRequest = errors.New("bad request")

const maxBodyBytes = 64 << 10

// credentialsRequest is the body of POST /register and POST /login.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// createGroupRequest is the body of POST /api/groups.
type createGroupRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// joinGroupRequest is the body of POST /api/groups/join.
type joinGroupRequest struct {
	GroupID models.GroupID `json:"group_id" validate:"required,gt=0"`
}

// okResponse acknowledges an action with no other result.
type okResponse struct {
	OK bool `json:"ok"`
}

// errorResponse is the error body every REST endpoint returns.
type errorResponse struct {
	Detail string `json:"detail"`
}

// isJSON reports whether the request body is declared as JSON. Anything else
// is read as a form.
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func decodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return nil
}

func decodeCredentials(r *http.Request) (credentialsRequest, error) {
	var req credentialsRequest
	if isJSON(r) {
		err := decodeJSONBody(r, &req)
		return req, err
	}
	req.Username = r.FormValue("username")
	req.Password = r.FormValue("password")
	return req, nil
}

func decodeCreateGroup(r *http.Request) (createGroupRequest, error) {
	var req createGroupRequest
	if isJSON(r) {
		if err := decodeJSONBody(r, &req); err != nil {
			return req, err
		}
	} else {
		req.Name = r.FormValue("name")
	}
	req.Name = strings.TrimSpace(req.Name)
	return req, nil
}

func decodeJoinGroup(r *http.Request) (joinGroupRequest, error) {
	var req joinGroupRequest
	if isJSON(r) {
		err := decodeJSONBody(r, &req)
		return req, err
	}
	id, err := parseID(r.FormValue("group_id"))
	if err != nil {
		return req, err
	}
	req.GroupID = models.GroupID(id)
	return req, nil
}

// parseID parses a positive decimal id.
func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, raw)
	}
	return id, nil
}
