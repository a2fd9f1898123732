// Package testhelpers provides common utilities for testing the group chat
// server end to end.
//
// StartStack wires the real store, auth, chat core and HTTP surface on top
// of an in-memory database and serves them from an httptest.Server. Client
// wraps an http.Client with a cookie jar so a test can act as one browser.
package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/models"
	"github.com/Tyrowin/groupchat/internal/server"
	"github.com/Tyrowin/groupchat/internal/store"
)

// TestOrigin is allowed by the default configuration.
const TestOrigin = "http://localhost:8080"

// Stack is a fully wired server backed by an in-memory store.
type Stack struct {
	Config *server.Config
	Server *server.Server
	HTTP   *httptest.Server
	Store  *store.Store
	Chat   *chat.Service
	Auth   *auth.Service
}

// StartStack builds and starts a Stack. mutate may adjust the configuration
// before anything is constructed. Everything is torn down with the test.
func StartStack(t *testing.T, mutate ...func(*server.Config)) *Stack {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Store.InMemory = true
	for _, m := range mutate {
		m(cfg)
	}

	st, err := store.Open(store.Options{InMemory: true, SessionTTL: cfg.Store.SessionTTL})
	require.NoError(t, err)

	policy, err := chat.ParsePresencePolicy(cfg.Chat.PresencePolicy)
	require.NoError(t, err)

	authSvc := auth.NewService(st, auth.WithBcryptCost(bcrypt.MinCost))
	chatSvc := chat.NewService(chat.NewRegistry(policy), authSvc, st, st, chat.ServiceConfig{
		SendBuffer:   cfg.Chat.SendBuffer,
		HistoryLimit: cfg.Chat.HistoryLimit,
	})
	srv := server.New(*cfg, chatSvc, authSvc, st)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		chatSvc.Registry().CloseAll()
		_ = srv.WaitSessions(2 * time.Second)
		ts.Close()
		_ = st.Close()
	})

	return &Stack{
		Config: cfg,
		Server: srv,
		HTTP:   ts,
		Store:  st,
		Chat:   chatSvc,
		Auth:   authSvc,
	}
}

// WebSocketURL converts the stack's base URL to a ws:// URL for path.
func (s *Stack) WebSocketURL(path string) string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + path
}

// DialGroup opens the group socket for group. An empty token sends no
// session cookie.
func (s *Stack) DialGroup(group models.GroupID, token string) (*websocket.Conn, *http.Response, error) {
	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if token != "" {
		headers.Set("Cookie", (&http.Cookie{Name: auth.SessionCookie, Value: token}).String())
	}
	return dial(s.WebSocketURL(fmt.Sprintf("/ws/chat/%d", group)), headers)
}

// DialNotifications opens the unscoped notification socket.
func (s *Stack) DialNotifications() (*websocket.Conn, *http.Response, error) {
	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	return dial(s.WebSocketURL("/ws"), headers)
}

// Dial opens a websocket to path with the given Origin header. An empty
// origin sends none.
func (s *Stack) Dial(path, origin string) (*websocket.Conn, *http.Response, error) {
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	return dial(s.WebSocketURL(path), headers)
}

func dial(rawURL string, headers http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial(rawURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Client acts as one browser: it keeps the session cookie between calls.
type Client struct {
	t    *testing.T
	base *url.URL
	http *http.Client
}

// NewClient returns a Client for the stack with an empty cookie jar.
func (s *Stack) NewClient(t *testing.T) *Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	base, err := url.Parse(s.HTTP.URL)
	require.NoError(t, err)
	return &Client{
		t:    t,
		base: base,
		http: &http.Client{Jar: jar, Timeout: 5 * time.Second},
	}
}

// PostForm sends a form-encoded POST and returns the status and body.
func (c *Client) PostForm(path string, values url.Values) (int, []byte) {
	c.t.Helper()
	resp, err := c.http.PostForm(c.base.String()+path, values)
	require.NoError(c.t, err)
	return readResponse(c.t, resp)
}

// PostJSON sends v as a JSON body and returns the status and body.
func (c *Client) PostJSON(path string, v any) (int, []byte) {
	c.t.Helper()
	body, err := json.Marshal(v)
	require.NoError(c.t, err)
	resp, err := c.http.Post(c.base.String()+path, "application/json", strings.NewReader(string(body)))
	require.NoError(c.t, err)
	return readResponse(c.t, resp)
}

// Get performs a GET and returns the status and body.
func (c *Client) Get(path string) (int, []byte) {
	c.t.Helper()
	resp, err := c.http.Get(c.base.String() + path)
	require.NoError(c.t, err)
	return readResponse(c.t, resp)
}

// GetJSON performs a GET, requires 200, and decodes the body into v.
func (c *Client) GetJSON(path string, v any) {
	c.t.Helper()
	status, body := c.Get(path)
	require.Equal(c.t, http.StatusOK, status, "GET %s: %s", path, body)
	require.NoError(c.t, json.Unmarshal(body, v))
}

// Register creates an account and requires success.
func (c *Client) Register(username, password string) models.UserView {
	c.t.Helper()
	status, body := c.PostForm("/register", url.Values{"username": {username}, "password": {password}})
	require.Equal(c.t, http.StatusCreated, status, "register %s: %s", username, body)
	var user models.UserView
	require.NoError(c.t, json.Unmarshal(body, &user))
	return user
}

// Login logs in, requires success, and returns the session token.
func (c *Client) Login(username, password string) string {
	c.t.Helper()
	status, body := c.PostForm("/login", url.Values{"username": {username}, "password": {password}})
	require.Equal(c.t, http.StatusOK, status, "login %s: %s", username, body)
	token := c.SessionToken()
	require.NotEmpty(c.t, token, "login did not set a session cookie")
	return token
}

// SessionToken returns the session cookie currently held by the jar.
func (c *Client) SessionToken() string {
	for _, cookie := range c.http.Jar.Cookies(c.base) {
		if cookie.Name == auth.SessionCookie {
			return cookie.Value
		}
	}
	return ""
}

// CreateGroup creates a group and requires success.
func (c *Client) CreateGroup(name string) models.GroupView {
	c.t.Helper()
	status, body := c.PostForm("/api/groups", url.Values{"name": {name}})
	require.Equal(c.t, http.StatusOK, status, "create group %s: %s", name, body)
	var group models.GroupView
	require.NoError(c.t, json.Unmarshal(body, &group))
	return group
}

func readResponse(t *testing.T, resp *http.Response) (int, []byte) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "unexpected status code")
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	assert.Equal(t, expected, resp.Header.Get("Content-Type"), "unexpected content type")
}

// ReadText reads the next text frame within timeout.
func ReadText(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

// ReadChatEvent reads the next frame and decodes it as a chat event.
func ReadChatEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) chat.ChatEvent {
	t.Helper()
	var evt chat.ChatEvent
	raw := ReadText(t, conn, timeout)
	require.NoError(t, json.Unmarshal([]byte(raw), &evt), "not a chat event: %q", raw)
	return evt
}

// ExpectNoMessage requires that nothing arrives on conn for d.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %q", data)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected a read timeout, got %v", err)
}

// ExpectClose reads until the connection closes and returns the close code.
func ExpectClose(t *testing.T, conn *websocket.Conn, timeout time.Duration) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		t.Fatalf("connection ended without a close frame: %v", err)
		return 0
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Context returns a context bounded by the test's lifetime.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
