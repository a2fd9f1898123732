package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/models"
	"github.com/Tyrowin/groupchat/internal/store"
)

var _ chat.IdentityResolver = (*Service)(nil)

//nolint:gochecknoinits // keep test output quiet
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, WithBcryptCost(bcrypt.MinCost)), st
}

func TestRegister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, Credentials{Username: "  alice ", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, models.UserID(1), user.ID)
	assert.NotEqual(t, "pw", user.PasswordHash)

	_, err = svc.Register(ctx, Credentials{Username: "alice", Password: "other"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  string
	}{
		{"short username", Credentials{Username: "ab", Password: "pw"}, "username too short"},
		{"blank after trim", Credentials{Username: "    ", Password: "pw"}, "username"},
		{"long username", Credentials{Username: strings.Repeat("x", 51), Password: "pw"}, "username too long"},
		{"empty password", Credentials{Username: "carol", Password: ""}, "password"},
		{"long password", Credentials{Username: "carol", Password: strings.Repeat("p", 257)}, "password too long"},
	}

	svc, _ := newTestService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.creds)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	long := strings.Repeat("secret", 30)
	_, err := svc.Register(ctx, Credentials{Username: "alice", Password: long})
	require.NoError(t, err)

	token, user, err := svc.Login(ctx, Credentials{Username: "alice", Password: long})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "alice", user.Username)

	// bcrypt only sees 72 bytes; the pre-hash must still tell these apart
	_, _, err = svc.Login(ctx, Credentials{Username: "alice", Password: long[:len(long)-1] + "x"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, Credentials{Username: "nobody", Password: long})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	other, _, err := svc.Login(ctx, Credentials{Username: "alice", Password: long})
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "each login opens a fresh session")
}

func TestLogin_AcceptsPlainBcryptHash(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("legacy"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = st.CreateUser(ctx, "old-timer", string(hash))
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, Credentials{Username: "old-timer", Password: "legacy"})
	assert.NoError(t, err)
}

func TestResolveSession(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	token, _, err := svc.Login(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	id, err := svc.ResolveSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, models.Identity{ID: 1, Username: "alice"}, id)

	_, err = svc.ResolveSession(ctx, "")
	assert.ErrorIs(t, err, chat.ErrUnauthenticated)
	_, err = svc.ResolveSession(ctx, "forged")
	assert.ErrorIs(t, err, chat.ErrUnauthenticated)

	// a session pointing at a user that no longer exists
	require.NoError(t, st.CreateSession(ctx, "orphan", 999))
	_, err = svc.ResolveSession(ctx, "orphan")
	assert.ErrorIs(t, err, chat.ErrUnauthenticated)

	require.NoError(t, svc.Logout(ctx, token))
	_, err = svc.ResolveSession(ctx, token)
	assert.ErrorIs(t, err, chat.ErrUnauthenticated)
	assert.NoError(t, svc.Logout(ctx, token))
}

func TestMiddleware(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	token, _, err := svc.Login(ctx, Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	handler := svc.Authenticate(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		_, _ = io.WriteString(w, id.Username)
	})))

	tests := []struct {
		name       string
		cookie     string
		wantStatus int
		wantBody   string
	}{
		{"valid session", token, http.StatusOK, "alice"},
		{"no cookie", "", http.StatusUnauthorized, `"detail":"Unauthorized"`},
		{"forged cookie", "forged", http.StatusUnauthorized, `"detail":"Unauthorized"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestSessionCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSessionCookie(rec, "tok", false)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	assert.Equal(t, "tok", SessionToken(req))

	rec = httptest.NewRecorder()
	ClearSessionCookie(rec)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}
