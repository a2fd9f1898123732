// Package auth implements account registration, password login, opaque
// session tokens and the session lookup used to authenticate group
// connections.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/groupchat/internal/chat"
	"github.com/Tyrowin/groupchat/internal/logging"
	"github.com/Tyrowin/groupchat/internal/models"
	"github.com/Tyrowin/groupchat/internal/store"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown user or a
	// wrong password; callers cannot tell which.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUsernameTaken is returned by Register for a duplicate username.
	ErrUsernameTaken = errors.New("user exists")

	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// tokenBytes is the entropy of a session token before encoding.
const tokenBytes = 24

// Credentials is a register or login request.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,max=256"`
}

// Store is the persistence the service needs.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (models.User, error)
	GetUser(ctx context.Context, id models.UserID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	CreateSession(ctx context.Context, token string, user models.UserID) error
	SessionUser(ctx context.Context, token string) (models.UserID, error)
	DeleteSession(ctx context.Context, token string) error
}

// Service issues and resolves sessions. It implements chat.IdentityResolver.
type Service struct {
	store    Store
	cost     int
	validate *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithBcryptCost overrides bcrypt.DefaultCost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

// NewService creates an auth service on top of st.
func NewService(st Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		cost:     bcrypt.DefaultCost,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an account. The username is trimmed first.
func (s *Service) Register(ctx context.Context, creds Credentials) (models.User, error) {
	creds.Username = strings.TrimSpace(creds.Username)
	if err := s.validateCredentials(creds); err != nil {
		return models.User{}, err
	}

	hash, err := s.hashPassword(creds.Password)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.store.CreateUser(ctx, creds.Username, hash)
	if errors.Is(err, store.ErrConflict) {
		return models.User{}, ErrUsernameTaken
	}
	if err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}

	logging.Info().Int64("user_id", int64(user.ID)).Str("username", user.Username).Msg("user registered")
	return user, nil
}

// Login checks the password and opens a new session, returning its token.
func (s *Service) Login(ctx context.Context, creds Credentials) (string, models.User, error) {
	user, err := s.store.GetUserByUsername(ctx, creds.Username)
	if errors.Is(err, store.ErrNotFound) {
		return "", models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", models.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !checkPassword(user.PasswordHash, creds.Password) {
		return "", models.User{}, ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", models.User{}, err
	}
	if err := s.store.CreateSession(ctx, token, user.ID); err != nil {
		return "", models.User{}, fmt.Errorf("create session: %w", err)
	}

	logging.Debug().Int64("user_id", int64(user.ID)).Msg("session opened")
	return token, user, nil
}

// Logout revokes token. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.store.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ResolveSession maps a session token to its user. A missing token, an
// unknown or expired session, and a session whose user was deleted all
// yield an error wrapping chat.ErrUnauthenticated.
func (s *Service) ResolveSession(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: no session", chat.ErrUnauthenticated)
	}

	userID, err := s.store.SessionUser(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("%w: unknown session", chat.ErrUnauthenticated)
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("session lookup: %w", err)
	}

	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("%w: user %d no longer exists", chat.ErrUnauthenticated, userID)
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("user lookup: %w", err)
	}
	return models.Identity{ID: user.ID, Username: user.Username}, nil
}

func (s *Service) validateCredentials(creds Credentials) error {
	err := s.validate.Struct(creds)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch {
		case fe.Field() == "Username" && fe.Tag() == "min":
			return fmt.Errorf("%w: username too short", ErrInvalidInput)
		case fe.Field() == "Username" && fe.Tag() == "max":
			return fmt.Errorf("%w: username too long", ErrInvalidInput)
		case fe.Field() == "Password" && fe.Tag() == "max":
			return fmt.Errorf("%w: password too long", ErrInvalidInput)
		default:
			return fmt.Errorf("%w: %s is %s", ErrInvalidInput, strings.ToLower(fe.Field()), fe.Tag())
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}

// preHash folds a password of any length into bcrypt's 72-byte input window.
func preHash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(preHash(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// checkPassword accepts the pre-hashed form and, for short passwords, a
// plain bcrypt hash of the password itself.
func checkPassword(hash, password string) bool {
	if bcrypt.CompareHashAndPassword([]byte(hash), preHash(password)) == nil {
		return true
	}
	if len(password) > 72 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
