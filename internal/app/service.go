package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"threadline/api/internal/auth"
	"threadline/api/internal/authpw"
	"threadline/api/internal/cache"
	"threadline/api/internal/config"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
	"threadline/api/internal/ws"
)

// Session is the authenticated caller context derived from a token pair.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshTokenHash(ctx context.Context, userID, tokenHash string) error
	ClearRefreshToken(ctx context.Context, userID string) error
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListRootComments(ctx context.Context, skip, take int) ([]store.Comment, error)
	ListReplies(ctx context.Context, parentID string, skip, take int) ([]store.Comment, int, error)
	CountReplies(ctx context.Context, parentID string) (int, error)
	UpdateCommentContent(ctx context.Context, id, content string, updatedAt time.Time) error
	SetCommentDeleted(ctx context.Context, id string, deletedAt *time.Time) error
	InsertNotification(context.Context, store.Notification) error
	GetNotification(context.Context, string) (store.Notification, error)
	ListNotifications(ctx context.Context, recipientID string, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, recipientID string) error
	Ping(ctx context.Context) error
}

type credentialService interface {
	Register(ctx context.Context, email, password string) (store.User, error)
	Authenticate(ctx context.Context, email, password string) (store.User, error)
}

type commentCache interface {
	Get(ctx context.Context, key string, target any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}

type broadcaster interface {
	BroadcastComment(payload any)
	NotifyUser(userID string, payload any)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexComment(rec search.CommentRecord)
	DeleteComment(id string)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	creds  credentialService
	cache  commentCache
	hub    broadcaster
	search searchService
	log    *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, creds *authpw.Service, commentCache *cache.Cache, hub *ws.Hub, searchSvc *search.Service, log *zap.Logger) *Service {
	s := &Service{
		cfg:   cfg,
		store: dataStore,
		creds: creds,
		cache: commentCache,
		log:   log.Named("app"),
	}
	if hub != nil {
		s.hub = hub
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

// SetHub attaches the broadcaster after construction. The hub needs the
// service's token verifier, so the two are wired in two steps.
func (s *Service) SetHub(hub *ws.Hub) {
	s.hub = hub
}

// Register creates an account and signs the new user in.
func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	user, err := s.creds.Register(ctx, email, password)
	if err != nil {
		var ve *authpw.ValidationError
		switch {
		case errors.Is(err, authpw.ErrMissingCredentials):
			return Session{}, badRequest("MISSING_CREDENTIALS", err.Error())
		case errors.As(err, &ve):
			return Session{}, badRequest("INVALID_INPUT", ve.Reason)
		case errors.Is(err, authpw.ErrEmailExists):
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "an account with this email already exists", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.creds.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrMissingCredentials) {
			return Session{}, badRequest("MISSING_CREDENTIALS", err.Error())
		}
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, unauthorized("INVALID_CREDENTIALS", "invalid email or password")
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh verifies the refresh token against the stored hash and rotates
// the token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), refreshToken)
	if err != nil || !claims.IsRefresh() {
		return Session{}, unauthorized("INVALID_REFRESH_TOKEN", "invalid refresh token")
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, unauthorized("INVALID_REFRESH_TOKEN", "invalid refresh token")
	}
	if user.RefreshTokenHash == nil {
		return Session{}, unauthorized("INVALID_REFRESH_TOKEN", "invalid refresh token")
	}
	presented := auth.HashToken(refreshToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(*user.RefreshTokenHash)) != 1 {
		return Session{}, unauthorized("INVALID_REFRESH_TOKEN", "invalid refresh token")
	}

	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueAccessToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	refresh, err := auth.IssueRefreshToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, s.cfg.RefreshTTL)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.SaveRefreshTokenHash(ctx, user.ID, auth.HashToken(refresh)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. Refresh tokens are rejected
// so they cannot be used to call the API directly.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if claims.IsRefresh() {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// VerifyToken resolves an access token to its user id, for the socket
// handshake.
func (s *Service) VerifyToken(token string) (string, error) {
	session, err := s.SessionFromToken(context.Background(), token)
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

func (s *Service) Logout(ctx context.Context, userID string) error {
	return s.store.ClearRefreshToken(ctx, userID)
}

// UserView is the public shape of an account.
type UserView struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	IsEmailVerified bool       `json:"isEmailVerified"`
	LastLogin       *time.Time `json:"lastLogin,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func (s *Service) Profile(ctx context.Context, userID string) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	return UserView{
		ID:              user.ID,
		Email:           user.Email,
		IsEmailVerified: user.IsEmailVerified,
		LastLogin:       user.LastLogin,
		CreatedAt:       user.CreatedAt,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}

// SearchComments runs the comment search, or returns an empty response when
// no search backend is configured.
func (s *Service) SearchComments(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}
