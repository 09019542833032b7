package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"threadline/api/internal/config"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

type fakeStore struct {
	createUserFn               func(context.Context, store.User) error
	getUserByEmailFn           func(context.Context, string) (store.User, error)
	getUserByIDFn              func(context.Context, string) (store.User, error)
	saveRefreshTokenHashFn     func(context.Context, string, string) error
	clearRefreshTokenFn        func(context.Context, string) error
	insertCommentFn            func(context.Context, store.Comment) error
	getCommentFn               func(context.Context, string) (store.Comment, error)
	listRootCommentsFn         func(context.Context, int, int) ([]store.Comment, error)
	listRepliesFn              func(context.Context, string, int, int) ([]store.Comment, int, error)
	countRepliesFn             func(context.Context, string) (int, error)
	updateCommentContentFn     func(context.Context, string, string, time.Time) error
	setCommentDeletedFn        func(context.Context, string, *time.Time) error
	insertNotificationFn       func(context.Context, store.Notification) error
	getNotificationFn          func(context.Context, string) (store.Notification, error)
	listNotificationsFn        func(context.Context, string, int) ([]store.Notification, error)
	markNotificationReadFn     func(context.Context, string) error
	markAllNotificationsReadFn func(context.Context, string) error
}

func (f *fakeStore) CreateUser(ctx context.Context, u store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, u)
	}
	return nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Email: id + "@example.com"}, nil
}

func (f *fakeStore) SaveRefreshTokenHash(ctx context.Context, userID, hash string) error {
	if f.saveRefreshTokenHashFn != nil {
		return f.saveRefreshTokenHashFn(ctx, userID, hash)
	}
	return nil
}

func (f *fakeStore) ClearRefreshToken(ctx context.Context, userID string) error {
	if f.clearRefreshTokenFn != nil {
		return f.clearRefreshTokenFn(ctx, userID)
	}
	return nil
}

func (f *fakeStore) InsertComment(ctx context.Context, c store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, c)
	}
	return nil
}

func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeStore) ListRootComments(ctx context.Context, skip, take int) ([]store.Comment, error) {
	if f.listRootCommentsFn != nil {
		return f.listRootCommentsFn(ctx, skip, take)
	}
	return nil, nil
}

func (f *fakeStore) ListReplies(ctx context.Context, parentID string, skip, take int) ([]store.Comment, int, error) {
	if f.listRepliesFn != nil {
		return f.listRepliesFn(ctx, parentID, skip, take)
	}
	return nil, 0, nil
}

func (f *fakeStore) CountReplies(ctx context.Context, parentID string) (int, error) {
	if f.countRepliesFn != nil {
		return f.countRepliesFn(ctx, parentID)
	}
	return 0, nil
}

func (f *fakeStore) UpdateCommentContent(ctx context.Context, id, content string, updatedAt time.Time) error {
	if f.updateCommentContentFn != nil {
		return f.updateCommentContentFn(ctx, id, content, updatedAt)
	}
	return nil
}

func (f *fakeStore) SetCommentDeleted(ctx context.Context, id string, deletedAt *time.Time) error {
	if f.setCommentDeletedFn != nil {
		return f.setCommentDeletedFn(ctx, id, deletedAt)
	}
	return nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, n store.Notification) error {
	if f.insertNotificationFn != nil {
		return f.insertNotificationFn(ctx, n)
	}
	return nil
}

func (f *fakeStore) GetNotification(ctx context.Context, id string) (store.Notification, error) {
	if f.getNotificationFn != nil {
		return f.getNotificationFn(ctx, id)
	}
	return store.Notification{}, sql.ErrNoRows
}

func (f *fakeStore) ListNotifications(ctx context.Context, recipientID string, limit int) ([]store.Notification, error) {
	if f.listNotificationsFn != nil {
		return f.listNotificationsFn(ctx, recipientID, limit)
	}
	return nil, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, id string) error {
	if f.markNotificationReadFn != nil {
		return f.markNotificationReadFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	if f.markAllNotificationsReadFn != nil {
		return f.markAllNotificationsReadFn(ctx, recipientID)
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// memCache is an in-memory stand-in for the Redis cache. TTLs are recorded
// but never expire within a test.
type memCache struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *memCache) Get(_ context.Context, key string, target any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, target)
}

func (c *memCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = data
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Invalidate(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.values, key)
		delete(c.ttls, key)
	}
	return nil
}

func (c *memCache) InvalidatePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.values {
		if strings.HasPrefix(key, prefix) {
			delete(c.values, key)
			delete(c.ttls, key)
		}
	}
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

type fakeHub struct {
	mu         sync.Mutex
	broadcasts []any
	notified   map[string][]any
}

func newFakeHub() *fakeHub {
	return &fakeHub{notified: make(map[string][]any)}
}

func (h *fakeHub) BroadcastComment(payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, payload)
}

func (h *fakeHub) NotifyUser(userID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified[userID] = append(h.notified[userID], payload)
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexComment(rec search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec.ID)
}

func (f *fakeSearch) DeleteComment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeCreds struct {
	registerFn     func(context.Context, string, string) (store.User, error)
	authenticateFn func(context.Context, string, string) (store.User, error)
}

func (f *fakeCreds) Register(ctx context.Context, email, password string) (store.User, error) {
	if f.registerFn != nil {
		return f.registerFn(ctx, email, password)
	}
	return store.User{ID: "u1", Email: email}, nil
}

func (f *fakeCreds) Authenticate(ctx context.Context, email, password string) (store.User, error) {
	if f.authenticateFn != nil {
		return f.authenticateFn(ctx, email, password)
	}
	return store.User{ID: "u1", Email: email}, nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		CORSOrigin: "*",
	}
}

type serviceDeps struct {
	store  *fakeStore
	cache  *memCache
	hub    *fakeHub
	search *fakeSearch
	creds  *fakeCreds
}

func newTestService(deps serviceDeps) *Service {
	if deps.store == nil {
		deps.store = &fakeStore{}
	}
	if deps.cache == nil {
		deps.cache = newMemCache()
	}
	if deps.hub == nil {
		deps.hub = newFakeHub()
	}
	if deps.search == nil {
		deps.search = &fakeSearch{}
	}
	if deps.creds == nil {
		deps.creds = &fakeCreds{}
	}
	return &Service{
		cfg:    testConfig(),
		store:  deps.store,
		creds:  deps.creds,
		cache:  deps.cache,
		hub:    deps.hub,
		search: deps.search,
		log:    zap.NewNop(),
	}
}
