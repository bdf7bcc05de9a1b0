package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/model"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/pkg/notify"
	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/store"
)

// memStore 是内存版用户存储，ConsumeChallenge 在锁内完成比较与清除。
type memStore struct {
	mu     sync.Mutex
	nextID uint
	users  map[uint]*model.User
	err    error
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, users: map[uint]*model.User{}}
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *memStore) get(id uint) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *m.users[id]
	return &u
}

func (m *memStore) UserExists(_ context.Context, username, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, u := range m.users {
		if u.Username == username || u.Email == strings.ToLower(email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateUser(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, u := range m.users {
		if u.Username == user.Username || u.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	user.ID = m.nextID
	m.nextID++
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memStore) FindUserByID(_ context.Context, id uint) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) FindUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == strings.ToLower(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) FindUserByLogin(_ context.Context, identifier string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == identifier || u.Email == strings.ToLower(identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) SetChallenge(_ context.Context, userID uint, ch model.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Challenge = ch
	return nil
}

func (m *memStore) ConsumeChallenge(_ context.Context, userID uint, kind model.ChallengeKind, code string, now time.Time, extra map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	ch := u.Challenge
	if ch.Kind != kind || ch.Code != code || ch.ExpiresAt == nil || !ch.ExpiresAt.After(now) {
		return false, nil
	}
	u.Challenge = model.Challenge{}
	if v, ok := extra["email_verified"].(bool); ok {
		u.EmailVerified = v
	}
	if v, ok := extra["password"].(string); ok {
		u.Password = v
	}
	return true, nil
}

func (m *memStore) SetTwoFactor(_ context.Context, userID uint, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.TwoFactorEnabled = enabled
	return nil
}

func (m *memStore) DeleteUser(_ context.Context, userID uint) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, store.ErrNotFound
	}
	delete(m.users, userID)
	return []string{"1/a.jpg"}, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (c *captureNotifier) Notify(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *captureNotifier) last() notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return notify.Message{}
	}
	return c.msgs[len(c.msgs)-1]
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
