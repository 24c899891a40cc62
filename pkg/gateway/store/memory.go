package store

import (
	"context"
	"sync"
	"time"
)

type Memory struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[Key]*Session),
		now:      time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key Key) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	return &out, nil
}

func (m *Memory) Create(ctx context.Context, key Key) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[Key]*Session)
	}
	if sess, ok := m.sessions[key]; ok {
		out := *sess
		return &out, nil
	}
	now := m.now()
	sess := &Session{Key: key, CreatedAt: now, UpdatedAt: now}
	m.sessions[key] = sess
	out := *sess
	return &out, nil
}

func (m *Memory) SetResumptionHandle(ctx context.Context, key Key, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.ResumptionHandle = handle
	sess.UpdatedAt = m.now()
	return nil
}

func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
