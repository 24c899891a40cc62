// Package store resolves the conversational session a relay attaches to.
//
// A session is identified by (app, user, session). The relay never owns
// conversation state; the store only records that the session exists and the
// last resumption handle the live backend reported for it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrInvalidKey = errors.New("invalid session key")
)

type Key struct {
	AppName   string
	UserID    string
	SessionID string
}

func (k Key) Validate() error {
	switch {
	case strings.TrimSpace(k.AppName) == "":
		return fmt.Errorf("%w: app name is required", ErrInvalidKey)
	case strings.TrimSpace(k.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidKey)
	case strings.TrimSpace(k.SessionID) == "":
		return fmt.Errorf("%w: session id is required", ErrInvalidKey)
	}
	return nil
}

func (k Key) String() string {
	return k.AppName + "/" + k.UserID + "/" + k.SessionID
}

type Session struct {
	Key
	ResumptionHandle string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is the narrow session registry the relay depends on.
type Store interface {
	// Get returns ErrNotFound when the session does not exist.
	Get(ctx context.Context, key Key) (*Session, error)
	// Create inserts the session if absent and returns the stored record.
	// Creating an existing key returns the existing session.
	Create(ctx context.Context, key Key) (*Session, error)
	SetResumptionHandle(ctx context.Context, key Key, handle string) error
	Ping(ctx context.Context) error
	Close() error
}

// GetOrCreate attaches to an existing session or creates it. Calling it twice
// with the same key yields the same session.
func GetOrCreate(ctx context.Context, s Store, key Key) (sess *Session, created bool, err error) {
	if s == nil {
		return nil, false, errors.New("nil session store")
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	sess, err = s.Get(ctx, key)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("get session %s: %w", key, err)
	}
	sess, err = s.Create(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("create session %s: %w", key, err)
	}
	return sess, true, nil
}
