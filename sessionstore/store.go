// Package sessionstore persists the identity of a connector session: the
// remote session id, the client identity, the security token and the name of
// the logged in user.
package sessionstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	keySessionID     = "sessionId"
	keyClientID      = "clientId"
	keySecurityToken = "securityToken"
	keyCurrentUser   = "currentUser"
)

// Identity is a snapshot of the stored session. An empty string means the
// value is absent.
type Identity struct {
	SessionID     string
	ClientID      string
	SecurityToken string
	CurrentUser   string
}

// Store is the persistence contract used by the connector components.
// Implementations must be safe for concurrent use.
type Store interface {
	// SessionID returns the remote session id, or "" when not connected.
	SessionID(ctx context.Context) (string, error)

	// SetSessionID stores the remote session id. An empty id removes it.
	SetSessionID(ctx context.Context, sessionID string) error

	// SecurityToken returns the token of the logged in user, or "".
	SecurityToken(ctx context.Context) (string, error)

	// SetSecurityToken stores the security token. An empty token removes it.
	SetSecurityToken(ctx context.Context, token string) error

	// ClientID returns the client identity, generating and persisting a new
	// uuid on first use. Concurrent first calls agree on a single value.
	ClientID(ctx context.Context) (string, error)

	// SetClientID overrides the client identity.
	SetClientID(ctx context.Context, clientID string) error

	// CurrentUser returns the name of the logged in user, or "".
	CurrentUser(ctx context.Context) (string, error)

	// SetCurrentUser stores the name of the logged in user.
	SetCurrentUser(ctx context.Context, name string) error

	// ClearSecureSession removes the session id, the security token and the
	// current user. The client identity is kept.
	ClearSecureSession(ctx context.Context) error

	// Identity returns a snapshot of every stored value. The client identity
	// is generated when absent.
	Identity(ctx context.Context) (Identity, error)
}

// backend is the key/value storage behind a Store.
type backend interface {
	get(ctx context.Context, key string) (string, bool, error)
	set(ctx context.Context, key, value string) error
	// setIfAbsent stores value unless key exists and returns the value that
	// ends up stored.
	setIfAbsent(ctx context.Context, key, value string) (string, error)
	del(ctx context.Context, keys ...string) error
}

// store implements Store on top of a backend.
type store struct {
	backend backend
	group   singleflight.Group
	newID   func() string
}

func newStore(b backend) *store {
	return &store{
		backend: b,
		newID:   func() string { return uuid.NewString() },
	}
}

func (s *store) value(ctx context.Context, key string) (string, error) {
	v, _, err := s.backend.get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func (s *store) setValue(ctx context.Context, key, value string) error {
	var err error
	if value == "" {
		err = s.backend.del(ctx, key)
	} else {
		err = s.backend.set(ctx, key, value)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *store) SessionID(ctx context.Context) (string, error) {
	return s.value(ctx, keySessionID)
}

func (s *store) SetSessionID(ctx context.Context, sessionID string) error {
	return s.setValue(ctx, keySessionID, sessionID)
}

func (s *store) SecurityToken(ctx context.Context) (string, error) {
	return s.value(ctx, keySecurityToken)
}

func (s *store) SetSecurityToken(ctx context.Context, token string) error {
	return s.setValue(ctx, keySecurityToken, token)
}

func (s *store) CurrentUser(ctx context.Context) (string, error) {
	return s.value(ctx, keyCurrentUser)
}

func (s *store) SetCurrentUser(ctx context.Context, name string) error {
	return s.setValue(ctx, keyCurrentUser, name)
}

func (s *store) SetClientID(ctx context.Context, clientID string) error {
	return s.setValue(ctx, keyClientID, clientID)
}

// ClientID returns the stored client identity. The singleflight group makes
// concurrent first calls in this process share one generation, and
// setIfAbsent settles races with other processes sharing the backend.
func (s *store) ClientID(ctx context.Context) (string, error) {
	if id, ok, err := s.backend.get(ctx, keyClientID); err != nil {
		return "", fmt.Errorf("read %s: %w", keyClientID, err)
	} else if ok && id != "" {
		return id, nil
	}

	v, err, _ := s.group.Do(keyClientID, func() (interface{}, error) {
		return s.backend.setIfAbsent(ctx, keyClientID, s.newID())
	})
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", keyClientID, err)
	}
	return v.(string), nil
}

func (s *store) ClearSecureSession(ctx context.Context) error {
	if err := s.backend.del(ctx, keySessionID, keySecurityToken, keyCurrentUser); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *store) Identity(ctx context.Context) (Identity, error) {
	var (
		id  Identity
		err error
	)
	if id.ClientID, err = s.ClientID(ctx); err != nil {
		return Identity{}, err
	}
	if id.SessionID, err = s.SessionID(ctx); err != nil {
		return Identity{}, err
	}
	if id.SecurityToken, err = s.SecurityToken(ctx); err != nil {
		return Identity{}, err
	}
	if id.CurrentUser, err = s.CurrentUser(ctx); err != nil {
		return Identity{}, err
	}
	return id, nil
}
