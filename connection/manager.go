// Package connection owns the remote session: it coalesces concurrent
// connects, resumes sessions from a persisted security token, enforces the
// license check and tears the session down.
package connection

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/scada-connector/gateway"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/sessionstore"
	"github.com/cyberinferno/scada-connector/status"
)

var (
	// ErrLicenseInvalid is returned when the server reports that the client
	// has no valid license. It is never retried.
	ErrLicenseInvalid = errors.New("connection: license is not valid")

	// ErrNotConnected is returned when the server handed out no session.
	ErrNotConnected = errors.New("connection: no session")
)

// IdentityValidator confirms that a resumed security token still belongs to
// a logged in user. It is called after every token based connect.
type IdentityValidator func(ctx context.Context) (bool, error)

// Session describes an established connection.
type Session struct {
	SessionID     string
	SecurityToken string
}

// Manager establishes and tears down the remote session.
type Manager struct {
	gw        gateway.Gateway
	store     sessionstore.Store
	log       logger.Logger
	group     singleflight.Group
	statuses  *status.Broadcaster[status.ConnectionStatus]
	validator IdentityValidator
}

// NewManager creates a Manager.
//
// Parameters:
//   - gw: Gateway to the remote service
//   - store: Session store shared with the other components
//   - log: Logger; a component field is added
//
// Returns:
//   - A new Manager in the disconnected state
func NewManager(gw gateway.Gateway, store sessionstore.Store, log logger.Logger) *Manager {
	return &Manager{
		gw:       gw,
		store:    store,
		log:      log.With(logger.Component("connection")),
		statuses: status.NewBroadcaster[status.ConnectionStatus](),
	}
}

// SetIdentityValidator installs the check run after a token based connect.
// Must be called before the first Connect.
func (m *Manager) SetIdentityValidator(v IdentityValidator) {
	m.validator = v
}

// Statuses returns the broadcaster of connection status events.
func (m *Manager) Statuses() *status.Broadcaster[status.ConnectionStatus] {
	return m.statuses
}

// SetURL points the gateway at a new base URL. An empty url keeps the
// current one.
func (m *Manager) SetURL(url string) {
	if url == "" {
		return
	}
	m.gw.SetBaseURL(url)
}

// Connect establishes a session, or returns the current one when a session
// already exists. Concurrent callers share a single attempt and its outcome.
//
// With a persisted security token the session is resumed through
// ConnectWithToken and the identity validator; otherwise an anonymous
// session is opened.
//
// Returns:
//   - The established session
//   - ErrLicenseInvalid when the server rejects the license, or the transport
//     or store error that made the attempt fail
func (m *Manager) Connect(ctx context.Context) (Session, error) {
	sessionID, err := m.store.SessionID(ctx)
	if err != nil {
		return Session{}, err
	}
	if sessionID != "" {
		token, err := m.store.SecurityToken(ctx)
		if err != nil {
			return Session{}, err
		}
		return Session{SessionID: sessionID, SecurityToken: token}, nil
	}

	v, err, _ := m.group.Do("connect", func() (interface{}, error) {
		return m.connect(ctx)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (m *Manager) connect(ctx context.Context) (Session, error) {
	m.statuses.Emit(status.Connecting, nil)

	s, err := m.establish(ctx)
	if err != nil {
		m.log.Error("connect failed", logger.Err(err))
		m.statuses.Emit(status.ConnectionError, err)
		return Session{}, err
	}

	m.log.Info("connected", logger.Field{Key: "sessionId", Value: s.SessionID})
	m.statuses.Emit(status.Connected, nil)
	return s, nil
}

func (m *Manager) establish(ctx context.Context) (Session, error) {
	token, err := m.store.SecurityToken(ctx)
	if err != nil {
		return Session{}, err
	}
	if token != "" {
		return m.resume(ctx, token)
	}

	remote, err := m.gw.Connect(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("connect: %w", err)
	}
	if remote == nil || remote.SessionID == "" {
		return Session{}, ErrNotConnected
	}
	if !remote.IsValidLicense {
		return Session{}, ErrLicenseInvalid
	}
	if err := m.store.SetSessionID(ctx, remote.SessionID); err != nil {
		return Session{}, err
	}
	return Session{SessionID: remote.SessionID}, nil
}

func (m *Manager) resume(ctx context.Context, token string) (Session, error) {
	remote, err := m.gw.ConnectWithToken(ctx, token, nil)
	if err != nil {
		return Session{}, fmt.Errorf("connect with token: %w", err)
	}
	if remote == nil || remote.Session.SessionID == "" {
		return Session{}, ErrNotConnected
	}
	if !remote.Session.IsValidLicense {
		return Session{}, ErrLicenseInvalid
	}
	if err := m.store.SetSessionID(ctx, remote.Session.SessionID); err != nil {
		return Session{}, err
	}
	if remote.SecurityToken != "" {
		token = remote.SecurityToken
		if err := m.store.SetSecurityToken(ctx, token); err != nil {
			return Session{}, err
		}
	}

	if m.validator != nil {
		if _, err := m.validator(ctx); err != nil {
			return Session{}, fmt.Errorf("validate session: %w", err)
		}
		// The validator clears the token when the user is no longer logged in.
		if token, err = m.store.SecurityToken(ctx); err != nil {
			return Session{}, err
		}
	}
	return Session{SessionID: remote.Session.SessionID, SecurityToken: token}, nil
}

// Ensure connects when needed and returns the current identity.
func (m *Manager) Ensure(ctx context.Context) (sessionstore.Identity, error) {
	if _, err := m.Connect(ctx); err != nil {
		return sessionstore.Identity{}, err
	}
	return m.store.Identity(ctx)
}

// Connected reports whether a session id is stored.
func (m *Manager) Connected(ctx context.Context) bool {
	sessionID, err := m.store.SessionID(ctx)
	return err == nil && sessionID != ""
}

// Disconnect closes the remote session. Local session state is cleared even
// when the remote call fails.
//
// Returns:
//   - The remote or store error, if any
func (m *Manager) Disconnect(ctx context.Context) error {
	m.statuses.Emit(status.Disconnecting, nil)

	var remoteErr error
	sessionID, err := m.store.SessionID(ctx)
	if err != nil {
		remoteErr = err
	} else if sessionID != "" {
		if err := m.gw.Disconnect(ctx, sessionID); err != nil {
			remoteErr = fmt.Errorf("disconnect: %w", err)
			m.log.Warn("remote disconnect failed", logger.Err(err))
		}
	}

	if err := m.store.ClearSecureSession(ctx); err != nil {
		remoteErr = errors.Join(remoteErr, err)
	}

	if remoteErr != nil {
		m.statuses.Emit(status.ConnectionError, remoteErr)
		return remoteErr
	}
	m.statuses.Emit(status.Disconnected, nil)
	return nil
}
