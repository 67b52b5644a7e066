// Package session handles user authentication on top of an established
// connection: login result normalization, session validation, logout and
// detection of logouts forced by the server.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cyberinferno/scada-connector/gateway"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/sessionstore"
	"github.com/cyberinferno/scada-connector/signals"
	"github.com/cyberinferno/scada-connector/status"
	"github.com/cyberinferno/scada-connector/utils"
)

var (
	// ErrLoginRejected is returned when the server refused the credentials.
	ErrLoginRejected = errors.New("session: login rejected")

	// ErrSessionUnusable is returned when a login succeeded but the user
	// information or authorizations could not be confirmed.
	ErrSessionUnusable = errors.New("session: user session is not usable")
)

// WatchSignalName returns the internal signal the server nulls when it ends
// the user session of clientID.
func WatchSignalName(clientID string) string {
	return fmt.Sprintf(`WFSInternal_Session_%s\DefaultProject`, clientID)
}

// Connector provides the session identity, connecting when needed.
type Connector interface {
	Ensure(ctx context.Context) (sessionstore.Identity, error)
}

// SignalSource subscribes to signal values.
type SignalSource interface {
	Subscribe(name string, handler signals.Handler) (*signals.Subscription, error)
}

// Manager logs users in and out and tracks the security state.
type Manager struct {
	gw       gateway.Gateway
	store    sessionstore.Store
	conn     Connector
	sigs     SignalSource
	log      logger.Logger
	statuses *status.Broadcaster[status.SecurityStatus]

	mu           sync.Mutex
	watch        *signals.Subscription
	watchGen     uint64
	isDomainUser bool
}

// NewManager creates a Manager.
//
// Parameters:
//   - gw: Gateway to the remote service
//   - store: Session store shared with the connection manager
//   - conn: Connection used to obtain the session before logging in
//   - sigs: Signal source used to watch for remote logouts
//   - log: Logger; a component field is added
//
// Returns:
//   - A new Manager
func NewManager(gw gateway.Gateway, store sessionstore.Store, conn Connector, sigs SignalSource, log logger.Logger) *Manager {
	return &Manager{
		gw:       gw,
		store:    store,
		conn:     conn,
		sigs:     sigs,
		log:      log.With(logger.Component("session")),
		statuses: status.NewBroadcaster[status.SecurityStatus](),
	}
}

// Statuses returns the broadcaster of security status events.
func (m *Manager) Statuses() *status.Broadcaster[status.SecurityStatus] {
	return m.statuses
}

// Login authenticates a user on the current session, connecting first when
// needed. On success the security token is stored and a watch for remote
// logouts is installed.
//
// Parameters:
//   - ctx: Context for the remote calls
//   - userName: Name of the user
//   - password: Password of the user
//
// Returns:
//   - ErrLoginRejected wrapping the server error code, ErrSessionUnusable,
//     or the connection or transport error
func (m *Manager) Login(ctx context.Context, userName, password string) error {
	return m.authenticate(ctx, userName, func(id sessionstore.Identity) (*gateway.LoginResponse, error) {
		return m.gw.Login(ctx, id.SessionID, id.ClientID, userName, password, false, gateway.DefaultTimeout)
	})
}

// LoginWindowsUser authenticates the Windows account the server resolves for
// this client, without a password. It behaves like Login otherwise.
func (m *Manager) LoginWindowsUser(ctx context.Context) error {
	return m.authenticate(ctx, "", func(id sessionstore.Identity) (*gateway.LoginResponse, error) {
		return m.gw.LoginWindowsUser(ctx, id.SessionID, id.ClientID, gateway.DefaultTimeout)
	})
}

type loginFunc func(id sessionstore.Identity) (*gateway.LoginResponse, error)

func (m *Manager) authenticate(ctx context.Context, userName string, call loginFunc) error {
	m.statuses.Emit(status.Authenticating, nil)

	err := m.login(ctx, call)
	if err != nil {
		m.log.Error("login failed", logger.Err(err), logger.Field{Key: "user", Value: userName})
		m.statuses.Emit(status.AuthenticationError, err)
		return err
	}

	m.log.Info("login successful", logger.Field{Key: "user", Value: userName})
	m.statuses.Emit(status.Authenticated, nil)
	return nil
}

func (m *Manager) login(ctx context.Context, call loginFunc) error {
	id, err := m.conn.Ensure(ctx)
	if err != nil {
		return err
	}
	m.log.Info("logging in", logger.Field{Key: "clientId", Value: id.ClientID})

	resp, err := call(id)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	token, err := NormalizeLogin(resp)
	if err != nil {
		return err
	}

	if err := m.store.SetSecurityToken(ctx, token); err != nil {
		return err
	}
	ok, err := m.UpdateSessionInformation(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionUnusable
	}

	return m.startWatch(id.ClientID)
}

// NormalizeLogin turns a login response into a security token. A structured
// result reporting failure, or a string that encodes a JSON array of error
// codes, is a rejection.
//
// Returns:
//   - The security token
//   - ErrLoginRejected wrapped with the first error code on rejection
func NormalizeLogin(resp *gateway.LoginResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: code -1", ErrLoginRejected)
	}

	if fr := resp.Function; fr != nil {
		if !fr.Succeeded {
			code := -1
			if len(fr.ErrorCodes) > 0 {
				code = fr.ErrorCodes[0]
			}
			return "", fmt.Errorf("%w: code %d", ErrLoginRejected, code)
		}
		if fr.Result == "" {
			return "", fmt.Errorf("%w: empty token", ErrLoginRejected)
		}
		return fr.Result, nil
	}

	token := resp.Token
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrLoginRejected)
	}
	if strings.Contains(token, "[") && strings.Contains(token, "]") {
		code, ok := utils.FirstArrayElement(token)
		if !ok {
			code = "-1"
		}
		return "", fmt.Errorf("%w: code %s", ErrLoginRejected, code)
	}
	return token, nil
}

// UpdateSessionInformation confirms that the stored security token belongs
// to a logged in user with authorizations and records the user name. When
// the server no longer knows the user, the stored credentials are dropped.
//
// Returns:
//   - true when the user session is usable
//   - A transport or store error
func (m *Manager) UpdateSessionInformation(ctx context.Context) (bool, error) {
	token, err := m.store.SecurityToken(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		m.log.Warn("user not logged in in the current session")
		return false, nil
	}

	loggedIn, err := m.gw.IsUserLoggedIn(ctx, token, gateway.DefaultTimeout)
	if err != nil {
		return false, fmt.Errorf("is user logged in: %w", err)
	}
	if !loggedIn {
		return false, m.dropCredentials(ctx)
	}

	user, err := m.gw.GetCurrentLoggedInUser(ctx, token, gateway.DefaultTimeout)
	if err != nil {
		return false, fmt.Errorf("get current user: %w", err)
	}
	if user == nil || user.Name == "" {
		return false, m.dropCredentials(ctx)
	}
	if err := m.store.SetCurrentUser(ctx, user.Name); err != nil {
		return false, err
	}
	m.mu.Lock()
	m.isDomainUser = user.IsADUser
	m.mu.Unlock()

	auth, err := m.gw.GetCurrentUserAuthorizations(ctx, token, gateway.DefaultTimeout)
	if err != nil {
		return false, fmt.Errorf("get authorizations: %w", err)
	}
	if auth == nil {
		m.log.Warn("no authorizations for current user", logger.Field{Key: "user", Value: user.Name})
		return false, m.dropCredentials(ctx)
	}
	return true, nil
}

func (m *Manager) dropCredentials(ctx context.Context) error {
	m.mu.Lock()
	m.isDomainUser = false
	m.mu.Unlock()

	if err := m.store.SetSecurityToken(ctx, ""); err != nil {
		return err
	}
	return m.store.SetCurrentUser(ctx, "")
}

// startWatch subscribes to the remote logout signal, replacing any previous
// watch.
func (m *Manager) startWatch(clientID string) error {
	m.mu.Lock()
	m.watchGen++
	gen := m.watchGen
	m.mu.Unlock()

	sub, err := m.sigs.Subscribe(WatchSignalName(clientID), func(_ string, value any) {
		if value == nil {
			m.remoteLogout(gen)
		}
	})
	if err != nil {
		return fmt.Errorf("watch session signal: %w", err)
	}

	m.mu.Lock()
	if gen != m.watchGen {
		// Dropped while subscribing.
		m.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	old := m.watch
	m.watch = sub
	m.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	return nil
}

// EnsureWatch installs the remote logout watch for a session resumed from a
// stored token. It does nothing when a watch exists or no user is logged in.
func (m *Manager) EnsureWatch(ctx context.Context) error {
	if m.Watching() {
		return nil
	}
	id, err := m.conn.Ensure(ctx)
	if err != nil {
		return err
	}
	if id.SecurityToken == "" {
		return nil
	}
	return m.startWatch(id.ClientID)
}

func (m *Manager) stopWatch() {
	m.mu.Lock()
	m.watchGen++
	old := m.watch
	m.watch = nil
	m.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
}

func (m *Manager) remoteLogout(gen uint64) {
	m.mu.Lock()
	if gen != m.watchGen {
		m.mu.Unlock()
		return
	}
	m.isDomainUser = false
	m.mu.Unlock()

	m.stopWatch()
	if err := m.store.ClearSecureSession(context.Background()); err != nil {
		m.log.Error("clear session after remote logout", logger.Err(err))
	}
	m.log.Warn("user session ended by the server")
	m.statuses.Emit(status.RemoteLogout, nil)
}

// Logout ends the user session on the server. The local credentials are
// dropped whatever the outcome of the remote call.
//
// Returns:
//   - The result reported by the server; false when no user was logged in
//   - The transport error, if any
func (m *Manager) Logout(ctx context.Context) (bool, error) {
	token, err := m.store.SecurityToken(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	m.log.Info("logout")
	ok, remoteErr := m.gw.LogoutByToken(ctx, token, gateway.DefaultTimeout)
	m.stopWatch()
	if err := m.dropCredentials(ctx); err != nil {
		return false, errors.Join(remoteErr, err)
	}

	if remoteErr != nil {
		m.log.Error("logout failed", logger.Err(remoteErr))
		return false, fmt.Errorf("logout: %w", remoteErr)
	}
	if !ok {
		m.log.Info("logout failed")
	}
	return ok, nil
}

// IsLoggedIn reports whether the stored token belongs to a logged in user.
func (m *Manager) IsLoggedIn(ctx context.Context) (bool, error) {
	token, err := m.store.SecurityToken(ctx)
	if err != nil || token == "" {
		return false, err
	}
	return m.gw.IsUserLoggedIn(ctx, token, gateway.DefaultTimeout)
}

// CurrentUser returns the name of the logged in user and whether it is a
// domain account.
func (m *Manager) CurrentUser(ctx context.Context) (string, bool, error) {
	name, err := m.store.CurrentUser(ctx)
	if err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return name, m.isDomainUser, nil
}

// Watching reports whether a remote logout watch is installed.
func (m *Manager) Watching() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watch != nil
}
