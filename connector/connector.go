// Package connector composes the connection, session, signal, polling and
// reconnect components into the single object host adapters work with.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/scada-connector/clock"
	"github.com/cyberinferno/scada-connector/connection"
	"github.com/cyberinferno/scada-connector/gateway"
	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/polling"
	"github.com/cyberinferno/scada-connector/reconnect"
	"github.com/cyberinferno/scada-connector/session"
	"github.com/cyberinferno/scada-connector/sessionstore"
	"github.com/cyberinferno/scada-connector/signals"
	"github.com/cyberinferno/scada-connector/status"
)

// DefaultPageSize is the number of entries requested by lookups without an
// explicit count.
const DefaultPageSize = 1000

// ErrNoGateway is returned by New when Options.Gateway is nil.
var ErrNoGateway = errors.New("connector: gateway is required")

// Options configures a Connector. Only Gateway is required.
type Options struct {
	Gateway          gateway.Gateway
	Store            sessionstore.Store // Defaults to sessionstore.NewMemoryStore()
	Logger           logger.Logger      // Defaults to logger.NewNopLogger()
	Clock            clock.Clock        // Defaults to clock.Real()
	Debounce         time.Duration      // Unregister batching window
	Cooldown         time.Duration      // Pause before a reconnect cycle tears down
	Backoff          time.Duration      // Pause between failed reconnect attempts
	FailureThreshold int                // Consecutive polling errors that trigger a reconnect
}

// ConnectParams are the per-connection settings given by the host.
type ConnectParams struct {
	URL          string
	PollInterval time.Duration // Zero keeps polling.DefaultInterval
	UserName     string
	Password     string
	WindowsUser  bool // Log in the Windows account instead of UserName
	MaxRetries   int  // Reconnect attempts per cycle; zero is unbounded
}

// ActionResult is the outcome of a write.
type ActionResult struct {
	Successful   bool
	ErrorMessage string
	ErrorCodes   []int
	Err          error
}

// Connector is the facade over one server connection.
type Connector struct {
	gw       gateway.Gateway
	store    sessionstore.Store
	log      logger.Logger
	conn     *connection.Manager
	sess     *session.Manager
	registry *signals.Registry
	loop     *polling.Loop
	sup      *reconnect.Supervisor
	sink     status.Sink
	forwards []func()

	mu          sync.Mutex
	userName    string
	password    string
	windowsUser bool
	subs        []*signals.Subscription
	closed      bool
}

// New wires a Connector.
//
// Parameters:
//   - opts: Components and timing overrides
//
// Returns:
//   - The Connector, not yet connected
//   - ErrNoGateway when opts.Gateway is nil
func New(opts Options) (*Connector, error) {
	if opts.Gateway == nil {
		return nil, ErrNoGateway
	}
	if opts.Store == nil {
		opts.Store = sessionstore.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	c := &Connector{
		gw:    opts.Gateway,
		store: opts.Store,
		log:   opts.Logger.With(logger.Component("connector")),
	}
	c.conn = connection.NewManager(opts.Gateway, opts.Store, opts.Logger)
	c.registry = signals.NewRegistry(opts.Gateway, c.conn, opts.Logger, signals.Options{
		Clock:    opts.Clock,
		Debounce: opts.Debounce,
	})
	c.sess = session.NewManager(opts.Gateway, opts.Store, c.conn, c.registry, opts.Logger)
	c.conn.SetIdentityValidator(c.sess.UpdateSessionInformation)
	c.loop = polling.NewLoop(opts.Gateway, c.conn, c.registry, opts.Clock, opts.Logger)
	c.sup = reconnect.NewSupervisor(c.loop.Statuses(), c, reconnect.Config{
		Cooldown:         opts.Cooldown,
		Backoff:          opts.Backoff,
		FailureThreshold: opts.FailureThreshold,
		IsFatal:          IsFatal,
		Clock:            opts.Clock,
	}, opts.Logger)

	c.forwards = []func(){
		status.Forward(c.conn.Statuses(), &c.sink),
		status.Forward(c.loop.Statuses(), &c.sink),
		status.Forward(c.sess.Statuses(), &c.sink),
		status.Forward(c.sup.Statuses(), &c.sink),
	}
	return c, nil
}

// IsFatal reports whether err must stop reconnecting: an invalid license or
// credentials refused by the server.
func IsFatal(err error) bool {
	return errors.Is(err, connection.ErrLicenseInvalid) || errors.Is(err, session.ErrLoginRejected)
}

// OnConnectionStatus registers a listener for connection status events.
func (c *Connector) OnConnectionStatus(l status.Listener[status.ConnectionStatus]) (unsubscribe func()) {
	return c.conn.Statuses().Subscribe(l)
}

// OnPollingStatus registers a listener for polling status events.
func (c *Connector) OnPollingStatus(l status.Listener[status.PollingStatus]) (unsubscribe func()) {
	return c.loop.Statuses().Subscribe(l)
}

// OnSecurityStatus registers a listener for security status events.
func (c *Connector) OnSecurityStatus(l status.Listener[status.SecurityStatus]) (unsubscribe func()) {
	return c.sess.Statuses().Subscribe(l)
}

// OnRetryStatus registers a listener for reconnect status events.
func (c *Connector) OnRetryStatus(l status.Listener[status.RetryStatus]) (unsubscribe func()) {
	return c.sup.Statuses().Subscribe(l)
}

// SetStatusCallback installs the callback receiving the presentation of
// every status event. Pass nil to remove it.
func (c *Connector) SetStatusCallback(callback func(status.NodeStatus)) {
	c.sink.SetCallback(callback)
}

// SetURL points the connector at a server.
func (c *Connector) SetURL(url string) {
	c.conn.SetURL(url)
}

// SetPollInterval changes the delay between polls; zero restores the default.
func (c *Connector) SetPollInterval(d time.Duration) {
	c.loop.SetInterval(d)
}

// Err returns the error that ended automatic reconnection, or nil.
func (c *Connector) Err() error {
	return c.sup.Err()
}

// Connect opens the session, logs in when credentials are given and the
// stored token does not already belong to a logged in user, registers the
// subscribed signals, starts polling and arms automatic reconnection.
//
// Parameters:
//   - ctx: Context for the remote calls made before polling starts
//   - p: Server address, poll interval, credentials and retry ceiling
//
// Returns:
//   - The connection, login or registration transport error
func (c *Connector) Connect(ctx context.Context, p ConnectParams) error {
	c.SetURL(p.URL)
	c.SetPollInterval(p.PollInterval)
	c.sup.SetMaxAttempts(p.MaxRetries)

	c.mu.Lock()
	c.userName, c.password, c.windowsUser = p.UserName, p.Password, p.WindowsUser
	c.mu.Unlock()

	if _, err := c.conn.Connect(ctx); err != nil {
		return err
	}
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	if err := c.StartUpdates(ctx); err != nil {
		return err
	}
	c.sup.Arm()
	return nil
}

// relogin repeats the last accepted login: the Windows account, the
// credentials, or nothing when neither was given.
func (c *Connector) relogin(ctx context.Context) error {
	c.mu.Lock()
	windows, userName, password := c.windowsUser, c.userName, c.password
	c.mu.Unlock()

	switch {
	case windows:
		return c.sess.LoginWindowsUser(ctx)
	case userName != "" && password != "":
		return c.sess.Login(ctx, userName, password)
	}
	return nil
}

func (c *Connector) ensureLogin(ctx context.Context) error {
	loggedIn, err := c.sess.IsLoggedIn(ctx)
	if err != nil {
		c.log.Warn("checking stored login failed", logger.Err(err))
	}
	if loggedIn {
		return c.sess.EnsureWatch(ctx)
	}
	return c.relogin(ctx)
}

// Login authenticates a user unless the stored token already belongs to a
// logged in user. Accepted credentials replace those of Connect and are used
// again after a reconnect.
func (c *Connector) Login(ctx context.Context, userName, password string) error {
	loggedIn, err := c.sess.IsLoggedIn(ctx)
	if err == nil && loggedIn {
		return c.sess.EnsureWatch(ctx)
	}
	if err := c.sess.Login(ctx, userName, password); err != nil {
		return err
	}

	c.mu.Lock()
	c.userName, c.password, c.windowsUser = userName, password, false
	c.mu.Unlock()

	if c.loop.Running() {
		return c.flush(ctx)
	}
	return nil
}

// LoginWindowsUser authenticates the Windows account the server resolves for
// this client. Like Login, it is repeated after a reconnect.
func (c *Connector) LoginWindowsUser(ctx context.Context) error {
	if err := c.sess.LoginWindowsUser(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.userName, c.password, c.windowsUser = "", "", true
	c.mu.Unlock()

	if c.loop.Running() {
		return c.flush(ctx)
	}
	return nil
}

// Logout ends the user session. See session.Manager.Logout.
func (c *Connector) Logout(ctx context.Context) (bool, error) {
	return c.sess.Logout(ctx)
}

// CurrentUser returns the name of the logged in user, or "".
func (c *Connector) CurrentUser(ctx context.Context) (string, error) {
	name, _, err := c.sess.CurrentUser(ctx)
	return name, err
}

// flush registers pending signals. Refused signals are logged; only
// transport failures are returned.
func (c *Connector) flush(ctx context.Context) error {
	err := c.registry.FlushRegistrations(ctx)
	var regErr *signals.RegistrationError
	if errors.As(err, &regErr) {
		c.log.Error("signal registration refused", logger.Err(err))
		return nil
	}
	return err
}

// StartUpdates registers pending signals and starts polling.
func (c *Connector) StartUpdates(ctx context.Context) error {
	if _, err := c.conn.Connect(ctx); err != nil {
		return err
	}
	if err := c.flush(ctx); err != nil {
		return err
	}
	return c.loop.Start(ctx)
}

// Disconnect stops reconnection and polling, logs out and closes the
// session. Subscriptions survive and are registered again by the next
// Connect.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.sup.Stop()
	c.loop.Stop()
	if _, err := c.sess.Logout(ctx); err != nil {
		c.log.Warn("logout during disconnect failed", logger.Err(err))
	}
	c.registry.RequeueAll()
	return c.conn.Disconnect(ctx)
}

// Close disconnects, drops every subscription and detaches the status
// callback. The Connector cannot be used afterwards. Close is idempotent.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect(ctx)
	c.UnsubscribeAll()
	c.registry.Close()
	for _, stop := range c.forwards {
		stop()
	}
	c.sink.SetCallback(nil)
	return err
}

// Teardown implements reconnect.Target.
func (c *Connector) Teardown(ctx context.Context) error {
	c.loop.Stop()
	return c.conn.Disconnect(ctx)
}

// Restore implements reconnect.Target. It opens a new session, logs in again
// when credentials were given, registers every live signal and restarts
// polling.
func (c *Connector) Restore(ctx context.Context) error {
	if _, err := c.conn.Connect(ctx); err != nil {
		return err
	}
	if err := c.relogin(ctx); err != nil {
		return err
	}
	c.registry.RequeueAll()
	if err := c.flush(ctx); err != nil {
		return err
	}
	return c.loop.Start(ctx)
}

// Subscribe adds a handler for a signal. The signal is registered on the
// server by the next StartUpdates, Connect or reconnect; call StartUpdates
// after subscribing to a connected Connector.
func (c *Connector) Subscribe(name string, handler signals.Handler) (*signals.Subscription, error) {
	sub, err := c.registry.Subscribe(name, handler)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// UnsubscribeAll releases every subscription made through Subscribe and
// SubscribeDefinitions.
func (c *Connector) UnsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// SubscribeDefinitions looks up the definitions matching aliasNames and
// subscribes handler to each of them. When polling already runs the new
// signals are registered before it returns.
//
// Parameters:
//   - ctx: Context for the lookup
//   - aliasNames: Alias names to look up; empty matches every signal
//   - count: Maximum number of definitions; DefaultPageSize when zero
//   - handler: Receives the values of every subscribed signal
//
// Returns:
//   - The number of subscribed signals
//   - The lookup, subscription or registration error
func (c *Connector) SubscribeDefinitions(ctx context.Context, aliasNames []string, count int, handler signals.Handler) (int, error) {
	if count <= 0 {
		count = DefaultPageSize
	}
	defs, err := c.GetSignalDefinitions(ctx, gateway.SignalDefinitionsFilter{
		AliasNames:    aliasNames,
		ResultsFilter: gateway.ResultsBasic,
	}, gateway.Page{Start: 0, Count: count})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, def := range defs {
		if def.AliasName == "" {
			continue
		}
		if _, err := c.Subscribe(def.AliasName, handler); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 && c.loop.Running() {
		return n, c.flush(ctx)
	}
	return n, nil
}

// ReadSignals reads the current values of names.
func (c *Connector) ReadSignals(ctx context.Context, names []string) ([]gateway.SignalValue, error) {
	id, err := c.conn.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	c.log.Debug("read signals", logger.Field{Key: "signals", Value: names})
	return c.gw.ReadSignals(ctx, id.SessionID, id.ClientID, names)
}

// WriteSignals writes values, as the logged in user when there is one.
func (c *Connector) WriteSignals(ctx context.Context, values []gateway.KeyValue) ActionResult {
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = v.Key
	}
	c.log.Info("write signals", logger.Field{Key: "signals", Value: keys})

	id, err := c.conn.Ensure(ctx)
	if err != nil {
		return ActionResult{ErrorMessage: err.Error(), Err: err}
	}

	var codes []int
	if id.SecurityToken != "" && id.CurrentUser != "" {
		codes, err = c.gw.WriteSecuredSignalsByToken(ctx, id.SecurityToken, id.ClientID, values)
	} else {
		codes, err = c.gw.WriteUnsecuredSignals(ctx, id.SessionID, id.ClientID, values)
	}
	if err != nil {
		return ActionResult{ErrorMessage: err.Error(), Err: err}
	}
	return writeResult(keys, codes)
}

func writeResult(keys []string, codes []int) ActionResult {
	var failed []string
	for i, code := range codes {
		if code == 0 {
			continue
		}
		key := "?"
		if i < len(keys) {
			key = keys[i]
		}
		failed = append(failed, fmt.Sprintf("%s (%d)", key, code))
	}
	if len(failed) == 0 {
		return ActionResult{Successful: true, ErrorCodes: codes}
	}
	return ActionResult{
		ErrorMessage: "write failed: " + strings.Join(failed, ", "),
		ErrorCodes:   codes,
	}
}

func (c *Connector) caller(ctx context.Context, id sessionstore.Identity) (gateway.Caller, error) {
	_, isDomainUser, err := c.sess.CurrentUser(ctx)
	if err != nil {
		return gateway.Caller{}, err
	}
	return gateway.Caller{
		SessionID:    id.SessionID,
		ClientID:     id.ClientID,
		UserName:     id.CurrentUser,
		IsDomainUser: isDomainUser,
	}, nil
}

// GetSignalDefinitions looks up signal definitions, by token when a user is
// logged in.
func (c *Connector) GetSignalDefinitions(ctx context.Context, filter gateway.SignalDefinitionsFilter, page gateway.Page) ([]gateway.SignalDefinition, error) {
	id, err := c.conn.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if id.SecurityToken != "" {
		return c.gw.GetSignalDefinitionsByToken(ctx, id.SecurityToken, filter, gateway.DefaultLanguageID, page, gateway.DefaultTimeout)
	}
	caller, err := c.caller(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.gw.GetSignalDefinitions(ctx, caller, filter, gateway.DefaultLanguageID, page, gateway.DefaultTimeout)
}

// GetSignalNames looks up signal names, by token when a user is logged in.
func (c *Connector) GetSignalNames(ctx context.Context, filter gateway.SignalNamesFilter, page gateway.Page) ([]gateway.Name, error) {
	id, err := c.conn.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if id.SecurityToken != "" {
		return c.gw.GetSignalNamesByToken(ctx, id.SecurityToken, filter, page, gateway.DefaultTimeout)
	}
	caller, err := c.caller(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.gw.GetSignalNames(ctx, caller, filter, page, gateway.DefaultTimeout)
}

// GetGroupNames looks up group names, by token when a user is logged in.
func (c *Connector) GetGroupNames(ctx context.Context, filter gateway.GroupNamesFilter, page gateway.Page) ([]gateway.Description, error) {
	id, err := c.conn.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if id.SecurityToken != "" {
		return c.gw.GetGroupNamesByToken(ctx, id.SecurityToken, filter, gateway.DefaultLanguageID, page, gateway.DefaultTimeout)
	}
	caller, err := c.caller(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.gw.GetGroupNames(ctx, caller, filter, gateway.DefaultLanguageID, page, gateway.DefaultTimeout)
}

var _ reconnect.Target = (*Connector)(nil)
