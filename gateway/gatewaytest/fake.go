// Package gatewaytest provides a scriptable in-memory gateway.Gateway for
// tests of the connector components.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/cyberinferno/scada-connector/gateway"
)

// Fake is an in-memory gateway.Gateway. Every operation counts its calls and
// delegates to the matching *Func field when set; otherwise it answers with a
// successful default. Set the Func fields before the Fake is shared.
type Fake struct {
	ConnectFunc                    func(ctx context.Context) (*gateway.Session, error)
	DisconnectFunc                 func(ctx context.Context, sessionID string) error
	ConnectWithTokenFunc           func(ctx context.Context, token string) (*gateway.SecuritySession, error)
	LoginFunc                      func(ctx context.Context, userName, password string) (*gateway.LoginResponse, error)
	LoginWindowsUserFunc           func(ctx context.Context) (*gateway.LoginResponse, error)
	LogoutByTokenFunc              func(ctx context.Context, token string) (bool, error)
	IsUserLoggedInFunc             func(ctx context.Context, token string) (bool, error)
	GetCurrentLoggedInUserFunc     func(ctx context.Context, token string) (*gateway.User, error)
	GetCurrentUserAuthorizationsFn func(ctx context.Context, token string) (*gateway.UserAuthorizations, error)
	RegisterSignalsFunc            func(ctx context.Context, names []string) ([]int, error)
	UnregisterSignalsFunc          func(ctx context.Context, names []string) ([]int, error)
	GetUpdatesFunc                 func(ctx context.Context, requestID int) (*gateway.Update, error)
	ReadSignalsFunc                func(ctx context.Context, names []string) ([]gateway.SignalValue, error)
	WriteFunc                      func(ctx context.Context, secured bool, values []gateway.KeyValue) ([]int, error)
	DefinitionsFunc                func(ctx context.Context, byToken bool, filter gateway.SignalDefinitionsFilter) ([]gateway.SignalDefinition, error)

	mu           sync.Mutex
	baseURL      string
	calls        map[string]int
	registered   [][]string
	unregistered [][]string
	requestIDs   []int
	sessionIDs   []string
}

// New returns a Fake with successful defaults.
func New() *Fake {
	return &Fake{
		baseURL: gateway.DefaultBaseURL,
		calls:   make(map[string]int),
	}
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

// Calls returns how many times operation op was called.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Registered returns every RegisterSignals batch in call order.
func (f *Fake) Registered() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.registered...)
}

// Unregistered returns every UnregisterSignals batch in call order.
func (f *Fake) Unregistered() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.unregistered...)
}

// RequestIDs returns the request id of every GetUpdates call in order.
func (f *Fake) RequestIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.requestIDs...)
}

// SessionIDs returns the session id passed to every signal operation.
func (f *Fake) SessionIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessionIDs...)
}

func (f *Fake) SetBaseURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url == "" {
		url = gateway.DefaultBaseURL
	}
	f.baseURL = url
}

func (f *Fake) BaseURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseURL
}

func (f *Fake) Connect(ctx context.Context) (*gateway.Session, error) {
	f.record("Connect")
	if f.ConnectFunc != nil {
		return f.ConnectFunc(ctx)
	}
	return &gateway.Session{SessionID: "session-1", IsValidLicense: true}, nil
}

func (f *Fake) Disconnect(ctx context.Context, sessionID string) error {
	f.record("Disconnect")
	if f.DisconnectFunc != nil {
		return f.DisconnectFunc(ctx, sessionID)
	}
	return nil
}

func (f *Fake) ConnectWithToken(ctx context.Context, securityToken string, _ []string) (*gateway.SecuritySession, error) {
	f.record("ConnectWithToken")
	if f.ConnectWithTokenFunc != nil {
		return f.ConnectWithTokenFunc(ctx, securityToken)
	}
	return &gateway.SecuritySession{
		Session:       gateway.Session{SessionID: "session-token", IsValidLicense: true},
		SecurityToken: securityToken + "-refreshed",
	}, nil
}

func (f *Fake) Login(ctx context.Context, _, _, userName, password string, _ bool, _ int) (*gateway.LoginResponse, error) {
	f.record("Login")
	if f.LoginFunc != nil {
		return f.LoginFunc(ctx, userName, password)
	}
	return &gateway.LoginResponse{Token: "token-1"}, nil
}

func (f *Fake) LoginWindowsUser(ctx context.Context, _, _ string, _ int) (*gateway.LoginResponse, error) {
	f.record("LoginWindowsUser")
	if f.LoginWindowsUserFunc != nil {
		return f.LoginWindowsUserFunc(ctx)
	}
	return &gateway.LoginResponse{Token: "token-windows"}, nil
}

func (f *Fake) LogoutByToken(ctx context.Context, securityToken string, _ int) (bool, error) {
	f.record("LogoutByToken")
	if f.LogoutByTokenFunc != nil {
		return f.LogoutByTokenFunc(ctx, securityToken)
	}
	return true, nil
}

func (f *Fake) IsUserLoggedIn(ctx context.Context, securityToken string, _ int) (bool, error) {
	f.record("IsUserLoggedIn")
	if f.IsUserLoggedInFunc != nil {
		return f.IsUserLoggedInFunc(ctx, securityToken)
	}
	return true, nil
}

func (f *Fake) GetCurrentLoggedInUser(ctx context.Context, securityToken string, _ int) (*gateway.User, error) {
	f.record("GetCurrentLoggedInUser")
	if f.GetCurrentLoggedInUserFunc != nil {
		return f.GetCurrentLoggedInUserFunc(ctx, securityToken)
	}
	return &gateway.User{Name: "operator"}, nil
}

func (f *Fake) GetCurrentUserAuthorizations(ctx context.Context, securityToken string, _ int) (*gateway.UserAuthorizations, error) {
	f.record("GetCurrentUserAuthorizations")
	if f.GetCurrentUserAuthorizationsFn != nil {
		return f.GetCurrentUserAuthorizationsFn(ctx, securityToken)
	}
	return &gateway.UserAuthorizations{}, nil
}

func (f *Fake) RegisterSignals(ctx context.Context, sessionID, _ string, names []string) ([]int, error) {
	f.mu.Lock()
	f.calls["RegisterSignals"]++
	f.registered = append(f.registered, append([]string(nil), names...))
	f.sessionIDs = append(f.sessionIDs, sessionID)
	f.mu.Unlock()

	if f.RegisterSignalsFunc != nil {
		return f.RegisterSignalsFunc(ctx, names)
	}
	return make([]int, len(names)), nil
}

func (f *Fake) UnregisterSignals(ctx context.Context, sessionID, _ string, names []string) ([]int, error) {
	f.mu.Lock()
	f.calls["UnregisterSignals"]++
	f.unregistered = append(f.unregistered, append([]string(nil), names...))
	f.sessionIDs = append(f.sessionIDs, sessionID)
	f.mu.Unlock()

	if f.UnregisterSignalsFunc != nil {
		return f.UnregisterSignalsFunc(ctx, names)
	}
	return make([]int, len(names)), nil
}

func (f *Fake) GetUpdates(ctx context.Context, sessionID, _ string, requestID int) (*gateway.Update, error) {
	f.mu.Lock()
	f.calls["GetUpdates"]++
	f.requestIDs = append(f.requestIDs, requestID)
	f.sessionIDs = append(f.sessionIDs, sessionID)
	f.mu.Unlock()

	if f.GetUpdatesFunc != nil {
		return f.GetUpdatesFunc(ctx, requestID)
	}
	return &gateway.Update{ResponseID: requestID}, nil
}

func (f *Fake) ReadSignals(ctx context.Context, _, _ string, names []string) ([]gateway.SignalValue, error) {
	f.record("ReadSignals")
	if f.ReadSignalsFunc != nil {
		return f.ReadSignalsFunc(ctx, names)
	}
	return make([]gateway.SignalValue, len(names)), nil
}

func (f *Fake) WriteUnsecuredSignals(ctx context.Context, _, _ string, values []gateway.KeyValue) ([]int, error) {
	f.record("WriteUnsecuredSignals")
	if f.WriteFunc != nil {
		return f.WriteFunc(ctx, false, values)
	}
	return make([]int, len(values)), nil
}

func (f *Fake) WriteSecuredSignalsByToken(ctx context.Context, _, _ string, values []gateway.KeyValue) ([]int, error) {
	f.record("WriteSecuredSignalsByToken")
	if f.WriteFunc != nil {
		return f.WriteFunc(ctx, true, values)
	}
	return make([]int, len(values)), nil
}

func (f *Fake) GetSignalDefinitions(ctx context.Context, _ gateway.Caller, filter gateway.SignalDefinitionsFilter, _ int, _ gateway.Page, _ int) ([]gateway.SignalDefinition, error) {
	f.record("GetSignalDefinitions")
	if f.DefinitionsFunc != nil {
		return f.DefinitionsFunc(ctx, false, filter)
	}
	return nil, nil
}

func (f *Fake) GetSignalDefinitionsByToken(ctx context.Context, _ string, filter gateway.SignalDefinitionsFilter, _ int, _ gateway.Page, _ int) ([]gateway.SignalDefinition, error) {
	f.record("GetSignalDefinitionsByToken")
	if f.DefinitionsFunc != nil {
		return f.DefinitionsFunc(ctx, true, filter)
	}
	return nil, nil
}

func (f *Fake) GetSignalNames(context.Context, gateway.Caller, gateway.SignalNamesFilter, gateway.Page, int) ([]gateway.Name, error) {
	f.record("GetSignalNames")
	return nil, nil
}

func (f *Fake) GetSignalNamesByToken(context.Context, string, gateway.SignalNamesFilter, gateway.Page, int) ([]gateway.Name, error) {
	f.record("GetSignalNamesByToken")
	return nil, nil
}

func (f *Fake) GetGroupNames(context.Context, gateway.Caller, gateway.GroupNamesFilter, int, gateway.Page, int) ([]gateway.Description, error) {
	f.record("GetGroupNames")
	return nil, nil
}

func (f *Fake) GetGroupNamesByToken(context.Context, string, gateway.GroupNamesFilter, int, gateway.Page, int) ([]gateway.Description, error) {
	f.record("GetGroupNamesByToken")
	return nil, nil
}

var _ gateway.Gateway = (*Fake)(nil)
