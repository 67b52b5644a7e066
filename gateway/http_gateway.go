package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/scada-connector/logger"
	"github.com/cyberinferno/scada-connector/utils"
)

// DefaultBaseURL is used until SetBaseURL is called with a non-empty value.
const DefaultBaseURL = "http://localhost"

const (
	servicesPath    = "/_SERVICES/WebServices/WCF"
	signalsService  = "/SignalsService.svc/js"
	securityService = "/SecurityService.svc/js"
	ntlmService     = "/NtlmService.svc/js"
)

// HTTPGateway implements Gateway over the service's JSON endpoints. Every
// call is a POST whose answer wraps the result in a {"d": ...} envelope.
type HTTPGateway struct {
	client *http.Client
	log    logger.Logger

	mu      sync.RWMutex
	baseURL string
}

// NewHTTPGateway creates an HTTPGateway.
//
// Parameters:
//   - client: HTTP client to use; nil uses a client with a 10s timeout
//   - log: Logger for request tracing
//
// Returns:
//   - A gateway pointed at DefaultBaseURL
func NewHTTPGateway(client *http.Client, log logger.Logger) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &HTTPGateway{
		client:  client,
		log:     log.With(logger.Component("gateway")),
		baseURL: DefaultBaseURL,
	}
}

// SetBaseURL implements Gateway. An empty url restores DefaultBaseURL.
func (g *HTTPGateway) SetBaseURL(url string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	url = strings.TrimRight(url, "/")
	if url == "" {
		url = DefaultBaseURL
	}
	g.baseURL = url
}

// BaseURL implements Gateway.
func (g *HTTPGateway) BaseURL() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.baseURL
}

type envelope struct {
	D json.RawMessage `json:"d"`
}

// call posts body to operation on service and decodes the envelope payload
// into out. A null payload leaves out untouched and reports found=false.
func (g *HTTPGateway) call(ctx context.Context, service, operation string, body any, out any) (found bool, err error) {
	url := g.BaseURL() + servicesPath + service + "/" + operation

	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("%s: encoding request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("%s: building request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	g.log.Debug("remote call", logger.Field{Key: "operation", Value: operation})

	resp, err := g.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s: %w", operation, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("%s: reading response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &RemoteError{Operation: operation, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return true, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, &RemoteError{Operation: operation, StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}

	if len(env.D) == 0 || string(env.D) == "null" {
		return false, nil
	}

	if err := json.Unmarshal(env.D, out); err != nil {
		return false, &RemoteError{Operation: operation, StatusCode: resp.StatusCode, Message: "malformed result: " + err.Error()}
	}

	return true, nil
}

// Connect implements Gateway.
func (g *HTTPGateway) Connect(ctx context.Context) (*Session, error) {
	var session Session
	found, err := g.call(ctx, signalsService, "Connect", struct{}{}, &session)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &RemoteError{Operation: "Connect", Message: "empty session"}
	}
	return &session, nil
}

// Disconnect implements Gateway.
func (g *HTTPGateway) Disconnect(ctx context.Context, sessionID string) error {
	_, err := g.call(ctx, signalsService, "Disconnect", map[string]any{
		"sessionId": sessionID,
	}, nil)
	return err
}

// ConnectWithToken implements Gateway.
func (g *HTTPGateway) ConnectWithToken(ctx context.Context, securityToken string, requestedLicenses []string) (*SecuritySession, error) {
	var session SecuritySession
	found, err := g.call(ctx, securityService, "ConnectWithToken", map[string]any{
		"securityToken":     securityToken,
		"requestedLicenses": requestedLicenses,
	}, &session)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &RemoteError{Operation: "ConnectWithToken", Message: "empty session"}
	}
	return &session, nil
}

// Login implements Gateway. The payload is either a JSON string or a
// FunctionResult object; both are passed through undecided.
func (g *HTTPGateway) Login(ctx context.Context, sessionID, clientID, userName, password string, isDomainUser bool, timeoutMs int) (*LoginResponse, error) {
	var raw json.RawMessage
	found, err := g.call(ctx, securityService, "Login", map[string]any{
		"sessionId":           sessionID,
		"clientId":            clientID,
		"userName":            userName,
		"password":            password,
		"isDomainUser":        isDomainUser,
		"millisecondsTimeOut": timeoutMs,
	}, &raw)
	if err != nil {
		return nil, err
	}
	return decodeLogin("Login", raw, found)
}

// LoginWindowsUser implements Gateway.
func (g *HTTPGateway) LoginWindowsUser(ctx context.Context, sessionID, clientID string, timeoutMs int) (*LoginResponse, error) {
	var raw json.RawMessage
	found, err := g.call(ctx, ntlmService, "LoginWindowsUser", map[string]any{
		"sessionId":           sessionID,
		"clientId":            clientID,
		"millisecondsTimeOut": timeoutMs,
	}, &raw)
	if err != nil {
		return nil, err
	}
	return decodeLogin("LoginWindowsUser", raw, found)
}

func decodeLogin(operation string, raw json.RawMessage, found bool) (*LoginResponse, error) {
	if !found {
		return &LoginResponse{}, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if utils.IsJsonString(string(trimmed)) {
		var result FunctionResult
		if err := json.Unmarshal(trimmed, &result); err != nil {
			return nil, &RemoteError{Operation: operation, Message: "malformed result: " + err.Error()}
		}
		return &LoginResponse{Function: &result}, nil
	}

	var token string
	if err := json.Unmarshal(trimmed, &token); err != nil {
		return nil, &RemoteError{Operation: operation, Message: "malformed result: " + err.Error()}
	}
	return &LoginResponse{Token: token}, nil
}

// LogoutByToken implements Gateway.
func (g *HTTPGateway) LogoutByToken(ctx context.Context, securityToken string, timeoutMs int) (bool, error) {
	var ok bool
	_, err := g.call(ctx, securityService, "LogoutByToken", map[string]any{
		"securityToken": securityToken,
		"timeOut":       timeoutMs,
	}, &ok)
	return ok, err
}

// IsUserLoggedIn implements Gateway.
func (g *HTTPGateway) IsUserLoggedIn(ctx context.Context, securityToken string, timeoutMs int) (bool, error) {
	var ok bool
	_, err := g.call(ctx, securityService, "IsUserLoggedIn", map[string]any{
		"securityToken": securityToken,
		"timeOut":       timeoutMs,
	}, &ok)
	return ok, err
}

// GetCurrentLoggedInUser implements Gateway.
func (g *HTTPGateway) GetCurrentLoggedInUser(ctx context.Context, securityToken string, timeoutMs int) (*User, error) {
	var user User
	found, err := g.call(ctx, securityService, "GetCurrentLoggedInUser", map[string]any{
		"securityToken": securityToken,
		"timeOut":       timeoutMs,
	}, &user)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

// GetCurrentUserAuthorizations implements Gateway. It returns nil, nil when
// the user has no authorizations.
func (g *HTTPGateway) GetCurrentUserAuthorizations(ctx context.Context, securityToken string, timeoutMs int) (*UserAuthorizations, error) {
	var auth UserAuthorizations
	found, err := g.call(ctx, securityService, "GetCurrentUserAuthorizations", map[string]any{
		"securityToken": securityToken,
		"timeOut":       timeoutMs,
	}, &auth)
	if err != nil || !found {
		return nil, err
	}
	return &auth, nil
}

func (g *HTTPGateway) signalCodes(ctx context.Context, operation, sessionID, clientID string, names []string) ([]int, error) {
	var codes []int
	_, err := g.call(ctx, signalsService, operation, map[string]any{
		"sessionId":   sessionID,
		"clientId":    clientID,
		"signalNames": names,
	}, &codes)
	return codes, err
}

// RegisterSignals implements Gateway.
func (g *HTTPGateway) RegisterSignals(ctx context.Context, sessionID, clientID string, names []string) ([]int, error) {
	return g.signalCodes(ctx, "RegisterSignals", sessionID, clientID, names)
}

// UnregisterSignals implements Gateway.
func (g *HTTPGateway) UnregisterSignals(ctx context.Context, sessionID, clientID string, names []string) ([]int, error) {
	return g.signalCodes(ctx, "UnregisterSignals", sessionID, clientID, names)
}

// GetUpdates implements Gateway.
func (g *HTTPGateway) GetUpdates(ctx context.Context, sessionID, clientID string, requestID int) (*Update, error) {
	var update Update
	found, err := g.call(ctx, signalsService, "GetUpdates", map[string]any{
		"sessionId": sessionID,
		"clientId":  clientID,
		"requestId": requestID,
	}, &update)
	if err != nil || !found {
		return nil, err
	}
	return &update, nil
}

// ReadSignals implements Gateway.
func (g *HTTPGateway) ReadSignals(ctx context.Context, sessionID, clientID string, names []string) ([]SignalValue, error) {
	var values []SignalValue
	_, err := g.call(ctx, signalsService, "ReadSignals", map[string]any{
		"sessionId":   sessionID,
		"clientId":    clientID,
		"signalNames": names,
	}, &values)
	return values, err
}

// WriteUnsecuredSignals implements Gateway.
func (g *HTTPGateway) WriteUnsecuredSignals(ctx context.Context, sessionID, clientID string, values []KeyValue) ([]int, error) {
	var codes []int
	_, err := g.call(ctx, signalsService, "WriteUnsecuredSignals", map[string]any{
		"sessionId": sessionID,
		"clientId":  clientID,
		"values":    values,
	}, &codes)
	return codes, err
}

// WriteSecuredSignalsByToken implements Gateway.
func (g *HTTPGateway) WriteSecuredSignalsByToken(ctx context.Context, securityToken, clientID string, values []KeyValue) ([]int, error) {
	var codes []int
	_, err := g.call(ctx, signalsService, "WriteSecuredSignalsByToken", map[string]any{
		"securityToken": securityToken,
		"clientId":      clientID,
		"values":        values,
	}, &codes)
	return codes, err
}

func callerBody(caller Caller, page Page, timeoutMs int) map[string]any {
	return map[string]any{
		"sessionId":           caller.SessionID,
		"clientId":            caller.ClientID,
		"userName":            caller.UserName,
		"isDomainUser":        caller.IsDomainUser,
		"startIndex":          page.Start,
		"count":               page.Count,
		"millisecondsTimeOut": timeoutMs,
	}
}

func tokenBody(securityToken string, page Page, timeoutMs int) map[string]any {
	return map[string]any{
		"securityToken":       securityToken,
		"startIndex":          page.Start,
		"count":               page.Count,
		"millisecondsTimeOut": timeoutMs,
	}
}

// GetSignalDefinitions implements Gateway.
func (g *HTTPGateway) GetSignalDefinitions(ctx context.Context, caller Caller, filter SignalDefinitionsFilter, languageID int, page Page, timeoutMs int) ([]SignalDefinition, error) {
	body := callerBody(caller, page, timeoutMs)
	body["filter"] = filter
	body["languageId"] = languageID

	var defs []SignalDefinition
	_, err := g.call(ctx, signalsService, "GetSignalDefinitions", body, &defs)
	return defs, err
}

// GetSignalDefinitionsByToken implements Gateway.
func (g *HTTPGateway) GetSignalDefinitionsByToken(ctx context.Context, securityToken string, filter SignalDefinitionsFilter, languageID int, page Page, timeoutMs int) ([]SignalDefinition, error) {
	body := tokenBody(securityToken, page, timeoutMs)
	body["filter"] = filter
	body["languageId"] = languageID

	var defs []SignalDefinition
	_, err := g.call(ctx, signalsService, "GetSignalDefinitionsByToken", body, &defs)
	return defs, err
}

// GetSignalNames implements Gateway.
func (g *HTTPGateway) GetSignalNames(ctx context.Context, caller Caller, filter SignalNamesFilter, page Page, timeoutMs int) ([]Name, error) {
	body := callerBody(caller, page, timeoutMs)
	body["filter"] = filter

	var names []Name
	_, err := g.call(ctx, signalsService, "GetSignalNames", body, &names)
	return names, err
}

// GetSignalNamesByToken implements Gateway.
func (g *HTTPGateway) GetSignalNamesByToken(ctx context.Context, securityToken string, filter SignalNamesFilter, page Page, timeoutMs int) ([]Name, error) {
	body := tokenBody(securityToken, page, timeoutMs)
	body["filter"] = filter

	var names []Name
	_, err := g.call(ctx, signalsService, "GetSignalNamesByToken", body, &names)
	return names, err
}

// GetGroupNames implements Gateway.
func (g *HTTPGateway) GetGroupNames(ctx context.Context, caller Caller, filter GroupNamesFilter, languageID int, page Page, timeoutMs int) ([]Description, error) {
	body := callerBody(caller, page, timeoutMs)
	body["filter"] = filter
	body["languageId"] = languageID

	var groups []Description
	_, err := g.call(ctx, signalsService, "GetGroupNames", body, &groups)
	return groups, err
}

// GetGroupNamesByToken implements Gateway.
func (g *HTTPGateway) GetGroupNamesByToken(ctx context.Context, securityToken string, filter GroupNamesFilter, languageID int, page Page, timeoutMs int) ([]Description, error) {
	body := tokenBody(securityToken, page, timeoutMs)
	body["filter"] = filter
	body["languageId"] = languageID

	var groups []Description
	_, err := g.call(ctx, signalsService, "GetGroupNamesByToken", body, &groups)
	return groups, err
}
