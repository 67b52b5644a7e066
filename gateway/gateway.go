// Package gateway describes the remote signal service the connector talks to.
//
// The Gateway interface is the only thing the engine depends on: every
// operation is a named remote call that either returns a decoded result or an
// error. HTTPGateway implements it against the service's JSON endpoints.
package gateway

import (
	"context"
	"encoding/json"
)

// DefaultTimeout is the server-side timeout, in milliseconds, passed to the
// security and metadata operations that accept one.
const DefaultTimeout = 10000

// DefaultLanguageID selects the language of definition and group texts.
const DefaultLanguageID = 7

// Session is the server's answer to Connect.
type Session struct {
	SessionID      string `json:"SessionId"`
	IsValidLicense bool   `json:"IsValidLicense"`
}

// SecuritySession is the server's answer to ConnectWithToken.
type SecuritySession struct {
	Session       Session `json:"Session"`
	SecurityToken string  `json:"SecurityToken"`
}

// FunctionResult is the structured form of a login answer.
type FunctionResult struct {
	Result     string `json:"Result"`
	ErrorCodes []int  `json:"ErrorCodes"`
	Succeeded  bool   `json:"Succeeded"`
}

// LoginResponse carries exactly one of the shapes Login may return: a bare
// string (a token, or an encoded array of error codes) or a FunctionResult.
type LoginResponse struct {
	Token    string
	Function *FunctionResult
}

// User is the currently logged in user.
type User struct {
	Name     string `json:"Name"`
	IsADUser bool   `json:"IsADUser"`
}

// UserAuthorizations lists what the logged in user may do.
type UserAuthorizations struct {
	ProjectAuthorizations []json.RawMessage `json:"ProjectAuthorizations"`
	SystemAuthorizations  []json.RawMessage `json:"SystemAuthorizations"`
}

// KeyValue is a signal name paired with a value.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Update is one GetUpdates answer.
type Update struct {
	ResponseID int        `json:"ResponseId"`
	Updates    []KeyValue `json:"Updates"`
}

// SignalValue is one ReadSignals result, index-aligned with the request.
type SignalValue struct {
	Result int `json:"Result"`
	Value  any `json:"Value"`
}

// SignalDefinitionsFilter narrows GetSignalDefinitions.
type SignalDefinitionsFilter struct {
	ServerNames   []string `json:"ServerNames"`
	AliasNames    []string `json:"AliasNames"`
	LogTags       []string `json:"LogTags"`
	ResultsFilter int      `json:"ResultsFilter"`
}

// Result sets selectable through SignalDefinitionsFilter.ResultsFilter.
const (
	ResultsBasic          = 0
	ResultsExtended       = 1
	ResultsConnector      = 2
	ResultsGroup          = 4
	ResultsWriteGroup     = 8
	ResultsServer         = 16
	ResultsLogs           = 32
	ResultsDiscreteValues = 64
	ResultsAll            = 128
)

// SignalNamesFilter narrows GetSignalNames.
type SignalNamesFilter struct {
	ServerNames []string `json:"ServerNames"`
	AliasNames  []string `json:"AliasNames"`
	GroupIDs    []string `json:"GroupIds"`
}

// GroupNamesFilter narrows GetGroupNames.
type GroupNamesFilter struct {
	ServerNames []string `json:"ServerNames"`
	GroupNames  []string `json:"GroupNames"`
}

// SignalDefinition describes a signal configured on the server.
type SignalDefinition struct {
	ID          string `json:"ID"`
	Name        string `json:"Name"`
	AliasName   string `json:"AliasName"`
	Description string `json:"Description"`
	Unit        string `json:"Unit"`
	Active      bool   `json:"Active"`
	Maximum     any    `json:"Maximum"`
	Minimum     any    `json:"Minimum"`
}

// Name is a signal name entry.
type Name struct {
	Name string `json:"Name"`
}

// Description is a named group entry.
type Description struct {
	Name        string `json:"Name"`
	Description string `json:"Description"`
}

// Caller holds the identity used by operations that are not token based.
type Caller struct {
	SessionID    string
	ClientID     string
	UserName     string
	IsDomainUser bool
}

// Page selects a window of a paginated lookup.
type Page struct {
	Start int
	Count int
}

// Gateway performs named remote calls against the signal service.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// SetBaseURL reconfigures the server address for all subsequent calls.
	SetBaseURL(url string)
	// BaseURL returns the server address currently in use.
	BaseURL() string

	Connect(ctx context.Context) (*Session, error)
	Disconnect(ctx context.Context, sessionID string) error
	ConnectWithToken(ctx context.Context, securityToken string, requestedLicenses []string) (*SecuritySession, error)

	Login(ctx context.Context, sessionID, clientID, userName, password string, isDomainUser bool, timeoutMs int) (*LoginResponse, error)
	// LoginWindowsUser logs in the Windows account the server authenticates
	// for the HTTP caller.
	LoginWindowsUser(ctx context.Context, sessionID, clientID string, timeoutMs int) (*LoginResponse, error)
	LogoutByToken(ctx context.Context, securityToken string, timeoutMs int) (bool, error)
	IsUserLoggedIn(ctx context.Context, securityToken string, timeoutMs int) (bool, error)
	GetCurrentLoggedInUser(ctx context.Context, securityToken string, timeoutMs int) (*User, error)
	GetCurrentUserAuthorizations(ctx context.Context, securityToken string, timeoutMs int) (*UserAuthorizations, error)

	RegisterSignals(ctx context.Context, sessionID, clientID string, names []string) ([]int, error)
	UnregisterSignals(ctx context.Context, sessionID, clientID string, names []string) ([]int, error)
	// GetUpdates returns nil, nil when the server answers without a payload.
	GetUpdates(ctx context.Context, sessionID, clientID string, requestID int) (*Update, error)
	ReadSignals(ctx context.Context, sessionID, clientID string, names []string) ([]SignalValue, error)
	WriteUnsecuredSignals(ctx context.Context, sessionID, clientID string, values []KeyValue) ([]int, error)
	WriteSecuredSignalsByToken(ctx context.Context, securityToken, clientID string, values []KeyValue) ([]int, error)

	GetSignalDefinitions(ctx context.Context, caller Caller, filter SignalDefinitionsFilter, languageID int, page Page, timeoutMs int) ([]SignalDefinition, error)
	GetSignalDefinitionsByToken(ctx context.Context, securityToken string, filter SignalDefinitionsFilter, languageID int, page Page, timeoutMs int) ([]SignalDefinition, error)
	GetSignalNames(ctx context.Context, caller Caller, filter SignalNamesFilter, page Page, timeoutMs int) ([]Name, error)
	GetSignalNamesByToken(ctx context.Context, securityToken string, filter SignalNamesFilter, page Page, timeoutMs int) ([]Name, error)
	GetGroupNames(ctx context.Context, caller Caller, filter GroupNamesFilter, languageID int, page Page, timeoutMs int) ([]Description, error)
	GetGroupNamesByToken(ctx context.Context, securityToken string, filter GroupNamesFilter, languageID int, page Page, timeoutMs int) ([]Description, error)
}
