package errors

import (
	"errors"
	"fmt"
)

// OAuth2Error represents a standardized OAuth 2.0 error
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Standard OAuth2 error codes
const (
	InvalidRequest         = "invalid_request"
	UnauthorizedClient     = "unauthorized_client"
	AccessDenied           = "access_denied"
	UnsupportedGrantType   = "unsupported_grant_type"
	InvalidScope           = "invalid_scope"
	InvalidClient          = "invalid_client"
	InvalidGrant           = "invalid_grant"
	InvalidRedirectURI     = "invalid_redirect_uri"
	ServerError            = "server_error"
	TemporarilyUnavailable = "temporarily_unavailable"
)

// Common error constructors
func NewInvalidRequest(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidRequest,
		Description: description,
	}
}

func NewInvalidClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidClient,
		Description: description,
	}
}

func NewInvalidGrant(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidGrant,
		Description: description,
	}
}

func NewInvalidRedirectURI(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidRedirectURI,
		Description: description,
	}
}

func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        ServerError,
		Description: description,
	}
}

func NewUnauthorizedClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        UnauthorizedClient,
		Description: description,
	}
}

func NewUnsupportedGrantType() *OAuth2Error {
	return &OAuth2Error{
		Code:        UnsupportedGrantType,
		Description: "The authorization grant type is not supported",
	}
}

// MissingParameterError is an invalid_request specialization that names
// the absent parameter.
type MissingParameterError struct {
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Parameter)
}

// OAuth returns the protocol-level shape of the error.
func (e *MissingParameterError) OAuth() *OAuth2Error {
	return NewInvalidRequest(e.Error())
}

func NewMissingParameter(parameter string) *MissingParameterError {
	return &MissingParameterError{Parameter: parameter}
}

// UnauthorizedClientError is an unauthorized_client specialization that
// carries the offending client and redirect target for logging.
type UnauthorizedClientError struct {
	ClientID    string
	RedirectURI string
}

func (e *UnauthorizedClientError) Error() string {
	return fmt.Sprintf("client %q is not authorized to use redirect_uri %q", e.ClientID, e.RedirectURI)
}

// OAuth returns the protocol-level shape of the error.
func (e *UnauthorizedClientError) OAuth() *OAuth2Error {
	return NewUnauthorizedClient(e.Error())
}

func NewUnauthorizedClientError(clientID, redirectURI string) *UnauthorizedClientError {
	return &UnauthorizedClientError{ClientID: clientID, RedirectURI: redirectURI}
}

// UnknownStateError signals browser-side flow desynchronization: the
// pending authorization state cookie is missing, expired or cannot be
// decrypted. There is no redirect_uri to return the user to, so it is
// routed to the top-level error handler instead of an OAuth redirect.
type UnknownStateError struct{}

func (e *UnknownStateError) Error() string {
	return "the browser was in an unknown state, the flow may have expired or the session was cleared"
}

func NewUnknownState() *UnknownStateError {
	return &UnknownStateError{}
}

// Typed verification failures surfaced by the token verification helper.
// They are distinct from the server-side OAuth taxonomy above.
var (
	ErrInvalidAccessToken       = errors.New("invalid access token")
	ErrAccessTokenExpired       = errors.New("access token expired")
	ErrInvalidRefreshToken      = errors.New("invalid refresh token")
	ErrInvalidAuthorizationCode = errors.New("invalid authorization code")
	ErrInvalidSubject           = errors.New("invalid subject")
)
