package issuer

import "fmt"

// OauthError is a standard RFC 6749 error: a short code plus a
// human-readable description. It is returned as JSON from /token and
// appended to the query string on /authorize error redirects.
type OauthError struct {
	Code        string
	Description string
}

func (e *OauthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOauthError(code, description string) *OauthError {
	return &OauthError{Code: code, Description: description}
}

// Standard error codes used throughout the issuer.
const (
	ErrInvalidRequest       = "invalid_request"
	ErrInvalidGrant         = "invalid_grant"
	ErrInvalidClient        = "invalid_client"
	ErrInvalidRedirectURI   = "invalid_redirect_uri"
	ErrUnauthorizedClient   = "unauthorized_client"
	ErrUnsupportedGrantType = "unsupported_grant_type"
	ErrServerError          = "server_error"
	ErrValidationError      = "validation_error"
)

// MissingParameterError is a typed invalid_request for a specific absent
// query/form parameter.
type MissingParameterError struct {
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter: %s", e.Parameter)
}

func (e *MissingParameterError) OauthError() *OauthError {
	return newOauthError(ErrInvalidRequest, e.Error())
}

// UnauthorizedClientError is returned when the allow-check rejects a
// client/redirect_uri/audience combination.
type UnauthorizedClientError struct {
	Reason string
}

func (e *UnauthorizedClientError) Error() string { return "unauthorized client: " + e.Reason }

func (e *UnauthorizedClientError) OauthError() *OauthError {
	return newOauthError(ErrUnauthorizedClient, e.Reason)
}

// UnknownStateError means the cookie carrying flow state was missing or
// failed to decrypt mid-flow; it is not an OAuth protocol error and is
// handed to the caller's configured error handler instead of redirected.
type UnknownStateError struct{}

func (e *UnknownStateError) Error() string { return "unknown or expired authorization state" }
