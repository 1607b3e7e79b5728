package token

import (
	"errors"
	"fmt"
)

// ErrNoToken is wrapped by AuthError when the identity response carries no
// access_token.
var ErrNoToken = errors.New("token: no access_token in response")

// AuthError reports a failed exchange with the identity endpoint.
type AuthError struct {
	Login      string
	StatusCode int
	// Response is the (possibly truncated) body returned by the server.
	Response string
	Err      error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("token: authentication failed for %s", e.Login)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Response != "" {
		msg += ": " + e.Response
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConfigError reports an account group or login missing from configuration.
type ConfigError struct {
	Group string
	Login string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Login != "" {
		return fmt.Sprintf("token: group %q login %q: %s", e.Group, e.Login, e.Msg)
	}
	return fmt.Sprintf("token: group %q: %s", e.Group, e.Msg)
}

// IsAccountError reports whether err disqualifies an account without being
// a store failure.
func IsAccountError(err error) bool {
	var ae *AuthError
	var ce *ConfigError
	return errors.As(err, &ae) || errors.As(err, &ce)
}
