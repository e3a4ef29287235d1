package session

import "fmt"

// AuthenticationError reports a login or registration the server rejected.
// The message is sanitized before it reaches a caller: it never confirms
// which field was wrong and never echoes server-internal detail.
type AuthenticationError struct {
	msg string
}

func (e *AuthenticationError) Error() string {
	if e.msg == "" {
		return "authentication failed"
	}
	return e.msg
}

// SessionExpiredError reports that the refresh token was missing, expired, or
// rejected. By the time a caller sees it the session has already been torn
// down; the right response is routing the user to a login surface.
type SessionExpiredError struct {
	Cause error
}

func (e *SessionExpiredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session expired: %v", e.Cause)
	}
	return "session expired"
}

func (e *SessionExpiredError) Unwrap() error { return e.Cause }

// NetworkError reports that a request never reached the server or timed out.
// It is distinct from AuthenticationError so callers can offer "retry"
// instead of "log in again".
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }
