// Package errors defines the failure taxonomy shared by the gateway
// components. Every failure that can reach a client is one of the types
// below so the envelope package can map it without a default case.
package errors

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. Each typed error below reports true
// for its sentinel.
var (
	ErrMissingConfiguration = errors.New("missing configuration")
	ErrMissingCredential    = errors.New("missing credential")
	ErrMalformedCredential  = errors.New("malformed credential")
	ErrTokenExchange        = errors.New("token exchange failed")
	ErrMalformedToken       = errors.New("malformed token")
	ErrForwarding           = errors.New("forwarding failed")
	ErrValidation           = errors.New("validation failed")
)

// MissingConfigurationError reports a required configuration value that
// is absent. Name is the environment variable.
type MissingConfigurationError struct {
	Name string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("missing configuration: %s is required", e.Name)
}

func (e *MissingConfigurationError) Is(target error) bool { return target == ErrMissingConfiguration }

// MissingCredentialError reports empty certificate or key material handed
// to the identity provisioner.
type MissingCredentialError struct {
	Name string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("missing credential: %s is empty", e.Name)
}

func (e *MissingCredentialError) Is(target error) bool { return target == ErrMissingCredential }

// MalformedCredentialError wraps a certificate or key decoding failure.
type MalformedCredentialError struct {
	Cause error
}

func (e *MalformedCredentialError) Error() string {
	return fmt.Sprintf("malformed credential: %v", e.Cause)
}

func (e *MalformedCredentialError) Unwrap() error        { return e.Cause }
func (e *MalformedCredentialError) Is(target error) bool { return target == ErrMalformedCredential }

// TokenExchangeError reports a failed client-credentials exchange. Exactly
// one of Cause (transport), Status (non-2xx answer) or Reason (bad 2xx
// answer) describes the failure.
type TokenExchangeError struct {
	Cause  error
	Status int
	Body   []byte
	Reason string
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("token exchange failed: %v", e.Cause)
	case e.Status != 0:
		return fmt.Sprintf("token exchange failed: authorization server returned status %d", e.Status)
	case e.Reason != "":
		return "token exchange failed: " + e.Reason
	}

	return "token exchange failed"
}

func (e *TokenExchangeError) Unwrap() error        { return e.Cause }
func (e *TokenExchangeError) Is(target error) bool { return target == ErrTokenExchange }

// MalformedTokenError reports a bearer token whose claims segment could
// not be decoded.
type MalformedTokenError struct {
	Cause error
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed token: %v", e.Cause)
}

func (e *MalformedTokenError) Unwrap() error        { return e.Cause }
func (e *MalformedTokenError) Is(target error) bool { return target == ErrMalformedToken }

// ForwardingError reports an upstream call that failed at the transport
// layer (Cause set) or answered with a status the request policy rejects.
type ForwardingError struct {
	Status int
	Body   []byte
	Cause  error
}

func (e *ForwardingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream request failed: %v", e.Cause)
	}

	return fmt.Sprintf("upstream returned status %d", e.Status)
}

func (e *ForwardingError) Unwrap() error        { return e.Cause }
func (e *ForwardingError) Is(target error) bool { return target == ErrForwarding }

// ValidationError reports caller input missing a required field or
// carrying a value in the wrong format.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}

	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StatusOf returns the upstream HTTP status carried by err, if any.
func StatusOf(err error) (int, bool) {
	var fe *ForwardingError
	if errors.As(err, &fe) && fe.Status != 0 {
		return fe.Status, true
	}

	var te *TokenExchangeError
	if errors.As(err, &te) && te.Status != 0 {
		return te.Status, true
	}

	return 0, false
}

// BodyOf returns the upstream response body carried by err, or nil.
func BodyOf(err error) []byte {
	var fe *ForwardingError
	if errors.As(err, &fe) {
		return fe.Body
	}

	var te *TokenExchangeError
	if errors.As(err, &te) {
		return te.Body
	}

	return nil
}
