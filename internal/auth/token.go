// Package auth verifies bearer tokens presented by WebSocket clients and
// resolves them to a user identity, per the spec's TokenVerifier
// collaborator.
package auth

import "context"

// Identity is the resolved subject of a verified token.
type Identity struct {
	UserID string
	Class  ClientClass
}

// ClientClass distinguishes authenticated from anonymous traffic for the
// rate limiter's per-class caps (spec §4.B).
type ClientClass string

const (
	ClassAuthenticated ClientClass = "authenticated"
	ClassAnonymous     ClientClass = "anonymous"
)

// Verifier validates a bearer token and yields the identity it carries.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Sentinel errors distinguished by the gateway so it can choose the close
// reason required by spec §4.G step 4.
type (
	ErrInvalidToken struct{ cause error }
	ErrExpiredToken struct{}
	ErrNoSubject    struct{}
)

func (e ErrInvalidToken) Error() string {
	if e.cause != nil {
		return "invalid token: " + e.cause.Error()
	}
	return "invalid token"
}
func (e ErrInvalidToken) Unwrap() error { return e.cause }

func (ErrExpiredToken) Error() string { return "token has expired" }
func (ErrNoSubject) Error() string    { return "invalid token: missing subject claim" }
