// Package session defines the opaque session token carried by clients. The
// token wraps the upstream token pair plus an advisory user snapshot; the
// snapshot is never trusted for authorization decisions, which always
// re-resolve live user info from the wrapped access token.
package session

import (
	"errors"

	"github.com/opsdeck/opsdeck/pkg/identity"
)

// ErrInvalidToken is returned by Codec.Open for malformed, tampered or
// otherwise undecodable tokens.
var ErrInvalidToken = errors.New("invalid session token")

// Payload is the content wrapped by a session token.
type Payload struct {
	Tokens identity.TokenPair `json:"tokens"`
	// User is the snapshot taken when the token was issued. Advisory only.
	User *identity.UserInfo `json:"user,omitempty"`
}

// Codec issues and opens opaque session tokens. Tokens are stateless: there
// is no server-side record, and renewal supersedes rather than mutates.
type Codec interface {
	Issue(payload Payload) (string, error)
	Open(token string) (*Payload, error)
}
