// Package authtest provides trivial Authenticator implementations for tests
// and local development.
package authtest

import (
	"context"
	"fmt"

	"github.com/modelstream/mcp-resume-go/auth"
)

// NoAuth accepts every token (including the empty token) and reports the
// configured user. Use it only in tests and development environments.
type NoAuth struct {
	User string
}

// NewNoAuth creates a NoAuth authenticator. If userID is empty it defaults
// to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{User: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return staticUser(n.User), nil
}

// Static maps specific bearer tokens to user IDs and rejects everything else
// with auth.ErrUnauthorized. Handy for exercising ownership checks.
type Static struct {
	Tokens map[string]string
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := s.Tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return staticUser(uid), nil
}

type staticUser string

func (u staticUser) UserID() string       { return string(u) }
func (u staticUser) Claims(ref any) error { return nil }
