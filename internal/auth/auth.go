// Package auth establishes who is calling the escrow API.
//
// Trust model:
//   - Users are identified by the X-Actor-ID header set by the chat layer
//   - Admin calls carry the admin bearer token plus X-Actor-ID
//   - The payment watcher and the expiry job carry the system bearer token
//
// Role claims established here are trusted by the escrow core.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"

	// SystemActorID is attributed to calls made with the system token.
	SystemActorID = "system"

	HeaderActorID = "X-Actor-ID"
)

var (
	ErrUnknownToken = errors.New("unknown bearer token")
	ErrNoActor      = errors.New("actor id required")
)

// Identity is the caller resolved from a request.
type Identity struct {
	ID   string
	Role string
}

// Authenticator resolves identities from bearer tokens. Token digests are
// compared in constant time.
type Authenticator struct {
	systemHash []byte
	adminHash  []byte
}

// NewAuthenticator creates an authenticator. An empty token disables that
// role.
func NewAuthenticator(systemToken, adminToken string) *Authenticator {
	return &Authenticator{
		systemHash: digest(systemToken),
		adminHash:  digest(adminToken),
	}
}

// Resolve turns a bearer token and actor id header into an Identity.
func (a *Authenticator) Resolve(bearer, actorID string) (Identity, error) {
	actorID = strings.TrimSpace(actorID)
	if bearer == "" {
		if actorID == "" {
			return Identity{}, ErrNoActor
		}
		return Identity{ID: actorID, Role: RoleUser}, nil
	}

	h := digest(bearer)
	switch {
	case matches(a.systemHash, h):
		return Identity{ID: SystemActorID, Role: RoleSystem}, nil
	case matches(a.adminHash, h):
		if actorID == "" {
			return Identity{}, ErrNoActor
		}
		return Identity{ID: actorID, Role: RoleAdmin}, nil
	}
	return Identity{}, ErrUnknownToken
}

func digest(token string) []byte {
	if token == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

func matches(want, got []byte) bool {
	return want != nil && subtle.ConstantTimeCompare(want, got) == 1
}
