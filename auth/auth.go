// Package auth implements the CONNECT-time Auth Gate (SPEC_FULL component M):
// username/password verification against a bcrypt-hashed credential store,
// plus the allow_anonymous escape hatch.
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// Gate holds the broker's credential store, loaded from config at startup.
type Gate struct {
	allowAnonymous bool
	hashes         map[string]string // username -> bcrypt hash
}

// NewGate builds a Gate from a username->bcrypt-hash map. A nil map is
// treated as empty.
func NewGate(allowAnonymous bool, hashes map[string]string) *Gate {
	if hashes == nil {
		hashes = map[string]string{}
	}
	return &Gate{allowAnonymous: allowAnonymous, hashes: hashes}
}

// Check reports whether the given username/password pair (as presented in
// a CONNECT packet) is accepted, per §4.14:
//   - no username presented: accepted iff allow_anonymous is set.
//   - username presented but unknown: rejected.
//   - username known: accepted iff password matches its bcrypt hash.
func (g *Gate) Check(usernameFlag bool, username string, password []byte) bool {
	if !usernameFlag {
		return g.allowAnonymous
	}
	hash, ok := g.hashes[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), password) == nil
}

// HashPassword bcrypt-hashes a plaintext password at the package's default
// cost, for use by operator tooling that provisions the config file's
// authentications map.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
