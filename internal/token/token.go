// Package token derives private session identifiers from token pairs and
// generates server-side connection secrets.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const serverTokenBytes = 16

// DerivePrivateID returns the hex sha256 digest of
// serverToken + ":" + userToken. The digest labels a session without
// exposing either raw token and is never stored; collaborators recompute it
// on demand.
//
// Returns the empty string when either token is empty. Callers must check
// before trusting the result.
func DerivePrivateID(serverToken, userToken string) string {
	if serverToken == "" || userToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(serverToken + ":" + userToken))
	return hex.EncodeToString(sum[:])
}

// NewServerToken returns a fresh connection secret from a cryptographically
// secure source, sized so collision probability is negligible.
func NewServerToken() string {
	buf := make([]byte, serverTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic("token: rand.Read: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
