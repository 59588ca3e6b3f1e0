package web

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the web password. Basic Auth derives a key on
// every request, so memory stays at the OWASP floor rather than the 64 MiB
// used for at-rest secrets.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// password holds only the derived key of the configured password, never
// the plaintext.
type password struct {
	salt []byte
	key  []byte
}

// newPassword returns nil when plain is empty, meaning auth is disabled.
func newPassword(plain string) (*password, error) {
	if plain == "" {
		return nil, nil
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &password{salt: salt, key: deriveKey(plain, salt)}, nil
}

func deriveKey(plain string, salt []byte) []byte {
	return argon2.IDKey([]byte(plain), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Match compares in constant time.
func (p *password) Match(plain string) bool {
	if p == nil {
		return true
	}
	if plain == "" {
		return false
	}
	return subtle.ConstantTimeCompare(deriveKey(plain, p.salt), p.key) == 1
}
