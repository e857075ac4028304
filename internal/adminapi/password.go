package adminapi

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the bootstrap operator credential, following
// OWASP recommendations -- the same recipe the teacher uses for its own
// account passwords. There is exactly one credential, hashed once at
// startup with these fixed parameters, so unlike a multi-account password
// table there is no encoded parameter string to round-trip: the params
// never vary and never need to be read back out of storage.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// bootstrapCredential is the hashed form of the single operator password,
// held in memory for the lifetime of the process.
type bootstrapCredential struct {
	salt []byte
	hash []byte
}

// hashBootstrapCredential hashes the bootstrap operator password with
// Argon2id. Called once, at server construction.
func hashBootstrapCredential(password string) (bootstrapCredential, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return bootstrapCredential{}, fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return bootstrapCredential{salt: salt, hash: hash}, nil
}

// matches reports, in constant time, whether password is the one this
// credential was hashed from.
func (c bootstrapCredential) matches(password string) bool {
	computed := argon2.IDKey([]byte(password), c.salt, argon2Time, argon2Memory, argon2Threads, uint32(len(c.hash)))
	return subtle.ConstantTimeCompare(c.hash, computed) == 1
}
