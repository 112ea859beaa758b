package main

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/puyokura/roomchat/model"
	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultIterations = 120_000
	MinIterations     = 10_000
	SaltBytes         = 16
	KeyBytes          = 32
)

// NewSalt returns SaltBytes of cryptographically secure random data.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over password with exactly the given
// iteration count. MinIterations applies to new records only; see NewStore.
func DeriveKey(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, KeyBytes, sha256.New)
}

// PasswordMatches re-derives the key with the record's own salt and
// iteration count and compares in constant time.
func PasswordMatches(password []byte, u *model.User) bool {
	if u == nil {
		return false
	}
	computed := DeriveKey(password, u.Salt, u.Iterations)
	defer clear(computed)
	return subtle.ConstantTimeCompare(computed, u.Hash) == 1
}
