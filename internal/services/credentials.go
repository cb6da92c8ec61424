package services

import (
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

// CredentialVerifier is the capability the invoice payment path uses to
// check a transaction PIN. It is deliberately opaque: callers get a
// boolean and nothing else.
type CredentialVerifier interface {
	Verify(plaintext, storedHash string) bool
}

// Argon2Credentials hashes and verifies PINs with argon2id. New hashes
// take their cost parameters from config; verification reads them back
// out of the stored hash, so retuning the config never invalidates
// existing PINs.
type Argon2Credentials struct{}

func NewArgon2Credentials() *Argon2Credentials {
	return &Argon2Credentials{}
}

// Hash derives a salted argon2id hash in the standard encoded form
// $argon2id$v=19$m=...,t=...,p=...$salt$hash with raw base64 fields.
func (c *Argon2Credentials) Hash(plaintext string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	timeCost := uint32(viper.GetInt("argon2.time"))
	memory := uint32(viper.GetInt("argon2.memory"))
	threads := uint8(viper.GetInt("argon2.threads"))
	keyLength := uint32(viper.GetInt("argon2.key_length"))

	hash := argon2.IDKey([]byte(plaintext), salt, timeCost, memory, threads, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, timeCost, threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// Verify recomputes the hash with the salt and parameters carried in
// storedHash and compares in constant time.
func (c *Argon2Credentials) Verify(plaintext, storedHash string) bool {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}

	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(plaintext), salt, timeCost, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}
