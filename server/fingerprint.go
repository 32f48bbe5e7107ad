package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// FingerprintHasher derives deterministic, keyed hashes of agent hardware
// fingerprints so the raw fingerprint never sits in the database.
type FingerprintHasher struct {
	key []byte
}

// NewFingerprintHasher constructs a hasher with the provided key bytes.
func NewFingerprintHasher(key []byte) FingerprintHasher {
	return FingerprintHasher{key: append([]byte(nil), key...)}
}

// HashString hashes the fingerprint using HMAC-SHA256 and returns a base64
// string.
func (h FingerprintHasher) HashString(fingerprint string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(fingerprint))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify compares a presented fingerprint against the stored hash in
// constant time.
func (h FingerprintHasher) Verify(fingerprint, storedHash string) bool {
	return secureCompare(h.HashString(fingerprint), storedHash)
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
