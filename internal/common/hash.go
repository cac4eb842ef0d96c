package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the hex encoded HMAC-SHA256 of data under key.
func HMACSHA256Hex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHex compares two hex digests in constant time, ignoring case.
func EqualHex(expected, provided string) bool {
	a, err := hex.DecodeString(expected)
	if err != nil || len(a) == 0 {
		return false
	}
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(a, b)
}
